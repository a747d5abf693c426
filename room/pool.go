package room

// nodePool is the arena of attached storage nodes, keyed by id. It owns node
// lifecycle: nodes enter via create ops or the initial storage load and leave
// via delete ops. Exactly one attached node is the root.
type nodePool struct {
	room  *Room
	nodes map[string]liveNode
	root  *LiveObject
}

func newNodePool(room *Room) *nodePool {
	return &nodePool{
		room:  room,
		nodes: map[string]liveNode{},
	}
}

func (self *nodePool) getNode(id string) liveNode {
	return self.nodes[id]
}

func (self *nodePool) count() int {
	return len(self.nodes)
}

func (self *nodePool) assertStorageIsWritable() error {
	if self.room.isReadOnly() {
		return &WriteDeniedError{
			RoomId: self.room.roomId,
		}
	}
	return nil
}

func (self *nodePool) nextNodeId() string {
	return self.room.ids.nextNodeId()
}

// dispatchLocal routes a completed local mutation into the active batch, or
// commits it eagerly when no batch is open.
func (self *nodePool) dispatchLocal(ops []*Op, reverse []*Op, updates []*StorageUpdate) {
	self.room.dispatchLocalStorage(ops, reverse, updates)
}

// setRoot installs a freshly built root object and registers its subtree.
func (self *nodePool) setRoot(root *LiveObject) {
	self.nodes = map[string]liveNode{}
	self.root = root
	registerSubtree(self, root)
}

// isAncestor reports whether ancestorId lies on the parent chain of node,
// or is the node itself.
func (self *nodePool) isAncestor(ancestorId string, node liveNode) bool {
	for n := node; n != nil; n = n.base().parent {
		if n.Id() == ancestorId {
			return true
		}
	}
	return false
}
