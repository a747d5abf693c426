package room

// The storage tree is an arena of live nodes keyed by id in the node pool.
// Nodes hold direct references to parent and children; the pool is the
// authority on which nodes are attached. A node with a nil pool is detached:
// it was built by the host and not yet linked under the root.

type liveNode interface {
	Id() string

	nodeKind() CrdtCode
	base() *liveNodeBase

	// applyNodeOp applies a non-create op addressed at this node.
	// Returns nil when the op had no effect.
	applyNodeOp(op *Op, source applySource) *applyResult

	// attachChild applies a create op whose parent is this node.
	attachChild(op *Op, source applySource) *applyResult

	// removeChild unlinks the given direct child, returning the ops that
	// would recreate it and the parent-side update descriptor.
	removeChild(child liveNode) *applyResult

	// serialize returns this node's own record (children excluded).
	serialize() *serializedCrdt

	// creationOps returns ops that recreate this node and its subtree under
	// the given parent, parents first.
	creationOps(parentId string, parentKey string) []*Op

	// eachChild visits direct live children.
	eachChild(fn func(child liveNode))

	// ToImmutable returns a plain-data snapshot of the subtree.
	ToImmutable() any
}

type liveNodeBase struct {
	pool      *nodePool
	id        string
	parent    liveNode
	parentKey string
}

func (self *liveNodeBase) Id() string {
	return self.id
}

func (self *liveNodeBase) base() *liveNodeBase {
	return self
}

func (self *liveNodeBase) attached() bool {
	return self.pool != nil
}

func (self *liveNodeBase) setParentLink(parent liveNode, key string) {
	self.parent = parent
	self.parentKey = key
}

// registerSubtree walks a detached subtree, assigns fresh node ids where missing and
// records every node in the pool.
func registerSubtree(pool *nodePool, node liveNode) {
	b := node.base()
	b.pool = pool
	if b.id == "" {
		b.id = pool.room.ids.nextNodeId()
	}
	pool.nodes[b.id] = node
	node.eachChild(func(child liveNode) {
		registerSubtree(pool, child)
	})
}

// unregisterSubtree removes a subtree from the pool and severs pool links.
func unregisterSubtree(pool *nodePool, node liveNode) {
	delete(pool.nodes, node.Id())
	node.base().pool = nil
	node.eachChild(func(child liveNode) {
		unregisterSubtree(pool, child)
	})
}

// buildNodeFromOp constructs a fresh detached node for a create op.
func buildNodeFromOp(op *Op) liveNode {
	switch op.Code {
	case OpCodeCreateObject:
		node := NewLiveObject(op.dataMap())
		node.id = op.Id
		return node
	case OpCodeCreateList:
		node := NewLiveList(nil)
		node.id = op.Id
		return node
	case OpCodeCreateMap:
		node := NewLiveMap(nil)
		node.id = op.Id
		return node
	case OpCodeCreateRegister:
		node := newLiveRegister(op.Data)
		node.id = op.Id
		return node
	}
	return nil
}

// buildNodeFromSerialized constructs a detached node for a storage record.
func buildNodeFromSerialized(id string, crdt *serializedCrdt) liveNode {
	switch crdt.Type {
	case CrdtObject:
		data, _ := crdt.Data.(map[string]any)
		node := NewLiveObject(data)
		node.id = id
		return node
	case CrdtList:
		node := NewLiveList(nil)
		node.id = id
		return node
	case CrdtMap:
		node := NewLiveMap(nil)
		node.id = id
		return node
	case CrdtRegister:
		node := newLiveRegister(crdt.Data)
		node.id = id
		return node
	}
	return nil
}

// asLiveNode reports whether a host-supplied value is a live structure.
func asLiveNode(value any) (liveNode, bool) {
	switch node := value.(type) {
	case *LiveObject:
		return node, true
	case *LiveList:
		return node, true
	case *LiveMap:
		return node, true
	case *liveRegister:
		return node, true
	}
	return nil, false
}

type applyResult struct {
	updates []*StorageUpdate
	reverse []*Op
}

// prependOps builds reverse sequences in inverse execution order.
func prependOps(reverse []*Op, ops ...*Op) []*Op {
	return append(append([]*Op{}, ops...), reverse...)
}
