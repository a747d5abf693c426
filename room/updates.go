package room

// StorageUpdate describes what changed on a single node during one apply
// batch. Observers receive at most one update per node per batch; updates for
// the same node are merged with kind-specific rules.

type KeyUpdateType string

const (
	KeyUpdated KeyUpdateType = "update"
	KeyDeleted KeyUpdateType = "delete"
)

type KeyUpdate struct {
	Type KeyUpdateType
}

type ListUpdateType string

const (
	ListItemInserted ListUpdateType = "insert"
	ListItemSet      ListUpdateType = "set"
	ListItemMoved    ListUpdateType = "move"
	ListItemDeleted  ListUpdateType = "delete"
)

type ListItemUpdate struct {
	Type  ListUpdateType
	Index int
	// Item is an immutable snapshot of the affected value. Nil for deletes.
	Item any
}

type StorageUpdate struct {
	NodeId string
	Kind   CrdtCode
	// Node is the live node the update refers to:
	// *LiveObject, *LiveList or *LiveMap.
	Node any
	// Keys is set for object and map updates.
	Keys map[string]KeyUpdate
	// Items is set for list updates, in application order.
	Items []ListItemUpdate
}

// mergeWith folds a later update for the same node into this one.
// Object and map updates merge key sets; list updates concatenate entries.
func (self *StorageUpdate) mergeWith(other *StorageUpdate) {
	if other == nil || other.NodeId != self.NodeId {
		return
	}
	switch self.Kind {
	case CrdtObject, CrdtMap:
		if self.Keys == nil {
			self.Keys = map[string]KeyUpdate{}
		}
		for key, update := range other.Keys {
			self.Keys[key] = update
		}
	case CrdtList:
		self.Items = append(self.Items, other.Items...)
	}
}

func keysUpdate(node liveNode, keys map[string]KeyUpdate) *StorageUpdate {
	return &StorageUpdate{
		NodeId: node.Id(),
		Kind:   node.nodeKind(),
		Node:   node,
		Keys:   keys,
	}
}

func singleKeyUpdate(node liveNode, key string, updateType KeyUpdateType) *StorageUpdate {
	return keysUpdate(node, map[string]KeyUpdate{
		key: {Type: updateType},
	})
}

func listUpdate(node liveNode, items ...ListItemUpdate) *StorageUpdate {
	return &StorageUpdate{
		NodeId: node.Id(),
		Kind:   CrdtList,
		Node:   node,
		Items:  items,
	}
}
