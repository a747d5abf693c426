package room

import (
	"sort"
)

// LiveList is an ordered sequence node. Items are child nodes keyed by
// fractional position strings; order is the lexicographic order of positions.
// Plain values are wrapped in registers like map entries. When two items land
// on the same position, the one with the greater node id is shifted just
// after it, so replicas settle on the same order.
type LiveList struct {
	liveNodeBase
	items []listEntry
}

type listEntry struct {
	pos  string
	node liveNode
}

// NewLiveList builds a detached list. Values may be plain json data or other
// detached live structures.
func NewLiveList(values []any) *LiveList {
	lst := &LiveList{}
	pos := ""
	for _, value := range values {
		pos = posAfter(pos)
		node := wrapValue(value)
		node.base().setParentLink(lst, pos)
		lst.items = append(lst.items, listEntry{pos: pos, node: node})
	}
	return lst
}

func (self *LiveList) nodeKind() CrdtCode {
	return CrdtList
}

func (self *LiveList) Length() int {
	if !self.attached() {
		return len(self.items)
	}
	var n int
	self.pool.room.read(func() {
		n = len(self.items)
	})
	return n
}

// Get returns the item at index, or nil when out of bounds.
func (self *LiveList) Get(index int) any {
	get := func() any {
		if index < 0 || len(self.items) <= index {
			return nil
		}
		return unwrapValue(self.items[index].node)
	}
	if !self.attached() {
		return get()
	}
	var value any
	self.pool.room.read(func() {
		value = get()
	})
	return value
}

func (self *LiveList) ToArray() []any {
	if !self.attached() {
		return self.toImmutable()
	}
	var snapshot []any
	self.pool.room.read(func() {
		snapshot = self.toImmutable()
	})
	return snapshot
}

func (self *LiveList) ToImmutable() any {
	return self.ToArray()
}

func (self *LiveList) toImmutable() []any {
	snapshot := make([]any, 0, len(self.items))
	for _, entry := range self.items {
		snapshot = append(snapshot, entry.node.ToImmutable())
	}
	return snapshot
}

func (self *LiveList) Push(value any) error {
	if !self.attached() {
		self.insertLocal(len(self.items), value)
		return nil
	}
	return self.pool.room.withLock(func() error {
		return self.insertAttached(len(self.items), value)
	})
}

func (self *LiveList) Insert(value any, index int) error {
	if !self.attached() {
		self.insertLocal(index, value)
		return nil
	}
	return self.pool.room.withLock(func() error {
		return self.insertAttached(index, value)
	})
}

func (self *LiveList) Delete(index int) error {
	if !self.attached() {
		if 0 <= index && index < len(self.items) {
			self.items[index].node.base().setParentLink(nil, "")
			self.items = append(self.items[:index], self.items[index+1:]...)
		}
		return nil
	}
	return self.pool.room.withLock(func() error {
		return self.deleteAttached(index)
	})
}

func (self *LiveList) Move(index int, targetIndex int) error {
	if !self.attached() {
		return invariantViolation("move is only supported on attached lists")
	}
	return self.pool.room.withLock(func() error {
		return self.moveAttached(index, targetIndex)
	})
}

func (self *LiveList) Set(index int, value any) error {
	if !self.attached() {
		if index < 0 || len(self.items) <= index {
			return invariantViolation("list index %d out of bounds", index)
		}
		self.items[index].node.base().setParentLink(nil, "")
		node := wrapValue(value)
		node.base().setParentLink(self, self.items[index].pos)
		self.items[index].node = node
		return nil
	}
	return self.pool.room.withLock(func() error {
		return self.setAttached(index, value)
	})
}

func (self *LiveList) insertLocal(index int, value any) {
	if index < 0 {
		index = 0
	}
	if len(self.items) < index {
		index = len(self.items)
	}
	lo, hi := self.neighborPositions(index)
	pos := posBetween(lo, hi)
	node := wrapValue(value)
	node.base().setParentLink(self, pos)
	self.items = append(self.items, listEntry{})
	copy(self.items[index+1:], self.items[index:])
	self.items[index] = listEntry{pos: pos, node: node}
}

func (self *LiveList) neighborPositions(index int) (string, string) {
	lo := ""
	if 0 < index && index-1 < len(self.items) {
		lo = self.items[index-1].pos
	}
	hi := ""
	if index < len(self.items) {
		hi = self.items[index].pos
	}
	return lo, hi
}

func (self *LiveList) insertAttached(index int, value any) error {
	if err := self.pool.assertStorageIsWritable(); err != nil {
		return err
	}
	if index < 0 || len(self.items) < index {
		return invariantViolation("list index %d out of bounds for insert into list of length %d", index, len(self.items))
	}
	if node, ok := asLiveNode(value); ok {
		if node.base().attached() || node.base().parent != nil {
			return invariantViolation("value is already attached to a tree")
		}
	}

	lo, hi := self.neighborPositions(index)
	pos := posBetween(lo, hi)
	node := wrapValue(value)
	registerSubtree(self.pool, node)
	node.base().setParentLink(self, pos)
	self.items = append(self.items, listEntry{})
	copy(self.items[index+1:], self.items[index:])
	self.items[index] = listEntry{pos: pos, node: node}

	ops := node.creationOps(self.id, pos)
	reverse := []*Op{{
		Code: OpCodeDeleteCrdt,
		Id:   node.Id(),
	}}
	update := listUpdate(self, ListItemUpdate{
		Type:  ListItemInserted,
		Index: index,
		Item:  node.ToImmutable(),
	})
	self.pool.dispatchLocal(ops, reverse, []*StorageUpdate{update})
	return nil
}

func (self *LiveList) deleteAttached(index int) error {
	if err := self.pool.assertStorageIsWritable(); err != nil {
		return err
	}
	if index < 0 || len(self.items) <= index {
		return invariantViolation("list index %d out of bounds for delete from list of length %d", index, len(self.items))
	}

	entry := self.items[index]
	reverse := entry.node.creationOps(self.id, entry.pos)
	ops := []*Op{{
		Code: OpCodeDeleteCrdt,
		Id:   entry.node.Id(),
	}}
	unregisterSubtree(self.pool, entry.node)
	entry.node.base().setParentLink(nil, "")
	self.items = append(self.items[:index], self.items[index+1:]...)

	update := listUpdate(self, ListItemUpdate{
		Type:  ListItemDeleted,
		Index: index,
	})
	self.pool.dispatchLocal(ops, reverse, []*StorageUpdate{update})
	return nil
}

func (self *LiveList) moveAttached(index int, targetIndex int) error {
	if err := self.pool.assertStorageIsWritable(); err != nil {
		return err
	}
	if index < 0 || len(self.items) <= index {
		return invariantViolation("list index %d out of bounds for move in list of length %d", index, len(self.items))
	}
	if targetIndex < 0 || len(self.items) <= targetIndex {
		return invariantViolation("list target index %d out of bounds for move in list of length %d", targetIndex, len(self.items))
	}
	if index == targetIndex {
		return nil
	}

	// neighbor positions around the target slot, ignoring the moved item
	var lo, hi string
	if targetIndex < index {
		lo, hi = self.neighborPositions(targetIndex)
	} else {
		lo = self.items[targetIndex].pos
		if targetIndex+1 < len(self.items) {
			hi = self.items[targetIndex+1].pos
		}
	}
	newPos := posBetween(lo, hi)

	entry := self.items[index]
	oldPos := entry.pos
	self.items = append(self.items[:index], self.items[index+1:]...)
	entry.pos = newPos
	entry.node.base().parentKey = newPos
	insertIndex := self.searchIndex(newPos)
	self.items = append(self.items, listEntry{})
	copy(self.items[insertIndex+1:], self.items[insertIndex:])
	self.items[insertIndex] = entry

	ops := []*Op{{
		Code:      OpCodeSetParentKey,
		Id:        entry.node.Id(),
		ParentKey: newPos,
	}}
	reverse := []*Op{{
		Code:      OpCodeSetParentKey,
		Id:        entry.node.Id(),
		ParentKey: oldPos,
	}}
	update := listUpdate(self, ListItemUpdate{
		Type:  ListItemMoved,
		Index: insertIndex,
		Item:  entry.node.ToImmutable(),
	})
	self.pool.dispatchLocal(ops, reverse, []*StorageUpdate{update})
	return nil
}

func (self *LiveList) setAttached(index int, value any) error {
	if err := self.pool.assertStorageIsWritable(); err != nil {
		return err
	}
	if index < 0 || len(self.items) <= index {
		return invariantViolation("list index %d out of bounds for set in list of length %d", index, len(self.items))
	}
	if node, ok := asLiveNode(value); ok {
		if node.base().attached() || node.base().parent != nil {
			return invariantViolation("value is already attached to a tree")
		}
	}

	old := self.items[index]
	pos := old.pos
	oldReverse := old.node.creationOps(self.id, pos)
	deleteOp := &Op{
		Code: OpCodeDeleteCrdt,
		Id:   old.node.Id(),
	}
	unregisterSubtree(self.pool, old.node)
	old.node.base().setParentLink(nil, "")

	node := wrapValue(value)
	registerSubtree(self.pool, node)
	node.base().setParentLink(self, pos)
	self.items[index] = listEntry{pos: pos, node: node}

	ops := append([]*Op{deleteOp}, node.creationOps(self.id, pos)...)
	reverse := append([]*Op{{
		Code: OpCodeDeleteCrdt,
		Id:   node.Id(),
	}}, oldReverse...)
	update := listUpdate(self, ListItemUpdate{
		Type:  ListItemSet,
		Index: index,
		Item:  node.ToImmutable(),
	})
	self.pool.dispatchLocal(ops, reverse, []*StorageUpdate{update})
	return nil
}

// searchIndex returns the index where pos sorts into the item order.
func (self *LiveList) searchIndex(pos string) int {
	return sort.Search(len(self.items), func(i int) bool {
		return pos <= self.items[i].pos
	})
}

func (self *LiveList) indexOfNode(node liveNode) int {
	for i, entry := range self.items {
		if entry.node == node {
			return i
		}
	}
	return -1
}

// placeEntry inserts node at pos, resolving a position collision by shifting
// the entry whose node id is greater to a position just after. Returns the
// final index of the inserted node plus any move updates for shifted peers.
func (self *LiveList) placeEntry(node liveNode, pos string) (int, []ListItemUpdate) {
	i := self.searchIndex(pos)
	if len(self.items) <= i || self.items[i].pos != pos {
		self.items = append(self.items, listEntry{})
		copy(self.items[i+1:], self.items[i:])
		self.items[i] = listEntry{pos: pos, node: node}
		node.base().parentKey = pos
		return i, nil
	}

	existing := self.items[i]
	next := ""
	if i+1 < len(self.items) {
		next = self.items[i+1].pos
	}
	shifted := posBetween(pos, next)

	if existing.node.Id() < node.Id() {
		// the incoming node yields
		node.base().parentKey = shifted
		self.items = append(self.items, listEntry{})
		copy(self.items[i+2:], self.items[i+1:])
		self.items[i+1] = listEntry{pos: shifted, node: node}
		return i + 1, nil
	}

	// the existing node yields
	existing.pos = shifted
	existing.node.base().parentKey = shifted
	self.items[i] = existing
	node.base().parentKey = pos
	self.items = append(self.items, listEntry{})
	copy(self.items[i+1:], self.items[i:])
	self.items[i] = listEntry{pos: pos, node: node}
	moves := []ListItemUpdate{{
		Type:  ListItemMoved,
		Index: i + 1,
		Item:  existing.node.ToImmutable(),
	}}
	return i, moves
}

func (self *LiveList) applyNodeOp(op *Op, source applySource) *applyResult {
	if op.Code == OpCodeDeleteCrdt && self.parent != nil {
		return self.parent.removeChild(self)
	}
	return nil
}

// setChildKey repositions a direct child, the remote counterpart of Move.
func (self *LiveList) setChildKey(newPos string, node liveNode, source applySource) *applyResult {
	index := self.indexOfNode(node)
	if index < 0 {
		return nil
	}
	oldPos := self.items[index].pos
	if oldPos == newPos {
		return nil
	}
	self.items = append(self.items[:index], self.items[index+1:]...)
	finalIndex, extras := self.placeEntry(node, newPos)

	updates := append([]ListItemUpdate{{
		Type:  ListItemMoved,
		Index: finalIndex,
		Item:  node.ToImmutable(),
	}}, extras...)
	return &applyResult{
		updates: []*StorageUpdate{listUpdate(self, updates...)},
		reverse: []*Op{{
			Code:      OpCodeSetParentKey,
			Id:        node.Id(),
			ParentKey: oldPos,
		}},
	}
}

func (self *LiveList) attachChild(op *Op, source applySource) *applyResult {
	child := buildNodeFromOp(op)
	if child == nil || op.ParentKey == "" {
		return nil
	}
	registerSubtree(self.pool, child)
	child.base().setParentLink(self, op.ParentKey)
	index, extras := self.placeEntry(child, op.ParentKey)

	updates := append([]ListItemUpdate{{
		Type:  ListItemInserted,
		Index: index,
		Item:  child.ToImmutable(),
	}}, extras...)
	return &applyResult{
		updates: []*StorageUpdate{listUpdate(self, updates...)},
		reverse: []*Op{{
			Code: OpCodeDeleteCrdt,
			Id:   op.Id,
		}},
	}
}

func (self *LiveList) removeChild(child liveNode) *applyResult {
	index := self.indexOfNode(child)
	if index < 0 {
		return nil
	}
	entry := self.items[index]
	reverse := entry.node.creationOps(self.id, entry.pos)
	unregisterSubtree(self.pool, entry.node)
	entry.node.base().setParentLink(nil, "")
	self.items = append(self.items[:index], self.items[index+1:]...)
	return &applyResult{
		updates: []*StorageUpdate{listUpdate(self, ListItemUpdate{
			Type:  ListItemDeleted,
			Index: index,
		})},
		reverse: reverse,
	}
}

func (self *LiveList) serialize() *serializedCrdt {
	crdt := &serializedCrdt{
		Type: CrdtList,
	}
	if self.parent != nil {
		crdt.ParentId = self.parent.Id()
		crdt.ParentKey = self.parentKey
	}
	return crdt
}

func (self *LiveList) creationOps(parentId string, parentKey string) []*Op {
	ops := []*Op{{
		Code:      OpCodeCreateList,
		Id:        self.id,
		ParentId:  parentId,
		ParentKey: parentKey,
	}}
	for _, entry := range self.items {
		ops = append(ops, entry.node.creationOps(self.id, entry.pos)...)
	}
	return ops
}

func (self *LiveList) eachChild(fn func(child liveNode)) {
	for _, entry := range self.items {
		fn(entry.node)
	}
}
