package room

import (
	"slices"

	"golang.org/x/exp/maps"
)

// LiveMap is a keyed map node. Every entry is itself a node: plain values are
// wrapped in registers on the way in and unwrapped on the way out. Concurrent
// writes to the same key resolve last writer wins.
type LiveMap struct {
	liveNodeBase
	children map[string]liveNode
}

// NewLiveMap builds a detached map. Entries may be plain json data or other
// detached live structures.
func NewLiveMap(entries map[string]any) *LiveMap {
	mp := &LiveMap{
		children: map[string]liveNode{},
	}
	for key, value := range entries {
		node := wrapValue(value)
		node.base().setParentLink(mp, key)
		mp.children[key] = node
	}
	return mp
}

// wrapValue turns a host value into a node, wrapping plain data in a register.
func wrapValue(value any) liveNode {
	if node, ok := asLiveNode(value); ok {
		return node
	}
	return newLiveRegister(value)
}

// unwrapValue is the read-side inverse of wrapValue.
func unwrapValue(node liveNode) any {
	if reg, ok := node.(*liveRegister); ok {
		return reg.data
	}
	return node
}

func (self *LiveMap) nodeKind() CrdtCode {
	return CrdtMap
}

// Get returns the entry at key: a live node pointer for nested structures,
// plain data otherwise, nil when absent.
func (self *LiveMap) Get(key string) any {
	if !self.attached() {
		return self.get(key)
	}
	var value any
	self.pool.room.read(func() {
		value = self.get(key)
	})
	return value
}

func (self *LiveMap) get(key string) any {
	child, ok := self.children[key]
	if !ok {
		return nil
	}
	return unwrapValue(child)
}

func (self *LiveMap) Has(key string) bool {
	has := func() bool {
		_, ok := self.children[key]
		return ok
	}
	if !self.attached() {
		return has()
	}
	var ok bool
	self.pool.room.read(func() {
		ok = has()
	})
	return ok
}

// Keys returns the present keys, sorted.
func (self *LiveMap) Keys() []string {
	collect := func() []string {
		keys := maps.Keys(self.children)
		slices.Sort(keys)
		return keys
	}
	if !self.attached() {
		return collect()
	}
	var keys []string
	self.pool.room.read(func() {
		keys = collect()
	})
	return keys
}

func (self *LiveMap) Size() int {
	if !self.attached() {
		return len(self.children)
	}
	var n int
	self.pool.room.read(func() {
		n = len(self.children)
	})
	return n
}

func (self *LiveMap) ToMap() map[string]any {
	if !self.attached() {
		return self.toImmutable()
	}
	var snapshot map[string]any
	self.pool.room.read(func() {
		snapshot = self.toImmutable()
	})
	return snapshot
}

func (self *LiveMap) ToImmutable() any {
	return self.ToMap()
}

func (self *LiveMap) toImmutable() map[string]any {
	snapshot := map[string]any{}
	for key, child := range self.children {
		snapshot[key] = child.ToImmutable()
	}
	return snapshot
}

func (self *LiveMap) Set(key string, value any) error {
	if !self.attached() {
		self.setLocal(key, value)
		return nil
	}
	return self.pool.room.withLock(func() error {
		return self.setAttached(key, value)
	})
}

func (self *LiveMap) Delete(key string) error {
	if !self.attached() {
		if old, ok := self.children[key]; ok {
			old.base().setParentLink(nil, "")
			delete(self.children, key)
		}
		return nil
	}
	return self.pool.room.withLock(func() error {
		return self.deleteAttached(key)
	})
}

func (self *LiveMap) setLocal(key string, value any) {
	if old, ok := self.children[key]; ok {
		old.base().setParentLink(nil, "")
	}
	node := wrapValue(value)
	node.base().setParentLink(self, key)
	self.children[key] = node
}

func (self *LiveMap) setAttached(key string, value any) error {
	if err := self.pool.assertStorageIsWritable(); err != nil {
		return err
	}
	if node, ok := asLiveNode(value); ok {
		if node.base().attached() || node.base().parent != nil {
			return invariantViolation("value for key %q is already attached to a tree", key)
		}
	}

	prevReverse := []*Op{}
	if old, ok := self.children[key]; ok {
		prevReverse = old.creationOps(self.id, key)
		unregisterSubtree(self.pool, old)
		old.base().setParentLink(nil, "")
		delete(self.children, key)
	}

	node := wrapValue(value)
	registerSubtree(self.pool, node)
	node.base().setParentLink(self, key)
	self.children[key] = node

	ops := node.creationOps(self.id, key)
	reverse := append([]*Op{{
		Code: OpCodeDeleteCrdt,
		Id:   node.Id(),
	}}, prevReverse...)

	self.pool.dispatchLocal(ops, reverse, []*StorageUpdate{singleKeyUpdate(self, key, KeyUpdated)})
	return nil
}

func (self *LiveMap) deleteAttached(key string) error {
	if err := self.pool.assertStorageIsWritable(); err != nil {
		return err
	}
	old, ok := self.children[key]
	if !ok {
		return nil
	}

	reverse := old.creationOps(self.id, key)
	ops := []*Op{{
		Code: OpCodeDeleteCrdt,
		Id:   old.Id(),
	}}
	unregisterSubtree(self.pool, old)
	old.base().setParentLink(nil, "")
	delete(self.children, key)

	self.pool.dispatchLocal(ops, reverse, []*StorageUpdate{singleKeyUpdate(self, key, KeyDeleted)})
	return nil
}

func (self *LiveMap) applyNodeOp(op *Op, source applySource) *applyResult {
	if op.Code == OpCodeDeleteCrdt && self.parent != nil {
		return self.parent.removeChild(self)
	}
	return nil
}

func (self *LiveMap) attachChild(op *Op, source applySource) *applyResult {
	child := buildNodeFromOp(op)
	if child == nil {
		return nil
	}
	key := op.ParentKey

	reverse := []*Op{{
		Code: OpCodeDeleteCrdt,
		Id:   op.Id,
	}}
	if old, ok := self.children[key]; ok {
		reverse = append(reverse, old.creationOps(self.id, key)...)
		unregisterSubtree(self.pool, old)
		old.base().setParentLink(nil, "")
	}

	registerSubtree(self.pool, child)
	child.base().setParentLink(self, key)
	self.children[key] = child

	return &applyResult{
		updates: []*StorageUpdate{singleKeyUpdate(self, key, KeyUpdated)},
		reverse: reverse,
	}
}

func (self *LiveMap) removeChild(child liveNode) *applyResult {
	for key, node := range self.children {
		if node == child {
			reverse := child.creationOps(self.id, key)
			unregisterSubtree(self.pool, child)
			child.base().setParentLink(nil, "")
			delete(self.children, key)
			return &applyResult{
				updates: []*StorageUpdate{singleKeyUpdate(self, key, KeyDeleted)},
				reverse: reverse,
			}
		}
	}
	return nil
}

func (self *LiveMap) serialize() *serializedCrdt {
	crdt := &serializedCrdt{
		Type: CrdtMap,
	}
	if self.parent != nil {
		crdt.ParentId = self.parent.Id()
		crdt.ParentKey = self.parentKey
	}
	return crdt
}

func (self *LiveMap) creationOps(parentId string, parentKey string) []*Op {
	ops := []*Op{{
		Code:      OpCodeCreateMap,
		Id:        self.id,
		ParentId:  parentId,
		ParentKey: parentKey,
	}}
	childKeys := maps.Keys(self.children)
	slices.Sort(childKeys)
	for _, key := range childKeys {
		ops = append(ops, self.children[key].creationOps(self.id, key)...)
	}
	return ops
}

func (self *LiveMap) eachChild(fn func(child liveNode)) {
	childKeys := maps.Keys(self.children)
	slices.Sort(childKeys)
	for _, key := range childKeys {
		fn(self.children[key])
	}
}
