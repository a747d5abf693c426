package room

import (
	"slices"

	"golang.org/x/exp/maps"
)

// LiveObject is a keyed map node whose values are either plain json data or
// nested live structures. Concurrent writes to the same key resolve last
// writer wins.
type LiveObject struct {
	liveNodeBase
	data     map[string]any
	children map[string]liveNode
}

// NewLiveObject builds a detached object. Values may be plain json data or
// other detached live structures; the tree becomes shared once it is set into
// an attached parent (or is the root itself).
func NewLiveObject(data map[string]any) *LiveObject {
	obj := &LiveObject{
		data:     map[string]any{},
		children: map[string]liveNode{},
	}
	for key, value := range data {
		if node, ok := asLiveNode(value); ok {
			node.base().setParentLink(obj, key)
			obj.children[key] = node
		} else {
			obj.data[key] = value
		}
	}
	return obj
}

func (self *LiveObject) nodeKind() CrdtCode {
	return CrdtObject
}

// Get returns the value at key: a live node pointer for nested structures,
// plain data otherwise, nil when absent.
func (self *LiveObject) Get(key string) any {
	if !self.attached() {
		return self.get(key)
	}
	var value any
	self.pool.room.read(func() {
		value = self.get(key)
	})
	return value
}

func (self *LiveObject) get(key string) any {
	if child, ok := self.children[key]; ok {
		return child
	}
	return self.data[key]
}

// Keys returns the set of present keys, sorted.
func (self *LiveObject) Keys() []string {
	collect := func() []string {
		keys := append(maps.Keys(self.data), maps.Keys(self.children)...)
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

// ToObject returns a plain-data snapshot of the whole subtree.
func (self *LiveObject) ToObject() map[string]any {
	if !self.attached() {
		return self.toImmutable()
	}
	var snapshot map[string]any
	self.pool.room.read(func() {
		snapshot = self.toImmutable()
	})
	return snapshot
}

func (self *LiveObject) ToImmutable() any {
	return self.ToObject()
}

func (self *LiveObject) toImmutable() map[string]any {
	snapshot := map[string]any{}
	for key, value := range self.data {
		snapshot[key] = value
	}
	for key, child := range self.children {
		snapshot[key] = child.ToImmutable()
	}
	return snapshot
}

// Set writes one key. Update writes several keys as one logical change.
func (self *LiveObject) Set(key string, value any) error {
	return self.Update(map[string]any{key: value})
}

func (self *LiveObject) Update(patch map[string]any) error {
	if !self.attached() {
		for key, value := range patch {
			self.setLocal(key, value)
		}
		return nil
	}
	return self.pool.room.withLock(func() error {
		return self.updateAttached(patch)
	})
}

// Delete removes one key. Deleting an absent key is a no-op.
func (self *LiveObject) Delete(key string) error {
	if !self.attached() {
		self.deleteLocal(key)
		return nil
	}
	return self.pool.room.withLock(func() error {
		return self.deleteAttached(key)
	})
}

func (self *LiveObject) setLocal(key string, value any) {
	if old, ok := self.children[key]; ok {
		old.base().setParentLink(nil, "")
		delete(self.children, key)
	}
	if node, ok := asLiveNode(value); ok {
		node.base().setParentLink(self, key)
		self.children[key] = node
		delete(self.data, key)
	} else {
		self.data[key] = value
	}
}

func (self *LiveObject) deleteLocal(key string) {
	if old, ok := self.children[key]; ok {
		old.base().setParentLink(nil, "")
		delete(self.children, key)
	}
	delete(self.data, key)
}

func (self *LiveObject) updateAttached(patch map[string]any) error {
	if err := self.pool.assertStorageIsWritable(); err != nil {
		return err
	}

	ops := []*Op{}
	reverse := []*Op{}
	keys := map[string]KeyUpdate{}
	plainPatch := map[string]any{}

	patchKeys := maps.Keys(patch)
	slices.Sort(patchKeys)
	for _, key := range patchKeys {
		value := patch[key]
		if node, ok := asLiveNode(value); ok {
			if node.base().attached() || node.base().parent != nil {
				return invariantViolation("value for key %q is already attached to a tree", key)
			}
			prevReverse := self.reverseForKey(key)
			self.detachAt(key)
			registerSubtree(self.pool, node)
			node.base().setParentLink(self, key)
			self.children[key] = node
			delete(self.data, key)
			ops = append(ops, node.creationOps(self.id, key)...)
			reverse = prependOps(reverse, append([]*Op{{
				Code: OpCodeDeleteCrdt,
				Id:   node.Id(),
			}}, prevReverse...)...)
		} else {
			prevReverse := self.reverseForKey(key)
			self.detachAt(key)
			self.data[key] = value
			plainPatch[key] = value
			reverse = prependOps(reverse, prevReverse...)
		}
		keys[key] = KeyUpdate{Type: KeyUpdated}
	}
	if 0 < len(plainPatch) {
		ops = append(ops, &Op{
			Code: OpCodeUpdateObject,
			Id:   self.id,
			Data: plainPatch,
		})
	}

	self.pool.dispatchLocal(ops, reverse, []*StorageUpdate{keysUpdate(self, keys)})
	return nil
}

func (self *LiveObject) deleteAttached(key string) error {
	if err := self.pool.assertStorageIsWritable(); err != nil {
		return err
	}
	_, hasChild := self.children[key]
	_, hasData := self.data[key]
	if !hasChild && !hasData {
		return nil
	}

	reverse := self.reverseForKey(key)
	self.detachAt(key)
	delete(self.data, key)

	ops := []*Op{{
		Code: OpCodeDeleteObjectKey,
		Id:   self.id,
		Key:  key,
	}}
	self.pool.dispatchLocal(ops, reverse, []*StorageUpdate{singleKeyUpdate(self, key, KeyDeleted)})
	return nil
}

// reverseForKey returns the ops that restore the current value at key.
func (self *LiveObject) reverseForKey(key string) []*Op {
	if child, ok := self.children[key]; ok {
		return child.creationOps(self.id, key)
	}
	if value, ok := self.data[key]; ok {
		return []*Op{{
			Code: OpCodeUpdateObject,
			Id:   self.id,
			Data: map[string]any{key: value},
		}}
	}
	return []*Op{{
		Code: OpCodeDeleteObjectKey,
		Id:   self.id,
		Key:  key,
	}}
}

// detachAt unlinks any live child currently at key.
func (self *LiveObject) detachAt(key string) {
	if child, ok := self.children[key]; ok {
		unregisterSubtree(self.pool, child)
		child.base().setParentLink(nil, "")
		delete(self.children, key)
	}
}

func (self *LiveObject) applyNodeOp(op *Op, source applySource) *applyResult {
	switch op.Code {
	case OpCodeUpdateObject:
		return self.applyUpdate(op)
	case OpCodeDeleteObjectKey:
		return self.applyDeleteKey(op)
	case OpCodeDeleteCrdt:
		if self.parent == nil {
			return nil
		}
		return self.parent.removeChild(self)
	}
	return nil
}

func (self *LiveObject) applyUpdate(op *Op) *applyResult {
	data := op.dataMap()
	if len(data) == 0 {
		return nil
	}
	reverse := []*Op{}
	keys := map[string]KeyUpdate{}
	dataKeys := maps.Keys(data)
	slices.Sort(dataKeys)
	for _, key := range dataKeys {
		reverse = prependOps(reverse, self.reverseForKey(key)...)
		self.detachAt(key)
		self.data[key] = data[key]
		keys[key] = KeyUpdate{Type: KeyUpdated}
	}
	return &applyResult{
		updates: []*StorageUpdate{keysUpdate(self, keys)},
		reverse: reverse,
	}
}

func (self *LiveObject) applyDeleteKey(op *Op) *applyResult {
	key := op.Key
	_, hasChild := self.children[key]
	_, hasData := self.data[key]
	if !hasChild && !hasData {
		return nil
	}
	reverse := self.reverseForKey(key)
	self.detachAt(key)
	delete(self.data, key)
	return &applyResult{
		updates: []*StorageUpdate{singleKeyUpdate(self, key, KeyDeleted)},
		reverse: reverse,
	}
}

func (self *LiveObject) attachChild(op *Op, source applySource) *applyResult {
	child := buildNodeFromOp(op)
	if child == nil {
		return nil
	}
	key := op.ParentKey

	reverse := []*Op{{
		Code: OpCodeDeleteCrdt,
		Id:   op.Id,
	}}
	_, hadChild := self.children[key]
	_, hadData := self.data[key]
	if hadChild || hadData {
		reverse = append(reverse, self.reverseForKey(key)...)
	}
	self.detachAt(key)
	delete(self.data, key)

	registerSubtree(self.pool, child)
	child.base().setParentLink(self, key)
	self.children[key] = child

	return &applyResult{
		updates: []*StorageUpdate{singleKeyUpdate(self, key, KeyUpdated)},
		reverse: reverse,
	}
}

func (self *LiveObject) removeChild(child liveNode) *applyResult {
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

func (self *LiveObject) serialize() *serializedCrdt {
	crdt := &serializedCrdt{
		Type: CrdtObject,
		Data: maps.Clone(self.data),
	}
	if self.parent != nil {
		crdt.ParentId = self.parent.Id()
		crdt.ParentKey = self.parentKey
	}
	return crdt
}

func (self *LiveObject) creationOps(parentId string, parentKey string) []*Op {
	ops := []*Op{{
		Code:      OpCodeCreateObject,
		Id:        self.id,
		ParentId:  parentId,
		ParentKey: parentKey,
		Data:      maps.Clone(self.data),
	}}
	childKeys := maps.Keys(self.children)
	slices.Sort(childKeys)
	for _, key := range childKeys {
		ops = append(ops, self.children[key].creationOps(self.id, key)...)
	}
	return ops
}

func (self *LiveObject) eachChild(fn func(child liveNode)) {
	childKeys := maps.Keys(self.children)
	slices.Sort(childKeys)
	for _, key := range childKeys {
		fn(self.children[key])
	}
}
