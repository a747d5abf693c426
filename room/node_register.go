package room

// liveRegister wraps a plain json value so it can live inside a list or map.
// Registers are immutable: changing a value means replacing the register.
type liveRegister struct {
	liveNodeBase
	data any
}

func newLiveRegister(data any) *liveRegister {
	return &liveRegister{
		data: data,
	}
}

func (self *liveRegister) nodeKind() CrdtCode {
	return CrdtRegister
}

func (self *liveRegister) applyNodeOp(op *Op, source applySource) *applyResult {
	if op.Code == OpCodeDeleteCrdt && self.parent != nil {
		return self.parent.removeChild(self)
	}
	return nil
}

func (self *liveRegister) attachChild(op *Op, source applySource) *applyResult {
	return nil
}

func (self *liveRegister) removeChild(child liveNode) *applyResult {
	return nil
}

func (self *liveRegister) serialize() *serializedCrdt {
	crdt := &serializedCrdt{
		Type: CrdtRegister,
		Data: self.data,
	}
	if self.parent != nil {
		crdt.ParentId = self.parent.Id()
		crdt.ParentKey = self.parentKey
	}
	return crdt
}

func (self *liveRegister) creationOps(parentId string, parentKey string) []*Op {
	return []*Op{{
		Code:      OpCodeCreateRegister,
		Id:        self.id,
		ParentId:  parentId,
		ParentKey: parentKey,
		Data:      self.data,
	}}
}

func (self *liveRegister) eachChild(fn func(child liveNode)) {
}

func (self *liveRegister) ToImmutable() any {
	return self.data
}
