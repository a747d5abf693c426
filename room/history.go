package room

// historyOp is one entry of an undo/redo batch: either a storage op or a
// partial presence delta. Exactly one of the two fields is set.
type historyOp struct {
	op       *Op
	presence Presence
}

func storageHistoryOp(op *Op) *historyOp {
	return &historyOp{
		op: op,
	}
}

func presenceHistoryOp(delta Presence) *historyOp {
	return &historyOp{
		presence: delta,
	}
}

func (self *historyOp) isPresence() bool {
	return self.op == nil
}

// maxUndoDepth bounds the undo stack; the oldest batch is dropped on
// overflow.
const maxUndoDepth = 50

// historyStacks holds the undo and redo stacks plus the paused buffer. While
// paused, reverse batches accumulate into one pending unit instead of landing
// on the undo stack.
type historyStacks struct {
	undo   [][]*historyOp
	redo   [][]*historyOp
	paused []*historyOp
	pause  bool
}

func newHistoryStacks() *historyStacks {
	return &historyStacks{}
}

func (self *historyStacks) canUndo() bool {
	if self.pause {
		return 0 < len(self.paused) || 0 < len(self.undo)
	}
	return 0 < len(self.undo)
}

func (self *historyStacks) canRedo() bool {
	return 0 < len(self.redo)
}

// pushUndo records one completed batch of reverse ops. While paused the batch
// is prepended to the paused buffer so the eventual unit still undoes
// newest-first.
func (self *historyStacks) pushUndo(batch []*historyOp) {
	if len(batch) == 0 {
		return
	}
	if self.pause {
		self.paused = append(append([]*historyOp{}, batch...), self.paused...)
		return
	}
	self.undo = append(self.undo, batch)
	if maxUndoDepth < len(self.undo) {
		self.undo = self.undo[len(self.undo)-maxUndoDepth:]
	}
}

func (self *historyStacks) pushRedo(batch []*historyOp) {
	if len(batch) == 0 {
		return
	}
	self.redo = append(self.redo, batch)
}

func (self *historyStacks) popUndo() []*historyOp {
	if len(self.undo) == 0 {
		return nil
	}
	batch := self.undo[len(self.undo)-1]
	self.undo = self.undo[:len(self.undo)-1]
	return batch
}

func (self *historyStacks) popRedo() []*historyOp {
	if len(self.redo) == 0 {
		return nil
	}
	batch := self.redo[len(self.redo)-1]
	self.redo = self.redo[:len(self.redo)-1]
	return batch
}

func (self *historyStacks) clearRedo() {
	self.redo = nil
}

func (self *historyStacks) pauseHistory() {
	if self.pause {
		return
	}
	self.pause = true
	self.paused = nil
}

// resumeHistory ends the paused span. A non-empty paused buffer lands on the
// undo stack as a single batch.
func (self *historyStacks) resumeHistory() {
	if !self.pause {
		return
	}
	self.pause = false
	batch := self.paused
	self.paused = nil
	self.pushUndo(batch)
}

// updateSet accumulates the observable effects of one batch. Storage updates
// coalesce per node; others events and presence changes queue in order.
type updateSet struct {
	storageOrder []string
	storage      map[string]*StorageUpdate
	presence     bool
	others       []*OthersEvent
}

func newUpdateSet() *updateSet {
	return &updateSet{
		storage: map[string]*StorageUpdate{},
	}
}

func (self *updateSet) addStorage(updates []*StorageUpdate) {
	for _, update := range updates {
		if update == nil {
			continue
		}
		if existing, ok := self.storage[update.NodeId]; ok {
			existing.mergeWith(update)
			continue
		}
		self.storageOrder = append(self.storageOrder, update.NodeId)
		self.storage[update.NodeId] = update
	}
}

func (self *updateSet) addOthers(event *OthersEvent) {
	if event == nil {
		return
	}
	self.others = append(self.others, event)
}

func (self *updateSet) storageUpdates() []*StorageUpdate {
	updates := make([]*StorageUpdate, 0, len(self.storageOrder))
	for _, nodeId := range self.storageOrder {
		updates = append(updates, self.storage[nodeId])
	}
	return updates
}

func (self *updateSet) empty() bool {
	return len(self.storage) == 0 && !self.presence && len(self.others) == 0
}

// activeBatch collects the ops, reverse ops and updates of one batch() call.
// Nested batch() calls contribute to the outermost batch.
type activeBatch struct {
	ops        []*Op
	reverseOps []*historyOp
	updates    *updateSet
}

func newActiveBatch() *activeBatch {
	return &activeBatch{
		updates: newUpdateSet(),
	}
}

func (self *activeBatch) addOps(ops []*Op) {
	self.ops = append(self.ops, ops...)
}

// addReverse prepends so that the batch undoes in inverse execution order.
func (self *activeBatch) addReverse(reverse []*historyOp) {
	if len(reverse) == 0 {
		return
	}
	self.reverseOps = append(append([]*historyOp{}, reverse...), self.reverseOps...)
}

func reverseOpsToHistory(reverse []*Op) []*historyOp {
	batch := make([]*historyOp, 0, len(reverse))
	for _, op := range reverse {
		batch = append(batch, storageHistoryOp(op))
	}
	return batch
}
