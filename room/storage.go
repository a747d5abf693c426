package room

import (
	"context"
	"encoding/json"
	"slices"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"
)

type StorageStatus string

const (
	StorageNotLoaded     StorageStatus = "not-loaded"
	StorageLoading       StorageStatus = "loading"
	StorageSynchronizing StorageStatus = "synchronizing"
	StorageSynchronized  StorageStatus = "synchronized"
)

// storageStatus derives the current status: never stored, always computed
// from the load flag, the root and the ledger.
func (self *Room) storageStatus() StorageStatus {
	if self.pool.root == nil {
		if self.storageRequested {
			return StorageLoading
		}
		return StorageNotLoaded
	}
	if !self.ledger.empty() {
		return StorageSynchronizing
	}
	return StorageSynchronized
}

// refreshStorageStatus emits the status event only on change.
func (self *Room) refreshStorageStatus() {
	status := self.storageStatus()
	if status == self.lastStorageStatus {
		return
	}
	self.lastStorageStatus = status
	callbacks := self.events.storageStatusCallbacks.get()
	self.queueEmit(func() {
		for _, callback := range callbacks {
			callback(status)
		}
	})
}

// applyOpsResult carries the merged per-node updates and the reverse batch of
// one applyOps call.
type applyOpsResult struct {
	updates *updateSet
	reverse []*historyOp
}

// applyOps walks ops in order. Ops without an opId (undo and redo replays)
// get a fresh one; ops resent after reconnect keep theirs. Remote ops whose
// opId sits in the ledger are acks and leave the replica untouched.
func (self *Room) applyOps(ops []*Op, isLocal bool) *applyOpsResult {
	result := &applyOpsResult{
		updates: newUpdateSet(),
	}
	createdIds := map[string]bool{}

	for _, op := range ops {
		if op.OpId == "" {
			op.OpId = self.ids.nextOpId()
		}

		source := sourceRemote
		if isLocal {
			source = sourceLocal
		} else if self.ledger.remove(op.OpId) {
			// an ack only clears the ledger; the replica already holds the
			// local result
			source = sourceAck
		}
		if source == sourceAck {
			continue
		}

		applied := self.applyOp(op, source)
		if applied == nil {
			continue
		}
		if op.isCreate() {
			createdIds[op.Id] = true
		}
		if !self.suppressCreated(op, createdIds) {
			result.updates.addStorage(applied.updates)
		}
		result.reverse = append(reverseOpsToHistory(applied.reverse), result.reverse...)
	}

	self.refreshStorageStatus()
	return result
}

// suppressCreated reports whether the op targets a node created earlier in
// the same applyOps call. The creation already carries the state, so
// follow-up updates inside its subtree stay silent.
func (self *Room) suppressCreated(op *Op, createdIds map[string]bool) bool {
	if len(createdIds) == 0 {
		return false
	}
	targetId := op.Id
	if op.isCreate() {
		targetId = op.ParentId
	}
	for node := self.pool.getNode(targetId); node != nil; node = node.base().parent {
		if createdIds[node.Id()] {
			return true
		}
	}
	return createdIds[targetId]
}

// applyOp dispatches one op to the node layer. An absent target is a no-op:
// concurrent deletes make dangling references routine, not errors.
func (self *Room) applyOp(op *Op, source applySource) *applyResult {
	switch op.Code {
	case OpCodeAck:
		return nil
	case OpCodeUpdateObject, OpCodeDeleteObjectKey, OpCodeDeleteCrdt:
		node := self.pool.getNode(op.Id)
		if node == nil {
			return nil
		}
		return node.applyNodeOp(op, source)
	case OpCodeSetParentKey:
		node := self.pool.getNode(op.Id)
		if node == nil {
			return nil
		}
		parent := node.base().parent
		list, ok := parent.(*LiveList)
		if !ok {
			return nil
		}
		return list.setChildKey(op.ParentKey, node, source)
	case OpCodeCreateObject, OpCodeCreateList, OpCodeCreateMap, OpCodeCreateRegister:
		if existing := self.pool.getNode(op.Id); existing != nil {
			return nil
		}
		parent := self.pool.getNode(op.ParentId)
		if parent == nil {
			return nil
		}
		return parent.attachChild(op, source)
	}
	return nil
}

// handleInitialStorage builds the root on first load and diffs the incoming
// tree into the existing root on reloads. Ops still unacknowledged at that
// point replay on top of the fresh baseline and go back on the wire.
func (self *Room) handleInitialStorage(message *serverMsg) {
	if len(message.Items) == 0 {
		self.queueError(invariantViolation("initial storage state carried no items"))
		return
	}

	pendingOps := self.ledger.snapshot()
	self.ledger.clear()

	if self.pool.root == nil {
		root, err := buildRootFromItems(self.pool, message.Items)
		if err != nil {
			self.queueError(err)
			return
		}
		self.pool.setRoot(root)
	} else {
		diffOps := diffRootOps(self.pool, message.Items)
		if 0 < len(diffOps) {
			result := self.applyOps(diffOps, false)
			self.queueStorageUpdates(result.updates.storageUpdates())
		}
	}

	self.seedInitialStorage()

	if 0 < len(pendingOps) {
		self.applyAndSendOps(pendingOps)
	}

	self.resolveStorageWaiters()
	self.refreshStorageStatus()

	if !self.storageLoaded {
		self.storageLoaded = true
		glog.V(1).Infof("[stor]%s loaded, %d nodes\n", self.roomId, self.pool.count())
	}
}

// seedInitialStorage fills in configured defaults for any root key still
// absent. Runs on every (re)load.
func (self *Room) seedInitialStorage() {
	if len(self.settings.InitialStorage) == 0 || self.pool.root == nil {
		return
	}
	root := self.pool.root
	keys := maps.Keys(self.settings.InitialStorage)
	slices.Sort(keys)
	for _, key := range keys {
		if root.get(key) != nil {
			continue
		}
		if err := root.updateAttached(map[string]any{key: self.settings.InitialStorage[key]}); err != nil {
			glog.V(1).Infof("[stor]%s seed %q error = %s\n", self.roomId, key, err)
		}
	}
}

// applyAndSendOps replays unacknowledged ops locally and re-emits them as a
// single frame so the server integrates them against the fresh baseline.
func (self *Room) applyAndSendOps(ops []*Op) {
	result := self.applyOps(ops, true)
	self.queueStorageUpdates(result.updates.storageUpdates())

	for _, op := range ops {
		self.ledger.add(op)
	}
	if self.channel != nil {
		frame, err := json.Marshal(&clientMsg{
			Type: ClientMsgUpdateStorage,
			Ops:  ops,
		})
		if err == nil {
			self.channel.sendFrame(frame)
		}
	}
	self.refreshStorageStatus()
}

// sendFetchStorage asks the server for the full tree. Runs under the lock
// with an open channel.
func (self *Room) sendFetchStorage() {
	self.storageRequested = true
	frame, err := json.Marshal(&clientMsg{
		Type: ClientMsgFetchStorage,
	})
	if err != nil {
		return
	}
	self.channel.sendFrame(frame)
	self.refreshStorageStatus()
}

// GetStorage returns the root object, blocking until the initial storage
// state arrives or ctx is done. It kicks off loading when needed.
func (self *Room) GetStorage(ctx context.Context) (*LiveObject, error) {
	var waiter chan struct{}
	var root *LiveObject
	self.withLock(func() error {
		if self.pool.root != nil {
			root = self.pool.root
			return nil
		}
		self.requestStorageLoad()
		waiter = make(chan struct{})
		self.storageWaiters = append(self.storageWaiters, waiter)
		return nil
	})
	if root != nil {
		return root, nil
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-waiter:
	}

	self.withLock(func() error {
		root = self.pool.root
		return nil
	})
	if root == nil {
		return nil, invariantViolation("storage load completed without a root")
	}
	return root, nil
}

// GetStorageSnapshot returns the root if already loaded, nil otherwise. A
// nil result opportunistically starts loading.
func (self *Room) GetStorageSnapshot() *LiveObject {
	var root *LiveObject
	self.withLock(func() error {
		root = self.pool.root
		if root == nil {
			self.requestStorageLoad()
		}
		return nil
	})
	return root
}

func (self *Room) requestStorageLoad() {
	if self.storageRequested || self.pool.root != nil {
		return
	}
	if self.channel != nil {
		self.sendFetchStorage()
	} else {
		self.storageRequested = true
		self.refreshStorageStatus()
	}
}

func (self *Room) resolveStorageWaiters() {
	for _, waiter := range self.storageWaiters {
		close(waiter)
	}
	self.storageWaiters = nil
}

// buildRootFromItems deserializes the flat item list into a live tree. The
// unique item without a parent is the root.
func buildRootFromItems(pool *nodePool, items serializedItems) (*LiveObject, error) {
	byParent := map[string][]*serializedItem{}
	var rootItem *serializedItem
	for _, item := range items {
		if item.Crdt.isRoot() {
			if rootItem != nil {
				return nil, invariantViolation("initial storage state carried more than one root")
			}
			rootItem = item
			continue
		}
		byParent[item.Crdt.ParentId] = append(byParent[item.Crdt.ParentId], item)
	}
	if rootItem == nil {
		return nil, invariantViolation("initial storage state carried no root")
	}
	if rootItem.Crdt.Type != CrdtObject {
		return nil, invariantViolation("storage root must be an object")
	}

	root := buildNodeFromSerialized(rootItem.Id, rootItem.Crdt)
	rootObject, ok := root.(*LiveObject)
	if !ok {
		return nil, invariantViolation("storage root must be an object")
	}
	attachSerializedChildren(pool, root, byParent)
	return rootObject, nil
}

func attachSerializedChildren(pool *nodePool, parent liveNode, byParent map[string][]*serializedItem) {
	children := byParent[parent.Id()]
	slices.SortFunc(children, func(a *serializedItem, b *serializedItem) int {
		if a.Crdt.ParentKey != b.Crdt.ParentKey {
			if a.Crdt.ParentKey < b.Crdt.ParentKey {
				return -1
			}
			return 1
		}
		if a.Id < b.Id {
			return -1
		}
		if b.Id < a.Id {
			return 1
		}
		return 0
	})
	for _, item := range children {
		child := buildNodeFromSerialized(item.Id, item.Crdt)
		if child == nil {
			continue
		}
		attachSerializedNode(parent, item.Crdt.ParentKey, child)
		attachSerializedChildren(pool, child, byParent)
	}
}

// attachSerializedNode links a deserialized child under its parent without
// producing ops or updates.
func attachSerializedNode(parent liveNode, parentKey string, child liveNode) {
	switch p := parent.(type) {
	case *LiveObject:
		child.base().setParentLink(p, parentKey)
		p.children[parentKey] = child
		delete(p.data, parentKey)
	case *LiveMap:
		child.base().setParentLink(p, parentKey)
		p.children[parentKey] = child
	case *LiveList:
		child.base().setParentLink(p, parentKey)
		p.placeEntry(child, parentKey)
	}
}

// diffRootOps compares the current tree against the incoming serialized
// items and yields the ops that transform the former into the latter.
func diffRootOps(pool *nodePool, items serializedItems) []*Op {
	incoming := map[string]*serializedCrdt{}
	order := []string{}
	for _, item := range items {
		incoming[item.Id] = item.Crdt
		order = append(order, item.Id)
	}

	current := map[string]*serializedCrdt{}
	for id, node := range pool.nodes {
		current[id] = node.serialize()
	}

	ops := []*Op{}

	currentIds := maps.Keys(current)
	slices.Sort(currentIds)
	for _, id := range currentIds {
		if _, ok := incoming[id]; !ok {
			ops = append(ops, &Op{
				Code: OpCodeDeleteCrdt,
				Id:   id,
			})
		}
	}

	for _, id := range order {
		crdt := incoming[id]
		existing, ok := current[id]
		if !ok {
			ops = append(ops, createOpFromSerialized(id, crdt))
			continue
		}
		ops = append(ops, updateOpsFromSerialized(id, existing, crdt)...)
	}
	return ops
}

func createOpFromSerialized(id string, crdt *serializedCrdt) *Op {
	op := &Op{
		Id:        id,
		ParentId:  crdt.ParentId,
		ParentKey: crdt.ParentKey,
	}
	switch crdt.Type {
	case CrdtObject:
		op.Code = OpCodeCreateObject
		op.Data = crdt.Data
	case CrdtList:
		op.Code = OpCodeCreateList
	case CrdtMap:
		op.Code = OpCodeCreateMap
	case CrdtRegister:
		op.Code = OpCodeCreateRegister
		op.Data = crdt.Data
	}
	return op
}

// updateOpsFromSerialized yields the ops that bring one surviving node in
// line with its incoming serialization.
func updateOpsFromSerialized(id string, existing *serializedCrdt, crdt *serializedCrdt) []*Op {
	if existing.Type != crdt.Type || existing.ParentId != crdt.ParentId {
		return []*Op{
			{
				Code: OpCodeDeleteCrdt,
				Id:   id,
			},
			createOpFromSerialized(id, crdt),
		}
	}

	ops := []*Op{}
	if existing.ParentKey != crdt.ParentKey && crdt.ParentId != "" {
		switch crdt.Type {
		case CrdtRegister:
			ops = append(ops,
				&Op{
					Code: OpCodeDeleteCrdt,
					Id:   id,
				},
				createOpFromSerialized(id, crdt),
			)
			return ops
		default:
			ops = append(ops, &Op{
				Code:      OpCodeSetParentKey,
				Id:        id,
				ParentKey: crdt.ParentKey,
			})
		}
	}

	switch crdt.Type {
	case CrdtObject:
		ops = append(ops, objectDataDiffOps(id, existing.Data, crdt.Data)...)
	case CrdtRegister:
		if !jsonEqual(existing.Data, crdt.Data) {
			ops = append(ops,
				&Op{
					Code: OpCodeDeleteCrdt,
					Id:   id,
				},
				createOpFromSerialized(id, crdt),
			)
		}
	}
	return ops
}

func objectDataDiffOps(id string, existingData any, incomingData any) []*Op {
	existing, _ := existingData.(map[string]any)
	incoming, _ := incomingData.(map[string]any)

	ops := []*Op{}
	existingKeys := maps.Keys(existing)
	slices.Sort(existingKeys)
	for _, key := range existingKeys {
		if _, ok := incoming[key]; !ok {
			ops = append(ops, &Op{
				Code: OpCodeDeleteObjectKey,
				Id:   id,
				Key:  key,
			})
		}
	}

	changed := map[string]any{}
	incomingKeys := maps.Keys(incoming)
	slices.Sort(incomingKeys)
	for _, key := range incomingKeys {
		value, ok := existing[key]
		if ok && jsonEqual(value, incoming[key]) {
			continue
		}
		changed[key] = incoming[key]
	}
	if 0 < len(changed) {
		ops = append(ops, &Op{
			Code: OpCodeUpdateObject,
			Id:   id,
			Data: changed,
		})
	}
	return ops
}

// jsonEqual compares two decoded json values structurally.
func jsonEqual(a any, b any) bool {
	aBytes, aErr := json.Marshal(a)
	bBytes, bErr := json.Marshal(b)
	if aErr != nil || bErr != nil {
		return false
	}
	return string(aBytes) == string(bBytes)
}
