package room

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/oklog/ulid/v2"
)

type RoomSettings struct {
	// EndpointUrl is the ws(s) base url of the coordination server.
	EndpointUrl string
	// Authenticate resolves a session token for the room. See PublicAuth,
	// PrivateAuth and CustomAuth.
	Authenticate AuthenticateFunc
	Dial         DialFunc
	// ThrottleDelay bounds the outbound frame rate: at most one frame per
	// delay.
	ThrottleDelay     time.Duration
	HeartbeatInterval time.Duration
	PongTimeout       time.Duration
	// LostConnectionTimeout is the grace period after the room becomes
	// unavailable before the outage is surfaced on the error callbacks.
	// Reconnects inside the window stay silent.
	LostConnectionTimeout time.Duration
	InitialPresence       Presence
	InitialStorage        map[string]any
	// BatchUpdates wraps groups of related emissions so a host framework can
	// coalesce its updates. Defaults to a pass-through.
	BatchUpdates func(fn func())
	// FatalRejectedOps makes a server op rejection panic instead of
	// surfacing on the error callbacks. For tests and development builds.
	FatalRejectedOps bool
}

func DefaultRoomSettings() *RoomSettings {
	return &RoomSettings{
		Dial:                  dialWebsocket,
		ThrottleDelay:         100 * time.Millisecond,
		HeartbeatInterval:     30 * time.Second,
		PongTimeout:           2 * time.Second,
		LostConnectionTimeout: 5 * time.Second,
		BatchUpdates: func(fn func()) {
			fn()
		},
	}
}

// Session is this client's identity inside the room, as carried by the
// session token.
type Session struct {
	ConnectionId int
	Id           string
	Info         map[string]any
	Scopes       []string
	IsReadOnly   bool
}

// Room is the client-side runtime of one collaborative room: connection
// state machine, storage replica, presence, history and the outbound
// pipeline. All public methods are safe for concurrent use.
type Room struct {
	ctx    context.Context
	cancel context.CancelFunc

	roomId     string
	instanceId ulid.ULID
	settings   *RoomSettings

	mutex        sync.Mutex
	emitMutex    sync.Mutex
	pendingEmits []func()

	// connection
	status           ConnectionStatus
	channel          *roomChannel
	generation       int
	retryCount       int
	retryTimer       *time.Timer
	heartbeatTimer   *time.Timer
	pongTimer        *time.Timer
	lostTimer        *time.Timer
	lastConnectionId *int
	token            *Token
	rawToken         string
	session          *Session

	// identity and storage
	ids  *idFactory
	pool *nodePool

	storageRequested  bool
	storageLoaded     bool
	lastStorageStatus StorageStatus
	storageWaiters    []chan struct{}

	// presence
	me     *myPresence
	others *othersState

	// history and batching
	history          *historyStacks
	batch            *activeBatch
	batchDepth       int
	lastHistoryEvent *HistoryEvent

	// outbound
	buffer    *outBuffer
	ledger    *opLedger
	throttle  *flushThrottle
	stagedOps []*Op

	events *roomEvents
}

func NewRoomWithDefaults(ctx context.Context, roomId string) *Room {
	return NewRoom(ctx, roomId, DefaultRoomSettings())
}

func NewRoom(ctx context.Context, roomId string, settings *RoomSettings) *Room {
	cancelCtx, cancel := context.WithCancel(ctx)
	if settings.Dial == nil {
		settings.Dial = dialWebsocket
	}
	if settings.BatchUpdates == nil {
		settings.BatchUpdates = func(fn func()) {
			fn()
		}
	}
	room := &Room{
		ctx:               cancelCtx,
		cancel:            cancel,
		roomId:            roomId,
		instanceId:        ulid.Make(),
		settings:          settings,
		status:            StatusClosed,
		ids:               newIdFactory(),
		me:                newMyPresence(settings.InitialPresence),
		others:            newOthersState(),
		history:           newHistoryStacks(),
		buffer:            newOutBuffer(),
		ledger:            newOpLedger(),
		throttle:          newFlushThrottle(settings.ThrottleDelay),
		events:            newRoomEvents(),
		lastStorageStatus: StorageNotLoaded,
	}
	room.pool = newNodePool(room)
	return room
}

func (self *Room) RoomId() string {
	return self.roomId
}

// withLock runs fn under the room lock, then drains the emissions fn queued.
// Emissions run outside the lock, wrapped by the host batch hook.
func (self *Room) withLock(fn func() error) error {
	self.mutex.Lock()
	err := fn()
	emits := self.pendingEmits
	self.pendingEmits = nil
	self.mutex.Unlock()
	self.drainEmits(emits)
	return err
}

// read runs fn under the room lock without draining emissions. For snapshot
// reads only; fn must not queue emissions.
func (self *Room) read(fn func()) {
	self.mutex.Lock()
	fn()
	self.mutex.Unlock()
}

func (self *Room) drainEmits(emits []func()) {
	if len(emits) == 0 {
		return
	}
	self.emitMutex.Lock()
	defer self.emitMutex.Unlock()
	self.settings.BatchUpdates(func() {
		for _, emit := range emits {
			emit()
		}
	})
}

func (self *Room) queueEmit(fn func()) {
	self.pendingEmits = append(self.pendingEmits, fn)
}

func (self *Room) queueError(err error) {
	if err == nil {
		return
	}
	callbacks := self.events.errorCallbacks.get()
	self.queueEmit(func() {
		for _, callback := range callbacks {
			callback(err)
		}
	})
}

// queueOthersEvent emits an others change, or parks it on the active batch
// so the host sees one aggregated sequence when the batch completes.
func (self *Room) queueOthersEvent(event *OthersEvent) {
	if event == nil {
		return
	}
	if self.batch != nil {
		self.batch.updates.addOthers(event)
		return
	}
	self.emitOthersEvent(event)
}

func (self *Room) emitOthersEvent(event *OthersEvent) {
	callbacks := self.events.othersCallbacks.get()
	self.queueEmit(func() {
		for _, callback := range callbacks {
			callback(event)
		}
	})
}

func (self *Room) queueCustomEvent(event *CustomEvent) {
	callbacks := self.events.eventCallbacks.get()
	self.queueEmit(func() {
		for _, callback := range callbacks {
			callback(event)
		}
	})
}

func (self *Room) queueMyPresence() {
	snapshot := self.me.snapshot()
	callbacks := self.events.myPresenceCallbacks.get()
	self.queueEmit(func() {
		for _, callback := range callbacks {
			callback(snapshot)
		}
	})
}

// queueHistoryEvent emits undo/redo availability, deduplicated against the
// last emission.
func (self *Room) queueHistoryEvent() {
	event := &HistoryEvent{
		CanUndo: self.history.canUndo(),
		CanRedo: self.history.canRedo(),
	}
	if self.lastHistoryEvent != nil && *self.lastHistoryEvent == *event {
		return
	}
	self.lastHistoryEvent = event
	callbacks := self.events.historyCallbacks.get()
	self.queueEmit(func() {
		for _, callback := range callbacks {
			callback(event)
		}
	})
}

// queueStorageUpdates fans the merged per-node updates out to the node
// subscriptions, honoring deep scoping.
func (self *Room) queueStorageUpdates(updates []*StorageUpdate) {
	if len(updates) == 0 {
		return
	}
	for _, sub := range self.events.storageSubscriptions.get() {
		matched := []*StorageUpdate{}
		for _, update := range updates {
			if update.NodeId == sub.nodeId {
				matched = append(matched, update)
				continue
			}
			if sub.deep {
				if node := self.pool.getNode(update.NodeId); node != nil && self.pool.isAncestor(sub.nodeId, node) {
					matched = append(matched, update)
				}
			}
		}
		if len(matched) == 0 {
			continue
		}
		callback := sub.callback
		self.queueEmit(func() {
			callback(matched)
		})
	}
}

// dispatchLocalStorage is the single sink for completed local mutations.
// Inside a batch the pieces accumulate; otherwise the mutation commits
// eagerly: history, outbound buffer, emissions, flush.
func (self *Room) dispatchLocalStorage(ops []*Op, reverse []*Op, updates []*StorageUpdate) {
	self.stampOps(ops)

	if self.batch != nil {
		self.batch.addOps(ops)
		self.batch.addReverse(reverseOpsToHistory(reverse))
		self.batch.updates.addStorage(updates)
		return
	}

	self.history.pushUndo(reverseOpsToHistory(reverse))
	if 0 < len(ops) {
		self.history.clearRedo()
		self.buffer.queueOps(ops)
	}
	self.queueStorageUpdates(updates)
	self.queueHistoryEvent()
	self.tryFlush()
}

func (self *Room) stampOps(ops []*Op) {
	for _, op := range ops {
		if op.OpId == "" {
			op.OpId = self.ids.nextOpId()
		}
	}
}

func (self *Room) isReadOnly() bool {
	return self.session != nil && self.session.IsReadOnly
}

// GetStatus returns the connection status.
func (self *Room) GetStatus() ConnectionStatus {
	var status ConnectionStatus
	self.read(func() {
		status = self.status
	})
	return status
}

// GetSelf returns this client as a user record, nil before the first
// successful connect.
func (self *Room) GetSelf() *User {
	var user *User
	self.read(func() {
		if self.session == nil {
			return
		}
		user = &User{
			ConnectionId: self.session.ConnectionId,
			Id:           self.session.Id,
			Info:         self.session.Info,
			IsReadOnly:   self.session.IsReadOnly,
			Presence:     self.me.snapshot(),
		}
	})
	return user
}

// GetPresence returns a snapshot of the self presence.
func (self *Room) GetPresence() Presence {
	var snapshot Presence
	self.read(func() {
		snapshot = self.me.snapshot()
	})
	return snapshot
}

// GetOthers returns the visible peers, ordered by actor id.
func (self *Room) GetOthers() []*User {
	var users []*User
	self.read(func() {
		users = self.others.visibleUsers()
	})
	return users
}

type UpdatePresenceOptions struct {
	// AddToHistory records the change on the undo stack.
	AddToHistory bool
}

// UpdatePresence shallow-merges patch into the self presence and queues it
// for the next flush.
func (self *Room) UpdatePresence(patch Presence, options *UpdatePresenceOptions) {
	if len(patch) == 0 {
		return
	}
	addToHistory := options != nil && options.AddToHistory
	self.withLock(func() error {
		reverse := Presence{}
		current := self.me.snapshot()
		for key := range patch {
			reverse[key] = current[key]
		}

		self.me.patch(patch)
		self.buffer.queuePresence(patch)

		if self.batch != nil {
			self.batch.updates.presence = true
			if addToHistory {
				self.batch.addReverse([]*historyOp{presenceHistoryOp(reverse)})
			}
			return nil
		}

		if addToHistory {
			self.history.pushUndo([]*historyOp{presenceHistoryOp(reverse)})
			self.history.clearRedo()
			self.queueHistoryEvent()
		}
		self.queueMyPresence()
		self.tryFlush()
		return nil
	})
}

type BroadcastOptions struct {
	// ShouldQueueEventIfNotReady keeps the event buffered until the channel
	// opens instead of dropping it.
	ShouldQueueEventIfNotReady bool
}

// Broadcast sends an application event to every peer. Without an open
// channel the event is dropped unless the options say to queue it.
func (self *Room) Broadcast(event any, options *BroadcastOptions) {
	queueIfNotReady := options != nil && options.ShouldQueueEventIfNotReady
	self.withLock(func() error {
		if self.status != StatusOpen && !queueIfNotReady {
			return nil
		}
		self.buffer.queueBroadcast(event)
		self.tryFlush()
		return nil
	})
}

// Batch runs fn so that every mutation inside lands in one undo unit, one
// outbound frame and one aggregated emission round. Nested calls contribute
// to the outermost batch.
func (self *Room) Batch(fn func() error) error {
	self.withLock(func() error {
		if self.batch == nil {
			self.batch = newActiveBatch()
		}
		self.batchDepth += 1
		return nil
	})

	err := fn()

	self.withLock(func() error {
		self.batchDepth -= 1
		if self.batchDepth == 0 {
			self.finalizeBatch()
		}
		return nil
	})
	return err
}

func (self *Room) finalizeBatch() {
	batch := self.batch
	self.batch = nil
	if batch == nil {
		return
	}

	self.history.pushUndo(batch.reverseOps)
	if 0 < len(batch.ops) {
		self.history.clearRedo()
		self.buffer.queueOps(batch.ops)
	}

	self.queueStorageUpdates(batch.updates.storageUpdates())
	if batch.updates.presence {
		self.queueMyPresence()
	}
	for _, event := range batch.updates.others {
		self.emitOthersEvent(event)
	}
	self.queueHistoryEvent()
	self.tryFlush()
}

// Undo reverts the newest history batch and pushes its inverse onto the redo
// stack. Forbidden while a batch is active.
func (self *Room) Undo() error {
	return self.withLock(func() error {
		if self.batch != nil {
			return invariantViolation("undo is not allowed while a batch is active")
		}
		batch := self.history.popUndo()
		if batch == nil {
			return nil
		}
		inverse := self.applyHistoryBatch(batch)
		self.history.pushRedo(inverse)
		self.queueHistoryEvent()
		self.tryFlush()
		return nil
	})
}

// Redo reapplies the newest undone batch.
func (self *Room) Redo() error {
	return self.withLock(func() error {
		if self.batch != nil {
			return invariantViolation("redo is not allowed while a batch is active")
		}
		batch := self.history.popRedo()
		if batch == nil {
			return nil
		}
		inverse := self.applyHistoryBatch(batch)
		self.history.pushUndo(inverse)
		self.queueHistoryEvent()
		self.tryFlush()
		return nil
	})
}

// applyHistoryBatch replays one history batch locally and returns its
// inverse, newest-first. Storage ops go back on the wire; presence entries
// patch the self presence in place.
func (self *Room) applyHistoryBatch(batch []*historyOp) []*historyOp {
	inverse := []*historyOp{}
	run := []*Op{}
	presenceChanged := false

	flushRun := func() {
		if len(run) == 0 {
			return
		}
		result := self.applyOps(run, true)
		self.queueStorageUpdates(result.updates.storageUpdates())
		self.buffer.queueOps(run)
		inverse = append(result.reverse, inverse...)
		run = []*Op{}
	}

	for _, entry := range batch {
		if entry.isPresence() {
			flushRun()
			reverse := Presence{}
			current := self.me.snapshot()
			for key := range entry.presence {
				reverse[key] = current[key]
			}
			self.me.patch(entry.presence)
			self.buffer.queuePresence(entry.presence)
			presenceChanged = true
			inverse = append([]*historyOp{presenceHistoryOp(reverse)}, inverse...)
			continue
		}
		run = append(run, entry.op)
	}
	flushRun()

	if presenceChanged {
		self.queueMyPresence()
	}
	return inverse
}

func (self *Room) CanUndo() bool {
	var can bool
	self.read(func() {
		can = self.history.canUndo()
	})
	return can
}

func (self *Room) CanRedo() bool {
	var can bool
	self.read(func() {
		can = self.history.canRedo()
	})
	return can
}

// PauseHistory makes subsequent changes accumulate into a single pending
// undo unit until ResumeHistory.
func (self *Room) PauseHistory() {
	self.withLock(func() error {
		self.history.pauseHistory()
		return nil
	})
}

func (self *Room) ResumeHistory() {
	self.withLock(func() error {
		self.history.resumeHistory()
		self.queueHistoryEvent()
		return nil
	})
}

// tryFlush moves queued storage ops into the unacked ledger and sends one
// combined frame, subject to the throttle. Runs under the room lock.
func (self *Room) tryFlush() {
	ops := self.buffer.takeStorageOps()
	if 0 < len(ops) {
		for _, op := range ops {
			self.ledger.add(op)
		}
		self.stagedOps = append(self.stagedOps, ops...)
		self.refreshStorageStatus()
	}

	if self.channel == nil || self.status != StatusOpen {
		// staged ops stay in the ledger for the reconnect resend
		self.stagedOps = nil
		return
	}
	if self.buffer.empty() && len(self.stagedOps) == 0 {
		return
	}

	generation := self.generation
	deferred := func() {
		self.withLock(func() error {
			if generation != self.generation {
				return nil
			}
			if !self.throttle.fired() {
				return nil
			}
			self.flushNow()
			return nil
		})
	}
	if self.throttle.admit(deferred) {
		self.flushNow()
	}
}

// flushNow composes one frame in the order presence, broadcasts, storage ops
// and resets the buffer.
func (self *Room) flushNow() {
	if self.channel == nil {
		self.stagedOps = nil
		return
	}

	messages := []*clientMsg{}

	if me := self.buffer.me; me != nil {
		if me.full {
			target := me.target
			data := self.me.snapshot()
			if data == nil {
				data = Presence{}
			}
			messages = append(messages, &clientMsg{
				Type:        ClientMsgUpdatePresence,
				TargetActor: &target,
				Data:        data,
			})
		} else {
			messages = append(messages, &clientMsg{
				Type: ClientMsgUpdatePresence,
				Data: me.data,
			})
		}
	}

	for _, event := range self.buffer.broadcasts {
		messages = append(messages, &clientMsg{
			Type:  ClientMsgBroadcastEvent,
			Event: event,
		})
	}

	if 0 < len(self.stagedOps) {
		messages = append(messages, &clientMsg{
			Type: ClientMsgUpdateStorage,
			Ops:  self.stagedOps,
		})
	}

	if len(messages) == 0 {
		return
	}

	var frame []byte
	var err error
	if len(messages) == 1 {
		frame, err = json.Marshal(messages[0])
	} else {
		frame, err = json.Marshal(messages)
	}
	if err != nil {
		glog.Infof("[room]%s flush encode error = %s\n", self.roomId, err)
		return
	}

	self.channel.sendFrame(frame)
	self.buffer.reset()
	self.stagedOps = nil
}

// SubscribeError registers a callback for room errors.
func (self *Room) SubscribeError(callback func(error)) *Subscription {
	callbackId := self.events.errorCallbacks.add(callback)
	return newSubscription(func() {
		self.events.errorCallbacks.remove(callbackId)
	})
}

// SubscribeConnection registers a callback for connection status changes.
func (self *Room) SubscribeConnection(callback func(ConnectionStatus)) *Subscription {
	callbackId := self.events.connectionCallbacks.add(callback)
	return newSubscription(func() {
		self.events.connectionCallbacks.remove(callbackId)
	})
}

// SubscribeMyPresence registers a callback for self presence changes.
func (self *Room) SubscribeMyPresence(callback func(Presence)) *Subscription {
	callbackId := self.events.myPresenceCallbacks.add(callback)
	return newSubscription(func() {
		self.events.myPresenceCallbacks.remove(callbackId)
	})
}

// SubscribeOthers registers a callback for peer enter/update/leave/reset.
func (self *Room) SubscribeOthers(callback func(*OthersEvent)) *Subscription {
	callbackId := self.events.othersCallbacks.add(callback)
	return newSubscription(func() {
		self.events.othersCallbacks.remove(callbackId)
	})
}

// SubscribeEvent registers a callback for broadcast events from peers.
func (self *Room) SubscribeEvent(callback func(*CustomEvent)) *Subscription {
	callbackId := self.events.eventCallbacks.add(callback)
	return newSubscription(func() {
		self.events.eventCallbacks.remove(callbackId)
	})
}

// SubscribeHistory registers a callback for undo/redo availability changes.
func (self *Room) SubscribeHistory(callback func(*HistoryEvent)) *Subscription {
	callbackId := self.events.historyCallbacks.add(callback)
	return newSubscription(func() {
		self.events.historyCallbacks.remove(callbackId)
	})
}

// SubscribeStorageStatus registers a callback for storage status changes.
func (self *Room) SubscribeStorageStatus(callback func(StorageStatus)) *Subscription {
	callbackId := self.events.storageStatusCallbacks.add(callback)
	return newSubscription(func() {
		self.events.storageStatusCallbacks.remove(callbackId)
	})
}

// SubscribeNode registers a callback for updates to one live structure. With
// deep set, updates anywhere in its subtree also fire.
func (self *Room) SubscribeNode(value any, deep bool, callback func([]*StorageUpdate)) (*Subscription, error) {
	node, ok := asLiveNode(value)
	if !ok {
		return nil, invariantViolation("subscribe target must be a live structure")
	}
	if !node.base().attached() {
		return nil, invariantViolation("subscribe target must be attached to the storage tree")
	}
	subscriptionId := self.events.storageSubscriptions.add(node.Id(), deep, callback)
	return newSubscription(func() {
		self.events.storageSubscriptions.remove(subscriptionId)
	}), nil
}

// GetStorageStatus returns the derived storage status.
func (self *Room) GetStorageStatus() StorageStatus {
	var status StorageStatus
	self.read(func() {
		status = self.storageStatus()
	})
	return status
}
