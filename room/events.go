package room

import (
	"sync"

	"github.com/oklog/ulid/v2"
)

// Subscription is the handle returned by every Subscribe* method. Unsubscribe
// is idempotent.
type Subscription struct {
	cancel func()
	once   sync.Once
}

func newSubscription(cancel func()) *Subscription {
	return &Subscription{
		cancel: cancel,
	}
}

func (self *Subscription) Unsubscribe() {
	self.once.Do(self.cancel)
}

// callbackList keys callbacks by ulid so that function values, which are not
// comparable, can still be removed individually. Emission order follows
// registration order.
type callbackList[T any] struct {
	mutex     sync.Mutex
	order     []ulid.ULID
	callbacks map[ulid.ULID]T
}

func newCallbackList[T any]() *callbackList[T] {
	return &callbackList[T]{
		callbacks: map[ulid.ULID]T{},
	}
}

func (self *callbackList[T]) add(callback T) ulid.ULID {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	callbackId := ulid.Make()
	self.order = append(self.order, callbackId)
	self.callbacks[callbackId] = callback
	return callbackId
}

func (self *callbackList[T]) remove(callbackId ulid.ULID) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if _, ok := self.callbacks[callbackId]; !ok {
		return
	}
	delete(self.callbacks, callbackId)
	for i, id := range self.order {
		if id == callbackId {
			self.order = append(self.order[:i], self.order[i+1:]...)
			break
		}
	}
}

func (self *callbackList[T]) get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	callbacks := make([]T, 0, len(self.order))
	for _, id := range self.order {
		callbacks = append(callbacks, self.callbacks[id])
	}
	return callbacks
}

func (self *callbackList[T]) clear() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.order = nil
	self.callbacks = map[ulid.ULID]T{}
}

// CustomEvent is an application-level broadcast from another peer.
type CustomEvent struct {
	ConnectionId int
	Event        any
}

// HistoryEvent reports the undo/redo availability after a history change.
type HistoryEvent struct {
	CanUndo bool
	CanRedo bool
}

// storageSubscription scopes a storage callback to one node. A deep
// subscription also fires for updates anywhere in the node's subtree.
type storageSubscription struct {
	id       ulid.ULID
	nodeId   string
	deep     bool
	callback func([]*StorageUpdate)
}

type storageSubscriptionList struct {
	mutex sync.Mutex
	order []ulid.ULID
	subs  map[ulid.ULID]*storageSubscription
}

func newStorageSubscriptionList() *storageSubscriptionList {
	return &storageSubscriptionList{
		subs: map[ulid.ULID]*storageSubscription{},
	}
}

func (self *storageSubscriptionList) add(nodeId string, deep bool, callback func([]*StorageUpdate)) ulid.ULID {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	subscriptionId := ulid.Make()
	self.order = append(self.order, subscriptionId)
	self.subs[subscriptionId] = &storageSubscription{
		id:       subscriptionId,
		nodeId:   nodeId,
		deep:     deep,
		callback: callback,
	}
	return subscriptionId
}

func (self *storageSubscriptionList) remove(subscriptionId ulid.ULID) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if _, ok := self.subs[subscriptionId]; !ok {
		return
	}
	delete(self.subs, subscriptionId)
	for i, id := range self.order {
		if id == subscriptionId {
			self.order = append(self.order[:i], self.order[i+1:]...)
			break
		}
	}
}

func (self *storageSubscriptionList) get() []*storageSubscription {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	subs := make([]*storageSubscription, 0, len(self.order))
	for _, id := range self.order {
		subs = append(subs, self.subs[id])
	}
	return subs
}

func (self *storageSubscriptionList) clear() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.order = nil
	self.subs = map[ulid.ULID]*storageSubscription{}
}

// roomEvents is the room's event bus. Callbacks run outside the room lock,
// wrapped by the host's batch hook when one is configured.
type roomEvents struct {
	errorCallbacks         *callbackList[func(error)]
	connectionCallbacks    *callbackList[func(ConnectionStatus)]
	myPresenceCallbacks    *callbackList[func(Presence)]
	othersCallbacks        *callbackList[func(*OthersEvent)]
	eventCallbacks         *callbackList[func(*CustomEvent)]
	historyCallbacks       *callbackList[func(*HistoryEvent)]
	storageStatusCallbacks *callbackList[func(StorageStatus)]
	storageSubscriptions   *storageSubscriptionList
}

func newRoomEvents() *roomEvents {
	return &roomEvents{
		errorCallbacks:         newCallbackList[func(error)](),
		connectionCallbacks:    newCallbackList[func(ConnectionStatus)](),
		myPresenceCallbacks:    newCallbackList[func(Presence)](),
		othersCallbacks:        newCallbackList[func(*OthersEvent)](),
		eventCallbacks:         newCallbackList[func(*CustomEvent)](),
		historyCallbacks:       newCallbackList[func(*HistoryEvent)](),
		storageStatusCallbacks: newCallbackList[func(StorageStatus)](),
		storageSubscriptions:   newStorageSubscriptionList(),
	}
}

func (self *roomEvents) clearAll() {
	self.errorCallbacks.clear()
	self.connectionCallbacks.clear()
	self.myPresenceCallbacks.clear()
	self.othersCallbacks.clear()
	self.eventCallbacks.clear()
	self.historyCallbacks.clear()
	self.storageStatusCallbacks.clear()
	self.storageSubscriptions.clear()
}
