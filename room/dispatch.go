package room

import (
	"strconv"

	"github.com/golang/glog"
)

// handleFrame runs on the reader goroutine. Each frame may carry one message
// or an array; messages apply in order under the lock and emissions drain
// afterwards. A malformed frame is dropped and handlers report failures on
// the error callbacks, so neither tears down the dispatcher. The one
// exception is a rejected storage op with FatalRejectedOps set, which panics.
func (self *Room) handleFrame(generation int, data []byte) {
	messages := parseServerFrame(data)
	if len(messages) == 0 {
		return
	}
	self.withLock(func() error {
		if generation != self.generation {
			return nil
		}
		for _, message := range messages {
			self.dispatchMessage(message)
		}
		return nil
	})
}

func (self *Room) dispatchMessage(message *serverMsg) {
	glog.V(2).Infof("[disp]%s<- type=%d\n", self.roomId, message.Type)
	switch message.Type {
	case ServerMsgUserJoined:
		self.handleUserJoined(message)
	case ServerMsgUpdatePresence:
		self.handleUpdatePresence(message)
	case ServerMsgBroadcastedEvent:
		self.handleBroadcastedEvent(message)
	case ServerMsgUserLeft:
		self.handleUserLeft(message)
	case ServerMsgRoomState:
		self.handleRoomState(message)
	case ServerMsgInitialStorageState:
		self.handleInitialStorage(message)
	case ServerMsgUpdateStorage:
		self.handleUpdateStorage(message)
	case ServerMsgRejectStorageOp:
		self.handleRejectStorageOp(message)
	default:
		glog.V(1).Infof("[disp]%s<- unknown type=%d\n", self.roomId, message.Type)
	}
}

// handleUserJoined registers the connection metadata and answers with a full
// presence snapshot addressed to the joining actor. The enter event fires
// only once their presence is also known.
func (self *Room) handleUserJoined(message *serverMsg) {
	event := self.others.setConnection(
		message.Actor,
		message.Id,
		message.Info,
		isReadOnlyScopes(message.Scopes),
	)
	self.queueOthersEvent(event)

	self.buffer.queueFullPresenceTo(message.Actor)
	self.tryFlush()
}

func (self *Room) handleUpdatePresence(message *serverMsg) {
	var event *OthersEvent
	if message.TargetActor != nil {
		event = self.others.setOther(message.Actor, message.Data)
	} else {
		event = self.others.patchOther(message.Actor, message.Data)
	}
	self.queueOthersEvent(event)
}

func (self *Room) handleBroadcastedEvent(message *serverMsg) {
	self.queueCustomEvent(&CustomEvent{
		ConnectionId: message.Actor,
		Event:        message.Event,
	})
}

func (self *Room) handleUserLeft(message *serverMsg) {
	self.queueOthersEvent(self.others.removeConnection(message.Actor))
}

// handleRoomState reconciles the whole others collection against the
// server's authoritative listing.
func (self *Room) handleRoomState(message *serverMsg) {
	users := map[int]*roomStateUser{}
	for rawActor, user := range message.Users {
		actor, err := strconv.Atoi(rawActor)
		if err != nil {
			glog.V(1).Infof("[disp]%s<- bad actor %q\n", self.roomId, rawActor)
			continue
		}
		users[actor] = user
	}
	self.queueOthersEvent(self.others.reconcile(users))
}

func (self *Room) handleUpdateStorage(message *serverMsg) {
	if len(message.Ops) == 0 {
		return
	}
	result := self.applyOps(message.Ops, false)
	self.queueStorageUpdates(result.updates.storageUpdates())
}

// handleRejectStorageOp drops the rejected ops from the ledger and surfaces
// the rejection as an error. The replica keeps its local result; the server
// remains authoritative on the next storage reload. With FatalRejectedOps set
// the rejection panics instead.
func (self *Room) handleRejectStorageOp(message *serverMsg) {
	glog.Infof("[disp]%s<- rejected ops %v reason=%q\n", self.roomId, message.OpIds, message.Reason)
	for _, opId := range message.OpIds {
		self.ledger.remove(opId)
	}
	err := &StorageOpRejectedError{
		OpIds:  message.OpIds,
		Reason: message.Reason,
	}
	if self.settings.FatalRejectedOps {
		panic(err)
	}
	self.queueError(err)
	self.refreshStorageStatus()
}
