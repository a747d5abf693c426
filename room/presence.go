package room

import (
	"slices"

	"golang.org/x/exp/maps"
)

// Presence is the ephemeral per-user state shared with every peer in the room.
// It is never persisted; each connection starts from the initial presence
// passed in the settings.
type Presence = map[string]any

func clonePresence(presence Presence) Presence {
	if presence == nil {
		return nil
	}
	return maps.Clone(presence)
}

// User is one peer as seen by this client.
type User struct {
	ConnectionId int
	Id           string
	Info         map[string]any
	IsReadOnly   bool
	Presence     Presence
}

// myPresence holds the self presence between flushes. Writes merge into the
// current value; the outbound buffer tracks separately whether the next send
// is a keyframe or a patch.
type myPresence struct {
	data Presence
}

func newMyPresence(initial Presence) *myPresence {
	return &myPresence{
		data: clonePresence(initial),
	}
}

func (self *myPresence) snapshot() Presence {
	return clonePresence(self.data)
}

func (self *myPresence) patch(patch Presence) {
	if self.data == nil {
		self.data = Presence{}
	}
	for key, value := range patch {
		self.data[key] = value
	}
}

// otherEntry tracks what we know about one peer connection. The peer becomes
// visible only once both the connection metadata and a presence value are
// known. Until then events about it are suppressed.
type otherEntry struct {
	hasConnection bool
	id            string
	info          map[string]any
	isReadOnly    bool
	presence      Presence
}

func (self *otherEntry) visible() bool {
	return self.hasConnection && self.presence != nil
}

func (self *otherEntry) user(actor int) *User {
	return &User{
		ConnectionId: actor,
		Id:           self.id,
		Info:         self.info,
		IsReadOnly:   self.isReadOnly,
		Presence:     clonePresence(self.presence),
	}
}

type OthersEventType string

const (
	OtherEnter  OthersEventType = "enter"
	OtherUpdate OthersEventType = "update"
	OtherLeave  OthersEventType = "leave"
	OthersReset OthersEventType = "reset"
)

// OthersEvent describes one change to the others collection. User is set for
// enter/update/leave; Others always carries the projection after the change.
type OthersEvent struct {
	Type   OthersEventType
	User   *User
	Others []*User
}

// othersState is the reconciled view of every peer connection, keyed by actor.
type othersState struct {
	entries map[int]*otherEntry
	cached  []*User
}

func newOthersState() *othersState {
	return &othersState{
		entries: map[int]*otherEntry{},
	}
}

func (self *othersState) entry(actor int) *otherEntry {
	entry, ok := self.entries[actor]
	if !ok {
		entry = &otherEntry{}
		self.entries[actor] = entry
	}
	return entry
}

// visibleUsers returns the cached projection of visible peers, ordered by
// actor id.
func (self *othersState) visibleUsers() []*User {
	if self.cached != nil {
		return self.cached
	}
	actors := maps.Keys(self.entries)
	slices.Sort(actors)
	users := []*User{}
	for _, actor := range actors {
		if entry := self.entries[actor]; entry.visible() {
			users = append(users, entry.user(actor))
		}
	}
	self.cached = users
	return users
}

func (self *othersState) invalidate() {
	self.cached = nil
}

// setConnection records the connection metadata for actor. Returns the enter
// event when this completes the peer's visibility.
func (self *othersState) setConnection(actor int, id string, info map[string]any, isReadOnly bool) *OthersEvent {
	entry := self.entry(actor)
	wasVisible := entry.visible()
	entry.hasConnection = true
	entry.id = id
	entry.info = info
	entry.isReadOnly = isReadOnly
	self.invalidate()
	if !wasVisible && entry.visible() {
		return &OthersEvent{
			Type:   OtherEnter,
			User:   entry.user(actor),
			Others: self.visibleUsers(),
		}
	}
	return nil
}

// setOther replaces the actor's presence wholesale.
func (self *othersState) setOther(actor int, presence Presence) *OthersEvent {
	entry := self.entry(actor)
	wasVisible := entry.visible()
	entry.presence = clonePresence(presence)
	if entry.presence == nil {
		entry.presence = Presence{}
	}
	self.invalidate()
	if !entry.visible() {
		return nil
	}
	eventType := OtherUpdate
	if !wasVisible {
		eventType = OtherEnter
	}
	return &OthersEvent{
		Type:   eventType,
		User:   entry.user(actor),
		Others: self.visibleUsers(),
	}
}

// patchOther merges a partial presence update. A patch before any full value
// still makes the peer visible once metadata is known.
func (self *othersState) patchOther(actor int, patch Presence) *OthersEvent {
	entry := self.entry(actor)
	wasVisible := entry.visible()
	if entry.presence == nil {
		entry.presence = Presence{}
	}
	for key, value := range patch {
		entry.presence[key] = value
	}
	self.invalidate()
	if !entry.visible() {
		return nil
	}
	eventType := OtherUpdate
	if !wasVisible {
		eventType = OtherEnter
	}
	return &OthersEvent{
		Type:   eventType,
		User:   entry.user(actor),
		Others: self.visibleUsers(),
	}
}

// removeConnection drops the actor entirely. Returns the leave event iff the
// peer was visible.
func (self *othersState) removeConnection(actor int) *OthersEvent {
	entry, ok := self.entries[actor]
	if !ok {
		return nil
	}
	wasVisible := entry.visible()
	user := entry.user(actor)
	delete(self.entries, actor)
	self.invalidate()
	if !wasVisible {
		return nil
	}
	return &OthersEvent{
		Type:   OtherLeave,
		User:   user,
		Others: self.visibleUsers(),
	}
}

// reconcile keeps only the listed actors, updating their metadata, and
// returns a single reset event.
func (self *othersState) reconcile(users map[int]*roomStateUser) *OthersEvent {
	for actor := range self.entries {
		if _, ok := users[actor]; !ok {
			delete(self.entries, actor)
		}
	}
	for actor, user := range users {
		entry := self.entry(actor)
		entry.hasConnection = true
		entry.id = user.Id
		entry.info = user.Info
		entry.isReadOnly = isReadOnlyScopes(user.Scopes)
	}
	self.invalidate()
	return &OthersEvent{
		Type:   OthersReset,
		Others: self.visibleUsers(),
	}
}

// clear drops every peer and returns a reset event.
func (self *othersState) clear() *OthersEvent {
	self.entries = map[int]*otherEntry{}
	self.invalidate()
	return &OthersEvent{
		Type:   OthersReset,
		Others: self.visibleUsers(),
	}
}
