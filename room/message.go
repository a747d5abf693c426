package room

import (
	"encoding/json"
	"fmt"
)

// Wire protocol: JSON text frames. A frame holds either a single message
// object or an array of message objects. The literal (non-JSON) strings
// "ping" and "pong" carry the heartbeat.

type ClientMsgCode int

const (
	ClientMsgUpdatePresence ClientMsgCode = 100
	ClientMsgBroadcastEvent ClientMsgCode = 103
	ClientMsgFetchStorage   ClientMsgCode = 200
	ClientMsgUpdateStorage  ClientMsgCode = 201
)

type ServerMsgCode int

const (
	ServerMsgUpdatePresence      ServerMsgCode = 100
	ServerMsgUserJoined          ServerMsgCode = 101
	ServerMsgUserLeft            ServerMsgCode = 102
	ServerMsgBroadcastedEvent    ServerMsgCode = 103
	ServerMsgRoomState           ServerMsgCode = 104
	ServerMsgInitialStorageState ServerMsgCode = 200
	ServerMsgUpdateStorage       ServerMsgCode = 201
	ServerMsgRejectStorageOp     ServerMsgCode = 299
)

const (
	pingFrame = "ping"
	pongFrame = "pong"
)

// targetActorBroadcast marks an outbound presence message as a full keyframe
// addressed to everyone; recipients replace their cached entry wholesale.
const targetActorBroadcast = -1

// clientMsg is the outbound message envelope. TargetActor uses a pointer so
// that a patch (no target) is distinguishable from a keyframe (target -1)
// and from a direct full send (target >= 0).
type clientMsg struct {
	Type        ClientMsgCode `json:"type"`
	Data        Presence      `json:"data,omitempty"`
	TargetActor *int          `json:"targetActor,omitempty"`
	Event       any           `json:"event,omitempty"`
	Ops         []*Op         `json:"ops,omitempty"`
}

type roomStateUser struct {
	Id     string         `json:"id,omitempty"`
	Info   map[string]any `json:"info,omitempty"`
	Scopes []string       `json:"scopes,omitempty"`
}

type serverMsg struct {
	Type        ServerMsgCode             `json:"type"`
	Actor       int                       `json:"actor"`
	Id          string                    `json:"id,omitempty"`
	Info        map[string]any            `json:"info,omitempty"`
	Scopes      []string                  `json:"scopes,omitempty"`
	Data        Presence                  `json:"data,omitempty"`
	TargetActor *int                      `json:"targetActor,omitempty"`
	Event       any                       `json:"event,omitempty"`
	Users       map[string]*roomStateUser `json:"users,omitempty"`
	Items       serializedItems           `json:"items,omitempty"`
	Ops         []*Op                     `json:"ops,omitempty"`
	OpIds       []string                  `json:"opIds,omitempty"`
	Reason      string                    `json:"reason,omitempty"`
}

// parseServerFrame decodes one text frame into zero or more messages.
// A parse failure or an empty array yields no messages and no error; inbound
// garbage must never tear down the dispatcher.
func parseServerFrame(data []byte) []*serverMsg {
	trimmed := firstNonSpace(data)
	if trimmed == '[' {
		var messages []*serverMsg
		if err := json.Unmarshal(data, &messages); err != nil {
			return nil
		}
		return messages
	}
	var message serverMsg
	if err := json.Unmarshal(data, &message); err != nil {
		return nil
	}
	return []*serverMsg{&message}
}

func firstNonSpace(data []byte) byte {
	for _, b := range data {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		}
		return b
	}
	return 0
}

// Serialized storage tree. The initial storage message carries the whole tree
// as a flat list of [id, record] pairs; parent links are by id.

type CrdtCode int

const (
	CrdtObject   CrdtCode = 0
	CrdtList     CrdtCode = 1
	CrdtMap      CrdtCode = 2
	CrdtRegister CrdtCode = 3
)

type serializedCrdt struct {
	Type      CrdtCode `json:"type"`
	ParentId  string   `json:"parentId,omitempty"`
	ParentKey string   `json:"parentKey,omitempty"`
	Data      any      `json:"data,omitempty"`
}

func (self *serializedCrdt) isRoot() bool {
	return self.ParentId == ""
}

type serializedItem struct {
	Id   string
	Crdt *serializedCrdt
}

type serializedItems []*serializedItem

func (self *serializedItems) UnmarshalJSON(data []byte) error {
	var raw [][]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	items := make(serializedItems, 0, len(raw))
	for _, pair := range raw {
		if len(pair) != 2 {
			return fmt.Errorf("storage item must be an [id, crdt] pair, got %d elements", len(pair))
		}
		item := &serializedItem{
			Crdt: &serializedCrdt{},
		}
		if err := json.Unmarshal(pair[0], &item.Id); err != nil {
			return err
		}
		if err := json.Unmarshal(pair[1], item.Crdt); err != nil {
			return err
		}
		items = append(items, item)
	}
	*self = items
	return nil
}

func (self serializedItems) MarshalJSON() ([]byte, error) {
	raw := make([][2]any, 0, len(self))
	for _, item := range self {
		raw = append(raw, [2]any{item.Id, item.Crdt})
	}
	return json.Marshal(raw)
}
