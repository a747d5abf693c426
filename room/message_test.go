package room

import (
	"encoding/json"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestParseServerFrameSingle(t *testing.T) {
	messages := parseServerFrame([]byte(`{"type":101,"actor":2,"id":"u2"}`))
	assert.Equal(t, len(messages), 1)
	assert.Equal(t, messages[0].Type, ServerMsgUserJoined)
	assert.Equal(t, messages[0].Actor, 2)
	assert.Equal(t, messages[0].Id, "u2")
}

func TestParseServerFrameArray(t *testing.T) {
	messages := parseServerFrame([]byte(` [{"type":100,"actor":2,"data":{"x":1}},{"type":102,"actor":3}]`))
	assert.Equal(t, len(messages), 2)
	assert.Equal(t, messages[0].Type, ServerMsgUpdatePresence)
	assert.Equal(t, messages[0].Data["x"], float64(1))
	assert.Equal(t, messages[1].Type, ServerMsgUserLeft)
	assert.Equal(t, messages[1].Actor, 3)
}

func TestParseServerFrameGarbage(t *testing.T) {
	assert.Equal(t, len(parseServerFrame([]byte("not json"))), 0)
	assert.Equal(t, len(parseServerFrame([]byte(""))), 0)
	assert.Equal(t, len(parseServerFrame([]byte("[]"))), 0)
	assert.Equal(t, len(parseServerFrame([]byte(`[{"type":1},`))), 0)
}

func TestParseServerFrameStorageItems(t *testing.T) {
	frame := `{"type":200,"items":[["root",{"type":0,"data":{"a":1}}],["0:1",{"type":1,"parentId":"root","parentKey":"list"}]]}`
	messages := parseServerFrame([]byte(frame))
	assert.Equal(t, len(messages), 1)

	items := messages[0].Items
	assert.Equal(t, len(items), 2)
	assert.Equal(t, items[0].Id, "root")
	assert.Equal(t, items[0].Crdt.Type, CrdtObject)
	assert.Equal(t, items[0].Crdt.isRoot(), true)
	assert.Equal(t, items[1].Crdt.Type, CrdtList)
	assert.Equal(t, items[1].Crdt.ParentId, "root")
	assert.Equal(t, items[1].Crdt.isRoot(), false)
}

func TestSerializedItemsRejectBadPairs(t *testing.T) {
	var items serializedItems
	err := json.Unmarshal([]byte(`[["root"]]`), &items)
	assert.NotEqual(t, err, nil)
}

func TestSerializedItemsRoundTrip(t *testing.T) {
	items := serializedItems{
		{Id: "root", Crdt: &serializedCrdt{Type: CrdtObject, Data: map[string]any{"a": 1.0}}},
		{Id: "0:1", Crdt: &serializedCrdt{Type: CrdtRegister, ParentId: "root", ParentKey: "k", Data: "v"}},
	}
	data, err := json.Marshal(items)
	assert.Equal(t, err, nil)

	var decoded serializedItems
	assert.Equal(t, json.Unmarshal(data, &decoded), nil)
	assert.Equal(t, decoded, items)
}

func TestClientMsgPresenceEncoding(t *testing.T) {
	// a patch carries no target
	patch, err := json.Marshal(&clientMsg{
		Type: ClientMsgUpdatePresence,
		Data: Presence{"x": 1},
	})
	assert.Equal(t, err, nil)
	decoded := map[string]any{}
	assert.Equal(t, json.Unmarshal(patch, &decoded), nil)
	_, hasTarget := decoded["targetActor"]
	assert.Equal(t, hasTarget, false)

	// a keyframe names its target, -1 meaning everyone
	target := targetActorBroadcast
	keyframe, err := json.Marshal(&clientMsg{
		Type:        ClientMsgUpdatePresence,
		TargetActor: &target,
		Data:        Presence{},
	})
	assert.Equal(t, err, nil)
	decoded = map[string]any{}
	assert.Equal(t, json.Unmarshal(keyframe, &decoded), nil)
	assert.Equal(t, decoded["targetActor"], float64(-1))
}

func TestOpWireEncoding(t *testing.T) {
	op := &Op{
		Code:      OpCodeCreateRegister,
		OpId:      "1:0",
		Id:        "1:1",
		ParentId:  "root",
		ParentKey: "k",
		Data:      "v",
	}
	data, err := json.Marshal(op)
	assert.Equal(t, err, nil)

	decoded := map[string]any{}
	assert.Equal(t, json.Unmarshal(data, &decoded), nil)
	assert.Equal(t, decoded["type"], float64(OpCodeCreateRegister))
	assert.Equal(t, decoded["opId"], "1:0")
	assert.Equal(t, decoded["parentKey"], "k")

	var back Op
	assert.Equal(t, json.Unmarshal(data, &back), nil)
	assert.Equal(t, back.Code, OpCodeCreateRegister)
	assert.Equal(t, back.isCreate(), true)
}
