package room

import (
	"context"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestLiveObjectSetGetDelete(t *testing.T) {
	r, root := newStorageRoom(t)

	err := root.Set("a", 1)
	assert.Equal(t, err, nil)
	assert.Equal(t, root.Get("a"), 1)

	err = root.Update(map[string]any{"b": "two", "c": true})
	assert.Equal(t, err, nil)
	assert.Equal(t, root.Keys(), []string{"a", "b", "c"})

	err = root.Delete("b")
	assert.Equal(t, err, nil)
	assert.Equal(t, root.Get("b"), nil)

	// deleting an absent key is a no-op
	err = root.Delete("missing")
	assert.Equal(t, err, nil)

	assert.Equal(t, root.ToObject(), map[string]any{
		"a": 1,
		"c": true,
	})
	assert.Equal(t, r.GetStorageStatus(), StorageSynchronizing)
}

func TestLiveObjectNestedStructures(t *testing.T) {
	_, root := newStorageRoom(t)

	obj := NewLiveObject(map[string]any{"x": 1})
	err := root.Set("child", obj)
	assert.Equal(t, err, nil)

	got := root.Get("child").(*LiveObject)
	assert.Equal(t, got.Get("x"), 1)

	// a structure already attached cannot be set a second time
	err = root.Set("again", obj)
	assert.NotEqual(t, err, nil)

	lst := NewLiveList([]any{"a", "b"})
	err = root.Set("list", lst)
	assert.Equal(t, err, nil)
	assert.Equal(t, lst.ToArray(), []any{"a", "b"})

	snapshot := root.ToObject()
	assert.Equal(t, snapshot["child"], map[string]any{"x": 1})
	assert.Equal(t, snapshot["list"], []any{"a", "b"})
}

func TestLiveMapOperations(t *testing.T) {
	_, root := newStorageRoom(t)

	mp := NewLiveMap(map[string]any{"k1": "v1"})
	err := root.Set("map", mp)
	assert.Equal(t, err, nil)

	assert.Equal(t, mp.Get("k1"), "v1")
	assert.Equal(t, mp.Has("k1"), true)
	assert.Equal(t, mp.Has("k2"), false)

	err = mp.Set("k2", 2)
	assert.Equal(t, err, nil)
	assert.Equal(t, mp.Size(), 2)
	assert.Equal(t, mp.Keys(), []string{"k1", "k2"})

	err = mp.Delete("k1")
	assert.Equal(t, err, nil)
	assert.Equal(t, mp.ToMap(), map[string]any{"k2": 2})
}

func TestLiveListOperations(t *testing.T) {
	_, root := newStorageRoom(t)

	lst := NewLiveList(nil)
	err := root.Set("list", lst)
	assert.Equal(t, err, nil)

	assert.Equal(t, lst.Push("a"), nil)
	assert.Equal(t, lst.Push("c"), nil)
	assert.Equal(t, lst.Insert("b", 1), nil)
	assert.Equal(t, lst.ToArray(), []any{"a", "b", "c"})
	assert.Equal(t, lst.Length(), 3)
	assert.Equal(t, lst.Get(1), "b")
	assert.Equal(t, lst.Get(7), nil)

	assert.Equal(t, lst.Move(0, 2), nil)
	assert.Equal(t, lst.ToArray(), []any{"b", "c", "a"})

	assert.Equal(t, lst.Set(1, "C"), nil)
	assert.Equal(t, lst.ToArray(), []any{"b", "C", "a"})

	assert.Equal(t, lst.Delete(0), nil)
	assert.Equal(t, lst.ToArray(), []any{"C", "a"})

	assert.NotEqual(t, lst.Delete(9), nil)
	assert.NotEqual(t, lst.Insert("x", -1), nil)
}

func TestReadOnlySessionDeniesWrites(t *testing.T) {
	r, root := newStorageRoom(t)
	r.withLock(func() error {
		r.session = &Session{
			ConnectionId: 1,
			IsReadOnly:   true,
		}
		return nil
	})

	err := root.Set("a", 1)
	_, ok := err.(*WriteDeniedError)
	assert.Equal(t, ok, true)

	// presence writes remain allowed
	r.UpdatePresence(Presence{"cursor": 1}, nil)
	assert.Equal(t, r.GetPresence()["cursor"], 1)
}

func TestRemoteOpsApply(t *testing.T) {
	r, root := newStorageRoom(t)

	r.withLock(func() error {
		r.handleUpdateStorage(&serverMsg{
			Type: ServerMsgUpdateStorage,
			Ops: []*Op{
				{Code: OpCodeUpdateObject, OpId: "2:0", Id: "root", Data: map[string]any{"b": 2.0}},
				{Code: OpCodeCreateList, OpId: "2:1", Id: "2:9", ParentId: "root", ParentKey: "list"},
				{Code: OpCodeCreateRegister, OpId: "2:2", Id: "2:10", ParentId: "2:9", ParentKey: "5", Data: "x"},
			},
		})
		return nil
	})

	assert.Equal(t, root.Get("b"), 2.0)
	lst := root.Get("list").(*LiveList)
	assert.Equal(t, lst.ToArray(), []any{"x"})
}

func TestOwnOpEchoIsNoOpOnReplica(t *testing.T) {
	r, root := newStorageRoom(t)

	err := root.Set("a", 1)
	assert.Equal(t, err, nil)
	assert.Equal(t, r.GetStorageStatus(), StorageSynchronizing)

	var opId string
	r.read(func() {
		opId = r.ledger.snapshot()[0].OpId
	})

	r.withLock(func() error {
		r.handleUpdateStorage(&serverMsg{
			Type: ServerMsgUpdateStorage,
			Ops: []*Op{
				{Code: OpCodeUpdateObject, OpId: opId, Id: "root", Data: map[string]any{"a": 99.0}},
			},
		})
		return nil
	})

	// the echo clears the ledger but never re-applies
	assert.Equal(t, root.Get("a"), 1)
	assert.Equal(t, r.GetStorageStatus(), StorageSynchronized)
}

func TestCreateThenMutateCollapsesUpdates(t *testing.T) {
	r, _ := newStorageRoom(t)

	var updates []*StorageUpdate
	r.withLock(func() error {
		result := r.applyOps([]*Op{
			{Code: OpCodeCreateObject, OpId: "2:0", Id: "2:5", ParentId: "root", ParentKey: "o"},
			{Code: OpCodeUpdateObject, OpId: "2:1", Id: "2:5", Data: map[string]any{"x": 1.0}},
		}, false)
		updates = result.updates.storageUpdates()
		return nil
	})

	// the follow-up mutation inside the freshly created subtree stays silent;
	// only the parent sees a change
	assert.Equal(t, len(updates), 1)
	assert.Equal(t, updates[0].NodeId, "root")
}

func TestConcurrentListInsertsConverge(t *testing.T) {
	items := serializedItems{
		{Id: "root", Crdt: &serializedCrdt{Type: CrdtObject}},
		{Id: "0:1", Crdt: &serializedCrdt{Type: CrdtList, ParentId: "root", ParentKey: "list"}},
	}
	opA := &Op{Code: OpCodeCreateRegister, OpId: "2:0", Id: "2:1", ParentId: "0:1", ParentKey: "5", Data: "x"}
	opB := &Op{Code: OpCodeCreateRegister, OpId: "3:0", Id: "3:1", ParentId: "0:1", ParentKey: "5", Data: "y"}

	build := func(first *Op, second *Op) []any {
		settings := DefaultRoomSettings()
		settings.EndpointUrl = "ws://rooms.local"
		r := NewRoom(context.Background(), "test-room", settings)
		r.withLock(func() error {
			r.ids.setActor(1)
			r.handleInitialStorage(&serverMsg{
				Type:  ServerMsgInitialStorageState,
				Items: items,
			})
			r.handleUpdateStorage(&serverMsg{Type: ServerMsgUpdateStorage, Ops: []*Op{first}})
			r.handleUpdateStorage(&serverMsg{Type: ServerMsgUpdateStorage, Ops: []*Op{second}})
			return nil
		})
		root := r.GetStorageSnapshot()
		return root.Get("list").(*LiveList).ToArray()
	}

	// a position collision resolves by node id regardless of arrival order
	ab := build(opA, opB)
	ba := build(opB, opA)
	assert.Equal(t, ab, ba)
	assert.Equal(t, ab, []any{"x", "y"})
}

func TestStorageReloadDiffsIntoExistingTree(t *testing.T) {
	r, root := newStorageRoom(t)

	err := root.Set("a", 1)
	assert.Equal(t, err, nil)
	var opId string
	r.read(func() {
		opId = r.ledger.snapshot()[0].OpId
	})
	r.withLock(func() error {
		r.handleUpdateStorage(&serverMsg{
			Type: ServerMsgUpdateStorage,
			Ops:  []*Op{{Code: OpCodeUpdateObject, OpId: opId, Id: "root", Data: map[string]any{"a": 1.0}}},
		})
		return nil
	})

	// a reload replaces the replica with the server's view
	r.withLock(func() error {
		r.handleInitialStorage(&serverMsg{
			Type: ServerMsgInitialStorageState,
			Items: serializedItems{
				{Id: "root", Crdt: &serializedCrdt{Type: CrdtObject, Data: map[string]any{"a": 2.0, "b": "new"}}},
			},
		})
		return nil
	})

	assert.Equal(t, root.Get("a"), 2.0)
	assert.Equal(t, root.Get("b"), "new")
}

func TestStorageReloadReplaysUnackedOps(t *testing.T) {
	r, root := newStorageRoom(t)

	err := root.Set("a", 1)
	assert.Equal(t, err, nil)
	assert.Equal(t, r.GetStorageStatus(), StorageSynchronizing)

	// the baseline does not carry the unacked write yet; the replay restores
	// it on top and the op stays pending
	r.withLock(func() error {
		r.handleInitialStorage(&serverMsg{
			Type: ServerMsgInitialStorageState,
			Items: serializedItems{
				{Id: "root", Crdt: &serializedCrdt{Type: CrdtObject, Data: map[string]any{"b": 2.0}}},
			},
		})
		return nil
	})

	assert.Equal(t, root.Get("a"), 1)
	assert.Equal(t, root.Get("b"), 2.0)
	assert.Equal(t, r.GetStorageStatus(), StorageSynchronizing)
}

func TestInitialStorageSeedsDefaults(t *testing.T) {
	settings := DefaultRoomSettings()
	settings.EndpointUrl = "ws://rooms.local"
	settings.InitialStorage = map[string]any{
		"counter": 0,
		"title":   "untitled",
	}
	r := NewRoom(context.Background(), "test-room", settings)
	r.withLock(func() error {
		r.ids.setActor(1)
		r.handleInitialStorage(&serverMsg{
			Type: ServerMsgInitialStorageState,
			Items: serializedItems{
				{Id: "root", Crdt: &serializedCrdt{Type: CrdtObject, Data: map[string]any{"title": "kept"}}},
			},
		})
		return nil
	})

	root := r.GetStorageSnapshot()
	assert.Equal(t, root.Get("counter"), 0)
	// present keys are never overwritten by defaults
	assert.Equal(t, root.Get("title"), "kept")
}

func TestSubscribeNodeDeliversUpdates(t *testing.T) {
	r, root := newStorageRoom(t)

	lst := NewLiveList(nil)
	assert.Equal(t, root.Set("list", lst), nil)

	received := [][]*StorageUpdate{}
	subscription, err := r.SubscribeNode(lst, false, func(updates []*StorageUpdate) {
		received = append(received, updates)
	})
	assert.Equal(t, err, nil)

	assert.Equal(t, lst.Push("a"), nil)
	assert.Equal(t, len(received), 1)
	assert.Equal(t, received[0][0].NodeId, lst.Id())
	assert.Equal(t, received[0][0].Items[0].Type, ListItemInserted)
	assert.Equal(t, received[0][0].Items[0].Index, 0)

	// shallow subscriptions ignore changes on other nodes, here the parent
	assert.Equal(t, root.Set("a", 1), nil)
	assert.Equal(t, len(received), 1)

	subscription.Unsubscribe()
	assert.Equal(t, lst.Push("b"), nil)
	assert.Equal(t, len(received), 1)
}

func TestSubscribeNodeDeep(t *testing.T) {
	r, root := newStorageRoom(t)

	obj := NewLiveObject(nil)
	assert.Equal(t, root.Set("obj", obj), nil)
	inner := NewLiveMap(nil)
	assert.Equal(t, obj.Set("inner", inner), nil)

	received := [][]*StorageUpdate{}
	_, err := r.SubscribeNode(obj, true, func(updates []*StorageUpdate) {
		received = append(received, updates)
	})
	assert.Equal(t, err, nil)

	assert.Equal(t, inner.Set("k", 1), nil)
	assert.Equal(t, len(received), 1)
	assert.Equal(t, received[0][0].NodeId, inner.Id())
}

func TestSubscribeDetachedNodeFails(t *testing.T) {
	r, _ := newStorageRoom(t)

	detached := NewLiveObject(nil)
	_, err := r.SubscribeNode(detached, false, func(updates []*StorageUpdate) {})
	assert.NotEqual(t, err, nil)
}
