package room

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestOthersVisibilityNeedsBoth(t *testing.T) {
	others := newOthersState()

	// connection metadata alone stays invisible
	event := others.setConnection(2, "u2", nil, false)
	assert.Equal(t, event, nil)
	assert.Equal(t, len(others.visibleUsers()), 0)

	// presence completes visibility and emits enter
	event = others.patchOther(2, Presence{"x": 1})
	assert.NotEqual(t, event, nil)
	assert.Equal(t, event.Type, OtherEnter)
	assert.Equal(t, event.User.ConnectionId, 2)
	assert.Equal(t, len(event.Others), 1)

	// later changes emit update
	event = others.setOther(2, Presence{"x": 2})
	assert.Equal(t, event.Type, OtherUpdate)
	assert.Equal(t, event.User.Presence["x"], 2)
}

func TestOthersPresenceBeforeConnection(t *testing.T) {
	others := newOthersState()

	// presence arriving first stays invisible until metadata lands
	event := others.setOther(3, Presence{"x": 1})
	assert.Equal(t, event, nil)
	assert.Equal(t, len(others.visibleUsers()), 0)

	event = others.setConnection(3, "u3", map[string]any{"name": "c"}, true)
	assert.NotEqual(t, event, nil)
	assert.Equal(t, event.Type, OtherEnter)
	assert.Equal(t, event.User.IsReadOnly, true)
	assert.Equal(t, event.User.Info["name"], "c")
}

func TestOthersLeaveOnlyWhenVisible(t *testing.T) {
	others := newOthersState()

	others.setConnection(2, "u2", nil, false)
	// an invisible peer leaves silently
	event := others.removeConnection(2)
	assert.Equal(t, event, nil)

	others.setConnection(3, "u3", nil, false)
	others.setOther(3, Presence{})
	event = others.removeConnection(3)
	assert.NotEqual(t, event, nil)
	assert.Equal(t, event.Type, OtherLeave)
	assert.Equal(t, len(event.Others), 0)

	event = others.removeConnection(99)
	assert.Equal(t, event, nil)
}

func TestOthersOrderedByActor(t *testing.T) {
	others := newOthersState()

	for _, actor := range []int{9, 2, 5} {
		others.setConnection(actor, "u", nil, false)
		others.setOther(actor, Presence{})
	}
	users := others.visibleUsers()
	assert.Equal(t, len(users), 3)
	assert.Equal(t, users[0].ConnectionId, 2)
	assert.Equal(t, users[1].ConnectionId, 5)
	assert.Equal(t, users[2].ConnectionId, 9)
}

func TestOthersReconcile(t *testing.T) {
	others := newOthersState()

	others.setConnection(2, "u2", nil, false)
	others.setOther(2, Presence{"x": 1})
	others.setConnection(3, "u3", nil, false)
	others.setOther(3, Presence{"x": 2})

	// actor 3 is gone from the authoritative listing, actor 4 is new
	event := others.reconcile(map[int]*roomStateUser{
		2: {Id: "u2"},
		4: {Id: "u4", Scopes: []string{scopeRoomRead, scopeRoomPresenceWrite}},
	})
	assert.Equal(t, event.Type, OthersReset)

	// actor 4 has no presence yet, so only actor 2 is visible
	users := others.visibleUsers()
	assert.Equal(t, len(users), 1)
	assert.Equal(t, users[0].ConnectionId, 2)
	assert.Equal(t, users[0].Presence["x"], 1)

	event = others.patchOther(4, Presence{})
	assert.Equal(t, event.Type, OtherEnter)
	assert.Equal(t, event.User.IsReadOnly, true)
}

func TestOthersClear(t *testing.T) {
	others := newOthersState()

	others.setConnection(2, "u2", nil, false)
	others.setOther(2, Presence{})

	event := others.clear()
	assert.Equal(t, event.Type, OthersReset)
	assert.Equal(t, len(event.Others), 0)
	assert.Equal(t, len(others.visibleUsers()), 0)
}

func TestOthersEventCarriesSnapshots(t *testing.T) {
	others := newOthersState()

	others.setConnection(2, "u2", nil, false)
	event := others.setOther(2, Presence{"x": 1})

	// mutating the event copy must not leak into the state
	event.User.Presence["x"] = 99
	fresh := others.visibleUsers()[0]
	assert.Equal(t, fresh.Presence["x"], 1)
}

func TestMyPresencePatch(t *testing.T) {
	me := newMyPresence(Presence{"name": "a"})

	me.patch(Presence{"cursor": 1})
	me.patch(Presence{"cursor": 2})
	assert.Equal(t, me.snapshot(), Presence{"name": "a", "cursor": 2})

	// snapshots are copies
	snapshot := me.snapshot()
	snapshot["name"] = "b"
	assert.Equal(t, me.snapshot()["name"], "a")

	empty := newMyPresence(nil)
	assert.Equal(t, empty.snapshot(), nil)
	empty.patch(Presence{"k": "v"})
	assert.Equal(t, empty.snapshot(), Presence{"k": "v"})
}
