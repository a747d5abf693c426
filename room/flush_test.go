package room

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestOutBufferPresenceCoalescing(t *testing.T) {
	buffer := newOutBuffer()
	assert.Equal(t, buffer.empty(), true)

	buffer.queuePresence(Presence{"a": 1})
	buffer.queuePresence(Presence{"b": 2})
	buffer.queuePresence(Presence{"a": 3})
	assert.Equal(t, buffer.me.full, false)
	assert.Equal(t, buffer.me.data, Presence{"a": 3, "b": 2})

	// a keyframe subsumes pending patches
	buffer.queueFullPresence()
	assert.Equal(t, buffer.me.full, true)
	assert.Equal(t, buffer.me.target, targetActorBroadcast)

	// patches after a keyframe stay subsumed; the send resolves live data
	buffer.queuePresence(Presence{"c": 4})
	assert.Equal(t, buffer.me.full, true)

	buffer.reset()
	assert.Equal(t, buffer.empty(), true)
}

func TestOutBufferDirectedKeyframe(t *testing.T) {
	buffer := newOutBuffer()

	buffer.queueFullPresenceTo(7)
	assert.Equal(t, buffer.me.target, 7)

	// a broadcast keyframe wins over a directed one
	buffer.queueFullPresence()
	buffer.queueFullPresenceTo(9)
	assert.Equal(t, buffer.me.target, targetActorBroadcast)
}

func TestOpLedger(t *testing.T) {
	ledger := newOpLedger()
	assert.Equal(t, ledger.empty(), true)

	ledger.add(&Op{Code: OpCodeUpdateObject, OpId: "1:0", Id: "root"})
	ledger.add(&Op{Code: OpCodeUpdateObject, OpId: "1:1", Id: "root"})
	ledger.add(&Op{Code: OpCodeUpdateObject, OpId: "1:2", Id: "root"})
	// ops without an opId never enter the ledger
	ledger.add(&Op{Code: OpCodeUpdateObject, Id: "root"})
	assert.Equal(t, len(ledger.snapshot()), 3)

	assert.Equal(t, ledger.remove("1:1"), true)
	assert.Equal(t, ledger.remove("1:1"), false)
	assert.Equal(t, ledger.has("1:0"), true)
	assert.Equal(t, ledger.has("1:1"), false)

	// snapshot preserves send order
	snapshot := ledger.snapshot()
	assert.Equal(t, len(snapshot), 2)
	assert.Equal(t, snapshot[0].OpId, "1:0")
	assert.Equal(t, snapshot[1].OpId, "1:2")

	ledger.clear()
	assert.Equal(t, ledger.empty(), true)
	assert.Equal(t, len(ledger.snapshot()), 0)
}

func TestFlushThrottle(t *testing.T) {
	throttle := newFlushThrottle(20 * time.Millisecond)

	// the throttle runs under the room lock; the mutex stands in for it
	mutex := sync.Mutex{}
	fired := atomic.Int32{}
	deferred := func() {
		mutex.Lock()
		defer mutex.Unlock()
		if throttle.fired() {
			fired.Add(1)
		}
	}

	mutex.Lock()
	// the first frame goes out immediately
	assert.Equal(t, throttle.admit(deferred), true)
	// inside the interval the send defers instead
	assert.Equal(t, throttle.admit(deferred), false)
	// further attempts coalesce with the pending timer
	assert.Equal(t, throttle.admit(deferred), false)
	mutex.Unlock()

	end := time.Now().Add(5 * time.Second)
	for fired.Load() == 0 && time.Now().Before(end) {
		time.Sleep(2 * time.Millisecond)
	}
	assert.Equal(t, fired.Load(), int32(1))
}

func TestFlushThrottleStop(t *testing.T) {
	throttle := newFlushThrottle(10 * time.Millisecond)

	mutex := sync.Mutex{}
	fired := atomic.Int32{}
	deferred := func() {
		mutex.Lock()
		defer mutex.Unlock()
		if throttle.fired() {
			fired.Add(1)
		}
	}

	mutex.Lock()
	assert.Equal(t, throttle.admit(deferred), true)
	assert.Equal(t, throttle.admit(deferred), false)
	throttle.stop()
	mutex.Unlock()

	time.Sleep(30 * time.Millisecond)
	// a stopped throttle never fires; a late timer finds pending cleared
	assert.Equal(t, fired.Load(), int32(0))
}

func TestRetryDelaySchedules(t *testing.T) {
	assert.Equal(t, retryDelay(0, false), 250*time.Millisecond)
	assert.Equal(t, retryDelay(3, false), 2000*time.Millisecond)
	// the schedule saturates at its last entry
	assert.Equal(t, retryDelay(100, false), 10000*time.Millisecond)

	assert.Equal(t, retryDelay(0, true), 2*time.Second)
	assert.Equal(t, retryDelay(100, true), 300*time.Second)
}
