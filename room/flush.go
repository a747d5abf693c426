package room

import (
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/time/rate"
)

// Outbound pipeline state. At most one frame leaves the room per throttle
// interval; everything produced in between coalesces in the buffer.

// presenceBuffer is the pending self-presence send. A full send carries the
// entire current presence, addressed to every peer (target -1) or to one
// joining actor; a patch carries only the keys touched since the last flush.
type presenceBuffer struct {
	full   bool
	target int
	data   Presence
}

// outBuffer coalesces everything queued between flushes. The flush composes
// frames in the order presence, broadcasts, storage ops.
type outBuffer struct {
	me         *presenceBuffer
	broadcasts []any
	storageOps []*Op
}

func newOutBuffer() *outBuffer {
	return &outBuffer{}
}

func (self *outBuffer) queuePresence(patch Presence) {
	if self.me == nil {
		self.me = &presenceBuffer{
			data: Presence{},
		}
	}
	if self.me.full {
		return
	}
	for key, value := range patch {
		self.me.data[key] = value
	}
}

// queueFullPresence marks the next presence send as a keyframe addressed to
// everyone. The data is resolved against the live presence at send time.
func (self *outBuffer) queueFullPresence() {
	self.me = &presenceBuffer{
		full:   true,
		target: targetActorBroadcast,
	}
}

// queueFullPresenceTo addresses a full send at one actor. A broadcast
// keyframe already queued subsumes it.
func (self *outBuffer) queueFullPresenceTo(actor int) {
	if self.me != nil && self.me.full && self.me.target == targetActorBroadcast {
		return
	}
	self.me = &presenceBuffer{
		full:   true,
		target: actor,
	}
}

func (self *outBuffer) queueBroadcast(event any) {
	self.broadcasts = append(self.broadcasts, event)
}

func (self *outBuffer) queueOps(ops []*Op) {
	self.storageOps = append(self.storageOps, ops...)
}

// takeStorageOps drains the queued storage ops.
func (self *outBuffer) takeStorageOps() []*Op {
	ops := self.storageOps
	self.storageOps = nil
	return ops
}

func (self *outBuffer) empty() bool {
	return self.me == nil && len(self.broadcasts) == 0 && len(self.storageOps) == 0
}

func (self *outBuffer) reset() {
	self.me = nil
	self.broadcasts = nil
	self.storageOps = nil
}

// opLedger tracks sent-but-unacknowledged storage ops keyed by opId,
// preserving send order for the reconnect resend.
type opLedger struct {
	order []string
	ops   map[string]*Op
}

func newOpLedger() *opLedger {
	return &opLedger{
		ops: map[string]*Op{},
	}
}

func (self *opLedger) add(op *Op) {
	if op.OpId == "" {
		return
	}
	if _, ok := self.ops[op.OpId]; !ok {
		self.order = append(self.order, op.OpId)
	}
	self.ops[op.OpId] = op
}

// remove acknowledges one op. Reports whether the opId was present.
func (self *opLedger) remove(opId string) bool {
	if _, ok := self.ops[opId]; !ok {
		return false
	}
	delete(self.ops, opId)
	for i, id := range self.order {
		if id == opId {
			self.order = append(self.order[:i], self.order[i+1:]...)
			break
		}
	}
	return true
}

func (self *opLedger) has(opId string) bool {
	_, ok := self.ops[opId]
	return ok
}

func (self *opLedger) empty() bool {
	return len(self.ops) == 0
}

func (self *opLedger) snapshot() []*Op {
	ops := make([]*Op, 0, len(self.order))
	for _, opId := range self.order {
		ops = append(ops, self.ops[opId])
	}
	return ops
}

func (self *opLedger) clear() {
	self.order = nil
	maps.Clear(self.ops)
}

// flushThrottle enforces the one-frame-per-interval invariant. All methods
// run under the room lock; the deferred callback re-acquires it.
type flushThrottle struct {
	limiter *rate.Limiter
	timer   *time.Timer
	pending bool
}

func newFlushThrottle(delay time.Duration) *flushThrottle {
	return &flushThrottle{
		limiter: rate.NewLimiter(rate.Every(delay), 1),
	}
}

// admit reports whether a frame may go out now. When the interval has not
// elapsed it schedules deferred for the remaining delay instead, coalescing
// with any timer already set.
func (self *flushThrottle) admit(deferred func()) bool {
	if self.pending {
		return false
	}
	delay := self.limiter.Reserve().Delay()
	if delay <= 0 {
		return true
	}
	self.pending = true
	self.timer = time.AfterFunc(delay, deferred)
	return false
}

// fired clears the pending marker from inside the deferred callback. The
// token consumed by admit covers the send that follows.
func (self *flushThrottle) fired() bool {
	if !self.pending {
		return false
	}
	self.pending = false
	self.timer = nil
	return true
}

func (self *flushThrottle) stop() {
	if self.timer != nil {
		self.timer.Stop()
		self.timer = nil
	}
	self.pending = false
}
