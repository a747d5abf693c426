package room

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestRejectedOpsSurfaceError(t *testing.T) {
	r, root := newStorageRoom(t)

	errs := []error{}
	r.SubscribeError(func(err error) {
		errs = append(errs, err)
	})

	assert.Equal(t, root.Set("a", 1), nil)
	pending := r.ledger.snapshot()
	assert.Equal(t, len(pending), 1)
	opId := pending[0].OpId

	r.withLock(func() error {
		r.handleRejectStorageOp(&serverMsg{
			Type:   ServerMsgRejectStorageOp,
			OpIds:  []string{opId},
			Reason: "schema mismatch",
		})
		return nil
	})

	// the op leaves the ledger but the replica keeps the local result
	assert.Equal(t, r.ledger.has(opId), false)
	assert.Equal(t, root.Get("a"), 1)

	assert.Equal(t, len(errs), 1)
	rejectedErr, ok := errs[0].(*StorageOpRejectedError)
	assert.Equal(t, ok, true)
	assert.Equal(t, rejectedErr.OpIds, []string{opId})
	assert.Equal(t, rejectedErr.Reason, "schema mismatch")
}

func TestRejectedOpsFatalHook(t *testing.T) {
	r, root := newStorageRoom(t)
	r.settings.FatalRejectedOps = true

	assert.Equal(t, root.Set("a", 1), nil)
	opId := r.ledger.snapshot()[0].OpId

	recovered := func() (recovered any) {
		defer func() {
			recovered = recover()
		}()
		r.withLock(func() error {
			r.handleRejectStorageOp(&serverMsg{
				Type:   ServerMsgRejectStorageOp,
				OpIds:  []string{opId},
				Reason: "schema mismatch",
			})
			return nil
		})
		return nil
	}()

	rejectedErr, ok := recovered.(*StorageOpRejectedError)
	assert.Equal(t, ok, true)
	assert.Equal(t, rejectedErr.Reason, "schema mismatch")
	assert.Equal(t, r.ledger.has(opId), false)
}
