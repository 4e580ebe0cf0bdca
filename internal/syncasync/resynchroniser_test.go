package syncasync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResynchroniser_FulfilBeforeWait(t *testing.T) {
	r := New(time.Second)
	reg := r.Register("msg-1")

	assert.True(t, r.Fulfil("msg-1", "<response/>"))

	body, err := reg.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "<response/>", body)
}

func TestResynchroniser_FulfilWhileWaiting(t *testing.T) {
	r := New(5 * time.Second)
	reg := r.Register("msg-1")

	go func() {
		time.Sleep(10 * time.Millisecond)
		r.Fulfil("msg-1", "<response/>")
	}()

	body, err := reg.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "<response/>", body)
}

func TestResynchroniser_Timeout(t *testing.T) {
	r := New(10 * time.Millisecond)
	reg := r.Register("msg-1")

	_, err := reg.Wait(context.Background())
	assert.ErrorIs(t, err, ErrTimeout)

	// The waiter is gone, so a late response is a no-op.
	assert.False(t, r.Fulfil("msg-1", "<late/>"))
}

func TestResynchroniser_FulfilUnknownKey(t *testing.T) {
	r := New(time.Second)
	assert.False(t, r.Fulfil("never-registered", "<response/>"))
}

func TestResynchroniser_ContextCancelled(t *testing.T) {
	r := New(time.Minute)
	reg := r.Register("msg-1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := reg.Wait(ctx)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrTimeout)
}

func TestRegistration_CancelIdempotent(t *testing.T) {
	r := New(time.Second)
	reg := r.Register("msg-1")

	reg.Cancel()
	reg.Cancel()

	// A fresh registration for the same key still works after cancel.
	reg2 := r.Register("msg-1")
	assert.True(t, r.Fulfil("msg-1", "<response/>"))

	body, err := reg2.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "<response/>", body)
}
