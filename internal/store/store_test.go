package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhsconnect/go-mhs/internal/store"
	"github.com/nhsconnect/go-mhs/internal/store/memory"
)

func newStore() *store.Store {
	return store.New(memory.New())
}

func TestCreate(t *testing.T) {
	wd, err := store.Create("msg-1", store.WorkflowAsyncReliable, store.OutboundReceived, "")
	require.NoError(t, err)
	assert.Equal(t, "msg-1", wd.MessageKey)
	assert.Equal(t, 1, wd.Version)
	assert.NotEmpty(t, wd.CreatedAt)
	assert.Equal(t, wd.CreatedAt, wd.LastModifiedAt)
}

func TestCreate_Invalid(t *testing.T) {
	_, err := store.Create("", store.WorkflowSync, store.OutboundReceived, "")
	assert.ErrorIs(t, err, store.ErrInvalidArgument)

	_, err = store.Create("msg-1", "bogus", store.OutboundReceived, "")
	assert.ErrorIs(t, err, store.ErrInvalidArgument)

	_, err = store.Create("msg-1", store.WorkflowSync, "", "")
	assert.ErrorIs(t, err, store.ErrInvalidArgument)
}

func TestStore_PublishAndLoad(t *testing.T) {
	s := newStore()
	ctx := context.Background()

	wd, err := store.Create("msg-1", store.WorkflowAsyncExpress, store.OutboundReceived, "")
	require.NoError(t, err)

	previous, err := s.Publish(ctx, wd)
	require.NoError(t, err)
	assert.Nil(t, previous)

	loaded, err := s.Load(ctx, "msg-1")
	require.NoError(t, err)
	assert.Equal(t, 1, loaded.Version)
	assert.Equal(t, store.OutboundReceived, loaded.OutboundStatus)
}

func TestStore_LoadMissing(t *testing.T) {
	s := newStore()

	_, err := s.Load(context.Background(), "absent")
	assert.ErrorIs(t, err, store.ErrEmptyWorkDescription)
}

func TestStore_PublishIncrementsVersion(t *testing.T) {
	s := newStore()
	ctx := context.Background()

	wd, err := store.Create("msg-1", store.WorkflowAsyncExpress, store.OutboundReceived, "")
	require.NoError(t, err)
	_, err = s.Publish(ctx, wd)
	require.NoError(t, err)

	wd.OutboundStatus = store.OutboundPrepared
	previous, err := s.Publish(ctx, wd)
	require.NoError(t, err)
	require.NotNil(t, previous)
	assert.Equal(t, store.OutboundReceived, previous.OutboundStatus)
	assert.Equal(t, 2, wd.Version)

	loaded, err := s.Load(ctx, "msg-1")
	require.NoError(t, err)
	assert.Equal(t, 2, loaded.Version)
	assert.Equal(t, store.OutboundPrepared, loaded.OutboundStatus)
}

func TestStore_PublishRejectsStaleVersion(t *testing.T) {
	s := newStore()
	ctx := context.Background()

	wd, err := store.Create("msg-1", store.WorkflowAsyncExpress, store.OutboundReceived, "")
	require.NoError(t, err)
	_, err = s.Publish(ctx, wd)
	require.NoError(t, err)

	// A second writer working from the same version 1 record.
	stale := *wd

	wd.OutboundStatus = store.OutboundPrepared
	_, err = s.Publish(ctx, wd)
	require.NoError(t, err)

	stale.OutboundStatus = store.OutboundAckd
	_, err = s.Publish(ctx, &stale)
	require.Error(t, err)

	var conflict *store.OutOfDateVersionError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "msg-1", conflict.MessageKey)
	assert.Equal(t, 2, conflict.StoredVersion)
	assert.Equal(t, 1, conflict.LocalVersion)

	// The losing write must not have landed.
	loaded, err := s.Load(ctx, "msg-1")
	require.NoError(t, err)
	assert.Equal(t, store.OutboundPrepared, loaded.OutboundStatus)
}

func TestStore_UpdateWithRetries(t *testing.T) {
	s := newStore()
	ctx := context.Background()

	wd, err := store.Create("msg-1", store.WorkflowAsyncReliable, store.OutboundReceived, "")
	require.NoError(t, err)
	_, err = s.Publish(ctx, wd)
	require.NoError(t, err)

	// Another writer bumps the stored record so wd's version is stale.
	other, err := s.Load(ctx, "msg-1")
	require.NoError(t, err)
	require.NoError(t, s.SetOutboundStatus(ctx, other, store.OutboundPrepared))

	err = s.UpdateWithRetries(ctx, wd, func(w *store.WorkDescription) {
		w.OutboundStatus = store.OutboundAckd
	}, 3)
	require.NoError(t, err)

	loaded, err := s.Load(ctx, "msg-1")
	require.NoError(t, err)
	assert.Equal(t, store.OutboundAckd, loaded.OutboundStatus)
	assert.Equal(t, loaded.Version, wd.Version)
}

func TestStore_UpdateWithRetriesExhausted(t *testing.T) {
	s := newStore()
	ctx := context.Background()

	wd, err := store.Create("msg-1", store.WorkflowAsyncReliable, store.OutboundReceived, "")
	require.NoError(t, err)
	_, err = s.Publish(ctx, wd)
	require.NoError(t, err)

	stale := *wd
	require.NoError(t, s.SetOutboundStatus(ctx, wd, store.OutboundPrepared))

	// Zero retries: the first conflict is final.
	err = s.UpdateWithRetries(ctx, &stale, func(w *store.WorkDescription) {
		w.OutboundStatus = store.OutboundAckd
	}, 0)
	var conflict *store.OutOfDateVersionError
	assert.ErrorAs(t, err, &conflict)
}
