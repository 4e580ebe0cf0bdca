package workflow

import (
	"context"
	"errors"
	"net/http"

	"github.com/nhsconnect/go-mhs/internal/store"
	"github.com/nhsconnect/go-mhs/internal/syncasync"
	"github.com/nhsconnect/go-mhs/pkg/ebxml"
)

// SyncAsync wraps an asynchronous pattern to present a synchronous face:
// the caller's request blocks while the underlying pattern delivers the
// message, and the later inbound response is routed back to the waiting
// request instead of the downstream queue.
type SyncAsync struct {
	*core
	resync *syncasync.Resynchroniser
}

func newSyncAsync(c *core, resync *syncasync.Resynchroniser) *SyncAsync {
	return &SyncAsync{core: c, resync: resync}
}

func (w *SyncAsync) Name() store.WorkflowName {
	return store.WorkflowSyncAsync
}

// HandleOutbound on the bare sync-async workflow is not meaningful: the
// wrapper needs an underlying asynchronous pattern to delegate to, which
// only the caller knows. Use Run.
func (w *SyncAsync) HandleOutbound(ctx context.Context, req *Request, wd *store.WorkDescription) Result {
	w.logger.Error("sync-async workflow invoked without an underlying pattern",
		"message_id", req.MessageID)
	return Result{http.StatusInternalServerError, errNoAsyncResponse}
}

// Run delivers req through the underlying asynchronous workflow and blocks
// until the correlated inbound response arrives or the resynchronisation
// window expires. Registration happens before delegation so an early
// response cannot slip past the waiter.
func (w *SyncAsync) Run(ctx context.Context, req *Request, underlying Workflow) Result {
	wd, err := store.Create(req.MessageID, w.Name(), store.OutboundReceived, "")
	if err != nil {
		w.logger.Error("failed to create work description", "message_id", req.MessageID, "error", err)
		return Result{http.StatusInternalServerError, errSavingState}
	}
	if _, err := w.store.Publish(ctx, wd); err != nil {
		w.logger.Error("failed to persist work description", "message_id", req.MessageID, "error", err)
		return Result{http.StatusInternalServerError, errSavingState}
	}

	reg := w.resync.Register(req.MessageID)
	defer reg.Cancel()

	result := underlying.HandleOutbound(ctx, req, wd)
	if result.Status != http.StatusAccepted {
		return result
	}

	body, err := reg.Wait(ctx)
	if err != nil {
		if errors.Is(err, syncasync.ErrTimeout) {
			w.logger.Warn("no async response within resynchronisation window",
				"message_id", req.MessageID)
		} else {
			w.logger.Warn("resynchronisation wait abandoned",
				"message_id", req.MessageID, "error", err)
		}
		w.setFailureResponse(ctx, wd)
		return Result{http.StatusInternalServerError, errNoAsyncResponse}
	}

	if err := w.setOutboundRetrying(ctx, wd, store.SyncAsyncLoaded); err != nil {
		w.logger.Error("failed to record loaded async response",
			"message_id", req.MessageID, "error", err)
	}
	w.setSuccessfulResponse(ctx, wd)
	return Result{http.StatusOK, body}
}

// HandleInbound fulfils the waiting outbound request instead of queueing
// the response. A response arriving after the waiter gave up is dropped;
// the work description already records the failure.
func (w *SyncAsync) HandleInbound(ctx context.Context, wd *store.WorkDescription, msg *ebxml.Message) error {
	if err := w.store.UpdateWithRetries(ctx, wd, func(d *store.WorkDescription) {
		d.InboundStatus = store.InboundReceived
	}, w.cfg.StoreMaxRetries); err != nil {
		return err
	}

	if !w.resync.Fulfil(wd.MessageKey, msg.Payload) {
		w.logger.Warn("async response arrived after resynchronisation window",
			"message_key", wd.MessageKey)
		return nil
	}

	return w.store.UpdateWithRetries(ctx, wd, func(d *store.WorkDescription) {
		d.InboundStatus = store.InboundProcessed
	}, w.cfg.StoreMaxRetries)
}

// setSuccessfulResponse and setFailureResponse record whether the waiting
// caller actually received the async response. Best effort: the response
// has already been decided.
func (w *SyncAsync) setSuccessfulResponse(ctx context.Context, wd *store.WorkDescription) {
	w.setOutbound(ctx, wd, store.SyncAsyncResponded)
}

func (w *SyncAsync) setFailureResponse(ctx context.Context, wd *store.WorkDescription) {
	w.setOutbound(ctx, wd, store.SyncAsyncFailedToRespond)
}
