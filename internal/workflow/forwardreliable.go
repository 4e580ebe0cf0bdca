package workflow

import (
	"context"
	"fmt"

	"github.com/nhsconnect/go-mhs/internal/queue"
	"github.com/nhsconnect/go-mhs/internal/store"
	"github.com/nhsconnect/go-mhs/pkg/ebxml"
)

// forwardReliable is the end-party reliable pattern: delivery runs through
// the Spine forward-reliable intermediary, which stores and forwards the
// message to the destination MHS. Envelope flags match async-reliable; only
// the transmission URL differs. This is also the one pattern that accepts
// unsolicited inbound messages from other parties.
type forwardReliable struct {
	*core
}

func newForwardReliable(c *core) *forwardReliable {
	return &forwardReliable{core: c}
}

func (w *forwardReliable) Name() store.WorkflowName {
	return store.WorkflowForwardReliable
}

func (w *forwardReliable) HandleOutbound(ctx context.Context, req *Request, wd *store.WorkDescription) Result {
	return w.deliver(ctx, req, wd, patternParams{
		name:                 w.Name(),
		duplicateElimination: true,
		ackRequested:         true,
		ackSOAPActor:         AckActorToPartyMSH,
		syncReply:            true,
		useReliability:       true,
		overrideURL:          w.cfg.ForwardReliableURL,
	})
}

func (w *forwardReliable) HandleInbound(ctx context.Context, wd *store.WorkDescription, msg *ebxml.Message) error {
	return w.completeInbound(ctx, wd, msg)
}

// HandleUnsolicitedInbound processes a forward-reliable message that
// correlates to no outbound request. A fresh work description is created
// keyed on the inbound message id so the delivery is still tracked and
// deduplicated downstream.
func (w *forwardReliable) HandleUnsolicitedInbound(ctx context.Context, msg *ebxml.Message) error {
	wd, err := store.Create(msg.MessageID, w.Name(), "", store.UnsolicitedInboundReceived)
	if err != nil {
		return fmt.Errorf("creating work description for unsolicited message: %w", err)
	}
	if _, err := w.store.Publish(ctx, wd); err != nil {
		return fmt.Errorf("recording unsolicited message receipt: %w", err)
	}

	err = queue.PublishWithRetries(ctx, w.publisher, inboundQueueMessage(msg),
		w.cfg.QueueMaxRetries, w.cfg.QueueRetryDelay)
	if err != nil {
		w.logger.Error("failed to hand unsolicited message to queue",
			"message_id", msg.MessageID, "error", err)
		if setErr := w.store.SetInboundStatus(ctx, wd, store.InboundFailed); setErr != nil {
			w.logger.Error("failed to record unsolicited message failure",
				"message_id", msg.MessageID, "error", setErr)
		}
		return err
	}

	return w.store.UpdateWithRetries(ctx, wd, func(d *store.WorkDescription) {
		d.InboundStatus = store.UnsolicitedInboundProcessed
	}, w.cfg.StoreMaxRetries)
}
