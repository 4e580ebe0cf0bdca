// Package inbound receives asynchronous messages from Spine: business
// responses to earlier outbound requests, ebXML acknowledgement and fault
// signals, and unsolicited forward-reliable deliveries.
package inbound

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/nhsconnect/go-mhs/internal/store"
	"github.com/nhsconnect/go-mhs/internal/workflow"
	"github.com/nhsconnect/go-mhs/pkg/ebxml"
)

const errUnknownReference = "Unknown message reference"

// Response is the transport-agnostic reply to an inbound delivery.
type Response struct {
	Status      int
	ContentType string
	Body        []byte
}

// Handler correlates inbound ebXML messages to their work descriptions and
// resumes the owning workflow.
type Handler struct {
	store  *store.Store
	engine *workflow.Engine
	cfg    Config
	logger *slog.Logger
}

// Config identifies this MHS when acknowledging inbound messages.
type Config struct {
	FromPartyID string
	CPAID       string
}

func New(wds *store.Store, engine *workflow.Engine, cfg Config, logger *slog.Logger) *Handler {
	return &Handler{store: wds, engine: engine, cfg: cfg, logger: logger}
}

// Handle parses one inbound delivery and routes it by its
// RefToMessageId correlation. A message that references no known work
// description is rejected, except for forward-reliable unsolicited
// deliveries, which carry no reference at all.
func (h *Handler) Handle(ctx context.Context, headers map[string]string, body []byte) Response {
	msg, err := ebxml.Parse(headers, body)
	if err != nil {
		h.logger.Warn("failed to parse inbound message", "error", err)
		return Response{Status: http.StatusInternalServerError, ContentType: "text/plain", Body: []byte(err.Error())}
	}

	logger := h.logger.With("message_id", msg.MessageID, "ref_to", msg.RefToMessageID)

	if msg.RefToMessageID == "" {
		return h.handleUnsolicited(ctx, msg, logger)
	}

	wd, err := h.store.Load(ctx, msg.RefToMessageID)
	if err != nil {
		if errors.Is(err, store.ErrEmptyWorkDescription) {
			logger.Warn("inbound message references unknown outbound message")
		} else {
			logger.Error("failed to load work description", "error", err)
		}
		return Response{Status: http.StatusInternalServerError, ContentType: "text/plain", Body: []byte(errUnknownReference)}
	}

	if msg.Acknowledgment {
		return h.handleAcknowledgment(ctx, wd, logger)
	}
	if msg.IsFault() {
		return h.handleFault(ctx, wd, msg, logger)
	}

	wf, ok := h.engine.ByName(wd.Workflow)
	if !ok {
		logger.Error("work description names unknown workflow", "workflow", wd.Workflow)
		return Response{Status: http.StatusInternalServerError, ContentType: "text/plain", Body: []byte(errUnknownReference)}
	}

	if err := wf.HandleInbound(ctx, wd, msg); err != nil {
		logger.Error("inbound processing failed", "workflow", wd.Workflow, "error", err)
		return Response{Status: http.StatusInternalServerError, ContentType: "text/plain", Body: []byte(err.Error())}
	}

	return h.acknowledge(msg, logger)
}

// handleAcknowledgment records an asynchronous ebXML acknowledgement of an
// earlier outbound message.
func (h *Handler) handleAcknowledgment(ctx context.Context, wd *store.WorkDescription, logger *slog.Logger) Response {
	if err := h.store.SetOutboundStatus(ctx, wd, store.OutboundAckd); err != nil {
		logger.Error("failed to record acknowledgement", "error", err)
		return Response{Status: http.StatusInternalServerError, ContentType: "text/plain", Body: []byte(err.Error())}
	}
	return Response{Status: http.StatusOK}
}

// handleFault records an asynchronous ebXML fault against the outbound
// message it references.
func (h *Handler) handleFault(ctx context.Context, wd *store.WorkDescription, msg *ebxml.Message, logger *slog.Logger) Response {
	logger.Warn("ebXML fault received", "fault", msg.FaultDescription())
	if err := h.store.SetOutboundStatus(ctx, wd, store.OutboundNackd); err != nil {
		logger.Error("failed to record fault", "error", err)
		return Response{Status: http.StatusInternalServerError, ContentType: "text/plain", Body: []byte(err.Error())}
	}
	return Response{Status: http.StatusOK}
}

// handleUnsolicited routes a message with no RefToMessageId to the
// forward-reliable workflow, the only pattern that accepts out-of-band
// deliveries.
func (h *Handler) handleUnsolicited(ctx context.Context, msg *ebxml.Message, logger *slog.Logger) Response {
	wf, ok := h.engine.ByName(store.WorkflowForwardReliable)
	if !ok {
		return Response{Status: http.StatusInternalServerError, ContentType: "text/plain", Body: []byte(errUnknownReference)}
	}
	fr, ok := wf.(interface {
		HandleUnsolicitedInbound(ctx context.Context, msg *ebxml.Message) error
	})
	if !ok {
		return Response{Status: http.StatusInternalServerError, ContentType: "text/plain", Body: []byte(errUnknownReference)}
	}

	logger.Info("unsolicited inbound message received")
	if err := fr.HandleUnsolicitedInbound(ctx, msg); err != nil {
		var conflict *store.OutOfDateVersionError
		if errors.As(err, &conflict) {
			// A duplicate delivery of a message already being processed.
			logger.Warn("duplicate unsolicited delivery")
			return h.acknowledge(msg, logger)
		}
		logger.Error("unsolicited inbound processing failed", "error", err)
		return Response{Status: http.StatusInternalServerError, ContentType: "text/plain", Body: []byte(err.Error())}
	}

	return h.acknowledge(msg, logger)
}

// acknowledge serializes the ebXML acknowledgement signal confirming
// receipt of msg.
func (h *Handler) acknowledge(msg *ebxml.Message, logger *slog.Logger) Response {
	ack := &ebxml.Acknowledgment{
		FromPartyID:    h.cfg.FromPartyID,
		ToPartyID:      msg.FromPartyID,
		CPAID:          msg.CPAID,
		ConversationID: msg.ConversationID,
		RefToMessageID: msg.MessageID,
	}
	_, headers, body, err := ack.Serialize()
	if err != nil {
		logger.Error("failed to serialise acknowledgement", "error", err)
		return Response{Status: http.StatusOK}
	}
	return Response{Status: http.StatusOK, ContentType: headers["Content-Type"], Body: body}
}
