package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nhsconnect/go-mhs/internal/queue"
	"github.com/nhsconnect/go-mhs/internal/store"
	"github.com/nhsconnect/go-mhs/pkg/ebxml"
	"github.com/nhsconnect/go-mhs/pkg/routing"
	"github.com/nhsconnect/go-mhs/pkg/soap"
	"github.com/nhsconnect/go-mhs/pkg/transport"
)

// Error bodies returned to the original caller. These are part of the
// supplier-facing contract and must not drift.
const (
	errObtainingURL      = "Error obtaining outbound URL"
	errMakingRequest     = "Error making outbound request"
	errUnexpectedSpine   = "Didn't get expected response from Spine"
	errSerialising       = "Error serialising outbound message"
	errRequestTooLarge   = "Request message too large"
	errSavingState       = "Error saving message state"
	errReliabilityLookup = "Error obtaining outbound reliability details"
	errNoAsyncResponse   = "No async response received from sync-async store"
)

// core holds the collaborators and parameters shared by every pattern.
type core struct {
	store     *store.Store
	resolver  routing.RouteResolver
	sender    transport.Sender
	publisher queue.Publisher
	cfg       Config
	logger    *slog.Logger

	// sleep is replaceable in tests
	sleep func(ctx context.Context, d time.Duration) error

	retriable map[int]bool
}

// patternParams is the per-pattern parameterisation of the shared delivery
// algorithm.
type patternParams struct {
	name store.WorkflowName

	duplicateElimination bool
	ackRequested         bool
	ackSOAPActor         string
	syncReply            bool

	// useReliability enables the application-level retransmission loop
	// driven by the directory's reliability contract.
	useReliability bool

	// overrideURL, when set, replaces the resolved endpoint URL.
	overrideURL string
}

// outcome is the explicit result of classifying an error response: either
// retry the transmission or terminate with a status and body.
type outcome struct {
	retry          bool
	status         int
	body           string
	outboundStatus store.OutboundStatus
}

// ensureWorkDescription creates and publishes a fresh work description when
// none was passed in; a non-nil wd is a continuation and reused as-is.
func (c *core) ensureWorkDescription(ctx context.Context, req *Request, wd *store.WorkDescription, name store.WorkflowName) (*store.WorkDescription, error) {
	if wd != nil {
		return wd, nil
	}

	created, err := store.Create(req.MessageID, name, store.OutboundReceived, "")
	if err != nil {
		return nil, err
	}
	if _, err := c.store.Publish(ctx, created); err != nil {
		return nil, err
	}
	return created, nil
}

// setOutbound records a status transition, logging rather than escalating a
// persistence failure: the transition is bookkeeping around an already
// decided outcome.
func (c *core) setOutbound(ctx context.Context, wd *store.WorkDescription, status store.OutboundStatus) {
	if err := c.store.SetOutboundStatus(ctx, wd, status); err != nil {
		c.logger.Error("failed to persist outbound status",
			"message_key", wd.MessageKey, "status", status, "error", err)
	}
}

// setOutboundRetrying records a status transition with conflict retries.
func (c *core) setOutboundRetrying(ctx context.Context, wd *store.WorkDescription, status store.OutboundStatus) error {
	return c.store.UpdateWithRetries(ctx, wd, func(w *store.WorkDescription) {
		w.OutboundStatus = status
	}, c.cfg.StoreMaxRetries)
}

// deliver runs the shared outbound algorithm: resolve, serialize, transmit,
// classify, retry or terminate, persisting each transition.
func (c *core) deliver(ctx context.Context, req *Request, wd *store.WorkDescription, p patternParams) Result {
	wd, err := c.ensureWorkDescription(ctx, req, wd, p.name)
	if err != nil {
		c.logger.Error("failed to create work description", "message_id", req.MessageID, "error", err)
		return Result{http.StatusInternalServerError, errSavingState}
	}

	endpoint, err := c.resolver.Endpoint(ctx, req.ServiceID, req.OrgCode)
	if err != nil {
		c.logger.Warn("endpoint lookup failed",
			"service", req.ServiceID, "org", req.OrgCode, "error", err)
		c.setOutbound(ctx, wd, store.OutboundTransmissionFailed)
		return Result{http.StatusInternalServerError, errObtainingURL}
	}

	// Reliability parameters resolve alongside the endpoint; both come from
	// the same directory record and fail the same way.
	var reliability *routing.ReliabilityInfo
	if p.useReliability {
		reliability, err = c.resolver.Reliability(ctx, req.ServiceID, req.OrgCode)
		if err != nil {
			c.logger.Warn("reliability lookup failed",
				"service", req.ServiceID, "org", req.OrgCode, "error", err)
			c.setOutbound(ctx, wd, store.OutboundTransmissionFailed)
			return Result{http.StatusInternalServerError, errObtainingURL}
		}
	}

	url := endpoint.URL
	if p.overrideURL != "" {
		url = p.overrideURL
	}

	envelope := &ebxml.Envelope{
		FromPartyID:          c.cfg.FromPartyID,
		ToPartyID:            endpoint.PartyKey,
		CPAID:                endpoint.CPAID,
		ConversationID:       req.CorrelationID,
		Service:              req.Service,
		Action:               req.Action,
		MessageID:            req.MessageID,
		DuplicateElimination: p.duplicateElimination,
		AckRequested:         p.ackRequested,
		AckSOAPActor:         p.ackSOAPActor,
		SyncReply:            p.syncReply,
		Payload:              req.Payload,
		Attachments:          req.Attachments,
	}

	// Serialization happens exactly once: retries resend these bytes.
	_, headers, body, err := envelope.Serialize()
	if err != nil {
		c.logger.Error("failed to serialise outbound message", "message_id", req.MessageID, "error", err)
		c.setOutbound(ctx, wd, store.OutboundPreparationFailed)
		return Result{http.StatusInternalServerError, errSerialising}
	}
	if c.cfg.MaxRequestSize > 0 && len(body) > c.cfg.MaxRequestSize {
		c.logger.Warn("serialized message exceeds maximum size",
			"message_id", req.MessageID, "size", len(body), "max", c.cfg.MaxRequestSize)
		c.setOutbound(ctx, wd, store.OutboundPreparationFailed)
		return Result{http.StatusBadRequest, errRequestTooLarge}
	}

	c.setOutbound(ctx, wd, store.OutboundPrepared)

	retries := 0
	var retryInterval time.Duration
	if p.useReliability {
		retries = reliability.Retries
		retryInterval, err = routing.ParseISODuration(reliability.RetryInterval)
		if err != nil {
			c.logger.Error("unparseable retry interval",
				"service", req.ServiceID, "interval", reliability.RetryInterval, "error", err)
			c.setOutbound(ctx, wd, store.OutboundPreparationFailed)
			return Result{http.StatusInternalServerError, errReliabilityLookup}
		}
	}

	for attempt := 0; ; attempt++ {
		resp, err := c.sender.Send(ctx, url, headers, body)
		if err != nil {
			c.logger.Error("outbound transmission failed", "message_id", req.MessageID, "error", err)
			c.setOutbound(ctx, wd, store.OutboundTransmissionFailed)
			return Result{http.StatusInternalServerError, errMakingRequest}
		}

		if resp.StatusCode == http.StatusAccepted {
			if err := c.setOutboundRetrying(ctx, wd, store.OutboundAckd); err != nil {
				c.logger.Error("failed to record acknowledgement",
					"message_id", req.MessageID, "error", err)
				return Result{http.StatusInternalServerError, errSavingState}
			}
			return Result{http.StatusAccepted, ""}
		}

		o := c.classifyErrorResponse(resp, attempt, retries)
		if o.retry {
			c.logger.Info("retriable SOAP fault, retransmitting",
				"message_id", req.MessageID, "attempt", attempt+1, "interval", retryInterval)
			if err := c.sleep(ctx, retryInterval); err != nil {
				c.setOutbound(ctx, wd, store.OutboundTransmissionFailed)
				return Result{http.StatusInternalServerError, errMakingRequest}
			}
			continue
		}

		c.setOutbound(ctx, wd, o.outboundStatus)
		return Result{o.status, o.body}
	}
}

// classifyErrorResponse inspects a non-202 Spine response and decides
// between retransmission and a terminal outcome. ebXML faults are never
// retried; SOAP faults are retried while a retriable code is present and
// attempts remain; anything unparseable is terminal.
func (c *core) classifyErrorResponse(resp *transport.Response, attempt, retries int) outcome {
	if msg, err := ebxml.Parse(headerMap(resp), resp.Body); err == nil && msg.IsFault() {
		c.logger.Warn("ebXML fault received from Spine", "fault", msg.FaultDescription())
		return outcome{
			status:         http.StatusInternalServerError,
			body:           msg.FaultDescription(),
			outboundStatus: store.OutboundNackd,
		}
	}

	if fault, err := soap.ParseFault(resp.Body); err == nil {
		c.logger.Warn("SOAP fault received from Spine", "fault", fault.String())
		if attempt < retries && c.isRetriableFault(fault) {
			return outcome{retry: true}
		}
		return outcome{
			status:         http.StatusInternalServerError,
			body:           fault.String(),
			outboundStatus: store.OutboundNackd,
		}
	}

	c.logger.Warn("unexpected response from Spine", "status", resp.StatusCode)
	return outcome{
		status:         http.StatusInternalServerError,
		body:           errUnexpectedSpine,
		outboundStatus: store.OutboundNackd,
	}
}

func (c *core) isRetriableFault(fault *soap.Fault) bool {
	for _, code := range fault.Codes() {
		if c.retriable[code] {
			return true
		}
	}
	return false
}

// completeInbound is the shared inbound completion for the asynchronous
// patterns: mark received, hand the payload to the downstream queue with
// bounded retry, and record the final inbound status.
func (c *core) completeInbound(ctx context.Context, wd *store.WorkDescription, msg *ebxml.Message) error {
	if err := c.store.UpdateWithRetries(ctx, wd, func(w *store.WorkDescription) {
		w.InboundStatus = store.InboundReceived
	}, c.cfg.StoreMaxRetries); err != nil {
		return fmt.Errorf("recording inbound receipt: %w", err)
	}

	err := queue.PublishWithRetries(ctx, c.publisher, inboundQueueMessage(msg),
		c.cfg.QueueMaxRetries, c.cfg.QueueRetryDelay)
	if err != nil {
		c.logger.Error("failed to hand inbound message to queue",
			"message_key", wd.MessageKey, "error", err)
		if setErr := c.store.SetInboundStatus(ctx, wd, store.InboundFailed); setErr != nil {
			c.logger.Error("failed to record inbound failure",
				"message_key", wd.MessageKey, "error", setErr)
		}
		return err
	}

	if err := c.store.UpdateWithRetries(ctx, wd, func(w *store.WorkDescription) {
		w.InboundStatus = store.InboundProcessed
	}, c.cfg.StoreMaxRetries); err != nil {
		return fmt.Errorf("recording inbound completion: %w", err)
	}

	return nil
}

func inboundQueueMessage(msg *ebxml.Message) *queue.InboundMessage {
	attachments := make([]queue.Attachment, len(msg.Attachments))
	for i, a := range msg.Attachments {
		attachments[i] = queue.Attachment{
			ContentID:   a.ContentID,
			ContentType: a.ContentType,
			Base64:      a.Base64,
			Payload:     a.Payload,
		}
	}
	return &queue.InboundMessage{
		CorrelationID: msg.ConversationID,
		MessageID:     msg.MessageID,
		Payload:       msg.Payload,
		Attachments:   attachments,
	}
}

func headerMap(resp *transport.Response) map[string]string {
	headers := make(map[string]string, len(resp.Headers))
	for key := range resp.Headers {
		headers[key] = resp.Headers.Get(key)
	}
	return headers
}
