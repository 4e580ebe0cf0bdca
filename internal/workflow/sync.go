package workflow

import (
	"context"
	"errors"
	"net/http"

	"github.com/nhsconnect/go-mhs/internal/store"
	"github.com/nhsconnect/go-mhs/pkg/ebxml"
	"github.com/nhsconnect/go-mhs/pkg/soap"
)

// synchronous is the request-response pattern: a single SOAP exchange where the
// business response rides on the HTTP reply. There is no acknowledgement,
// no retransmission and no inbound leg.
type synchronous struct {
	*core
}

func newSync(c *core) *synchronous {
	return &synchronous{core: c}
}

func (w *synchronous) Name() store.WorkflowName {
	return store.WorkflowSync
}

func (w *synchronous) HandleOutbound(ctx context.Context, req *Request, wd *store.WorkDescription) Result {
	wd, err := w.ensureWorkDescription(ctx, req, wd, w.Name())
	if err != nil {
		w.logger.Error("failed to create work description", "message_id", req.MessageID, "error", err)
		return Result{http.StatusInternalServerError, errSavingState}
	}

	endpoint, err := w.resolver.Endpoint(ctx, req.ServiceID, req.OrgCode)
	if err != nil {
		w.logger.Warn("endpoint lookup failed",
			"service", req.ServiceID, "org", req.OrgCode, "error", err)
		w.setOutbound(ctx, wd, store.OutboundTransmissionFailed)
		return Result{http.StatusInternalServerError, errObtainingURL}
	}

	fromASID := req.FromASID
	if fromASID == "" {
		fromASID = w.cfg.FromASID
	}

	envelope := &soap.Envelope{
		FromASID:  fromASID,
		ToASID:    req.ToASID,
		MessageID: req.MessageID,
		Service:   req.Service,
		Action:    req.Action,
		Message:   req.Payload,
	}
	_, headers, body, err := envelope.Serialize()
	if err != nil {
		w.logger.Error("failed to serialise outbound message", "message_id", req.MessageID, "error", err)
		w.setOutbound(ctx, wd, store.OutboundPreparationFailed)
		return Result{http.StatusInternalServerError, errSerialising}
	}

	w.setOutbound(ctx, wd, store.OutboundPrepared)

	resp, err := w.sender.Send(ctx, endpoint.URL, headers, body)
	if err != nil {
		w.logger.Error("outbound transmission failed", "message_id", req.MessageID, "error", err)
		w.setOutbound(ctx, wd, store.OutboundTransmissionFailed)
		return Result{http.StatusInternalServerError, errMakingRequest}
	}

	if resp.StatusCode == http.StatusOK {
		if err := w.setOutboundRetrying(ctx, wd, store.OutboundSyncResponse); err != nil {
			w.logger.Error("failed to record synchronous response",
				"message_id", req.MessageID, "error", err)
			return Result{http.StatusInternalServerError, errSavingState}
		}
		return Result{http.StatusOK, string(resp.Body)}
	}

	if fault, err := soap.ParseFault(resp.Body); err == nil {
		w.logger.Warn("SOAP fault received from Spine",
			"message_id", req.MessageID, "fault", fault.String())
		w.setOutbound(ctx, wd, store.OutboundNackd)
		return Result{http.StatusInternalServerError, fault.String()}
	}

	w.logger.Warn("unexpected response from Spine",
		"message_id", req.MessageID, "status", resp.StatusCode)
	w.setOutbound(ctx, wd, store.OutboundNackd)
	return Result{http.StatusInternalServerError, errUnexpectedSpine}
}

func (w *synchronous) HandleInbound(ctx context.Context, wd *store.WorkDescription, msg *ebxml.Message) error {
	return errors.New("synchronous workflow does not accept inbound messages")
}
