// Package server provides the HTTP surfaces of the MHS.
//
// Two listeners are exposed:
//
// # Outbound service (supplier-facing)
//
// POST / - Accepts a message for delivery to Spine. The interaction is
// selected by the Interaction-Id header; the JSON body carries the HL7
// payload and optional attachments. The response is synchronous even for
// asynchronous patterns: 202 means Spine accepted the message.
//
// # Inbound service (Spine-facing)
//
// POST / - Receives asynchronous ebXML messages from Spine: business
// responses, acknowledgement and fault signals, and unsolicited
// forward-reliable deliveries.
//
// # Health
//
//   - GET /healthcheck - Liveness probe on both listeners
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/nhsconnect/go-mhs/internal/config"
	"github.com/nhsconnect/go-mhs/internal/inbound"
	"github.com/nhsconnect/go-mhs/internal/store"
	"github.com/nhsconnect/go-mhs/internal/workflow"
	"github.com/nhsconnect/go-mhs/pkg/ebxml"
)

// Request headers on the outbound service.
const (
	headerInteractionID = "Interaction-Id"
	headerMessageID     = "Message-Id"
	headerCorrelationID = "Correlation-Id"
	headerSyncAsync     = "sync-async"
	headerFromASID      = "from-asid"
	headerToASID        = "to-asid"
	headerOdsCode       = "ods-code"
)

// outboundRequest is the supplier-facing request body.
type outboundRequest struct {
	Payload     string              `json:"payload"`
	Attachments []outboundAttachment `json:"attachments"`
}

type outboundAttachment struct {
	ContentType string `json:"content_type"`
	Base64      bool   `json:"is_base64"`
	Description string `json:"description"`
	Payload     string `json:"payload"`
}

// Outbound is the supplier-facing HTTP server.
type Outbound struct {
	cfg     *config.Config
	engine  *workflow.Engine
	store   *store.Store
	logger  *slog.Logger
	httpSrv *http.Server
}

// NewOutbound builds the outbound server over the workflow engine.
func NewOutbound(cfg *config.Config, engine *workflow.Engine, wds *store.Store, logger *slog.Logger) *Outbound {
	s := &Outbound{cfg: cfg, engine: engine, store: wds, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /{$}", s.handleOutbound)
	mux.HandleFunc("GET /healthcheck", s.handleHealth)

	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.OutboundPort),
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
	}
	return s
}

// Start blocks serving requests until Shutdown or a listener error.
func (s *Outbound) Start() error {
	s.logger.Info("outbound server listening", "addr", s.httpSrv.Addr)
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully stops the server
func (s *Outbound) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Outbound) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, "OK")
}

func (s *Outbound) handleOutbound(w http.ResponseWriter, r *http.Request) {
	interactionID := r.Header.Get(headerInteractionID)
	if interactionID == "" {
		http.Error(w, "Interaction-Id header is required", http.StatusNotFound)
		return
	}
	interaction, ok := s.cfg.Interactions[interactionID]
	if !ok {
		s.logger.Warn("unknown interaction id", "interaction_id", interactionID)
		http.Error(w, fmt.Sprintf("Unknown interaction id: %s", interactionID), http.StatusNotFound)
		return
	}

	var body outboundRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Request body is not valid JSON", http.StatusBadRequest)
		return
	}
	if body.Payload == "" {
		http.Error(w, "Request body must carry a payload", http.StatusBadRequest)
		return
	}

	messageID := r.Header.Get(headerMessageID)
	if messageID == "" {
		messageID = uuid.New().String()
	}
	correlationID := r.Header.Get(headerCorrelationID)
	if correlationID == "" {
		correlationID = uuid.New().String()
	}

	attachments := make([]ebxml.Attachment, len(body.Attachments))
	for i, a := range body.Attachments {
		attachments[i] = ebxml.Attachment{
			ContentType: a.ContentType,
			Base64:      a.Base64,
			Description: a.Description,
			Payload:     a.Payload,
		}
	}

	req := &workflow.Request{
		MessageID:     messageID,
		CorrelationID: correlationID,
		FromASID:      r.Header.Get(headerFromASID),
		ToASID:        r.Header.Get(headerToASID),
		ServiceID:     interactionID,
		Service:       interaction.Service,
		Action:        interaction.Action,
		OrgCode:       r.Header.Get(headerOdsCode),
		Payload:       body.Payload,
		Attachments:   attachments,
	}

	logger := s.logger.With("interaction_id", interactionID,
		"message_id", messageID, "correlation_id", correlationID)

	wantSyncAsync := r.Header.Get(headerSyncAsync) == "true"
	result := s.dispatch(r.Context(), req, interaction, wantSyncAsync, logger)

	w.Header().Set(headerMessageID, messageID)
	w.Header().Set(headerCorrelationID, correlationID)
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(result.Status)
	io.WriteString(w, result.Body)
}

func (s *Outbound) dispatch(ctx context.Context, req *workflow.Request, interaction config.Interaction, wantSyncAsync bool, logger *slog.Logger) workflow.Result {
	name := store.WorkflowName(interaction.Workflow)
	wf, ok := s.engine.ByName(name)
	if !ok {
		logger.Error("interaction names unregistered workflow", "workflow", name)
		return workflow.Result{Status: http.StatusInternalServerError, Body: "Unsupported workflow"}
	}

	if wantSyncAsync {
		if !interaction.SyncAsync {
			logger.Warn("sync-async requested for unsupported interaction")
			return workflow.Result{Status: http.StatusBadRequest,
				Body: "Interaction does not support sync-async"}
		}
		logger.Info("handling outbound sync-async request", "workflow", name)
		return s.engine.SyncAsync().Run(ctx, req, wf)
	}

	logger.Info("handling outbound request", "workflow", name)
	return wf.HandleOutbound(ctx, req, nil)
}

// Inbound is the Spine-facing HTTP server.
type Inbound struct {
	cfg     *config.Config
	handler *inbound.Handler
	logger  *slog.Logger
	httpSrv *http.Server
}

// NewInbound builds the inbound server over the inbound handler.
func NewInbound(cfg *config.Config, handler *inbound.Handler, logger *slog.Logger) *Inbound {
	s := &Inbound{cfg: cfg, handler: handler, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /{$}", s.handleInbound)
	mux.HandleFunc("GET /healthcheck", s.handleHealth)

	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.InboundPort),
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Start blocks serving requests until Shutdown or a listener error.
func (s *Inbound) Start() error {
	s.logger.Info("inbound server listening", "addr", s.httpSrv.Addr,
		"tls", s.cfg.Server.TLS.Enabled)
	if s.cfg.Server.TLS.Enabled {
		return s.httpSrv.ListenAndServeTLS(s.cfg.Server.TLS.CertFile, s.cfg.Server.TLS.KeyFile)
	}
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully stops the server
func (s *Inbound) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Inbound) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, "OK")
}

func (s *Inbound) handleInbound(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	headers := make(map[string]string, len(r.Header))
	for key := range r.Header {
		headers[key] = r.Header.Get(key)
	}

	resp := s.handler.Handle(r.Context(), headers, body)
	if resp.ContentType != "" {
		w.Header().Set("Content-Type", resp.ContentType)
	}
	w.WriteHeader(resp.Status)
	if len(resp.Body) > 0 {
		w.Write(resp.Body)
	}
}
