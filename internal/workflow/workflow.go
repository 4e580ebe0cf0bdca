// Package workflow implements the outbound reliability workflow engine: one
// state machine per messaging pattern, each orchestrating envelope build,
// endpoint and reliability lookup, transmission, fault classification,
// retry-or-terminate decisions and work description persistence.
package workflow

import (
	"context"
	"log/slog"
	"time"

	"github.com/nhsconnect/go-mhs/internal/queue"
	"github.com/nhsconnect/go-mhs/internal/store"
	"github.com/nhsconnect/go-mhs/internal/syncasync"
	"github.com/nhsconnect/go-mhs/pkg/ebxml"
	"github.com/nhsconnect/go-mhs/pkg/routing"
	"github.com/nhsconnect/go-mhs/pkg/transport"
)

// Request carries everything a workflow needs to deliver one outbound
// message. The MessageID doubles as the work description key; the
// CorrelationID becomes the ebXML conversation id.
type Request struct {
	MessageID     string
	CorrelationID string
	FromASID      string
	ToASID        string
	ServiceID     string
	Service       string
	Action        string
	OrgCode       string
	Payload       string
	Attachments   []ebxml.Attachment
}

// Result is the HTTP status and body returned to the original caller.
type Result struct {
	Status int
	Body   string
}

// Workflow is the per-pattern capability pair: outbound delivery and inbound
// response handling. Patterns that never receive an inbound response return
// an error from HandleInbound.
type Workflow interface {
	Name() store.WorkflowName

	// HandleOutbound delivers the message. When wd is nil a fresh work
	// description is created; a non-nil wd continues an existing one.
	HandleOutbound(ctx context.Context, req *Request, wd *store.WorkDescription) Result

	// HandleInbound resumes the state machine for a correlated inbound
	// response.
	HandleInbound(ctx context.Context, wd *store.WorkDescription, msg *ebxml.Message) error
}

// Config holds the engine-wide workflow parameters.
type Config struct {
	// FromPartyID is this MHS's own ebXML party id.
	FromPartyID string
	// FromASID is the default sending accredited system id for
	// synchronous messages, used when the request carries none.
	FromASID string
	// MaxRequestSize bounds the serialized outbound message in bytes.
	// Zero disables the check.
	MaxRequestSize int
	// RetriableSoapFaultCodes is the set of SOAP fault error codes worth
	// an application-level retransmission.
	RetriableSoapFaultCodes []int
	// StoreMaxRetries bounds reload-and-reapply attempts on work
	// description version conflicts.
	StoreMaxRetries int
	// QueueMaxRetries and QueueRetryDelay bound the inbound hand-off to
	// the downstream queue.
	QueueMaxRetries int
	QueueRetryDelay time.Duration
	// ForwardReliableURL overrides the resolved endpoint URL for the
	// forward-reliable pattern, which always routes via the Spine
	// forward-reliable intermediary.
	ForwardReliableURL string
	// ResyncTimeout bounds the sync-async wait for the async response.
	ResyncTimeout time.Duration
}

// Engine owns one instance of every messaging pattern and dispatches by
// workflow name. The set is closed: it is built once at startup.
type Engine struct {
	workflows map[store.WorkflowName]Workflow
	syncAsync *SyncAsync
}

// NewEngine builds all workflow instances over the shared collaborators.
func NewEngine(
	wds *store.Store,
	resolver routing.RouteResolver,
	sender transport.Sender,
	publisher queue.Publisher,
	cfg Config,
	logger *slog.Logger,
) *Engine {
	core := &core{
		store:     wds,
		resolver:  resolver,
		sender:    sender,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
		sleep:     sleepContext,
		retriable: make(map[int]bool, len(cfg.RetriableSoapFaultCodes)),
	}
	for _, code := range cfg.RetriableSoapFaultCodes {
		core.retriable[code] = true
	}

	e := &Engine{workflows: make(map[store.WorkflowName]Workflow)}

	for _, w := range []Workflow{
		newSync(core),
		newAsyncExpress(core),
		newAsyncReliable(core),
		newForwardReliable(core),
	} {
		e.workflows[w.Name()] = w
	}

	e.syncAsync = newSyncAsync(core, syncasync.New(cfg.ResyncTimeout))
	e.workflows[e.syncAsync.Name()] = e.syncAsync

	return e
}

// ByName returns the workflow registered for the given name.
func (e *Engine) ByName(name store.WorkflowName) (Workflow, bool) {
	w, ok := e.workflows[name]
	return w, ok
}

// SyncAsync returns the sync-async wrapper workflow.
func (e *Engine) SyncAsync() *SyncAsync {
	return e.syncAsync
}

// sleepContext sleeps for d unless the context is cancelled first.
func sleepContext(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
