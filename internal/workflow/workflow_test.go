package workflow

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhsconnect/go-mhs/internal/queue"
	"github.com/nhsconnect/go-mhs/internal/store"
	"github.com/nhsconnect/go-mhs/internal/store/memory"
	"github.com/nhsconnect/go-mhs/internal/syncasync"
	"github.com/nhsconnect/go-mhs/pkg/ebxml"
	"github.com/nhsconnect/go-mhs/pkg/routing"
	"github.com/nhsconnect/go-mhs/pkg/transport"
)

type fakeResolver struct {
	endpoint       *routing.EndpointInfo
	endpointErr    error
	reliability    *routing.ReliabilityInfo
	reliabilityErr error
}

func (r *fakeResolver) Endpoint(ctx context.Context, serviceID, orgCode string) (*routing.EndpointInfo, error) {
	if r.endpointErr != nil {
		return nil, r.endpointErr
	}
	return r.endpoint, nil
}

func (r *fakeResolver) Reliability(ctx context.Context, serviceID, orgCode string) (*routing.ReliabilityInfo, error) {
	if r.reliabilityErr != nil {
		return nil, r.reliabilityErr
	}
	return r.reliability, nil
}

type sendCall struct {
	url     string
	headers map[string]string
	body    []byte
}

type scriptedResponse struct {
	resp *transport.Response
	err  error
}

type fakeSender struct {
	calls     []sendCall
	responses []scriptedResponse
}

func (s *fakeSender) Send(ctx context.Context, url string, headers map[string]string, body []byte) (*transport.Response, error) {
	s.calls = append(s.calls, sendCall{url: url, headers: headers, body: body})
	if len(s.responses) == 0 {
		return nil, errors.New("no scripted response")
	}
	next := s.responses[0]
	s.responses = s.responses[1:]
	return next.resp, next.err
}

type fakePublisher struct {
	published []*queue.InboundMessage
	err       error
}

func (p *fakePublisher) Publish(ctx context.Context, msg *queue.InboundMessage) error {
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, msg)
	return nil
}

func accepted() scriptedResponse {
	return scriptedResponse{resp: &transport.Response{StatusCode: http.StatusAccepted}}
}

func soapFault(code int) scriptedResponse {
	body := `<?xml version="1.0"?>
<SOAP-ENV:Envelope xmlns:SOAP-ENV="http://schemas.xmlsoap.org/soap/envelope/"
                   xmlns:nasp="http://national.carerecords.nhs.uk/schema/">
  <SOAP-ENV:Body>
    <SOAP-ENV:Fault>
      <faultcode>SOAP-ENV:Server</faultcode>
      <faultstring>Application Exception</faultstring>
      <detail>
        <nasp:errorList>
          <nasp:error>
            <nasp:errorCode>` + strconv.Itoa(code) + `</nasp:errorCode>
            <nasp:codeContext>urn:nhs:names:error:tms</nasp:codeContext>
            <nasp:severity>Error</nasp:severity>
            <nasp:description>System failure to process message</nasp:description>
          </nasp:error>
        </nasp:errorList>
      </detail>
    </SOAP-ENV:Fault>
  </SOAP-ENV:Body>
</SOAP-ENV:Envelope>`
	return scriptedResponse{resp: &transport.Response{
		StatusCode: http.StatusInternalServerError,
		Headers:    http.Header{"Content-Type": []string{"text/xml"}},
		Body:       []byte(body),
	}}
}

func ebxmlFault() scriptedResponse {
	body := `<?xml version="1.0"?>
<SOAP:Envelope xmlns:SOAP="http://schemas.xmlsoap.org/soap/envelope/"
               xmlns:eb="http://www.oasis-open.org/committees/ebxml-msg/schema/msg-header-2_0.xsd">
  <SOAP:Header>
    <eb:MessageHeader>
      <eb:From><eb:PartyId>SPINE</eb:PartyId></eb:From>
      <eb:To><eb:PartyId>SENDER-001</eb:PartyId></eb:To>
      <eb:CPAId>S1001A1630</eb:CPAId>
      <eb:ConversationId>conv-1</eb:ConversationId>
      <eb:Service>urn:oasis:names:tc:ebxml-msg:service</eb:Service>
      <eb:Action>MessageError</eb:Action>
      <eb:MessageData>
        <eb:MessageId>err-1</eb:MessageId>
        <eb:Timestamp>2024-01-01T00:00:00Z</eb:Timestamp>
      </eb:MessageData>
    </eb:MessageHeader>
    <eb:ErrorList>
      <eb:Error eb:errorCode="ValueNotRecognized" eb:severity="Error">
        <eb:Description xml:lang="en-GB">501319:Unknown eb:CPAId</eb:Description>
      </eb:Error>
    </eb:ErrorList>
  </SOAP:Header>
  <SOAP:Body/>
</SOAP:Envelope>`
	return scriptedResponse{resp: &transport.Response{
		StatusCode: http.StatusInternalServerError,
		Headers:    http.Header{"Content-Type": []string{"text/xml"}},
		Body:       []byte(body),
	}}
}

func garbage() scriptedResponse {
	return scriptedResponse{resp: &transport.Response{
		StatusCode: http.StatusBadGateway,
		Body:       []byte("<html>Bad Gateway</html>"),
	}}
}

type testEnv struct {
	core     *core
	store    *store.Store
	sender   *fakeSender
	resolver *fakeResolver
	queue    *fakePublisher
	sleeps   []time.Duration
}

func newTestEnv(responses ...scriptedResponse) *testEnv {
	env := &testEnv{
		store: store.New(memory.New()),
		sender: &fakeSender{
			responses: responses,
		},
		resolver: &fakeResolver{
			endpoint: &routing.EndpointInfo{
				URL:      "https://spine.nhs.uk/sync-service",
				PartyKey: "YES-0000806",
				CPAID:    "S1001A1630",
			},
			reliability: &routing.ReliabilityInfo{
				Retries:       2,
				RetryInterval: "PT0S",
			},
		},
		queue: &fakePublisher{},
	}
	env.core = &core{
		store:     env.store,
		resolver:  env.resolver,
		sender:    env.sender,
		publisher: env.queue,
		cfg: Config{
			FromPartyID:     "SENDER-001",
			FromASID:        "918999199084",
			MaxRequestSize:  5000000,
			StoreMaxRetries: 3,
			QueueMaxRetries: 1,
			QueueRetryDelay: time.Millisecond,
			ResyncTimeout:   time.Second,
		},
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		sleep: func(ctx context.Context, d time.Duration) error {
			env.sleeps = append(env.sleeps, d)
			return nil
		},
		retriable: map[int]bool{200: true},
	}
	return env
}

func testRequest() *Request {
	return &Request{
		MessageID:     "0CDBA95F-74DA-47E1-8F8C-9FE946914E39",
		CorrelationID: "conv-1",
		FromASID:      "918999199084",
		ToASID:        "928999199999",
		ServiceID:     "urn:nhs:names:services:gp2gp:RCMR_IN010000UK05",
		Service:       "urn:nhs:names:services:gp2gp",
		Action:        "RCMR_IN010000UK05",
		Payload:       "<hl7:EhrRequest/>",
	}
}

func loadWD(t *testing.T, env *testEnv, key string) *store.WorkDescription {
	t.Helper()
	wd, err := env.store.Load(context.Background(), key)
	require.NoError(t, err)
	return wd
}

func TestAsyncExpress_Accepted(t *testing.T) {
	env := newTestEnv(accepted())
	req := testRequest()

	result := newAsyncExpress(env.core).HandleOutbound(context.Background(), req, nil)

	assert.Equal(t, http.StatusAccepted, result.Status)
	assert.Empty(t, result.Body)
	require.Len(t, env.sender.calls, 1)

	wd := loadWD(t, env, req.MessageID)
	assert.Equal(t, store.OutboundAckd, wd.OutboundStatus)
	assert.Equal(t, store.WorkflowAsyncExpress, wd.Workflow)

	// Express messages request immediate replies but no acknowledgement
	// and no duplicate elimination.
	sent, err := ebxml.Parse(env.sender.calls[0].headers, env.sender.calls[0].body)
	require.NoError(t, err)
	assert.False(t, sent.DuplicateElimination)
	assert.False(t, sent.AckRequested)
	assert.True(t, sent.SyncReply)
	assert.Equal(t, "conv-1", sent.ConversationID)
	assert.Equal(t, "YES-0000806", sent.ToPartyID)
}

func TestAsyncExpress_EndpointLookupFails(t *testing.T) {
	env := newTestEnv()
	env.resolver.endpointErr = routing.ErrRouteNotFound
	req := testRequest()

	result := newAsyncExpress(env.core).HandleOutbound(context.Background(), req, nil)

	assert.Equal(t, http.StatusInternalServerError, result.Status)
	assert.Equal(t, "Error obtaining outbound URL", result.Body)
	assert.Empty(t, env.sender.calls)
	assert.Equal(t, store.OutboundTransmissionFailed, loadWD(t, env, req.MessageID).OutboundStatus)
}

func TestAsyncExpress_TransmitError(t *testing.T) {
	env := newTestEnv(scriptedResponse{err: errors.New("connection refused")})
	req := testRequest()

	result := newAsyncExpress(env.core).HandleOutbound(context.Background(), req, nil)

	assert.Equal(t, http.StatusInternalServerError, result.Status)
	assert.Equal(t, "Error making outbound request", result.Body)
	assert.Equal(t, store.OutboundTransmissionFailed, loadWD(t, env, req.MessageID).OutboundStatus)
}

func TestDeliver_RequestTooLarge(t *testing.T) {
	env := newTestEnv(accepted())
	env.core.cfg.MaxRequestSize = 10
	req := testRequest()

	result := newAsyncExpress(env.core).HandleOutbound(context.Background(), req, nil)

	assert.Equal(t, http.StatusBadRequest, result.Status)
	assert.Empty(t, env.sender.calls)
	assert.Equal(t, store.OutboundPreparationFailed, loadWD(t, env, req.MessageID).OutboundStatus)
}

func TestAsyncReliable_Accepted(t *testing.T) {
	env := newTestEnv(accepted())
	req := testRequest()

	result := newAsyncReliable(env.core).HandleOutbound(context.Background(), req, nil)

	assert.Equal(t, http.StatusAccepted, result.Status)

	sent, err := ebxml.Parse(env.sender.calls[0].headers, env.sender.calls[0].body)
	require.NoError(t, err)
	assert.True(t, sent.DuplicateElimination)
	assert.True(t, sent.AckRequested)
	assert.Equal(t, AckActorToPartyMSH, sent.AckSOAPActor)
	assert.True(t, sent.SyncReply)
}

// A retriable SOAP fault triggers retransmission of the identical serialized
// bytes, bounded by the directory's retry count.
func TestAsyncReliable_RetriesRetriableSoapFault(t *testing.T) {
	env := newTestEnv(soapFault(200), soapFault(200), accepted())
	req := testRequest()

	result := newAsyncReliable(env.core).HandleOutbound(context.Background(), req, nil)

	assert.Equal(t, http.StatusAccepted, result.Status)
	require.Len(t, env.sender.calls, 3)
	assert.Len(t, env.sleeps, 2)
	assert.Equal(t, env.sender.calls[0].body, env.sender.calls[1].body)
	assert.Equal(t, env.sender.calls[0].body, env.sender.calls[2].body)
	assert.Equal(t, store.OutboundAckd, loadWD(t, env, req.MessageID).OutboundStatus)
}

func TestAsyncReliable_RetriesExhausted(t *testing.T) {
	// Directory allows 2 retries: 3 transmissions in total, all faulting.
	env := newTestEnv(soapFault(200), soapFault(200), soapFault(200))
	req := testRequest()

	result := newAsyncReliable(env.core).HandleOutbound(context.Background(), req, nil)

	assert.Equal(t, http.StatusInternalServerError, result.Status)
	require.Len(t, env.sender.calls, 3)
	assert.Equal(t, store.OutboundNackd, loadWD(t, env, req.MessageID).OutboundStatus)
}

func TestAsyncReliable_NonRetriableSoapFault(t *testing.T) {
	env := newTestEnv(soapFault(300))
	req := testRequest()

	result := newAsyncReliable(env.core).HandleOutbound(context.Background(), req, nil)

	assert.Equal(t, http.StatusInternalServerError, result.Status)
	require.Len(t, env.sender.calls, 1)
	assert.Empty(t, env.sleeps)
	assert.Equal(t, store.OutboundNackd, loadWD(t, env, req.MessageID).OutboundStatus)
}

// ebXML faults indicate a non-transient rejection and are never retried.
func TestAsyncReliable_EbXMLFaultNotRetried(t *testing.T) {
	env := newTestEnv(ebxmlFault())
	req := testRequest()

	result := newAsyncReliable(env.core).HandleOutbound(context.Background(), req, nil)

	assert.Equal(t, http.StatusInternalServerError, result.Status)
	assert.Contains(t, result.Body, "501319:Unknown eb:CPAId")
	require.Len(t, env.sender.calls, 1)
	assert.Equal(t, store.OutboundNackd, loadWD(t, env, req.MessageID).OutboundStatus)
}

func TestAsyncReliable_UnexpectedResponse(t *testing.T) {
	env := newTestEnv(garbage())
	req := testRequest()

	result := newAsyncReliable(env.core).HandleOutbound(context.Background(), req, nil)

	assert.Equal(t, http.StatusInternalServerError, result.Status)
	assert.Equal(t, "Didn't get expected response from Spine", result.Body)
	assert.Equal(t, store.OutboundNackd, loadWD(t, env, req.MessageID).OutboundStatus)
}

func TestAsyncReliable_ReliabilityLookupFails(t *testing.T) {
	env := newTestEnv(accepted())
	env.resolver.reliabilityErr = routing.ErrRouteNotFound
	req := testRequest()

	result := newAsyncReliable(env.core).HandleOutbound(context.Background(), req, nil)

	assert.Equal(t, http.StatusInternalServerError, result.Status)
	assert.Equal(t, "Error obtaining outbound URL", result.Body)
	assert.Empty(t, env.sender.calls)
	assert.Equal(t, store.OutboundTransmissionFailed, loadWD(t, env, req.MessageID).OutboundStatus)
}

func TestAsyncReliable_UnparseableRetryInterval(t *testing.T) {
	env := newTestEnv(accepted())
	env.resolver.reliability.RetryInterval = "never"
	req := testRequest()

	result := newAsyncReliable(env.core).HandleOutbound(context.Background(), req, nil)

	assert.Equal(t, http.StatusInternalServerError, result.Status)
	assert.Equal(t, "Error obtaining outbound reliability details", result.Body)
	assert.Empty(t, env.sender.calls)
	assert.Equal(t, store.OutboundPreparationFailed, loadWD(t, env, req.MessageID).OutboundStatus)
}

func TestForwardReliable_UsesIntermediaryURL(t *testing.T) {
	env := newTestEnv(accepted())
	env.core.cfg.ForwardReliableURL = "https://spine.nhs.uk/forward-reliable"
	req := testRequest()

	result := newForwardReliable(env.core).HandleOutbound(context.Background(), req, nil)

	assert.Equal(t, http.StatusAccepted, result.Status)
	require.Len(t, env.sender.calls, 1)
	assert.Equal(t, "https://spine.nhs.uk/forward-reliable", env.sender.calls[0].url)
}

func TestSync_Success(t *testing.T) {
	env := newTestEnv(scriptedResponse{resp: &transport.Response{
		StatusCode: http.StatusOK,
		Body:       []byte("<patientDetails/>"),
	}})
	req := testRequest()

	result := newSync(env.core).HandleOutbound(context.Background(), req, nil)

	assert.Equal(t, http.StatusOK, result.Status)
	assert.Equal(t, "<patientDetails/>", result.Body)
	assert.Equal(t, store.OutboundSyncResponse, loadWD(t, env, req.MessageID).OutboundStatus)
}

func TestSync_SoapFault(t *testing.T) {
	env := newTestEnv(soapFault(300))
	req := testRequest()

	result := newSync(env.core).HandleOutbound(context.Background(), req, nil)

	assert.Equal(t, http.StatusInternalServerError, result.Status)
	// A single attempt regardless of fault code: sync never retries.
	require.Len(t, env.sender.calls, 1)
	assert.Equal(t, store.OutboundNackd, loadWD(t, env, req.MessageID).OutboundStatus)
}

func TestSync_RejectsInbound(t *testing.T) {
	env := newTestEnv()
	err := newSync(env.core).HandleInbound(context.Background(), &store.WorkDescription{}, &ebxml.Message{})
	assert.Error(t, err)
}

func TestHandleInbound_PublishesToQueue(t *testing.T) {
	env := newTestEnv(accepted())
	req := testRequest()
	wf := newAsyncExpress(env.core)

	result := wf.HandleOutbound(context.Background(), req, nil)
	require.Equal(t, http.StatusAccepted, result.Status)

	wd := loadWD(t, env, req.MessageID)
	msg := &ebxml.Message{
		ConversationID: "conv-1",
		MessageID:      "resp-1",
		RefToMessageID: req.MessageID,
		Payload:        "<hl7:EhrExtract/>",
	}
	require.NoError(t, wf.HandleInbound(context.Background(), wd, msg))

	require.Len(t, env.queue.published, 1)
	assert.Equal(t, "conv-1", env.queue.published[0].CorrelationID)
	assert.Equal(t, "<hl7:EhrExtract/>", env.queue.published[0].Payload)

	wd = loadWD(t, env, req.MessageID)
	assert.Equal(t, store.InboundProcessed, wd.InboundStatus)
}

func TestHandleInbound_QueueFailure(t *testing.T) {
	env := newTestEnv(accepted())
	env.queue.err = errors.New("broker down")
	req := testRequest()
	wf := newAsyncExpress(env.core)

	result := wf.HandleOutbound(context.Background(), req, nil)
	require.Equal(t, http.StatusAccepted, result.Status)

	wd := loadWD(t, env, req.MessageID)
	err := wf.HandleInbound(context.Background(), wd, &ebxml.Message{
		RefToMessageID: req.MessageID,
		Payload:        "<resp/>",
	})
	require.Error(t, err)

	var maxRetries *queue.MaxRetriesError
	assert.ErrorAs(t, err, &maxRetries)
	assert.Equal(t, store.InboundFailed, loadWD(t, env, req.MessageID).InboundStatus)
}

// fulfillingWorkflow simulates an async response arriving while the
// sync-async wrapper is still inside the outbound delegation.
type fulfillingWorkflow struct {
	sa     *SyncAsync
	result Result
	body   string
}

func (f *fulfillingWorkflow) Name() store.WorkflowName { return store.WorkflowAsyncReliable }

func (f *fulfillingWorkflow) HandleOutbound(ctx context.Context, req *Request, wd *store.WorkDescription) Result {
	if f.body != "" {
		f.sa.resync.Fulfil(req.MessageID, f.body)
	}
	return f.result
}

func (f *fulfillingWorkflow) HandleInbound(ctx context.Context, wd *store.WorkDescription, msg *ebxml.Message) error {
	return nil
}

func TestSyncAsync_Success(t *testing.T) {
	env := newTestEnv()
	sa := newSyncAsync(env.core, syncasync.New(time.Second))
	underlying := &fulfillingWorkflow{
		sa:     sa,
		result: Result{Status: http.StatusAccepted},
		body:   "<asyncResponse/>",
	}
	req := testRequest()

	result := sa.Run(context.Background(), req, underlying)

	assert.Equal(t, http.StatusOK, result.Status)
	assert.Equal(t, "<asyncResponse/>", result.Body)

	wd := loadWD(t, env, req.MessageID)
	assert.Equal(t, store.WorkflowSyncAsync, wd.Workflow)
	assert.Equal(t, store.SyncAsyncResponded, wd.OutboundStatus)
}

func TestSyncAsync_Timeout(t *testing.T) {
	env := newTestEnv()
	sa := newSyncAsync(env.core, syncasync.New(10*time.Millisecond))
	underlying := &fulfillingWorkflow{
		sa:     sa,
		result: Result{Status: http.StatusAccepted},
	}
	req := testRequest()

	result := sa.Run(context.Background(), req, underlying)

	assert.Equal(t, http.StatusInternalServerError, result.Status)
	assert.Equal(t, "No async response received from sync-async store", result.Body)
	assert.Equal(t, store.SyncAsyncFailedToRespond, loadWD(t, env, req.MessageID).OutboundStatus)
}

func TestSyncAsync_UnderlyingFailurePropagates(t *testing.T) {
	env := newTestEnv()
	sa := newSyncAsync(env.core, syncasync.New(time.Second))
	underlying := &fulfillingWorkflow{
		sa:     sa,
		result: Result{Status: http.StatusInternalServerError, Body: "Error making outbound request"},
	}
	req := testRequest()

	result := sa.Run(context.Background(), req, underlying)

	assert.Equal(t, http.StatusInternalServerError, result.Status)
	assert.Equal(t, "Error making outbound request", result.Body)
}

func TestSyncAsync_HandleInboundFulfilsWaiter(t *testing.T) {
	env := newTestEnv()
	sa := newSyncAsync(env.core, syncasync.New(time.Second))

	wd, err := store.Create("msg-1", store.WorkflowSyncAsync, store.OutboundReceived, "")
	require.NoError(t, err)
	_, err = env.store.Publish(context.Background(), wd)
	require.NoError(t, err)

	reg := sa.resync.Register("msg-1")

	err = sa.HandleInbound(context.Background(), wd, &ebxml.Message{Payload: "<resp/>"})
	require.NoError(t, err)

	body, err := reg.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "<resp/>", body)
	assert.Equal(t, store.InboundProcessed, wd.InboundStatus)
}

func TestSyncAsync_LateInboundIsDropped(t *testing.T) {
	env := newTestEnv()
	sa := newSyncAsync(env.core, syncasync.New(time.Second))

	wd, err := store.Create("msg-1", store.WorkflowSyncAsync, store.OutboundReceived, "")
	require.NoError(t, err)
	_, err = env.store.Publish(context.Background(), wd)
	require.NoError(t, err)

	// No waiter registered: the response arrived after the caller gave up.
	err = sa.HandleInbound(context.Background(), wd, &ebxml.Message{Payload: "<resp/>"})
	require.NoError(t, err)
	assert.Equal(t, store.InboundReceived, wd.InboundStatus)
}

func TestEngine_RegistersAllWorkflows(t *testing.T) {
	env := newTestEnv()
	engine := NewEngine(env.store, env.resolver, env.sender, env.queue, env.core.cfg,
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	for _, name := range []store.WorkflowName{
		store.WorkflowSync,
		store.WorkflowAsyncExpress,
		store.WorkflowAsyncReliable,
		store.WorkflowForwardReliable,
		store.WorkflowSyncAsync,
	} {
		wf, ok := engine.ByName(name)
		require.True(t, ok, string(name))
		assert.Equal(t, name, wf.Name())
	}
	assert.NotNil(t, engine.SyncAsync())
}
