package workflow

import (
	"context"

	"github.com/nhsconnect/go-mhs/internal/store"
	"github.com/nhsconnect/go-mhs/pkg/ebxml"
)

// AckActorToPartyMSH is the SOAP actor attached to AckRequested on the
// reliable patterns: the receiving party MSH acknowledges, not an
// intermediary.
const AckActorToPartyMSH = "urn:oasis:names:tc:ebxml-msg:actor:toPartyMSH"

// asyncReliable is the acknowledged asynchronous pattern: duplicate
// elimination and a requested ebXML acknowledgement, with retransmission of
// the identical serialized message driven by the directory's reliability
// contract.
type asyncReliable struct {
	*core
}

func newAsyncReliable(c *core) *asyncReliable {
	return &asyncReliable{core: c}
}

func (w *asyncReliable) Name() store.WorkflowName {
	return store.WorkflowAsyncReliable
}

func (w *asyncReliable) HandleOutbound(ctx context.Context, req *Request, wd *store.WorkDescription) Result {
	return w.deliver(ctx, req, wd, patternParams{
		name:                 w.Name(),
		duplicateElimination: true,
		ackRequested:         true,
		ackSOAPActor:         AckActorToPartyMSH,
		syncReply:            true,
		useReliability:       true,
	})
}

func (w *asyncReliable) HandleInbound(ctx context.Context, wd *store.WorkDescription, msg *ebxml.Message) error {
	return w.completeInbound(ctx, wd, msg)
}
