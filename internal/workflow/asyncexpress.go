package workflow

import (
	"context"

	"github.com/nhsconnect/go-mhs/internal/store"
	"github.com/nhsconnect/go-mhs/pkg/ebxml"
)

// asyncExpress is the unacknowledged asynchronous pattern: the outbound
// message is sent exactly once, Spine replies 202 on the same connection,
// and the business response arrives later on the inbound channel. No
// duplicate elimination, no ebXML acknowledgement, no retransmission.
type asyncExpress struct {
	*core
}

func newAsyncExpress(c *core) *asyncExpress {
	return &asyncExpress{core: c}
}

func (w *asyncExpress) Name() store.WorkflowName {
	return store.WorkflowAsyncExpress
}

func (w *asyncExpress) HandleOutbound(ctx context.Context, req *Request, wd *store.WorkDescription) Result {
	return w.deliver(ctx, req, wd, patternParams{
		name:      w.Name(),
		syncReply: true,
	})
}

func (w *asyncExpress) HandleInbound(ctx context.Context, wd *store.WorkDescription, msg *ebxml.Message) error {
	return w.completeInbound(ctx, wd, msg)
}
