package forward

import (
	"context"
	"fmt"
	"time"

	"notifyfwd/internal/notification"
	logx "notifyfwd/pkg/logx"
)

// Loader loads a notification by id. notification.Service implements it.
type Loader interface {
	Get(ctx context.Context, id int64) (notification.Notification, bool, error)
}

// Sender delivers one message to one chat user. relay.Client implements it.
type Sender interface {
	Send(ctx context.Context, externalID int64, msg OutboundMessage) error
}

// Dispatch outcomes reported to the Recorder.
const (
	OutcomeDelivered  = "delivered"
	OutcomeFailed     = "failed"
	OutcomeNoIdentity = "no_identity"
	OutcomeMissing    = "missing"
	OutcomeError      = "error"
)

type Coordinator struct {
	loader   Loader
	ids      IdentityResolver
	builder  *Builder
	sender   Sender
	ack      *Acknowledger
	settings *Settings
	rec      Recorder
	log      logx.Logger
}

type Deps struct {
	Loader   Loader
	Identity IdentityResolver
	Sender   Sender
	Ack      *Acknowledger
	Settings *Settings
	Recorder Recorder
	Log      logx.Logger
}

func NewCoordinator(d Deps) *Coordinator {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Recorder == nil {
		d.Recorder = nopRecorder{}
	}
	return &Coordinator{
		loader:   d.Loader,
		ids:      d.Identity,
		builder:  NewBuilder(d.Settings),
		sender:   d.Sender,
		ack:      d.Ack,
		settings: d.Settings,
		rec:      d.Recorder,
		log:      d.Log,
	}
}

// Dispatch forwards notification id to its recipient.
//
// A deleted notification or a recipient without a linked chat account ends
// the dispatch with nil. A delivery failure is returned as is and the
// notification stays unviewed.
func (c *Coordinator) Dispatch(ctx context.Context, id int64) error {
	start := time.Now()
	outcome, err := c.dispatch(ctx, id)
	c.rec.Dispatch(outcome, time.Since(start))
	return err
}

func (c *Coordinator) dispatch(ctx context.Context, id int64) (string, error) {
	n, ok, err := c.loader.Get(ctx, id)
	if err != nil {
		return OutcomeError, fmt.Errorf("load notification %d: %w", id, err)
	}
	if !ok {
		c.log.Info("notification gone before dispatch", logx.Int64("id", id))
		return OutcomeMissing, nil
	}

	ident, ok, err := c.ids.ExternalIdentity(ctx, n.Recipient.ID)
	if err != nil {
		return OutcomeError, fmt.Errorf("resolve identity of %s: %w", n.Recipient, err)
	}
	if !ok {
		c.log.Info("recipient has no chat account, not forwarding", logx.Int64("id", id), logx.String("user", n.Recipient.String()))
		return OutcomeNoIdentity, nil
	}

	msg := c.builder.Build(n)
	c.log.Info("forwarding notification", logx.Int64("id", id), logx.String("user", n.Recipient.String()))
	if err := c.sender.Send(ctx, ident.ExternalID, msg); err != nil {
		return OutcomeFailed, err
	}

	if c.settings.Load().MarkViewed && c.ack != nil {
		if err := c.ack.MarkViewed(ctx, id); err != nil {
			// The message went out; retrying would send it twice.
			c.log.Warn("mark viewed failed", logx.Int64("id", id), logx.Err(err))
		}
	}
	return OutcomeDelivered, nil
}
