// Package natsbridge hands notification.created events produced by another
// process (over NATS) to the local created handler and republishes them on
// the in-process bus. The producing process must share the notification
// store, because dispatch loads by id.
package natsbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	natspkg "github.com/nats-io/nats.go"

	"notifyfwd/internal/eventbus"
	"notifyfwd/internal/notification"
	logx "notifyfwd/pkg/logx"
)

const DefaultSubject = "notifications.created"

type Config struct {
	Enabled bool
	URL     string
	Subject string
}

// Sink receives decoded created events. *notification.Service implements it.
type Sink interface {
	Created(ctx context.Context, n notification.Notification) error
}

type Bridge struct {
	cfg  Config
	bus  eventbus.Bus
	sink Sink
	log  logx.Logger
}

func New(cfg Config, bus eventbus.Bus, sink Sink, log logx.Logger) *Bridge {
	if strings.TrimSpace(cfg.URL) == "" {
		cfg.URL = natspkg.DefaultURL
	}
	if strings.TrimSpace(cfg.Subject) == "" {
		cfg.Subject = DefaultSubject
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Bridge{cfg: cfg, bus: bus, sink: sink, log: log}
}

// Decode parses a created event payload.
func Decode(data []byte) (notification.Notification, error) {
	var n notification.Notification
	if err := json.Unmarshal(data, &n); err != nil {
		return notification.Notification{}, fmt.Errorf("decode created event: %w", err)
	}
	if n.ID <= 0 {
		return notification.Notification{}, errors.New("created event without id")
	}
	if n.Recipient.ID == 0 {
		return notification.Notification{}, errors.New("created event without recipient")
	}
	if n.Severity == "" {
		n.Severity = notification.SeverityInfo
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	return n, nil
}

// handle blocks until the sink accepts the event, so NATS keeps the rest
// pending instead of losing them.
func (b *Bridge) handle(ctx context.Context, data []byte) error {
	n, err := Decode(data)
	if err != nil {
		return err
	}
	if b.bus != nil {
		b.bus.Publish(eventbus.Event{Type: notification.EventCreated, Time: time.Now(), Data: n})
	}
	if b.sink == nil {
		return nil
	}
	return b.sink.Created(ctx, n)
}

// Run connects, consumes until ctx ends, then drains the subscription.
func (b *Bridge) Run(ctx context.Context) error {
	nc, err := natspkg.Connect(b.cfg.URL,
		natspkg.Name("notifyfwd"),
		natspkg.MaxReconnects(-1),
		natspkg.DisconnectErrHandler(func(_ *natspkg.Conn, err error) {
			if err != nil {
				b.log.Warn("nats disconnected", logx.Err(err))
			}
		}),
		natspkg.ReconnectHandler(func(c *natspkg.Conn) {
			b.log.Info("nats reconnected", logx.String("url", c.ConnectedUrl()))
		}),
		natspkg.ErrorHandler(func(_ *natspkg.Conn, _ *natspkg.Subscription, err error) {
			b.log.Error("nats async error", logx.Err(err))
		}),
	)
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	defer nc.Close()

	sub, err := nc.Subscribe(b.cfg.Subject, func(msg *natspkg.Msg) {
		if err := b.handle(ctx, msg.Data); err != nil {
			b.log.Warn("created event not handled", logx.String("subject", msg.Subject), logx.Err(err))
		}
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %q: %w", b.cfg.Subject, err)
	}
	b.log.Info("nats bridge subscribed", logx.String("url", b.cfg.URL), logx.String("subject", b.cfg.Subject))

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		b.log.Debug("nats drain failed", logx.Err(err))
	}
	return nil
}
