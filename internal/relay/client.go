// Package relay delivers direct messages through the chat relay process over
// gRPC on the loopback interface.
package relay

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"notifyfwd/internal/forward"
	"notifyfwd/internal/task/engine"
	logx "notifyfwd/pkg/logx"
)

const (
	DefaultHost    = "localhost"
	DefaultPort    = 50051
	DefaultMethod  = "/discord_api.DiscordApi/SendDirectMessage"
	DefaultTimeout = 5 * time.Second

	// throttledRetry is used when the relay says ResourceExhausted without a
	// RetryInfo detail.
	throttledRetry = 2 * time.Second
)

type Config struct {
	Host    string
	Port    int
	Method  string
	Timeout time.Duration
	// RatePerSec throttles outgoing calls. 0 disables throttling.
	RatePerSec float64
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Host) == "" {
		c.Host = DefaultHost
	}
	if c.Port <= 0 {
		c.Port = DefaultPort
	}
	if strings.TrimSpace(c.Method) == "" {
		c.Method = DefaultMethod
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	return c
}

// Target is the host:port dialed for every call.
func (c Config) Target() string {
	c = c.withDefaults()
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// DeliveryError is returned for every failed delivery: dial errors, timeouts
// and status errors from the relay.
type DeliveryError struct {
	ExternalID int64
	Code       codes.Code
	Err        error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver to chat user %d: %s: %v", e.ExternalID, e.Code, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Client opens one connection per call and closes it on every path. The relay
// is local, so connection setup is cheap and no pool is kept.
type Client struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	log     logx.Logger
}

func New(cfg Config, log logx.Logger) *Client {
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Client{log: log}
	c.Apply(cfg)
	return c
}

// Apply swaps the configuration; in-flight calls keep the old one.
func (c *Client) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	var lim *rate.Limiter
	if cfg.RatePerSec > 0 {
		lim = rate.NewLimiter(rate.Limit(cfg.RatePerSec), max(1, int(cfg.RatePerSec)))
	}
	c.mu.Lock()
	c.cfg = cfg
	c.limiter = lim
	c.mu.Unlock()
}

func (c *Client) Config() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// Send delivers msg as a direct message to externalID.
func (c *Client) Send(ctx context.Context, externalID int64, msg forward.OutboundMessage) error {
	c.mu.Lock()
	cfg, lim := c.cfg, c.limiter
	c.mu.Unlock()

	fail := func(code codes.Code, err error) error {
		return &DeliveryError{ExternalID: externalID, Code: code, Err: err}
	}

	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return fail(status.FromContextError(err).Code(), err)
		}
	}

	conn, err := grpc.NewClient(cfg.Target(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fail(codes.Unavailable, err)
	}
	defer func() { _ = conn.Close() }()

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	start := time.Now()
	req := frame(EncodeRequest(externalID, msg))
	var resp frame
	if err := conn.Invoke(ctx, cfg.Method, &req, &resp, grpc.ForceCodec(frameCodec{})); err != nil {
		code := status.Code(err)
		c.log.Warn("relay call failed", logx.Int64("external_id", externalID), logx.String("code", code.String()), logx.Duration("took", time.Since(start)))
		return classify(&DeliveryError{ExternalID: externalID, Code: code, Err: err}, status.Convert(err))
	}
	c.log.Debug("relay call ok", logx.Int64("external_id", externalID), logx.Duration("took", time.Since(start)))
	return nil
}

// classify tells the task engine how to retry a relay status error. Requests
// the relay rejected outright are not retried; throttling honors RetryInfo.
func classify(de *DeliveryError, st *status.Status) error {
	switch de.Code {
	case codes.InvalidArgument, codes.NotFound, codes.PermissionDenied, codes.Unimplemented:
		return engine.NoRetry(de)
	case codes.ResourceExhausted:
		after := throttledRetry
		for _, d := range st.Details() {
			if ri, ok := d.(*errdetails.RetryInfo); ok && ri.GetRetryDelay() != nil {
				after = ri.GetRetryDelay().AsDuration()
			}
		}
		return engine.RetryAfter(de, after)
	default:
		return de
	}
}
