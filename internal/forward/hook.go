package forward

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"

	"notifyfwd/internal/notification"
	"notifyfwd/internal/task/engine"
	logx "notifyfwd/pkg/logx"
)

// TaskName is the engine task name of a dispatch.
const TaskName = "forward.dispatch"

// Scheduler accepts tasks, waiting for queue room until ctx ends.
// *engine.Service implements it.
type Scheduler interface {
	Submit(ctx context.Context, t engine.Task) error
}

// Dispatcher runs one dispatch. *Coordinator implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, id int64) error
}

// Hook turns created notifications into dispatch tasks. It is called on the
// creating goroutine (notification.CreatedHandler) and only for creations, so
// a state change cannot trigger a new dispatch.
type Hook struct {
	filter  *Filter
	sched   Scheduler
	disp    Dispatcher
	timeout time.Duration
	log     logx.Logger
}

func NewHook(filter *Filter, sched Scheduler, disp Dispatcher, timeout time.Duration, log logx.Logger) *Hook {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Hook{filter: filter, sched: sched, disp: disp, timeout: timeout, log: log}
}

// DispatchKey is the dedup key of a notification.
func DispatchKey(id int64) string { return strconv.FormatInt(id, 10) }

// NotificationCreated filters n and schedules its dispatch. A full queue is
// waited out; only ctx or a stopped engine make it fail. Collapsed
// duplicates are not an error.
func (h *Hook) NotificationCreated(ctx context.Context, n notification.Notification) error {
	if !h.filter.Allow(n) {
		h.log.Debug("notification not eligible", logx.Int64("id", n.ID), logx.String("user", n.Recipient.String()))
		return nil
	}
	id := n.ID
	key := DispatchKey(id)
	err := h.sched.Submit(ctx, engine.Task{
		ID:             uuid.NewString(),
		Name:           TaskName,
		Timeout:        h.timeout,
		ConcurrencyKey: key,
		ClaimKey:       "dispatch:" + key,
		Opt:            engine.TaskOptions{Overlap: engine.OverlapSkipIfRunning},
		Run: func(ctx context.Context) error {
			return h.disp.Dispatch(ctx, id)
		},
	})
	switch {
	case err == nil:
		h.log.Info("dispatch scheduled", logx.Int64("id", id), logx.String("user", n.Recipient.String()))
		return nil
	case errors.Is(err, engine.ErrOverlapSkip):
		h.log.Debug("dispatch already in flight", logx.Int64("id", id))
		return nil
	default:
		h.log.Error("dispatch not scheduled", logx.Int64("id", id), logx.Err(err))
		return err
	}
}
