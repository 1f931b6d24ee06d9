package forward

import (
	"context"
	"fmt"
)

// ViewMarker flips the viewed flag and reports whether it changed.
// notification.Service implements it.
type ViewMarker interface {
	MarkViewed(ctx context.Context, id int64) (changed bool, err error)
}

// Acknowledger marks a notification viewed after a successful delivery.
// It is idempotent, and a missing notification is a no-op.
type Acknowledger struct {
	marker ViewMarker
}

func NewAcknowledger(marker ViewMarker) *Acknowledger {
	return &Acknowledger{marker: marker}
}

func (a *Acknowledger) MarkViewed(ctx context.Context, id int64) error {
	if _, err := a.marker.MarkViewed(ctx, id); err != nil {
		return fmt.Errorf("acknowledge notification %d: %w", id, err)
	}
	return nil
}
