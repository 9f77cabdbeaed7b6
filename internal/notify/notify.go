// Package notify fans a persisted violation out to every configured channel.
package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/linnemanlabs/roadwatch/internal/violation"
)

// Channel is one delivery target.
type Channel interface {
	Name() string
	Notify(ctx context.Context, n *violation.Notification) error
}

// Fanout delivers to all channels and joins their errors. One failing
// channel does not prevent delivery to the others.
type Fanout struct {
	channels []Channel
	onResult func(channel string, err error)
}

// New builds a fanout. onResult, when non-nil, observes each delivery.
func New(onResult func(channel string, err error), channels ...Channel) *Fanout {
	return &Fanout{channels: channels, onResult: onResult}
}

// Len reports how many channels are configured.
func (f *Fanout) Len() int { return len(f.channels) }

// Notify implements pipeline.Notifier.
func (f *Fanout) Notify(ctx context.Context, n *violation.Notification) error {
	var errs []error
	for _, ch := range f.channels {
		err := ch.Notify(ctx, n)
		if f.onResult != nil {
			f.onResult(ch.Name(), err)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ch.Name(), err))
		}
	}
	return errors.Join(errs...)
}
