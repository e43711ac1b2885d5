// Package notify announces release lifecycle events to external channels.
// The pipeline only speaks three verbs; failures are logged by the caller and
// never fail an install.
package notify

import (
	"context"

	"github.com/cloudnetservice/updateserver/internal/versions"
)

// Publisher announces release lifecycle events. Announce may return
// bookkeeping properties (e.g. the id of the chat message it created) that
// the caller persists on the version for later Update/Delete calls.
type Publisher interface {
	Announce(ctx context.Context, line string, v *versions.Version) (map[string]string, error)
	Update(ctx context.Context, line string, v *versions.Version) error
	Delete(ctx context.Context, line string, v *versions.Version) error
}

// LogPublisher is the no-op publisher used when notifications are disabled.
type LogPublisher struct{}

func (LogPublisher) Announce(_ context.Context, _ string, _ *versions.Version) (map[string]string, error) {
	return nil, nil
}

func (LogPublisher) Update(context.Context, string, *versions.Version) error { return nil }

func (LogPublisher) Delete(context.Context, string, *versions.Version) error { return nil }
