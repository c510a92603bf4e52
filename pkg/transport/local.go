package transport

import (
	"context"

	"github.com/heitortanoue/crdtboard/pkg/presence"
)

// LocalProvider keeps a replica offline. Presence only ever contains the
// local client, so the replica elects itself.
type LocalProvider struct {
	*Notifier
	awareness *presence.Awareness
}

// NewLocalProvider wraps awareness without any remote side.
func NewLocalProvider(awareness *presence.Awareness) *LocalProvider {
	return &LocalProvider{
		Notifier:  NewNotifier(),
		awareness: awareness,
	}
}

// Connect records that no remote side exists.
func (p *LocalProvider) Connect(context.Context) error {
	p.SetError(ErrTransportUnavailable)
	p.SetStatus(StatusDisconnected)
	return nil
}

// Close is a no-op.
func (p *LocalProvider) Close() error {
	return nil
}

// Awareness returns the local presence tracker.
func (p *LocalProvider) Awareness() *presence.Awareness {
	return p.awareness
}
