package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/heitortanoue/crdtboard/internal/observer"
	"github.com/heitortanoue/crdtboard/pkg/presence"
)

// Status is the connection state of a provider.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

// ErrTransportUnavailable is recorded when the remote side cannot be
// reached. Local edits keep working while it is set.
var ErrTransportUnavailable = errors.New("transport unavailable")

// Provider moves document updates and presence between one local replica
// and its peers.
type Provider interface {
	Connect(ctx context.Context) error
	Close() error
	Awareness() *presence.Awareness
	Status() Status
	Synced() bool
	LastError() error
	OnStatus(fn func(Status)) func()
	OnSynced(fn func(bool)) func()
}

// Notifier holds the status and sync flags shared by every provider and
// notifies listeners when they change.
type Notifier struct {
	mutex   sync.RWMutex
	status  Status
	synced  bool
	lastErr error

	statusObs observer.Set[Status]
	syncedObs observer.Set[bool]
}

// NewNotifier starts in the disconnected, unsynced state.
func NewNotifier() *Notifier {
	return &Notifier{status: StatusDisconnected}
}

// Status returns the current connection status.
func (n *Notifier) Status() Status {
	n.mutex.RLock()
	defer n.mutex.RUnlock()
	return n.status
}

// Synced reports whether the initial exchange with the remote side completed.
func (n *Notifier) Synced() bool {
	n.mutex.RLock()
	defer n.mutex.RUnlock()
	return n.synced
}

// LastError returns the last transport failure, or nil.
func (n *Notifier) LastError() error {
	n.mutex.RLock()
	defer n.mutex.RUnlock()
	return n.lastErr
}

// OnStatus registers fn for status transitions.
func (n *Notifier) OnStatus(fn func(Status)) func() {
	return n.statusObs.Add(fn)
}

// OnSynced registers fn for changes of the synced flag.
func (n *Notifier) OnSynced(fn func(bool)) func() {
	return n.syncedObs.Add(fn)
}

// SetStatus records s and notifies listeners when it differs.
func (n *Notifier) SetStatus(s Status) {
	n.mutex.Lock()
	changed := n.status != s
	n.status = s
	if s == StatusConnected {
		n.lastErr = nil
	}
	n.mutex.Unlock()

	if changed {
		n.statusObs.Emit(s)
	}
}

// SetSynced records v and notifies listeners when it differs.
func (n *Notifier) SetSynced(v bool) {
	n.mutex.Lock()
	changed := n.synced != v
	n.synced = v
	n.mutex.Unlock()

	if changed {
		n.syncedObs.Emit(v)
	}
}

// SetError records err as the last failure.
func (n *Notifier) SetError(err error) {
	n.mutex.Lock()
	n.lastErr = err
	n.mutex.Unlock()
}

// Stats returns the notifier flags for status endpoints.
func (n *Notifier) Stats() map[string]interface{} {
	n.mutex.RLock()
	defer n.mutex.RUnlock()

	stats := map[string]interface{}{
		"status": string(n.status),
		"synced": n.synced,
	}
	if n.lastErr != nil {
		stats["last_error"] = n.lastErr.Error()
	}
	return stats
}
