// Package execution provides the backend abstraction layer.
//
// service.go - Service contract and the notification stream
package execution

import (
	"context"

	"github.com/HyphaGroup/palisade/internal/config"
	"github.com/HyphaGroup/palisade/internal/protocol"
)

// Notification is one entry in a service's event stream: a tagged
// union of lifecycle signals and canonical events.
type Notification struct {
	Kind   NotificationKind
	Event  *protocol.Event // set for NotifyEvent
	Result *Result         // set for NotifyCompleted / NotifyStopped
	Err    error           // set for NotifyError
}

// Service is one interchangeable execution backend. Implementations
// own the full lifecycle of their external process or containers.
//
// IsSupported is a cheap side-effect-free precheck; Validate may be
// slow and is always invoked under a caller-supplied timeout. Execute
// spawns exactly one backend instance and returns a live handle;
// spawn failures surface through the handle and the notification
// stream, never as a synchronous panic. Cleanup releases all
// resources unconditionally and is safe to call multiple times.
type Service interface {
	Mode() Mode
	Capabilities() *Capabilities
	IsSupported(cfg *config.Config) bool
	Validate(ctx context.Context, cfg *config.Config) *ValidationResult
	Execute(ctx context.Context, params Params, cfg *config.Config) (*Handle, error)
	Notifications() <-chan Notification
	Cleanup() error
}
