package service

import (
	"context"
	"errors"
	"fmt"
)

// ErrFatal marks errors after which no useful work can continue.
var ErrFatal = errors.New("fatal")

var (
	ErrInstallFailed     = fmt.Errorf("%w: install failed", ErrFatal)
	ErrNotInstalled      = fmt.Errorf("%w: service not installed", ErrFatal)
	ErrNotStarted        = fmt.Errorf("%w: service not started", ErrFatal)
	ErrIncorrectPassword = fmt.Errorf("%w: incorrect password", ErrFatal)

	// ErrRestartRequired is returned after a successful install which needs
	// a fresh process environment. The caller is expected to restart the
	// program from its entry point.
	ErrRestartRequired = errors.New("restart required")

	ErrProcessNotKilled = errors.New("process not killed")
)

// IsFatal reports whether err must terminate the whole run.
func IsFatal(err error) bool {
	return errors.Is(err, ErrFatal)
}

// Service is a managed external dependency.
type Service interface {
	Name() string
	// Start is idempotent, a running service returns nil immediately.
	Start(ctx context.Context) error
	Restart(ctx context.Context) error
	// Stop is idempotent and safe to call on a stopped service.
	Stop(ctx context.Context) error
	Install(ctx context.Context) error
	State() ServiceState
}
