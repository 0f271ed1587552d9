package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/yanmarques/youtube-extractor/internal/executor"
	"github.com/yanmarques/youtube-extractor/internal/log"
)

// Installer is a single package manager invocation. An empty GOOS list
// means the installer works everywhere.
type Installer struct {
	Name    string
	Command executor.Command
	GOOS    []string
}

func (i Installer) supports(goos string) bool {
	return len(i.GOOS) == 0 || slices.Contains(i.GOOS, goos)
}

// Chain is an ordered fallback list of installers.
type Chain []Installer

// For returns the installers usable on goos, order preserved.
func (c Chain) For(goos string) Chain {
	var ret Chain
	for _, i := range c {
		if i.supports(goos) {
			ret = append(ret, i)
		}
	}
	return ret
}

// Names returns installer names in order.
func (c Chain) Names() []string {
	ret := make([]string, 0, len(c))
	for _, i := range c {
		ret = append(ret, i.Name)
	}
	return ret
}

// Install tries the installers in order and stops at the first one which
// succeeds, i.e. exits without writing to stderr. It returns the names of
// the attempted installers. An exhausted chain returns ErrInstallFailed
// joined with every attempt failure.
func (c Chain) Install(ctx context.Context, ex executor.Executor, logger *slog.Logger) ([]string, error) {
	logger = log.OrDefault(logger)
	if len(c) == 0 {
		return nil, fmt.Errorf("%w: no installer available for this platform", ErrInstallFailed)
	}

	attempted := make([]string, 0, len(c))
	errs := []error{ErrInstallFailed}
	for _, installer := range c {
		attempted = append(attempted, installer.Name)
		ictx := log.ContextAttrs(ctx, slog.String("installer", installer.Name))
		logger.InfoContext(ictx, "installing", "command", installer.Command.Line)

		err := attempt(ictx, ex, installer)
		if err == nil {
			logger.InfoContext(ictx, "installed")
			return attempted, nil
		}
		logger.WarnContext(ictx, "installer failed", "error", err)
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	return attempted, errors.Join(errs...)
}

func attempt(ctx context.Context, ex executor.Executor, installer Installer) error {
	res, err := ex.Execute(ctx, installer.Command)
	switch {
	case err != nil:
		return fmt.Errorf("%s: %w", installer.Name, err)
	case res.Stderr == executor.IncorrectPasswordMessage:
		return fmt.Errorf("%s: %w", installer.Name, ErrIncorrectPassword)
	case res.TimedOut:
		return fmt.Errorf("%s: %s", installer.Name, executor.TimedOutMessage)
	case !res.OK():
		return fmt.Errorf("%s: %s", installer.Name, res.Stderr)
	}
	return nil
}
