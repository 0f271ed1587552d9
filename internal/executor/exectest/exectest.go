// Package exectest provides a scriptable executor.Executor for tests.
package exectest

import (
	"context"
	"strings"
	"sync"

	"github.com/yanmarques/youtube-extractor/internal/executor"
)

type rule struct {
	match   func(executor.Command) bool
	respond func(executor.Command) (executor.Result, error)
}

// Fake answers commands by the first registered rule matching them and
// records every call. Unmatched commands get Default.
type Fake struct {
	mx      sync.Mutex
	rules   []rule
	calls   []executor.Command
	Default executor.Result
}

func New() *Fake {
	return &Fake{}
}

// On answers commands containing substr with results in order, the last
// result is repeated once the list is exhausted.
func (f *Fake) On(substr string, results ...executor.Result) *Fake {
	var mx sync.Mutex
	var n int
	return f.OnFunc(
		func(c executor.Command) bool { return strings.Contains(c.Line, substr) },
		func(executor.Command) (executor.Result, error) {
			if len(results) == 0 {
				return executor.Result{}, nil
			}
			mx.Lock()
			defer mx.Unlock()
			r := results[min(n, len(results)-1)]
			n++
			return r, nil
		},
	)
}

// OnError makes commands containing substr fail to start.
func (f *Fake) OnError(substr string, err error) *Fake {
	return f.OnFunc(
		func(c executor.Command) bool { return strings.Contains(c.Line, substr) },
		func(executor.Command) (executor.Result, error) { return executor.Result{}, err },
	)
}

func (f *Fake) OnFunc(match func(executor.Command) bool, respond func(executor.Command) (executor.Result, error)) *Fake {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.rules = append(f.rules, rule{match: match, respond: respond})
	return f
}

// Execute responds outside of the lock, so rules may block to simulate
// long running commands.
func (f *Fake) Execute(ctx context.Context, cmd executor.Command) (executor.Result, error) {
	f.mx.Lock()
	f.calls = append(f.calls, cmd)
	respond := func(executor.Command) (executor.Result, error) { return f.Default, nil }
	for _, r := range f.rules {
		if r.match(cmd) {
			respond = r.respond
			break
		}
	}
	f.mx.Unlock()

	if err := ctx.Err(); err != nil {
		return executor.Result{}, err
	}
	res, err := respond(cmd)
	res.Line = cmd.Line
	return res, err
}

func (f *Fake) Calls() []executor.Command {
	f.mx.Lock()
	defer f.mx.Unlock()
	return append([]executor.Command(nil), f.calls...)
}

// Lines returns the command lines of recorded calls.
func (f *Fake) Lines() []string {
	f.mx.Lock()
	defer f.mx.Unlock()
	ret := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		ret = append(ret, c.Line)
	}
	return ret
}

// Count returns how many recorded calls contain substr.
func (f *Fake) Count(substr string) int {
	var n int
	for _, l := range f.Lines() {
		if strings.Contains(l, substr) {
			n++
		}
	}
	return n
}
