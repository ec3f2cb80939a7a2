package testsupport

import (
	"context"
	"sync"

	"diffract/internal/services"
	"diffract/internal/services/fitkit"
)

// FakeEngine is an in-process fitkit.Engine for tests. By default every fit
// converges at the seeded position.
type FakeEngine struct {
	mu    sync.Mutex
	calls []fitkit.Request

	// FitFunc, when set, decides each call. call counts from zero.
	FitFunc func(call int, req fitkit.Request) (fitkit.Result, error)
}

// Fit implements fitkit.Engine.
func (f *FakeEngine) Fit(ctx context.Context, req fitkit.Request) (fitkit.Result, error) {
	f.mu.Lock()
	call := len(f.calls)
	f.calls = append(f.calls, req)
	fn := f.FitFunc
	f.mu.Unlock()

	if fn != nil {
		return fn(call, req)
	}
	return fitkit.Result{Position: req.Peak.Position, Area: 100, Sigma: 0.02, Gamma: 0.01}, nil
}

// Calls returns a copy of the recorded requests.
func (f *FakeEngine) Calls() []fitkit.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fitkit.Request(nil), f.calls...)
}

// NonConvergence builds the terminal per-cell failure the real engine
// reports when a fit does not converge.
func NonConvergence(peak string) error {
	return services.Wrap(services.ErrConvergence, "fit", peak, "max iterations reached", nil)
}

// InfrastructureFailure builds a retryable tool failure.
func InfrastructureFailure() error {
	return services.Wrap(services.ErrExternalTool, "fit", "run", "tool crashed", nil)
}
