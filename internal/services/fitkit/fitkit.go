package fitkit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"diffract/internal/services"
)

var commandContext = exec.CommandContext

// PeakSeed describes the peak to fit and its 2-theta window.
type PeakSeed struct {
	Name     string     `json:"name"`
	Position float64    `json:"position"`
	Limits   [2]float64 `json:"limits"`
}

// Request is one fit invocation: a single-bin pattern restricted to the
// peak's window, plus optional background peak positions.
type Request struct {
	TwoTheta   []float64 `json:"two_theta"`
	Intensity  []float64 `json:"intensity"`
	Peak       PeakSeed  `json:"peak"`
	Background []float64 `json:"background,omitempty"`
}

// Result is the converged peak model. Position is in 2-theta degrees;
// sigma and gamma are the Gaussian and Lorentzian width components.
type Result struct {
	Position float64 `json:"position"`
	Area     float64 `json:"area"`
	Sigma    float64 `json:"sigma"`
	Gamma    float64 `json:"gamma"`
}

// Engine defines the external peak-fitting capability.
type Engine interface {
	Fit(ctx context.Context, req Request) (Result, error)
}

// Option configures the CLI engine.
type Option func(*CLI)

// WithBinary overrides the default binary name.
func WithBinary(binary string) Option {
	return func(c *CLI) {
		if binary != "" {
			c.binary = binary
		}
	}
}

// WithTimeout bounds a single fit invocation.
func WithTimeout(d time.Duration) Option {
	return func(c *CLI) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// CLI wraps the fitkit command-line fitting engine. The request is passed
// as JSON on stdin and the result read as JSON from stdout.
type CLI struct {
	binary  string
	timeout time.Duration
}

// NewCLI constructs a CLI engine using defaults.
func NewCLI(opts ...Option) *CLI {
	cli := &CLI{binary: "fitkit", timeout: 60 * time.Second}
	for _, opt := range opts {
		opt(cli)
	}
	return cli
}

// Fit runs one fit. Non-convergence is reported with services.ErrConvergence
// so callers can tell a bad cell from a broken tool.
func (c *CLI) Fit(ctx context.Context, req Request) (Result, error) {
	if len(req.TwoTheta) == 0 || len(req.TwoTheta) != len(req.Intensity) {
		return Result{}, services.Wrap(services.ErrValidation, "fit", "request",
			fmt.Sprintf("pattern length %d/%d", len(req.TwoTheta), len(req.Intensity)), nil)
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return Result{}, services.Wrap(services.ErrValidation, "fit", "encode request", req.Peak.Name, err)
	}

	cmd := commandContext(ctx, c.binary, "fit", "--json") //nolint:gosec
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return Result{}, services.Wrap(services.ErrTimeout, "fit", "run", c.binary, ctx.Err())
		}
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		return Result{}, services.Wrap(services.ErrExternalTool, "fit", "run",
			fmt.Sprintf("%s: %s", c.binary, detail), err)
	}

	var response struct {
		Converged bool   `json:"converged"`
		Reason    string `json:"reason"`
		Result
	}
	if err := json.Unmarshal(stdout.Bytes(), &response); err != nil {
		return Result{}, services.Wrap(services.ErrExternalTool, "fit", "decode response", c.binary, err)
	}
	if !response.Converged {
		reason := response.Reason
		if reason == "" {
			reason = "fit did not converge"
		}
		return Result{}, services.Wrap(services.ErrConvergence, "fit", req.Peak.Name, reason, nil)
	}
	return response.Result, nil
}

// IsConvergenceFailure reports whether the error is a terminal per-cell fit
// failure rather than an infrastructure problem.
func IsConvergenceFailure(err error) bool {
	return errors.Is(err, services.ErrConvergence)
}
