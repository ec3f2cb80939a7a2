package fitkit

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"testing"

	"diffract/internal/services"
)

func TestNewCLIWithBinary(t *testing.T) {
	cli := NewCLI(WithBinary("/opt/fitkit"))
	if cli.binary != "/opt/fitkit" {
		t.Fatalf("expected binary override to be applied, got %q", cli.binary)
	}
}

func TestFitRejectsMalformedRequest(t *testing.T) {
	cli := NewCLI()
	_, err := cli.Fit(context.Background(), Request{TwoTheta: []float64{1, 2}, Intensity: []float64{1}})
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func stubEngine(t *testing.T, mode string) {
	t.Helper()
	original := commandContext
	commandContext = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		cmd := exec.CommandContext(ctx, os.Args[0], "-test.run=TestHelperProcess")
		cmd.Env = append(os.Environ(), "GO_WANT_HELPER_PROCESS=1", "FITKIT_HELPER_MODE="+mode)
		return cmd
	}
	t.Cleanup(func() {
		commandContext = original
	})
}

func sampleRequest() Request {
	return Request{
		TwoTheta:  []float64{8.2, 8.3, 8.4, 8.5},
		Intensity: []float64{10, 55, 58, 12},
		Peak:      PeakSeed{Name: "110", Position: 8.35, Limits: [2]float64{8.2, 8.5}},
	}
}

func TestCLIFitParsesResult(t *testing.T) {
	stubEngine(t, "success")
	res, err := NewCLI().Fit(context.Background(), sampleRequest())
	if err != nil {
		t.Fatalf("Fit returned error: %v", err)
	}
	if res.Position != 8.351 || res.Area != 123.4 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestCLIFitReportsConvergenceFailure(t *testing.T) {
	stubEngine(t, "no-converge")
	_, err := NewCLI().Fit(context.Background(), sampleRequest())
	if !IsConvergenceFailure(err) {
		t.Fatalf("expected convergence failure, got %v", err)
	}
	if services.Retryable(err) {
		t.Fatal("convergence failures must not be retryable")
	}
}

func TestCLIFitReportsToolFailure(t *testing.T) {
	stubEngine(t, "crash")
	_, err := NewCLI().Fit(context.Background(), sampleRequest())
	if !errors.Is(err, services.ErrExternalTool) {
		t.Fatalf("expected external tool error, got %v", err)
	}
	if !services.Retryable(err) {
		t.Fatal("tool failures should be retryable")
	}
}

func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	switch os.Getenv("FITKIT_HELPER_MODE") {
	case "success":
		fmt.Println(`{"converged": true, "position": 8.351, "area": 123.4, "sigma": 0.02, "gamma": 0.01}`)
		os.Exit(0)
	case "no-converge":
		fmt.Println(`{"converged": false, "reason": "max iterations reached"}`)
		os.Exit(0)
	case "crash":
		fmt.Fprintln(os.Stderr, "segmentation fault")
		os.Exit(2)
	}
	os.Exit(0)
}
