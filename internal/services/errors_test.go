package services_test

import (
	"errors"
	"strings"
	"testing"

	"diffract/internal/services"
)

func TestWrapTagsMarkerAndDetail(t *testing.T) {
	base := errors.New("disk full")
	err := services.Wrap(services.ErrTransient, "reduce", "write chunk", "c0.1.2", base)
	if !errors.Is(err, services.ErrTransient) {
		t.Fatalf("expected transient marker, got %v", err)
	}
	if !errors.Is(err, base) {
		t.Fatal("expected wrapped cause to survive")
	}
	for _, want := range []string{"reduce", "write chunk", "c0.1.2"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("missing %q in %q", want, err.Error())
		}
	}
}

func TestWrapDefaultsToTransient(t *testing.T) {
	err := services.Wrap(nil, "", "", "", nil)
	if !errors.Is(err, services.ErrTransient) {
		t.Fatalf("expected transient default, got %v", err)
	}
	if !strings.Contains(err.Error(), "service failure") {
		t.Fatalf("unexpected message: %q", err.Error())
	}
}

func TestRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"convergence", services.Wrap(services.ErrConvergence, "fit", "", "", nil), false},
		{"validation", services.Wrap(services.ErrValidation, "recipe", "", "", nil), false},
		{"external", services.Wrap(services.ErrExternalTool, "decode", "", "", nil), true},
		{"transient", services.Wrap(services.ErrTransient, "worker", "", "", nil), true},
		{"timeout", services.Wrap(services.ErrTimeout, "fit", "", "", nil), true},
	}
	for _, tc := range cases {
		if got := services.Retryable(tc.err); got != tc.want {
			t.Errorf("%s: Retryable = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestFatal(t *testing.T) {
	if !services.Fatal(services.Wrap(services.ErrConfiguration, "config", "", "", nil)) {
		t.Fatal("configuration errors must abort the run")
	}
	if services.Fatal(services.Wrap(services.ErrExternalTool, "decode", "", "", nil)) {
		t.Fatal("frame-level errors must not abort the run")
	}
}
