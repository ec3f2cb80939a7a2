package preflight

import (
	"os"
	"path/filepath"
	"testing"

	"diffract/internal/config"
)

func TestCheckBinary(t *testing.T) {
	if r := CheckBinary("shell", "sh"); !r.Passed {
		t.Fatalf("sh should resolve: %s", r.Detail)
	}
	if r := CheckBinary("missing", "definitely-not-a-binary-7f3a"); r.Passed {
		t.Fatal("nonexistent binary must fail")
	}
	if r := CheckBinary("empty", "  "); r.Passed {
		t.Fatal("blank command must fail")
	}
}

func TestCheckDirectoryAccess(t *testing.T) {
	dir := t.TempDir()
	if r := CheckDirectoryAccess("dir", dir); !r.Passed {
		t.Fatalf("temp dir should pass: %s", r.Detail)
	}
	if r := CheckDirectoryAccess("dir", filepath.Join(dir, "missing")); r.Passed {
		t.Fatal("missing dir must fail")
	}

	file := filepath.Join(dir, "file")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if r := CheckDirectoryAccess("dir", file); r.Passed {
		t.Fatal("regular file must fail")
	}
}

func TestSummarize(t *testing.T) {
	base := t.TempDir()
	cfg := config.Default()
	cfg.Fitting.Binary = "sh"
	cfg.Paths.OutputRoot = filepath.Join(base, "out")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.Paths.ScratchDir = filepath.Join(base, "scratch")
	cfg.Paths.LedgerDir = filepath.Join(base, "ledger")
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}

	if err := Summarize(RunAll(&cfg)); err != nil {
		t.Fatalf("all checks should pass: %v", err)
	}

	cfg.Fitting.Binary = "definitely-not-a-binary-7f3a"
	err := Summarize(RunAll(&cfg))
	if err == nil {
		t.Fatal("expected preflight failure")
	}
}
