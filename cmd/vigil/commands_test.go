package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tinytelemetry/vigil/internal/archive"
	"github.com/tinytelemetry/vigil/internal/model"
)

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestVersionCmd(t *testing.T) {
	out, err := runCmd(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.Contains(out, "Version:    dev") {
		t.Fatalf("output = %q", out)
	}
}

func TestRulesCheckCmd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yml")
	doc := `
rules:
  - id: payments-errors
    kind: severity
    severity: ERROR
    service: payments
    window: 1m
    threshold: 1
  - id: db-timeouts
    kind: pattern
    pattern: "timeout"
    window: 5m
    threshold: 1
    dedup:
      kind: template
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	out, err := runCmd(t, "rules", "check", path)
	if err != nil {
		t.Fatalf("rules check: %v", err)
	}
	for _, want := range []string{"payments-errors", "db-timeouts", "template", "2 rules OK"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestRulesCheckCmd_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yml")
	if err := os.WriteFile(path, []byte("rules:\n  - id: broken\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := runCmd(t, "rules", "check", path); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestRulesCheckCmd_RequiresFile(t *testing.T) {
	if _, err := runCmd(t, "rules", "check"); err == nil {
		t.Fatal("expected argument error")
	}
}

func TestReplaySpill_PutsBatchesToLocalArchive(t *testing.T) {
	dir := t.TempDir()
	cfg := appConfig{
		ArchiveDir: filepath.Join(dir, "archive"),
		SpillPath:  filepath.Join(dir, "spill.jsonl"),
	}

	spill, err := archive.OpenSpillLog(cfg.SpillPath)
	if err != nil {
		t.Fatalf("OpenSpillLog: %v", err)
	}
	batch := model.ArchiveBatch{
		ID:        archive.NewBatchID(),
		CreatedAt: time.Now().UTC(),
		Records:   []model.LogRecord{{Service: "payments", Severity: model.SeverityError, Message: "charge failed"}},
	}
	if err := spill.Append(archive.SpillEntry{Batch: batch, Reason: "bucket unreachable", Attempts: 6, SpilledAt: time.Now()}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	spill.Close()

	n, err := replaySpill(context.Background(), cfg)
	if err != nil {
		t.Fatalf("replaySpill: %v", err)
	}
	if n != 1 {
		t.Fatalf("replayed %d, want 1", n)
	}

	store, err := archive.NewLocalStore(cfg.ArchiveDir, "")
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	if _, err := store.Get(context.Background(), batch.ID); err != nil {
		t.Fatalf("archived batch missing: %v", err)
	}

	again, err := replaySpill(context.Background(), cfg)
	if err != nil || again != 0 {
		t.Fatalf("second replay = %d, %v; want 0, nil", again, err)
	}
}

func TestRenderStartupBanner(t *testing.T) {
	cfg := appConfig{
		APIEnabled:   true,
		APIAddr:      "127.0.0.1:3000",
		TCPAddr:      "127.0.0.1:4000",
		RulesPath:    "/etc/vigil/rules.yml",
		StoreDriver:  "postgres",
		BusDriver:    "kafka",
		KafkaBrokers: []string{"kafka:9092"},
		Topic:        "vigil.alerts",
	}
	out := renderStartupBanner(cfg, []string{"tcp", "stdin"}, 3)
	for _, want := range []string{"127.0.0.1:3000", "3 from /etc/vigil/rules.yml", "kafka:9092", "tcp, stdin", "disabled"} {
		if !strings.Contains(out, want) {
			t.Errorf("banner missing %q", want)
		}
	}
}
