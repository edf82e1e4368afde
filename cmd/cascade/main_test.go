package main

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/xraph/cascade/backoff"
	"github.com/xraph/cascade/event"
	"github.com/xraph/cascade/flow"
)

func TestLoadSettings(t *testing.T) {
	cmd := &cobra.Command{Use: "serve"}
	v := viper.New()
	if err := setupServeFlags(cmd, v); err != nil {
		t.Fatal(err)
	}
	if err := cmd.Flags().Set("backend", "sqlite"); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CASCADE_CONCURRENCY", "3")

	s, err := loadSettings(cmd, v)
	if err != nil {
		t.Fatalf("loadSettings: %v", err)
	}
	if s.Backend != backendSQLite || s.Concurrency != 3 || s.WebhookPrefix != "/webhooks" {
		t.Errorf("settings = %+v", s)
	}
	if s.Workers {
		t.Error("workers on by default")
	}

	if _, ok := s.retryBackoff().(*backoff.ExponentialWithJitter); !ok {
		t.Errorf("retry backoff = %T, want jittered", s.retryBackoff())
	}
	s.RetryJitter = false
	if d := s.retryBackoff().Delay(3); d != 4*time.Second {
		t.Errorf("third retry delay = %s, want 4s", d)
	}

	if err := cmd.Flags().Set("retry-max", "10ms"); err != nil {
		t.Fatal(err)
	}
	if _, err := loadSettings(cmd, v); err == nil {
		t.Error("retry-max below retry-initial accepted")
	}
	if err := cmd.Flags().Set("retry-max", "1m"); err != nil {
		t.Fatal(err)
	}

	if err := cmd.Flags().Set("backend", "etcd"); err != nil {
		t.Fatal(err)
	}
	if _, err := loadSettings(cmd, v); err == nil {
		t.Error("unknown backend accepted")
	}
}

func TestFormatRecord(t *testing.T) {
	rec := &event.Record{
		Timestamp: time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC),
		Type:      event.StepCompleted,
		StepName:  "ship",
		Data:      json.RawMessage(`{"ok":true}`),
	}
	got := formatRecord(rec)
	for _, want := range []string{"15:04:05", "step.completed", "ship", `{"ok":true}`} {
		if !strings.Contains(got, want) {
			t.Errorf("formatRecord = %q, missing %q", got, want)
		}
	}
}

func TestNewLogger(t *testing.T) {
	if _, _, err := newLogger("verbose"); err == nil {
		t.Error("unknown level accepted")
	}
	zl, logger, err := newLogger("debug")
	if err != nil {
		t.Fatalf("newLogger: %v", err)
	}
	defer func() { _ = zl.Sync() }()
	if logger == nil {
		t.Fatal("nil slog logger")
	}
}

func TestExampleConfigCompiles(t *testing.T) {
	cmd := &cobra.Command{Use: "serve"}
	v := viper.New()
	if err := setupServeFlags(cmd, v); err != nil {
		t.Fatal(err)
	}
	if err := cmd.Flags().Set("config", "cascade.example.yaml"); err != nil {
		t.Fatal(err)
	}
	s, err := loadSettings(cmd, v)
	if err != nil {
		t.Fatalf("loadSettings: %v", err)
	}
	if s.Backend != backendRedis || s.BaseURL != "https://flows.example.com" {
		t.Errorf("settings = %+v", s)
	}

	defs, err := flow.Compile(s.Steps)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if len(defs) != 1 || defs[0].Name != "orders" || defs[0].EntryStep != "place-order" {
		t.Fatalf("defs = %+v", defs)
	}
	approve := defs[0].Steps["approve"]
	if approve.AwaitBefore == nil || approve.AwaitBefore.Timeout != 24*time.Hour {
		t.Errorf("approve await = %+v", approve.AwaitBefore)
	}
	if err := flow.Validate(defs[0]); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestJSONFlag(t *testing.T) {
	cmd := triggerCmd()
	if v, err := jsonFlag(cmd, "data"); err != nil || v != nil {
		t.Fatalf("empty flag = %v, %v", v, err)
	}
	if err := cmd.Flags().Set("data", `{"region":"eu"}`); err != nil {
		t.Fatal(err)
	}
	v, err := jsonFlag(cmd, "data")
	if err != nil {
		t.Fatalf("jsonFlag: %v", err)
	}
	if string(v.(json.RawMessage)) != `{"region":"eu"}` {
		t.Errorf("jsonFlag = %s", v)
	}
	if err := cmd.Flags().Set("data", `{region`); err != nil {
		t.Fatal(err)
	}
	if _, err := jsonFlag(cmd, "data"); err == nil {
		t.Error("invalid JSON accepted")
	}
}
