// ABOUTME: Integration tests for runtime queue settings in queue_config.
package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/harishvreddy10/-queuectl/internal/store"
	"github.com/harishvreddy10/-queuectl/internal/testutil"
)

func TestSettings_DefaultsSeeded(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	settings, err := s.LoadSettings(ctx)
	if err != nil {
		t.Fatalf("LoadSettings: %v", err)
	}
	if settings.MaxWorkers != 5 {
		t.Errorf("workers.max = %d, want 5", settings.MaxWorkers)
	}
	if settings.PollInterval != time.Second {
		t.Errorf("workers.poll_interval = %s, want 1s", settings.PollInterval)
	}
	if settings.ShutdownTimeout != 30*time.Second {
		t.Errorf("workers.shutdown_timeout = %s, want 30s", settings.ShutdownTimeout)
	}
	if settings.MaxRetries != 3 {
		t.Errorf("retry.max_retries = %d, want 3", settings.MaxRetries)
	}
	if settings.BaseDelay != time.Second {
		t.Errorf("retry.base_delay = %s, want 1s", settings.BaseDelay)
	}
	if settings.MaxDelay != 5*time.Minute {
		t.Errorf("retry.max_delay = %s, want 5m", settings.MaxDelay)
	}
	if settings.DefaultTimeout != 30*time.Minute {
		t.Errorf("jobs.default_timeout = %s, want 30m", settings.DefaultTimeout)
	}
	if settings.CleanupCompletedAfter != 7*24*time.Hour {
		t.Errorf("jobs.cleanup_completed_after = %s, want 168h", settings.CleanupCompletedAfter)
	}
	if settings.CleanupFailedAfter != 30*24*time.Hour {
		t.Errorf("jobs.cleanup_failed_after = %s, want 720h", settings.CleanupFailedAfter)
	}
}

func TestSettings_SetAndGet(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	if err := s.SetSetting(ctx, "retry.max_retries", "7"); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	v, err := s.GetSetting(ctx, "retry.max_retries")
	if err != nil {
		t.Fatalf("GetSetting: %v", err)
	}
	if v != "7" {
		t.Errorf("value = %q, want 7", v)
	}

	settings, err := s.LoadSettings(ctx)
	if err != nil {
		t.Fatalf("LoadSettings: %v", err)
	}
	if settings.MaxRetries != 7 {
		t.Errorf("MaxRetries = %d, mutation must take effect on next load", settings.MaxRetries)
	}
}

func TestSettings_RejectsBadValues(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	if err := s.SetSetting(ctx, "workers.max", "lots"); err == nil {
		t.Error("non-integer workers.max accepted")
	}
	if err := s.SetSetting(ctx, "retry.base_delay", "soon"); err == nil {
		t.Error("non-duration retry.base_delay accepted")
	}
	if err := s.SetSetting(ctx, "nope.nope", "1"); !errors.Is(err, store.ErrUnknownSetting) {
		t.Errorf("unknown key: got %v, want ErrUnknownSetting", err)
	}
	if _, err := s.GetSetting(ctx, "nope.nope"); !errors.Is(err, store.ErrUnknownSetting) {
		t.Errorf("unknown key get: got %v, want ErrUnknownSetting", err)
	}
}

func TestSettings_Reset(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	if err := s.SetSetting(ctx, "workers.max", "42"); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	if err := s.ResetSettings(ctx); err != nil {
		t.Fatalf("ResetSettings: %v", err)
	}
	v, err := s.GetSetting(ctx, "workers.max")
	if err != nil {
		t.Fatalf("GetSetting: %v", err)
	}
	if v != "5" {
		t.Errorf("workers.max = %q after reset, want 5", v)
	}
}

func TestOutputs_RoundTrip(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	if err := s.Insert(ctx, newJob("out-1", "medium")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	ref, err := s.SaveOutput(ctx, "out-1", "=== STDOUT ===\nhello\n")
	if err != nil {
		t.Fatalf("SaveOutput: %v", err)
	}
	content, err := s.GetOutput(ctx, ref)
	if err != nil {
		t.Fatalf("GetOutput: %v", err)
	}
	if content != "=== STDOUT ===\nhello\n" {
		t.Errorf("content = %q", content)
	}
	if _, err := s.GetOutput(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("missing ref: got %v, want ErrNotFound", err)
	}
}
