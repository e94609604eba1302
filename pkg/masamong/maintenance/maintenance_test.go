package maintenance

import (
	"strings"
	"testing"
)

func TestNewValidatesSchedules(t *testing.T) {
	t.Parallel()

	if _, err := New(DefaultConfig(), nil, nil); err != nil {
		t.Fatalf("default schedules rejected: %v", err)
	}

	cfg := DefaultConfig()
	cfg.BackfillSchedule = "every now and then"
	_, err := New(cfg, nil, nil)
	if err == nil || !strings.Contains(err.Error(), "embedding-backfill") {
		t.Errorf("New = %v, want schedule parse error naming the job", err)
	}
}

func TestEmptyScheduleDisablesJob(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.ReindexSchedule = ""
	if _, err := New(cfg, nil, nil); err != nil {
		t.Fatalf("empty schedule should be skipped, got %v", err)
	}
}

func TestDisabledRunnerNoops(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Enabled = false
	r, err := New(cfg, nil, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	r.Start()
	r.Stop()
}
