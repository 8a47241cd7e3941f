package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	path := filepath.Join(t.TempDir(), "jarvis.db")
	usageStore, err := Open(path)
	if err != nil {
		t.Fatalf("open store failed: %v", err)
	}
	t.Cleanup(func() {
		if err := usageStore.Close(); err != nil {
			t.Fatalf("close store failed: %v", err)
		}
	})

	return usageStore
}

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()

	if _, err := Open("  "); err == nil {
		t.Fatal("expected error for blank path")
	}
}

// TestRecordUsageAccumulates verifies per-key count and duration aggregation.
func TestRecordUsageAccumulates(t *testing.T) {
	t.Parallel()

	usageStore := newTestStore(t)
	recordedAt := time.Date(2025, time.June, 10, 8, 30, 0, 0, time.UTC)
	usageStore.now = func() time.Time { return recordedAt }

	ctx := context.Background()
	for _, key := range []string{"echo.say", "echo.say", "vcs.status"} {
		if err := usageStore.RecordUsage(ctx, key, 40*time.Millisecond); err != nil {
			t.Fatalf("record usage failed: %v", err)
		}
	}

	records, err := usageStore.TopCommands(ctx, 5)
	if err != nil {
		t.Fatalf("top commands failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("records = %d, want 2", len(records))
	}
	if records[0].Key != "echo.say" || records[0].Count != 2 {
		t.Fatalf("records[0] = %+v, want echo.say with count 2", records[0])
	}
	if records[0].TotalTime != 80*time.Millisecond {
		t.Fatalf("total time = %v, want 80ms", records[0].TotalTime)
	}
	if !records[0].LastUsed.Equal(recordedAt) {
		t.Fatalf("last used = %v, want %v", records[0].LastUsed, recordedAt)
	}
	if records[1].Key != "vcs.status" || records[1].Count != 1 {
		t.Fatalf("records[1] = %+v, want vcs.status with count 1", records[1])
	}
}

// TestTopCommandsOrdersAndLimits verifies busiest-first ordering with the key
// tiebreak and the limit guard.
func TestTopCommandsOrdersAndLimits(t *testing.T) {
	t.Parallel()

	usageStore := newTestStore(t)
	ctx := context.Background()

	for key, count := range map[string]int{"ml.evaluate": 3, "echo.say": 1, "echo.fail": 1} {
		for range count {
			if err := usageStore.RecordUsage(ctx, key, time.Millisecond); err != nil {
				t.Fatalf("record usage failed: %v", err)
			}
		}
	}

	records, err := usageStore.TopCommands(ctx, 2)
	if err != nil {
		t.Fatalf("top commands failed: %v", err)
	}
	got := make([]string, 0, len(records))
	for _, record := range records {
		got = append(got, record.Key)
	}
	want := []string{"ml.evaluate", "echo.fail"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("keys = %v, want %v", got, want)
	}

	if _, err := usageStore.TopCommands(ctx, 0); err == nil {
		t.Fatal("expected error for non-positive limit")
	}
}

// TestResetUsageClearsRows verifies reset leaves an empty usage table.
func TestResetUsageClearsRows(t *testing.T) {
	t.Parallel()

	usageStore := newTestStore(t)
	ctx := context.Background()

	if err := usageStore.RecordUsage(ctx, "echo.say", time.Millisecond); err != nil {
		t.Fatalf("record usage failed: %v", err)
	}
	if err := usageStore.ResetUsage(ctx); err != nil {
		t.Fatalf("reset usage failed: %v", err)
	}

	records, err := usageStore.TopCommands(ctx, 5)
	if err != nil {
		t.Fatalf("top commands failed: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("records = %v, want none after reset", records)
	}
}

// TestSaveLoadedRoundTrip verifies the loaded set replaces the prior one.
func TestSaveLoadedRoundTrip(t *testing.T) {
	t.Parallel()

	usageStore := newTestStore(t)
	ctx := context.Background()

	if err := usageStore.SaveLoaded(ctx, []string{"sysinfo", "echo", " "}); err != nil {
		t.Fatalf("save loaded failed: %v", err)
	}
	names, err := usageStore.LoadedModules(ctx)
	if err != nil {
		t.Fatalf("loaded modules failed: %v", err)
	}
	if fmt.Sprint(names) != fmt.Sprint([]string{"echo", "sysinfo"}) {
		t.Fatalf("names = %v, want sorted echo and sysinfo", names)
	}

	if err := usageStore.SaveLoaded(ctx, []string{"vcs"}); err != nil {
		t.Fatalf("save loaded failed: %v", err)
	}
	names, err = usageStore.LoadedModules(ctx)
	if err != nil {
		t.Fatalf("loaded modules failed: %v", err)
	}
	if fmt.Sprint(names) != fmt.Sprint([]string{"vcs"}) {
		t.Fatalf("names = %v, want only vcs", names)
	}

	if err := usageStore.SaveLoaded(ctx, nil); err != nil {
		t.Fatalf("save empty set failed: %v", err)
	}
	names, err = usageStore.LoadedModules(ctx)
	if err != nil {
		t.Fatalf("loaded modules failed: %v", err)
	}
	if len(names) != 0 {
		t.Fatalf("names = %v, want none", names)
	}
}

// TestStoreGuardsAgainstMisuse verifies nil-receiver and bad-input paths.
func TestStoreGuardsAgainstMisuse(t *testing.T) {
	t.Parallel()

	var missing *Store
	if err := missing.Close(); err != nil {
		t.Fatalf("nil close failed: %v", err)
	}
	if err := missing.RecordUsage(context.Background(), "echo.say", 0); err == nil {
		t.Fatal("expected error from unconfigured store")
	}

	usageStore := newTestStore(t)
	if err := usageStore.RecordUsage(context.Background(), "  ", time.Second); err == nil {
		t.Fatal("expected error for blank key")
	}
}
