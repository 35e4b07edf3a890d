package watch

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"astrophot/internal/config"
	"astrophot/internal/pipeline"
)

func TestIsPhotometryTable(t *testing.T) {
	cases := []struct {
		path string
		want bool
	}{
		{"OBJ_V_60_20230801_1d2_60155d25_INST.csv", true},
		{"table.CSV", true},
		{"image.fits", false},
		{"notes.txt", false},
	}
	for _, tc := range cases {
		if got := isPhotometryTable(tc.path); got != tc.want {
			t.Fatalf("%s: expected %v, got %v", tc.path, tc.want, got)
		}
	}
}

func TestWatcherSubmitsAfterSettle(t *testing.T) {
	t.Setenv("ASTROPHOT_CONFIG", filepath.Join(t.TempDir(), "nope.json"))
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	pipe := pipeline.New(context.Background(), 1, slog.Default(), nil, cfg)
	t.Cleanup(pipe.Stop)

	resCh, unsubscribe := pipe.Subscribe()
	defer unsubscribe()

	watchDir := t.TempDir()
	wcfg := config.Watch{
		Directory: watchDir,
		SettleSec: 1,
		TargetRA:  180.0,
		TargetDec: 0.0,
	}
	w, err := New(wcfg, t.TempDir(), pipe, slog.Default())
	if err != nil {
		t.Fatalf("create watcher: %v", err)
	}
	t.Cleanup(func() { w.Stop() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	path := filepath.Join(watchDir, "OBJ_V_60_20230801_1d2_60155d25_INST.csv")
	if err := os.WriteFile(path, []byte("180.0,0.0,1,1,1000,10\n"), 0o644); err != nil {
		t.Fatalf("write table: %v", err)
	}

	// The run fails downstream (a single frame cannot make a curve), but a
	// result arriving at all proves the settle timer fired and submitted.
	select {
	case res := <-resCh:
		if res.Job.Type != pipeline.JobRun {
			t.Fatalf("expected a full run job, got %v", res.Job.Type)
		}
		if res.Job.InputPath != watchDir {
			t.Fatalf("expected input %s, got %s", watchDir, res.Job.InputPath)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("timed out waiting for watched run")
	}
}
