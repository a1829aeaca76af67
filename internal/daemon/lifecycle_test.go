package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kunickiaj/codemem/internal/rawevents"
	"github.com/kunickiaj/codemem/internal/sync"
)

func newTestSweeper() *rawevents.Sweeper {
	flusher := rawevents.NewFlusher(time.Millisecond, func(ctx context.Context, sessionID string) error { return nil }, nil)
	return rawevents.NewSweeper(nil, flusher, rawevents.SweeperConfig{Interval: time.Hour})
}

func newTestScheduler(t *testing.T) *sync.Scheduler {
	reg, err := sync.NewRegistry(filepath.Join(t.TempDir(), "peers.json"))
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	return sync.NewScheduler(reg, nil, 0)
}

func TestLifecycle_WritesAndRemovesPIDFile(t *testing.T) {
	tmpDir := t.TempDir()
	pidPath := filepath.Join(tmpDir, "test.pid")

	lc := NewLifecycle(newTestSweeper(), newTestScheduler(t), pidPath)

	errCh := make(chan error, 1)
	go func() { errCh <- lc.Run(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	if _, err := os.Stat(pidPath); os.IsNotExist(err) {
		t.Fatal("PID file was not created")
	}

	lc.Shutdown()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run() failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown timed out")
	}

	if _, err := os.Stat(pidPath); !os.IsNotExist(err) {
		t.Fatal("PID file was not removed after shutdown")
	}
}

func TestLifecycle_DoubleShutdownIsNoop(t *testing.T) {
	tmpDir := t.TempDir()
	pidPath := filepath.Join(tmpDir, "test.pid")
	lc := NewLifecycle(newTestSweeper(), newTestScheduler(t), pidPath)

	errCh := make(chan error, 1)
	go func() { errCh <- lc.Run(context.Background()) }()
	time.Sleep(20 * time.Millisecond)

	lc.Shutdown()
	lc.Shutdown()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run() failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown timed out")
	}
}

func TestLifecycle_ShutdownWithTimeout(t *testing.T) {
	tmpDir := t.TempDir()
	pidPath := filepath.Join(tmpDir, "test.pid")
	lc := NewLifecycle(newTestSweeper(), newTestScheduler(t), pidPath)

	errCh := make(chan error, 1)
	go func() { errCh <- lc.Run(context.Background()) }()
	time.Sleep(20 * time.Millisecond)

	if err := lc.ShutdownWithTimeout(2 * time.Second); err != nil {
		t.Fatalf("ShutdownWithTimeout failed: %v", err)
	}

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run() failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not finish after shutdown signal")
	}
}

func TestLifecycle_RejectsDuplicateDaemonForSameRepo(t *testing.T) {
	tmpDir := t.TempDir()
	pidPath := filepath.Join(tmpDir, "t.pid")
	repoPath := "/test/repo"

	if err := WritePIDFileJSON(pidPath, PIDInfo{PID: os.Getpid(), RepoPath: repoPath}); err != nil {
		t.Fatalf("failed to write PID file: %v", err)
	}

	lc := NewLifecycle(newTestSweeper(), newTestScheduler(t), pidPath)
	lc.SetRepoInfo(repoPath)

	err := lc.Run(context.Background())
	if err == nil {
		t.Fatal("expected error for a duplicate daemon on the same repo")
	}
}

func TestLifecycle_PIDFileFailure(t *testing.T) {
	lc := NewLifecycle(newTestSweeper(), newTestScheduler(t), "/nonexistent/directory/test.pid")
	if err := lc.Run(context.Background()); err == nil {
		t.Fatal("expected error writing PID file to an invalid path")
	}
}

type fakeDashboard struct {
	started, stopped bool
}

func (f *fakeDashboard) Start(ctx context.Context) error { f.started = true; return nil }
func (f *fakeDashboard) Stop() error                     { f.stopped = true; return nil }

func TestLifecycle_StartsAndStopsDashboard(t *testing.T) {
	tmpDir := t.TempDir()
	pidPath := filepath.Join(tmpDir, "test.pid")
	lc := NewLifecycle(newTestSweeper(), newTestScheduler(t), pidPath)

	dash := &fakeDashboard{}
	lc.SetDashboard(dash)

	errCh := make(chan error, 1)
	go func() { errCh <- lc.Run(context.Background()) }()
	time.Sleep(20 * time.Millisecond)

	if !dash.started {
		t.Error("expected dashboard to be started")
	}

	lc.Shutdown()
	select {
	case <-errCh:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown timed out")
	}

	if !dash.stopped {
		t.Error("expected dashboard to be stopped")
	}
}
