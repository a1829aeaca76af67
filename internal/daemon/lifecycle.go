package daemon

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	stdsync "sync"
	"syscall"
	"time"

	"github.com/kunickiaj/codemem/internal/rawevents"
	"github.com/kunickiaj/codemem/internal/sync"
)

// DashboardServer is the narrow surface Lifecycle needs from the optional
// viewer dashboard, kept as an interface to avoid internal/daemon importing
// internal/dashboard directly.
type DashboardServer interface {
	Start(ctx context.Context) error
	Stop() error
}

// Lifecycle owns the background goroutines a running codemem daemon keeps
// alive: the raw-event sweeper, the peer sync scheduler, an optional peer
// discovery runner, an optional sync HTTP listener, and an optional viewer
// dashboard. It handles PID-file bookkeeping, single-instance detection via
// flock, and signal-driven graceful shutdown.
type Lifecycle struct {
	sweeper   *rawevents.Sweeper
	scheduler *sync.Scheduler
	discovery *sync.DiscoveryRunner

	syncServer   *sync.Server
	syncAddr     string
	dashboard    DashboardServer
	httpServer   *http.Server

	schedulerInterval time.Duration
	discoveryInterval time.Duration

	pidFile  string
	repoPath string
	lockFile string
	lock     *FileLock

	cancel       context.CancelFunc
	shutdownCh   chan struct{}
	shutdownOnce stdsync.Once
}

// NewLifecycle builds a lifecycle around the sweeper and scheduler, the two
// goroutines every daemon run needs. Everything else is optional and set
// through the Set* methods before calling Run.
func NewLifecycle(sweeper *rawevents.Sweeper, scheduler *sync.Scheduler, pidFile string) *Lifecycle {
	return &Lifecycle{
		sweeper:           sweeper,
		scheduler:         scheduler,
		schedulerInterval: 60 * time.Second,
		discoveryInterval: 5 * time.Minute,
		pidFile:           pidFile,
		shutdownCh:        make(chan struct{}),
	}
}

// SetRepoInfo records the project/db identity used for PID-file affinity
// checks. Call before Run.
func (l *Lifecycle) SetRepoInfo(repoPath string) { l.repoPath = repoPath }

// SetLockFile sets the flock path used for SIGKILL-resilient single
// instance detection. Call before Run.
func (l *Lifecycle) SetLockFile(lockFile string) { l.lockFile = lockFile }

// SetSchedulerInterval overrides the default sync scheduler tick interval.
func (l *Lifecycle) SetSchedulerInterval(d time.Duration) { l.schedulerInterval = d }

// SetDiscovery attaches a peer discovery runner, ticking on interval.
func (l *Lifecycle) SetDiscovery(d *sync.DiscoveryRunner, interval time.Duration) {
	l.discovery = d
	l.discoveryInterval = interval
}

// SetSyncServer attaches the peer sync HTTP listener at addr (e.g. ":7700").
func (l *Lifecycle) SetSyncServer(addr string, s *sync.Server) {
	l.syncAddr = addr
	l.syncServer = s
}

// SetDashboard attaches an optional viewer dashboard, started and stopped
// alongside the rest of the daemon.
func (l *Lifecycle) SetDashboard(d DashboardServer) { l.dashboard = d }

// Run starts all configured goroutines/listeners and blocks until a
// shutdown signal (SIGTERM/SIGINT) or a programmatic Shutdown() call, then
// runs the graceful teardown sequence.
func (l *Lifecycle) Run(ctx context.Context) error {
	if l.lockFile != "" {
		lock, err := AcquireLock(l.lockFile)
		if err != nil {
			return fmt.Errorf("failed to acquire daemon lock: %w", err)
		}
		l.lock = lock
		defer func() {
			if l.lock != nil {
				if err := l.lock.Release(); err != nil {
					fmt.Fprintf(os.Stderr, "warning: failed to release lock: %v\n", err)
				}
			}
		}()
	}

	if l.pidFile != "" {
		existing, existingInfo, err := CheckPIDFileJSON(l.pidFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to read existing PID file: %v\n", err)
		} else if existing {
			if ValidatePIDRepo(existingInfo, l.repoPath) {
				return fmt.Errorf("daemon already running (PID %d) for %s", existingInfo.PID, l.repoPath)
			}
			fmt.Fprintf(os.Stderr, "WARNING: PID file belongs to a different repo (%s), overwriting\n", existingInfo.RepoPath)
		}

		pidInfo := PIDInfo{PID: os.Getpid(), RepoPath: l.repoPath, StartedAt: time.Now().UTC()}
		if err := WritePIDFileJSON(l.pidFile, pidInfo); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
		defer func() { _ = RemovePIDFile(l.pidFile) }()
	}

	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	defer cancel()

	if l.syncServer != nil && l.syncAddr != "" {
		l.httpServer = &http.Server{Addr: l.syncAddr, Handler: l.syncServer.Handler(), ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := l.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				fmt.Fprintf(os.Stderr, "sync server error: %v\n", err)
			}
		}()
	}

	if l.dashboard != nil {
		if err := l.dashboard.Start(runCtx); err != nil {
			return fmt.Errorf("failed to start dashboard: %w", err)
		}
	}

	go l.sweeper.Run(runCtx)
	go l.scheduler.Run(runCtx, l.schedulerInterval)
	if l.discovery != nil {
		go l.discovery.Run(runCtx, l.discoveryInterval)
	}

	go l.handleSignals()

	<-l.shutdownCh
	return l.shutdown()
}

func (l *Lifecycle) handleSignals() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	fmt.Fprintf(os.Stderr, "Received signal %v, initiating graceful shutdown...\n", sig)
	l.Shutdown()
}

func (l *Lifecycle) shutdown() error {
	fmt.Fprintln(os.Stderr, "Starting graceful shutdown...")

	l.sweeper.Stop()
	if l.cancel != nil {
		l.cancel()
	}

	if l.dashboard != nil {
		if err := l.dashboard.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "Error stopping dashboard: %v\n", err)
		}
	}

	if l.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := l.httpServer.Shutdown(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error stopping sync server: %v\n", err)
		}
	}

	fmt.Fprintln(os.Stderr, "Graceful shutdown complete")
	return nil
}

// Shutdown triggers a graceful shutdown; safe to call more than once and
// safe to call from any goroutine.
func (l *Lifecycle) Shutdown() {
	l.shutdownOnce.Do(func() {
		close(l.shutdownCh)
	})
}

// ShutdownWithTimeout triggers a shutdown and returns. Shutdown closes the
// shutdown channel before the select runs, so this returns nil at once; it
// does not wait for Run's teardown to finish.
func (l *Lifecycle) ShutdownWithTimeout(timeout time.Duration) error {
	l.Shutdown()
	select {
	case <-l.shutdownCh:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("shutdown signal not processed after %v", timeout)
	}
}
