package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/kunickiaj/codemem/internal/dashboard"
	"github.com/kunickiaj/codemem/internal/daemon"
	"github.com/kunickiaj/codemem/internal/identity"
	"github.com/kunickiaj/codemem/internal/paths"
	"github.com/kunickiaj/codemem/internal/rawevents"
	syncpkg "github.com/kunickiaj/codemem/internal/sync"
)

func daemonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the background sweeper, sync scheduler, and optional sync listener",
	}
	cmd.AddCommand(daemonRunCmd())
	return cmd
}

func daemonRunCmd() *cobra.Command {
	var syncAddr string
	var withDashboard bool
	var classifierCmd []string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the codemem daemon and block until terminated",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			st, err := openStore()
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			stateDir, err := paths.StateDir()
			if err != nil {
				return fmt.Errorf("resolve state dir: %w", err)
			}
			deviceID, err := identity.LoadOrCreateDeviceID(stateDir)
			if err != nil {
				return err
			}
			st.WithDeviceID(deviceID)

			var classifier rawevents.Classifier
			if len(classifierCmd) > 0 {
				classifier = rawevents.NewSubprocessClassifier(classifierCmd...)
			} else {
				classifier = rawevents.NewSubprocessClassifier()
			}
			flusher := rawevents.NewFlusher(
				time.Duration(cfg.RawEvents.DebounceMS)*time.Millisecond,
				st.NewRawEventFlush(classifier),
				&rawevents.AuthBackoff{},
			)
			sweeper := rawevents.NewSweeper(nil, flusher, rawevents.SweeperConfig{
				Interval:     time.Duration(cfg.RawEvents.SweeperInterval) * time.Millisecond,
				RetentionMS:  int64(cfg.RawEvents.RetentionMS),
				StuckBatchMS: int64(cfg.RawEvents.StuckBatchMS),
				IdleMS:       int64(cfg.RawEvents.SweeperIdleMS),
				PendingLimit: cfg.RawEvents.SweeperLimit,
			})

			peersPath := filepath.Join(stateDir, "peers.json")
			registry, err := syncpkg.NewRegistry(peersPath)
			if err != nil {
				return fmt.Errorf("open peer registry: %w", err)
			}

			pub, priv, err := syncpkg.EnsureIdentityKeys(cfg.KeysDir)
			if err != nil {
				return fmt.Errorf("load sync identity keys: %w", err)
			}
			client := syncpkg.NewClient(deviceID, priv, st)
			scheduler := syncpkg.NewScheduler(registry, client, 500)

			pidFile := filepath.Join(stateDir, "daemon.pid")
			lc := daemon.NewLifecycle(sweeper, scheduler, pidFile)
			lc.SetRepoInfo(cfg.DBPath)
			lc.SetLockFile(filepath.Join(stateDir, "daemon.lock"))

			if syncAddr != "" {
				limiter := syncpkg.NewRateLimiter(syncpkg.RateLimitConfig{
					MaxRequestsPerSecond: 5,
					BurstSize:            10,
					MaxQueueDepth:        50,
					Enabled:              true,
				})
				fingerprint := syncpkg.Fingerprint(pub)
				syncSrv := syncpkg.NewServer(deviceID, fingerprint, priv, st, registry, limiter)
				lc.SetSyncServer(syncAddr, syncSrv)
			}

			lc.SetDiscovery(syncpkg.NewDiscoveryRunner(syncpkg.NoopDiscoverer{}, registry), 5*time.Minute)

			if withDashboard {
				hub, err := dashboard.NewAutoHub(filepath.Dir(cfg.DBPath), st)
				if err != nil {
					return fmt.Errorf("start dashboard: %w", err)
				}
				lc.SetDashboard(hub)
			}

			if !flagQuiet {
				fmt.Printf("codemem daemon starting (device %s, db %s)\n", deviceID, cfg.DBPath)
			}
			return lc.Run(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&syncAddr, "sync-addr", "", "Address to serve the peer sync HTTP protocol on (e.g. :7700); disabled when empty")
	cmd.Flags().BoolVar(&withDashboard, "dashboard", false, "Start the local viewer dashboard on an auto-selected port")
	cmd.Flags().StringSliceVar(&classifierCmd, "classifier", nil, "External classifier command and args; falls back to the built-in heuristic when empty")
	return cmd
}
