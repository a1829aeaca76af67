package main

import (
	"encoding/base64"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/kunickiaj/codemem/internal/identity"
	"github.com/kunickiaj/codemem/internal/paths"
	syncpkg "github.com/kunickiaj/codemem/internal/sync"
)

func loadDeviceID(stateDir string) (string, error) {
	return identity.LoadOrCreateDeviceID(stateDir)
}

func syncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Manage peer sync: peer registry and one-shot pull/push",
	}
	cmd.AddCommand(syncPeerAddCmd(), syncPeerListCmd(), syncPeerRemoveCmd(), syncNowCmd(), syncIdentityCmd(), syncReceiptsCmd())
	return cmd
}

func openPeerRegistry() (*syncpkg.Registry, error) {
	stateDir, err := paths.StateDir()
	if err != nil {
		return nil, fmt.Errorf("resolve state dir: %w", err)
	}
	return syncpkg.NewRegistry(filepath.Join(stateDir, "peers.json"))
}

func syncIdentityCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "identity",
		Short: "Print this device's sync public key fingerprint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			pub, _, err := syncpkg.EnsureIdentityKeys(cfg.KeysDir)
			if err != nil {
				return err
			}
			fp := syncpkg.Fingerprint(pub)
			printResult(map[string]string{"fingerprint": fp}, func() { fmt.Println(fp) })
			return nil
		},
	}
}

func syncPeerAddCmd() *cobra.Command {
	var publicKeyB64, address string
	cmd := &cobra.Command{
		Use:   "peer-add <device-id>",
		Short: "Add a peer, pinning its public key on first use (TOFU)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := openPeerRegistry()
			if err != nil {
				return err
			}
			pub, err := base64.StdEncoding.DecodeString(publicKeyB64)
			if err != nil {
				return fmt.Errorf("decode --public-key: %w", err)
			}
			peer := &syncpkg.Peer{
				DeviceID:          args[0],
				PinnedFingerprint: syncpkg.Fingerprint(pub),
				PublicKey:         publicKeyB64,
			}
			if address != "" {
				peer.KnownAddresses = []string{address}
			}
			if err := reg.AddPeer(peer); err != nil {
				return err
			}
			if !flagQuiet {
				fmt.Printf("added peer %s\n", args[0])
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&publicKeyB64, "public-key", "", "Peer's base64 ed25519 public key")
	cmd.Flags().StringVar(&address, "address", "", "Peer's known host:port")
	return cmd
}

func syncPeerListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "peer-list",
		Short: "List known sync peers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := openPeerRegistry()
			if err != nil {
				return err
			}
			peers := reg.List()
			printResult(peers, func() {
				for _, p := range peers {
					fmt.Printf("%s  %s  addrs=%v\n", p.DeviceID, p.PinnedFingerprint, p.KnownAddresses)
				}
			})
			return nil
		},
	}
}

func syncPeerRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "peer-remove <device-id>",
		Short: "Remove a known sync peer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := openPeerRegistry()
			if err != nil {
				return err
			}
			if err := reg.Remove(args[0]); err != nil {
				return err
			}
			if !flagQuiet {
				fmt.Printf("removed peer %s\n", args[0])
			}
			return nil
		},
	}
}

func syncNowCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "now <device-id> <addr>",
		Short: "Run one pull/push exchange against a peer immediately",
		Args:  cobra.ExactArgs(2),
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

			reg, err := openPeerRegistry()
			if err != nil {
				return err
			}
			peer := reg.Get(args[0])
			if peer == nil {
				return fmt.Errorf("unknown peer %s (run sync peer-add first)", args[0])
			}

			stateDir, err := paths.StateDir()
			if err != nil {
				return err
			}
			_, priv, err := syncpkg.EnsureIdentityKeys(cfg.KeysDir)
			if err != nil {
				return err
			}
			deviceID, err := loadDeviceID(stateDir)
			if err != nil {
				return err
			}
			client := syncpkg.NewClient(deviceID, priv, st)

			start := time.Now()
			result, err := client.Exchange(cmd.Context(), args[1], peer, limit)
			attempt := syncpkg.SyncAttempt{StartedAt: start, OK: err == nil, OpsIn: result.OpsIn, OpsOut: result.OpsOut}
			if err != nil {
				attempt.Error = err.Error()
			}
			peer.RecordAttempt(attempt)
			_ = reg.Update(peer)
			if err != nil {
				return err
			}
			printResult(result, func() { fmt.Printf("pulled %d ops, pushed %d ops\n", result.OpsIn, result.OpsOut) })
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 500, "Maximum ops per push chunk")
	return cmd
}

func syncReceiptsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "receipts <device-id>",
		Short: "Show when ops from a peer last actually landed locally",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			receipts, err := st.ReceiptsFrom(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			printResult(receipts, func() {
				if len(receipts) == 0 {
					fmt.Printf("no applied ops recorded from peer %s\n", args[0])
					return
				}
				for _, r := range receipts {
					fmt.Printf("%s  op=%s  received_at=%s\n", r.SourceDeviceID, r.OpID, r.ReceivedAt.Format(time.RFC3339))
				}
			})
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum receipts to show")
	return cmd
}
