package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/pion/logging"
	"github.com/spf13/cobra"

	"camlink/config"
	"camlink/crypto"
	"camlink/registry"
	"camlink/storage"
)

var (
	dataDir string
	verbose bool
)

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "camlink",
		Short:        "Pair, control, and pull media from camera devices on the local network",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if dataDir != "" {
				return os.Setenv(config.DataDirEnv, dataDir)
			}
			return nil
		},
	}

	root.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory (default: per-user config dir, or $"+config.DataDirEnv+")")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(
		runCmd(),
		peersCmd(),
		peerFlagCmd("block", "Block a peer; it is refused on every future pairing attempt", func(r *registry.Registry, uuid string) error {
			_, err := r.Block(uuid)
			return err
		}),
		peerFlagCmd("unblock", "Clear a peer's block", func(r *registry.Registry, uuid string) error {
			_, err := r.Unblock(uuid)
			return err
		}),
		peerFlagCmd("deauthorize", "Revoke a peer's session key; it must pair again", func(r *registry.Registry, uuid string) error {
			_, err := r.Deauthorize(uuid)
			return err
		}),
		peerFlagCmd("select", "Keep a channel open to a peer whenever it is online", func(r *registry.Registry, uuid string) error {
			_, err := r.SetSelected(uuid, true)
			return err
		}),
		peerFlagCmd("deselect", "Stop connecting to a peer automatically", func(r *registry.Registry, uuid string) error {
			_, err := r.SetSelected(uuid, false)
			return err
		}),
		peerFlagCmd("forget", "Remove a peer and its session key", func(r *registry.Registry, uuid string) error {
			return r.Remove(uuid)
		}),
		fingerprintCmd(),
		transfersCmd(),
		auditCmd(),
	)
	return root
}

func loggerFactory() logging.LoggerFactory {
	factory := logging.NewDefaultLoggerFactory()
	if verbose {
		factory.DefaultLogLevel = logging.LogLevelDebug
	}
	return factory
}

// withNode opens local state for the duration of fn.
func withNode(fn func(n *node) error) error {
	n, err := openNode(loggerFactory())
	if err != nil {
		return err
	}
	defer n.Close()
	return fn(n)
}

func runCmd() *cobra.Command {
	var (
		model string
		port  int
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the node with an interactive operator console",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(func(n *node) error {
				if model != "" {
					n.cfg.Model = config.NormalizeModel(model)
				}
				listenPort := n.cfg.ListeningPort
				if port >= 0 {
					listenPort = port
				}

				rt, err := n.start(net.JoinHostPort("", strconv.Itoa(listenPort)))
				if err != nil {
					return err
				}
				defer rt.stop()

				out := cmd.OutOrStdout()
				printIdentity(out, n)
				fmt.Fprintf(out, "Listening:       %s\n", rt.manager.Addr())
				if rt.discovery != nil {
					fmt.Fprintln(out, "Discovery:       running")
				} else {
					fmt.Fprintln(out, "Discovery:       unavailable")
				}
				fmt.Fprintln(out, "Status:          running (type help for commands, Ctrl+C to stop)")

				ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
				defer stop()

				go rt.observeDiscovery(ctx)
				newConsole(rt, cmd.InOrStdin(), out).run(ctx)

				fmt.Fprintln(out, "Status:          shutting down")
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&model, "model", "", "device model: capture, director, or aggregator")
	cmd.Flags().IntVar(&port, "port", -1, "listening port (0 picks a free port)")
	return cmd
}

func peersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "peers",
		Short: "List known peers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(func(n *node) error {
				printPeers(cmd.OutOrStdout(), n.registry.List(), nil)
				return nil
			})
		},
	}
}

func peerFlagCmd(use, short string, apply func(*registry.Registry, string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <peer-uuid>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(func(n *node) error {
				if err := apply(n.registry, args[0]); err != nil {
					return err
				}
				n.audit(args[0], use)
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", use, args[0])
				return nil
			})
		},
	}
}

func fingerprintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fingerprint",
		Short: "Print the local identity and key fingerprint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(func(n *node) error {
				printIdentity(cmd.OutOrStdout(), n)
				return nil
			})
		},
	}
}

func transfersCmd() *cobra.Command {
	var (
		peer  string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "transfers",
		Short: "Show media transfer history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(func(n *node) error {
				transfers, err := n.store.ListTransfers(peer, limit)
				if err != nil {
					return err
				}
				printTransfers(cmd.OutOrStdout(), transfers)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&peer, "peer", "", "only transfers from this peer")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func auditCmd() *cobra.Command {
	var (
		peer  string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show pairing decisions and handshake outcomes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(func(n *node) error {
				events, err := n.store.GetPairingEvents(storage.PairingEventFilter{PeerUUID: peer, Limit: limit})
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "TIME\tPEER\tROLE\tSTATE\tDETAILS")
				for _, event := range events {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
						time.UnixMilli(event.Timestamp).Format(time.DateTime),
						event.PeerUUID, event.Role, event.State, event.Details)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&peer, "peer", "", "only events for this peer")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

// audit records an operator decision made outside a running manager.
func (n *node) audit(peerUUID, action string) {
	if err := n.store.LogPairingEvent(storage.PairingEvent{
		PeerUUID: peerUUID,
		Role:     storage.PairingRoleOperator,
		State:    action,
	}); err != nil {
		n.log.Warnf("audit %s %s: %v", action, peerUUID, err)
	}
}

func printIdentity(out io.Writer, n *node) {
	fmt.Fprintf(out, "Device ID:       %s\n", n.cfg.DeviceID)
	fmt.Fprintf(out, "Device Name:     %s\n", n.cfg.DeviceName)
	fmt.Fprintf(out, "Model:           %s\n", n.cfg.Model)
	fmt.Fprintf(out, "Fingerprint:     %s\n", crypto.FormatFingerprint(n.cfg.KeyFingerprint))
	fmt.Fprintf(out, "Config File:     %s\n", n.cfgPath)
	fmt.Fprintf(out, "Database File:   %s\n", n.dbPath)
}

// printPeers renders records; states maps peer UUID to live channel state when running.
func printPeers(out io.Writer, records []registry.Record, states map[string]string) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "UUID\tNAME\tMODEL\tAUTHORIZED\tBLOCKED\tSELECTED\tCHANNEL\tFINGERPRINT")
	for _, record := range records {
		channel := "-"
		if state, ok := states[record.UUID]; ok {
			channel = state
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%t\t%t\t%s\t%s\n",
			record.UUID, record.DisplayName, record.Model,
			record.Authorized, record.Blocked, record.Selected,
			channel, crypto.FormatFingerprint(record.Fingerprint()))
	}
	_ = w.Flush()
}

func printTransfers(out io.Writer, transfers []storage.Transfer) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPEER\tFILE\tSTATUS\tBYTES\tCHUNKS\tDESTINATION")
	for _, transfer := range transfers {
		fmt.Fprintf(w, "%s\t%s\t%s/%s/%s\t%s\t%d\t%d\t%s\n",
			transfer.TransferID, transfer.PeerUUID,
			transfer.ProjectID, transfer.TakeID, transfer.FileName,
			transfer.Status, transfer.BytesTransferred, transfer.ChunkCount, transfer.Destination)
	}
	_ = w.Flush()
}
