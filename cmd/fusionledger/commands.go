package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/c360studio/fusionledger/broadcast"
	"github.com/c360studio/fusionledger/config"
	"github.com/c360studio/fusionledger/ledger"
)

// errIntegrity is returned by verify so the process exits non-zero.
var errIntegrity = errors.New("ledger integrity check failed")

// commitOutput is what commit prints.
type commitOutput struct {
	Record  ledger.Record      `json:"record"`
	Receipt *broadcast.Receipt `json:"receipt,omitempty"`
}

func commitCmd(opts *globalOptions) *cobra.Command {
	var (
		in          ledger.FusionInput
		doBroadcast bool
	)

	cmd := &cobra.Command{
		Use:   "commit",
		Short: "Append a fusion record to the ledger",
		Example: `  fusionledger commit --subject badge-42 --owner wallet:alice \
    --content bafy... --proof sig... --pillars 8 --tier 3 --guardian g1 --guardian g2 --broadcast`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, app *App) error {
				rec, err := app.ledger.Commit(ctx, in)
				if err != nil {
					return err
				}
				out := commitOutput{Record: rec}
				if doBroadcast {
					receipt, err := app.coordinator.Broadcast(ctx, rec)
					out.Receipt = &receipt
					if err != nil {
						_ = printJSON(cmd.OutOrStdout(), out)
						return fmt.Errorf("broadcast %s: %w", rec.ID, err)
					}
					if receipt.Confirmed {
						out.Record, _ = app.ledger.ByID(rec.ID)
					}
				}
				return printJSON(cmd.OutOrStdout(), out)
			})
		},
	}

	cmd.Flags().StringVar(&in.SubjectID, "subject", "", "Subject (badge) identifier")
	cmd.Flags().StringVar(&in.OwnerRef, "owner", "", "Owner reference")
	cmd.Flags().StringVar(&in.ContentRef, "content", "", "Content reference")
	cmd.Flags().StringVar(&in.IntegrityProof, "proof", "", "Integrity proof token")
	cmd.Flags().IntVar(&in.PillarCount, "pillars", 0, "Number of pillars fused")
	cmd.Flags().IntVar(&in.TierLevel, "tier", 0, "Tier level")
	cmd.Flags().StringSliceVar(&in.GuardianRefs, "guardian", nil, "Guardian reference (repeatable)")
	cmd.Flags().BoolVar(&doBroadcast, "broadcast", false, "Broadcast the record after committing")
	return cmd
}

func listCmd(opts *globalOptions) *cobra.Command {
	var (
		owner  string
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List ledger records in commit order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, app *App) error {
				records := app.ledger.All()
				if owner != "" {
					records = app.ledger.ByOwner(owner)
				}
				if asJSON {
					return printJSON(cmd.OutOrStdout(), records)
				}
				return printRecords(cmd.OutOrStdout(), records)
			})
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "Only records with this owner reference")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")
	return cmd
}

func showCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <record-id>",
		Short: "Print one ledger record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, app *App) error {
				rec, ok := app.ledger.ByID(args[0])
				if !ok {
					return fmt.Errorf("record %s not found", args[0])
				}
				return printJSON(cmd.OutOrStdout(), rec)
			})
		},
	}
}

func verifyCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Recompute every digest and compare with the stored ones",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, app *App) error {
				md := app.ledger.Metadata()
				if !app.ledger.VerifyIntegrity() {
					fmt.Fprintf(cmd.OutOrStdout(), "FAILED: %d entries, stored digest %s\n", md.TotalEntries, md.IntegrityDigest)
					return errIntegrity
				}
				fmt.Fprintf(cmd.OutOrStdout(), "OK: %d entries, digest %s\n", md.TotalEntries, md.IntegrityDigest)
				return nil
			})
		},
	}
}

func exportCmd(opts *globalOptions) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the ledger as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, app *App) error {
				data, err := app.ledger.ExportJSON()
				if err != nil {
					return err
				}
				return writeOutput(cmd, output, data)
			})
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Write to this file instead of stdout")
	return cmd
}

func broadcastCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "broadcast <record-id>",
		Short: "Broadcast a committed record to the network",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, app *App) error {
				rec, ok := app.ledger.ByID(args[0])
				if !ok {
					return fmt.Errorf("record %s not found", args[0])
				}
				receipt, err := app.coordinator.Broadcast(ctx, rec)
				if receipt.BroadcastID != "" {
					_ = printReceipt(cmd.OutOrStdout(), receipt)
				}
				return err
			})
		},
	}
}

func retryCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <broadcast-id>",
		Short: "Retry a rejected broadcast",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, app *App) error {
				receipt, ok, err := app.coordinator.Retry(ctx, args[0])
				if !ok {
					return fmt.Errorf("broadcast %s not found or not rejected", args[0])
				}
				_ = printReceipt(cmd.OutOrStdout(), receipt)
				return err
			})
		},
	}
}

func historyCmd(opts *globalOptions) *cobra.Command {
	var (
		owner  string
		output string
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show broadcast attempts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, app *App) error {
				if output != "" {
					data, err := app.coordinator.ExportLog()
					if err != nil {
						return err
					}
					return writeOutput(cmd, output, data)
				}

				attempts := app.coordinator.History()
				if owner != "" {
					attempts = app.coordinator.ByOwner(owner)
				}
				if asJSON {
					return printJSON(cmd.OutOrStdout(), attempts)
				}
				if err := printAttempts(cmd.OutOrStdout(), attempts); err != nil {
					return err
				}
				s := app.coordinator.Stats()
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "%d total, %d confirmed, %d rejected, %d pending, %d retries\n",
					s.Total, s.Confirmed, s.Rejected, s.Pending, s.Retries)
				return err
			})
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "Only attempts for this owner reference")
	cmd.Flags().StringVar(&output, "export", "", "Write the full broadcast log as JSON to this file (- for stdout)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")
	return cmd
}

func peerCmd(opts *globalOptions) *cobra.Command {
	var count int

	cmd := &cobra.Command{
		Use:   "peer",
		Short: "Run acknowledging peers against an external NATS server",
		Long: `Peer joins the broadcast network: it subscribes to broadcast payloads, checks
each payload's record digest and acknowledges the ones that match. Run it next to a
server configured with broadcast.network: nats and the same nats.url.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, logger, err := opts.setup(cmd)
			if err != nil {
				return err
			}
			if cfg.NATS.Embedded || cfg.NATS.URL == "" {
				return fmt.Errorf("peer needs an external NATS server: set nats.url or %s", config.EnvNATSURL)
			}
			if !cmd.Flags().Changed("count") {
				count = cfg.Broadcast.Peers
			}
			if count < 1 {
				return fmt.Errorf("count must be at least 1")
			}

			// Peers only need the connection; keep their state out of the ledger's store.
			cfg.Storage.Backend = config.BackendMemory
			cfg.Broadcast.Network = config.NetworkNATS
			cfg.Blobs.Enabled = false

			signalCtx, signalCancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer signalCancel()

			return runApp(signalCtx, cfg, logger, func(ctx context.Context, app *App) error {
				if err := app.StartPeers(ctx, count); err != nil {
					return err
				}
				logger.Info("Peers running", "count", count, "url", cfg.NATS.URL)
				<-ctx.Done()

				for _, p := range app.peers {
					logger.Info("Peer stopped", "node_id", p.NodeID(), "acked", p.Acked(), "declined", p.Declined())
				}
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&count, "count", 0, "Number of peers to run (default broadcast.peers)")
	return cmd
}

func writeOutput(cmd *cobra.Command, path string, data []byte) error {
	if path == "" || path == "-" {
		_, err := cmd.OutOrStdout().Write(append(data, '\n'))
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Wrote %s\n", path)
	return nil
}
