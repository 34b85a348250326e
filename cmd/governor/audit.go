package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/audit"
	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/config"
	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/store"
)

func newAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the hash-chained audit log",
	}
	cmd.AddCommand(newAuditVerifyCmd(), newAuditExportCmd(), newAuditReplayCmd())
	return cmd
}

// openAudit opens the configured database and returns its audit log.
func openAudit(ctx context.Context, cfg *config.Config) (*store.SQL, func(), error) {
	db, _, err := store.Open(cfg.DatabaseURL, cfg.SQLitePath)
	if err != nil {
		return nil, nil, err
	}
	s := store.NewSQL(db)
	if err := s.Init(ctx); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return s, func() { _ = db.Close() }, nil
}

func newAuditVerifyCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify the audit hash chain",
		Long: `Verify that the audit log forms an unbroken hash chain from genesis.

With --file, a full JSONL export is verified instead of the database.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			if file != "" {
				f, err := os.Open(file)
				if err != nil {
					return err
				}
				defer f.Close()
				events, err := audit.Decode(f)
				if err != nil {
					return err
				}
				if err := store.VerifyChain(events); err != nil {
					return err
				}
				fmt.Fprintf(out, "chain intact: %d events\n", len(events))
				return nil
			}

			cfg, err := loadConfig(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			s, done, err := openAudit(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer done()
			if err := s.Audit.Verify(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(out, "chain intact")
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "JSONL export to verify instead of the database")
	return cmd
}

func newAuditExportCmd() *cobra.Command {
	var (
		since      string
		proposalID string
		unitID     string
		outPath    string
		ship       bool
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export audit events as JSON lines",
		Long: `Export audit events as JSON lines to stdout or a file, or with --ship to
the compliance sink configured by GOVERNOR_AUDIT_SINK (fs, s3 or gcs).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			f := store.AuditFilter{ProposalID: proposalID, UnitID: unitID}
			if since != "" {
				if f.Since, err = time.Parse(time.RFC3339, since); err != nil {
					return fmt.Errorf("--since must be an RFC 3339 timestamp: %w", err)
				}
			}

			ctx := cmd.Context()
			s, done, err := openAudit(ctx, cfg)
			if err != nil {
				return err
			}
			defer done()
			exporter := audit.NewExporter(s.Audit)

			var m *audit.Manifest
			if ship {
				sink, err := audit.NewSink(ctx, cfg.AuditSink())
				if err != nil {
					return err
				}
				if m, err = exporter.Ship(ctx, sink, f); err != nil {
					return err
				}
			} else {
				var w io.Writer = cmd.OutOrStdout()
				if outPath != "" {
					file, err := os.Create(outPath)
					if err != nil {
						return err
					}
					defer file.Close()
					w = file
				}
				if m, err = exporter.WriteJSONL(ctx, w, f); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "exported %d events (%s)\n", m.EventCount, m.Checksum)
			return nil
		},
	}
	cmd.Flags().StringVar(&since, "since", "", "only events at or after this RFC 3339 time")
	cmd.Flags().StringVar(&proposalID, "proposal", "", "only events for this proposal")
	cmd.Flags().StringVar(&unitID, "unit", "", "only events for this unit")
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "write to a file instead of stdout")
	cmd.Flags().BoolVar(&ship, "ship", false, "ship to the configured compliance sink")
	return cmd
}

func newAuditReplayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replay <proposal-id>",
		Short: "Rebuild a proposal's state from its audit events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			s, done, err := openAudit(ctx, cfg)
			if err != nil {
				return err
			}
			defer done()

			events, err := s.Audit.Query(ctx, store.AuditFilter{ProposalID: args[0]})
			if err != nil {
				return err
			}
			state, err := audit.Replay(events)
			if err != nil {
				return err
			}
			stored, err := s.Proposals.Get(ctx, args[0])
			if err != nil {
				return err
			}
			if stored.State != state {
				return fmt.Errorf("audit trail leads to %s but the proposal is %s", state, stored.State)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%d events)\n", args[0], state, len(events))
			return nil
		},
	}
}
