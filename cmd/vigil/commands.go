package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tinytelemetry/vigil/internal/archive"
	"github.com/tinytelemetry/vigil/internal/backup"
	"github.com/tinytelemetry/vigil/internal/duckdb"
	"github.com/tinytelemetry/vigil/internal/rules"
)

func newRulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect classification rules",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check FILE",
		Short: "Validate a rule file and list its rules",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := rules.LoadFile(args[0])
			if err != nil {
				return err
			}
			printRules(cmd.OutOrStdout(), loaded)
			return nil
		},
	})
	return cmd
}

func printRules(out io.Writer, loaded []rules.Rule) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tWINDOW\tDEDUP KEY\tMATCH")
	for _, r := range loaded {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.Predicate.Kind(), r.Window, r.DedupKey.Kind(), r.Describe())
	}
	_ = tw.Flush()
	fmt.Fprintf(out, "%d rules OK\n", len(loaded))
}

func newSpillCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "spill",
		Short: "Manage batches spilled after archive failures",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List spilled batches",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			spill, err := archive.OpenSpillLog(cfg.SpillPath)
			if err != nil {
				return err
			}
			defer spill.Close()
			entries, err := spill.Entries()
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "BATCH\tRECORDS\tATTEMPTS\tSPILLED AT\tREASON")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%s\n", e.Batch.ID, len(e.Batch.Records), e.Attempts, e.SpilledAt.Format("2006-01-02T15:04:05Z07:00"), e.Reason)
			}
			return tw.Flush()
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "replay",
		Short: "Re-put every spilled batch to the archive store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			n, err := replaySpill(ctx, cfg)
			fmt.Fprintf(cmd.OutOrStdout(), "replayed %d spilled batches\n", n)
			return err
		},
	})
	return cmd
}

func replaySpill(ctx context.Context, cfg appConfig) (int, error) {
	store, _, err := openArchiveStore(ctx, cfg)
	if err != nil {
		return 0, err
	}
	spill, err := archive.OpenSpillLog(cfg.SpillPath)
	if err != nil {
		return 0, err
	}
	defer spill.Close()
	codec, err := archive.NewCodec()
	if err != nil {
		return 0, err
	}
	defer codec.Close()
	return spill.Replay(ctx, store, codec)
}

func newSnapshotCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot",
		Short: "Take one snapshot of the DuckDB alert store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if cfg.StoreDriver != "duckdb" {
				return fmt.Errorf("snapshot requires the duckdb store, configured %q", cfg.StoreDriver)
			}
			store, err := duckdb.NewStore(cfg.DBPath, cfg.QueryTimeout)
			if err != nil {
				return fmt.Errorf("open alert store: %w", err)
			}
			defer store.Close()

			var uploader backup.Uploader
			if cfg.BackupUpload {
				_, s3, err := openArchiveStore(cmd.Context(), cfg)
				if err != nil {
					return err
				}
				if s3 != nil {
					uploader = s3
				}
			}
			cfg.BackupEnabled = true
			mgr, err := backup.NewManager(store, uploader, backupConfig(cfg))
			if err != nil {
				return err
			}
			return mgr.RunOnce(cmd.Context())
		},
	}
}
