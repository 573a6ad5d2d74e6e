package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// BackupOptions holds flags for the backup command group.
type BackupOptions struct {
	*RootOptions
	Label string
	Keep  int
}

// NewBackupCommand creates the backup command group.
func NewBackupCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &BackupOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Create, verify, restore, and prune snapshot bundles",
	}

	create := &cobra.Command{
		Use:   "create",
		Short: "Capture the ledger and all receipts into a new bundle",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, closer, err := openRuntime(cmd.Context(), opts.RootOptions)
			if err != nil {
				return err
			}
			defer closer()
			manifest, err := rt.backups.CreateSnapshot(cmd.Context(), opts.Label)
			if err != nil {
				return err
			}
			return emit(cmd, opts.RootOptions, manifest, func(w io.Writer) {
				fmt.Fprintf(w, "backup %s created: %d receipts, %d bytes\n",
					manifest.BackupID, len(manifest.ReceiptKeys), manifest.TotalSize)
			})
		},
	}
	create.Flags().StringVar(&opts.Label, "label", "", "human label for the bundle")

	list := &cobra.Command{
		Use:   "list",
		Short: "List valid bundles, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, closer, err := openRuntime(cmd.Context(), opts.RootOptions)
			if err != nil {
				return err
			}
			defer closer()
			manifests, err := rt.backups.ListBackups()
			if err != nil {
				return err
			}
			return emit(cmd, opts.RootOptions, manifests, func(w io.Writer) {
				for _, m := range manifests {
					fmt.Fprintf(w, "%s  %s  %d receipts  %d bytes  %s\n",
						m.BackupID, m.CreatedAt.Format("2006-01-02 15:04:05"),
						len(m.ReceiptKeys), m.TotalSize, m.Label)
				}
			})
		},
	}

	verify := &cobra.Command{
		Use:   "verify <backup-id>",
		Short: "Check a bundle end to end without restoring it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, closer, err := openRuntime(cmd.Context(), opts.RootOptions)
			if err != nil {
				return err
			}
			defer closer()
			manifest, err := rt.backups.VerifyBackup(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return emit(cmd, opts.RootOptions, manifest, func(w io.Writer) {
				fmt.Fprintf(w, "backup %s is valid (%d receipts)\n", manifest.BackupID, len(manifest.ReceiptKeys))
			})
		},
	}

	restore := &cobra.Command{
		Use:   "restore <backup-id>",
		Short: "Replace the live ledger and receipts with a bundle's contents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, closer, err := openRuntime(cmd.Context(), opts.RootOptions)
			if err != nil {
				return err
			}
			defer closer()
			if err := rt.backups.RestoreSnapshot(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "restored backup %s\n", args[0])
			return nil
		},
	}

	drill := &cobra.Command{
		Use:   "drill <backup-id>",
		Short: "Restore a bundle into a sandbox and integrity-scan the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, closer, err := openRuntime(cmd.Context(), opts.RootOptions)
			if err != nil {
				return err
			}
			defer closer()
			report, err := rt.backups.RunRestoreDrill(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !report.Clean() {
				return fmt.Errorf("drill found problems: %d missing, %d orphans, %d mismatches",
					len(report.Missing), len(report.Orphans), len(report.ChecksumMismatches))
			}
			return emit(cmd, opts.RootOptions, report, func(w io.Writer) {
				fmt.Fprintf(w, "drill clean: backup %s restores fully (%d receipts scanned)\n", args[0], report.ScannedCount)
			})
		},
	}

	prune := &cobra.Command{
		Use:   "prune",
		Short: "Delete all but the newest bundles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, closer, err := openRuntime(cmd.Context(), opts.RootOptions)
			if err != nil {
				return err
			}
			defer closer()
			if err := rt.backups.Prune(opts.Keep); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pruned to newest %d bundles\n", opts.Keep)
			return nil
		},
	}
	prune.Flags().IntVar(&opts.Keep, "keep", 50, "number of bundles to keep")

	cmd.AddCommand(create, list, verify, restore, drill, prune)
	return cmd
}
