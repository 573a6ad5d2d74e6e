package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"fiscalcore/internal/integrity"
)

// IntegrityOptions holds flags for the integrity command group.
type IntegrityOptions struct {
	*RootOptions
	ReportDir string
}

// NewIntegrityCommand creates the integrity command group.
func NewIntegrityCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &IntegrityOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "integrity",
		Short: "Audit receipt records against stored blobs",
	}

	run := &cobra.Command{
		Use:   "run",
		Short: "Run a full integrity scan",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, closer, err := openRuntime(cmd.Context(), opts.RootOptions)
			if err != nil {
				return err
			}
			defer closer()
			report, err := rt.scanner.Run(cmd.Context())
			if err != nil {
				return err
			}
			if opts.ReportDir != "" {
				path, err := integrity.WriteReport(opts.ReportDir, report)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "report written to %s\n", path)
			}
			return emit(cmd, opts.RootOptions, report, func(w io.Writer) {
				fmt.Fprintf(w, "scanned %d receipts: %d missing, %d orphans, %d checksum mismatches\n",
					report.ScannedCount, len(report.Missing), len(report.Orphans), len(report.ChecksumMismatches))
				for _, m := range report.Missing {
					fmt.Fprintf(w, "  missing: invoice %s key %s\n", m.InvoiceID, m.StorageKey)
				}
				for _, key := range report.Orphans {
					fmt.Fprintf(w, "  orphan: %s\n", key)
				}
				for _, mm := range report.ChecksumMismatches {
					fmt.Fprintf(w, "  mismatch: invoice %s key %s\n", mm.InvoiceID, mm.StorageKey)
				}
			})
		},
	}
	run.Flags().StringVar(&opts.ReportDir, "report-dir", "", "directory to write a dated JSON report into")

	cmd.AddCommand(run)
	return cmd
}
