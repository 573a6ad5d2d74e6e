package cli

import (
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"fiscalcore/internal/core"
)

// ReferenceOptions holds flags for the reference command group.
type ReferenceOptions struct {
	*RootOptions
	Reason string
}

// NewReferenceCommand creates the reference command group.
func NewReferenceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReferenceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "reference",
		Short: "Allocate, preview, and void payment references",
	}

	allocate := &cobra.Command{
		Use:   "allocate <invoice-id>",
		Short: "Issue the next payment reference to an invoice",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, closer, err := openRuntime(cmd.Context(), opts.RootOptions)
			if err != nil {
				return err
			}
			defer closer()
			number, err := rt.service.Allocate(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := map[string]any{"number": number, "display": core.FormatReference(number)}
			return emit(cmd, opts.RootOptions, out, func(w io.Writer) {
				fmt.Fprintf(w, "allocated %s to invoice %s\n", core.FormatReference(number), args[0])
			})
		},
	}

	preview := &cobra.Command{
		Use:   "preview",
		Short: "Show the next reference number without reserving it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, closer, err := openRuntime(cmd.Context(), opts.RootOptions)
			if err != nil {
				return err
			}
			defer closer()
			number := rt.service.PreviewNext()
			out := map[string]any{"number": number, "display": core.FormatReference(number)}
			return emit(cmd, opts.RootOptions, out, func(w io.Writer) {
				fmt.Fprintf(w, "next reference: %s\n", core.FormatReference(number))
			})
		},
	}

	void := &cobra.Command{
		Use:   "void <number>",
		Short: "Permanently void a reference number",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			number, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid reference number %q: %w", args[0], err)
			}
			rt, closer, err := openRuntime(cmd.Context(), opts.RootOptions)
			if err != nil {
				return err
			}
			defer closer()
			if err := rt.service.Void(cmd.Context(), number, opts.Reason); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "voided %s\n", core.FormatReference(number))
			return nil
		},
	}
	void.Flags().StringVar(&opts.Reason, "reason", "", "why the reference is being voided")

	cmd.AddCommand(allocate, preview, void)
	return cmd
}
