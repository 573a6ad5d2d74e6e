package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

// ReceiptOptions holds flags for the receipt command group.
type ReceiptOptions struct {
	*RootOptions
	ContentType string
	Out         string
	NoVerify    bool
}

// NewReceiptCommand creates the receipt command group.
func NewReceiptCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReceiptOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "receipt",
		Short: "Attach, fetch, replace, and delete fiscal receipts",
	}

	attach := &cobra.Command{
		Use:   "attach <invoice-id> <file>",
		Short: "Attach a receipt to an invoice",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}
			rt, closer, err := openRuntime(cmd.Context(), opts.RootOptions)
			if err != nil {
				return err
			}
			defer closer()
			rec, err := rt.service.Attach(cmd.Context(), args[0], content, opts.ContentType)
			if err != nil {
				return err
			}
			return emit(cmd, opts.RootOptions, rec, func(w io.Writer) {
				fmt.Fprintf(w, "attached receipt %s (%d bytes, sha256 %s)\n", rec.StorageKey, rec.Size, rec.ContentHash)
			})
		},
	}
	attach.Flags().StringVar(&opts.ContentType, "content-type", "application/pdf", "receipt MIME type")

	replace := &cobra.Command{
		Use:   "replace <invoice-id> <file>",
		Short: "Replace an invoice's receipt with new content",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}
			rt, closer, err := openRuntime(cmd.Context(), opts.RootOptions)
			if err != nil {
				return err
			}
			defer closer()
			rec, err := rt.service.Replace(cmd.Context(), args[0], content, opts.ContentType)
			if err != nil {
				return err
			}
			return emit(cmd, opts.RootOptions, rec, func(w io.Writer) {
				fmt.Fprintf(w, "replaced receipt, now %s (version %d)\n", rec.StorageKey, rec.Version)
			})
		},
	}
	replace.Flags().StringVar(&opts.ContentType, "content-type", "application/pdf", "receipt MIME type")

	get := &cobra.Command{
		Use:   "get <invoice-id>",
		Short: "Fetch an invoice's receipt content",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, closer, err := openRuntime(cmd.Context(), opts.RootOptions)
			if err != nil {
				return err
			}
			defer closer()
			content, rec, err := rt.service.Get(cmd.Context(), args[0], !opts.NoVerify)
			if err != nil {
				return err
			}
			if opts.Out == "" || opts.Out == "-" {
				_, err := cmd.OutOrStdout().Write(content)
				return err
			}
			if err := os.WriteFile(opts.Out, content, 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d bytes to %s (sha256 %s)\n", len(content), opts.Out, rec.ContentHash)
			return nil
		},
	}
	get.Flags().StringVar(&opts.Out, "out", "-", "output file (- for stdout)")
	get.Flags().BoolVar(&opts.NoVerify, "no-verify", false, "skip checksum verification")

	del := &cobra.Command{
		Use:   "delete <invoice-id>",
		Short: "Delete an invoice's receipt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, closer, err := openRuntime(cmd.Context(), opts.RootOptions)
			if err != nil {
				return err
			}
			defer closer()
			if err := rt.service.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "receipt deleted for invoice %s\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(attach, replace, get, del)
	return cmd
}
