package cli

import (
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"fiscalcore/pkg/domain"
)

// InvoiceOptions holds flags for the invoice command group.
type InvoiceOptions struct {
	*RootOptions
	ID       string
	Supplier string
	Amount   string
}

// NewInvoiceCommand creates the invoice command group.
func NewInvoiceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InvoiceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "invoice",
		Short: "Manage invoice ledger rows",
	}

	create := &cobra.Command{
		Use:   "create",
		Short: "Record a new pending invoice",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return createInvoice(cmd, opts)
		},
	}
	create.Flags().StringVar(&opts.ID, "id", "", "invoice ID (generated when empty)")
	create.Flags().StringVar(&opts.Supplier, "supplier", "", "supplier name")
	create.Flags().StringVar(&opts.Amount, "amount", "0", "invoice amount")

	cmd.AddCommand(create)
	return cmd
}

func createInvoice(cmd *cobra.Command, opts *InvoiceOptions) error {
	amount, err := decimal.NewFromString(opts.Amount)
	if err != nil {
		return fmt.Errorf("invalid --amount: %w", err)
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	rt, closer, err := openRuntime(cmd.Context(), opts.RootOptions)
	if err != nil {
		return err
	}
	defer closer()

	inv, err := rt.service.CreateInvoice(cmd.Context(), domain.Invoice{
		ID:       id,
		Supplier: opts.Supplier,
		Amount:   amount,
		Status:   domain.InvoiceStatusPending,
	})
	if err != nil {
		return err
	}
	return emit(cmd, opts.RootOptions, inv, func(w io.Writer) {
		fmt.Fprintf(w, "invoice %s created (%s, %s)\n", inv.ID, inv.Supplier, inv.Amount.String())
	})
}
