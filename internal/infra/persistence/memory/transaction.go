package memory

import (
	"fmt"
	"sort"
	"time"

	"fiscalcore/pkg/domain"
)

type transaction struct {
	state ledgerState
	now   time.Time
}

var _ domain.Transaction = (*transaction)(nil)

func (tx *transaction) CreateInvoice(inv domain.Invoice) (domain.Invoice, error) {
	if inv.ID == "" {
		return domain.Invoice{}, fmt.Errorf("invoice id required")
	}
	if _, exists := tx.state.invoices[inv.ID]; exists {
		return domain.Invoice{}, domain.ErrAlreadyExists{Entity: domain.EntityInvoice, ID: inv.ID}
	}
	if inv.Status == "" {
		inv.Status = domain.InvoiceStatusPending
	}
	inv.CreatedAt = tx.now
	inv.UpdatedAt = tx.now
	tx.state.invoices[inv.ID] = cloneInvoice(inv)
	return inv, nil
}

func (tx *transaction) UpdateInvoice(id string, mutator func(*domain.Invoice) error) (domain.Invoice, error) {
	existing, ok := tx.state.invoices[id]
	if !ok {
		return domain.Invoice{}, domain.ErrNotFound{Entity: domain.EntityInvoice, ID: id}
	}
	updated := cloneInvoice(existing)
	if err := mutator(&updated); err != nil {
		return domain.Invoice{}, err
	}
	updated.ID = existing.ID
	updated.CreatedAt = existing.CreatedAt
	updated.UpdatedAt = tx.now
	tx.state.invoices[id] = cloneInvoice(updated)
	return updated, nil
}

func (tx *transaction) FindInvoice(id string) (domain.Invoice, bool) {
	inv, ok := tx.state.invoices[id]
	if !ok {
		return domain.Invoice{}, false
	}
	return cloneInvoice(inv), true
}

func (tx *transaction) Counter() int64 { return tx.state.counter }

func (tx *transaction) SetCounter(next int64) error {
	if next < tx.state.counter {
		return fmt.Errorf("counter is monotonic: %d < %d", next, tx.state.counter)
	}
	tx.state.counter = next
	return nil
}

func (tx *transaction) CreateReference(ref domain.ReferenceRecord) (domain.ReferenceRecord, error) {
	if _, exists := tx.state.references[ref.Number]; exists {
		return domain.ReferenceRecord{}, domain.ErrAlreadyExists{Entity: domain.EntityReference, ID: fmt.Sprint(ref.Number)}
	}
	if ref.Status == "" {
		ref.Status = domain.ReferenceActive
	}
	if ref.IssuedAt.IsZero() {
		ref.IssuedAt = tx.now
	}
	tx.state.references[ref.Number] = cloneReference(ref)
	return ref, nil
}

func (tx *transaction) UpdateReference(number int64, mutator func(*domain.ReferenceRecord) error) (domain.ReferenceRecord, error) {
	existing, ok := tx.state.references[number]
	if !ok {
		return domain.ReferenceRecord{}, domain.ErrNotFound{Entity: domain.EntityReference, ID: fmt.Sprint(number)}
	}
	updated := cloneReference(existing)
	if err := mutator(&updated); err != nil {
		return domain.ReferenceRecord{}, err
	}
	updated.Number = existing.Number
	updated.IssuedAt = existing.IssuedAt
	tx.state.references[number] = cloneReference(updated)
	return updated, nil
}

func (tx *transaction) FindReference(number int64) (domain.ReferenceRecord, bool) {
	ref, ok := tx.state.references[number]
	if !ok {
		return domain.ReferenceRecord{}, false
	}
	return cloneReference(ref), true
}

func (tx *transaction) CreateReceipt(rec domain.ReceiptRecord) (domain.ReceiptRecord, error) {
	if rec.InvoiceID == "" {
		return domain.ReceiptRecord{}, fmt.Errorf("receipt invoice id required")
	}
	if _, exists := tx.state.receipts[rec.InvoiceID]; exists {
		return domain.ReceiptRecord{}, domain.ErrAlreadyExists{Entity: domain.EntityReceipt, ID: rec.InvoiceID}
	}
	if rec.Version == 0 {
		rec.Version = 1
	}
	if rec.AttachedAt.IsZero() {
		rec.AttachedAt = tx.now
	}
	tx.state.receipts[rec.InvoiceID] = rec
	return rec, nil
}

func (tx *transaction) UpdateReceipt(invoiceID string, mutator func(*domain.ReceiptRecord) error) (domain.ReceiptRecord, error) {
	existing, ok := tx.state.receipts[invoiceID]
	if !ok {
		return domain.ReceiptRecord{}, domain.ErrNotFound{Entity: domain.EntityReceipt, ID: invoiceID}
	}
	updated := existing
	if err := mutator(&updated); err != nil {
		return domain.ReceiptRecord{}, err
	}
	updated.InvoiceID = existing.InvoiceID
	tx.state.receipts[invoiceID] = updated
	return updated, nil
}

func (tx *transaction) DeleteReceipt(invoiceID string) error {
	if _, ok := tx.state.receipts[invoiceID]; !ok {
		return domain.ErrNotFound{Entity: domain.EntityReceipt, ID: invoiceID}
	}
	delete(tx.state.receipts, invoiceID)
	return nil
}

func (tx *transaction) FindReceipt(invoiceID string) (domain.ReceiptRecord, bool) {
	rec, ok := tx.state.receipts[invoiceID]
	return rec, ok
}

type view struct {
	state *ledgerState
}

var _ domain.TransactionView = (*view)(nil)

func (v *view) ListInvoices() []domain.Invoice           { return listInvoices(v.state) }
func (v *view) ListReferences() []domain.ReferenceRecord { return listReferences(v.state) }
func (v *view) ListReceipts() []domain.ReceiptRecord     { return listReceipts(v.state) }
func (v *view) Counter() int64                           { return v.state.counter }

func (v *view) FindInvoice(id string) (domain.Invoice, bool) {
	inv, ok := v.state.invoices[id]
	if !ok {
		return domain.Invoice{}, false
	}
	return cloneInvoice(inv), true
}

func (v *view) FindReference(number int64) (domain.ReferenceRecord, bool) {
	ref, ok := v.state.references[number]
	if !ok {
		return domain.ReferenceRecord{}, false
	}
	return cloneReference(ref), true
}

func (v *view) FindReceipt(invoiceID string) (domain.ReceiptRecord, bool) {
	rec, ok := v.state.receipts[invoiceID]
	return rec, ok
}

func listInvoices(state *ledgerState) []domain.Invoice {
	out := make([]domain.Invoice, 0, len(state.invoices))
	for _, inv := range state.invoices {
		out = append(out, cloneInvoice(inv))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func listReferences(state *ledgerState) []domain.ReferenceRecord {
	out := make([]domain.ReferenceRecord, 0, len(state.references))
	for _, ref := range state.references {
		out = append(out, cloneReference(ref))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}

func listReceipts(state *ledgerState) []domain.ReceiptRecord {
	out := make([]domain.ReceiptRecord, 0, len(state.receipts))
	for _, rec := range state.receipts {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InvoiceID < out[j].InvoiceID })
	return out
}

func snapshotFromState(state ledgerState) domain.Snapshot {
	return domain.Snapshot{
		Seed:       state.seed,
		Counter:    state.counter,
		Invoices:   listInvoices(&state),
		References: listReferences(&state),
		Receipts:   listReceipts(&state),
	}
}

func stateFromSnapshot(s domain.Snapshot) ledgerState {
	seed := s.Seed
	if seed < 0 {
		seed = DefaultSeed
	}
	state := newLedgerState(seed)
	if s.Counter > state.counter {
		state.counter = s.Counter
	}
	for _, inv := range s.Invoices {
		state.invoices[inv.ID] = cloneInvoice(inv)
	}
	for _, ref := range s.References {
		state.references[ref.Number] = cloneReference(ref)
	}
	for _, rec := range s.Receipts {
		state.receipts[rec.InvoiceID] = rec
	}
	return state
}
