package core

import "fiscalcore/pkg/domain"

type (
	EntityType      = domain.EntityType
	Invoice         = domain.Invoice
	InvoiceStatus   = domain.InvoiceStatus
	ReferenceRecord = domain.ReferenceRecord
	ReferenceStatus = domain.ReferenceStatus
	ReceiptRecord   = domain.ReceiptRecord
	Snapshot        = domain.Snapshot
	Transaction     = domain.Transaction
	TransactionView = domain.TransactionView
	PersistentStore = domain.PersistentStore
)

const (
	EntityInvoice   = domain.EntityInvoice
	EntityReference = domain.EntityReference
	EntityReceipt   = domain.EntityReceipt
	EntityBackup    = domain.EntityBackup
)

const (
	InvoiceStatusPending  = domain.InvoiceStatusPending
	InvoiceStatusApproved = domain.InvoiceStatusApproved
	InvoiceStatusPaid     = domain.InvoiceStatusPaid
)

const (
	ReferenceActive = domain.ReferenceActive
	ReferenceVoided = domain.ReferenceVoided
)
