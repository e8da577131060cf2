package finance

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"retailpos/backend/internal/domain"
	"retailpos/backend/internal/store"
)

// Entry is the input of Record. Amount, Type and RelatedEntity* never change
// once the transaction exists.
type Entry struct {
	TenantID          string
	UserID            string
	Type              domain.TransactionType
	Amount            decimal.Decimal
	Description       string
	RelatedEntityID   string
	RelatedEntityType domain.RelatedEntityType
	Status            domain.TransactionStatus
}

type Recorder struct {
	logger *slog.Logger
	now    func() time.Time
}

func NewRecorder(logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Record appends a ledger entry through tx.
func (r *Recorder) Record(ctx context.Context, tx store.Tx, entry Entry) (domain.FinancialTransaction, error) {
	if err := validateEntry(entry); err != nil {
		return domain.FinancialTransaction{}, err
	}

	now := r.now()
	record := domain.FinancialTransaction{
		ID:                uuid.NewString(),
		TenantID:          entry.TenantID,
		UserID:            entry.UserID,
		Type:              entry.Type,
		Amount:            entry.Amount.Round(2),
		Description:       strings.TrimSpace(entry.Description),
		RelatedEntityID:   entry.RelatedEntityID,
		RelatedEntityType: entry.RelatedEntityType,
		Status:            entry.Status,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := tx.InsertTransaction(ctx, record); err != nil {
		return domain.FinancialTransaction{}, err
	}

	r.logger.DebugContext(ctx, "transaction recorded",
		slog.String("tenant_id", record.TenantID),
		slog.String("transaction_id", record.ID),
		slog.String("type", string(record.Type)),
		slog.String("amount", record.Amount.StringFixed(2)),
		slog.String("status", string(record.Status)),
	)
	return record, nil
}

// Transition moves an existing entry to status. It takes a Tx so that it can
// only run as part of a sale operation's unit of work.
func (r *Recorder) Transition(ctx context.Context, tx store.Tx, tenantID string, transactionID string, status domain.TransactionStatus) error {
	if tx == nil {
		return store.Validation("transition requires a unit of work")
	}
	if transactionID == "" || !validStatus(status) {
		return store.Validation("invalid transition to %q", status)
	}
	return tx.UpdateTransactionStatus(ctx, tenantID, transactionID, status)
}

// StatusForPayment maps a sale payment status onto the status of the
// transaction that records it.
func StatusForPayment(status domain.PaymentStatus) domain.TransactionStatus {
	switch status {
	case domain.PaymentPaid:
		return domain.TxCompleted
	case domain.PaymentCancelled:
		return domain.TxCancelled
	case domain.PaymentRefunded:
		return domain.TxRefunded
	default:
		return domain.TxIncomplete
	}
}

func validateEntry(entry Entry) error {
	switch {
	case entry.TenantID == "":
		return store.Validation("transaction tenant is required")
	case entry.UserID == "":
		return store.Validation("transaction user is required")
	case strings.TrimSpace(entry.Description) == "":
		return store.Validation("transaction description is required")
	case !entry.Amount.IsPositive():
		return store.Validation("transaction amount must be positive")
	case !validStatus(entry.Status):
		return store.Validation("unknown transaction status %q", entry.Status)
	}
	switch entry.Type {
	case domain.TxIncome, domain.TxExpense, domain.TxCashIn, domain.TxCashOut:
	default:
		return store.Validation("unknown transaction type %q", entry.Type)
	}
	if (entry.RelatedEntityID == "") != (entry.RelatedEntityType == "") {
		return store.Validation("related entity id and type must be set together")
	}
	return nil
}

func validStatus(status domain.TransactionStatus) bool {
	switch status {
	case domain.TxCompleted, domain.TxCancelled, domain.TxIncomplete, domain.TxRejected,
		domain.TxRefunded, domain.TxDisputed, domain.TxPaid:
		return true
	}
	return false
}
