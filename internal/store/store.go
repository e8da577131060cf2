package store

import (
	"context"
	"errors"
	"fmt"

	"retailpos/backend/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrValidation        = errors.New("validation failed")
	ErrConflict          = errors.New("conflict")
	ErrStorage           = errors.New("storage failure")
	ErrForbidden         = errors.New("forbidden")
	ErrUnauthenticated   = errors.New("unauthenticated")
)

// InsufficientStockError reports the unit that could not cover a line.
// It matches ErrInsufficientStock under errors.Is.
type InsufficientStockError struct {
	Ref       domain.StockUnitRef
	Available int
	Requested int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s: available %d, requested %d", e.Ref, e.Available, e.Requested)
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// Storage wraps a driver error so callers can match ErrStorage while the
// original error stays reachable.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStorage, err)
}

// Validation builds an ErrValidation with a human readable reason.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Conflict builds an ErrConflict with a human readable reason.
func Conflict(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

// Tx is one unit of work. Every lookup is tenant scoped; rows owned by another
// tenant are reported as ErrNotFound.
type Tx interface {
	GetStockUnitForUpdate(ctx context.Context, ref domain.StockUnitRef) (*domain.StockUnit, error)
	SetStock(ctx context.Context, ref domain.StockUnitRef, stock int) error

	InsertSale(ctx context.Context, sale domain.Sale) error
	GetSaleForUpdate(ctx context.Context, tenantID string, saleID string) (*domain.Sale, error)
	UpdateSale(ctx context.Context, sale domain.Sale) error

	InsertTransaction(ctx context.Context, entry domain.FinancialTransaction) error
	FindTransaction(ctx context.Context, tenantID string, relatedID string, relatedType domain.RelatedEntityType) (*domain.FinancialTransaction, error)
	UpdateTransactionStatus(ctx context.Context, tenantID string, id string, status domain.TransactionStatus) error

	GetOpenSessionForUpdate(ctx context.Context, tenantID string, userID string) (*domain.CashRegisterSession, error)
	InsertSession(ctx context.Context, session domain.CashRegisterSession) error
	UpdateSession(ctx context.Context, session domain.CashRegisterSession) error
}

type Repository interface {
	// WithTx runs fn as a single unit of work. Any error returned by fn, or a
	// panic inside it, discards every write made through the Tx.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	GetSale(ctx context.Context, tenantID string, saleID string) (*domain.Sale, error)
	ListSales(ctx context.Context, filter domain.SaleFilter) ([]domain.Sale, error)
	ListSaleTransactions(ctx context.Context, tenantID string, saleID string) ([]domain.FinancialTransaction, error)
	GetOpenSession(ctx context.Context, tenantID string, userID string) (*domain.CashRegisterSession, error)
	ListSessionTransactions(ctx context.Context, session domain.CashRegisterSession) ([]domain.FinancialTransaction, error)
	GetStockUnit(ctx context.Context, ref domain.StockUnitRef) (*domain.StockUnit, error)
}
