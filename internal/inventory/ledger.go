package inventory

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"slices"

	"retailpos/backend/internal/domain"
	"retailpos/backend/internal/store"
)

// Ledger applies stock changes inside a caller-owned unit of work. It never
// commits on its own.
type Ledger struct {
	logger *slog.Logger
}

func NewLedger(logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{logger: logger}
}

// LockUnits takes the row lock of every distinct unit in a fixed order so
// two multi-line sales touching the same units cannot deadlock.
func (l *Ledger) LockUnits(ctx context.Context, tx store.Tx, refs []domain.StockUnitRef) (map[domain.StockUnitRef]*domain.StockUnit, error) {
	return l.lockOrdered(ctx, tx, refs, false)
}

// LockExistingUnits locks in the same order as LockUnits but leaves out units
// that are no longer in the catalog. Stock restores use it.
func (l *Ledger) LockExistingUnits(ctx context.Context, tx store.Tx, refs []domain.StockUnitRef) (map[domain.StockUnitRef]*domain.StockUnit, error) {
	return l.lockOrdered(ctx, tx, refs, true)
}

func (l *Ledger) lockOrdered(ctx context.Context, tx store.Tx, refs []domain.StockUnitRef, skipMissing bool) (map[domain.StockUnitRef]*domain.StockUnit, error) {
	ordered := slices.Clone(refs)
	slices.SortFunc(ordered, compareRefs)
	ordered = slices.Compact(ordered)

	units := make(map[domain.StockUnitRef]*domain.StockUnit, len(ordered))
	for _, ref := range ordered {
		unit, err := tx.GetStockUnitForUpdate(ctx, ref)
		if skipMissing && errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		units[ref] = unit
	}
	return units, nil
}

// TryDecrement removes qty from the unit or fails with
// *store.InsufficientStockError, leaving the stock untouched.
func (l *Ledger) TryDecrement(ctx context.Context, tx store.Tx, ref domain.StockUnitRef, qty int) (*domain.StockUnit, error) {
	if qty <= 0 {
		return nil, store.Validation("quantity must be positive for %s", ref)
	}

	unit, err := tx.GetStockUnitForUpdate(ctx, ref)
	if err != nil {
		return nil, err
	}
	if unit.Stock < qty {
		return nil, &store.InsufficientStockError{Ref: ref, Available: unit.Stock, Requested: qty}
	}

	unit.Stock -= qty
	if err := tx.SetStock(ctx, ref, unit.Stock); err != nil {
		return nil, err
	}
	return unit, nil
}

// Increment adds qty back without an upper bound. A unit that has since been
// removed from the catalog is skipped.
func (l *Ledger) Increment(ctx context.Context, tx store.Tx, ref domain.StockUnitRef, qty int) error {
	if qty <= 0 {
		return store.Validation("quantity must be positive for %s", ref)
	}

	unit, err := tx.GetStockUnitForUpdate(ctx, ref)
	if errors.Is(err, store.ErrNotFound) {
		l.logger.WarnContext(ctx, "stock unit missing, restore skipped",
			slog.String("tenant_id", ref.TenantID),
			slog.String("unit", ref.String()),
			slog.Int("qty", qty),
		)
		return nil
	}
	if err != nil {
		return err
	}

	return tx.SetStock(ctx, ref, unit.Stock+qty)
}

func compareRefs(a, b domain.StockUnitRef) int {
	return cmp.Or(
		cmp.Compare(a.TenantID, b.TenantID),
		cmp.Compare(a.ProductID, b.ProductID),
		cmp.Compare(a.VariantID, b.VariantID),
	)
}
