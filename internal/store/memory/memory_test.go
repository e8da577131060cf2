package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"retailpos/backend/internal/domain"
	"retailpos/backend/internal/store"
)

var (
	tshirt  = domain.StockUnitRef{TenantID: "tenant-a", ProductID: "prod-tshirt"}
	tshirtM = domain.StockUnitRef{TenantID: "tenant-a", ProductID: "prod-tshirt", VariantID: "var-tshirt-m"}
)

func stock(t *testing.T, s *Store, ref domain.StockUnitRef) int {
	t.Helper()
	unit, err := s.GetStockUnit(context.Background(), ref)
	require.NoError(t, err)
	return unit.Stock
}

func TestWithTxDiscardsWritesOnError(t *testing.T) {
	s := NewSeeded("tenant-a")
	boom := errors.New("boom")

	err := s.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		require.NoError(t, tx.SetStock(ctx, tshirt, 1))
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 120, stock(t, s, tshirt))
}

func TestWithTxDiscardsWritesOnPanic(t *testing.T) {
	s := NewSeeded("tenant-a")

	require.Panics(t, func() {
		_ = s.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
			_ = tx.SetStock(ctx, tshirt, 1)
			panic("lost connection")
		})
	})
	require.Equal(t, 120, stock(t, s, tshirt))
}

func TestWithTxHonoursCancelledContext(t *testing.T) {
	s := NewSeeded("tenant-a")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.WithTx(ctx, func(context.Context, store.Tx) error { return nil })
	require.ErrorIs(t, err, store.ErrStorage)
}

func TestStockUnitsAreTenantScoped(t *testing.T) {
	s := NewSeeded("tenant-a")
	ctx := context.Background()

	unit, err := s.GetStockUnit(ctx, tshirtM)
	require.NoError(t, err)
	require.Equal(t, "Basic T-Shirt - M", unit.Name)
	require.Equal(t, 45, unit.Stock)

	_, err = s.GetStockUnit(ctx, domain.StockUnitRef{TenantID: "tenant-b", ProductID: "prod-tshirt"})
	require.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.GetStockUnit(ctx, domain.StockUnitRef{TenantID: "tenant-a", ProductID: "prod-cap", VariantID: "var-tshirt-m"})
	require.ErrorIs(t, err, store.ErrNotFound)

	s.DeleteProduct("tenant-a", "prod-tshirt")
	_, err = s.GetStockUnit(ctx, tshirtM)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestSetStockRejectsNegative(t *testing.T) {
	s := NewSeeded("tenant-a")

	err := s.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.SetStock(ctx, tshirtM, -1)
	})
	require.ErrorIs(t, err, store.ErrStorage)
	require.Equal(t, 45, stock(t, s, tshirtM))
}

func TestOpenSessionIsUniquePerUser(t *testing.T) {
	s := New()
	ctx := context.Background()
	session := domain.CashRegisterSession{
		ID:            "session-1",
		TenantID:      "tenant-a",
		UserID:        "cashier-1",
		OpeningAmount: decimal.NewFromInt(50),
		CurrentAmount: decimal.NewFromInt(50),
		Status:        domain.SessionOpen,
		OpenedAt:      time.Now().UTC(),
	}

	require.NoError(t, s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.InsertSession(ctx, session)
	}))

	second := session
	second.ID = "session-2"
	err := s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.InsertSession(ctx, second)
	})
	require.ErrorIs(t, err, store.ErrConflict)

	closedAt := time.Now().UTC()
	session.Status = domain.SessionClosed
	session.ClosedAt = &closedAt
	require.NoError(t, s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.UpdateSession(ctx, session)
	}))

	_, err = s.GetOpenSession(ctx, "tenant-a", "cashier-1")
	require.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.InsertSession(ctx, second)
	}))
}

func TestListSessionTransactionsWindow(t *testing.T) {
	s := New()
	ctx := context.Background()
	openedAt := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	entry := func(id string, userID string, at time.Time) domain.FinancialTransaction {
		return domain.FinancialTransaction{
			ID:          id,
			TenantID:    "tenant-a",
			UserID:      userID,
			Type:        domain.TxCashIn,
			Amount:      decimal.NewFromInt(1),
			Description: id,
			Status:      domain.TxCompleted,
			CreatedAt:   at,
			UpdatedAt:   at,
		}
	}
	require.NoError(t, s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		for _, e := range []domain.FinancialTransaction{
			entry("before", "cashier-1", openedAt.Add(-time.Minute)),
			entry("second", "cashier-1", openedAt.Add(2*time.Minute)),
			entry("first", "cashier-1", openedAt.Add(time.Minute)),
			entry("other-user", "cashier-2", openedAt.Add(time.Minute)),
		} {
			if err := tx.InsertTransaction(ctx, e); err != nil {
				return err
			}
		}
		return nil
	}))

	entries, err := s.ListSessionTransactions(ctx, domain.CashRegisterSession{
		TenantID: "tenant-a",
		UserID:   "cashier-1",
		OpenedAt: openedAt,
	})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "first", entries[0].ID)
	require.Equal(t, "second", entries[1].ID)
}
