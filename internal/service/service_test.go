package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"retailpos/backend/internal/cache"
	"retailpos/backend/internal/domain"
	"retailpos/backend/internal/policy"
	"retailpos/backend/internal/store"
	"retailpos/backend/internal/store/memory"
)

const testTenant = "tenant-a"

var (
	productA = domain.StockUnitRef{TenantID: testTenant, ProductID: "prod-a"}
	productB = domain.StockUnitRef{TenantID: testTenant, ProductID: "prod-b"}
	variantC = domain.StockUnitRef{TenantID: testTenant, ProductID: "prod-c", VariantID: "var-c-blue"}
)

func newTestRepo(t *testing.T) *memory.Store {
	t.Helper()
	repo := memory.New()
	repo.PutProduct(domain.Product{ID: "prod-a", TenantID: testTenant, Name: "Product A", Price: dec("20.00"), Stock: 10})
	repo.PutProduct(domain.Product{ID: "prod-b", TenantID: testTenant, Name: "Product B", Price: dec("5.00"), Stock: 2})
	repo.PutProduct(domain.Product{ID: "prod-c", TenantID: testTenant, Name: "Product C", Price: dec("12.00"), Stock: 0})
	repo.PutVariant(domain.ProductVariant{ID: "var-c-blue", TenantID: testTenant, ProductID: "prod-c", Name: "Blue", Price: dec("12.00"), Stock: 6})
	repo.PutProduct(domain.Product{ID: "prod-x", TenantID: "tenant-b", Name: "Foreign", Price: dec("1.00"), Stock: 100})
	return repo
}

func newTestEngine(t *testing.T) (*SalesEngine, *memory.Store) {
	t.Helper()
	repo := newTestRepo(t)
	return NewSalesEngine(Deps{Repo: repo}), repo
}

func actorCtx(role domain.Role, userID string) context.Context {
	return policy.WithActor(context.Background(), domain.Actor{UserID: userID, TenantID: testTenant, Role: role})
}

func cashierCtx() context.Context {
	return actorCtx(domain.RoleCashier, "cashier-1")
}

func adminCtx() context.Context {
	return actorCtx(domain.RoleAdmin, "admin-1")
}

func stockOf(t *testing.T, repo *memory.Store, ref domain.StockUnitRef) int {
	t.Helper()
	unit, err := repo.GetStockUnit(context.Background(), ref)
	require.NoError(t, err)
	return unit.Stock
}

func paidSale(items ...domain.SaleLineInput) domain.CreateSaleRequest {
	return domain.CreateSaleRequest{
		Items:         items,
		PaymentMethod: domain.PaymentCash,
		PaymentStatus: domain.PaymentPaid,
	}
}

func TestCreateSalePaidRecordsIncome(t *testing.T) {
	engine, repo := newTestEngine(t)

	sale, err := engine.CreateSale(cashierCtx(), paidSale(
		domain.SaleLineInput{ProductID: "prod-a", Quantity: 3, Price: dec("20.00")},
	))
	require.NoError(t, err)
	require.Equal(t, "60.00", sale.Total.StringFixed(2))
	require.Equal(t, domain.SaleActive, sale.Status)
	require.Equal(t, domain.SourcePOS, sale.Source)
	require.Equal(t, "cashier-1", sale.UserID)
	require.Len(t, sale.Items, 1)
	require.Equal(t, "Product A", sale.Items[0].Name)
	require.Equal(t, 7, stockOf(t, repo, productA))

	entries, err := repo.ListSaleTransactions(context.Background(), testTenant, sale.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, domain.TxIncome, entries[0].Type)
	require.Equal(t, domain.TxCompleted, entries[0].Status)
	require.Equal(t, domain.RelatedSale, entries[0].RelatedEntityType)
	require.Equal(t, "60.00", entries[0].Amount.StringFixed(2))
}

func TestCreateSaleInsufficientStockRollsBackEarlierLines(t *testing.T) {
	engine, repo := newTestEngine(t)

	_, err := engine.CreateSale(cashierCtx(), paidSale(
		domain.SaleLineInput{ProductID: "prod-a", Quantity: 3, Price: dec("20.00")},
		domain.SaleLineInput{ProductID: "prod-b", Quantity: 5, Price: dec("5.00")},
	))
	require.ErrorIs(t, err, store.ErrInsufficientStock)

	var stockErr *store.InsufficientStockError
	require.True(t, errors.As(err, &stockErr))
	require.Equal(t, 2, stockErr.Available)
	require.Equal(t, 5, stockErr.Requested)

	require.Equal(t, 10, stockOf(t, repo, productA))
	require.Equal(t, 2, stockOf(t, repo, productB))

	sales, err := engine.ListSales(cashierCtx(), domain.SaleFilter{})
	require.NoError(t, err)
	require.Empty(t, sales)
}

func TestCreateSalePendingRecordsNoTransaction(t *testing.T) {
	engine, repo := newTestEngine(t)

	sale, err := engine.CreateSale(cashierCtx(), domain.CreateSaleRequest{
		PaymentMethod: domain.PaymentTransfer,
		Items:         []domain.SaleLineInput{{ProductID: "prod-c", VariantID: "var-c-blue", Quantity: 2, Price: dec("11.50")}},
	})
	require.NoError(t, err)
	require.Equal(t, domain.PaymentPending, sale.PaymentStatus)
	require.Equal(t, "23.00", sale.Total.StringFixed(2))
	require.Equal(t, "Product C - Blue", sale.Items[0].Name)
	require.Equal(t, 4, stockOf(t, repo, variantC))

	entries, err := repo.ListSaleTransactions(context.Background(), testTenant, sale.ID)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestCreateSaleValidation(t *testing.T) {
	engine, _ := newTestEngine(t)

	cases := map[string]domain.CreateSaleRequest{
		"no items":        {PaymentMethod: domain.PaymentCash},
		"zero quantity":   paidSale(domain.SaleLineInput{ProductID: "prod-a", Quantity: 0, Price: dec("1")}),
		"bad method":      {PaymentMethod: "BARTER", Items: []domain.SaleLineInput{{ProductID: "prod-a", Quantity: 1, Price: dec("1")}}},
		"refunded sale":   {PaymentMethod: domain.PaymentCash, PaymentStatus: domain.PaymentRefunded, Items: []domain.SaleLineInput{{ProductID: "prod-a", Quantity: 1, Price: dec("1")}}},
		"missing product": paidSale(domain.SaleLineInput{Quantity: 1, Price: dec("1")}),
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := engine.CreateSale(cashierCtx(), req)
			require.ErrorIs(t, err, store.ErrValidation)
		})
	}
}

func TestCreateSaleCrossTenantIsNotFound(t *testing.T) {
	engine, repo := newTestEngine(t)

	_, err := engine.CreateSale(cashierCtx(), paidSale(
		domain.SaleLineInput{ProductID: "prod-a", Quantity: 1, Price: dec("20.00")},
		domain.SaleLineInput{ProductID: "prod-x", Quantity: 1, Price: dec("1.00")},
	))
	require.ErrorIs(t, err, store.ErrNotFound)
	require.Equal(t, 10, stockOf(t, repo, productA))
}

func TestCreateSaleUnknownVariantIsNotFound(t *testing.T) {
	engine, _ := newTestEngine(t)

	_, err := engine.CreateSale(cashierCtx(), paidSale(
		domain.SaleLineInput{ProductID: "prod-a", VariantID: "var-c-blue", Quantity: 1, Price: dec("20.00")},
	))
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestCreateSaleRequiresAuthorizedActor(t *testing.T) {
	engine, _ := newTestEngine(t)
	req := paidSale(domain.SaleLineInput{ProductID: "prod-a", Quantity: 1, Price: dec("20.00")})

	_, err := engine.CreateSale(context.Background(), req)
	require.ErrorIs(t, err, store.ErrUnauthenticated)

	_, err = engine.CreateSale(actorCtx(domain.RoleCustomer, "cust-1"), req)
	require.ErrorIs(t, err, store.ErrForbidden)
}

func TestConcurrentSalesNeverOversell(t *testing.T) {
	engine, repo := newTestEngine(t)

	const attempts = 25
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.CreateSale(cashierCtx(), paidSale(
				domain.SaleLineInput{ProductID: "prod-a", Quantity: 1, Price: dec("20.00")},
			))
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			if !errors.Is(err, store.ErrInsufficientStock) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 10, succeeded)
	require.Equal(t, 0, stockOf(t, repo, productA))
}

func TestRegisterPaymentSettlesPendingSale(t *testing.T) {
	engine, repo := newTestEngine(t)

	sale, err := engine.CreateSale(cashierCtx(), domain.CreateSaleRequest{
		PaymentMethod: domain.PaymentCash,
		Items:         []domain.SaleLineInput{{ProductID: "prod-a", Quantity: 2, Price: dec("20.00")}},
	})
	require.NoError(t, err)

	paid, err := engine.RegisterPayment(cashierCtx(), domain.RegisterPaymentRequest{
		SaleID:        sale.ID,
		PaymentMethod: domain.PaymentQR,
		Amount:        dec("40"),
	})
	require.NoError(t, err)
	require.Equal(t, domain.PaymentPaid, paid.PaymentStatus)
	require.Equal(t, domain.PaymentQR, paid.PaymentMethod)
	require.Len(t, paid.Items, 1)

	entries, err := repo.ListSaleTransactions(context.Background(), testTenant, sale.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, domain.TxIncome, entries[0].Type)
	require.Equal(t, "40.00", entries[0].Amount.StringFixed(2))

	_, err = engine.RegisterPayment(cashierCtx(), domain.RegisterPaymentRequest{
		SaleID:        sale.ID,
		PaymentMethod: domain.PaymentCash,
		Amount:        dec("40.00"),
	})
	require.ErrorIs(t, err, store.ErrConflict)
}

func TestRegisterPaymentRequiresExactAmount(t *testing.T) {
	engine, repo := newTestEngine(t)

	sale, err := engine.CreateSale(cashierCtx(), domain.CreateSaleRequest{
		PaymentMethod: domain.PaymentCash,
		Items:         []domain.SaleLineInput{{ProductID: "prod-a", Quantity: 2, Price: dec("20.00")}},
	})
	require.NoError(t, err)

	for _, amount := range []string{"39.99", "40.01", "100"} {
		_, err := engine.RegisterPayment(cashierCtx(), domain.RegisterPaymentRequest{
			SaleID:        sale.ID,
			PaymentMethod: domain.PaymentCash,
			Amount:        dec(amount),
		})
		require.ErrorIs(t, err, store.ErrValidation, amount)
	}

	entries, err := repo.ListSaleTransactions(context.Background(), testTenant, sale.ID)
	require.NoError(t, err)
	require.Empty(t, entries)

	got, err := engine.GetSale(cashierCtx(), sale.ID)
	require.NoError(t, err)
	require.Equal(t, domain.PaymentPending, got.PaymentStatus)
}

func TestRegisterPaymentSettlesZeroTotalSale(t *testing.T) {
	engine, repo := newTestEngine(t)

	sale, err := engine.CreateSale(cashierCtx(), domain.CreateSaleRequest{
		PaymentMethod: domain.PaymentCash,
		Items:         []domain.SaleLineInput{{ProductID: "prod-a", Quantity: 1, Price: dec("0")}},
	})
	require.NoError(t, err)
	require.Equal(t, "0.00", sale.Total.StringFixed(2))
	require.Equal(t, domain.PaymentPending, sale.PaymentStatus)

	paid, err := engine.RegisterPayment(cashierCtx(), domain.RegisterPaymentRequest{
		SaleID:        sale.ID,
		PaymentMethod: domain.PaymentCash,
		Amount:        dec("0"),
	})
	require.NoError(t, err)
	require.Equal(t, domain.PaymentPaid, paid.PaymentStatus)

	entries, err := repo.ListSaleTransactions(context.Background(), testTenant, sale.ID)
	require.NoError(t, err)
	require.Empty(t, entries)

	_, err = engine.RegisterPayment(cashierCtx(), domain.RegisterPaymentRequest{
		SaleID:        sale.ID,
		PaymentMethod: domain.PaymentCash,
		Amount:        dec("-1"),
	})
	require.ErrorIs(t, err, store.ErrValidation)
}

func TestRegisterPaymentOnVoidedSaleConflicts(t *testing.T) {
	engine, _ := newTestEngine(t)

	sale, err := engine.CreateSale(cashierCtx(), domain.CreateSaleRequest{
		PaymentMethod: domain.PaymentCash,
		Items:         []domain.SaleLineInput{{ProductID: "prod-a", Quantity: 1, Price: dec("20.00")}},
	})
	require.NoError(t, err)
	_, err = engine.VoidSale(adminCtx(), domain.VoidSaleRequest{SaleID: sale.ID})
	require.NoError(t, err)

	_, err = engine.RegisterPayment(cashierCtx(), domain.RegisterPaymentRequest{
		SaleID:        sale.ID,
		PaymentMethod: domain.PaymentCash,
		Amount:        dec("20.00"),
	})
	require.ErrorIs(t, err, store.ErrConflict)
}

func TestRegisterPaymentOtherTenantIsNotFound(t *testing.T) {
	engine, _ := newTestEngine(t)

	sale, err := engine.CreateSale(cashierCtx(), domain.CreateSaleRequest{
		PaymentMethod: domain.PaymentCash,
		Items:         []domain.SaleLineInput{{ProductID: "prod-a", Quantity: 1, Price: dec("20.00")}},
	})
	require.NoError(t, err)

	other := policy.WithActor(context.Background(), domain.Actor{UserID: "c-9", TenantID: "tenant-b", Role: domain.RoleCashier})
	_, err = engine.RegisterPayment(other, domain.RegisterPaymentRequest{
		SaleID:        sale.ID,
		PaymentMethod: domain.PaymentCash,
		Amount:        dec("20.00"),
	})
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestVoidPaidSaleRestoresStockAndReversesPayment(t *testing.T) {
	engine, repo := newTestEngine(t)

	sale, err := engine.CreateSale(cashierCtx(), paidSale(
		domain.SaleLineInput{ProductID: "prod-a", Quantity: 3, Price: dec("20.00")},
	))
	require.NoError(t, err)
	require.Equal(t, 7, stockOf(t, repo, productA))

	voided, err := engine.VoidSale(adminCtx(), domain.VoidSaleRequest{SaleID: sale.ID, Reason: "customer changed mind"})
	require.NoError(t, err)
	require.Equal(t, domain.SaleVoided, voided.Status)
	require.Equal(t, domain.PaymentRefunded, voided.PaymentStatus)
	require.Equal(t, "[VOIDED: customer changed mind]", voided.Notes)
	require.NotNil(t, voided.VoidedAt)
	require.Len(t, voided.Items, 1)
	require.Equal(t, 10, stockOf(t, repo, productA))

	entries, err := repo.ListSaleTransactions(context.Background(), testTenant, sale.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	byType := map[domain.TransactionType]domain.FinancialTransaction{}
	for _, entry := range entries {
		byType[entry.Type] = entry
	}
	require.Equal(t, domain.TxCancelled, byType[domain.TxIncome].Status)
	require.Equal(t, domain.TxRefunded, byType[domain.TxExpense].Status)
	require.Equal(t, domain.RelatedSaleVoid, byType[domain.TxExpense].RelatedEntityType)
	require.Equal(t, "60.00", byType[domain.TxExpense].Amount.StringFixed(2))
}

func TestVoidPendingSaleOnlyRestoresStock(t *testing.T) {
	engine, repo := newTestEngine(t)

	sale, err := engine.CreateSale(cashierCtx(), domain.CreateSaleRequest{
		PaymentMethod: domain.PaymentCash,
		Notes:         "layaway",
		Items:         []domain.SaleLineInput{{ProductID: "prod-b", Quantity: 2, Price: dec("5.00")}},
	})
	require.NoError(t, err)
	require.Equal(t, 0, stockOf(t, repo, productB))

	voided, err := engine.VoidSale(adminCtx(), domain.VoidSaleRequest{SaleID: sale.ID})
	require.NoError(t, err)
	require.Equal(t, domain.PaymentPending, voided.PaymentStatus)
	require.Equal(t, "layaway [VOIDED]", voided.Notes)
	require.Equal(t, 2, stockOf(t, repo, productB))

	entries, err := repo.ListSaleTransactions(context.Background(), testTenant, sale.ID)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestVoidTwiceConflictsWithoutStockChange(t *testing.T) {
	engine, repo := newTestEngine(t)

	sale, err := engine.CreateSale(cashierCtx(), paidSale(
		domain.SaleLineInput{ProductID: "prod-a", Quantity: 4, Price: dec("20.00")},
	))
	require.NoError(t, err)
	_, err = engine.VoidSale(adminCtx(), domain.VoidSaleRequest{SaleID: sale.ID})
	require.NoError(t, err)
	require.Equal(t, 10, stockOf(t, repo, productA))

	_, err = engine.VoidSale(adminCtx(), domain.VoidSaleRequest{SaleID: sale.ID})
	require.ErrorIs(t, err, store.ErrConflict)
	require.Equal(t, 10, stockOf(t, repo, productA))

	entries, err := repo.ListSaleTransactions(context.Background(), testTenant, sale.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestVoidRestoresExactQuantityDespiteInterleavedSales(t *testing.T) {
	engine, repo := newTestEngine(t)

	first, err := engine.CreateSale(cashierCtx(), paidSale(
		domain.SaleLineInput{ProductID: "prod-a", Quantity: 3, Price: dec("20.00")},
		domain.SaleLineInput{ProductID: "prod-c", VariantID: "var-c-blue", Quantity: 1, Price: dec("12.00")},
	))
	require.NoError(t, err)
	_, err = engine.CreateSale(cashierCtx(), paidSale(
		domain.SaleLineInput{ProductID: "prod-a", Quantity: 2, Price: dec("18.00")},
	))
	require.NoError(t, err)
	require.Equal(t, 5, stockOf(t, repo, productA))

	_, err = engine.VoidSale(adminCtx(), domain.VoidSaleRequest{SaleID: first.ID})
	require.NoError(t, err)
	require.Equal(t, 8, stockOf(t, repo, productA))
	require.Equal(t, 6, stockOf(t, repo, variantC))
}

func TestVoidSkipsUnitsRemovedFromCatalog(t *testing.T) {
	engine, repo := newTestEngine(t)

	sale, err := engine.CreateSale(cashierCtx(), paidSale(
		domain.SaleLineInput{ProductID: "prod-a", Quantity: 1, Price: dec("20.00")},
		domain.SaleLineInput{ProductID: "prod-b", Quantity: 1, Price: dec("5.00")},
	))
	require.NoError(t, err)
	repo.DeleteProduct(testTenant, "prod-b")

	voided, err := engine.VoidSale(adminCtx(), domain.VoidSaleRequest{SaleID: sale.ID})
	require.NoError(t, err)
	require.Equal(t, domain.SaleVoided, voided.Status)
	require.Equal(t, 10, stockOf(t, repo, productA))
}

// lockRecorder records the order in which stock rows are locked.
type lockRecorder struct {
	*memory.Store
	mu     sync.Mutex
	locked []domain.StockUnitRef
}

func (r *lockRecorder) WithTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	return r.Store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return fn(ctx, recordingTx{Tx: tx, rec: r})
	})
}

func (r *lockRecorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.locked = nil
}

type recordingTx struct {
	store.Tx
	rec *lockRecorder
}

func (t recordingTx) GetStockUnitForUpdate(ctx context.Context, ref domain.StockUnitRef) (*domain.StockUnit, error) {
	t.rec.mu.Lock()
	t.rec.locked = append(t.rec.locked, ref)
	t.rec.mu.Unlock()
	return t.Tx.GetStockUnitForUpdate(ctx, ref)
}

func TestVoidLocksUnitsInSaleCreationOrder(t *testing.T) {
	repo := &lockRecorder{Store: newTestRepo(t)}
	engine := NewSalesEngine(Deps{Repo: repo})

	sale, err := engine.CreateSale(cashierCtx(), paidSale(
		domain.SaleLineInput{ProductID: "prod-b", Quantity: 1, Price: dec("5.00")},
		domain.SaleLineInput{ProductID: "prod-a", Quantity: 1, Price: dec("20.00")},
	))
	require.NoError(t, err)
	require.Equal(t, []domain.StockUnitRef{productA, productB}, repo.locked[:2])

	repo.reset()
	_, err = engine.VoidSale(adminCtx(), domain.VoidSaleRequest{SaleID: sale.ID})
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(repo.locked), 2)
	require.Equal(t, []domain.StockUnitRef{productA, productB}, repo.locked[:2])
	require.Equal(t, 10, stockOf(t, repo.Store, productA))
	require.Equal(t, 2, stockOf(t, repo.Store, productB))
}

func TestVoidRequiresAdmin(t *testing.T) {
	engine, _ := newTestEngine(t)

	sale, err := engine.CreateSale(cashierCtx(), paidSale(
		domain.SaleLineInput{ProductID: "prod-a", Quantity: 1, Price: dec("20.00")},
	))
	require.NoError(t, err)

	_, err = engine.VoidSale(cashierCtx(), domain.VoidSaleRequest{SaleID: sale.ID})
	require.ErrorIs(t, err, store.ErrForbidden)
}

func TestVoidUnknownSaleIsNotFound(t *testing.T) {
	engine, _ := newTestEngine(t)
	_, err := engine.VoidSale(adminCtx(), domain.VoidSaleRequest{SaleID: "missing"})
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestVendorSeesOnlyOwnSales(t *testing.T) {
	engine, _ := newTestEngine(t)
	vendorA := actorCtx(domain.RoleVendor, "vendor-a")
	vendorB := actorCtx(domain.RoleVendor, "vendor-b")

	sale, err := engine.CreateSale(vendorA, paidSale(domain.SaleLineInput{ProductID: "prod-a", Quantity: 1, Price: dec("20.00")}))
	require.NoError(t, err)
	_, err = engine.CreateSale(vendorB, paidSale(domain.SaleLineInput{ProductID: "prod-a", Quantity: 1, Price: dec("20.00")}))
	require.NoError(t, err)

	own, err := engine.ListSales(vendorA, domain.SaleFilter{})
	require.NoError(t, err)
	require.Len(t, own, 1)
	require.Equal(t, sale.ID, own[0].ID)

	_, err = engine.GetSale(vendorB, sale.ID)
	require.ErrorIs(t, err, store.ErrNotFound)

	all, err := engine.ListSales(adminCtx(), domain.SaleFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestListSalesFiltersByStatus(t *testing.T) {
	engine, _ := newTestEngine(t)

	keep, err := engine.CreateSale(cashierCtx(), paidSale(domain.SaleLineInput{ProductID: "prod-a", Quantity: 1, Price: dec("20.00")}))
	require.NoError(t, err)
	gone, err := engine.CreateSale(cashierCtx(), paidSale(domain.SaleLineInput{ProductID: "prod-a", Quantity: 1, Price: dec("20.00")}))
	require.NoError(t, err)
	_, err = engine.VoidSale(adminCtx(), domain.VoidSaleRequest{SaleID: gone.ID})
	require.NoError(t, err)

	active, err := engine.ListSales(cashierCtx(), domain.SaleFilter{Status: domain.SaleActive})
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, keep.ID, active[0].ID)

	refunded, err := engine.ListSales(cashierCtx(), domain.SaleFilter{PaymentStatus: domain.PaymentRefunded})
	require.NoError(t, err)
	require.Len(t, refunded, 1)
	require.Equal(t, gone.ID, refunded[0].ID)
}

func TestSaleTransactionsListsLedgerEntries(t *testing.T) {
	engine, _ := newTestEngine(t)

	sale, err := engine.CreateSale(cashierCtx(), paidSale(domain.SaleLineInput{ProductID: "prod-a", Quantity: 1, Price: dec("20.00")}))
	require.NoError(t, err)

	entries, err := engine.SaleTransactions(cashierCtx(), sale.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestCreateSaleIdempotencyReplaysOriginal(t *testing.T) {
	mr := miniredis.RunT(t)
	idem := cache.NewRedisIdempotencyCache(mr.Addr(), "", 0)
	t.Cleanup(func() { _ = idem.Close() })

	repo := newTestRepo(t)
	engine := NewSalesEngine(Deps{Repo: repo, Idempotency: idem})

	req := paidSale(domain.SaleLineInput{ProductID: "prod-a", Quantity: 2, Price: dec("20.00")})
	req.IdempotencyKey = "client-retry-1"

	first, err := engine.CreateSale(cashierCtx(), req)
	require.NoError(t, err)
	second, err := engine.CreateSale(cashierCtx(), req)
	require.NoError(t, err)

	require.Equal(t, first.ID, second.ID)
	require.Equal(t, 8, stockOf(t, repo, productA))
}

func TestCreateSaleIdempotencyKeyIsPerUser(t *testing.T) {
	mr := miniredis.RunT(t)
	idem := cache.NewRedisIdempotencyCache(mr.Addr(), "", 0)
	t.Cleanup(func() { _ = idem.Close() })

	repo := newTestRepo(t)
	engine := NewSalesEngine(Deps{Repo: repo, Idempotency: idem})

	req := paidSale(domain.SaleLineInput{ProductID: "prod-a", Quantity: 2, Price: dec("20.00")})
	req.IdempotencyKey = "k1"

	first, err := engine.CreateSale(actorCtx(domain.RoleVendor, "vendor-1"), req)
	require.NoError(t, err)
	second, err := engine.CreateSale(actorCtx(domain.RoleVendor, "vendor-2"), req)
	require.NoError(t, err)

	require.NotEqual(t, first.ID, second.ID)
	require.Equal(t, "vendor-2", second.UserID)
	require.Equal(t, 6, stockOf(t, repo, productA))

	_, err = engine.GetSale(actorCtx(domain.RoleVendor, "vendor-2"), first.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestCreateSaleIdempotencyReleasesKeyOnFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	idem := cache.NewRedisIdempotencyCache(mr.Addr(), "", 0)
	t.Cleanup(func() { _ = idem.Close() })

	repo := newTestRepo(t)
	engine := NewSalesEngine(Deps{Repo: repo, Idempotency: idem})

	req := paidSale(domain.SaleLineInput{ProductID: "prod-b", Quantity: 3, Price: dec("5.00")})
	req.IdempotencyKey = "retry-after-restock"

	_, err := engine.CreateSale(cashierCtx(), req)
	require.ErrorIs(t, err, store.ErrInsufficientStock)

	repo.PutProduct(domain.Product{ID: "prod-b", TenantID: testTenant, Name: "Product B", Price: dec("5.00"), Stock: 5})
	sale, err := engine.CreateSale(cashierCtx(), req)
	require.NoError(t, err)
	require.Equal(t, "15.00", sale.Total.StringFixed(2))
	require.Equal(t, 2, stockOf(t, repo, productB))
}

func TestCreateSaleIdempotencyInFlightConflicts(t *testing.T) {
	mr := miniredis.RunT(t)
	idem := cache.NewRedisIdempotencyCache(mr.Addr(), "", 0)
	t.Cleanup(func() { _ = idem.Close() })

	engine := NewSalesEngine(Deps{Repo: newTestRepo(t), Idempotency: idem})
	_, reserved, err := idem.Reserve(context.Background(), testTenant+":cashier-1:busy", defaultIdempotencyTTL)
	require.NoError(t, err)
	require.True(t, reserved)

	req := paidSale(domain.SaleLineInput{ProductID: "prod-a", Quantity: 1, Price: dec("20.00")})
	req.IdempotencyKey = "busy"
	_, err = engine.CreateSale(cashierCtx(), req)
	require.ErrorIs(t, err, store.ErrConflict)
}

func TestCreateSaleStillWorksWhenCacheIsDown(t *testing.T) {
	mr := miniredis.RunT(t)
	idem := cache.NewRedisIdempotencyCache(mr.Addr(), "", 0)
	t.Cleanup(func() { _ = idem.Close() })
	mr.Close()

	engine := NewSalesEngine(Deps{Repo: newTestRepo(t), Idempotency: idem})
	req := paidSale(domain.SaleLineInput{ProductID: "prod-a", Quantity: 1, Price: dec("20.00")})
	req.IdempotencyKey = "cache-down"

	sale, err := engine.CreateSale(cashierCtx(), req)
	require.NoError(t, err)
	require.Equal(t, decimal.NewFromInt(20).StringFixed(2), sale.Total.StringFixed(2))
}

func TestStockLevelReportsProductAndVariant(t *testing.T) {
	engine, _ := newTestEngine(t)

	unit, err := engine.StockLevel(cashierCtx(), "prod-a", "")
	require.NoError(t, err)
	require.Equal(t, 10, unit.Stock)
	require.Equal(t, "Product A", unit.Name)

	unit, err = engine.StockLevel(cashierCtx(), "prod-c", "var-c-blue")
	require.NoError(t, err)
	require.Equal(t, 6, unit.Stock)

	_, err = engine.StockLevel(cashierCtx(), "prod-x", "")
	require.ErrorIs(t, err, store.ErrNotFound)

	_, err = engine.StockLevel(cashierCtx(), " ", "")
	require.ErrorIs(t, err, store.ErrValidation)

	_, err = engine.StockLevel(actorCtx(domain.RoleCustomer, "customer-1"), "prod-a", "")
	require.ErrorIs(t, err, store.ErrForbidden)
}
