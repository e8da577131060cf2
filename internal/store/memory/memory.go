package memory

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"retailpos/backend/internal/domain"
	"retailpos/backend/internal/store"
)

// Store keeps every table in maps behind one mutex. A unit of work holds the
// mutex for its whole duration and writes to a copy of the tables that only
// replaces the live tables when fn returns nil.
type Store struct {
	mu    sync.Mutex
	state *tables
}

type tables struct {
	products     map[string]domain.Product
	variants     map[string]domain.ProductVariant
	sales        map[string]domain.Sale
	transactions map[string]domain.FinancialTransaction
	sessions     map[string]domain.CashRegisterSession
	openSessions map[string]string
}

func New() *Store {
	return &Store{state: &tables{
		products:     make(map[string]domain.Product),
		variants:     make(map[string]domain.ProductVariant),
		sales:        make(map[string]domain.Sale),
		transactions: make(map[string]domain.FinancialTransaction),
		sessions:     make(map[string]domain.CashRegisterSession),
		openSessions: make(map[string]string),
	}}
}

// NewSeeded returns a store with a small demo catalog for tenantID, used when
// no DATABASE_URL is configured.
func NewSeeded(tenantID string) *Store {
	s := New()
	now := time.Now().UTC()
	for _, p := range []struct {
		id, name, sku, price string
		stock                int
	}{
		{"prod-tshirt", "Basic T-Shirt", "TS-001", "19.90", 120},
		{"prod-hoodie", "Zip Hoodie", "HD-001", "49.00", 40},
		{"prod-cap", "Snapback Cap", "CP-001", "15.50", 60},
		{"prod-socks", "Crew Socks 3-pack", "SK-003", "9.99", 200},
	} {
		s.PutProduct(domain.Product{
			ID:        p.id,
			TenantID:  tenantID,
			Name:      p.name,
			SKU:       p.sku,
			Price:     decimal.RequireFromString(p.price),
			Stock:     p.stock,
			UpdatedAt: now,
		})
	}
	for _, v := range []struct {
		id, productID, name, sku, price string
		stock                           int
	}{
		{"var-tshirt-s", "prod-tshirt", "S", "TS-001-S", "19.90", 30},
		{"var-tshirt-m", "prod-tshirt", "M", "TS-001-M", "19.90", 45},
		{"var-tshirt-l", "prod-tshirt", "L", "TS-001-L", "21.90", 25},
		{"var-hoodie-m", "prod-hoodie", "M", "HD-001-M", "49.00", 12},
	} {
		s.PutVariant(domain.ProductVariant{
			ID:        v.id,
			TenantID:  tenantID,
			ProductID: v.productID,
			Name:      v.name,
			SKU:       v.sku,
			Price:     decimal.RequireFromString(v.price),
			Stock:     v.stock,
			UpdatedAt: now,
		})
	}
	return s
}

// PutProduct inserts or replaces a catalog product.
func (s *Store) PutProduct(p domain.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.products[p.ID] = p
}

// PutVariant inserts or replaces a product variant.
func (s *Store) PutVariant(v domain.ProductVariant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.variants[v.ID] = v
}

// DeleteProduct removes a product and its variants from the catalog.
func (s *Store) DeleteProduct(tenantID string, productID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.state.products[productID]; ok && p.TenantID == tenantID {
		delete(s.state.products, productID)
	}
	for id, v := range s.state.variants {
		if v.TenantID == tenantID && v.ProductID == productID {
			delete(s.state.variants, id)
		}
	}
}

func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return store.Storage("begin", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.state.clone()
	if err := fn(ctx, &memTx{t: work}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return store.Storage("commit", err)
	}
	s.state = work
	return nil
}

func (s *Store) GetSale(_ context.Context, tenantID string, saleID string) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.sale(tenantID, saleID)
}

func (s *Store) ListSales(_ context.Context, filter domain.SaleFilter) ([]domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sales := make([]domain.Sale, 0, 32)
	for _, sale := range s.state.sales {
		if sale.TenantID != filter.TenantID {
			continue
		}
		if filter.UserID != "" && sale.UserID != filter.UserID {
			continue
		}
		if filter.Status != "" && sale.Status != filter.Status {
			continue
		}
		if filter.PaymentStatus != "" && sale.PaymentStatus != filter.PaymentStatus {
			continue
		}
		if filter.From != nil && sale.CreatedAt.Before(*filter.From) {
			continue
		}
		if filter.To != nil && !sale.CreatedAt.Before(*filter.To) {
			continue
		}
		sales = append(sales, cloneSale(sale))
	}
	slices.SortFunc(sales, func(a, b domain.Sale) int {
		return cmp.Or(b.CreatedAt.Compare(a.CreatedAt), cmp.Compare(b.ID, a.ID))
	})
	if filter.Limit > 0 && len(sales) > filter.Limit {
		sales = sales[:filter.Limit]
	}
	return sales, nil
}

func (s *Store) ListSaleTransactions(_ context.Context, tenantID string, saleID string) ([]domain.FinancialTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make([]domain.FinancialTransaction, 0, 2)
	for _, entry := range s.state.transactions {
		if entry.TenantID == tenantID && entry.RelatedEntityID == saleID {
			entries = append(entries, entry)
		}
	}
	sortTransactions(entries)
	return entries, nil
}

func (s *Store) GetOpenSession(_ context.Context, tenantID string, userID string) (*domain.CashRegisterSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.openSession(tenantID, userID)
}

func (s *Store) ListSessionTransactions(_ context.Context, session domain.CashRegisterSession) ([]domain.FinancialTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make([]domain.FinancialTransaction, 0, 16)
	for _, entry := range s.state.transactions {
		if entry.TenantID != session.TenantID || entry.UserID != session.UserID {
			continue
		}
		if entry.CreatedAt.Before(session.OpenedAt) {
			continue
		}
		if session.ClosedAt != nil && entry.CreatedAt.After(*session.ClosedAt) {
			continue
		}
		entries = append(entries, entry)
	}
	sortTransactions(entries)
	return entries, nil
}

func (s *Store) GetStockUnit(_ context.Context, ref domain.StockUnitRef) (*domain.StockUnit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.stockUnit(ref)
}

type memTx struct {
	t *tables
}

func (tx *memTx) GetStockUnitForUpdate(_ context.Context, ref domain.StockUnitRef) (*domain.StockUnit, error) {
	return tx.t.stockUnit(ref)
}

func (tx *memTx) SetStock(_ context.Context, ref domain.StockUnitRef, stock int) error {
	if stock < 0 {
		return store.Storage("set stock", fmt.Errorf("stock for %s would become negative", ref))
	}
	now := time.Now().UTC()
	if ref.IsVariant() {
		v, ok := tx.t.variants[ref.VariantID]
		if !ok || v.TenantID != ref.TenantID || v.ProductID != ref.ProductID {
			return store.ErrNotFound
		}
		v.Stock = stock
		v.UpdatedAt = now
		tx.t.variants[v.ID] = v
		return nil
	}
	p, ok := tx.t.products[ref.ProductID]
	if !ok || p.TenantID != ref.TenantID {
		return store.ErrNotFound
	}
	p.Stock = stock
	p.UpdatedAt = now
	tx.t.products[p.ID] = p
	return nil
}

func (tx *memTx) InsertSale(_ context.Context, sale domain.Sale) error {
	if _, exists := tx.t.sales[sale.ID]; exists {
		return store.Conflict("sale %s already exists", sale.ID)
	}
	tx.t.sales[sale.ID] = cloneSale(sale)
	return nil
}

func (tx *memTx) GetSaleForUpdate(_ context.Context, tenantID string, saleID string) (*domain.Sale, error) {
	return tx.t.sale(tenantID, saleID)
}

func (tx *memTx) UpdateSale(_ context.Context, sale domain.Sale) error {
	existing, ok := tx.t.sales[sale.ID]
	if !ok || existing.TenantID != sale.TenantID {
		return store.ErrNotFound
	}
	// line items are immutable once written
	sale.Items = existing.Items
	tx.t.sales[sale.ID] = sale
	return nil
}

func (tx *memTx) InsertTransaction(_ context.Context, entry domain.FinancialTransaction) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if _, exists := tx.t.transactions[entry.ID]; exists {
		return store.Conflict("transaction %s already exists", entry.ID)
	}
	tx.t.transactions[entry.ID] = entry
	return nil
}

func (tx *memTx) FindTransaction(_ context.Context, tenantID string, relatedID string, relatedType domain.RelatedEntityType) (*domain.FinancialTransaction, error) {
	var found *domain.FinancialTransaction
	for _, entry := range tx.t.transactions {
		if entry.TenantID != tenantID || entry.RelatedEntityID != relatedID || entry.RelatedEntityType != relatedType {
			continue
		}
		if found == nil || entry.CreatedAt.Before(found.CreatedAt) {
			e := entry
			found = &e
		}
	}
	if found == nil {
		return nil, store.ErrNotFound
	}
	return found, nil
}

func (tx *memTx) UpdateTransactionStatus(_ context.Context, tenantID string, id string, status domain.TransactionStatus) error {
	entry, ok := tx.t.transactions[id]
	if !ok || entry.TenantID != tenantID {
		return store.ErrNotFound
	}
	entry.Status = status
	entry.UpdatedAt = time.Now().UTC()
	tx.t.transactions[id] = entry
	return nil
}

func (tx *memTx) GetOpenSessionForUpdate(_ context.Context, tenantID string, userID string) (*domain.CashRegisterSession, error) {
	return tx.t.openSession(tenantID, userID)
}

func (tx *memTx) InsertSession(_ context.Context, session domain.CashRegisterSession) error {
	key := sessionKey(session.TenantID, session.UserID)
	if session.Status == domain.SessionOpen {
		if _, exists := tx.t.openSessions[key]; exists {
			return store.Conflict("register already open")
		}
		tx.t.openSessions[key] = session.ID
	}
	tx.t.sessions[session.ID] = session
	return nil
}

func (tx *memTx) UpdateSession(_ context.Context, session domain.CashRegisterSession) error {
	existing, ok := tx.t.sessions[session.ID]
	if !ok || existing.TenantID != session.TenantID {
		return store.ErrNotFound
	}
	key := sessionKey(session.TenantID, session.UserID)
	if session.Status == domain.SessionClosed && tx.t.openSessions[key] == session.ID {
		delete(tx.t.openSessions, key)
	}
	tx.t.sessions[session.ID] = session
	return nil
}

func (t *tables) clone() *tables {
	return &tables{
		products:     maps.Clone(t.products),
		variants:     maps.Clone(t.variants),
		sales:        maps.Clone(t.sales),
		transactions: maps.Clone(t.transactions),
		sessions:     maps.Clone(t.sessions),
		openSessions: maps.Clone(t.openSessions),
	}
}

func (t *tables) stockUnit(ref domain.StockUnitRef) (*domain.StockUnit, error) {
	p, ok := t.products[ref.ProductID]
	if !ok || p.TenantID != ref.TenantID {
		return nil, store.ErrNotFound
	}
	if !ref.IsVariant() {
		return &domain.StockUnit{Ref: ref, Name: p.Name, Price: p.Price, Stock: p.Stock}, nil
	}
	v, ok := t.variants[ref.VariantID]
	if !ok || v.TenantID != ref.TenantID || v.ProductID != ref.ProductID {
		return nil, store.ErrNotFound
	}
	return &domain.StockUnit{Ref: ref, Name: p.Name + " - " + v.Name, Price: v.Price, Stock: v.Stock}, nil
}

func (t *tables) sale(tenantID string, saleID string) (*domain.Sale, error) {
	sale, ok := t.sales[saleID]
	if !ok || sale.TenantID != tenantID {
		return nil, store.ErrNotFound
	}
	copySale := cloneSale(sale)
	return &copySale, nil
}

func (t *tables) openSession(tenantID string, userID string) (*domain.CashRegisterSession, error) {
	id, ok := t.openSessions[sessionKey(tenantID, userID)]
	if !ok {
		return nil, store.ErrNotFound
	}
	session, ok := t.sessions[id]
	if !ok || session.Status != domain.SessionOpen {
		return nil, store.ErrNotFound
	}
	return &session, nil
}

func sessionKey(tenantID string, userID string) string {
	return tenantID + "|" + userID
}

func cloneSale(src domain.Sale) domain.Sale {
	src.Items = slices.Clone(src.Items)
	return src
}

func sortTransactions(entries []domain.FinancialTransaction) {
	slices.SortFunc(entries, func(a, b domain.FinancialTransaction) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
}
