package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"retailpos/backend/internal/domain"
	"retailpos/backend/internal/store"
)

//go:embed schema.sql
var schema string

type Store struct {
	pool *pgxpool.Pool
}

// querier is satisfied by both the pool and an open pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	cfg.MaxConns = 30
	cfg.MinConns = 2
	cfg.MaxConnLifetime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: new pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	return &Store{pool: pool}, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return store.Storage("migrate", err)
		}
	}
	return nil
}

// WithTx runs fn under READ COMMITTED. Row locks taken with FOR UPDATE make
// concurrent writers to the same stock unit, sale or session queue up and
// re-read the committed row.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return store.Storage("begin tx", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return store.Storage("commit tx", err)
	}
	return nil
}

func (s *Store) GetSale(ctx context.Context, tenantID string, saleID string) (*domain.Sale, error) {
	return loadSale(ctx, s.pool, tenantID, saleID, false)
}

func (s *Store) ListSales(ctx context.Context, filter domain.SaleFilter) ([]domain.Sale, error) {
	where := []string{"tenant_id = $1"}
	args := []any{filter.TenantID}
	add := func(clause string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if filter.UserID != "" {
		add("user_id = $%d", filter.UserID)
	}
	if filter.Status != "" {
		add("status = $%d", filter.Status)
	}
	if filter.PaymentStatus != "" {
		add("payment_status = $%d", filter.PaymentStatus)
	}
	if filter.From != nil {
		add("created_at >= $%d", *filter.From)
	}
	if filter.To != nil {
		add("created_at < $%d", *filter.To)
	}

	query := `SELECT ` + saleColumns + ` FROM sales WHERE ` + strings.Join(where, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, store.Storage("list sales", err)
	}
	defer rows.Close()

	sales := make([]domain.Sale, 0, 32)
	ids := make([]string, 0, 32)
	for rows.Next() {
		sale, err := scanSale(rows)
		if err != nil {
			return nil, store.Storage("scan sale", err)
		}
		sales = append(sales, sale)
		ids = append(ids, sale.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Storage("list sales", err)
	}
	if len(sales) == 0 {
		return sales, nil
	}

	items, err := loadItems(ctx, s.pool, filter.TenantID, ids)
	if err != nil {
		return nil, err
	}
	for i := range sales {
		sales[i].Items = items[sales[i].ID]
		if sales[i].Items == nil {
			sales[i].Items = []domain.SaleItem{}
		}
	}
	return sales, nil
}

func (s *Store) ListSaleTransactions(ctx context.Context, tenantID string, saleID string) ([]domain.FinancialTransaction, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE tenant_id = $1 AND related_entity_id = $2
		ORDER BY created_at, id
	`, tenantID, saleID)
	if err != nil {
		return nil, store.Storage("list sale transactions", err)
	}
	return collectTransactions(rows)
}

func (s *Store) GetOpenSession(ctx context.Context, tenantID string, userID string) (*domain.CashRegisterSession, error) {
	return loadOpenSession(ctx, s.pool, tenantID, userID, false)
}

func (s *Store) ListSessionTransactions(ctx context.Context, session domain.CashRegisterSession) ([]domain.FinancialTransaction, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE tenant_id = $1
		  AND user_id = $2
		  AND created_at >= $3
		  AND ($4::timestamptz IS NULL OR created_at <= $4)
		ORDER BY created_at, id
	`, session.TenantID, session.UserID, session.OpenedAt, nullTime(session.ClosedAt))
	if err != nil {
		return nil, store.Storage("list session transactions", err)
	}
	return collectTransactions(rows)
}

func (s *Store) GetStockUnit(ctx context.Context, ref domain.StockUnitRef) (*domain.StockUnit, error) {
	return loadStockUnit(ctx, s.pool, ref, false)
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) GetStockUnitForUpdate(ctx context.Context, ref domain.StockUnitRef) (*domain.StockUnit, error) {
	return loadStockUnit(ctx, t.tx, ref, true)
}

func (t *pgTx) SetStock(ctx context.Context, ref domain.StockUnitRef, stock int) error {
	if stock < 0 {
		return store.Storage("set stock", fmt.Errorf("stock for %s would become negative", ref))
	}

	var (
		tag pgconn.CommandTag
		err error
	)
	if ref.IsVariant() {
		tag, err = t.tx.Exec(ctx, `
			UPDATE product_variants
			SET stock = $4, updated_at = now()
			WHERE id = $1 AND product_id = $2 AND tenant_id = $3
		`, ref.VariantID, ref.ProductID, ref.TenantID, stock)
	} else {
		tag, err = t.tx.Exec(ctx, `
			UPDATE products
			SET stock = $3, updated_at = now()
			WHERE id = $1 AND tenant_id = $2
		`, ref.ProductID, ref.TenantID, stock)
	}
	if err != nil {
		return store.Storage("set stock", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *pgTx) InsertSale(ctx context.Context, sale domain.Sale) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO sales (
			id, tenant_id, user_id, customer_id, subtotal, tax, discount, total,
			payment_method, payment_status, status, source, notes,
			created_at, updated_at, voided_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
	`, sale.ID, sale.TenantID, sale.UserID, nullIfEmpty(sale.CustomerID),
		sale.Subtotal, sale.Tax, sale.Discount, sale.Total,
		sale.PaymentMethod, sale.PaymentStatus, sale.Status, sale.Source, sale.Notes,
		sale.CreatedAt, sale.UpdatedAt, nullTime(sale.VoidedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return store.Conflict("sale %s already exists", sale.ID)
		}
		return store.Storage("insert sale", err)
	}
	if len(sale.Items) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for i, item := range sale.Items {
		batch.Queue(`
			INSERT INTO sale_items (
				id, sale_id, tenant_id, line_no, product_id, variant_id, name,
				quantity, unit_price, discount, total
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		`, item.ID, sale.ID, sale.TenantID, i, item.ProductID, nullIfEmpty(item.VariantID), item.Name,
			item.Quantity, item.UnitPrice, item.Discount, item.Total)
	}
	if err := t.tx.SendBatch(ctx, batch).Close(); err != nil {
		return store.Storage("insert sale items", err)
	}
	return nil
}

func (t *pgTx) GetSaleForUpdate(ctx context.Context, tenantID string, saleID string) (*domain.Sale, error) {
	return loadSale(ctx, t.tx, tenantID, saleID, true)
}

// UpdateSale rewrites the sale header. Line items are immutable once written.
func (t *pgTx) UpdateSale(ctx context.Context, sale domain.Sale) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE sales
		SET payment_method = $3,
			payment_status = $4,
			status = $5,
			notes = $6,
			updated_at = $7,
			voided_at = $8
		WHERE id = $1 AND tenant_id = $2
	`, sale.ID, sale.TenantID, sale.PaymentMethod, sale.PaymentStatus, sale.Status, sale.Notes,
		sale.UpdatedAt, nullTime(sale.VoidedAt))
	if err != nil {
		return store.Storage("update sale", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *pgTx) InsertTransaction(ctx context.Context, entry domain.FinancialTransaction) error {
	now := time.Now().UTC()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	if entry.UpdatedAt.IsZero() {
		entry.UpdatedAt = entry.CreatedAt
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO transactions (
			id, tenant_id, user_id, type, amount, description,
			related_entity_id, related_entity_type, status, created_at, updated_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, entry.ID, entry.TenantID, entry.UserID, entry.Type, entry.Amount, entry.Description,
		nullIfEmpty(entry.RelatedEntityID), nullIfEmpty(string(entry.RelatedEntityType)), entry.Status,
		entry.CreatedAt, entry.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.Conflict("transaction %s already exists", entry.ID)
		}
		return store.Storage("insert transaction", err)
	}
	return nil
}

func (t *pgTx) FindTransaction(ctx context.Context, tenantID string, relatedID string, relatedType domain.RelatedEntityType) (*domain.FinancialTransaction, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE tenant_id = $1 AND related_entity_id = $2 AND related_entity_type = $3
		ORDER BY created_at, id
		LIMIT 1
		FOR UPDATE
	`, tenantID, relatedID, relatedType)
	entry, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, store.Storage("find transaction", err)
	}
	return &entry, nil
}

func (t *pgTx) UpdateTransactionStatus(ctx context.Context, tenantID string, id string, status domain.TransactionStatus) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE transactions
		SET status = $3, updated_at = now()
		WHERE id = $1 AND tenant_id = $2
	`, id, tenantID, status)
	if err != nil {
		return store.Storage("update transaction status", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *pgTx) GetOpenSessionForUpdate(ctx context.Context, tenantID string, userID string) (*domain.CashRegisterSession, error) {
	return loadOpenSession(ctx, t.tx, tenantID, userID, true)
}

func (t *pgTx) InsertSession(ctx context.Context, session domain.CashRegisterSession) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO cash_register_sessions (
			id, tenant_id, user_id, opening_amount, current_amount,
			closing_amount, expected_amount, difference, status, notes, opened_at, closed_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, session.ID, session.TenantID, session.UserID, session.OpeningAmount, session.CurrentAmount,
		session.ClosingAmount, session.ExpectedAmount, session.Difference,
		session.Status, session.Notes, session.OpenedAt, nullTime(session.ClosedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return store.Conflict("register already open")
		}
		return store.Storage("insert session", err)
	}
	return nil
}

func (t *pgTx) UpdateSession(ctx context.Context, session domain.CashRegisterSession) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE cash_register_sessions
		SET current_amount = $3,
			closing_amount = $4,
			expected_amount = $5,
			difference = $6,
			status = $7,
			notes = $8,
			closed_at = $9
		WHERE id = $1 AND tenant_id = $2
	`, session.ID, session.TenantID, session.CurrentAmount,
		session.ClosingAmount, session.ExpectedAmount, session.Difference,
		session.Status, session.Notes, nullTime(session.ClosedAt))
	if err != nil {
		return store.Storage("update session", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func loadStockUnit(ctx context.Context, q querier, ref domain.StockUnitRef, forUpdate bool) (*domain.StockUnit, error) {
	unit := domain.StockUnit{Ref: ref}
	var row pgx.Row
	if ref.IsVariant() {
		query := `
			SELECT p.name || ' - ' || v.name, v.price, v.stock
			FROM product_variants v
			JOIN products p ON p.id = v.product_id AND p.tenant_id = v.tenant_id
			WHERE v.id = $1 AND v.product_id = $2 AND v.tenant_id = $3`
		if forUpdate {
			query += ` FOR UPDATE OF v`
		}
		row = q.QueryRow(ctx, query, ref.VariantID, ref.ProductID, ref.TenantID)
	} else {
		query := `
			SELECT name, price, stock
			FROM products
			WHERE id = $1 AND tenant_id = $2`
		if forUpdate {
			query += ` FOR UPDATE`
		}
		row = q.QueryRow(ctx, query, ref.ProductID, ref.TenantID)
	}
	if err := row.Scan(&unit.Name, &unit.Price, &unit.Stock); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, store.Storage("get stock unit", err)
	}
	return &unit, nil
}

const saleColumns = `id, tenant_id, user_id, COALESCE(customer_id, ''), subtotal, tax, discount, total,
	payment_method, payment_status, status, source, notes, created_at, updated_at, voided_at`

func scanSale(row rowScanner) (domain.Sale, error) {
	var sale domain.Sale
	err := row.Scan(
		&sale.ID, &sale.TenantID, &sale.UserID, &sale.CustomerID,
		&sale.Subtotal, &sale.Tax, &sale.Discount, &sale.Total,
		&sale.PaymentMethod, &sale.PaymentStatus, &sale.Status, &sale.Source, &sale.Notes,
		&sale.CreatedAt, &sale.UpdatedAt, &sale.VoidedAt,
	)
	return sale, err
}

func loadSale(ctx context.Context, q querier, tenantID string, saleID string, forUpdate bool) (*domain.Sale, error) {
	query := `SELECT ` + saleColumns + ` FROM sales WHERE id = $1 AND tenant_id = $2`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	sale, err := scanSale(q.QueryRow(ctx, query, saleID, tenantID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, store.Storage("get sale", err)
	}

	items, err := loadItems(ctx, q, tenantID, []string{sale.ID})
	if err != nil {
		return nil, err
	}
	sale.Items = items[sale.ID]
	if sale.Items == nil {
		sale.Items = []domain.SaleItem{}
	}
	return &sale, nil
}

func loadItems(ctx context.Context, q querier, tenantID string, saleIDs []string) (map[string][]domain.SaleItem, error) {
	rows, err := q.Query(ctx, `
		SELECT id, sale_id, product_id, COALESCE(variant_id, ''), name, quantity, unit_price, discount, total
		FROM sale_items
		WHERE tenant_id = $1 AND sale_id = ANY($2)
		ORDER BY sale_id, line_no
	`, tenantID, saleIDs)
	if err != nil {
		return nil, store.Storage("list sale items", err)
	}
	defer rows.Close()

	out := make(map[string][]domain.SaleItem, len(saleIDs))
	for rows.Next() {
		var item domain.SaleItem
		if err := rows.Scan(
			&item.ID, &item.SaleID, &item.ProductID, &item.VariantID, &item.Name,
			&item.Quantity, &item.UnitPrice, &item.Discount, &item.Total,
		); err != nil {
			return nil, store.Storage("scan sale item", err)
		}
		out[item.SaleID] = append(out[item.SaleID], item)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Storage("list sale items", err)
	}
	return out, nil
}

const transactionColumns = `id, tenant_id, user_id, type, amount, description,
	COALESCE(related_entity_id, ''), COALESCE(related_entity_type, ''), status, created_at, updated_at`

func scanTransaction(row rowScanner) (domain.FinancialTransaction, error) {
	var entry domain.FinancialTransaction
	err := row.Scan(
		&entry.ID, &entry.TenantID, &entry.UserID, &entry.Type, &entry.Amount, &entry.Description,
		&entry.RelatedEntityID, &entry.RelatedEntityType, &entry.Status, &entry.CreatedAt, &entry.UpdatedAt,
	)
	return entry, err
}

func collectTransactions(rows pgx.Rows) ([]domain.FinancialTransaction, error) {
	defer rows.Close()

	entries := make([]domain.FinancialTransaction, 0, 8)
	for rows.Next() {
		entry, err := scanTransaction(rows)
		if err != nil {
			return nil, store.Storage("scan transaction", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Storage("list transactions", err)
	}
	return entries, nil
}

func loadOpenSession(ctx context.Context, q querier, tenantID string, userID string, forUpdate bool) (*domain.CashRegisterSession, error) {
	query := `
		SELECT id, tenant_id, user_id, opening_amount, current_amount,
			closing_amount, expected_amount, difference, status, notes, opened_at, closed_at
		FROM cash_register_sessions
		WHERE tenant_id = $1 AND user_id = $2 AND status = 'OPEN'`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var (
		session                       domain.CashRegisterSession
		closing, expected, difference decimal.NullDecimal
	)
	err := q.QueryRow(ctx, query, tenantID, userID).Scan(
		&session.ID, &session.TenantID, &session.UserID, &session.OpeningAmount, &session.CurrentAmount,
		&closing, &expected, &difference, &session.Status, &session.Notes, &session.OpenedAt, &session.ClosedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, store.Storage("get open session", err)
	}
	session.ClosingAmount = nullDecimal(closing)
	session.ExpectedAmount = nullDecimal(expected)
	session.Difference = nullDecimal(difference)
	return &session, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return *val
}

func nullDecimal(val decimal.NullDecimal) *decimal.Decimal {
	if !val.Valid {
		return nil
	}
	d := val.Decimal
	return &d
}
