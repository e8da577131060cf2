package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"retailpos/backend/internal/cache"
	"retailpos/backend/internal/domain"
	"retailpos/backend/internal/finance"
	"retailpos/backend/internal/inventory"
	"retailpos/backend/internal/policy"
	"retailpos/backend/internal/store"
	"retailpos/backend/internal/validation"
)

const (
	defaultListLimit      = 50
	maxListLimit          = 200
	defaultIdempotencyTTL = 24 * time.Hour
)

// Deps are the collaborators shared by the sale engine and the register
// manager. Nil fields get working defaults.
type Deps struct {
	Repo           store.Repository
	Ledger         *inventory.Ledger
	Recorder       *finance.Recorder
	Policy         *policy.Policy
	Validator      *validation.Validator
	Idempotency    cache.IdempotencyCache
	IdempotencyTTL time.Duration
	Logger         *slog.Logger
}

func (d Deps) withDefaults() Deps {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Ledger == nil {
		d.Ledger = inventory.NewLedger(d.Logger)
	}
	if d.Recorder == nil {
		d.Recorder = finance.NewRecorder(d.Logger)
	}
	if d.Policy == nil {
		d.Policy = policy.New(d.Logger)
	}
	if d.Validator == nil {
		d.Validator = validation.New()
	}
	if d.Idempotency == nil {
		d.Idempotency = cache.NoopIdempotencyCache{}
	}
	if d.IdempotencyTTL <= 0 {
		d.IdempotencyTTL = defaultIdempotencyTTL
	}
	return d
}

// SalesEngine creates, pays and voids sales. Every mutation runs as one unit
// of work through Repo.WithTx.
type SalesEngine struct {
	repo     store.Repository
	ledger   *inventory.Ledger
	recorder *finance.Recorder
	policy   *policy.Policy
	validate *validation.Validator
	idem     cache.IdempotencyCache
	idemTTL  time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

func NewSalesEngine(deps Deps) *SalesEngine {
	deps = deps.withDefaults()
	return &SalesEngine{
		repo:     deps.Repo,
		ledger:   deps.Ledger,
		recorder: deps.Recorder,
		policy:   deps.Policy,
		validate: deps.Validator,
		idem:     deps.Idempotency,
		idemTTL:  deps.IdempotencyTTL,
		logger:   deps.Logger.With(slog.String("component", "sales")),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (e *SalesEngine) CreateSale(ctx context.Context, req domain.CreateSaleRequest) (domain.Sale, error) {
	actor, err := e.policy.Authorize(ctx, policy.ActionCreateSale)
	if err != nil {
		return domain.Sale{}, err
	}
	if req.PaymentStatus == "" {
		req.PaymentStatus = domain.PaymentPending
	}
	if req.Source == "" {
		req.Source = domain.SourcePOS
	}
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	if err := e.validate.Struct(req); err != nil {
		return domain.Sale{}, err
	}
	lines, totals, err := PriceLines(req.Items)
	if err != nil {
		return domain.Sale{}, err
	}

	if req.IdempotencyKey == "" {
		return e.createSale(ctx, actor, req, lines, totals)
	}

	key := idempotencyKey(actor, req.IdempotencyKey)
	saleID, reserved, err := e.idem.Reserve(ctx, key, e.idemTTL)
	switch {
	case err != nil:
		e.logger.WarnContext(ctx, "idempotency cache unavailable, creating sale without replay protection",
			slog.String("tenant_id", actor.TenantID),
			slog.Any("error", err),
		)
		return e.createSale(ctx, actor, req, lines, totals)
	case !reserved && saleID != "":
		existing, err := e.repo.GetSale(ctx, actor.TenantID, saleID)
		if err != nil {
			return domain.Sale{}, err
		}
		if existing.UserID != actor.UserID {
			return domain.Sale{}, store.Conflict("idempotency key belongs to another sale")
		}
		e.logger.InfoContext(ctx, "sale replayed",
			slog.String("tenant_id", actor.TenantID),
			slog.String("sale_id", existing.ID),
		)
		return *existing, nil
	case !reserved:
		return domain.Sale{}, store.Conflict("a sale with this idempotency key is still being processed")
	}

	sale, err := e.createSale(ctx, actor, req, lines, totals)
	if err != nil {
		if relErr := e.idem.Release(ctx, key); relErr != nil {
			e.logger.WarnContext(ctx, "failed to release idempotency key", slog.Any("error", relErr))
		}
		return domain.Sale{}, err
	}
	if err := e.idem.Complete(ctx, key, sale.ID, e.idemTTL); err != nil {
		e.logger.WarnContext(ctx, "failed to store idempotency result",
			slog.String("sale_id", sale.ID),
			slog.Any("error", err),
		)
	}
	return sale, nil
}

func (e *SalesEngine) createSale(ctx context.Context, actor domain.Actor, req domain.CreateSaleRequest, lines []PricedLine, totals SaleTotals) (domain.Sale, error) {
	now := e.now()
	sale := domain.Sale{
		ID:            uuid.NewString(),
		TenantID:      actor.TenantID,
		UserID:        actor.UserID,
		CustomerID:    strings.TrimSpace(req.CustomerID),
		Subtotal:      totals.Subtotal,
		Tax:           totals.Tax,
		Discount:      totals.Discount,
		Total:         totals.Total,
		PaymentMethod: req.PaymentMethod,
		PaymentStatus: req.PaymentStatus,
		Status:        domain.SaleActive,
		Source:        req.Source,
		Notes:         strings.TrimSpace(req.Notes),
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	err := e.repo.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		refs := make([]domain.StockUnitRef, 0, len(lines))
		for _, line := range lines {
			refs = append(refs, lineRef(actor.TenantID, line))
		}
		if _, err := e.ledger.LockUnits(ctx, tx, refs); err != nil {
			return err
		}

		items := make([]domain.SaleItem, 0, len(lines))
		for _, line := range lines {
			unit, err := e.ledger.TryDecrement(ctx, tx, lineRef(actor.TenantID, line), line.Input.Quantity)
			if err != nil {
				return err
			}
			items = append(items, domain.SaleItem{
				ID:        uuid.NewString(),
				SaleID:    sale.ID,
				ProductID: line.Input.ProductID,
				VariantID: line.Input.VariantID,
				Name:      unit.Name,
				Quantity:  line.Input.Quantity,
				UnitPrice: line.UnitPrice,
				Discount:  line.Discount,
				Total:     line.Total,
			})
		}
		sale.Items = items

		if err := tx.InsertSale(ctx, sale); err != nil {
			return err
		}

		if sale.PaymentStatus == domain.PaymentPaid && sale.Total.IsPositive() {
			if _, err := e.recorder.Record(ctx, tx, saleIncome(sale, actor.UserID)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return domain.Sale{}, fmt.Errorf("create sale: %w", err)
	}

	e.logger.InfoContext(ctx, "sale created",
		slog.String("tenant_id", sale.TenantID),
		slog.String("user_id", sale.UserID),
		slog.String("sale_id", sale.ID),
		slog.Int("items", len(sale.Items)),
		slog.String("total", sale.Total.StringFixed(2)),
		slog.String("payment_status", string(sale.PaymentStatus)),
	)
	return sale, nil
}

// RegisterPayment settles a pending sale. The amount must equal the sale
// total exactly.
func (e *SalesEngine) RegisterPayment(ctx context.Context, req domain.RegisterPaymentRequest) (domain.Sale, error) {
	actor, err := e.policy.Authorize(ctx, policy.ActionRegisterPayment)
	if err != nil {
		return domain.Sale{}, err
	}
	if err := e.validate.Struct(req); err != nil {
		return domain.Sale{}, err
	}

	var sale *domain.Sale
	err = e.repo.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		sale, err = tx.GetSaleForUpdate(ctx, actor.TenantID, req.SaleID)
		if err != nil {
			return err
		}
		if sale.Status == domain.SaleVoided {
			return store.Conflict("cannot register payment on a voided sale")
		}
		if sale.PaymentStatus == domain.PaymentPaid {
			return store.Conflict("sale is already paid")
		}
		if !req.Amount.Equal(sale.Total) {
			return store.Validation("payment amount %s does not match sale total %s",
				req.Amount.StringFixed(2), sale.Total.StringFixed(2))
		}

		sale.PaymentStatus = domain.PaymentPaid
		sale.PaymentMethod = req.PaymentMethod
		sale.UpdatedAt = e.now()
		if err := tx.UpdateSale(ctx, *sale); err != nil {
			return err
		}
		if !sale.Total.IsPositive() {
			return nil
		}
		_, err = e.recorder.Record(ctx, tx, saleIncome(*sale, actor.UserID))
		return err
	})
	if err != nil {
		return domain.Sale{}, fmt.Errorf("register payment: %w", err)
	}

	e.logger.InfoContext(ctx, "sale paid",
		slog.String("tenant_id", sale.TenantID),
		slog.String("user_id", actor.UserID),
		slog.String("sale_id", sale.ID),
		slog.String("amount", sale.Total.StringFixed(2)),
		slog.String("payment_method", string(sale.PaymentMethod)),
	)
	return *sale, nil
}

// VoidSale restores the stock of every line and, for a paid sale, records the
// refund and cancels the original income entry. Voiding twice is a conflict.
func (e *SalesEngine) VoidSale(ctx context.Context, req domain.VoidSaleRequest) (domain.Sale, error) {
	actor, err := e.policy.Authorize(ctx, policy.ActionVoidSale)
	if err != nil {
		return domain.Sale{}, err
	}
	req.Reason = strings.TrimSpace(req.Reason)
	if err := e.validate.Struct(req); err != nil {
		return domain.Sale{}, err
	}

	var sale *domain.Sale
	refunded := false
	err = e.repo.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		sale, err = tx.GetSaleForUpdate(ctx, actor.TenantID, req.SaleID)
		if err != nil {
			return err
		}
		if sale.Status == domain.SaleVoided {
			return store.Conflict("sale already voided")
		}

		refs := make([]domain.StockUnitRef, 0, len(sale.Items))
		for _, item := range sale.Items {
			refs = append(refs, item.Ref(sale.TenantID))
		}
		if _, err := e.ledger.LockExistingUnits(ctx, tx, refs); err != nil {
			return err
		}
		for _, item := range sale.Items {
			if err := e.ledger.Increment(ctx, tx, item.Ref(sale.TenantID), item.Quantity); err != nil {
				return err
			}
		}

		now := e.now()
		sale.Status = domain.SaleVoided
		sale.Notes = appendVoidNote(sale.Notes, req.Reason)
		sale.VoidedAt = &now
		sale.UpdatedAt = now

		if sale.PaymentStatus == domain.PaymentPaid {
			if err := e.reversePayment(ctx, tx, *sale, actor.UserID); err != nil {
				return err
			}
			sale.PaymentStatus = domain.PaymentRefunded
			refunded = true
		}
		return tx.UpdateSale(ctx, *sale)
	})
	if err != nil {
		return domain.Sale{}, fmt.Errorf("void sale: %w", err)
	}

	e.logger.InfoContext(ctx, "sale voided",
		slog.String("tenant_id", sale.TenantID),
		slog.String("user_id", actor.UserID),
		slog.String("sale_id", sale.ID),
		slog.String("reason", req.Reason),
		slog.Bool("refunded", refunded),
	)
	return *sale, nil
}

func (e *SalesEngine) reversePayment(ctx context.Context, tx store.Tx, sale domain.Sale, userID string) error {
	if sale.Total.IsPositive() {
		_, err := e.recorder.Record(ctx, tx, finance.Entry{
			TenantID:          sale.TenantID,
			UserID:            userID,
			Type:              domain.TxExpense,
			Amount:            sale.Total,
			Description:       fmt.Sprintf("refund of voided sale #%s", sale.ID),
			RelatedEntityID:   sale.ID,
			RelatedEntityType: domain.RelatedSaleVoid,
			Status:            finance.StatusForPayment(domain.PaymentRefunded),
		})
		if err != nil {
			return err
		}
	}

	original, err := tx.FindTransaction(ctx, sale.TenantID, sale.ID, domain.RelatedSale)
	if errors.Is(err, store.ErrNotFound) {
		e.logger.WarnContext(ctx, "paid sale has no income entry to cancel",
			slog.String("tenant_id", sale.TenantID),
			slog.String("sale_id", sale.ID),
		)
		return nil
	}
	if err != nil {
		return err
	}
	return e.recorder.Transition(ctx, tx, sale.TenantID, original.ID, domain.TxCancelled)
}

func (e *SalesEngine) GetSale(ctx context.Context, saleID string) (domain.Sale, error) {
	actor, err := e.policy.Authorize(ctx, policy.ActionReadSale)
	if err != nil {
		return domain.Sale{}, err
	}
	sale, err := e.repo.GetSale(ctx, actor.TenantID, saleID)
	if err != nil {
		return domain.Sale{}, err
	}
	if !e.policy.CanReadAllSales(actor) && sale.UserID != actor.UserID {
		return domain.Sale{}, store.ErrNotFound
	}
	return *sale, nil
}

func (e *SalesEngine) ListSales(ctx context.Context, filter domain.SaleFilter) ([]domain.Sale, error) {
	actor, err := e.policy.Authorize(ctx, policy.ActionReadSale)
	if err != nil {
		return nil, err
	}
	filter.TenantID = actor.TenantID
	if !e.policy.CanReadAllSales(actor) {
		filter.UserID = actor.UserID
	}
	if filter.Limit <= 0 {
		filter.Limit = defaultListLimit
	}
	if filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}
	if filter.From != nil && filter.To != nil && filter.To.Before(*filter.From) {
		return nil, store.Validation("to must not be before from")
	}
	return e.repo.ListSales(ctx, filter)
}

// StockLevel reports the current stock of a product, or of one of its
// variants when variantID is set.
func (e *SalesEngine) StockLevel(ctx context.Context, productID string, variantID string) (domain.StockUnit, error) {
	actor, err := e.policy.Authorize(ctx, policy.ActionReadStock)
	if err != nil {
		return domain.StockUnit{}, err
	}
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return domain.StockUnit{}, store.Validation("product_id is required")
	}
	unit, err := e.repo.GetStockUnit(ctx, domain.StockUnitRef{
		TenantID:  actor.TenantID,
		ProductID: productID,
		VariantID: variantID,
	})
	if err != nil {
		return domain.StockUnit{}, err
	}
	return *unit, nil
}

// SaleTransactions lists the ledger entries linked to a sale, including the
// refund recorded by a void.
func (e *SalesEngine) SaleTransactions(ctx context.Context, saleID string) ([]domain.FinancialTransaction, error) {
	sale, err := e.GetSale(ctx, saleID)
	if err != nil {
		return nil, err
	}
	return e.repo.ListSaleTransactions(ctx, sale.TenantID, sale.ID)
}

// idempotencyKey scopes a client key to the tenant and the user who sent it.
func idempotencyKey(actor domain.Actor, key string) string {
	return actor.TenantID + ":" + actor.UserID + ":" + key
}

func lineRef(tenantID string, line PricedLine) domain.StockUnitRef {
	return domain.StockUnitRef{
		TenantID:  tenantID,
		ProductID: line.Input.ProductID,
		VariantID: line.Input.VariantID,
	}
}

func saleIncome(sale domain.Sale, userID string) finance.Entry {
	return finance.Entry{
		TenantID:          sale.TenantID,
		UserID:            userID,
		Type:              domain.TxIncome,
		Amount:            sale.Total,
		Description:       fmt.Sprintf("payment of sale #%s", sale.ID),
		RelatedEntityID:   sale.ID,
		RelatedEntityType: domain.RelatedSale,
		Status:            finance.StatusForPayment(domain.PaymentPaid),
	}
}

func appendVoidNote(notes string, reason string) string {
	tag := "[VOIDED]"
	if reason != "" {
		tag = "[VOIDED: " + reason + "]"
	}
	if notes == "" {
		return tag
	}
	return notes + " " + tag
}
