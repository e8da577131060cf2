package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Role string

const (
	RoleSuperAdmin Role = "SUPER_ADMIN"
	RoleAdmin      Role = "ADMIN"
	RoleVendor     Role = "VENDOR"
	RoleAccountant Role = "ACCOUNTANT"
	RoleCashier    Role = "CASHIER"
	RoleCustomer   Role = "CUSTOMER"
)

func (r Role) Valid() bool {
	switch r {
	case RoleSuperAdmin, RoleAdmin, RoleVendor, RoleAccountant, RoleCashier, RoleCustomer:
		return true
	}
	return false
}

type PaymentMethod string

const (
	PaymentCash       PaymentMethod = "CASH"
	PaymentCreditCard PaymentMethod = "CREDIT_CARD"
	PaymentDebitCard  PaymentMethod = "DEBIT_CARD"
	PaymentTransfer   PaymentMethod = "TRANSFER"
	PaymentQR         PaymentMethod = "QR"
)

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "PENDING"
	PaymentPaid      PaymentStatus = "PAID"
	PaymentCancelled PaymentStatus = "CANCELLED"
	PaymentRefunded  PaymentStatus = "REFUNDED"
)

type SaleStatus string

const (
	SaleActive SaleStatus = "ACTIVE"
	SaleVoided SaleStatus = "VOIDED"
)

type SaleSource string

const (
	SourcePOS       SaleSource = "POS"
	SourceEcommerce SaleSource = "ECOMMERCE"
)

type TransactionType string

const (
	TxIncome  TransactionType = "INCOME"
	TxExpense TransactionType = "EXPENSE"
	TxCashIn  TransactionType = "CASH_IN"
	TxCashOut TransactionType = "CASH_OUT"
)

type TransactionStatus string

const (
	TxCompleted  TransactionStatus = "COMPLETED"
	TxCancelled  TransactionStatus = "CANCELLED"
	TxIncomplete TransactionStatus = "INCOMPLETE"
	TxRejected   TransactionStatus = "REJECTED"
	TxRefunded   TransactionStatus = "REFUNDED"
	TxDisputed   TransactionStatus = "DISPUTED"
	TxPaid       TransactionStatus = "PAID"
)

type RelatedEntityType string

const (
	RelatedSale         RelatedEntityType = "SALE"
	RelatedSaleVoid     RelatedEntityType = "SALE_VOID"
	RelatedCashRegister RelatedEntityType = "CASH_REGISTER"
)

type SessionStatus string

const (
	SessionOpen   SessionStatus = "OPEN"
	SessionClosed SessionStatus = "CLOSED"
)

// Actor is the authenticated caller. SUPER_ADMIN is the only role allowed
// to carry an empty TenantID, and only until a tenant is selected.
type Actor struct {
	UserID   string `json:"user_id"`
	TenantID string `json:"tenant_id"`
	Role     Role   `json:"role"`
}

// StockUnitRef names a product, or one of its variants when VariantID is set.
type StockUnitRef struct {
	TenantID  string `json:"tenant_id"`
	ProductID string `json:"product_id"`
	VariantID string `json:"variant_id,omitempty"`
}

func (r StockUnitRef) IsVariant() bool {
	return r.VariantID != ""
}

func (r StockUnitRef) String() string {
	if r.IsVariant() {
		return r.ProductID + "/" + r.VariantID
	}
	return r.ProductID
}

type StockUnit struct {
	Ref   StockUnitRef    `json:"ref"`
	Name  string          `json:"name"`
	Price decimal.Decimal `json:"price"`
	Stock int             `json:"stock"`
}

type Product struct {
	ID        string          `json:"id"`
	TenantID  string          `json:"tenant_id"`
	Name      string          `json:"name"`
	SKU       string          `json:"sku"`
	Price     decimal.Decimal `json:"price"`
	Stock     int             `json:"stock"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type ProductVariant struct {
	ID        string          `json:"id"`
	TenantID  string          `json:"tenant_id"`
	ProductID string          `json:"product_id"`
	Name      string          `json:"name"`
	SKU       string          `json:"sku"`
	Price     decimal.Decimal `json:"price"`
	Stock     int             `json:"stock"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type Sale struct {
	ID            string          `json:"id"`
	TenantID      string          `json:"tenant_id"`
	UserID        string          `json:"user_id"`
	CustomerID    string          `json:"customer_id,omitempty"`
	Items         []SaleItem      `json:"items"`
	Subtotal      decimal.Decimal `json:"subtotal"`
	Tax           decimal.Decimal `json:"tax"`
	Discount      decimal.Decimal `json:"discount"`
	Total         decimal.Decimal `json:"total"`
	PaymentMethod PaymentMethod   `json:"payment_method"`
	PaymentStatus PaymentStatus   `json:"payment_status"`
	Status        SaleStatus      `json:"status"`
	Source        SaleSource      `json:"source"`
	Notes         string          `json:"notes,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	VoidedAt      *time.Time      `json:"voided_at,omitempty"`
}

type SaleItem struct {
	ID        string          `json:"id"`
	SaleID    string          `json:"sale_id"`
	ProductID string          `json:"product_id"`
	VariantID string          `json:"variant_id,omitempty"`
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Discount  decimal.Decimal `json:"discount"`
	Total     decimal.Decimal `json:"total"`
}

func (i SaleItem) Ref(tenantID string) StockUnitRef {
	return StockUnitRef{TenantID: tenantID, ProductID: i.ProductID, VariantID: i.VariantID}
}

type FinancialTransaction struct {
	ID                string            `json:"id"`
	TenantID          string            `json:"tenant_id"`
	UserID            string            `json:"user_id"`
	Type              TransactionType   `json:"type"`
	Amount            decimal.Decimal   `json:"amount"`
	Description       string            `json:"description"`
	RelatedEntityID   string            `json:"related_entity_id,omitempty"`
	RelatedEntityType RelatedEntityType `json:"related_entity_type,omitempty"`
	Status            TransactionStatus `json:"status"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

type CashRegisterSession struct {
	ID             string           `json:"id"`
	TenantID       string           `json:"tenant_id"`
	UserID         string           `json:"user_id"`
	OpeningAmount  decimal.Decimal  `json:"opening_amount"`
	CurrentAmount  decimal.Decimal  `json:"current_amount"`
	ClosingAmount  *decimal.Decimal `json:"closing_amount,omitempty"`
	ExpectedAmount *decimal.Decimal `json:"expected_amount,omitempty"`
	Difference     *decimal.Decimal `json:"difference,omitempty"`
	Status         SessionStatus    `json:"status"`
	Notes          string           `json:"notes,omitempty"`
	OpenedAt       time.Time        `json:"opened_at"`
	ClosedAt       *time.Time       `json:"closed_at,omitempty"`
}

type SaleLineInput struct {
	ProductID string          `json:"product_id" validate:"required"`
	VariantID string          `json:"variant_id,omitempty"`
	Quantity  int             `json:"quantity" validate:"gt=0"`
	Price     decimal.Decimal `json:"price" validate:"gte=0"`
	Discount  decimal.Decimal `json:"discount" validate:"gte=0"`
}

type CreateSaleRequest struct {
	CustomerID     string          `json:"customer_id,omitempty"`
	Items          []SaleLineInput `json:"items" validate:"required,min=1,dive"`
	PaymentMethod  PaymentMethod   `json:"payment_method" validate:"required,oneof=CASH CREDIT_CARD DEBIT_CARD TRANSFER QR"`
	PaymentStatus  PaymentStatus   `json:"payment_status" validate:"omitempty,oneof=PENDING PAID"`
	Source         SaleSource      `json:"source" validate:"omitempty,oneof=POS ECOMMERCE"`
	Notes          string          `json:"notes,omitempty" validate:"max=1000"`
	IdempotencyKey string          `json:"idempotency_key,omitempty" validate:"max=128"`
}

type RegisterPaymentRequest struct {
	SaleID        string          `json:"-" validate:"required"`
	PaymentMethod PaymentMethod   `json:"payment_method" validate:"required,oneof=CASH CREDIT_CARD DEBIT_CARD TRANSFER QR"`
	Amount        decimal.Decimal `json:"amount" validate:"gte=0"`
}

type VoidSaleRequest struct {
	SaleID     string `json:"-" validate:"required"`
	Reason     string `json:"reason,omitempty" validate:"max=500"`
	ManagerPIN string `json:"manager_pin,omitempty"`
}

type OpenRegisterRequest struct {
	OpeningAmount decimal.Decimal `json:"opening_amount" validate:"gte=0"`
	Notes         string          `json:"notes,omitempty" validate:"max=500"`
}

type CloseRegisterRequest struct {
	FinalAmount decimal.Decimal `json:"final_amount" validate:"gte=0"`
	Notes       string          `json:"notes,omitempty" validate:"max=500"`
}

type MovementRequest struct {
	Amount      decimal.Decimal `json:"amount" validate:"gt=0"`
	Type        TransactionType `json:"type" validate:"required,oneof=CASH_IN CASH_OUT"`
	Description string          `json:"description,omitempty" validate:"max=500"`
}

type MovementResponse struct {
	Session     CashRegisterSession  `json:"session"`
	Transaction FinancialTransaction `json:"transaction"`
}

type RegisterStatus struct {
	Status       SessionStatus          `json:"status"`
	Session      *CashRegisterSession   `json:"session,omitempty"`
	Transactions []FinancialTransaction `json:"transactions"`
}

type SaleFilter struct {
	TenantID      string
	UserID        string
	Status        SaleStatus
	PaymentStatus PaymentStatus
	From          *time.Time
	To            *time.Time
	Limit         int
}
