package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

const (
	SourceRoleOwner  = "owner"
	SourceRoleEditor = "editor"
	SourceRoleViewer = "viewer"
)

const (
	SessionStatusActive     = "active"
	SessionStatusClosing    = "closing"
	SessionStatusClosed     = "closed"
	SessionStatusReconciled = "reconciled"
)

const (
	BillStatusPending       = "pending"
	BillStatusActive        = "active"
	BillStatusPartiallyPaid = "partially_paid"
	BillStatusPaid          = "paid"
	BillStatusCancelled     = "cancelled"
)

const (
	PaymentCash     = "cash"
	PaymentTransfer = "transfer"
)

const (
	ItemTypeProduct = "product"
	ItemTypeService = "service"
)

const (
	MovementPurchase          = "purchase"
	MovementSale              = "sale"
	MovementAdjustment        = "adjustment"
	MovementConsignmentReturn = "consignment_return"
)

const (
	TransactionIncome  = "income"
	TransactionExpense = "expense"
)

const (
	CategoryIncome  = "income"
	CategoryExpense = "expense"
	CategoryProduct = "product"
)

type Actor struct {
	Username string
	Role     string
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

type User struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type UserCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

type UserUpdateRequest struct {
	Role   *string `json:"role,omitempty"`
	Active *bool   `json:"active,omitempty"`
}

type Source struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Owner     string    `json:"owner"`
	CreatedAt time.Time `json:"created_at"`
}

type SourcePermission struct {
	SourceID  string    `json:"source_id"`
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	GrantedAt time.Time `json:"granted_at"`
}

type SourceRequest struct {
	Name string `json:"name"`
}

type SourceAccessRequest struct {
	Username string `json:"username"`
	Role     string `json:"role"`
}

type Session struct {
	ID            string          `json:"id"`
	SourceID      string          `json:"source_id"`
	Status        string          `json:"status"`
	StartTime     time.Time       `json:"start_time"`
	EndTime       *time.Time      `json:"end_time,omitempty"`
	OpenedBy      string          `json:"opened_by"`
	ClosedBy      string          `json:"closed_by,omitempty"`
	TotalCash     decimal.Decimal `json:"total_cash"`
	TotalTransfer decimal.Decimal `json:"total_transfer"`
	TotalSales    decimal.Decimal `json:"total_sales"`
	TotalExpenses decimal.Decimal `json:"total_expenses"`
}

type SessionTotals struct {
	SessionID     string          `json:"session_id"`
	TotalCash     decimal.Decimal `json:"total_cash"`
	TotalTransfer decimal.Decimal `json:"total_transfer"`
	TotalSales    decimal.Decimal `json:"total_sales"`
	TotalExpenses decimal.Decimal `json:"total_expenses"`
	BillCount     int             `json:"bill_count"`
	ComputedAt    time.Time       `json:"computed_at"`
}

type SessionResponse struct {
	Session *Session       `json:"session"`
	Totals  *SessionTotals `json:"totals,omitempty"`
}

type LineItem struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Price        decimal.Decimal `json:"price"`
	Quantity     int             `json:"quantity"`
	Type         string          `json:"type"`
	CurrentStock *int            `json:"current_stock,omitempty"`
}

type Bill struct {
	ID             string          `json:"id"`
	SourceID       string          `json:"source_id"`
	SessionID      string          `json:"session_id,omitempty"`
	PayerID        string          `json:"payer_id,omitempty"`
	IdempotencyKey string          `json:"idempotency_key"`
	Items          []LineItem      `json:"items"`
	Subtotal       decimal.Decimal `json:"subtotal"`
	Discount       decimal.Decimal `json:"discount"`
	Tax            decimal.Decimal `json:"tax"`
	Total          decimal.Decimal `json:"total"`
	PaidAmount     decimal.Decimal `json:"paid_amount"`
	Status         string          `json:"status"`
	PaymentMethod  string          `json:"payment_method"`
	BillDate       time.Time       `json:"bill_date"`
	CreatedBy      string          `json:"created_by"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// BillFilter ranges over bill_date; To is exclusive.
type BillFilter struct {
	SourceID  string
	SessionID string
	Status    string
	From      time.Time
	To        time.Time
	Limit     int
}

type BillStatusRequest struct {
	Status string `json:"status"`
}

type PaymentRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

type BillDeleteRequest struct {
	IDs        []string `json:"ids"`
	ManagerPIN string   `json:"manager_pin"`
}

type BillReceipt struct {
	BillID       string `json:"bill_id"`
	EscposBase64 string `json:"escpos_base64"`
	PreviewText  string `json:"preview_text"`
	FileName     string `json:"file_name"`
}

type CheckoutRequest struct {
	SourceID       string          `json:"source_id"`
	Items          []LineItem      `json:"items"`
	PayerID        string          `json:"payer_id,omitempty"`
	Date           *time.Time      `json:"date,omitempty"`
	Discount       decimal.Decimal `json:"discount"`
	PaidAmount     decimal.Decimal `json:"paid_amount"`
	PaymentMethod  string          `json:"payment_method"`
	IdempotencyKey string          `json:"idempotency_key"`
}

// CheckoutDraft is what the service hands to the store to persist atomically.
type CheckoutDraft struct {
	Bill        Bill
	Transaction Transaction
}

type CheckoutResult struct {
	Bill        Bill            `json:"bill"`
	Transaction Transaction     `json:"transaction"`
	Movements   []StockMovement `json:"movements"`
	Duplicate   bool            `json:"duplicate"`
}

type RecipeIngredient struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type Product struct {
	ID            string             `json:"id"`
	SourceID      string             `json:"source_id"`
	Name          string             `json:"name"`
	Price         decimal.Decimal    `json:"price"`
	CurrentStock  int                `json:"current_stock"`
	PurchaseCost  decimal.Decimal    `json:"purchase_cost"`
	CategoryID    string             `json:"category_id,omitempty"`
	SubcategoryID string             `json:"subcategory_id,omitempty"`
	Recipe        []RecipeIngredient `json:"recipe,omitempty"`
	Active        bool               `json:"active"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

type ProductCreateRequest struct {
	Name          string             `json:"name"`
	Price         decimal.Decimal    `json:"price"`
	PurchaseCost  decimal.Decimal    `json:"purchase_cost"`
	CategoryID    string             `json:"category_id,omitempty"`
	SubcategoryID string             `json:"subcategory_id,omitempty"`
	InitialStock  int                `json:"initial_stock"`
	Recipe        []RecipeIngredient `json:"recipe,omitempty"`
}

type ProductUpdateRequest struct {
	Name          *string             `json:"name,omitempty"`
	Price         *decimal.Decimal    `json:"price,omitempty"`
	PurchaseCost  *decimal.Decimal    `json:"purchase_cost,omitempty"`
	CategoryID    *string             `json:"category_id,omitempty"`
	SubcategoryID *string             `json:"subcategory_id,omitempty"`
	Recipe        *[]RecipeIngredient `json:"recipe,omitempty"`
	Active        *bool               `json:"active,omitempty"`
}

// StockMovement is append-only. StockAfter is the product level right after the movement.
type StockMovement struct {
	ID           string          `json:"id"`
	ProductID    string          `json:"product_id"`
	SourceID     string          `json:"source_id"`
	Quantity     int             `json:"quantity"`
	MovementType string          `json:"movement_type"`
	UnitCost     decimal.Decimal `json:"unit_cost"`
	ReferenceID  string          `json:"reference_id,omitempty"`
	StockAfter   int             `json:"stock_after"`
	Notes        string          `json:"notes,omitempty"`
	CreatedBy    string          `json:"created_by"`
	CreatedAt    time.Time       `json:"created_at"`
}

// StockChange applies one movement, optionally folding its unit cost into the
// product's weighted purchase cost and booking an expense in the same unit of work.
type StockChange struct {
	Movement StockMovement
	Reprice  bool
	Expense  *Transaction
}

type StockReceiveRequest struct {
	Quantity      int             `json:"quantity"`
	UnitCost      decimal.Decimal `json:"unit_cost"`
	Notes         string          `json:"notes,omitempty"`
	RecordExpense bool            `json:"record_expense"`
	CategoryID    string          `json:"category_id,omitempty"`
}

type StockAdjustRequest struct {
	Delta int    `json:"delta"`
	Notes string `json:"notes,omitempty"`
}

type StockChangeResponse struct {
	Product  Product       `json:"product"`
	Movement StockMovement `json:"movement"`
	Expense  *Transaction  `json:"expense,omitempty"`
}

type Transaction struct {
	ID          string          `json:"id"`
	SourceID    string          `json:"source_id"`
	SessionID   string          `json:"session_id,omitempty"`
	BillID      string          `json:"bill_id,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
	Type        string          `json:"type"`
	CategoryID  string          `json:"category_id,omitempty"`
	PayerID     string          `json:"payer_id,omitempty"`
	Description string          `json:"description"`
	CreatedBy   string          `json:"created_by"`
	OccurredAt  time.Time       `json:"occurred_at"`
	CreatedAt   time.Time       `json:"created_at"`
}

type TransactionCreateRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	Type        string          `json:"type"`
	CategoryID  string          `json:"category_id,omitempty"`
	PayerID     string          `json:"payer_id,omitempty"`
	Description string          `json:"description"`
	OccurredAt  *time.Time      `json:"occurred_at,omitempty"`
}

type TransactionFilter struct {
	SourceID  string
	SessionID string
	Type      string
	From      time.Time
	To        time.Time
	Limit     int
}

type Payer struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone,omitempty"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

type PayerCreateRequest struct {
	Name  string `json:"name"`
	Phone string `json:"phone,omitempty"`
}

type PayerSetting struct {
	PayerID    string    `json:"payer_id"`
	SourceID   string    `json:"source_id"`
	CreditDays int       `json:"credit_days"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type PayerSettingRequest struct {
	PayerID    string `json:"payer_id"`
	CreditDays int    `json:"credit_days"`
}

type Category struct {
	ID        string    `json:"id"`
	SourceID  string    `json:"source_id"`
	Name      string    `json:"name"`
	Type      string    `json:"type"`
	ParentID  string    `json:"parent_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type CategoryCreateRequest struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	ParentID string `json:"parent_id,omitempty"`
}

type Service struct {
	ID         string          `json:"id"`
	SourceID   string          `json:"source_id"`
	Name       string          `json:"name"`
	Price      decimal.Decimal `json:"price"`
	CategoryID string          `json:"category_id,omitempty"`
	Active     bool            `json:"active"`
	CreatedAt  time.Time       `json:"created_at"`
}

type ServiceCreateRequest struct {
	Name       string          `json:"name"`
	Price      decimal.Decimal `json:"price"`
	CategoryID string          `json:"category_id,omitempty"`
}

type Consignment struct {
	ID         string          `json:"id"`
	SourceID   string          `json:"source_id"`
	SupplierID string          `json:"supplier_id,omitempty"`
	ProductID  string          `json:"product_id,omitempty"`
	Name       string          `json:"name"`
	Price      decimal.Decimal `json:"price"`
	Quantity   int             `json:"quantity"`
	Sold       int             `json:"sold"`
	Returned   int             `json:"returned"`
	ReceivedAt time.Time       `json:"received_at"`
}

// Remaining is what is still on the shelf.
func (c Consignment) Remaining() int {
	return c.Quantity - c.Sold - c.Returned
}

type ConsignmentCreateRequest struct {
	SupplierID string          `json:"supplier_id,omitempty"`
	ProductID  string          `json:"product_id,omitempty"`
	Name       string          `json:"name"`
	Price      decimal.Decimal `json:"price"`
	Quantity   int             `json:"quantity"`
}

type ConsignmentReturnRequest struct {
	Quantity int    `json:"quantity"`
	Notes    string `json:"notes,omitempty"`
}

type Supplier struct {
	ID        string    `json:"id"`
	SourceID  string    `json:"source_id"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type SupplierCreateRequest struct {
	Name  string `json:"name"`
	Phone string `json:"phone,omitempty"`
}

type AuditLog struct {
	ID            string    `json:"id"`
	SourceID      string    `json:"source_id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

type CategoryTotal struct {
	CategoryID string          `json:"category_id"`
	Type       string          `json:"type"`
	Total      decimal.Decimal `json:"total"`
	Count      int             `json:"count"`
}

type DayTotal struct {
	Date    string          `json:"date"`
	Income  decimal.Decimal `json:"income"`
	Expense decimal.Decimal `json:"expense"`
}

type PaymentTotal struct {
	PaymentMethod string          `json:"payment_method"`
	Bills         int             `json:"bills"`
	Total         decimal.Decimal `json:"total"`
}

type Stats struct {
	SourceID      string          `json:"source_id"`
	From          string          `json:"from"`
	To            string          `json:"to"`
	Transactions  int             `json:"transactions"`
	Income        decimal.Decimal `json:"income"`
	Expense       decimal.Decimal `json:"expense"`
	Net           decimal.Decimal `json:"net"`
	ByCategory    []CategoryTotal `json:"by_category"`
	ByDay         []DayTotal      `json:"by_day"`
	ByPayment     []PaymentTotal  `json:"by_payment"`
	BillsByStatus map[string]int  `json:"bills_by_status"`
	Outstanding   decimal.Decimal `json:"outstanding"`
}
