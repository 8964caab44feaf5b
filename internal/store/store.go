package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"kasirbuku/backend/internal/domain"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrInsufficientStock   = errors.New("insufficient stock")
	ErrInvalidTransaction  = errors.New("invalid transaction")
	ErrActiveSessionExists = errors.New("active session already exists")
	ErrConflict            = errors.New("conflict")
	ErrSessionNotActive    = errors.New("session not active")
)

type Repository interface {
	CreateSource(ctx context.Context, source domain.Source) (*domain.Source, error)
	GetSource(ctx context.Context, id string) (*domain.Source, error)
	ListSources(ctx context.Context) ([]domain.Source, error)
	UpdateSource(ctx context.Context, source domain.Source) (*domain.Source, error)
	// DeleteSource removes the source with every row scoped to it.
	DeleteSource(ctx context.Context, id string) error
	UpsertSourcePermission(ctx context.Context, perm domain.SourcePermission) error
	DeleteSourcePermission(ctx context.Context, sourceID string, username string) error
	GetSourcePermission(ctx context.Context, sourceID string, username string) (*domain.SourcePermission, error)
	ListSourcePermissions(ctx context.Context, sourceID string) ([]domain.SourcePermission, error)
	ListPermissionsByUser(ctx context.Context, username string) ([]domain.SourcePermission, error)

	// CreateSession returns ErrActiveSessionExists when the source already has an active session.
	CreateSession(ctx context.Context, session domain.Session) (*domain.Session, error)
	GetSession(ctx context.Context, id string) (*domain.Session, error)
	// GetActiveSession returns ErrNotFound when the source has no active session.
	GetActiveSession(ctx context.Context, sourceID string) (*domain.Session, error)
	ListSessions(ctx context.Context, sourceID string, limit int) ([]domain.Session, error)
	ListActiveSessions(ctx context.Context) ([]domain.Session, error)
	SumSessionTotals(ctx context.Context, sessionID string) (domain.SessionTotals, error)
	UpdateSessionTotals(ctx context.Context, totals domain.SessionTotals) error
	// CloseSession sums the session's totals and freezes them in the same
	// atomic step, so no bill can land between the sum and the close.
	CloseSession(ctx context.Context, id string, closedBy string, at time.Time) (*domain.Session, domain.SessionTotals, error)
	ReconcileSession(ctx context.Context, id string, at time.Time) (*domain.Session, error)

	// CreateCheckout persists bill, ledger entry, stock decrements and sale
	// movements as one unit. Idempotency keys are scoped per source: a
	// repeated key on the same source returns the stored result with
	// Duplicate set and applies nothing. A bill naming a session that is no
	// longer active fails with ErrSessionNotActive.
	CreateCheckout(ctx context.Context, draft domain.CheckoutDraft) (*domain.CheckoutResult, error)
	FindCheckoutByIdempotency(ctx context.Context, sourceID string, key string) (*domain.CheckoutResult, error)
	GetBill(ctx context.Context, id string) (*domain.Bill, error)
	ListBills(ctx context.Context, filter domain.BillFilter) ([]domain.Bill, error)
	// UpdateBillPayment applies only while the bill is still in fromStatus and
	// returns ErrConflict when it moved on.
	UpdateBillPayment(ctx context.Context, id string, fromStatus string, status string, paid decimal.Decimal, at time.Time) (*domain.Bill, error)
	DeleteBills(ctx context.Context, sourceID string, ids []string) (int, error)
	CountBillsByStatus(ctx context.Context, sourceID string, from time.Time, to time.Time) (map[string]int, error)

	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	ListProducts(ctx context.Context, sourceID string) ([]domain.Product, error)
	UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	// ApplyStockChange never lets stock drop below zero; it returns ErrInsufficientStock instead.
	// An expense naming a session that is no longer active fails with ErrSessionNotActive.
	ApplyStockChange(ctx context.Context, change domain.StockChange) (*domain.Product, *domain.StockMovement, error)
	ListStockMovements(ctx context.Context, productID string, limit int) ([]domain.StockMovement, error)

	CreateService(ctx context.Context, svc domain.Service) (*domain.Service, error)
	ListServices(ctx context.Context, sourceID string) ([]domain.Service, error)

	CreateConsignment(ctx context.Context, consignment domain.Consignment) (*domain.Consignment, error)
	GetConsignment(ctx context.Context, id string) (*domain.Consignment, error)
	ListConsignments(ctx context.Context, sourceID string) ([]domain.Consignment, error)
	ReturnConsignment(ctx context.Context, id string, qty int, movement *domain.StockMovement) (*domain.Consignment, error)

	CreateCategory(ctx context.Context, category domain.Category) (*domain.Category, error)
	GetCategory(ctx context.Context, id string) (*domain.Category, error)
	ListCategories(ctx context.Context, sourceID string, categoryType string) ([]domain.Category, error)

	CreatePayer(ctx context.Context, payer domain.Payer) (*domain.Payer, error)
	GetPayer(ctx context.Context, id string) (*domain.Payer, error)
	ListPayers(ctx context.Context) ([]domain.Payer, error)
	UpsertPayerSetting(ctx context.Context, setting domain.PayerSetting) (*domain.PayerSetting, error)
	ListPayerSettings(ctx context.Context, sourceID string) ([]domain.PayerSetting, error)

	CreateSupplier(ctx context.Context, supplier domain.Supplier) (*domain.Supplier, error)
	ListSuppliers(ctx context.Context, sourceID string) ([]domain.Supplier, error)

	// CreateTransaction fails with ErrSessionNotActive when tx names a session that is no longer active.
	CreateTransaction(ctx context.Context, tx domain.Transaction) (*domain.Transaction, error)
	ListTransactions(ctx context.Context, filter domain.TransactionFilter) ([]domain.Transaction, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, sourceID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
	UpdateUser(ctx context.Context, user domain.UserAccount) error
}
