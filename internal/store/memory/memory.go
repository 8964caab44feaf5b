package memory

import (
	"context"
	"fmt"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"kasirbuku/backend/internal/domain"
	"kasirbuku/backend/internal/pricing"
	"kasirbuku/backend/internal/store"
	"kasirbuku/backend/internal/xid"
)

// Store keeps everything behind one lock, so every method is atomic with
// respect to every other. CreateCheckout relies on that for all-or-nothing.
type Store struct {
	mu              sync.RWMutex
	sources         map[string]domain.Source
	permissions     map[string]map[string]domain.SourcePermission
	sessions        map[string]domain.Session
	activeBySource  map[string]string
	bills           map[string]domain.Bill
	billIDByIdem    map[string]string
	products        map[string]domain.Product
	movements       []domain.StockMovement
	services        map[string]domain.Service
	consignments    map[string]domain.Consignment
	categories      map[string]domain.Category
	payers          map[string]domain.Payer
	payerSettings   map[string]map[string]domain.PayerSetting
	suppliers       map[string]domain.Supplier
	transactions    []domain.Transaction
	auditLogs       []domain.AuditLog
	usersByUsername map[string]domain.UserAccount
}

func New() *Store {
	return &Store{
		sources:         make(map[string]domain.Source),
		permissions:     make(map[string]map[string]domain.SourcePermission),
		sessions:        make(map[string]domain.Session),
		activeBySource:  make(map[string]string),
		bills:           make(map[string]domain.Bill),
		billIDByIdem:    make(map[string]string),
		products:        make(map[string]domain.Product),
		movements:       make([]domain.StockMovement, 0, 128),
		services:        make(map[string]domain.Service),
		consignments:    make(map[string]domain.Consignment),
		categories:      make(map[string]domain.Category),
		payers:          make(map[string]domain.Payer),
		payerSettings:   make(map[string]map[string]domain.PayerSetting),
		suppliers:       make(map[string]domain.Supplier),
		transactions:    make([]domain.Transaction, 0, 128),
		auditLogs:       make([]domain.AuditLog, 0, 128),
		usersByUsername: make(map[string]domain.UserAccount),
	}
}

// seedUsers builds the dev/demo accounts. Passwords come from
// SEED_ADMIN_PASSWORD and SEED_USER_PASSWORD, with weak defaults when unset.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	userPwd := envOr("SEED_USER_PASSWORD", "kasir123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_USER_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_USER_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, domain.RoleAdmin},
		{"kasir", userPwd, domain.RoleUser},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// NewSeeded returns a store with demo users and one demo source ("Toko Utama")
// owned by admin, where kasir is an editor.
func NewSeeded() *Store {
	s := New()
	s.usersByUsername = seedUsers()

	now := time.Now().UTC()
	source := domain.Source{ID: xid.New("src"), Name: "Toko Utama", Owner: "admin", CreatedAt: now}
	s.sources[source.ID] = source
	s.permissions[source.ID] = map[string]domain.SourcePermission{
		"admin": {SourceID: source.ID, Username: "admin", Role: domain.SourceRoleOwner, GrantedAt: now},
		"kasir": {SourceID: source.ID, Username: "kasir", Role: domain.SourceRoleEditor, GrantedAt: now},
	}

	drinks := domain.Category{ID: xid.New("cat"), SourceID: source.ID, Name: "Minuman", Type: domain.CategoryProduct, CreatedAt: now}
	sales := domain.Category{ID: xid.New("cat"), SourceID: source.ID, Name: "Penjualan", Type: domain.CategoryIncome, CreatedAt: now}
	supplies := domain.Category{ID: xid.New("cat"), SourceID: source.ID, Name: "Belanja Stok", Type: domain.CategoryExpense, CreatedAt: now}
	for _, c := range []domain.Category{drinks, sales, supplies} {
		s.categories[c.ID] = c
	}

	for _, p := range []struct {
		name  string
		price string
		cost  string
		stock int
	}{
		{"Kopi Susu", "18000", "9000", 40},
		{"Teh Manis", "8000", "3000", 60},
		{"Air Mineral 600ml", "5000", "2500", 120},
		{"Roti Bakar", "15000", "7000", 25},
	} {
		product := domain.Product{
			ID:           xid.New("prd"),
			SourceID:     source.ID,
			Name:         p.name,
			Price:        decimal.RequireFromString(p.price),
			PurchaseCost: decimal.RequireFromString(p.cost),
			CurrentStock: p.stock,
			CategoryID:   drinks.ID,
			Active:       true,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		s.products[product.ID] = product
	}

	svc := domain.Service{ID: xid.New("svc"), SourceID: source.ID, Name: "Antar Pesanan", Price: decimal.RequireFromString("10000"), Active: true, CreatedAt: now}
	s.services[svc.ID] = svc
	return s
}

func (s *Store) CreateSource(_ context.Context, source domain.Source) (*domain.Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	source.Name = strings.TrimSpace(source.Name)
	if source.Name == "" || source.Owner == "" {
		return nil, store.ErrInvalidTransaction
	}
	if source.ID == "" {
		source.ID = xid.New("src")
	}
	if source.CreatedAt.IsZero() {
		source.CreatedAt = time.Now().UTC()
	}
	s.sources[source.ID] = source
	s.permissions[source.ID] = map[string]domain.SourcePermission{
		source.Owner: {SourceID: source.ID, Username: source.Owner, Role: domain.SourceRoleOwner, GrantedAt: source.CreatedAt},
	}
	saved := source
	return &saved, nil
}

func (s *Store) GetSource(_ context.Context, id string) (*domain.Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	source, ok := s.sources[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &source, nil
}

func (s *Store) ListSources(_ context.Context) ([]domain.Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sources := make([]domain.Source, 0, len(s.sources))
	for _, source := range s.sources {
		sources = append(sources, source)
	}
	slices.SortFunc(sources, func(a, b domain.Source) int {
		return cmpString(a.Name, b.Name)
	})
	return sources, nil
}

func (s *Store) UpdateSource(_ context.Context, source domain.Source) (*domain.Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.sources[source.ID]
	if !ok {
		return nil, store.ErrNotFound
	}
	name := strings.TrimSpace(source.Name)
	if name == "" {
		return nil, store.ErrInvalidTransaction
	}
	existing.Name = name
	s.sources[existing.ID] = existing
	return &existing, nil
}

func (s *Store) DeleteSource(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sources[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.sources, id)
	delete(s.permissions, id)
	delete(s.activeBySource, id)
	delete(s.payerSettings, id)

	// same reach as ON DELETE CASCADE in postgres; audit logs stay
	for sessionID, session := range s.sessions {
		if session.SourceID == id {
			delete(s.sessions, sessionID)
		}
	}
	for billID, bill := range s.bills {
		if bill.SourceID == id {
			delete(s.bills, billID)
			delete(s.billIDByIdem, idemKey(id, bill.IdempotencyKey))
		}
	}
	for productID, product := range s.products {
		if product.SourceID == id {
			delete(s.products, productID)
		}
	}
	for serviceID, svc := range s.services {
		if svc.SourceID == id {
			delete(s.services, serviceID)
		}
	}
	for consignmentID, consignment := range s.consignments {
		if consignment.SourceID == id {
			delete(s.consignments, consignmentID)
		}
	}
	for categoryID, category := range s.categories {
		if category.SourceID == id {
			delete(s.categories, categoryID)
		}
	}
	for supplierID, supplier := range s.suppliers {
		if supplier.SourceID == id {
			delete(s.suppliers, supplierID)
		}
	}
	s.movements = slices.DeleteFunc(s.movements, func(m domain.StockMovement) bool {
		return m.SourceID == id
	})
	s.transactions = slices.DeleteFunc(s.transactions, func(tx domain.Transaction) bool {
		return tx.SourceID == id
	})
	return nil
}

func (s *Store) UpsertSourcePermission(_ context.Context, perm domain.SourcePermission) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sources[perm.SourceID]; !ok {
		return store.ErrNotFound
	}
	if perm.Username == "" {
		return store.ErrInvalidTransaction
	}
	if perm.GrantedAt.IsZero() {
		perm.GrantedAt = time.Now().UTC()
	}
	if s.permissions[perm.SourceID] == nil {
		s.permissions[perm.SourceID] = make(map[string]domain.SourcePermission)
	}
	s.permissions[perm.SourceID][perm.Username] = perm
	return nil
}

func (s *Store) DeleteSourcePermission(_ context.Context, sourceID string, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	perms := s.permissions[sourceID]
	if _, ok := perms[username]; !ok {
		return store.ErrNotFound
	}
	delete(perms, username)
	return nil
}

func (s *Store) GetSourcePermission(_ context.Context, sourceID string, username string) (*domain.SourcePermission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	perm, ok := s.permissions[sourceID][username]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &perm, nil
}

func (s *Store) ListSourcePermissions(_ context.Context, sourceID string) ([]domain.SourcePermission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	perms := make([]domain.SourcePermission, 0, len(s.permissions[sourceID]))
	for _, perm := range s.permissions[sourceID] {
		perms = append(perms, perm)
	}
	slices.SortFunc(perms, func(a, b domain.SourcePermission) int {
		return cmpString(a.Username, b.Username)
	})
	return perms, nil
}

func (s *Store) ListPermissionsByUser(_ context.Context, username string) ([]domain.SourcePermission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	perms := make([]domain.SourcePermission, 0, 4)
	for _, bySource := range s.permissions {
		if perm, ok := bySource[username]; ok {
			perms = append(perms, perm)
		}
	}
	slices.SortFunc(perms, func(a, b domain.SourcePermission) int {
		return cmpString(a.SourceID, b.SourceID)
	})
	return perms, nil
}

func (s *Store) CreateSession(_ context.Context, session domain.Session) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sources[session.SourceID]; !ok {
		return nil, store.ErrNotFound
	}
	if _, exists := s.activeBySource[session.SourceID]; exists {
		return nil, store.ErrActiveSessionExists
	}
	if session.ID == "" {
		session.ID = xid.New("ses")
	}
	if session.StartTime.IsZero() {
		session.StartTime = time.Now().UTC()
	}
	session.Status = domain.SessionStatusActive
	s.sessions[session.ID] = session
	s.activeBySource[session.SourceID] = session.ID
	saved := session
	return &saved, nil
}

func (s *Store) GetSession(_ context.Context, id string) (*domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &session, nil
}

func (s *Store) GetActiveSession(_ context.Context, sourceID string) (*domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.activeBySource[sourceID]
	if !ok {
		return nil, store.ErrNotFound
	}
	session := s.sessions[id]
	return &session, nil
}

func (s *Store) ListSessions(_ context.Context, sourceID string, limit int) ([]domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sessions := make([]domain.Session, 0, 16)
	for _, session := range s.sessions {
		if session.SourceID == sourceID {
			sessions = append(sessions, session)
		}
	}
	slices.SortFunc(sessions, func(a, b domain.Session) int {
		return cmpTimeDesc(a.StartTime, b.StartTime)
	})
	return truncate(sessions, limit), nil
}

func (s *Store) ListActiveSessions(_ context.Context) ([]domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sessions := make([]domain.Session, 0, len(s.activeBySource))
	for _, id := range s.activeBySource {
		sessions = append(sessions, s.sessions[id])
	}
	slices.SortFunc(sessions, func(a, b domain.Session) int {
		return cmpString(a.ID, b.ID)
	})
	return sessions, nil
}

func (s *Store) SumSessionTotals(_ context.Context, sessionID string) (domain.SessionTotals, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sumSessionTotalsLocked(sessionID)
}

func (s *Store) sumSessionTotalsLocked(sessionID string) (domain.SessionTotals, error) {
	if _, ok := s.sessions[sessionID]; !ok {
		return domain.SessionTotals{}, store.ErrNotFound
	}
	totals := domain.SessionTotals{
		SessionID:     sessionID,
		TotalCash:     decimal.Zero,
		TotalTransfer: decimal.Zero,
		TotalExpenses: decimal.Zero,
		ComputedAt:    time.Now().UTC(),
	}
	for _, bill := range s.bills {
		if bill.SessionID != sessionID || bill.Status == domain.BillStatusCancelled {
			continue
		}
		totals.BillCount++
		switch bill.PaymentMethod {
		case domain.PaymentCash:
			totals.TotalCash = totals.TotalCash.Add(bill.Total)
		case domain.PaymentTransfer:
			totals.TotalTransfer = totals.TotalTransfer.Add(bill.Total)
		}
	}
	for _, tx := range s.transactions {
		if tx.SessionID == sessionID && tx.Type == domain.TransactionExpense {
			totals.TotalExpenses = totals.TotalExpenses.Add(tx.Amount)
		}
	}
	totals.TotalSales = totals.TotalCash.Add(totals.TotalTransfer)
	return totals, nil
}

func (s *Store) UpdateSessionTotals(_ context.Context, totals domain.SessionTotals) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[totals.SessionID]
	if !ok {
		return store.ErrNotFound
	}
	// closed sessions keep the totals frozen at close time
	if session.Status != domain.SessionStatusActive {
		return nil
	}
	applyTotals(&session, totals)
	s.sessions[session.ID] = session
	return nil
}

func (s *Store) CloseSession(_ context.Context, id string, closedBy string, at time.Time) (*domain.Session, domain.SessionTotals, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, domain.SessionTotals{}, store.ErrNotFound
	}
	if session.Status != domain.SessionStatusActive {
		return nil, domain.SessionTotals{}, store.ErrInvalidTransaction
	}
	totals, err := s.sumSessionTotalsLocked(id)
	if err != nil {
		return nil, domain.SessionTotals{}, err
	}
	applyTotals(&session, totals)
	session.Status = domain.SessionStatusClosed
	session.ClosedBy = closedBy
	end := at
	session.EndTime = &end
	s.sessions[id] = session
	delete(s.activeBySource, session.SourceID)
	return &session, totals, nil
}

func (s *Store) ReconcileSession(_ context.Context, id string, _ time.Time) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if session.Status != domain.SessionStatusClosed {
		return nil, store.ErrInvalidTransaction
	}
	session.Status = domain.SessionStatusReconciled
	s.sessions[id] = session
	return &session, nil
}

func (s *Store) CreateCheckout(_ context.Context, draft domain.CheckoutDraft) (*domain.CheckoutResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bill := cloneBill(draft.Bill)
	if bill.IdempotencyKey == "" || bill.SourceID == "" || len(bill.Items) == 0 {
		return nil, store.ErrInvalidTransaction
	}
	if existingID, ok := s.billIDByIdem[idemKey(bill.SourceID, bill.IdempotencyKey)]; ok {
		result := s.checkoutResultLocked(existingID)
		result.Duplicate = true
		return result, nil
	}
	if err := s.requireActiveSessionLocked(bill.SessionID, bill.SourceID); err != nil {
		return nil, err
	}

	// Check every product line before touching anything.
	need := make(map[string]int)
	for _, item := range bill.Items {
		if item.Quantity < 1 {
			return nil, store.ErrInvalidTransaction
		}
		if item.Type != domain.ItemTypeProduct {
			continue
		}
		product, ok := s.products[item.ID]
		if !ok || product.SourceID != bill.SourceID {
			return nil, fmt.Errorf("product %s: %w", item.ID, store.ErrNotFound)
		}
		need[item.ID] += item.Quantity
	}
	for productID, qty := range need {
		if s.products[productID].CurrentStock < qty {
			return nil, fmt.Errorf("product %s: %w", productID, store.ErrInsufficientStock)
		}
	}

	if bill.ID == "" {
		bill.ID = xid.New("bill")
	}
	if bill.CreatedAt.IsZero() {
		bill.CreatedAt = time.Now().UTC()
	}
	bill.UpdatedAt = bill.CreatedAt

	movements := make([]domain.StockMovement, 0, len(need))
	for _, item := range bill.Items {
		if item.Type != domain.ItemTypeProduct {
			continue
		}
		product := s.products[item.ID]
		product.CurrentStock -= item.Quantity
		product.UpdatedAt = bill.CreatedAt
		s.products[product.ID] = product

		movement := domain.StockMovement{
			ID:           xid.New("mov"),
			ProductID:    product.ID,
			SourceID:     product.SourceID,
			Quantity:     -item.Quantity,
			MovementType: domain.MovementSale,
			UnitCost:     product.PurchaseCost,
			ReferenceID:  bill.ID,
			StockAfter:   product.CurrentStock,
			CreatedBy:    bill.CreatedBy,
			CreatedAt:    bill.CreatedAt,
		}
		s.movements = append(s.movements, movement)
		movements = append(movements, movement)
	}

	tx := draft.Transaction
	if tx.ID == "" {
		tx.ID = xid.New("trx")
	}
	tx.BillID = bill.ID
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = bill.CreatedAt
	}
	s.transactions = append(s.transactions, tx)

	s.bills[bill.ID] = bill
	s.billIDByIdem[idemKey(bill.SourceID, bill.IdempotencyKey)] = bill.ID

	return &domain.CheckoutResult{Bill: cloneBill(bill), Transaction: tx, Movements: movements}, nil
}

func (s *Store) FindCheckoutByIdempotency(_ context.Context, sourceID string, key string) (*domain.CheckoutResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.billIDByIdem[idemKey(sourceID, key)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return s.checkoutResultLocked(id), nil
}

func (s *Store) checkoutResultLocked(billID string) *domain.CheckoutResult {
	result := &domain.CheckoutResult{Bill: cloneBill(s.bills[billID]), Movements: make([]domain.StockMovement, 0, 4)}
	for _, tx := range s.transactions {
		if tx.BillID == billID && tx.Type == domain.TransactionIncome {
			result.Transaction = tx
			break
		}
	}
	for _, movement := range s.movements {
		if movement.ReferenceID == billID && movement.MovementType == domain.MovementSale {
			result.Movements = append(result.Movements, movement)
		}
	}
	return result
}

func (s *Store) GetBill(_ context.Context, id string) (*domain.Bill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bill, ok := s.bills[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cloned := cloneBill(bill)
	return &cloned, nil
}

func (s *Store) ListBills(_ context.Context, filter domain.BillFilter) ([]domain.Bill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bills := make([]domain.Bill, 0, 32)
	for _, bill := range s.bills {
		if filter.SourceID != "" && bill.SourceID != filter.SourceID {
			continue
		}
		if filter.SessionID != "" && bill.SessionID != filter.SessionID {
			continue
		}
		if filter.Status != "" && bill.Status != filter.Status {
			continue
		}
		if !inRange(bill.BillDate, filter.From, filter.To) {
			continue
		}
		bills = append(bills, cloneBill(bill))
	}
	slices.SortFunc(bills, func(a, b domain.Bill) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(b.ID, a.ID)
		}
		return cmpTimeDesc(a.CreatedAt, b.CreatedAt)
	})
	return truncate(bills, filter.Limit), nil
}

func (s *Store) UpdateBillPayment(_ context.Context, id string, fromStatus string, status string, paid decimal.Decimal, at time.Time) (*domain.Bill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bill, ok := s.bills[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if bill.Status != fromStatus {
		return nil, fmt.Errorf("bill %s is %s: %w", id, bill.Status, store.ErrConflict)
	}
	bill.Status = status
	bill.PaidAmount = paid
	bill.UpdatedAt = at
	s.bills[id] = bill
	cloned := cloneBill(bill)
	return &cloned, nil
}

func (s *Store) DeleteBills(_ context.Context, sourceID string, ids []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		bill, ok := s.bills[id]
		if !ok || bill.SourceID != sourceID {
			continue
		}
		delete(s.bills, id)
		delete(s.billIDByIdem, idemKey(sourceID, bill.IdempotencyKey))
		removed[id] = struct{}{}
	}
	if len(removed) > 0 {
		kept := s.transactions[:0]
		for _, tx := range s.transactions {
			if _, gone := removed[tx.BillID]; gone {
				continue
			}
			kept = append(kept, tx)
		}
		s.transactions = kept
	}
	return len(removed), nil
}

func (s *Store) CountBillsByStatus(_ context.Context, sourceID string, from time.Time, to time.Time) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[string]int)
	for _, bill := range s.bills {
		if bill.SourceID != sourceID || !inRange(bill.BillDate, from, to) {
			continue
		}
		counts[bill.Status]++
	}
	return counts, nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	product.Name = strings.TrimSpace(product.Name)
	if product.Name == "" || product.SourceID == "" || product.Price.IsNegative() || product.CurrentStock < 0 {
		return nil, store.ErrInvalidTransaction
	}
	if product.ID == "" {
		product.ID = xid.New("prd")
	}
	now := time.Now().UTC()
	product.CreatedAt = now
	product.UpdatedAt = now
	product.Active = true
	product.Recipe = slices.Clone(product.Recipe)
	s.products[product.ID] = product
	saved := cloneProduct(product)
	return &saved, nil
}

func (s *Store) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, ok := s.products[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cloned := cloneProduct(product)
	return &cloned, nil
}

func (s *Store) ListProducts(_ context.Context, sourceID string) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, product := range s.products {
		if product.SourceID == sourceID {
			products = append(products, cloneProduct(product))
		}
	}
	slices.SortFunc(products, func(a, b domain.Product) int {
		return cmpString(a.Name, b.Name)
	})
	return products, nil
}

// UpdateProduct never touches current_stock; stock only moves through movements.
func (s *Store) UpdateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.products[product.ID]
	if !ok {
		return nil, store.ErrNotFound
	}
	product.SourceID = existing.SourceID
	product.CurrentStock = existing.CurrentStock
	product.CreatedAt = existing.CreatedAt
	product.UpdatedAt = time.Now().UTC()
	product.Recipe = slices.Clone(product.Recipe)
	s.products[product.ID] = product
	saved := cloneProduct(product)
	return &saved, nil
}

func (s *Store) ApplyStockChange(_ context.Context, change domain.StockChange) (*domain.Product, *domain.StockMovement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if change.Expense != nil {
		if err := s.requireActiveSessionLocked(change.Expense.SessionID, change.Expense.SourceID); err != nil {
			return nil, nil, err
		}
	}
	product, movement, err := s.applyMovementLocked(change.Movement, change.Reprice)
	if err != nil {
		return nil, nil, err
	}
	if change.Expense != nil {
		expense := *change.Expense
		if expense.ID == "" {
			expense.ID = xid.New("trx")
		}
		if expense.CreatedAt.IsZero() {
			expense.CreatedAt = movement.CreatedAt
		}
		s.transactions = append(s.transactions, expense)
	}
	return product, movement, nil
}

func (s *Store) applyMovementLocked(movement domain.StockMovement, reprice bool) (*domain.Product, *domain.StockMovement, error) {
	if movement.ProductID == "" || movement.Quantity == 0 {
		return nil, nil, store.ErrInvalidTransaction
	}
	product, ok := s.products[movement.ProductID]
	if !ok {
		return nil, nil, store.ErrNotFound
	}
	next := product.CurrentStock + movement.Quantity
	if next < 0 {
		return nil, nil, store.ErrInsufficientStock
	}
	if reprice && movement.Quantity > 0 {
		product.PurchaseCost = pricing.WeightedCost(product.PurchaseCost, product.CurrentStock, movement.UnitCost, movement.Quantity)
	}
	if movement.ID == "" {
		movement.ID = xid.New("mov")
	}
	if movement.CreatedAt.IsZero() {
		movement.CreatedAt = time.Now().UTC()
	}
	product.CurrentStock = next
	product.UpdatedAt = movement.CreatedAt
	s.products[product.ID] = product

	movement.SourceID = product.SourceID
	movement.StockAfter = next
	s.movements = append(s.movements, movement)

	savedProduct := cloneProduct(product)
	savedMovement := movement
	return &savedProduct, &savedMovement, nil
}

func (s *Store) ListStockMovements(_ context.Context, productID string, limit int) ([]domain.StockMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	movements := make([]domain.StockMovement, 0, 16)
	for i := len(s.movements) - 1; i >= 0; i-- {
		if s.movements[i].ProductID == productID {
			movements = append(movements, s.movements[i])
		}
	}
	return truncate(movements, limit), nil
}

func (s *Store) CreateService(_ context.Context, svc domain.Service) (*domain.Service, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	svc.Name = strings.TrimSpace(svc.Name)
	if svc.Name == "" || svc.SourceID == "" || svc.Price.IsNegative() {
		return nil, store.ErrInvalidTransaction
	}
	if svc.ID == "" {
		svc.ID = xid.New("svc")
	}
	if svc.CreatedAt.IsZero() {
		svc.CreatedAt = time.Now().UTC()
	}
	svc.Active = true
	s.services[svc.ID] = svc
	saved := svc
	return &saved, nil
}

func (s *Store) ListServices(_ context.Context, sourceID string) ([]domain.Service, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	services := make([]domain.Service, 0, len(s.services))
	for _, svc := range s.services {
		if svc.SourceID == sourceID {
			services = append(services, svc)
		}
	}
	slices.SortFunc(services, func(a, b domain.Service) int {
		return cmpString(a.Name, b.Name)
	})
	return services, nil
}

func (s *Store) CreateConsignment(_ context.Context, consignment domain.Consignment) (*domain.Consignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	consignment.Name = strings.TrimSpace(consignment.Name)
	if consignment.Name == "" || consignment.SourceID == "" || consignment.Quantity < 1 || consignment.Price.IsNegative() {
		return nil, store.ErrInvalidTransaction
	}
	if consignment.ID == "" {
		consignment.ID = xid.New("csg")
	}
	if consignment.ReceivedAt.IsZero() {
		consignment.ReceivedAt = time.Now().UTC()
	}
	s.consignments[consignment.ID] = consignment
	saved := consignment
	return &saved, nil
}

func (s *Store) GetConsignment(_ context.Context, id string) (*domain.Consignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	consignment, ok := s.consignments[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &consignment, nil
}

func (s *Store) ListConsignments(_ context.Context, sourceID string) ([]domain.Consignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	consignments := make([]domain.Consignment, 0, len(s.consignments))
	for _, consignment := range s.consignments {
		if consignment.SourceID == sourceID {
			consignments = append(consignments, consignment)
		}
	}
	slices.SortFunc(consignments, func(a, b domain.Consignment) int {
		return cmpTimeDesc(a.ReceivedAt, b.ReceivedAt)
	})
	return consignments, nil
}

func (s *Store) ReturnConsignment(_ context.Context, id string, qty int, movement *domain.StockMovement) (*domain.Consignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	consignment, ok := s.consignments[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if qty < 1 || qty > consignment.Remaining() {
		return nil, store.ErrInvalidTransaction
	}
	if movement != nil {
		if _, _, err := s.applyMovementLocked(*movement, false); err != nil {
			return nil, err
		}
	}
	consignment.Returned += qty
	s.consignments[id] = consignment
	return &consignment, nil
}

func (s *Store) CreateCategory(_ context.Context, category domain.Category) (*domain.Category, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	category.Name = strings.TrimSpace(category.Name)
	if category.Name == "" || category.SourceID == "" {
		return nil, store.ErrInvalidTransaction
	}
	if category.ParentID != "" {
		if _, ok := s.categories[category.ParentID]; !ok {
			return nil, store.ErrNotFound
		}
	}
	if category.ID == "" {
		category.ID = xid.New("cat")
	}
	if category.CreatedAt.IsZero() {
		category.CreatedAt = time.Now().UTC()
	}
	s.categories[category.ID] = category
	saved := category
	return &saved, nil
}

func (s *Store) GetCategory(_ context.Context, id string) (*domain.Category, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	category, ok := s.categories[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &category, nil
}

func (s *Store) ListCategories(_ context.Context, sourceID string, categoryType string) ([]domain.Category, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	categories := make([]domain.Category, 0, len(s.categories))
	for _, category := range s.categories {
		if category.SourceID != sourceID {
			continue
		}
		if categoryType != "" && category.Type != categoryType {
			continue
		}
		categories = append(categories, category)
	}
	slices.SortFunc(categories, func(a, b domain.Category) int {
		return cmpString(a.Name, b.Name)
	})
	return categories, nil
}

func (s *Store) CreatePayer(_ context.Context, payer domain.Payer) (*domain.Payer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	payer.Name = strings.TrimSpace(payer.Name)
	if payer.Name == "" {
		return nil, store.ErrInvalidTransaction
	}
	if payer.ID == "" {
		payer.ID = xid.New("pyr")
	}
	if payer.CreatedAt.IsZero() {
		payer.CreatedAt = time.Now().UTC()
	}
	s.payers[payer.ID] = payer
	saved := payer
	return &saved, nil
}

func (s *Store) GetPayer(_ context.Context, id string) (*domain.Payer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	payer, ok := s.payers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &payer, nil
}

func (s *Store) ListPayers(_ context.Context) ([]domain.Payer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	payers := make([]domain.Payer, 0, len(s.payers))
	for _, payer := range s.payers {
		payers = append(payers, payer)
	}
	slices.SortFunc(payers, func(a, b domain.Payer) int {
		return cmpString(a.Name, b.Name)
	})
	return payers, nil
}

func (s *Store) UpsertPayerSetting(_ context.Context, setting domain.PayerSetting) (*domain.PayerSetting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.payers[setting.PayerID]; !ok {
		return nil, store.ErrNotFound
	}
	if _, ok := s.sources[setting.SourceID]; !ok {
		return nil, store.ErrNotFound
	}
	if setting.CreditDays < 0 {
		return nil, store.ErrInvalidTransaction
	}
	setting.UpdatedAt = time.Now().UTC()
	if s.payerSettings[setting.SourceID] == nil {
		s.payerSettings[setting.SourceID] = make(map[string]domain.PayerSetting)
	}
	s.payerSettings[setting.SourceID][setting.PayerID] = setting
	saved := setting
	return &saved, nil
}

func (s *Store) ListPayerSettings(_ context.Context, sourceID string) ([]domain.PayerSetting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	settings := make([]domain.PayerSetting, 0, len(s.payerSettings[sourceID]))
	for _, setting := range s.payerSettings[sourceID] {
		settings = append(settings, setting)
	}
	slices.SortFunc(settings, func(a, b domain.PayerSetting) int {
		return cmpString(a.PayerID, b.PayerID)
	})
	return settings, nil
}

func (s *Store) CreateSupplier(_ context.Context, supplier domain.Supplier) (*domain.Supplier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	supplier.Name = strings.TrimSpace(supplier.Name)
	if supplier.Name == "" || supplier.SourceID == "" {
		return nil, store.ErrInvalidTransaction
	}
	if supplier.ID == "" {
		supplier.ID = xid.New("sup")
	}
	if supplier.CreatedAt.IsZero() {
		supplier.CreatedAt = time.Now().UTC()
	}

	s.suppliers[supplier.ID] = supplier
	copySupplier := supplier
	return &copySupplier, nil
}

func (s *Store) ListSuppliers(_ context.Context, sourceID string) ([]domain.Supplier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	suppliers := make([]domain.Supplier, 0, len(s.suppliers))
	for _, supplier := range s.suppliers {
		if supplier.SourceID == sourceID {
			suppliers = append(suppliers, supplier)
		}
	}
	slices.SortFunc(suppliers, func(a, b domain.Supplier) int {
		return cmpString(a.Name, b.Name)
	})
	return suppliers, nil
}

func (s *Store) CreateTransaction(_ context.Context, tx domain.Transaction) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tx.SourceID == "" || !tx.Amount.IsPositive() {
		return nil, store.ErrInvalidTransaction
	}
	if err := s.requireActiveSessionLocked(tx.SessionID, tx.SourceID); err != nil {
		return nil, err
	}
	if tx.ID == "" {
		tx.ID = xid.New("trx")
	}
	now := time.Now().UTC()
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = now
	}
	if tx.OccurredAt.IsZero() {
		tx.OccurredAt = now
	}
	s.transactions = append(s.transactions, tx)
	saved := tx
	return &saved, nil
}

func (s *Store) ListTransactions(_ context.Context, filter domain.TransactionFilter) ([]domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	txs := make([]domain.Transaction, 0, 32)
	for _, tx := range s.transactions {
		if filter.SourceID != "" && tx.SourceID != filter.SourceID {
			continue
		}
		if filter.SessionID != "" && tx.SessionID != filter.SessionID {
			continue
		}
		if filter.Type != "" && tx.Type != filter.Type {
			continue
		}
		if !inRange(tx.OccurredAt, filter.From, filter.To) {
			continue
		}
		txs = append(txs, tx)
	}
	slices.SortFunc(txs, func(a, b domain.Transaction) int {
		return cmpTimeDesc(a.OccurredAt, b.OccurredAt)
	})
	return truncate(txs, filter.Limit), nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, sourceID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	logs := make([]domain.AuditLog, 0, 32)
	for i := len(s.auditLogs) - 1; i >= 0; i-- {
		entry := s.auditLogs[i]
		if entry.SourceID != sourceID || !inRange(entry.CreatedAt, from, to) {
			continue
		}
		logs = append(logs, entry)
	}
	return truncate(logs, limit), nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidTransaction
	}
	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrConflict
	}
	user.Username = username
	if user.Role == "" {
		user.Role = domain.RoleUser
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return cmpString(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidTransaction
	}
	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func (s *Store) UpdateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	existing, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	existing.Role = user.Role
	existing.Active = user.Active
	s.usersByUsername[username] = existing
	return nil
}

// requireActiveSessionLocked accepts an empty session id, since sessionless
// rows are allowed.
func (s *Store) requireActiveSessionLocked(sessionID string, sourceID string) error {
	if sessionID == "" {
		return nil
	}
	session, ok := s.sessions[sessionID]
	if !ok || session.SourceID != sourceID || session.Status != domain.SessionStatusActive {
		return fmt.Errorf("session %s: %w", sessionID, store.ErrSessionNotActive)
	}
	return nil
}

func idemKey(sourceID string, key string) string {
	return sourceID + "\x00" + key
}

func applyTotals(session *domain.Session, totals domain.SessionTotals) {
	session.TotalCash = totals.TotalCash
	session.TotalTransfer = totals.TotalTransfer
	session.TotalSales = totals.TotalSales
	session.TotalExpenses = totals.TotalExpenses
}

func inRange(t time.Time, from time.Time, to time.Time) bool {
	if !from.IsZero() && t.Before(from) {
		return false
	}
	if !to.IsZero() && !t.Before(to) {
		return false
	}
	return true
}

func truncate[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}

func cmpString(a string, b string) int {
	if a == b {
		return 0
	}
	if a < b {
		return -1
	}
	return 1
}

func cmpTimeDesc(a time.Time, b time.Time) int {
	return b.Compare(a)
}

func cloneBill(src domain.Bill) domain.Bill {
	dst := src
	dst.Items = slices.Clone(src.Items)
	return dst
}

func cloneProduct(src domain.Product) domain.Product {
	dst := src
	dst.Recipe = slices.Clone(src.Recipe)
	return dst
}
