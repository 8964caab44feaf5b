package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"kasirbuku/backend/internal/domain"
	"kasirbuku/backend/internal/pricing"
	"kasirbuku/backend/internal/store"
	"kasirbuku/backend/internal/xid"
)

const productColumns = `id, source_id, name, price, current_stock, purchase_cost,
	COALESCE(category_id, ''), COALESCE(subcategory_id, ''), recipe, active, created_at, updated_at`

const movementColumns = `id, product_id, source_id, quantity, movement_type, unit_cost,
	COALESCE(reference_id, ''), stock_after, COALESCE(notes, ''), created_by, created_at`

const transactionColumns = `id, source_id, COALESCE(session_id, ''), COALESCE(bill_id, ''), amount, type,
	COALESCE(category_id, ''), COALESCE(payer_id, ''), description, created_by, occurred_at, created_at`

func scanProduct(row rowScanner) (*domain.Product, error) {
	var p domain.Product
	var recipe []byte
	if err := row.Scan(&p.ID, &p.SourceID, &p.Name, &p.Price, &p.CurrentStock, &p.PurchaseCost,
		&p.CategoryID, &p.SubcategoryID, &recipe, &p.Active, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	if len(recipe) > 0 {
		if err := json.Unmarshal(recipe, &p.Recipe); err != nil {
			return nil, err
		}
	}
	return &p, nil
}

func encodeRecipe(recipe []domain.RecipeIngredient) (string, error) {
	if recipe == nil {
		recipe = []domain.RecipeIngredient{}
	}
	raw, err := json.Marshal(recipe)
	return string(raw), err
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	product.Name = strings.TrimSpace(product.Name)
	if product.Name == "" || product.SourceID == "" || product.Price.IsNegative() || product.CurrentStock < 0 {
		return nil, store.ErrInvalidTransaction
	}
	if product.ID == "" {
		product.ID = xid.New("prd")
	}
	recipe, err := encodeRecipe(product.Recipe)
	if err != nil {
		return nil, err
	}

	created, err := scanProduct(s.conn(ctx).QueryRowContext(ctx, `
		INSERT INTO products (id, source_id, name, price, current_stock, purchase_cost,
			category_id, subcategory_id, recipe, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,true,now(),now())
		RETURNING `+productColumns,
		product.ID, product.SourceID, product.Name, product.Price, product.CurrentStock, product.PurchaseCost,
		nullIfEmpty(product.CategoryID), nullIfEmpty(product.SubcategoryID), recipe))
	if err != nil {
		switch {
		case isUniqueViolation(err):
			return nil, store.ErrConflict
		case isForeignKeyViolation(err):
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return created, nil
}

func (s *Store) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	product, err := scanProduct(s.conn(ctx).QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return product, nil
}

func (s *Store) ListProducts(ctx context.Context, sourceID string) ([]domain.Product, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, `SELECT `+productColumns+` FROM products WHERE source_id = $1 ORDER BY name`, sourceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 64)
	for rows.Next() {
		product, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, *product)
	}
	return products, rows.Err()
}

// UpdateProduct never writes current_stock; stock only moves through movements.
func (s *Store) UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	recipe, err := encodeRecipe(product.Recipe)
	if err != nil {
		return nil, err
	}
	updated, err := scanProduct(s.conn(ctx).QueryRowContext(ctx, `
		UPDATE products
		SET name = $2, price = $3, purchase_cost = $4, category_id = $5, subcategory_id = $6,
			recipe = $7, active = $8, updated_at = now()
		WHERE id = $1
		RETURNING `+productColumns,
		product.ID, product.Name, product.Price, product.PurchaseCost,
		nullIfEmpty(product.CategoryID), nullIfEmpty(product.SubcategoryID), recipe, product.Active))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return updated, nil
}

func (s *Store) ApplyStockChange(ctx context.Context, change domain.StockChange) (*domain.Product, *domain.StockMovement, error) {
	var product *domain.Product
	var movement *domain.StockMovement
	err := s.RunInTx(ctx, func(ctx context.Context) error {
		if change.Expense != nil {
			if err := lockActiveSession(ctx, s.conn(ctx), change.Expense.SessionID, change.Expense.SourceID); err != nil {
				return err
			}
		}
		var err error
		product, movement, err = s.applyMovement(ctx, change.Movement, change.Reprice)
		if err != nil {
			return err
		}
		if change.Expense == nil {
			return nil
		}
		expense := *change.Expense
		if expense.ID == "" {
			expense.ID = xid.New("trx")
		}
		if expense.CreatedAt.IsZero() {
			expense.CreatedAt = movement.CreatedAt
		}
		if expense.OccurredAt.IsZero() {
			expense.OccurredAt = movement.CreatedAt
		}
		return insertTransaction(ctx, s.conn(ctx), expense)
	})
	if err != nil {
		return nil, nil, err
	}
	return product, movement, nil
}

// applyMovement locks the product row, applies the delta and records the
// movement. Must run inside RunInTx.
func (s *Store) applyMovement(ctx context.Context, movement domain.StockMovement, reprice bool) (*domain.Product, *domain.StockMovement, error) {
	if movement.ProductID == "" || movement.Quantity == 0 {
		return nil, nil, store.ErrInvalidTransaction
	}
	q := s.conn(ctx)

	var current int
	var cost decimal.Decimal
	var sourceID string
	err := q.QueryRowContext(ctx, `
		SELECT current_stock, purchase_cost, source_id FROM products WHERE id = $1 FOR UPDATE
	`, movement.ProductID).Scan(&current, &cost, &sourceID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, store.ErrNotFound
		}
		return nil, nil, err
	}

	next := current + movement.Quantity
	if next < 0 {
		return nil, nil, store.ErrInsufficientStock
	}
	if reprice && movement.Quantity > 0 {
		cost = pricing.WeightedCost(cost, current, movement.UnitCost, movement.Quantity)
	}
	if movement.ID == "" {
		movement.ID = xid.New("mov")
	}
	if movement.CreatedAt.IsZero() {
		movement.CreatedAt = time.Now().UTC()
	}
	movement.SourceID = sourceID
	movement.StockAfter = next

	product, err := scanProduct(q.QueryRowContext(ctx, `
		UPDATE products SET current_stock = $2, purchase_cost = $3, updated_at = $4
		WHERE id = $1
		RETURNING `+productColumns, movement.ProductID, next, cost, movement.CreatedAt))
	if err != nil {
		return nil, nil, err
	}
	if err := insertMovement(ctx, q, movement); err != nil {
		return nil, nil, err
	}
	return product, &movement, nil
}

func insertMovement(ctx context.Context, q queryer, m domain.StockMovement) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO stock_movements (id, product_id, source_id, quantity, movement_type, unit_cost,
			reference_id, stock_after, notes, created_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, m.ID, m.ProductID, m.SourceID, m.Quantity, m.MovementType, m.UnitCost,
		nullIfEmpty(m.ReferenceID), m.StockAfter, nullIfEmpty(m.Notes), m.CreatedBy, m.CreatedAt)
	return err
}

func (s *Store) ListStockMovements(ctx context.Context, productID string, limit int) ([]domain.StockMovement, error) {
	w := &where{}
	w.add("product_id = $%d", productID)
	query := `SELECT ` + movementColumns + ` FROM stock_movements` + w.String() + ` ORDER BY created_at DESC, id DESC` + w.limit(limit)
	return s.queryMovements(ctx, query, w.args...)
}

func (s *Store) queryMovements(ctx context.Context, query string, args ...any) ([]domain.StockMovement, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	movements := make([]domain.StockMovement, 0, 16)
	for rows.Next() {
		var m domain.StockMovement
		if err := rows.Scan(&m.ID, &m.ProductID, &m.SourceID, &m.Quantity, &m.MovementType, &m.UnitCost,
			&m.ReferenceID, &m.StockAfter, &m.Notes, &m.CreatedBy, &m.CreatedAt); err != nil {
			return nil, err
		}
		movements = append(movements, m)
	}
	return movements, rows.Err()
}

func (s *Store) CreateService(ctx context.Context, svc domain.Service) (*domain.Service, error) {
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
	_, err := s.conn(ctx).ExecContext(ctx, `
		INSERT INTO services (id, source_id, name, price, category_id, active, created_at)
		VALUES ($1,$2,$3,$4,$5,true,$6)
	`, svc.ID, svc.SourceID, svc.Name, svc.Price, nullIfEmpty(svc.CategoryID), svc.CreatedAt)
	if isForeignKeyViolation(err) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &svc, nil
}

func (s *Store) ListServices(ctx context.Context, sourceID string) ([]domain.Service, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, `
		SELECT id, source_id, name, price, COALESCE(category_id, ''), active, created_at
		FROM services WHERE source_id = $1 ORDER BY name
	`, sourceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	services := make([]domain.Service, 0, 16)
	for rows.Next() {
		var svc domain.Service
		if err := rows.Scan(&svc.ID, &svc.SourceID, &svc.Name, &svc.Price, &svc.CategoryID, &svc.Active, &svc.CreatedAt); err != nil {
			return nil, err
		}
		services = append(services, svc)
	}
	return services, rows.Err()
}

const consignmentColumns = `id, source_id, COALESCE(supplier_id, ''), COALESCE(product_id, ''), name, price,
	quantity, sold, returned, received_at`

func scanConsignment(row rowScanner) (*domain.Consignment, error) {
	var c domain.Consignment
	if err := row.Scan(&c.ID, &c.SourceID, &c.SupplierID, &c.ProductID, &c.Name, &c.Price,
		&c.Quantity, &c.Sold, &c.Returned, &c.ReceivedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) CreateConsignment(ctx context.Context, consignment domain.Consignment) (*domain.Consignment, error) {
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
	created, err := scanConsignment(s.conn(ctx).QueryRowContext(ctx, `
		INSERT INTO consignments (id, source_id, supplier_id, product_id, name, price, quantity, sold, returned, received_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,0,0,$8)
		RETURNING `+consignmentColumns,
		consignment.ID, consignment.SourceID, nullIfEmpty(consignment.SupplierID), nullIfEmpty(consignment.ProductID),
		consignment.Name, consignment.Price, consignment.Quantity, consignment.ReceivedAt))
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return created, nil
}

func (s *Store) GetConsignment(ctx context.Context, id string) (*domain.Consignment, error) {
	consignment, err := scanConsignment(s.conn(ctx).QueryRowContext(ctx, `SELECT `+consignmentColumns+` FROM consignments WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return consignment, nil
}

func (s *Store) ListConsignments(ctx context.Context, sourceID string) ([]domain.Consignment, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, `
		SELECT `+consignmentColumns+` FROM consignments WHERE source_id = $1 ORDER BY received_at DESC
	`, sourceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	consignments := make([]domain.Consignment, 0, 16)
	for rows.Next() {
		consignment, err := scanConsignment(rows)
		if err != nil {
			return nil, err
		}
		consignments = append(consignments, *consignment)
	}
	return consignments, rows.Err()
}

// ReturnConsignment bumps the returned count only while enough units remain,
// and applies the optional stock movement in the same transaction.
func (s *Store) ReturnConsignment(ctx context.Context, id string, qty int, movement *domain.StockMovement) (*domain.Consignment, error) {
	if qty < 1 {
		return nil, store.ErrInvalidTransaction
	}
	var updated *domain.Consignment
	err := s.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		updated, err = scanConsignment(s.conn(ctx).QueryRowContext(ctx, `
			UPDATE consignments SET returned = returned + $2
			WHERE id = $1 AND quantity - sold - returned >= $2
			RETURNING `+consignmentColumns, id, qty))
		if errors.Is(err, sql.ErrNoRows) {
			if _, lookupErr := s.GetConsignment(ctx, id); lookupErr != nil {
				return lookupErr
			}
			return store.ErrInvalidTransaction
		}
		if err != nil {
			return err
		}
		if movement != nil {
			_, _, err = s.applyMovement(ctx, *movement, false)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *Store) CreateCategory(ctx context.Context, category domain.Category) (*domain.Category, error) {
	category.Name = strings.TrimSpace(category.Name)
	if category.Name == "" || category.SourceID == "" {
		return nil, store.ErrInvalidTransaction
	}
	if category.ID == "" {
		category.ID = xid.New("cat")
	}
	if category.CreatedAt.IsZero() {
		category.CreatedAt = time.Now().UTC()
	}
	_, err := s.conn(ctx).ExecContext(ctx, `
		INSERT INTO categories (id, source_id, name, type, parent_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, category.ID, category.SourceID, category.Name, category.Type, nullIfEmpty(category.ParentID), category.CreatedAt)
	if isForeignKeyViolation(err) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &category, nil
}

func (s *Store) GetCategory(ctx context.Context, id string) (*domain.Category, error) {
	var c domain.Category
	err := s.conn(ctx).QueryRowContext(ctx, `
		SELECT id, source_id, name, type, COALESCE(parent_id, ''), created_at FROM categories WHERE id = $1
	`, id).Scan(&c.ID, &c.SourceID, &c.Name, &c.Type, &c.ParentID, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (s *Store) ListCategories(ctx context.Context, sourceID string, categoryType string) ([]domain.Category, error) {
	w := &where{}
	w.add("source_id = $%d", sourceID)
	if categoryType != "" {
		w.add("type = $%d", categoryType)
	}
	rows, err := s.conn(ctx).QueryContext(ctx, `
		SELECT id, source_id, name, type, COALESCE(parent_id, ''), created_at
		FROM categories`+w.String()+` ORDER BY name`, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	categories := make([]domain.Category, 0, 16)
	for rows.Next() {
		var c domain.Category
		if err := rows.Scan(&c.ID, &c.SourceID, &c.Name, &c.Type, &c.ParentID, &c.CreatedAt); err != nil {
			return nil, err
		}
		categories = append(categories, c)
	}
	return categories, rows.Err()
}

func (s *Store) CreatePayer(ctx context.Context, payer domain.Payer) (*domain.Payer, error) {
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
	if _, err := s.conn(ctx).ExecContext(ctx, `
		INSERT INTO payers (id, name, phone, created_by, created_at) VALUES ($1,$2,$3,$4,$5)
	`, payer.ID, payer.Name, nullIfEmpty(payer.Phone), payer.CreatedBy, payer.CreatedAt); err != nil {
		return nil, err
	}
	return &payer, nil
}

func (s *Store) GetPayer(ctx context.Context, id string) (*domain.Payer, error) {
	var p domain.Payer
	err := s.conn(ctx).QueryRowContext(ctx, `
		SELECT id, name, COALESCE(phone, ''), created_by, created_at FROM payers WHERE id = $1
	`, id).Scan(&p.ID, &p.Name, &p.Phone, &p.CreatedBy, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *Store) ListPayers(ctx context.Context) ([]domain.Payer, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, `
		SELECT id, name, COALESCE(phone, ''), created_by, created_at FROM payers ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	payers := make([]domain.Payer, 0, 16)
	for rows.Next() {
		var p domain.Payer
		if err := rows.Scan(&p.ID, &p.Name, &p.Phone, &p.CreatedBy, &p.CreatedAt); err != nil {
			return nil, err
		}
		payers = append(payers, p)
	}
	return payers, rows.Err()
}

func (s *Store) UpsertPayerSetting(ctx context.Context, setting domain.PayerSetting) (*domain.PayerSetting, error) {
	if setting.CreditDays < 0 {
		return nil, store.ErrInvalidTransaction
	}
	setting.UpdatedAt = time.Now().UTC()
	_, err := s.conn(ctx).ExecContext(ctx, `
		INSERT INTO payer_settings (payer_id, source_id, credit_days, updated_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (payer_id, source_id)
		DO UPDATE SET credit_days = EXCLUDED.credit_days, updated_at = EXCLUDED.updated_at
	`, setting.PayerID, setting.SourceID, setting.CreditDays, setting.UpdatedAt)
	if isForeignKeyViolation(err) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &setting, nil
}

func (s *Store) ListPayerSettings(ctx context.Context, sourceID string) ([]domain.PayerSetting, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, `
		SELECT payer_id, source_id, credit_days, updated_at
		FROM payer_settings WHERE source_id = $1 ORDER BY payer_id
	`, sourceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	settings := make([]domain.PayerSetting, 0, 8)
	for rows.Next() {
		var ps domain.PayerSetting
		if err := rows.Scan(&ps.PayerID, &ps.SourceID, &ps.CreditDays, &ps.UpdatedAt); err != nil {
			return nil, err
		}
		settings = append(settings, ps)
	}
	return settings, rows.Err()
}

func (s *Store) CreateSupplier(ctx context.Context, supplier domain.Supplier) (*domain.Supplier, error) {
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
	_, err := s.conn(ctx).ExecContext(ctx, `
		INSERT INTO suppliers (id, source_id, name, phone, created_at) VALUES ($1,$2,$3,$4,$5)
	`, supplier.ID, supplier.SourceID, supplier.Name, nullIfEmpty(supplier.Phone), supplier.CreatedAt)
	if isForeignKeyViolation(err) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &supplier, nil
}

func (s *Store) ListSuppliers(ctx context.Context, sourceID string) ([]domain.Supplier, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, `
		SELECT id, source_id, name, COALESCE(phone, ''), created_at
		FROM suppliers WHERE source_id = $1 ORDER BY name
	`, sourceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	suppliers := make([]domain.Supplier, 0, 8)
	for rows.Next() {
		var sup domain.Supplier
		if err := rows.Scan(&sup.ID, &sup.SourceID, &sup.Name, &sup.Phone, &sup.CreatedAt); err != nil {
			return nil, err
		}
		suppliers = append(suppliers, sup)
	}
	return suppliers, rows.Err()
}

func (s *Store) CreateTransaction(ctx context.Context, tx domain.Transaction) (*domain.Transaction, error) {
	if tx.SourceID == "" || !tx.Amount.IsPositive() {
		return nil, store.ErrInvalidTransaction
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
	err := s.RunInTx(ctx, func(ctx context.Context) error {
		q := s.conn(ctx)
		if err := lockActiveSession(ctx, q, tx.SessionID, tx.SourceID); err != nil {
			return err
		}
		return insertTransaction(ctx, q, tx)
	})
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &tx, nil
}

func insertTransaction(ctx context.Context, q queryer, tx domain.Transaction) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO transactions (id, source_id, session_id, bill_id, amount, type,
			category_id, payer_id, description, created_by, occurred_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, tx.ID, tx.SourceID, nullIfEmpty(tx.SessionID), nullIfEmpty(tx.BillID), tx.Amount, tx.Type,
		nullIfEmpty(tx.CategoryID), nullIfEmpty(tx.PayerID), tx.Description, tx.CreatedBy, tx.OccurredAt, tx.CreatedAt)
	return err
}

func (s *Store) ListTransactions(ctx context.Context, filter domain.TransactionFilter) ([]domain.Transaction, error) {
	w := &where{}
	if filter.SourceID != "" {
		w.add("source_id = $%d", filter.SourceID)
	}
	if filter.SessionID != "" {
		w.add("session_id = $%d", filter.SessionID)
	}
	if filter.Type != "" {
		w.add("type = $%d", filter.Type)
	}
	w.between("occurred_at", filter.From, filter.To)
	query := `SELECT ` + transactionColumns + ` FROM transactions` + w.String() + ` ORDER BY occurred_at DESC, id DESC` + w.limit(filter.Limit)
	return s.queryTransactions(ctx, query, w.args...)
}

func (s *Store) queryTransactions(ctx context.Context, query string, args ...any) ([]domain.Transaction, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	txs := make([]domain.Transaction, 0, 32)
	for rows.Next() {
		var tx domain.Transaction
		if err := rows.Scan(&tx.ID, &tx.SourceID, &tx.SessionID, &tx.BillID, &tx.Amount, &tx.Type,
			&tx.CategoryID, &tx.PayerID, &tx.Description, &tx.CreatedBy, &tx.OccurredAt, &tx.CreatedAt); err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}
