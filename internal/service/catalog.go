package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"kasirbuku/backend/internal/domain"
	"kasirbuku/backend/internal/realtime"
	"kasirbuku/backend/internal/store"
	"kasirbuku/backend/internal/xid"
)

// Payers are shared across sources; credit terms are per source.

func (s *Service) ListPayers(ctx context.Context) ([]domain.Payer, error) {
	if _, err := requireActor(ctx); err != nil {
		return nil, err
	}
	return s.repo.ListPayers(ctx)
}

func (s *Service) CreatePayer(ctx context.Context, req domain.PayerCreateRequest) (*domain.Payer, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, invalid("name", "required")
	}
	payer, err := s.repo.CreatePayer(ctx, domain.Payer{
		ID:        xid.New("pyr"),
		Name:      name,
		Phone:     strings.TrimSpace(req.Phone),
		CreatedBy: actor.Username,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, "", "payer_create", "payer", payer.ID, "name="+payer.Name)
	s.publish(ctx, realtime.TablePayers, realtime.ActionInsert, payer.ID, "", "")
	return payer, nil
}

func (s *Service) SetPayerCreditDays(ctx context.Context, sourceID string, req domain.PayerSettingRequest) (*domain.PayerSetting, error) {
	if _, err := s.authorize(ctx, sourceID, true); err != nil {
		return nil, err
	}
	if req.CreditDays < 0 {
		return nil, invalid("credit_days", "must not be negative")
	}
	if strings.TrimSpace(req.PayerID) == "" {
		return nil, invalid("payer_id", "required")
	}
	setting, err := s.repo.UpsertPayerSetting(ctx, domain.PayerSetting{
		PayerID:    strings.TrimSpace(req.PayerID),
		SourceID:   sourceID,
		CreditDays: req.CreditDays,
	})
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, sourceID, "payer_credit_days", "payer", setting.PayerID, fmt.Sprintf("days=%d", setting.CreditDays))
	s.publish(ctx, realtime.TablePayers, realtime.ActionUpdate, setting.PayerID, sourceID, "")
	return setting, nil
}

func (s *Service) ListPayerSettings(ctx context.Context, sourceID string) ([]domain.PayerSetting, error) {
	if _, err := s.authorize(ctx, sourceID, false); err != nil {
		return nil, err
	}
	return s.repo.ListPayerSettings(ctx, sourceID)
}

func (s *Service) ListCategories(ctx context.Context, sourceID string, categoryType string) ([]domain.Category, error) {
	if _, err := s.authorize(ctx, sourceID, false); err != nil {
		return nil, err
	}
	if categoryType != "" && !isCategoryType(categoryType) {
		return nil, invalid("type", "must be income, expense or product")
	}
	return s.repo.ListCategories(ctx, sourceID, categoryType)
}

// CreateCategory creates a subcategory when ParentID is set. The parent must
// live in the same source and have the same type.
func (s *Service) CreateCategory(ctx context.Context, sourceID string, req domain.CategoryCreateRequest) (*domain.Category, error) {
	if _, err := s.authorize(ctx, sourceID, true); err != nil {
		return nil, err
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, invalid("name", "required")
	}
	if !isCategoryType(req.Type) {
		return nil, invalid("type", "must be income, expense or product")
	}
	if req.ParentID != "" {
		parent, err := s.repo.GetCategory(ctx, req.ParentID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, invalid("parent_id", "unknown category")
			}
			return nil, err
		}
		if parent.SourceID != sourceID || parent.Type != req.Type {
			return nil, invalid("parent_id", "parent must share source and type")
		}
		if parent.ParentID != "" {
			return nil, invalid("parent_id", "subcategories cannot be nested")
		}
	}

	category, err := s.repo.CreateCategory(ctx, domain.Category{
		ID:        xid.New("cat"),
		SourceID:  sourceID,
		Name:      name,
		Type:      req.Type,
		ParentID:  req.ParentID,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, sourceID, "category_create", "category", category.ID, fmt.Sprintf("name=%s,type=%s,parent=%s", category.Name, category.Type, category.ParentID))
	s.publish(ctx, realtime.TableCategories, realtime.ActionInsert, category.ID, sourceID, "")
	return category, nil
}

func (s *Service) ListProducts(ctx context.Context, sourceID string) ([]domain.Product, error) {
	if _, err := s.authorize(ctx, sourceID, false); err != nil {
		return nil, err
	}
	return s.repo.ListProducts(ctx, sourceID)
}

func (s *Service) GetProduct(ctx context.Context, productID string) (*domain.Product, error) {
	product, err := s.repo.GetProduct(ctx, productID)
	if err != nil {
		return nil, err
	}
	if _, err := s.authorize(ctx, product.SourceID, false); err != nil {
		return nil, err
	}
	return product, nil
}

// CreateProduct starts the product at zero stock and books any initial stock
// as a purchase movement.
func (s *Service) CreateProduct(ctx context.Context, sourceID string, req domain.ProductCreateRequest) (*domain.Product, error) {
	actor, err := s.authorize(ctx, sourceID, true)
	if err != nil {
		return nil, err
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, invalid("name", "required")
	}
	if req.Price.IsNegative() {
		return nil, invalid("price", "must not be negative")
	}
	if req.PurchaseCost.IsNegative() {
		return nil, invalid("purchase_cost", "must not be negative")
	}
	if req.InitialStock < 0 {
		return nil, invalid("initial_stock", "must not be negative")
	}
	if err := s.checkCategoryRefs(ctx, sourceID, req.CategoryID, req.SubcategoryID); err != nil {
		return nil, err
	}
	if err := validateRecipe(req.Recipe); err != nil {
		return nil, err
	}

	product, err := s.repo.CreateProduct(ctx, domain.Product{
		ID:            xid.New("prd"),
		SourceID:      sourceID,
		Name:          name,
		Price:         req.Price,
		PurchaseCost:  req.PurchaseCost,
		CategoryID:    req.CategoryID,
		SubcategoryID: req.SubcategoryID,
		Recipe:        req.Recipe,
	})
	if err != nil {
		return nil, err
	}

	if req.InitialStock > 0 {
		updated, movement, err := s.repo.ApplyStockChange(ctx, domain.StockChange{
			Movement: domain.StockMovement{
				ID:           xid.New("mov"),
				ProductID:    product.ID,
				Quantity:     req.InitialStock,
				MovementType: domain.MovementPurchase,
				UnitCost:     req.PurchaseCost,
				Notes:        "stok awal",
				CreatedBy:    actor.Username,
				CreatedAt:    time.Now().UTC(),
			},
		})
		if err != nil {
			return nil, fmt.Errorf("initial stock for %s: %w", product.ID, err)
		}
		product = updated
		s.publish(ctx, realtime.TableStockMovements, realtime.ActionInsert, movement.ID, sourceID, "")
	}

	s.logAudit(ctx, sourceID, "product_create", "product", product.ID, fmt.Sprintf("name=%s,price=%s,stock=%d", product.Name, product.Price, product.CurrentStock))
	s.publish(ctx, realtime.TableProducts, realtime.ActionInsert, product.ID, sourceID, "")
	return product, nil
}

// UpdateProduct edits catalog fields. Stock only changes through movements.
func (s *Service) UpdateProduct(ctx context.Context, productID string, req domain.ProductUpdateRequest) (*domain.Product, error) {
	product, err := s.repo.GetProduct(ctx, productID)
	if err != nil {
		return nil, err
	}
	if _, err := s.authorize(ctx, product.SourceID, true); err != nil {
		return nil, err
	}

	next := *product
	if req.Name != nil {
		next.Name = strings.TrimSpace(*req.Name)
		if next.Name == "" {
			return nil, invalid("name", "required")
		}
	}
	if req.Price != nil {
		if req.Price.IsNegative() {
			return nil, invalid("price", "must not be negative")
		}
		next.Price = *req.Price
	}
	if req.PurchaseCost != nil {
		if req.PurchaseCost.IsNegative() {
			return nil, invalid("purchase_cost", "must not be negative")
		}
		next.PurchaseCost = *req.PurchaseCost
	}
	if req.CategoryID != nil {
		next.CategoryID = *req.CategoryID
	}
	if req.SubcategoryID != nil {
		next.SubcategoryID = *req.SubcategoryID
	}
	if req.Recipe != nil {
		if err := validateRecipe(*req.Recipe); err != nil {
			return nil, err
		}
		next.Recipe = *req.Recipe
	}
	if req.Active != nil {
		next.Active = *req.Active
	}
	if err := s.checkCategoryRefs(ctx, product.SourceID, next.CategoryID, next.SubcategoryID); err != nil {
		return nil, err
	}

	updated, err := s.repo.UpdateProduct(ctx, next)
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, updated.SourceID, "product_update", "product", updated.ID, fmt.Sprintf("price=%s->%s,active=%t", product.Price, updated.Price, updated.Active))
	s.publish(ctx, realtime.TableProducts, realtime.ActionUpdate, updated.ID, updated.SourceID, "")
	return updated, nil
}

// ReceiveStock books incoming goods, reprices the product at the weighted
// average cost and, when asked, records the purchase as an expense on the
// active session.
func (s *Service) ReceiveStock(ctx context.Context, productID string, req domain.StockReceiveRequest) (domain.StockChangeResponse, error) {
	product, err := s.repo.GetProduct(ctx, productID)
	if err != nil {
		return domain.StockChangeResponse{}, err
	}
	actor, err := s.authorize(ctx, product.SourceID, true)
	if err != nil {
		return domain.StockChangeResponse{}, err
	}
	if req.Quantity < 1 {
		return domain.StockChangeResponse{}, invalid("quantity", "must be at least 1")
	}
	if req.UnitCost.IsNegative() {
		return domain.StockChangeResponse{}, invalid("unit_cost", "must not be negative")
	}

	now := time.Now().UTC()
	change := domain.StockChange{
		Movement: domain.StockMovement{
			ID:           xid.New("mov"),
			ProductID:    productID,
			Quantity:     req.Quantity,
			MovementType: domain.MovementPurchase,
			UnitCost:     req.UnitCost,
			Notes:        strings.TrimSpace(req.Notes),
			CreatedBy:    actor.Username,
			CreatedAt:    now,
		},
		Reprice: true,
	}

	cost := req.UnitCost.Mul(decimal.NewFromInt(int64(req.Quantity)))
	var sessionID string
	var updated *domain.Product
	var movement *domain.StockMovement
	if req.RecordExpense && cost.IsPositive() {
		err = s.withActiveSession(ctx, product.SourceID, func(activeID string) error {
			sessionID = activeID
			change.Expense = &domain.Transaction{
				ID:          xid.New("trx"),
				SourceID:    product.SourceID,
				SessionID:   activeID,
				Amount:      cost,
				Type:        domain.TransactionExpense,
				CategoryID:  req.CategoryID,
				Description: fmt.Sprintf("Pembelian stok %s x%d", product.Name, req.Quantity),
				CreatedBy:   actor.Username,
				OccurredAt:  now,
				CreatedAt:   now,
			}
			var applyErr error
			updated, movement, applyErr = s.repo.ApplyStockChange(ctx, change)
			return applyErr
		})
	} else {
		updated, movement, err = s.repo.ApplyStockChange(ctx, change)
	}
	if err != nil {
		return domain.StockChangeResponse{}, err
	}

	s.logAudit(ctx, updated.SourceID, "stock_receive", "product", updated.ID,
		fmt.Sprintf("qty=%d,unit_cost=%s,stock=%d,expense=%t", req.Quantity, req.UnitCost, updated.CurrentStock, change.Expense != nil))
	s.publish(ctx, realtime.TableProducts, realtime.ActionUpdate, updated.ID, updated.SourceID, "")
	s.publish(ctx, realtime.TableStockMovements, realtime.ActionInsert, movement.ID, updated.SourceID, "")
	if change.Expense != nil {
		s.invalidateTotals(ctx, sessionID)
		s.publish(ctx, realtime.TableTransactions, realtime.ActionInsert, change.Expense.ID, updated.SourceID, sessionID)
	}
	return domain.StockChangeResponse{Product: *updated, Movement: *movement, Expense: change.Expense}, nil
}

// AdjustStock applies a signed correction. Stock never goes below zero.
func (s *Service) AdjustStock(ctx context.Context, productID string, req domain.StockAdjustRequest) (domain.StockChangeResponse, error) {
	product, err := s.repo.GetProduct(ctx, productID)
	if err != nil {
		return domain.StockChangeResponse{}, err
	}
	actor, err := s.authorize(ctx, product.SourceID, true)
	if err != nil {
		return domain.StockChangeResponse{}, err
	}
	if req.Delta == 0 {
		return domain.StockChangeResponse{}, invalid("delta", "must not be zero")
	}
	notes := strings.TrimSpace(req.Notes)
	if notes == "" {
		return domain.StockChangeResponse{}, invalid("notes", "a reason is required")
	}

	updated, movement, err := s.repo.ApplyStockChange(ctx, domain.StockChange{
		Movement: domain.StockMovement{
			ID:           xid.New("mov"),
			ProductID:    productID,
			Quantity:     req.Delta,
			MovementType: domain.MovementAdjustment,
			UnitCost:     product.PurchaseCost,
			Notes:        notes,
			CreatedBy:    actor.Username,
			CreatedAt:    time.Now().UTC(),
		},
	})
	if err != nil {
		return domain.StockChangeResponse{}, err
	}
	s.logAudit(ctx, updated.SourceID, "stock_adjust", "product", updated.ID, fmt.Sprintf("delta=%d,stock=%d,notes=%s", req.Delta, updated.CurrentStock, notes))
	s.publish(ctx, realtime.TableProducts, realtime.ActionUpdate, updated.ID, updated.SourceID, "")
	s.publish(ctx, realtime.TableStockMovements, realtime.ActionInsert, movement.ID, updated.SourceID, "")
	return domain.StockChangeResponse{Product: *updated, Movement: *movement}, nil
}

func (s *Service) ListStockMovements(ctx context.Context, productID string, limit int) ([]domain.StockMovement, error) {
	if _, err := s.GetProduct(ctx, productID); err != nil {
		return nil, err
	}
	return s.repo.ListStockMovements(ctx, productID, clampLimit(limit, 50, 500))
}

func (s *Service) ListServices(ctx context.Context, sourceID string) ([]domain.Service, error) {
	if _, err := s.authorize(ctx, sourceID, false); err != nil {
		return nil, err
	}
	return s.repo.ListServices(ctx, sourceID)
}

func (s *Service) CreateService(ctx context.Context, sourceID string, req domain.ServiceCreateRequest) (*domain.Service, error) {
	if _, err := s.authorize(ctx, sourceID, true); err != nil {
		return nil, err
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, invalid("name", "required")
	}
	if req.Price.IsNegative() {
		return nil, invalid("price", "must not be negative")
	}
	if err := s.checkCategoryRefs(ctx, sourceID, req.CategoryID, ""); err != nil {
		return nil, err
	}
	svc, err := s.repo.CreateService(ctx, domain.Service{
		ID:         xid.New("svc"),
		SourceID:   sourceID,
		Name:       name,
		Price:      req.Price,
		CategoryID: req.CategoryID,
		CreatedAt:  time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, sourceID, "service_create", "service", svc.ID, fmt.Sprintf("name=%s,price=%s", svc.Name, svc.Price))
	s.publish(ctx, realtime.TableServices, realtime.ActionInsert, svc.ID, sourceID, "")
	return svc, nil
}

func (s *Service) ListConsignments(ctx context.Context, sourceID string) ([]domain.Consignment, error) {
	if _, err := s.authorize(ctx, sourceID, false); err != nil {
		return nil, err
	}
	return s.repo.ListConsignments(ctx, sourceID)
}

// CreateConsignment records goods left on commission. When linked to a
// product the quantity goes onto its stock at zero cost.
func (s *Service) CreateConsignment(ctx context.Context, sourceID string, req domain.ConsignmentCreateRequest) (*domain.Consignment, error) {
	actor, err := s.authorize(ctx, sourceID, true)
	if err != nil {
		return nil, err
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, invalid("name", "required")
	}
	if req.Quantity < 1 {
		return nil, invalid("quantity", "must be at least 1")
	}
	if req.Price.IsNegative() {
		return nil, invalid("price", "must not be negative")
	}
	if req.ProductID != "" {
		product, err := s.repo.GetProduct(ctx, req.ProductID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, invalid("product_id", "unknown product")
			}
			return nil, err
		}
		if product.SourceID != sourceID {
			return nil, invalid("product_id", "product belongs to another source")
		}
	}

	now := time.Now().UTC()
	consignment, err := s.repo.CreateConsignment(ctx, domain.Consignment{
		ID:         xid.New("csg"),
		SourceID:   sourceID,
		SupplierID: strings.TrimSpace(req.SupplierID),
		ProductID:  req.ProductID,
		Name:       name,
		Price:      req.Price,
		Quantity:   req.Quantity,
		ReceivedAt: now,
	})
	if err != nil {
		return nil, err
	}

	if consignment.ProductID != "" {
		_, movement, err := s.repo.ApplyStockChange(ctx, domain.StockChange{
			Movement: domain.StockMovement{
				ID:           xid.New("mov"),
				ProductID:    consignment.ProductID,
				Quantity:     consignment.Quantity,
				MovementType: domain.MovementPurchase,
				UnitCost:     decimal.Zero,
				ReferenceID:  consignment.ID,
				Notes:        "titipan",
				CreatedBy:    actor.Username,
				CreatedAt:    now,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("consignment %s stock: %w", consignment.ID, err)
		}
		s.publish(ctx, realtime.TableProducts, realtime.ActionUpdate, consignment.ProductID, sourceID, "")
		s.publish(ctx, realtime.TableStockMovements, realtime.ActionInsert, movement.ID, sourceID, "")
	}

	s.logAudit(ctx, sourceID, "consignment_create", "consignment", consignment.ID, fmt.Sprintf("name=%s,qty=%d,product=%s", consignment.Name, consignment.Quantity, consignment.ProductID))
	s.publish(ctx, realtime.TableConsignments, realtime.ActionInsert, consignment.ID, sourceID, "")
	return consignment, nil
}

// ReturnConsignment hands unsold goods back to the supplier.
func (s *Service) ReturnConsignment(ctx context.Context, consignmentID string, req domain.ConsignmentReturnRequest) (*domain.Consignment, error) {
	consignment, err := s.repo.GetConsignment(ctx, consignmentID)
	if err != nil {
		return nil, err
	}
	actor, err := s.authorize(ctx, consignment.SourceID, true)
	if err != nil {
		return nil, err
	}
	if req.Quantity < 1 {
		return nil, invalid("quantity", "must be at least 1")
	}
	if req.Quantity > consignment.Remaining() {
		return nil, invalid("quantity", fmt.Sprintf("only %d left to return", consignment.Remaining()))
	}

	var movement *domain.StockMovement
	if consignment.ProductID != "" {
		movement = &domain.StockMovement{
			ID:           xid.New("mov"),
			ProductID:    consignment.ProductID,
			Quantity:     -req.Quantity,
			MovementType: domain.MovementConsignmentReturn,
			ReferenceID:  consignment.ID,
			Notes:        strings.TrimSpace(req.Notes),
			CreatedBy:    actor.Username,
			CreatedAt:    time.Now().UTC(),
		}
	}

	updated, err := s.repo.ReturnConsignment(ctx, consignmentID, req.Quantity, movement)
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, updated.SourceID, "consignment_return", "consignment", updated.ID, fmt.Sprintf("qty=%d,returned=%d,remaining=%d", req.Quantity, updated.Returned, updated.Remaining()))
	s.publish(ctx, realtime.TableConsignments, realtime.ActionUpdate, updated.ID, updated.SourceID, "")
	if movement != nil {
		s.publish(ctx, realtime.TableProducts, realtime.ActionUpdate, movement.ProductID, updated.SourceID, "")
		s.publish(ctx, realtime.TableStockMovements, realtime.ActionInsert, movement.ID, updated.SourceID, "")
	}
	return updated, nil
}

func (s *Service) ListSuppliers(ctx context.Context, sourceID string) ([]domain.Supplier, error) {
	if _, err := s.authorize(ctx, sourceID, false); err != nil {
		return nil, err
	}
	return s.repo.ListSuppliers(ctx, sourceID)
}

func (s *Service) CreateSupplier(ctx context.Context, sourceID string, req domain.SupplierCreateRequest) (*domain.Supplier, error) {
	if _, err := s.authorize(ctx, sourceID, true); err != nil {
		return nil, err
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, invalid("name", "required")
	}
	supplier, err := s.repo.CreateSupplier(ctx, domain.Supplier{
		ID:        xid.New("sup"),
		SourceID:  sourceID,
		Name:      name,
		Phone:     strings.TrimSpace(req.Phone),
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, sourceID, "supplier_create", "supplier", supplier.ID, "name="+supplier.Name)
	s.publish(ctx, realtime.TableSuppliers, realtime.ActionInsert, supplier.ID, sourceID, "")
	return supplier, nil
}

func (s *Service) checkCategoryRefs(ctx context.Context, sourceID string, categoryID string, subcategoryID string) error {
	if categoryID != "" {
		category, err := s.repo.GetCategory(ctx, categoryID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return invalid("category_id", "unknown category")
			}
			return err
		}
		if category.SourceID != sourceID {
			return invalid("category_id", "category belongs to another source")
		}
	}
	if subcategoryID != "" {
		sub, err := s.repo.GetCategory(ctx, subcategoryID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return invalid("subcategory_id", "unknown category")
			}
			return err
		}
		if sub.SourceID != sourceID || sub.ParentID == "" || (categoryID != "" && sub.ParentID != categoryID) {
			return invalid("subcategory_id", "not a subcategory of category_id")
		}
	}
	return nil
}

func validateRecipe(recipe []domain.RecipeIngredient) error {
	for i, ingredient := range recipe {
		if strings.TrimSpace(ingredient.ProductID) == "" {
			return invalid(fmt.Sprintf("recipe[%d].product_id", i), "required")
		}
		if ingredient.Quantity < 1 {
			return invalid(fmt.Sprintf("recipe[%d].quantity", i), "must be at least 1")
		}
	}
	return nil
}

func isCategoryType(categoryType string) bool {
	switch categoryType {
	case domain.CategoryIncome, domain.CategoryExpense, domain.CategoryProduct:
		return true
	}
	return false
}
