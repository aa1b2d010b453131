// internal/domain/inventory/service.go
package inventory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/your-org/pharmacy-backend/internal/config"
	"github.com/your-org/pharmacy-backend/internal/domain/audit"
	"github.com/your-org/pharmacy-backend/internal/domain/events"
	"github.com/your-org/pharmacy-backend/internal/pkg/apperror"
	"github.com/your-org/pharmacy-backend/internal/pkg/metrics"
	"gorm.io/gorm"
)

const itemsTable = "items"

// Service is the inventory ledger. Every stock mutation goes through
// TryDecrement or Increment.
type Service struct {
	db                *gorm.DB
	audit             *audit.Service
	sink              events.Sink
	metrics           *metrics.Metrics
	logger            *logrus.Logger
	clock             clockwork.Clock
	validate          *validator.Validate
	lowStockThreshold int
	bulkMaxRows       int
}

// NewService creates a new inventory ledger
func NewService(db *gorm.DB, auditSvc *audit.Service, sink events.Sink, m *metrics.Metrics,
	logger *logrus.Logger, clock clockwork.Clock, cfg config.InventoryConfig) *Service {
	if sink == nil {
		sink = events.NoopSink{}
	}
	return &Service{
		db:                db,
		audit:             auditSvc,
		sink:              sink,
		metrics:           m,
		logger:            logger,
		clock:             clock,
		validate:          validator.New(),
		lowStockThreshold: cfg.LowStockThreshold,
		bulkMaxRows:       cfg.BulkMaxRows,
	}
}

// WithTx returns a ledger whose writes (and audit entries) join the given transaction
func (s *Service) WithTx(tx *gorm.DB) *Service {
	cp := *s
	cp.db = tx
	cp.audit = s.audit.WithTx(tx)
	return &cp
}

// LowStockThreshold returns the configured alert threshold
func (s *Service) LowStockThreshold() int {
	return s.lowStockThreshold
}

// STOCK MUTATIONS

// TryDecrement atomically removes qty units if, and only if, enough stock exists
func (s *Service) TryDecrement(ctx context.Context, itemID uint, qty int, actorID int64) (*Item, error) {
	if qty <= 0 {
		return nil, &apperror.ValidationError{Field: "quantity", Reason: "must be greater than zero"}
	}

	var (
		item   Item
		raised bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Single conditional statement; stock can never go negative.
		result := tx.Model(&Item{}).
			Where("id = ? AND stock_quantity >= ?", itemID, qty).
			UpdateColumns(map[string]interface{}{
				"stock_quantity": gorm.Expr("stock_quantity - ?", qty),
				"updated_at":     s.clock.Now(),
			})
		if result.Error != nil {
			return fmt.Errorf("failed to decrement stock: %w", result.Error)
		}

		if err := tx.First(&item, itemID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return &apperror.NotFoundError{Resource: "item", ID: itemID}
			}
			return fmt.Errorf("failed to load item: %w", err)
		}

		if result.RowsAffected == 0 {
			return &apperror.InsufficientStockError{
				ItemID:    item.ID,
				ItemName:  item.Name,
				Requested: qty,
				Available: item.StockQuantity,
			}
		}

		if err := s.audit.WithTx(tx).Record(ctx, actorID, audit.ActionStockDecr, itemsTable, int64(item.ID),
			map[string]int{"stock_quantity": item.StockQuantity + qty},
			map[string]int{"stock_quantity": item.StockQuantity},
		); err != nil {
			return err
		}

		var err error
		raised, err = s.checkAndCreateAlerts(tx, &item)
		return err
	})
	if err != nil {
		var stockErr *apperror.InsufficientStockError
		if errors.As(err, &stockErr) {
			s.metrics.StockRejected()
		}
		return nil, err
	}

	if raised {
		s.logger.WithFields(logrus.Fields{
			"item_id":        item.ID,
			"stock_quantity": item.StockQuantity,
		}).Warn("Item stock is low")

		s.sink.Publish(ctx, events.Event{
			Type:       events.TypeStockLow,
			OccurredAt: s.clock.Now(),
			ItemID:     item.ID,
			Data: map[string]any{
				"name":           item.Name,
				"stock_quantity": item.StockQuantity,
				"threshold":      s.lowStockThreshold,
			},
		})
	}

	return &item, nil
}

// Increment unconditionally restores qty units
func (s *Service) Increment(ctx context.Context, itemID uint, qty int, actorID int64) (*Item, error) {
	if qty <= 0 {
		return nil, &apperror.ValidationError{Field: "quantity", Reason: "must be greater than zero"}
	}

	var item Item
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&Item{}).
			Where("id = ?", itemID).
			UpdateColumns(map[string]interface{}{
				"stock_quantity": gorm.Expr("stock_quantity + ?", qty),
				"updated_at":     s.clock.Now(),
			})
		if result.Error != nil {
			return fmt.Errorf("failed to increment stock: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return &apperror.NotFoundError{Resource: "item", ID: itemID}
		}

		if err := tx.First(&item, itemID).Error; err != nil {
			return fmt.Errorf("failed to load item: %w", err)
		}

		if err := s.audit.WithTx(tx).Record(ctx, actorID, audit.ActionStockIncr, itemsTable, int64(item.ID),
			map[string]int{"stock_quantity": item.StockQuantity - qty},
			map[string]int{"stock_quantity": item.StockQuantity},
		); err != nil {
			return err
		}

		return s.resolveAlerts(tx, &item)
	})
	if err != nil {
		return nil, err
	}

	return &item, nil
}

// Restock adds delivered units to an item
func (s *Service) Restock(ctx context.Context, itemID uint, qty int, actorID int64) (*Item, error) {
	return s.Increment(ctx, itemID, qty, actorID)
}

// CATALOG

// CreateItem adds a medicine to the catalog
func (s *Service) CreateItem(ctx context.Context, req *CreateItemRequest, actorID int64) (*Item, error) {
	var item *Item
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		created, err := s.createItem(ctx, tx, req, actorID)
		item = created
		return err
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

// CreateItems adds several medicines in one transaction; either all are created or none
func (s *Service) CreateItems(ctx context.Context, reqs []CreateItemRequest, actorID int64) ([]Item, error) {
	if len(reqs) == 0 {
		return nil, &apperror.ValidationError{Field: "rows", Reason: "no items supplied"}
	}
	if s.bulkMaxRows > 0 && len(reqs) > s.bulkMaxRows {
		return nil, &apperror.ValidationError{
			Field:  "rows",
			Reason: fmt.Sprintf("at most %d items per upload", s.bulkMaxRows),
		}
	}

	seen := make(map[string]int, len(reqs))
	for i := range reqs {
		key := strings.ToLower(strings.TrimSpace(reqs[i].Name))
		if prev, ok := seen[key]; ok {
			return nil, &apperror.ValidationError{
				Field:  "name",
				Reason: fmt.Sprintf("row %d duplicates row %d", i+1, prev+1),
			}
		}
		seen[key] = i
	}

	items := make([]Item, 0, len(reqs))
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range reqs {
			item, err := s.createItem(ctx, tx, &reqs[i], actorID)
			if err != nil {
				var vErr *apperror.ValidationError
				if errors.As(err, &vErr) {
					vErr.Reason = fmt.Sprintf("row %d: %s", i+1, vErr.Reason)
				}
				return err
			}
			items = append(items, *item)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"count":    len(items),
		"actor_id": actorID,
	}).Info("Bulk items created")

	return items, nil
}

func (s *Service) createItem(ctx context.Context, tx *gorm.DB, req *CreateItemRequest, actorID int64) (*Item, error) {
	req.Name = strings.TrimSpace(req.Name)
	if err := s.validate.Struct(req); err != nil {
		return nil, toValidationError(err)
	}
	if req.Price.IsNegative() {
		return nil, &apperror.ValidationError{Field: "price", Reason: "must not be negative"}
	}
	if req.ManufacturingDate != nil && req.ExpiryDate != nil && req.ExpiryDate.Before(*req.ManufacturingDate) {
		return nil, &apperror.ValidationError{Field: "expiry_date", Reason: "must be after the manufacturing date"}
	}

	var count int64
	if err := tx.Model(&Item{}).Where("LOWER(name) = ?", strings.ToLower(req.Name)).Count(&count).Error; err != nil {
		return nil, fmt.Errorf("failed to check item name: %w", err)
	}
	if count > 0 {
		return nil, &apperror.ValidationError{Field: "name", Reason: fmt.Sprintf("%q already exists", req.Name)}
	}

	item := &Item{
		Name:              req.Name,
		BatchNumber:       req.BatchNumber,
		ManufacturingDate: req.ManufacturingDate,
		ExpiryDate:        req.ExpiryDate,
		DosageForm:        req.DosageForm,
		Price:             req.Price.Round(2),
		StockQuantity:     req.StockQuantity,
		IsActive:          true,
	}
	if err := tx.Create(item).Error; err != nil {
		return nil, fmt.Errorf("failed to create item: %w", err)
	}

	if err := s.audit.WithTx(tx).Record(ctx, actorID, audit.ActionCreate, itemsTable, int64(item.ID), nil, item); err != nil {
		return nil, err
	}

	return item, nil
}

// GetItem retrieves an item by ID
func (s *Service) GetItem(ctx context.Context, itemID uint) (*Item, error) {
	var item Item
	if err := s.db.WithContext(ctx).First(&item, itemID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &apperror.NotFoundError{Resource: "item", ID: itemID}
		}
		return nil, fmt.Errorf("failed to get item: %w", err)
	}
	return &item, nil
}

// ListItems lists active items ordered by name
func (s *Service) ListItems(ctx context.Context, filter ListFilter) ([]Item, int64, error) {
	filtered := func() *gorm.DB {
		query := s.db.WithContext(ctx).Model(&Item{}).Where("is_active = ?", true)
		if search := strings.TrimSpace(filter.Search); search != "" {
			query = query.Where("LOWER(name) LIKE ?", "%"+strings.ToLower(search)+"%")
		}
		return query
	}

	var total int64
	if err := filtered().Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count items: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	var items []Item
	if err := filtered().Order("name ASC").Limit(limit).Offset(filter.Offset).Find(&items).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list items: %w", err)
	}
	return items, total, nil
}

// LowStock lists active items at or below the alert threshold, scarcest first
func (s *Service) LowStock(ctx context.Context, limit int) ([]Item, error) {
	if limit <= 0 {
		limit = 50
	}
	var items []Item
	err := s.db.WithContext(ctx).
		Where("is_active = ? AND stock_quantity <= ?", true, s.lowStockThreshold).
		Order("stock_quantity ASC, name ASC").
		Limit(limit).
		Find(&items).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list low stock items: %w", err)
	}
	return items, nil
}

// ActiveAlerts lists unresolved stock alerts
func (s *Service) ActiveAlerts(ctx context.Context) ([]StockAlert, error) {
	var alerts []StockAlert
	if err := s.db.WithContext(ctx).Where("is_resolved = ?", false).Order("created_at DESC").Find(&alerts).Error; err != nil {
		return nil, fmt.Errorf("failed to list stock alerts: %w", err)
	}
	return alerts, nil
}

// SetPrice changes the catalog price. Existing cart entries and orders keep their snapshot.
func (s *Service) SetPrice(ctx context.Context, itemID uint, price decimal.Decimal, actorID int64) (*Item, error) {
	if price.IsNegative() {
		return nil, &apperror.ValidationError{Field: "price", Reason: "must not be negative"}
	}
	price = price.Round(2)

	var item Item
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&item, itemID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return &apperror.NotFoundError{Resource: "item", ID: itemID}
			}
			return fmt.Errorf("failed to load item: %w", err)
		}
		old := item.Price

		if err := tx.Model(&item).Update("price", price).Error; err != nil {
			return fmt.Errorf("failed to update price: %w", err)
		}
		item.Price = price

		return s.audit.WithTx(tx).Record(ctx, actorID, audit.ActionUpdate, itemsTable, int64(item.ID),
			map[string]string{"price": old.StringFixed(2)},
			map[string]string{"price": price.StringFixed(2)},
		)
	})
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// Deactivate hides an item from the catalog without deleting its history
func (s *Service) Deactivate(ctx context.Context, itemID uint, actorID int64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&Item{}).Where("id = ? AND is_active = ?", itemID, true).Update("is_active", false)
		if result.Error != nil {
			return fmt.Errorf("failed to deactivate item: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return &apperror.NotFoundError{Resource: "item", ID: itemID}
		}

		return s.audit.WithTx(tx).Record(ctx, actorID, audit.ActionDelete, itemsTable, int64(itemID),
			map[string]bool{"is_active": true},
			map[string]bool{"is_active": false},
		)
	})
}

// ALERTS

// checkAndCreateAlerts opens an alert when the item crosses the threshold.
// It reports whether an alert was opened or escalated.
func (s *Service) checkAndCreateAlerts(tx *gorm.DB, item *Item) (bool, error) {
	if !item.IsLowStock(s.lowStockThreshold) {
		return false, nil
	}

	alertType := AlertTypeLowStock
	message := fmt.Sprintf("%s is running low (%d left, threshold %d)", item.Name, item.StockQuantity, s.lowStockThreshold)
	if item.IsOutOfStock() {
		alertType = AlertTypeOutOfStock
		message = fmt.Sprintf("%s is out of stock", item.Name)
	}

	var existing StockAlert
	err := tx.Where("item_id = ? AND is_resolved = ?", item.ID, false).First(&existing).Error
	switch {
	case err == nil:
		if existing.AlertType == alertType {
			return false, nil
		}
		// Escalate low_stock to out_of_stock in place.
		err := tx.Model(&existing).Updates(map[string]interface{}{
			"alert_type": alertType,
			"message":    message,
			"quantity":   item.StockQuantity,
		}).Error
		if err != nil {
			return false, fmt.Errorf("failed to escalate stock alert: %w", err)
		}
		return true, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		alert := StockAlert{
			ItemID:    item.ID,
			AlertType: alertType,
			Message:   message,
			Quantity:  item.StockQuantity,
		}
		if err := tx.Create(&alert).Error; err != nil {
			return false, fmt.Errorf("failed to create stock alert: %w", err)
		}
		return true, nil
	default:
		return false, fmt.Errorf("failed to check stock alerts: %w", err)
	}
}

// resolveAlerts closes open alerts once stock is back above the threshold
func (s *Service) resolveAlerts(tx *gorm.DB, item *Item) error {
	if item.IsLowStock(s.lowStockThreshold) {
		return nil
	}
	now := s.clock.Now()
	err := tx.Model(&StockAlert{}).
		Where("item_id = ? AND is_resolved = ?", item.ID, false).
		Updates(map[string]interface{}{"is_resolved": true, "resolved_at": &now}).Error
	if err != nil {
		return fmt.Errorf("failed to resolve stock alerts: %w", err)
	}
	return nil
}

func toValidationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return &apperror.ValidationError{
			Field:  toSnake(fe.Field()),
			Reason: fmt.Sprintf("failed %s check", fe.Tag()),
		}
	}
	return &apperror.ValidationError{Field: "item", Reason: err.Error()}
}

func toSnake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}
