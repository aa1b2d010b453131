// internal/domain/cart/service.go
package cart

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/your-org/pharmacy-backend/internal/domain/audit"
	"github.com/your-org/pharmacy-backend/internal/domain/inventory"
	"github.com/your-org/pharmacy-backend/internal/pkg/apperror"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const entriesTable = "cart_entries"

// Service handles cart business logic
type Service struct {
	db        *gorm.DB
	inventory *inventory.Service
	audit     *audit.Service
	logger    *logrus.Logger
}

// NewService creates a new cart service
func NewService(db *gorm.DB, inventorySvc *inventory.Service, auditSvc *audit.Service, logger *logrus.Logger) *Service {
	return &Service{
		db:        db,
		inventory: inventorySvc,
		audit:     auditSvc,
		logger:    logger,
	}
}

// WithTx returns a cart service whose writes join the given transaction
func (s *Service) WithTx(tx *gorm.DB) *Service {
	cp := *s
	cp.db = tx
	cp.inventory = s.inventory.WithTx(tx)
	cp.audit = s.audit.WithTx(tx)
	return &cp
}

// AddOrUpdate sets the quantity of an item in the user's cart.
// The stock check here is advisory; the order engine re-checks at commit.
func (s *Service) AddOrUpdate(ctx context.Context, userID int64, itemID uint, quantity int) (*Entry, error) {
	if quantity <= 0 {
		return nil, &apperror.ValidationError{Field: "quantity", Reason: "must be greater than zero"}
	}

	// Validate item exists and is active
	item, err := s.inventory.GetItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if !item.IsActive {
		return nil, &apperror.NotFoundError{Resource: "item", ID: itemID}
	}

	// Check inventory availability
	if item.StockQuantity < quantity {
		return nil, &apperror.InsufficientStockError{
			ItemID:    item.ID,
			ItemName:  item.Name,
			Requested: quantity,
			Available: item.StockQuantity,
		}
	}

	var entry Entry
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var previous *Entry
		var existing Entry
		findErr := tx.Where("user_id = ? AND item_id = ?", userID, itemID).First(&existing).Error
		switch {
		case findErr == nil:
			previous = &existing
		case !errors.Is(findErr, gorm.ErrRecordNotFound):
			return fmt.Errorf("failed to load cart entry: %w", findErr)
		}

		unitPrice := item.Price
		upsert := Entry{
			UserID:     userID,
			ItemID:     itemID,
			Quantity:   quantity,
			UnitPrice:  unitPrice,
			TotalPrice: unitPrice.Mul(decimal.NewFromInt(int64(quantity))),
		}
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "item_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"quantity", "unit_price", "total_price", "updated_at"}),
		}).Create(&upsert).Error
		if err != nil {
			return fmt.Errorf("failed to save cart entry: %w", err)
		}

		if err := tx.Where("user_id = ? AND item_id = ?", userID, itemID).First(&entry).Error; err != nil {
			return fmt.Errorf("failed to reload cart entry: %w", err)
		}

		action := audit.ActionCreate
		var oldValues interface{}
		if previous != nil {
			action = audit.ActionUpdate
			oldValues = entrySnapshot(previous)
		}
		return s.audit.WithTx(tx).Record(ctx, userID, action, entriesTable, int64(entry.ID), oldValues, entrySnapshot(&entry))
	})
	if err != nil {
		return nil, err
	}

	entry.Item = item
	return &entry, nil
}

// Remove deletes the item from the user's cart. Removing an absent item is a no-op.
func (s *Service) Remove(ctx context.Context, userID int64, itemID uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Entry
		err := tx.Where("user_id = ? AND item_id = ?", userID, itemID).First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to load cart entry: %w", err)
		}

		if err := tx.Delete(&existing).Error; err != nil {
			return fmt.Errorf("failed to remove cart entry: %w", err)
		}

		return s.audit.WithTx(tx).Record(ctx, userID, audit.ActionDelete, entriesTable, int64(existing.ID), entrySnapshot(&existing), nil)
	})
}

// Summarize returns the cart entries in the order they were added, with totals
func (s *Service) Summarize(ctx context.Context, userID int64) (*Summary, error) {
	var entries []Entry
	err := s.db.WithContext(ctx).
		Preload("Item").
		Where("user_id = ?", userID).
		Order("created_at ASC, id ASC").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve user cart: %w", err)
	}

	return calculateTotals(userID, entries), nil
}

// Clear removes exactly the entries of a checkout summary. Used by checkout inside its transaction.
// An entry that was removed or re-quantified since the summary was taken fails the whole clear.
func (s *Service) Clear(ctx context.Context, summary *Summary, actorID int64) error {
	if summary == nil || len(summary.Entries) == 0 {
		return nil
	}

	snapshots := make([]map[string]interface{}, 0, len(summary.Entries))
	for i := range summary.Entries {
		e := &summary.Entries[i]
		result := s.db.WithContext(ctx).
			Where("id = ? AND user_id = ? AND quantity = ?", e.ID, summary.UserID, e.Quantity).
			Delete(&Entry{})
		if result.Error != nil {
			return fmt.Errorf("failed to clear cart: %w", result.Error)
		}
		if result.RowsAffected != 1 {
			return &apperror.ValidationError{Field: "cart", Reason: "changed during checkout, review it and try again"}
		}
		snapshots = append(snapshots, entrySnapshot(e))
	}
	return s.audit.Record(ctx, actorID, audit.ActionDelete, entriesTable, summary.UserID, snapshots, nil)
}

func calculateTotals(userID int64, entries []Entry) *Summary {
	summary := &Summary{
		UserID:     userID,
		Entries:    entries,
		ItemCount:  len(entries),
		GrandTotal: decimal.Zero,
	}
	if summary.Entries == nil {
		summary.Entries = []Entry{}
	}
	for _, e := range entries {
		summary.TotalQuantity += e.Quantity
		summary.GrandTotal = summary.GrandTotal.Add(e.TotalPrice)
	}
	return summary
}

func entrySnapshot(e *Entry) map[string]interface{} {
	return map[string]interface{}{
		"user_id":     e.UserID,
		"item_id":     e.ItemID,
		"quantity":    e.Quantity,
		"unit_price":  e.UnitPrice.StringFixed(2),
		"total_price": e.TotalPrice.StringFixed(2),
	}
}
