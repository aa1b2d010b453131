// internal/infrastructure/database/postgres/migration.go
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/your-org/pharmacy-backend/internal/domain/audit"
	"github.com/your-org/pharmacy-backend/internal/domain/cart"
	"github.com/your-org/pharmacy-backend/internal/domain/inventory"
	"github.com/your-org/pharmacy-backend/internal/domain/order"
	"github.com/your-org/pharmacy-backend/internal/pkg/apperror"
)

// SeedActorID is recorded as the actor of seeded rows
const SeedActorID int64 = 0

// Migration handles database migrations
type Migration struct {
	db     *gorm.DB
	logger *logrus.Logger
}

// NewMigration creates a new migration instance
func NewMigration(db *gorm.DB, logger *logrus.Logger) *Migration {
	return &Migration{
		db:     db,
		logger: logger,
	}
}

// Models lists every persisted model in dependency order
func Models() []interface{} {
	return []interface{}{
		&inventory.Item{},
		&inventory.StockAlert{},
		&cart.Entry{},
		&order.Order{},
		&order.OrderItem{},
		&order.StatusHistory{},
		&audit.Entry{},
	}
}

// RunAutoMigrations runs GORM auto-migrations for all models
func (m *Migration) RunAutoMigrations() error {
	m.logger.Info("Running database auto-migrations")

	for _, model := range Models() {
		m.logger.Debugf("Migrating model: %T", model)
		if err := m.db.AutoMigrate(model); err != nil {
			return fmt.Errorf("failed to migrate model %T: %w", model, err)
		}
	}

	m.logger.Info("Database auto-migrations completed")
	return nil
}

// CreateIndexes creates indexes that the struct tags cannot express
func (m *Migration) CreateIndexes() error {
	indexes := []string{
		// Catalog lookups are case-insensitive
		"CREATE UNIQUE INDEX IF NOT EXISTS idx_items_lower_name ON items (LOWER(name))",
		"CREATE INDEX IF NOT EXISTS idx_items_active_stock ON items (is_active, stock_quantity)",

		"CREATE INDEX IF NOT EXISTS idx_orders_user_status ON orders (user_id, status)",
		"CREATE INDEX IF NOT EXISTS idx_orders_status_created ON orders (status, created_at DESC)",

		"CREATE INDEX IF NOT EXISTS idx_status_history_order ON order_status_history (order_id, changed_at)",
		"CREATE INDEX IF NOT EXISTS idx_audit_logs_table_record ON audit_logs (table_affected, record_id)",
		"CREATE INDEX IF NOT EXISTS idx_stock_alerts_open ON stock_alerts (item_id, is_resolved)",
	}

	for _, stmt := range indexes {
		if err := m.db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	m.logger.WithField("count", len(indexes)).Info("Database indexes ensured")
	return nil
}

type seedItem struct {
	name  string
	form  string
	price string
	stock int
}

var starterCatalog = []seedItem{
	{"Paracetamol 500mg", inventory.DosageTablet, "5.00", 200},
	{"Amoxicillin 250mg", inventory.DosageCapsule, "12.50", 80},
	{"Ibuprofen 400mg", inventory.DosageTablet, "7.25", 120},
	{"Cough Syrup 100ml", inventory.DosageSyrup, "45.00", 30},
	{"Oral Rehydration Salts", inventory.DosageOther, "3.75", 150},
	{"Hydrocortisone Cream 1%", inventory.DosageCream, "28.00", 8},
}

// SeedInitialData creates the starter catalog through the ledger so every row is audited.
// Items that already exist are left alone.
func (m *Migration) SeedInitialData(ctx context.Context, inv *inventory.Service) (int, error) {
	created := 0
	for _, s := range starterCatalog {
		_, err := inv.CreateItem(ctx, &inventory.CreateItemRequest{
			Name:          s.name,
			DosageForm:    s.form,
			Price:         decimal.RequireFromString(s.price),
			StockQuantity: s.stock,
		}, SeedActorID)

		var ve *apperror.ValidationError
		if errors.As(err, &ve) && ve.Field == "name" {
			continue
		}
		if err != nil {
			return created, fmt.Errorf("failed to seed %s: %w", s.name, err)
		}
		created++
	}

	m.logger.WithField("created", created).Info("Starter catalog seeded")
	return created, nil
}

// GetTableInfo logs row counts for every table
func (m *Migration) GetTableInfo() error {
	for _, model := range Models() {
		var count int64
		if err := m.db.Model(model).Count(&count).Error; err != nil {
			return fmt.Errorf("failed to count %T: %w", model, err)
		}
		m.logger.WithFields(logrus.Fields{
			"model": fmt.Sprintf("%T", model),
			"rows":  count,
		}).Info("Table info")
	}
	return nil
}
