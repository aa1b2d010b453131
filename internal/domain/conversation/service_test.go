package conversation

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/your-org/pharmacy-backend/internal/config"
	"github.com/your-org/pharmacy-backend/internal/domain/audit"
	"github.com/your-org/pharmacy-backend/internal/domain/cart"
	"github.com/your-org/pharmacy-backend/internal/domain/events"
	"github.com/your-org/pharmacy-backend/internal/domain/inventory"
	"github.com/your-org/pharmacy-backend/internal/domain/order"
	"github.com/your-org/pharmacy-backend/internal/domain/session"
	"github.com/your-org/pharmacy-backend/internal/pkg/apperror"
	"github.com/your-org/pharmacy-backend/internal/pkg/logger"
	"github.com/your-org/pharmacy-backend/internal/pkg/testsupport"
)

const (
	customerID int64 = 3100
	staffID    int64 = 9100
)

type fixture struct {
	conv      *Service
	cart      *cart.Service
	inventory *inventory.Service
	audit     *audit.Service
	clock     *clockwork.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testsupport.OpenDB(t,
		&inventory.Item{}, &inventory.StockAlert{}, &audit.Entry{}, &cart.Entry{},
		&order.Order{}, &order.OrderItem{}, &order.StatusHistory{},
	)
	_, rdb := testsupport.OpenRedis(t)

	clock := clockwork.NewFakeClockAt(time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC))
	log := logger.Discard()
	rec := events.NewRecorder()
	auditSvc := audit.NewService(db)
	inv := inventory.NewService(db, auditSvc, rec, nil, log, clock,
		config.InventoryConfig{LowStockThreshold: 2, BulkMaxRows: 10})
	cartSvc := cart.NewService(db, inv, auditSvc, log)
	orders := order.NewService(order.Deps{
		DB:        db,
		Cart:      cartSvc,
		Inventory: inv,
		Audit:     auditSvc,
		Guard:     order.NewRedisCommitGuard(rdb, time.Minute),
		Sink:      rec,
		Logger:    log,
		Clock:     clock,
	})
	store := session.NewStore(rdb, clock, log, nil, config.SessionConfig{
		Timeout:      15 * time.Minute,
		MaxAttempts:  3,
		TombstoneTTL: 24 * time.Hour,
	}, 10)

	return &fixture{
		conv:      NewService(store, cartSvc, orders, inv, auditSvc, log),
		cart:      cartSvc,
		inventory: inv,
		audit:     auditSvc,
		clock:     clock,
	}
}

func (f *fixture) item(t *testing.T, name string, stock int, price string) *inventory.Item {
	t.Helper()
	item, err := f.inventory.CreateItem(context.Background(), &inventory.CreateItemRequest{
		Name:          name,
		Price:         decimal.RequireFromString(price),
		StockQuantity: stock,
	}, staffID)
	require.NoError(t, err)
	return item
}

func (f *fixture) feed(t *testing.T, user int64, inputs ...string) *Outcome {
	t.Helper()
	var out *Outcome
	for _, in := range inputs {
		var err error
		out, err = f.conv.AdvanceFlow(context.Background(), user, in)
		require.NoError(t, err, "input %q", in)
	}
	return out
}

func TestPlaceOrderFlow_CreatesOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := f.item(t, "Paracetamol", 10, "5.00")
	_, err := f.cart.AddOrUpdate(ctx, customerID, item.ID, 5)
	require.NoError(t, err)

	_, err = f.conv.BeginFlow(ctx, customerID, session.FlowPlaceOrder)
	require.NoError(t, err)
	out := f.feed(t, customerID, "Selam Alemu", "+251911223344", "pickup", "skip")
	require.False(t, out.Committed())
	token := out.Next.Token

	out = f.feed(t, customerID, token)
	require.True(t, out.Committed())
	require.NotNil(t, out.Order)
	assert.Equal(t, order.OrderStatusPending, out.Order.Status)
	assert.True(t, decimal.RequireFromString("25.00").Equal(out.Order.TotalAmount))

	stocked, err := f.inventory.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, stocked.StockQuantity)

	summary, err := f.cart.Summarize(ctx, customerID)
	require.NoError(t, err)
	assert.True(t, summary.IsEmpty())

	entries, err := f.audit.List(ctx, sessionsTable, customerID, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, audit.ActionFlowCommit, entries[0].Action)
	assert.Contains(t, string(entries[0].NewValues), out.Order.OrderNumber)

	t.Run("replaying the confirmation returns the prior order", func(t *testing.T) {
		_, err := f.conv.AdvanceFlow(ctx, customerID, token)
		var dup *apperror.DuplicateCommitError
		require.ErrorAs(t, err, &dup)
		assert.Equal(t, out.Order.ID, dup.OrderID)
		assert.Equal(t, out.Order.OrderNumber, dup.OrderNumber)

		again, err := f.inventory.GetItem(ctx, item.ID)
		require.NoError(t, err)
		assert.Equal(t, 5, again.StockQuantity)
	})
}

func TestPlaceOrderFlow_EmptyCartIsAudited(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.conv.BeginFlow(ctx, customerID, session.FlowPlaceOrder)
	require.NoError(t, err)
	out := f.feed(t, customerID, "Selam Alemu", "+251911223344", "pickup", "skip")

	_, err = f.conv.AdvanceFlow(ctx, customerID, out.Next.Token)
	var empty *apperror.EmptyCartError
	require.ErrorAs(t, err, &empty)

	entries, err := f.audit.List(ctx, sessionsTable, customerID, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, string(entries[0].NewValues), string(apperror.KindEmptyCart))

	_, err = f.conv.CurrentFlow(ctx, customerID)
	assert.Equal(t, apperror.KindNotFound, apperror.KindOf(err))
}

func TestCustomQuantityFlow_SetsCartQuantity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := f.item(t, "Omeprazole", 30, "2.40")

	_, err := f.conv.BeginFlow(ctx, customerID, session.FlowCustomQuantity)
	require.NoError(t, err)
	out := f.feed(t, customerID, fmt.Sprint(item.ID), "12")
	require.True(t, out.Committed())
	require.NotNil(t, out.CartEntry)
	assert.Equal(t, 12, out.CartEntry.Quantity)

	summary, err := f.cart.Summarize(ctx, customerID)
	require.NoError(t, err)
	require.Len(t, summary.Entries, 1)
	assert.Equal(t, item.ID, summary.Entries[0].ItemID)
	assert.Equal(t, 12, summary.Entries[0].Quantity)
	assert.True(t, decimal.RequireFromString("28.80").Equal(summary.GrandTotal))
}

func TestCustomQuantityFlow_AdvisoryStockCheck(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := f.item(t, "Insulin Pen", 2, "30.00")

	_, err := f.conv.BeginFlow(ctx, customerID, session.FlowCustomQuantity)
	require.NoError(t, err)
	f.feed(t, customerID, fmt.Sprint(item.ID))

	_, err = f.conv.AdvanceFlow(ctx, customerID, "3")
	var stockErr *apperror.InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, item.ID, stockErr.ItemID)
	assert.Equal(t, 2, stockErr.Available)
}

func TestCustomQuantityFlow_ExpiresWhenIdle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := f.item(t, "Loratadine", 10, "1.10")

	_, err := f.conv.BeginFlow(ctx, customerID, session.FlowCustomQuantity)
	require.NoError(t, err)
	f.feed(t, customerID, fmt.Sprint(item.ID))

	f.clock.Advance(20 * time.Minute)

	_, err = f.conv.AdvanceFlow(ctx, customerID, "2")
	assert.Equal(t, apperror.KindSessionExpired, apperror.KindOf(err))

	summary, err := f.cart.Summarize(ctx, customerID)
	require.NoError(t, err)
	assert.True(t, summary.IsEmpty())
}

func TestCancelFlow_LeavesNoTrace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := f.item(t, "Loratadine", 10, "1.10")

	_, err := f.conv.BeginFlow(ctx, customerID, session.FlowCustomQuantity)
	require.NoError(t, err)
	f.feed(t, customerID, fmt.Sprint(item.ID))
	require.NoError(t, f.conv.CancelFlow(ctx, customerID))

	_, err = f.conv.AdvanceFlow(ctx, customerID, "2")
	assert.Equal(t, apperror.KindNotFound, apperror.KindOf(err))

	summary, err := f.cart.Summarize(ctx, customerID)
	require.NoError(t, err)
	assert.True(t, summary.IsEmpty())

	entries, err := f.audit.List(ctx, sessionsTable, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestAddItemSingleFlow_CreatesItem(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.conv.BeginFlow(ctx, staffID, session.FlowAddItemSingle)
	require.NoError(t, err)
	out := f.feed(t, staffID, "Metformin 850mg", "MF-22", "2025-01-10", "2027-01-10", "tablet", "4.75", "60")

	require.Len(t, out.Items, 1)
	created := out.Items[0]
	assert.Equal(t, "Metformin 850mg", created.Name)
	assert.Equal(t, 60, created.StockQuantity)
	assert.True(t, decimal.RequireFromString("4.75").Equal(created.Price))
	require.NotNil(t, created.ExpiryDate)
	assert.Equal(t, 2027, created.ExpiryDate.Year())
}

func TestAddItemBulkFlow_AllOrNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.item(t, "Aspirin", 5, "1.00")

	_, err := f.conv.BeginFlow(ctx, staffID, session.FlowAddItemBulk)
	require.NoError(t, err)
	out := f.feed(t, staffID, "Ibuprofen,,,,tablet,3.20,100\nAspirin,,,,tablet,1.00,5\n")

	_, err = f.conv.AdvanceFlow(ctx, staffID, out.Next.Token)
	assert.Equal(t, apperror.KindValidation, apperror.KindOf(err))

	items, total, err := f.inventory.ListItems(ctx, inventory.ListFilter{Search: "ibuprofen"})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, items)
}

func TestAddItemBulkFlow_CreatesRows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.conv.BeginFlow(ctx, staffID, session.FlowAddItemBulk)
	require.NoError(t, err)
	out := f.feed(t, staffID, "Ibuprofen,B1,2025-01-01,2027-01-01,tablet,3.20,100\nCough Syrup,,,,syrup,7.00,12\n")
	out = f.feed(t, staffID, out.Next.Token)

	require.Len(t, out.Items, 2)
	assert.Equal(t, "Cough Syrup", out.Items[1].Name)
}
