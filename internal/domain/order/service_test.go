package order

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
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
	"github.com/your-org/pharmacy-backend/internal/pkg/apperror"
	"github.com/your-org/pharmacy-backend/internal/pkg/logger"
	"github.com/your-org/pharmacy-backend/internal/pkg/testsupport"
	"gorm.io/gorm"
)

const (
	customerID int64 = 2001
	staffID    int64 = 9001
	validPhone       = "+251911234567"
)

type fixture struct {
	db        *gorm.DB
	orders    *Service
	cart      *cart.Service
	inventory *inventory.Service
	audit     *audit.Service
	recorder  *events.Recorder
	clock     *clockwork.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testsupport.OpenDB(t,
		&inventory.Item{}, &inventory.StockAlert{}, &audit.Entry{}, &cart.Entry{},
		&Order{}, &OrderItem{}, &StatusHistory{},
	)
	_, rdb := testsupport.OpenRedis(t)

	clock := clockwork.NewFakeClockAt(time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC))
	rec := events.NewRecorder()
	log := logger.Discard()
	auditSvc := audit.NewService(db)
	inv := inventory.NewService(db, auditSvc, rec, nil, log, clock,
		config.InventoryConfig{LowStockThreshold: 10, BulkMaxRows: 100})
	cartSvc := cart.NewService(db, inv, auditSvc, log)

	orders := NewService(Deps{
		DB:        db,
		Cart:      cartSvc,
		Inventory: inv,
		Audit:     auditSvc,
		Guard:     NewRedisCommitGuard(rdb, time.Minute),
		Sink:      rec,
		Logger:    log,
		Clock:     clock,
	})

	return &fixture{db: db, orders: orders, cart: cartSvc, inventory: inv, audit: auditSvc, recorder: rec, clock: clock}
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

func (f *fixture) addToCart(t *testing.T, user int64, itemID uint, qty int) {
	t.Helper()
	_, err := f.cart.AddOrUpdate(context.Background(), user, itemID, qty)
	require.NoError(t, err)
}

func (f *fixture) stock(t *testing.T, itemID uint) int {
	t.Helper()
	item, err := f.inventory.GetItem(context.Background(), itemID)
	require.NoError(t, err)
	return item.StockQuantity
}

func (f *fixture) countOrders(t *testing.T) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.db.Model(&Order{}).Count(&n).Error)
	return n
}

func placeRequest(user int64, token string) *PlaceOrderRequest {
	return &PlaceOrderRequest{
		UserID:         user,
		CustomerName:   "Abebe Kebede",
		Phone:          validPhone,
		DeliveryMethod: DeliveryPickup,
		CommitToken:    token,
	}
}

func TestPlaceOrder_Scenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := f.item(t, "Paracetamol 500mg", 10, "5.00")
	f.addToCart(t, customerID, item.ID, 5)

	summary, err := f.cart.Summarize(ctx, customerID)
	require.NoError(t, err)
	assert.True(t, summary.GrandTotal.Equal(decimal.RequireFromString("25.00")))

	order, err := f.orders.PlaceOrder(ctx, placeRequest(customerID, "tok-1"))
	require.NoError(t, err)

	assert.Equal(t, 5, f.stock(t, item.ID))
	assert.Equal(t, OrderStatusPending, order.Status)
	assert.Equal(t, PaymentStatusPending, order.PaymentStatus)
	assert.True(t, order.TotalAmount.Equal(decimal.RequireFromString("25.00")))
	assert.Regexp(t, regexp.MustCompile(`^BP20250314-[0-9A-F]{8}$`), order.OrderNumber)

	stored, err := f.orders.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, stored.Items, 1)
	assert.Equal(t, "Paracetamol 500mg", stored.Items[0].ItemName)
	require.Len(t, stored.StatusHistory, 1)
	assert.Nil(t, stored.StatusHistory[0].OldStatus)
	assert.Equal(t, OrderStatusPending, stored.StatusHistory[0].NewStatus)

	summary, err = f.cart.Summarize(ctx, customerID)
	require.NoError(t, err)
	assert.True(t, summary.IsEmpty())

	entries, err := f.audit.List(ctx, "orders", int64(order.ID), 0)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	created := f.recorder.OfType(events.TypeOrderCreated)
	require.Len(t, created, 1)
	assert.Equal(t, order.ID, created[0].OrderID)
	assert.Len(t, f.recorder.OfType(events.TypeStockLow), 1)
}

func TestPlaceOrder_TotalIsSumOfLines(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.item(t, "Amoxicillin", 40, "12.35")
	b := f.item(t, "Cough Syrup", 40, "7.10")
	f.addToCart(t, customerID, a.ID, 3)
	f.addToCart(t, customerID, b.ID, 2)

	order, err := f.orders.PlaceOrder(ctx, placeRequest(customerID, "tok-sum"))
	require.NoError(t, err)

	sum := decimal.Zero
	for _, line := range order.Items {
		sum = sum.Add(line.TotalPrice)
	}
	assert.True(t, order.TotalAmount.Equal(sum))
	assert.True(t, order.TotalAmount.Equal(decimal.RequireFromString("51.25")))
}

func TestPlaceOrder_EmptyCart(t *testing.T) {
	f := newFixture(t)

	_, err := f.orders.PlaceOrder(context.Background(), placeRequest(customerID, "tok-empty"))
	var emptyErr *apperror.EmptyCartError
	assert.True(t, errors.As(err, &emptyErr))
}

func TestPlaceOrder_InvalidInputLeavesStockUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := f.item(t, "Ibuprofen", 10, "3.00")
	f.addToCart(t, customerID, item.ID, 2)

	req := placeRequest(customerID, "tok-phone")
	req.Phone = "0911"
	_, err := f.orders.PlaceOrder(ctx, req)
	var vErr *apperror.ValidationError
	require.True(t, errors.As(err, &vErr))
	assert.Equal(t, "phone", vErr.Field)

	req = placeRequest(customerID, "tok-phone")
	req.DeliveryMethod = DeliveryDelivery
	_, err = f.orders.PlaceOrder(ctx, req)
	require.True(t, errors.As(err, &vErr))
	assert.Equal(t, "delivery_address", vErr.Field)

	assert.Equal(t, 10, f.stock(t, item.ID))
	assert.Zero(t, f.countOrders(t))

	// The claim was released, so the same token can still succeed.
	req.DeliveryAddress = "Bole, Addis Ababa"
	order, err := f.orders.PlaceOrder(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "Bole, Addis Ababa", order.DeliveryAddress)
}

func TestPlaceOrder_PartialFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.item(t, "Metformin", 10, "4.00")
	second := f.item(t, "Insulin Pen", 5, "40.00")
	f.addToCart(t, customerID, first.ID, 3)
	f.addToCart(t, customerID, second.ID, 5)

	// Another buyer takes the second item after it was added to the cart.
	_, err := f.inventory.TryDecrement(ctx, second.ID, 4, customerID+1)
	require.NoError(t, err)

	_, err = f.orders.PlaceOrder(ctx, placeRequest(customerID, "tok-partial"))
	var stockErr *apperror.InsufficientStockError
	require.True(t, errors.As(err, &stockErr))
	assert.Equal(t, second.ID, stockErr.ItemID)
	assert.Equal(t, 1, stockErr.Available)

	assert.Equal(t, 10, f.stock(t, first.ID))
	assert.Equal(t, 1, f.stock(t, second.ID))
	assert.Zero(t, f.countOrders(t))

	summary, err := f.cart.Summarize(ctx, customerID)
	require.NoError(t, err)
	assert.Len(t, summary.Entries, 2)
}

func TestPlaceOrder_ConcurrentBuyersForLastUnit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := f.item(t, "Rare Antivenom", 1, "99.00")

	const buyers = 8
	for i := 0; i < buyers; i++ {
		f.addToCart(t, int64(100+i), item.ID, 1)
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		rejected  int
	)
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func(user int64) {
			defer wg.Done()
			_, err := f.orders.PlaceOrder(ctx, placeRequest(user, fmt.Sprintf("tok-%d", user)))
			mu.Lock()
			defer mu.Unlock()
			var stockErr *apperror.InsufficientStockError
			switch {
			case err == nil:
				successes++
			case errors.As(err, &stockErr):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(int64(100 + i))
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, buyers-1, rejected)
	assert.Equal(t, 0, f.stock(t, item.ID))
	assert.Equal(t, int64(1), f.countOrders(t))
}

func TestPlaceOrder_DuplicateCommitReturnsExistingOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := f.item(t, "Vitamin D", 10, "6.00")
	f.addToCart(t, customerID, item.ID, 2)

	first, err := f.orders.PlaceOrder(ctx, placeRequest(customerID, "tok-dup"))
	require.NoError(t, err)

	// Refill the cart: a replay must not consume it.
	f.addToCart(t, customerID, item.ID, 1)

	again, err := f.orders.PlaceOrder(ctx, placeRequest(customerID, "tok-dup"))
	var dupErr *apperror.DuplicateCommitError
	require.True(t, errors.As(err, &dupErr))
	assert.Equal(t, first.ID, dupErr.OrderID)
	assert.Equal(t, first.OrderNumber, dupErr.OrderNumber)
	require.NotNil(t, again)
	assert.Equal(t, first.ID, again.ID)

	assert.Equal(t, 8, f.stock(t, item.ID))
	assert.Equal(t, int64(1), f.countOrders(t))
	assert.Len(t, f.recorder.OfType(events.TypeOrderCreated), 1)
}

type denyGuard struct{}

func (denyGuard) Claim(context.Context, string) (bool, error) { return false, nil }
func (denyGuard) Release(context.Context, string) error       { return nil }

func TestPlaceOrder_InFlightClaimRejectsWithoutMutation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := f.item(t, "Omeprazole", 10, "9.00")
	f.addToCart(t, customerID, item.ID, 2)

	f.orders.guard = denyGuard{}
	_, err := f.orders.PlaceOrder(ctx, placeRequest(customerID, "tok-inflight"))
	assert.Equal(t, apperror.KindDuplicateCommit, apperror.KindOf(err))
	assert.Equal(t, 10, f.stock(t, item.ID))
	assert.Zero(t, f.countOrders(t))
}

// cartEditDuringCheckout edits the cart once, after the summary has been taken.
func (f *fixture) cartEditDuringCheckout(t *testing.T, edit func()) {
	t.Helper()
	var once sync.Once
	f.orders.phone = PhoneValidatorFunc(func(phone string) bool {
		once.Do(edit)
		return NewE164Validator().ValidPhone(phone)
	})
}

func TestPlaceOrder_KeepsEntriesAddedDuringCheckout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ordered := f.item(t, "Loratadine", 10, "2.50")
	late := f.item(t, "Cetirizine", 10, "3.00")
	f.addToCart(t, customerID, ordered.ID, 2)
	f.cartEditDuringCheckout(t, func() { f.addToCart(t, customerID, late.ID, 1) })

	order, err := f.orders.PlaceOrder(ctx, placeRequest(customerID, "tok-late-add"))
	require.NoError(t, err)
	require.Len(t, order.Items, 1)
	assert.Equal(t, ordered.ID, order.Items[0].ItemID)

	summary, err := f.cart.Summarize(ctx, customerID)
	require.NoError(t, err)
	require.Len(t, summary.Entries, 1)
	assert.Equal(t, late.ID, summary.Entries[0].ItemID)
	assert.Equal(t, 10, f.stock(t, late.ID))
}

func TestPlaceOrder_CartChangedDuringCheckoutRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.item(t, "Vitamin D", 20, "6.00")
	second := f.item(t, "Folic Acid", 20, "1.50")
	f.addToCart(t, customerID, first.ID, 2)
	f.addToCart(t, customerID, second.ID, 3)
	f.cartEditDuringCheckout(t, func() { f.addToCart(t, customerID, second.ID, 5) })

	_, err := f.orders.PlaceOrder(ctx, placeRequest(customerID, "tok-edited"))
	var vErr *apperror.ValidationError
	require.True(t, errors.As(err, &vErr))
	assert.Equal(t, "cart", vErr.Field)

	assert.Equal(t, 20, f.stock(t, first.ID))
	assert.Equal(t, 20, f.stock(t, second.ID))
	assert.Zero(t, f.countOrders(t))

	summary, err := f.cart.Summarize(ctx, customerID)
	require.NoError(t, err)
	require.Len(t, summary.Entries, 2)
	assert.Equal(t, 7, summary.TotalQuantity)

	// The claim was released, so a retry against the current cart succeeds.
	f.orders.phone = NewE164Validator()
	order, err := f.orders.PlaceOrder(ctx, placeRequest(customerID, "tok-edited"))
	require.NoError(t, err)
	assert.True(t, order.TotalAmount.Equal(decimal.RequireFromString("19.50")))
}

func (f *fixture) placed(t *testing.T, qty int) (*Order, *inventory.Item) {
	t.Helper()
	item := f.item(t, "Azithromycin", 20, "15.00")
	f.addToCart(t, customerID, item.ID, qty)
	order, err := f.orders.PlaceOrder(context.Background(), placeRequest(customerID, "tok-"+item.Name))
	require.NoError(t, err)
	return order, item
}

func TestUpdateStatus_RejectsSkippedStep(t *testing.T) {
	f := newFixture(t)
	order, _ := f.placed(t, 2)

	_, err := f.orders.UpdateStatus(context.Background(), order.ID, OrderStatusProcessing, staffID, "")
	var transErr *apperror.InvalidTransitionError
	require.True(t, errors.As(err, &transErr))
	assert.Equal(t, "pending", transErr.From)
	assert.Equal(t, "processing", transErr.To)
}

func TestUpdateStatus_HappyPathRecordsHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order, _ := f.placed(t, 2)

	updated, err := f.orders.UpdateStatus(ctx, order.ID, OrderStatusConfirmed, staffID, "phoned customer")
	require.NoError(t, err)
	assert.Equal(t, OrderStatusConfirmed, updated.Status)
	assert.NotNil(t, updated.ConfirmedAt)

	updated, err = f.orders.UpdateStatus(ctx, order.ID, OrderStatusProcessing, staffID, "")
	require.NoError(t, err)
	assert.Equal(t, OrderStatusProcessing, updated.Status)

	history, err := f.orders.HistoryFor(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	require.NotNil(t, history[1].OldStatus)
	assert.Equal(t, OrderStatusPending, *history[1].OldStatus)
	assert.Equal(t, OrderStatusConfirmed, history[1].NewStatus)
	assert.Equal(t, staffID, history[1].ChangedBy)
	assert.Equal(t, OrderStatusProcessing, history[2].NewStatus)

	changes := f.recorder.OfType(events.TypeOrderStatusChanged)
	assert.Len(t, changes, 2)
}

func TestUpdateStatus_TerminalAndSelfTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order, _ := f.placed(t, 1)

	_, err := f.orders.UpdateStatus(ctx, order.ID, OrderStatusPending, staffID, "")
	assert.Equal(t, apperror.KindInvalidTransition, apperror.KindOf(err))

	for _, next := range []OrderStatus{OrderStatusConfirmed, OrderStatusProcessing, OrderStatusReady, OrderStatusCompleted} {
		_, err = f.orders.UpdateStatus(ctx, order.ID, next, staffID, "")
		require.NoError(t, err)
	}

	_, err = f.orders.UpdateStatus(ctx, order.ID, OrderStatusCancelled, staffID, "")
	assert.Equal(t, apperror.KindInvalidTransition, apperror.KindOf(err))

	_, err = f.orders.UpdateStatus(ctx, order.ID, OrderStatus("shipped"), staffID, "")
	assert.Equal(t, apperror.KindValidation, apperror.KindOf(err))

	_, err = f.orders.UpdateStatus(ctx, 4040, OrderStatusConfirmed, staffID, "")
	assert.Equal(t, apperror.KindNotFound, apperror.KindOf(err))
}

func TestUpdateStatus_CancelRestoresStock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order, item := f.placed(t, 4)
	assert.Equal(t, 16, f.stock(t, item.ID))

	_, err := f.orders.UpdateStatus(ctx, order.ID, OrderStatusConfirmed, staffID, "")
	require.NoError(t, err)

	cancelled, err := f.orders.CancelOrder(ctx, order.ID, staffID, "customer request")
	require.NoError(t, err)
	assert.Equal(t, OrderStatusCancelled, cancelled.Status)
	assert.NotNil(t, cancelled.CancelledAt)
	assert.Equal(t, 20, f.stock(t, item.ID))

	_, err = f.orders.CancelOrder(ctx, order.ID, staffID, "again")
	assert.Equal(t, apperror.KindInvalidTransition, apperror.KindOf(err))
	assert.Equal(t, 20, f.stock(t, item.ID))
}

func TestUpdateStatus_CancelFromReadyKeepsStock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order, item := f.placed(t, 4)

	for _, next := range []OrderStatus{OrderStatusConfirmed, OrderStatusProcessing, OrderStatusReady, OrderStatusCancelled} {
		_, err := f.orders.UpdateStatus(ctx, order.ID, next, staffID, "")
		require.NoError(t, err)
	}
	assert.Equal(t, 16, f.stock(t, item.ID))
}

func TestUpdateStatus_ConcurrentUpdatesApplyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order, item := f.placed(t, 3)

	const workers = 6
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.orders.CancelOrder(ctx, order.ID, staffID, "")
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, 20, f.stock(t, item.ID))
	history, err := f.orders.HistoryFor(ctx, order.ID)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestMarkPaid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order, _ := f.placed(t, 1)

	paid, err := f.orders.MarkPaid(ctx, order.ID, staffID)
	require.NoError(t, err)
	assert.Equal(t, PaymentStatusPaid, paid.PaymentStatus)
	assert.Equal(t, OrderStatusPending, paid.Status)

	again, err := f.orders.MarkPaid(ctx, order.ID, staffID)
	require.NoError(t, err)
	assert.Equal(t, PaymentStatusPaid, again.PaymentStatus)
}

func TestListOrders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first, _ := f.placed(t, 1)

	other := f.item(t, "Cetirizine", 10, "2.00")
	f.addToCart(t, customerID+5, other.ID, 1)
	_, err := f.orders.PlaceOrder(ctx, placeRequest(customerID+5, "tok-other"))
	require.NoError(t, err)

	_, err = f.orders.UpdateStatus(ctx, first.ID, OrderStatusConfirmed, staffID, "")
	require.NoError(t, err)

	mine, err := f.orders.ListUserOrders(ctx, customerID, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), mine.Pagination.Total)
	assert.Equal(t, first.ID, mine.Orders[0].ID)

	confirmed, err := f.orders.ListOrders(ctx, &OrderListRequest{Status: OrderStatusConfirmed})
	require.NoError(t, err)
	assert.Equal(t, int64(1), confirmed.Pagination.Total)

	all, err := f.orders.ListOrders(ctx, &OrderListRequest{Page: 1, Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(2), all.Pagination.Total)
	assert.Equal(t, 2, all.Pagination.TotalPages)
	assert.True(t, all.Pagination.HasNext)

	byNumber, err := f.orders.GetOrderByNumber(ctx, first.OrderNumber)
	require.NoError(t, err)
	assert.Equal(t, first.ID, byNumber.ID)

	_, err = f.orders.GetOrderByNumber(ctx, "BP00000000-MISSING")
	assert.Equal(t, apperror.KindNotFound, apperror.KindOf(err))
}

func TestTransitionTable(t *testing.T) {
	assert.ElementsMatch(t, []OrderStatus{OrderStatusConfirmed, OrderStatusCancelled}, AllowedTransitions(OrderStatusPending))
	assert.Empty(t, AllowedTransitions(OrderStatusCompleted))
	assert.Empty(t, AllowedTransitions(OrderStatusCancelled))
	assert.False(t, CanTransition(OrderStatusReady, OrderStatusReady))
	assert.True(t, RestoresStock(OrderStatusProcessing, OrderStatusCancelled))
	assert.False(t, RestoresStock(OrderStatusReady, OrderStatusCancelled))
}

func TestE164Validator(t *testing.T) {
	v := NewE164Validator()
	assert.True(t, v.ValidPhone("+251911234567"))
	assert.False(t, v.ValidPhone("0911234567"))
	assert.False(t, v.ValidPhone(""))
	assert.True(t, PhoneValidatorFunc(func(string) bool { return true }).ValidPhone("anything"))
}
