// internal/domain/order/service.go
package order

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/your-org/pharmacy-backend/internal/domain/audit"
	"github.com/your-org/pharmacy-backend/internal/domain/cart"
	"github.com/your-org/pharmacy-backend/internal/domain/events"
	"github.com/your-org/pharmacy-backend/internal/domain/inventory"
	"github.com/your-org/pharmacy-backend/internal/pkg/apperror"
	"github.com/your-org/pharmacy-backend/internal/pkg/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

const (
	ordersTable       = "orders"
	maxStatusAttempts = 3
)

var serviceTracer = otel.Tracer("github.com/your-org/pharmacy-backend/domain/order")

var errStatusConflict = errors.New("order status changed concurrently")

// Deps groups the collaborators of the order engine
type Deps struct {
	DB        *gorm.DB
	Cart      *cart.Service
	Inventory *inventory.Service
	Audit     *audit.Service
	Guard     CommitGuard
	Phone     PhoneValidator
	Sink      events.Sink
	Metrics   *metrics.Metrics
	Logger    *logrus.Logger
	Clock     clockwork.Clock
}

// Service is the order engine: it turns carts into orders and owns the status machine
type Service struct {
	db        *gorm.DB
	cart      *cart.Service
	inventory *inventory.Service
	audit     *audit.Service
	guard     CommitGuard
	phone     PhoneValidator
	sink      events.Sink
	metrics   *metrics.Metrics
	logger    *logrus.Logger
	clock     clockwork.Clock
}

// NewService creates a new order service
func NewService(d Deps) *Service {
	s := &Service{
		db:        d.DB,
		cart:      d.Cart,
		inventory: d.Inventory,
		audit:     d.Audit,
		guard:     d.Guard,
		phone:     d.Phone,
		sink:      d.Sink,
		metrics:   d.Metrics,
		logger:    d.Logger,
		clock:     d.Clock,
	}
	if s.guard == nil {
		s.guard = nopGuard{}
	}
	if s.phone == nil {
		s.phone = NewE164Validator()
	}
	if s.sink == nil {
		s.sink = events.NoopSink{}
	}
	if s.clock == nil {
		s.clock = clockwork.NewRealClock()
	}
	return s
}

// PlaceOrder converts the user's cart into a pending order.
// A replayed commit token returns the existing order together with a DuplicateCommitError.
func (s *Service) PlaceOrder(ctx context.Context, req *PlaceOrderRequest) (*Order, error) {
	ctx, span := serviceTracer.Start(ctx, "OrderService.PlaceOrder", trace.WithAttributes(attribute.Int64("user.id", req.UserID)))
	defer span.End()

	token := strings.TrimSpace(req.CommitToken)
	if token == "" {
		return nil, &apperror.ValidationError{Field: "commit_token", Reason: "is required"}
	}

	// Durable idempotency check
	existing, err := s.FindByCommitToken(ctx, token)
	if err == nil {
		return existing, duplicateOf(token, existing)
	}
	if apperror.KindOf(err) != apperror.KindNotFound {
		return nil, s.spanError(span, err)
	}

	// In-flight claim
	claimed, err := s.guard.Claim(ctx, token)
	if err != nil {
		return nil, s.spanError(span, err)
	}
	if !claimed {
		return nil, &apperror.DuplicateCommitError{Token: token}
	}
	placed := false
	defer func() {
		if placed {
			return
		}
		if err := s.guard.Release(context.WithoutCancel(ctx), token); err != nil {
			s.logger.WithError(err).Warn("Failed to release commit claim")
		}
	}()

	summary, err := s.cart.Summarize(ctx, req.UserID)
	if err != nil {
		return nil, s.spanError(span, err)
	}
	if summary.IsEmpty() {
		return nil, &apperror.EmptyCartError{UserID: req.UserID}
	}

	if !s.phone.ValidPhone(req.Phone) {
		return nil, &apperror.ValidationError{Field: "phone", Reason: "is not a valid phone number"}
	}
	if err := validateCheckout(req); err != nil {
		return nil, err
	}

	// Reserve stock item by item; undo everything on the first failure
	applied := make([]cart.Entry, 0, len(summary.Entries))
	for _, entry := range summary.Entries {
		if _, err := s.inventory.TryDecrement(ctx, entry.ItemID, entry.Quantity, req.UserID); err != nil {
			s.restoreInventory(ctx, applied, req.UserID)
			return nil, s.spanError(span, err)
		}
		applied = append(applied, entry)
	}

	now := s.clock.Now().UTC()
	order := &Order{
		OrderNumber:     GenerateOrderNumber(now),
		UserID:          req.UserID,
		CustomerName:    strings.TrimSpace(req.CustomerName),
		Phone:           strings.TrimSpace(req.Phone),
		Status:          OrderStatusPending,
		PaymentStatus:   PaymentStatusPending,
		DeliveryMethod:  req.DeliveryMethod,
		DeliveryAddress: strings.TrimSpace(req.DeliveryAddress),
		Notes:           strings.TrimSpace(req.Notes),
		CommitToken:     &token,
		TotalAmount:     decimal.Zero,
	}
	for _, entry := range summary.Entries {
		name := ""
		if entry.Item != nil {
			name = entry.Item.Name
		}
		item := OrderItem{
			ItemID:     entry.ItemID,
			ItemName:   name,
			Quantity:   entry.Quantity,
			UnitPrice:  entry.UnitPrice,
			TotalPrice: entry.UnitPrice.Mul(decimal.NewFromInt(int64(entry.Quantity))),
		}
		order.Items = append(order.Items, item)
		order.TotalAmount = order.TotalAmount.Add(item.TotalPrice)
	}

	history := StatusHistory{
		NewStatus: OrderStatusPending,
		ChangedBy: req.UserID,
		ChangedAt: now,
		Note:      "order placed",
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(order).Error; err != nil {
			return fmt.Errorf("failed to create order: %w", err)
		}

		history.OrderID = order.ID
		if err := tx.Create(&history).Error; err != nil {
			return fmt.Errorf("failed to create status history: %w", err)
		}

		if err := s.cart.WithTx(tx).Clear(ctx, summary, req.UserID); err != nil {
			return err
		}

		return s.audit.WithTx(tx).Record(ctx, req.UserID, audit.ActionCreate, ordersTable, int64(order.ID), nil, orderSnapshot(order))
	})
	if err != nil {
		s.restoreInventory(ctx, applied, req.UserID)

		// Lost a race on the unique commit token
		if prior, findErr := s.FindByCommitToken(ctx, token); findErr == nil {
			return prior, duplicateOf(token, prior)
		}
		return nil, s.spanError(span, err)
	}
	placed = true
	order.StatusHistory = []StatusHistory{history}

	s.metrics.OrderPlaced()
	span.SetAttributes(attribute.String("order.number", order.OrderNumber))
	s.logger.WithFields(logrus.Fields{
		"order_id":     order.ID,
		"order_number": order.OrderNumber,
		"user_id":      order.UserID,
		"total_amount": order.TotalAmount.StringFixed(2),
	}).Info("Order placed")

	s.sink.Publish(ctx, events.Event{
		Type:       events.TypeOrderCreated,
		OccurredAt: now,
		UserID:     order.UserID,
		OrderID:    order.ID,
		Data: map[string]any{
			"order_number": order.OrderNumber,
			"total_amount": order.TotalAmount.StringFixed(2),
			"item_count":   len(order.Items),
		},
	})

	return order, nil
}

// UpdateStatus moves an order along the state machine.
// Cancelling before the order is ready returns its stock in the same transaction.
func (s *Service) UpdateStatus(ctx context.Context, orderID uint, newStatus OrderStatus, actorID int64, note string) (*Order, error) {
	ctx, span := serviceTracer.Start(ctx, "OrderService.UpdateStatus", trace.WithAttributes(
		attribute.Int64("order.id", int64(orderID)),
		attribute.String("order.status", string(newStatus)),
	))
	defer span.End()

	if !newStatus.IsValid() {
		return nil, &apperror.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", newStatus)}
	}

	for attempt := 0; attempt < maxStatusAttempts; attempt++ {
		var current Order
		if err := s.db.WithContext(ctx).First(&current, orderID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, &apperror.NotFoundError{Resource: "order", ID: orderID}
			}
			return nil, s.spanError(span, fmt.Errorf("failed to load order: %w", err))
		}

		from := current.Status
		if !CanTransition(from, newStatus) {
			return nil, &apperror.InvalidTransitionError{From: string(from), To: string(newStatus)}
		}

		now := s.clock.Now().UTC()
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			updates := map[string]interface{}{
				"status":     newStatus,
				"updated_at": now,
			}
			if column := statusTimestampColumn(newStatus); column != "" {
				updates[column] = now
			}

			// Compare-and-set on the status we validated against
			result := tx.Model(&Order{}).Where("id = ? AND status = ?", orderID, from).Updates(updates)
			if result.Error != nil {
				return fmt.Errorf("failed to update order status: %w", result.Error)
			}
			if result.RowsAffected == 0 {
				return errStatusConflict
			}

			old := from
			history := StatusHistory{
				OrderID:   orderID,
				OldStatus: &old,
				NewStatus: newStatus,
				ChangedBy: actorID,
				ChangedAt: now,
				Note:      note,
			}
			if err := tx.Create(&history).Error; err != nil {
				return fmt.Errorf("failed to create status history: %w", err)
			}

			if RestoresStock(from, newStatus) {
				if err := s.restoreOrderInventory(ctx, tx, orderID, actorID); err != nil {
					return err
				}
			}

			return s.audit.WithTx(tx).Record(ctx, actorID, audit.ActionStatusChange, ordersTable, int64(orderID),
				map[string]string{"status": string(from)},
				map[string]string{"status": string(newStatus), "note": note},
			)
		})
		if errors.Is(err, errStatusConflict) {
			continue
		}
		if err != nil {
			return nil, s.spanError(span, err)
		}

		s.metrics.Transition(string(from), string(newStatus))
		s.logger.WithFields(logrus.Fields{
			"order_id": orderID,
			"from":     from,
			"to":       newStatus,
			"actor_id": actorID,
		}).Info("Order status updated")

		s.sink.Publish(ctx, events.Event{
			Type:       events.TypeOrderStatusChanged,
			OccurredAt: now,
			UserID:     current.UserID,
			OrderID:    orderID,
			Data: map[string]any{
				"order_number": current.OrderNumber,
				"from":         string(from),
				"to":           string(newStatus),
			},
		})

		return s.GetOrder(ctx, orderID)
	}

	return nil, s.spanError(span, fmt.Errorf("failed to update order status after %d attempts: %w", maxStatusAttempts, errStatusConflict))
}

// CancelOrder is UpdateStatus to cancelled
func (s *Service) CancelOrder(ctx context.Context, orderID uint, actorID int64, reason string) (*Order, error) {
	return s.UpdateStatus(ctx, orderID, OrderStatusCancelled, actorID, reason)
}

// MarkPaid records that payment was collected. No payment is processed here.
func (s *Service) MarkPaid(ctx context.Context, orderID uint, actorID int64) (*Order, error) {
	var current Order
	if err := s.db.WithContext(ctx).First(&current, orderID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &apperror.NotFoundError{Resource: "order", ID: orderID}
		}
		return nil, fmt.Errorf("failed to load order: %w", err)
	}
	if current.PaymentStatus == PaymentStatusPaid {
		return s.GetOrder(ctx, orderID)
	}
	if current.Status == OrderStatusCancelled {
		return nil, &apperror.InvalidTransitionError{From: string(current.Status), To: string(PaymentStatusPaid)}
	}

	now := s.clock.Now().UTC()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&Order{}).
			Where("id = ? AND payment_status = ?", orderID, PaymentStatusPending).
			Updates(map[string]interface{}{
				"payment_status": PaymentStatusPaid,
				"paid_at":        now,
				"updated_at":     now,
			})
		if result.Error != nil {
			return fmt.Errorf("failed to update payment status: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return nil
		}
		return s.audit.WithTx(tx).Record(ctx, actorID, audit.ActionUpdate, ordersTable, int64(orderID),
			map[string]string{"payment_status": string(PaymentStatusPending)},
			map[string]string{"payment_status": string(PaymentStatusPaid)},
		)
	})
	if err != nil {
		return nil, err
	}
	return s.GetOrder(ctx, orderID)
}

// GetOrder retrieves a single order by ID
func (s *Service) GetOrder(ctx context.Context, id uint) (*Order, error) {
	return s.findOrder(ctx, "id = ?", id)
}

// GetOrderByNumber retrieves a single order by order number
func (s *Service) GetOrderByNumber(ctx context.Context, orderNumber string) (*Order, error) {
	return s.findOrder(ctx, "order_number = ?", orderNumber)
}

// FindByCommitToken retrieves the order created with the given commit token
func (s *Service) FindByCommitToken(ctx context.Context, token string) (*Order, error) {
	return s.findOrder(ctx, "commit_token = ?", token)
}

func (s *Service) findOrder(ctx context.Context, query string, arg interface{}) (*Order, error) {
	var order Order
	result := s.db.WithContext(ctx).
		Preload("Items").
		Preload("StatusHistory", func(db *gorm.DB) *gorm.DB {
			return db.Order("changed_at ASC, id ASC")
		}).
		Where(query, arg).
		First(&order)

	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, &apperror.NotFoundError{Resource: "order", ID: arg}
		}
		return nil, fmt.Errorf("failed to retrieve order: %w", result.Error)
	}

	return &order, nil
}

// ListUserOrders retrieves a user's orders, newest first
func (s *Service) ListUserOrders(ctx context.Context, userID int64, page, limit int) (*OrderResponse, error) {
	return s.ListOrders(ctx, &OrderListRequest{
		Page:   page,
		Limit:  limit,
		UserID: userID,
	})
}

// ListOrders retrieves orders with filtering and pagination
func (s *Service) ListOrders(ctx context.Context, req *OrderListRequest) (*OrderResponse, error) {
	if req.Page < 1 {
		req.Page = 1
	}
	if req.Limit < 1 || req.Limit > 100 {
		req.Limit = 20
	}

	filtered := func() *gorm.DB {
		query := s.db.WithContext(ctx).Model(&Order{})
		if req.Status != "" {
			query = query.Where("status = ?", req.Status)
		}
		if req.UserID != 0 {
			query = query.Where("user_id = ?", req.UserID)
		}
		return query
	}

	var total int64
	if err := filtered().Count(&total).Error; err != nil {
		return nil, fmt.Errorf("failed to count orders: %w", err)
	}

	var orders []Order
	offset := (req.Page - 1) * req.Limit
	err := filtered().Preload("Items").
		Order("created_at DESC, id DESC").
		Offset(offset).
		Limit(req.Limit).
		Find(&orders).Error
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve orders: %w", err)
	}

	totalPages := int((total + int64(req.Limit) - 1) / int64(req.Limit))
	return &OrderResponse{
		Orders: orders,
		Pagination: Pagination{
			Page:       req.Page,
			Limit:      req.Limit,
			Total:      total,
			TotalPages: totalPages,
			HasNext:    req.Page < totalPages,
			HasPrev:    req.Page > 1,
		},
	}, nil
}

// restoreInventory undoes reservations made before the order row existed
func (s *Service) restoreInventory(ctx context.Context, applied []cart.Entry, actorID int64) {
	ctx = context.WithoutCancel(ctx)
	for _, entry := range applied {
		if _, err := s.inventory.Increment(ctx, entry.ItemID, entry.Quantity, actorID); err != nil {
			s.logger.WithError(err).WithFields(logrus.Fields{
				"item_id":  entry.ItemID,
				"quantity": entry.Quantity,
			}).Error("Failed to restore reserved stock")
		}
	}
}

// restoreOrderInventory returns the stock of every order line inside tx
func (s *Service) restoreOrderInventory(ctx context.Context, tx *gorm.DB, orderID uint, actorID int64) error {
	var items []OrderItem
	if err := tx.Where("order_id = ?", orderID).Find(&items).Error; err != nil {
		return fmt.Errorf("failed to load order items: %w", err)
	}

	ledger := s.inventory.WithTx(tx)
	for _, item := range items {
		if _, err := ledger.Increment(ctx, item.ItemID, item.Quantity, actorID); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) spanError(span trace.Span, err error) error {
	if apperror.KindOf(err) == apperror.KindInternal {
		span.RecordError(err)
		span.SetStatus(codes.Error, "order engine error")
	}
	return err
}

func validateCheckout(req *PlaceOrderRequest) error {
	if len(strings.TrimSpace(req.CustomerName)) < 2 {
		return &apperror.ValidationError{Field: "customer_name", Reason: "must be at least 2 characters"}
	}
	switch req.DeliveryMethod {
	case DeliveryPickup:
	case DeliveryDelivery:
		if strings.TrimSpace(req.DeliveryAddress) == "" {
			return &apperror.ValidationError{Field: "delivery_address", Reason: "is required for delivery"}
		}
	default:
		return &apperror.ValidationError{Field: "delivery_method", Reason: "must be pickup or delivery"}
	}
	return nil
}

func statusTimestampColumn(status OrderStatus) string {
	switch status {
	case OrderStatusConfirmed:
		return "confirmed_at"
	case OrderStatusProcessing:
		return "processed_at"
	case OrderStatusReady:
		return "ready_at"
	case OrderStatusCompleted:
		return "completed_at"
	case OrderStatusCancelled:
		return "cancelled_at"
	}
	return ""
}

func duplicateOf(token string, order *Order) error {
	return &apperror.DuplicateCommitError{
		Token:       token,
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
	}
}

func orderSnapshot(o *Order) map[string]interface{} {
	lines := make([]map[string]interface{}, len(o.Items))
	for i, item := range o.Items {
		lines[i] = map[string]interface{}{
			"item_id":     item.ItemID,
			"quantity":    item.Quantity,
			"unit_price":  item.UnitPrice.StringFixed(2),
			"total_price": item.TotalPrice.StringFixed(2),
		}
	}
	return map[string]interface{}{
		"order_number":    o.OrderNumber,
		"status":          o.Status,
		"total_amount":    o.TotalAmount.StringFixed(2),
		"delivery_method": o.DeliveryMethod,
		"items":           lines,
	}
}

// HistoryFor returns the transitions of an order, oldest first
func (s *Service) HistoryFor(ctx context.Context, orderID uint) ([]StatusHistory, error) {
	var rows []StatusHistory
	if err := s.db.WithContext(ctx).Where("order_id = ?", orderID).Order("changed_at ASC, id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to load status history: %w", err)
	}
	return rows, nil
}
