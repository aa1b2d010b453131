// internal/domain/conversation/service.go
package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/your-org/pharmacy-backend/internal/domain/audit"
	"github.com/your-org/pharmacy-backend/internal/domain/cart"
	"github.com/your-org/pharmacy-backend/internal/domain/inventory"
	"github.com/your-org/pharmacy-backend/internal/domain/order"
	"github.com/your-org/pharmacy-backend/internal/domain/session"
	"github.com/your-org/pharmacy-backend/internal/pkg/apperror"
)

const sessionsTable = "sessions"

// Outcome is what the user sees after an input: the next prompt, or the
// record produced by a committed flow
type Outcome struct {
	Flow      session.FlowType `json:"flow"`
	Next      *session.Prompt  `json:"next,omitempty"`
	Order     *order.Order     `json:"order,omitempty"`
	CartEntry *cart.Entry      `json:"cart_entry,omitempty"`
	Items     []inventory.Item `json:"items,omitempty"`
}

// Committed reports whether the flow finished
func (o *Outcome) Committed() bool {
	return o.Next == nil
}

// Service routes flow commits to the component that owns them
type Service struct {
	sessions  *session.Store
	cart      *cart.Service
	orders    *order.Service
	inventory *inventory.Service
	audit     *audit.Service
	logger    *logrus.Logger
}

// NewService creates a conversation service
func NewService(sessions *session.Store, cartSvc *cart.Service, orders *order.Service, inv *inventory.Service, auditSvc *audit.Service, logger *logrus.Logger) *Service {
	return &Service{
		sessions:  sessions,
		cart:      cartSvc,
		orders:    orders,
		inventory: inv,
		audit:     auditSvc,
		logger:    logger,
	}
}

// BeginFlow starts (or restarts) a flow for the user
func (s *Service) BeginFlow(ctx context.Context, userID int64, flow session.FlowType) (*session.Prompt, error) {
	return s.sessions.Begin(ctx, userID, flow)
}

// CurrentFlow returns the pending prompt, if any
func (s *Service) CurrentFlow(ctx context.Context, userID int64) (*session.Prompt, error) {
	return s.sessions.Current(ctx, userID)
}

// CancelFlow drops the user's session without touching any other state
func (s *Service) CancelFlow(ctx context.Context, userID int64) error {
	return s.sessions.Cancel(ctx, userID)
}

// AdvanceFlow feeds one input to the user's session and dispatches the commit
// when the terminal step is reached
func (s *Service) AdvanceFlow(ctx context.Context, userID int64, input string) (*Outcome, error) {
	res, err := s.sessions.Advance(ctx, userID, input)
	if err != nil {
		var dup *apperror.DuplicateCommitError
		if errors.As(err, &dup) {
			return nil, s.withPriorOrder(ctx, dup)
		}
		return nil, err
	}

	if res.Next != nil {
		return &Outcome{Flow: res.Next.Flow, Next: res.Next}, nil
	}

	out, err := s.dispatch(ctx, res.Commit)
	s.recordCommit(ctx, res.Commit, out, err)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) dispatch(ctx context.Context, c *session.Commit) (*Outcome, error) {
	out := &Outcome{Flow: c.Flow}

	switch p := c.Payload.(type) {
	case *session.PlaceOrderPayload:
		placed, err := s.orders.PlaceOrder(ctx, &order.PlaceOrderRequest{
			UserID:          c.UserID,
			CustomerName:    p.CustomerName,
			Phone:           p.Phone,
			DeliveryMethod:  order.DeliveryMethod(p.DeliveryMethod),
			DeliveryAddress: p.DeliveryAddress,
			CommitToken:     c.Token,
		})
		if err != nil {
			return nil, err
		}
		out.Order = placed

	case *session.CustomQuantityPayload:
		entry, err := s.cart.AddOrUpdate(ctx, c.UserID, p.ItemID, p.Quantity)
		if err != nil {
			return nil, err
		}
		out.CartEntry = entry

	case *session.AddItemPayload:
		req, err := toCreateItemRequest(p)
		if err != nil {
			return nil, err
		}
		item, err := s.inventory.CreateItem(ctx, req, c.UserID)
		if err != nil {
			return nil, err
		}
		out.Items = []inventory.Item{*item}

	case *session.BulkItemsPayload:
		reqs := make([]inventory.CreateItemRequest, 0, len(p.Rows))
		for i := range p.Rows {
			req, err := toCreateItemRequest(&p.Rows[i])
			if err != nil {
				return nil, err
			}
			reqs = append(reqs, *req)
		}
		items, err := s.inventory.CreateItems(ctx, reqs, c.UserID)
		if err != nil {
			return nil, err
		}
		out.Items = items

	default:
		return nil, fmt.Errorf("no handler for flow payload %T", c.Payload)
	}

	return out, nil
}

// withPriorOrder fills in the order a replayed token already produced
func (s *Service) withPriorOrder(ctx context.Context, dup *apperror.DuplicateCommitError) error {
	if dup.OrderID != 0 {
		return dup
	}
	prior, err := s.orders.FindByCommitToken(ctx, dup.Token)
	if err != nil {
		var nf *apperror.NotFoundError
		if !errors.As(err, &nf) {
			s.logger.WithError(err).Warn("Failed to look up order for replayed token")
		}
		return dup
	}
	return &apperror.DuplicateCommitError{
		Token:       dup.Token,
		OrderID:     prior.ID,
		OrderNumber: prior.OrderNumber,
	}
}

func (s *Service) recordCommit(ctx context.Context, c *session.Commit, out *Outcome, dispatchErr error) {
	details := map[string]interface{}{
		"flow":  c.Flow,
		"token": c.Token,
	}
	if dispatchErr != nil {
		details["result"] = string(apperror.KindOf(dispatchErr))
	} else {
		details["result"] = "ok"
		switch {
		case out.Order != nil:
			details["order_id"] = out.Order.ID
			details["order_number"] = out.Order.OrderNumber
		case out.CartEntry != nil:
			details["cart_entry_id"] = out.CartEntry.ID
		case len(out.Items) > 0:
			details["items_created"] = len(out.Items)
		}
	}

	if err := s.audit.Record(ctx, c.UserID, audit.ActionFlowCommit, sessionsTable, c.UserID, nil, details); err != nil {
		s.logger.WithError(err).WithField("user_id", c.UserID).Error("Failed to audit flow commit")
	}

	entry := s.logger.WithFields(logrus.Fields{
		"user_id": c.UserID,
		"flow":    c.Flow,
	})
	if dispatchErr != nil {
		entry.WithError(dispatchErr).Warn("Flow commit rejected")
		return
	}
	entry.Info("Flow commit applied")
}

func toCreateItemRequest(p *session.AddItemPayload) (*inventory.CreateItemRequest, error) {
	price, err := decimal.NewFromString(p.Price)
	if err != nil {
		return nil, &apperror.ValidationError{Field: "price", Reason: "price must be a number"}
	}
	req := &inventory.CreateItemRequest{
		Name:        p.Name,
		BatchNumber: p.BatchNumber,
		DosageForm:  p.DosageForm,
		Price:       price,
	}
	if p.StockQuantity != nil {
		req.StockQuantity = *p.StockQuantity
	}
	if req.ManufacturingDate, err = parseDate("manufacturing_date", p.ManufacturingDate); err != nil {
		return nil, err
	}
	if req.ExpiryDate, err = parseDate("expiry_date", p.ExpiryDate); err != nil {
		return nil, err
	}
	return req, nil
}

func parseDate(field, value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	t, err := time.Parse("2006-01-02", value)
	if err != nil {
		return nil, &apperror.ValidationError{Field: field, Reason: "date must be YYYY-MM-DD"}
	}
	return &t, nil
}
