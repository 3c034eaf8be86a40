package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/shopspring/decimal"

	"delivery-tracker/internal/common/logger"
	"delivery-tracker/internal/domain"
	"delivery-tracker/internal/microservices/order/repository"
)

var (
	// ErrValidation marks a request the writer refuses before touching the store.
	ErrValidation = errors.New("invalid request")
	// ErrNotOutForDelivery is returned for rider updates outside the delivery leg.
	ErrNotOutForDelivery = errors.New("order is not out for delivery")
)

// TaxRate is applied to the item subtotal at checkout.
var TaxRate = decimal.RequireFromString("0.08")

// Notifier is told about every committed change.
type Notifier interface {
	Notify(ctx context.Context, o domain.Order) error
}

type OrderServiceInterface interface {
	CreateOrder(ctx context.Context, req domain.CreateOrderRequest) (domain.CreateOrderResponse, error)
	ListOrders(ctx context.Context, limit int) ([]domain.Order, error)
	UpdateOrderStatus(ctx context.Context, id uuid.UUID, status domain.Status, eta *int, changedBy string) (domain.Order, error)
	UpdateRiderProgress(ctx context.Context, id uuid.UUID, progress float64, eta *int, changedBy string) (domain.Order, error)
	AssignRider(ctx context.Context, id uuid.UUID, name, changedBy string) (domain.Order, error)
}

type OrderService struct {
	db       repository.OrderRepositoryInterface
	notifier Notifier
	clock    clock.Clock
	log      *logger.Logger
}

func NewOrderService(db repository.OrderRepositoryInterface, notifier Notifier, clk clock.Clock, log *logger.Logger) *OrderService {
	if clk == nil {
		clk = clock.WallClock
	}
	return &OrderService{db: db, notifier: notifier, clock: clk, log: log}
}

func validationErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func (svc *OrderService) CreateOrder(ctx context.Context, req domain.CreateOrderRequest) (domain.CreateOrderResponse, error) {
	// 1. Basic validation
	if len(req.Items) == 0 {
		return domain.CreateOrderResponse{}, validationErr("at least one item is required")
	}
	if req.DeliveryFee.IsNegative() {
		return domain.CreateOrderResponse{}, validationErr("delivery fee must not be negative")
	}
	if req.ETAMinutes != nil && *req.ETAMinutes < 0 {
		return domain.CreateOrderResponse{}, validationErr("eta_minutes must not be negative")
	}

	// 2. Calculate amounts
	items := make([]domain.Item, 0, len(req.Items))
	subtotal := decimal.Zero
	for _, in := range req.Items {
		if in.Name == "" {
			return domain.CreateOrderResponse{}, validationErr("item name is required")
		}
		if in.Quantity <= 0 {
			return domain.CreateOrderResponse{}, validationErr("invalid quantity for item %s", in.Name)
		}
		if !in.Price.IsPositive() {
			return domain.CreateOrderResponse{}, validationErr("invalid price for item %s", in.Name)
		}
		it := domain.Item{Name: in.Name, Quantity: in.Quantity, UnitPrice: in.Price}
		subtotal = subtotal.Add(it.LineTotal())
		items = append(items, it)
	}
	subtotal = subtotal.Round(2)
	tax := subtotal.Mul(TaxRate).Round(2)
	fee := req.DeliveryFee.Round(2)
	total := subtotal.Add(tax).Add(fee)

	// 3. Generate order number (ORD_YYYYMMDD_NNN)
	today := svc.clock.Now().UTC().Format("20060102")
	sequence, err := svc.db.CountOrders(ctx)
	if err != nil {
		return domain.CreateOrderResponse{}, fmt.Errorf("failed to get order count: %w", err)
	}
	orderNumber := fmt.Sprintf("ORD_%s_%03d", today, sequence+1)

	// 4. Save order in database
	saved, err := svc.db.AddOrder(ctx, domain.Order{
		OrderNumber:     orderNumber,
		Status:          domain.StatusPlaced,
		ETAMinutes:      req.ETAMinutes,
		Items:           items,
		Subtotal:        subtotal,
		Tax:             tax,
		DeliveryFee:     fee,
		Total:           total,
		RestaurantID:    req.RestaurantID,
		UserID:          req.UserID,
		DeliveryAddress: req.DeliveryAddress,
		Notes:           req.Notes,
	})
	if err != nil {
		return domain.CreateOrderResponse{}, fmt.Errorf("failed to save order: %w", err)
	}
	svc.log.Info("order_created", map[string]any{"order_id": saved.ID.String(), "order_number": orderNumber, "total": total.String()})

	// 5. Publish
	svc.notify(ctx, saved)

	return domain.CreateOrderResponse{
		ID:          saved.ID,
		OrderNumber: saved.OrderNumber,
		Status:      saved.Status,
		TotalAmount: saved.Total,
	}, nil
}

func (svc *OrderService) ListOrders(ctx context.Context, limit int) ([]domain.Order, error) {
	return svc.db.ListOrders(ctx, limit)
}

// UpdateOrderStatus moves the order one lifecycle step or cancels it.
// Delivered orders get full progress and a zero ETA.
func (svc *OrderService) UpdateOrderStatus(ctx context.Context, id uuid.UUID, status domain.Status, eta *int, changedBy string) (domain.Order, error) {
	if !status.Valid() {
		return domain.Order{}, validationErr("unknown status %q", status)
	}
	if eta != nil && *eta < 0 {
		return domain.Order{}, validationErr("eta_minutes must not be negative")
	}
	saved, err := svc.db.UpdateOrder(ctx, id, changedBy, func(o *domain.Order) error {
		if err := domain.ValidateTransition(o.Status, status); err != nil {
			return err
		}
		o.Status = status
		if eta != nil {
			o.ETAMinutes = eta
		}
		*o = o.Normalize()
		return nil
	})
	if err != nil {
		return domain.Order{}, err
	}
	svc.log.Info("order_status_updated", map[string]any{"order_id": id.String(), "status": status.String(), "changed_by": changedBy})
	svc.notify(ctx, saved)
	return saved, nil
}

// UpdateRiderProgress clamps progress into [0,1] and never lets it move back.
func (svc *OrderService) UpdateRiderProgress(ctx context.Context, id uuid.UUID, progress float64, eta *int, changedBy string) (domain.Order, error) {
	if eta != nil && *eta < 0 {
		return domain.Order{}, validationErr("eta_minutes must not be negative")
	}
	p := domain.ClampProgress(progress)
	saved, err := svc.db.UpdateOrder(ctx, id, changedBy, func(o *domain.Order) error {
		if o.Status != domain.StatusOutForDelivery {
			return fmt.Errorf("%w: status is %s", ErrNotOutForDelivery, o.Status)
		}
		if p > o.RiderProgress {
			o.RiderProgress = p
		}
		if eta != nil {
			o.ETAMinutes = eta
		}
		return nil
	})
	if err != nil {
		return domain.Order{}, err
	}
	svc.notify(ctx, saved)
	return saved, nil
}

func (svc *OrderService) AssignRider(ctx context.Context, id uuid.UUID, name, changedBy string) (domain.Order, error) {
	if name == "" {
		return domain.Order{}, validationErr("rider_name is required")
	}
	saved, err := svc.db.UpdateOrder(ctx, id, changedBy, func(o *domain.Order) error {
		if o.Status != domain.StatusOutForDelivery {
			return fmt.Errorf("%w: status is %s", ErrNotOutForDelivery, o.Status)
		}
		o.RiderName = domain.StringPtr(name)
		return nil
	})
	if err != nil {
		return domain.Order{}, err
	}
	svc.log.Info("rider_assigned", map[string]any{"order_id": id.String(), "rider": name})
	svc.notify(ctx, saved)
	return saved, nil
}

// notify is best effort: the row is committed either way. With the rabbitmq
// live source a lost publish leaves open sessions on the previous snapshot
// until the order changes again or the broker connection is re-established,
// so the failure is logged at error level with the order's state.
func (svc *OrderService) notify(ctx context.Context, o domain.Order) {
	if svc.notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := svc.notifier.Notify(ctx, o); err != nil {
		svc.log.Error("order_notify_failed", err, map[string]any{
			"order_id":   o.ID.String(),
			"status":     o.Status.String(),
			"updated_at": o.UpdatedAt,
		})
	}
}
