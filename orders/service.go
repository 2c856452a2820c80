// Package orders prices, persists and transitions buyer orders.
package orders

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"marketplace-svc/apperr"
	"marketplace-svc/cache"
	"marketplace-svc/database"
	"marketplace-svc/middleware"
	"marketplace-svc/models"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const tracerName = "marketplace-service"

const (
	defaultPage  = 1
	defaultLimit = 10
	maxLimit     = 100
)

type EventPublisher interface {
	Publish(ctx context.Context, topic, key string, event any) error
}

type Service struct {
	db       *sql.DB
	cache    cache.Cache
	cacheTTL time.Duration
	events   EventPublisher
	logger   *zap.Logger
}

func NewService(db *sql.DB, c cache.Cache, cacheTTL time.Duration, events EventPublisher, logger *zap.Logger) *Service {
	if c == nil {
		c = cache.Nop{}
	}
	return &Service{
		db:       db,
		cache:    c,
		cacheTTL: cacheTTL,
		events:   events,
		logger:   logger,
	}
}

// ValidateOrderInput checks the request shape before anything is read from the store.
func ValidateOrderInput(req models.CreateOrderRequest) error {
	var missing []string
	if req.OrderItems == nil {
		missing = append(missing, "orderItems")
	}
	if req.PaymentMethod == "" {
		missing = append(missing, "paymentMethod")
	}
	if req.ShippingAddressID == 0 {
		missing = append(missing, "shippingAddressId")
	}
	if len(missing) > 0 {
		return apperr.Validationf("Missing required fields: %s", strings.Join(missing, ", "))
	}

	if len(req.OrderItems) == 0 {
		return apperr.Validation("Order must contain at least one item")
	}
	for _, item := range req.OrderItems {
		if item.ProductID == 0 || item.Quantity == 0 {
			return apperr.Validation("Each order item must have productId and quantity")
		}
		if item.Quantity < 0 {
			return apperr.Validation("Quantity must be greater than zero")
		}
	}

	if !models.ValidPaymentMethod(req.PaymentMethod) {
		return apperr.Validationf("Invalid payment method: %s", req.PaymentMethod)
	}
	if req.ShippingCost != nil && req.ShippingCost.IsNegative() {
		return apperr.Validation("Shipping cost cannot be negative")
	}
	return nil
}

// CreateOrder prices every item from the current product price and writes
// the order with its items in one transaction.
func (s *Service) CreateOrder(ctx context.Context, req models.CreateOrderRequest, buyerID int64) (*models.Order, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "orders.CreateOrder")
	defer span.End()

	if err := ValidateOrderInput(req); err != nil {
		return nil, err
	}

	shippingCost := decimal.Zero
	if req.ShippingCost != nil {
		shippingCost = *req.ShippingCost
	}

	order := &models.Order{
		BuyerID:           buyerID,
		ShippingAddressID: req.ShippingAddressID,
		Status:            models.OrderStatusPending,
		PaymentMethod:     req.PaymentMethod,
		PaymentStatus:     models.PaymentStatusPending,
		ShippingCost:      shippingCost,
		DeliveryDate:      req.DeliveryDate,
		Notes:             req.Notes,
	}

	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := verifyShippingAddress(ctx, tx, req.ShippingAddressID, buyerID); err != nil {
			return err
		}

		items, itemsTotal, err := priceItems(ctx, tx, req.OrderItems)
		if err != nil {
			return err
		}
		order.TotalAmount = itemsTotal.Add(shippingCost)

		err = tx.QueryRowContext(ctx,
			`INSERT INTO orders (buyer_id, shipping_address_id, total_amount, status, payment_method, payment_status, shipping_cost, delivery_date, notes)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING id, order_date`,
			order.BuyerID, order.ShippingAddressID, order.TotalAmount, order.Status,
			order.PaymentMethod, order.PaymentStatus, order.ShippingCost, order.DeliveryDate, order.Notes,
		).Scan(&order.ID, &order.OrderDate)
		if err != nil {
			return fmt.Errorf("failed to insert order: %w", err)
		}

		for i := range items {
			items[i].OrderID = order.ID
			err := tx.QueryRowContext(ctx,
				`INSERT INTO order_items (order_id, product_id, quantity, unit_price, subtotal, buyer_notes)
				VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
				order.ID, items[i].ProductID, items[i].Quantity, items[i].UnitPrice, items[i].Subtotal, items[i].BuyerNotes,
			).Scan(&items[i].ID)
			if err != nil {
				return fmt.Errorf("failed to insert order item: %w", err)
			}
		}
		order.Items = items
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(
		attribute.Int64("order.id", order.ID),
		attribute.String("order.total", order.TotalAmount.StringFixed(2)),
	)
	middleware.RecordOrderCreated()
	s.publish(ctx, models.EventOrderCreated, order.ID, order.BuyerID, order.Status, order.PaymentStatus, order.TotalAmount)

	s.logger.Info("Order created",
		zap.String("trace_id", middleware.GetTraceID(ctx)),
		zap.Int64("order_id", order.ID),
		zap.Int64("buyer_id", buyerID),
		zap.String("total_amount", order.TotalAmount.StringFixed(2)),
	)
	return order, nil
}

func verifyShippingAddress(ctx context.Context, q database.Querier, addressID, buyerID int64) error {
	var id int64
	err := q.QueryRowContext(ctx,
		"SELECT id FROM shipping_addresses WHERE id = $1 AND buyer_id = $2",
		addressID, buyerID,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.NotFound("Shipping address not found")
	}
	if err != nil {
		return fmt.Errorf("failed to load shipping address: %w", err)
	}
	return nil
}

// priceItems snapshots the current product price into each item and checks
// stock against the total requested per product. Stock is not reserved.
func priceItems(ctx context.Context, q database.Querier, inputs []models.OrderItemInput) ([]models.OrderItem, decimal.Decimal, error) {
	items := make([]models.OrderItem, 0, len(inputs))
	total := decimal.Zero
	requested := make(map[int64]int, len(inputs))

	for _, in := range inputs {
		var price decimal.Decimal
		var available int
		var status string
		err := q.QueryRowContext(ctx,
			"SELECT price, available_quantity, status FROM products WHERE id = $1 FOR SHARE", in.ProductID,
		).Scan(&price, &available, &status)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, decimal.Zero, apperr.NotFoundf("Product with ID %d not found", in.ProductID).WithCode(apperr.CodeProductNotFound)
		}
		if err != nil {
			return nil, decimal.Zero, fmt.Errorf("failed to load product price: %w", err)
		}

		requested[in.ProductID] += in.Quantity
		if status == models.ProductStatusOutOfStock || available < requested[in.ProductID] {
			return nil, decimal.Zero, apperr.Validationf("Insufficient stock for product %d", in.ProductID).WithCode(apperr.CodeInsufficientStock)
		}

		subtotal := price.Mul(decimal.NewFromInt(int64(in.Quantity)))
		total = total.Add(subtotal)
		items = append(items, models.OrderItem{
			ProductID:  in.ProductID,
			Quantity:   in.Quantity,
			UnitPrice:  price,
			Subtotal:   subtotal,
			BuyerNotes: in.BuyerNotes,
		})
	}
	return items, total, nil
}

const orderColumns = "id, buyer_id, shipping_address_id, order_date, total_amount, status, payment_method, payment_status, shipping_cost, delivery_date, notes"

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(row scanner) (*models.Order, error) {
	var o models.Order
	err := row.Scan(&o.ID, &o.BuyerID, &o.ShippingAddressID, &o.OrderDate, &o.TotalAmount,
		&o.Status, &o.PaymentMethod, &o.PaymentStatus, &o.ShippingCost, &o.DeliveryDate, &o.Notes)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *Service) loadOrder(ctx context.Context, orderID int64) (*models.Order, error) {
	order, err := scanOrder(s.db.QueryRowContext(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE id = $1", orderID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("Order not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load order: %w", err)
	}

	items, err := s.loadItems(ctx, []int64{orderID})
	if err != nil {
		return nil, err
	}
	order.Items = items[orderID]
	if order.Items == nil {
		order.Items = []models.OrderItem{}
	}
	return order, nil
}

func (s *Service) loadItems(ctx context.Context, orderIDs []int64) (map[int64][]models.OrderItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, order_id, product_id, quantity, unit_price, subtotal, producer_notes, buyer_notes
		FROM order_items WHERE order_id = ANY($1) ORDER BY order_id, id`,
		pq.Array(orderIDs),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load order items: %w", err)
	}
	defer rows.Close()

	out := make(map[int64][]models.OrderItem, len(orderIDs))
	for rows.Next() {
		var it models.OrderItem
		if err := rows.Scan(&it.ID, &it.OrderID, &it.ProductID, &it.Quantity, &it.UnitPrice,
			&it.Subtotal, &it.ProducerNotes, &it.BuyerNotes); err != nil {
			return nil, fmt.Errorf("failed to scan order item: %w", err)
		}
		out[it.OrderID] = append(out[it.OrderID], it)
	}
	return out, rows.Err()
}

// GetOrderByID reads through the cache. When buyerID is set, an order owned
// by someone else is reported as not found.
func (s *Service) GetOrderByID(ctx context.Context, orderID int64, buyerID *int64) (*models.Order, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "orders.GetOrderByID")
	defer span.End()
	span.SetAttributes(attribute.Int64("order.id", orderID))

	var order models.Order
	hit, err := s.cache.Get(ctx, cache.OrderKey(orderID), &order)
	if err != nil {
		s.logger.Warn("Order cache read failed", zap.Int64("order_id", orderID), zap.Error(err))
	}

	if !hit {
		version, verr := s.cache.Version(ctx, cache.OrderKey(orderID))
		loaded, err := s.loadOrder(ctx, orderID)
		if err != nil {
			return nil, err
		}
		order = *loaded
		// An invalidation after Version bumps it, so a stale row is not cached.
		if verr != nil {
			s.logger.Warn("Order cache version read failed", zap.Int64("order_id", orderID), zap.Error(verr))
		} else if _, err := s.cache.Fill(ctx, cache.OrderKey(orderID), order, s.cacheTTL, version); err != nil {
			s.logger.Warn("Order cache write failed", zap.Int64("order_id", orderID), zap.Error(err))
		}
	}

	if buyerID != nil && order.BuyerID != *buyerID {
		return nil, apperr.NotFound("Order not found")
	}
	return &order, nil
}

func (s *Service) GetBuyerOrders(ctx context.Context, buyerID int64, q models.OrderListQuery) (*models.OrderList, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "orders.GetBuyerOrders")
	defer span.End()

	page, limit := q.Page, q.Limit
	if page < 1 {
		page = defaultPage
	}
	if limit < 1 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	where := "WHERE buyer_id = $1"
	args := []any{buyerID}
	if q.Status != "" {
		if !models.OrderStatus(q.Status).Valid() {
			return nil, apperr.Validationf("Invalid status: %s", q.Status)
		}
		where += " AND status = $2"
		args = append(args, q.Status)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM orders "+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count orders: %w", err)
	}

	n := len(args)
	listArgs := append(args, limit, (page-1)*limit)
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+orderColumns+" FROM orders "+where+
			" ORDER BY order_date DESC LIMIT $"+strconv.Itoa(n+1)+" OFFSET $"+strconv.Itoa(n+2),
		listArgs...,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}

	orders := []models.Order{}
	var ids []int64
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, *o)
		ids = append(ids, o.ID)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(ids) > 0 {
		items, err := s.loadItems(ctx, ids)
		if err != nil {
			return nil, err
		}
		for i := range orders {
			orders[i].Items = items[orders[i].ID]
		}
	}

	return &models.OrderList{
		Orders:     orders,
		Pagination: models.NewPagination(total, page, limit),
	}, nil
}

// UpdateOrderStatus moves an order along its lifecycle on behalf of a producer
// who sells an item in it, or an admin.
func (s *Service) UpdateOrderStatus(ctx context.Context, orderID int64, status models.OrderStatus, actor models.Actor) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "orders.UpdateOrderStatus")
	defer span.End()
	span.SetAttributes(attribute.Int64("order.id", orderID), attribute.String("order.status", string(status)))

	if !status.Valid() {
		return apperr.Validation("Invalid status. Must be one of: Pending, Processing, Shipped, Delivered, Cancelled")
	}

	var buyerID int64
	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		var current models.OrderStatus
		err := tx.QueryRowContext(ctx,
			"SELECT status, buyer_id FROM orders WHERE id = $1 FOR UPDATE", orderID,
		).Scan(&current, &buyerID)
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.NotFound("Order not found")
		}
		if err != nil {
			return fmt.Errorf("failed to lock order: %w", err)
		}

		switch actor.Role {
		case models.RoleAdmin:
		case models.RoleProducer:
			ok, err := ProducerHasItem(ctx, tx, orderID, actor.UserID)
			if err != nil {
				return err
			}
			if !ok {
				return apperr.Forbidden("You are not authorized to update this order")
			}
		default:
			return apperr.Forbidden("You are not authorized to update this order")
		}

		if !models.CanTransition(current, status) {
			return apperr.Conflictf("Cannot change order status from %s to %s", current, status).
				WithCode(apperr.CodeInvalidStateTransition)
		}

		if _, err := tx.ExecContext(ctx, "UPDATE orders SET status = $1 WHERE id = $2", status, orderID); err != nil {
			return fmt.Errorf("failed to update order status: %w", err)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return err
	}

	s.invalidate(ctx, orderID)
	s.publish(ctx, models.EventOrderStatusChanged, orderID, buyerID, status, "", decimal.Zero)
	s.logger.Info("Order status updated",
		zap.Int64("order_id", orderID),
		zap.String("status", string(status)),
		zap.Int64("actor_id", actor.UserID),
	)
	return nil
}

// CancelOrder is buyer-initiated and only allowed before shipping.
func (s *Service) CancelOrder(ctx context.Context, orderID, buyerID int64) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "orders.CancelOrder")
	defer span.End()
	span.SetAttributes(attribute.Int64("order.id", orderID))

	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		var current models.OrderStatus
		var notes sql.NullString
		err := tx.QueryRowContext(ctx,
			"SELECT status, notes FROM orders WHERE id = $1 AND buyer_id = $2 FOR UPDATE",
			orderID, buyerID,
		).Scan(&current, &notes)
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.NotFound("Order not found")
		}
		if err != nil {
			return fmt.Errorf("failed to lock order: %w", err)
		}

		if !current.Cancellable() {
			return apperr.Conflictf("Cannot cancel order with status: %s", current).
				WithCode(apperr.CodeInvalidStateTransition)
		}

		newNotes := "Cancelled by buyer"
		if notes.Valid && notes.String != "" {
			newNotes = notes.String + "\n" + newNotes
		}

		if _, err := tx.ExecContext(ctx,
			"UPDATE orders SET status = $1, notes = $2 WHERE id = $3",
			models.OrderStatusCancelled, newNotes, orderID,
		); err != nil {
			return fmt.Errorf("failed to cancel order: %w", err)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return err
	}

	s.invalidate(ctx, orderID)
	s.publish(ctx, models.EventOrderCancelled, orderID, buyerID, models.OrderStatusCancelled, "", decimal.Zero)
	s.logger.Info("Order cancelled", zap.Int64("order_id", orderID), zap.Int64("buyer_id", buyerID))
	return nil
}

// ProducerHasItem reports whether any item of the order is a product sold by
// the producer whose user id is given.
func ProducerHasItem(ctx context.Context, q database.Querier, orderID, producerUserID int64) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx,
		`SELECT 1 FROM order_items oi
		JOIN products p ON p.id = oi.product_id
		JOIN producers pr ON pr.id = p.producer_id
		WHERE oi.order_id = $1 AND pr.user_id = $2 LIMIT 1`,
		orderID, producerUserID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check producer items: %w", err)
	}
	return true, nil
}

func (s *Service) ProducerHasOrderItem(ctx context.Context, orderID, producerUserID int64) (bool, error) {
	return ProducerHasItem(ctx, s.db, orderID, producerUserID)
}

// Invalidate drops the cached copy of an order. Other components that
// mutate orders (payments) call it after committing.
func (s *Service) Invalidate(ctx context.Context, orderID int64) {
	s.invalidate(ctx, orderID)
}

func (s *Service) invalidate(ctx context.Context, orderID int64) {
	if err := s.cache.Delete(ctx, cache.OrderKey(orderID)); err != nil {
		s.logger.Warn("Order cache invalidation failed", zap.Int64("order_id", orderID), zap.Error(err))
	}
}

func (s *Service) publish(ctx context.Context, eventType string, orderID, buyerID int64, status models.OrderStatus, paymentStatus models.PaymentStatus, total decimal.Decimal) {
	if s.events == nil {
		return
	}
	event := models.OrderEvent{
		EventType:     eventType,
		OrderID:       orderID,
		BuyerID:       buyerID,
		Status:        status,
		PaymentStatus: paymentStatus,
		TotalAmount:   total,
		OccurredAt:    time.Now().UTC(),
	}
	if err := s.events.Publish(ctx, models.TopicOrderEvents, strconv.FormatInt(orderID, 10), event); err != nil {
		// Events are notifications; the order itself is already committed.
		s.logger.Error("Failed to publish order event",
			zap.String("event_type", eventType),
			zap.Int64("order_id", orderID),
			zap.Error(err),
		)
	}
}
