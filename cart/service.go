// Package cart keeps one live-priced cart per buyer and turns it into order input.
package cart

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"marketplace-svc/apperr"
	"marketplace-svc/database"
	"marketplace-svc/models"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const tracerName = "marketplace-service"

// OrderCreator is the order workflow the cart hands off to at checkout.
type OrderCreator interface {
	CreateOrder(ctx context.Context, req models.CreateOrderRequest, buyerID int64) (*models.Order, error)
}

type Service struct {
	db     *sql.DB
	orders OrderCreator
	logger *zap.Logger
}

func NewService(db *sql.DB, orders OrderCreator, logger *zap.Logger) *Service {
	return &Service{db: db, orders: orders, logger: logger}
}

// GetOrCreateCart relies on the unique buyer_id constraint so concurrent
// first calls still end up with a single cart row.
func (s *Service) GetOrCreateCart(ctx context.Context, buyerID int64) (*models.Cart, error) {
	return getOrCreateCart(ctx, s.db, buyerID)
}

func getOrCreateCart(ctx context.Context, q database.Querier, buyerID int64) (*models.Cart, error) {
	var c models.Cart
	err := q.QueryRowContext(ctx,
		`INSERT INTO carts (buyer_id) VALUES ($1)
		ON CONFLICT (buyer_id) DO UPDATE SET buyer_id = EXCLUDED.buyer_id
		RETURNING id, buyer_id, created_at, updated_at`,
		buyerID,
	).Scan(&c.ID, &c.BuyerID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get or create cart: %w", err)
	}
	return &c, nil
}

func (s *Service) GetCart(ctx context.Context, buyerID int64) (*models.CartView, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "cart.GetCart")
	defer span.End()

	c, err := s.GetOrCreateCart(ctx, buyerID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT ci.id, ci.product_id, p.title, ci.quantity, ci.price, ci.subtotal
		FROM cart_items ci JOIN products p ON p.id = ci.product_id
		WHERE ci.cart_id = $1 ORDER BY ci.id`,
		c.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load cart items: %w", err)
	}
	defer rows.Close()

	view := &models.CartView{Cart: *c, Items: []models.CartItem{}, Subtotal: decimal.Zero}
	for rows.Next() {
		it := models.CartItem{CartID: c.ID}
		if err := rows.Scan(&it.ID, &it.ProductID, &it.ProductTitle, &it.Quantity, &it.Price, &it.Subtotal); err != nil {
			return nil, fmt.Errorf("failed to scan cart item: %w", err)
		}
		view.Items = append(view.Items, it)
		view.TotalQuantity += it.Quantity
		view.Subtotal = view.Subtotal.Add(it.Subtotal)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	view.ItemCount = len(view.Items)

	span.SetAttributes(attribute.Int("cart.items", view.ItemCount))
	return view, nil
}

type productStock struct {
	price     decimal.Decimal
	available int
	status    string
}

func loadProduct(ctx context.Context, q database.Querier, productID int64) (*productStock, error) {
	var p productStock
	err := q.QueryRowContext(ctx,
		"SELECT price, available_quantity, status FROM products WHERE id = $1", productID,
	).Scan(&p.price, &p.available, &p.status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("Product not found").WithCode(apperr.CodeProductNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load product: %w", err)
	}
	return &p, nil
}

func insufficientStock() error {
	return apperr.Validation("Product is out of stock or has insufficient quantity").WithCode(apperr.CodeInsufficientStock)
}

// AddToCart merges into an existing line for the same product. The line is
// repriced at the current product price.
func (s *Service) AddToCart(ctx context.Context, buyerID, productID int64, quantity int) (*models.CartItem, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "cart.AddToCart")
	defer span.End()
	span.SetAttributes(attribute.Int64("product.id", productID), attribute.Int("quantity", quantity))

	if quantity < 1 {
		return nil, apperr.Validation("Quantity must be at least 1")
	}

	item, err := addItem(ctx, s.db, buyerID, productID, quantity)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	s.logger.Info("Cart item added",
		zap.Int64("buyer_id", buyerID),
		zap.Int64("product_id", productID),
		zap.Int("quantity", item.Quantity),
	)
	return item, nil
}

// addItem runs the stock check and the merging upsert on q, so callers can
// batch several adds in one transaction.
func addItem(ctx context.Context, q database.Querier, buyerID, productID int64, quantity int) (*models.CartItem, error) {
	product, err := loadProduct(ctx, q, productID)
	if err != nil {
		return nil, err
	}

	c, err := getOrCreateCart(ctx, q, buyerID)
	if err != nil {
		return nil, err
	}

	var existing int
	err = q.QueryRowContext(ctx,
		"SELECT quantity FROM cart_items WHERE cart_id = $1 AND product_id = $2",
		c.ID, productID,
	).Scan(&existing)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to load cart item: %w", err)
	}

	if product.status == models.ProductStatusOutOfStock || product.available < existing+quantity {
		return nil, insufficientStock()
	}

	// The read above only feeds the stock check; the merge itself is done by
	// the upsert so a concurrent add cannot create a second line.
	item := models.CartItem{CartID: c.ID, ProductID: productID}
	err = q.QueryRowContext(ctx,
		`INSERT INTO cart_items (cart_id, product_id, quantity, price, subtotal)
		VALUES ($1, $2, $3, $4, $4 * $3)
		ON CONFLICT (cart_id, product_id) DO UPDATE SET
			quantity = cart_items.quantity + EXCLUDED.quantity,
			price = EXCLUDED.price,
			subtotal = EXCLUDED.price * (cart_items.quantity + EXCLUDED.quantity)
		RETURNING id, quantity, price, subtotal`,
		c.ID, productID, quantity, product.price,
	).Scan(&item.ID, &item.Quantity, &item.Price, &item.Subtotal)
	if err != nil {
		return nil, fmt.Errorf("failed to add cart item: %w", err)
	}
	return &item, nil
}

// UpdateCartItem sets an absolute quantity; the subtotal uses the price
// stored on the line.
func (s *Service) UpdateCartItem(ctx context.Context, buyerID, itemID int64, quantity int) (*models.CartItem, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "cart.UpdateCartItem")
	defer span.End()

	if quantity < 1 {
		return nil, apperr.Validation("Quantity must be at least 1")
	}

	c, err := s.GetOrCreateCart(ctx, buyerID)
	if err != nil {
		return nil, err
	}

	item := models.CartItem{ID: itemID, CartID: c.ID}
	var available int
	var status string
	err = s.db.QueryRowContext(ctx,
		`SELECT ci.product_id, ci.price, p.available_quantity, p.status
		FROM cart_items ci JOIN products p ON p.id = ci.product_id
		WHERE ci.id = $1 AND ci.cart_id = $2`,
		itemID, c.ID,
	).Scan(&item.ProductID, &item.Price, &available, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("Cart item not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load cart item: %w", err)
	}

	if status == models.ProductStatusOutOfStock || available < quantity {
		return nil, insufficientStock()
	}

	item.Quantity = quantity
	item.Subtotal = item.Price.Mul(decimal.NewFromInt(int64(quantity)))
	if _, err := s.db.ExecContext(ctx,
		"UPDATE cart_items SET quantity = $1, subtotal = $2 WHERE id = $3 AND cart_id = $4",
		item.Quantity, item.Subtotal, itemID, c.ID,
	); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to update cart item: %w", err)
	}
	return &item, nil
}

func (s *Service) RemoveFromCart(ctx context.Context, buyerID, itemID int64) error {
	c, err := s.GetOrCreateCart(ctx, buyerID)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, "DELETE FROM cart_items WHERE id = $1 AND cart_id = $2", itemID, c.ID)
	if err != nil {
		return fmt.Errorf("failed to remove cart item: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return apperr.NotFound("Cart item not found")
	}
	return nil
}

func (s *Service) ClearCart(ctx context.Context, buyerID int64) error {
	c, err := s.GetOrCreateCart(ctx, buyerID)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM cart_items WHERE cart_id = $1", c.ID); err != nil {
		return fmt.Errorf("failed to clear cart: %w", err)
	}
	return nil
}

// SyncCart replaces the cart contents with items in one transaction; if any
// item is rejected the previous contents are kept. An empty list leaves the
// cart untouched.
func (s *Service) SyncCart(ctx context.Context, buyerID int64, items []models.SyncCartItem) (*models.CartView, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "cart.SyncCart")
	defer span.End()

	if len(items) == 0 {
		return s.GetCart(ctx, buyerID)
	}

	for _, it := range items {
		if it.Quantity < 1 {
			return nil, apperr.Validation("Quantity must be at least 1")
		}
	}

	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		c, err := getOrCreateCart(ctx, tx, buyerID)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM cart_items WHERE cart_id = $1", c.ID); err != nil {
			return fmt.Errorf("failed to clear cart: %w", err)
		}
		for _, it := range items {
			if _, err := addItem(ctx, tx, buyerID, it.ProductID, it.Quantity); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	s.logger.Info("Cart synced", zap.Int64("buyer_id", buyerID), zap.Int("items", len(items)))
	return s.GetCart(ctx, buyerID)
}

// CartToOrder projects the cart into order-creation input.
func (s *Service) CartToOrder(ctx context.Context, buyerID int64, req models.CheckoutRequest) (*models.CreateOrderRequest, error) {
	view, err := s.GetCart(ctx, buyerID)
	if err != nil {
		return nil, err
	}
	if len(view.Items) == 0 {
		return nil, apperr.Validation("Cart is empty").WithCode(apperr.CodeEmptyCart)
	}

	items := make([]models.OrderItemInput, 0, len(view.Items))
	for _, it := range view.Items {
		price, subtotal := it.Price, it.Subtotal
		items = append(items, models.OrderItemInput{
			ProductID: it.ProductID,
			Quantity:  it.Quantity,
			UnitPrice: &price,
			Subtotal:  &subtotal,
		})
	}

	return &models.CreateOrderRequest{
		OrderItems:        items,
		PaymentMethod:     req.PaymentMethod,
		ShippingAddressID: req.ShippingAddressID,
		ShippingCost:      req.ShippingCost,
		DeliveryDate:      req.DeliveryDate,
		Notes:             req.Notes,
	}, nil
}

// Checkout creates an order from the cart and then empties it. Clearing is
// not part of the order transaction; a failure there leaves a stale but
// reusable cart and is only logged.
func (s *Service) Checkout(ctx context.Context, buyerID int64, req models.CheckoutRequest) (*models.Order, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "cart.Checkout")
	defer span.End()

	orderReq, err := s.CartToOrder(ctx, buyerID, req)
	if err != nil {
		return nil, err
	}

	order, err := s.orders.CreateOrder(ctx, *orderReq, buyerID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	if err := s.ClearCart(ctx, buyerID); err != nil {
		s.logger.Error("Failed to clear cart after checkout",
			zap.Int64("buyer_id", buyerID),
			zap.Int64("order_id", order.ID),
			zap.Error(err),
		)
	}
	return order, nil
}
