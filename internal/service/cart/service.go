package cart

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/zhouzirui/sample-shop/backend/internal/model/product"
)

var (
	ErrProductNotFound = errors.New("product not found")
	ErrItemNotFound    = errors.New("item not in cart")
	ErrInvalidQuantity = errors.New("quantity must be positive")
)

// Item is a product line in a cart.
type Item struct {
	Product  product.Product `json:"product"`
	Quantity int             `json:"quantity"`
	AddedAt  time.Time       `json:"addedAt"`
}

// Service keeps one in-memory cart per session key.
type Service struct {
	products product.Store

	mu    sync.RWMutex
	carts map[string][]Item
}

// NewService bootstraps the cart service over a catalog.
func NewService(products product.Store) *Service {
	return &Service{
		products: products,
		carts:    make(map[string][]Item),
	}
}

// Items returns a copy of the cart contents.
func (s *Service) Items(_ context.Context, sessionID string) []Item {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := s.carts[sessionID]
	copied := make([]Item, len(items))
	copy(copied, items)
	return copied
}

// Add puts quantity units of productID in the cart, merging with an existing line.
func (s *Service) Add(_ context.Context, sessionID, productID string, quantity int) ([]Item, error) {
	if quantity <= 0 {
		return nil, ErrInvalidQuantity
	}

	p, ok := s.products.FindByID(productID)
	if !ok {
		return nil, errors.Wrapf(ErrProductNotFound, "product %q", productID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	items := s.carts[sessionID]
	merged := false
	for i := range items {
		if items[i].Product.ID == productID {
			items[i].Quantity += quantity
			merged = true
			break
		}
	}
	if !merged {
		items = append(items, Item{Product: p, Quantity: quantity, AddedAt: time.Now().UTC()})
	}
	s.carts[sessionID] = items

	return append([]Item(nil), items...), nil
}

// Remove deletes the line for productID.
func (s *Service) Remove(_ context.Context, sessionID, productID string) ([]Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := s.carts[sessionID]
	for i := range items {
		if items[i].Product.ID == productID {
			items = append(items[:i], items[i+1:]...)
			s.carts[sessionID] = items
			return append([]Item(nil), items...), nil
		}
	}
	return nil, errors.Wrapf(ErrItemNotFound, "product %q", productID)
}

// Clear empties the cart.
func (s *Service) Clear(_ context.Context, sessionID string) {
	s.mu.Lock()
	delete(s.carts, sessionID)
	s.mu.Unlock()
}
