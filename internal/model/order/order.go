package order

import "time"

// Item is a line of a past order. Prices are kept as display strings.
type Item struct {
	Name  string `json:"name"`
	Price string `json:"price"`
}

// Order is a historical order shown on the "my orders" page.
type Order struct {
	ID     string    `json:"id"`
	Date   time.Time `json:"date"`
	Status string    `json:"status"`
	Total  string    `json:"total"`
	Items  []Item    `json:"items"`
}

// Seed returns the demo order history.
func Seed() []Order {
	return []Order{
		{
			ID:     "ORD001",
			Date:   time.Date(2024, time.January, 15, 10, 30, 0, 0, time.UTC),
			Status: "Delivered",
			Total:  "$25.00",
			Items: []Item{
				{Name: "Sample Product 1", Price: "$10.00"},
				{Name: "Sample Product 2", Price: "$15.00"},
			},
		},
		{
			ID:     "ORD002",
			Date:   time.Date(2024, time.January, 20, 14, 45, 0, 0, time.UTC),
			Status: "Shipped",
			Total:  "$45.00",
			Items: []Item{
				{Name: "Sample Product 3", Price: "$30.00"},
				{Name: "Sample Product 1", Price: "$10.00"},
				{Name: "Sample Product 2", Price: "$5.00"},
			},
		},
	}
}

// Store exposes read access to order history.
type Store interface {
	List() []Order
	FindByID(id string) (Order, bool)
}

// MemoryStore keeps orders in a slice.
type MemoryStore struct {
	items []Order
}

func NewMemoryStore(items []Order) *MemoryStore {
	return &MemoryStore{items: append([]Order(nil), items...)}
}

func (s *MemoryStore) List() []Order {
	return append([]Order(nil), s.items...)
}

func (s *MemoryStore) FindByID(id string) (Order, bool) {
	for _, item := range s.items {
		if item.ID == id {
			return item, true
		}
	}
	return Order{}, false
}
