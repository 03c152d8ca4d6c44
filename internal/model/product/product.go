package product

// Product is a catalog entry shown on the storefront and described to the assistant.
type Product struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Price       string `json:"price"`
	Discount    string `json:"discount"`
	Image       string `json:"image"`
}

// Seed provides the demo catalog.
func Seed() []Product {
	return []Product{
		{
			ID:          "1",
			Name:        "Sample Product 1",
			Description: "This is a sample product.",
			Price:       "$10.00",
			Discount:    "10% off",
			Image:       "https://via.placeholder.com/200x200?text=Product+1",
		},
		{
			ID:          "2",
			Name:        "Sample Product 2",
			Description: "Another sample product.",
			Price:       "$20.00",
			Discount:    "15% off",
			Image:       "https://via.placeholder.com/200x200?text=Product+2",
		},
		{
			ID:          "3",
			Name:        "Sample Product 3",
			Description: "Yet another sample product.",
			Price:       "$30.00",
			Discount:    "20% off",
			Image:       "https://via.placeholder.com/200x200?text=Product+3",
		},
	}
}
