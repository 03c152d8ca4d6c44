package ai

import (
	"fmt"
	"strings"

	"github.com/zhouzirui/sample-shop/backend/internal/model/product"
)

// PromptTemplate holds the fixed parts of the assistant persona.
type PromptTemplate struct {
	StoreName    string
	Role         string
	Goal         string
	ContextRules []string
}

// DefaultPromptTemplate describes the storefront assistant.
func DefaultPromptTemplate() PromptTemplate {
	return PromptTemplate{
		StoreName: "The Sample Shop",
		Role:      "a friendly and helpful e-commerce customer service assistant",
		Goal:      "Your goal is to answer questions about the products, cart, and orders.",
		ContextRules: []string{
			"Keep your responses concise and always encourage the user to ask another question.",
		},
	}
}

// PromptBuilder renders the system instruction for a conversation.
type PromptBuilder struct {
	template PromptTemplate
	products product.Store
}

// NewPromptBuilder returns a builder over the given catalog.
func NewPromptBuilder(tmpl PromptTemplate, products product.Store) *PromptBuilder {
	return &PromptBuilder{template: tmpl, products: products}
}

// SystemInstruction renders the persona and the current catalog.
func (b *PromptBuilder) SystemInstruction() string {
	var builder strings.Builder
	fmt.Fprintf(&builder, "You are %s for a store called '%s'. %s", b.template.Role, b.template.StoreName, b.template.Goal)

	if listing := b.productListing(); listing != "" {
		builder.WriteString("\nCurrent available products are: ")
		builder.WriteString(listing)
		builder.WriteString(".")
	}

	for _, rule := range b.template.ContextRules {
		builder.WriteString("\n")
		builder.WriteString(rule)
	}
	return builder.String()
}

func (b *PromptBuilder) productListing() string {
	if b.products == nil {
		return ""
	}

	items := b.products.List()
	parts := make([]string, 0, len(items))
	for _, item := range items {
		parts = append(parts, fmt.Sprintf("%s (%s)", item.Name, item.Price))
	}

	switch len(parts) {
	case 0:
		return ""
	case 1:
		return parts[0]
	default:
		return strings.Join(parts[:len(parts)-1], ", ") + ", and " + parts[len(parts)-1]
	}
}
