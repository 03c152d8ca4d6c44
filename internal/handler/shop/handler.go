package shop

import (
	"context"
	"net/http"
	"net/mail"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"

	chatModel "github.com/zhouzirui/sample-shop/backend/internal/model/chat"
	"github.com/zhouzirui/sample-shop/backend/internal/model/order"
	"github.com/zhouzirui/sample-shop/backend/internal/model/product"
	"github.com/zhouzirui/sample-shop/backend/internal/service/cart"
	"github.com/zhouzirui/sample-shop/backend/pkg/utils"
)

// Handler 商品、购物车、订单与模拟登录的HTTP处理器
type Handler struct {
	products  product.Store
	orders    order.Store
	carts     *cart.Service
	defaultID string
}

// New 创建商店处理器
func New(products product.Store, orders order.Store, carts *cart.Service, defaultSessionID string) *Handler {
	return &Handler{
		products:  products,
		orders:    orders,
		carts:     carts,
		defaultID: defaultSessionID,
	}
}

// RegisterRoutes 注册商店相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/products", h.handleListProducts)
	r.Get("/products/{id}", h.handleGetProduct)

	r.Get("/cart", h.handleGetCart)
	r.Post("/cart", h.handleAddToCart)
	r.Delete("/cart", h.handleClearCart)
	r.Delete("/cart/{productId}", h.handleRemoveFromCart)

	r.Get("/orders", h.handleListOrders)
	r.Get("/orders/{id}", h.handleGetOrder)

	r.Post("/login", h.handleLogin)
	r.Post("/forgot", h.handleForgot)
}

func (h *Handler) handleListProducts(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, h.products.List())
}

func (h *Handler) handleGetProduct(w http.ResponseWriter, r *http.Request) {
	p, ok := h.products.FindByID(chi.URLParam(r, "id"))
	if !ok {
		utils.RespondError(w, http.StatusNotFound, "product not found")
		return
	}
	utils.RespondJSON(w, http.StatusOK, p)
}

type cartResponse struct {
	Items []cart.Item `json:"items"`
	Count int         `json:"count"`
}

func newCartResponse(items []cart.Item) cartResponse {
	resp := cartResponse{Items: items}
	if resp.Items == nil {
		resp.Items = []cart.Item{}
	}
	for _, item := range items {
		resp.Count += item.Quantity
	}
	return resp
}

func (h *Handler) handleGetCart(w http.ResponseWriter, r *http.Request) {
	items := h.carts.Items(r.Context(), h.sessionID(r.Context()))
	utils.RespondJSON(w, http.StatusOK, newCartResponse(items))
}

func (h *Handler) handleAddToCart(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		ProductID string `json:"productId"`
		Quantity  *int   `json:"quantity"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if payload.ProductID == "" {
		utils.RespondError(w, http.StatusBadRequest, "productId is required")
		return
	}

	quantity := 1
	if payload.Quantity != nil {
		quantity = *payload.Quantity
	}

	items, err := h.carts.Add(r.Context(), h.sessionID(r.Context()), payload.ProductID, quantity)
	switch {
	case errors.Is(err, cart.ErrProductNotFound):
		utils.RespondError(w, http.StatusNotFound, "product not found")
		return
	case errors.Is(err, cart.ErrInvalidQuantity):
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		utils.RespondError(w, http.StatusInternalServerError, "failed to update cart")
		return
	}

	utils.RespondJSON(w, http.StatusCreated, newCartResponse(items))
}

func (h *Handler) handleRemoveFromCart(w http.ResponseWriter, r *http.Request) {
	items, err := h.carts.Remove(r.Context(), h.sessionID(r.Context()), chi.URLParam(r, "productId"))
	if errors.Is(err, cart.ErrItemNotFound) {
		utils.RespondError(w, http.StatusNotFound, "item not in cart")
		return
	}
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, "failed to update cart")
		return
	}
	utils.RespondJSON(w, http.StatusOK, newCartResponse(items))
}

func (h *Handler) handleClearCart(w http.ResponseWriter, r *http.Request) {
	h.carts.Clear(r.Context(), h.sessionID(r.Context()))
	utils.RespondJSON(w, http.StatusOK, newCartResponse(nil))
}

func (h *Handler) handleListOrders(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, h.orders.List())
}

func (h *Handler) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	o, ok := h.orders.FindByID(chi.URLParam(r, "id"))
	if !ok {
		utils.RespondError(w, http.StatusNotFound, "order not found")
		return
	}
	utils.RespondJSON(w, http.StatusOK, o)
}

// handleLogin 模拟登录：只校验字段是否存在
func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	email := strings.TrimSpace(payload.Email)
	if email == "" || payload.Password == "" {
		utils.RespondError(w, http.StatusBadRequest, "email and password are required")
		return
	}

	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Login successful",
		"user":    map[string]string{"email": email},
	})
}

// handleForgot 模拟找回密码
func (h *Handler) handleForgot(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Email string `json:"email"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if _, err := mail.ParseAddress(strings.TrimSpace(payload.Email)); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "a valid email is required")
		return
	}

	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "If an account exists for that email, a reset link has been sent.",
	})
}

func (h *Handler) sessionID(ctx context.Context) string {
	if id, ok := chatModel.SessionIDFromContext(ctx); ok {
		return id
	}
	return h.defaultID
}
