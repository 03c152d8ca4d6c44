package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zhouzirui/sample-shop/backend/internal/handler/chat"
	"github.com/zhouzirui/sample-shop/backend/internal/handler/pages"
	"github.com/zhouzirui/sample-shop/backend/internal/handler/realtime"
	"github.com/zhouzirui/sample-shop/backend/internal/handler/shop"
	"github.com/zhouzirui/sample-shop/backend/internal/handler/stream"
	middlewarePkg "github.com/zhouzirui/sample-shop/backend/internal/middleware"
	"github.com/zhouzirui/sample-shop/backend/internal/model/order"
	"github.com/zhouzirui/sample-shop/backend/internal/model/product"
	"github.com/zhouzirui/sample-shop/backend/internal/service/cart"
	chatService "github.com/zhouzirui/sample-shop/backend/internal/service/chat"
	"github.com/zhouzirui/sample-shop/backend/pkg/utils"
)

// Deps carries everything the HTTP layer needs.
type Deps struct {
	Products       product.Store
	Orders         order.Store
	Carts          *cart.Service
	Conversations  *chatService.Manager
	Renderer       *utils.MarkdownRenderer
	StaticDir      string
	AllowedOrigins []string
}

// NewRouter wires HTTP routes to core services.
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middlewarePkg.RequestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS(deps.AllowedOrigins))
	r.Use(middlewarePkg.Session(deps.Conversations.DefaultSessionID()))

	shopHandler := shop.New(deps.Products, deps.Orders, deps.Carts, deps.Conversations.DefaultSessionID())
	chatHandler := chat.New(deps.Conversations, deps.Renderer)
	streamHandler := stream.New(deps.Conversations)
	wsHandler := realtime.NewWebSocketHandler(deps.Conversations, deps.AllowedOrigins)

	r.Route("/api", func(api chi.Router) {
		api.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})

		shopHandler.RegisterRoutes(api)
		chatHandler.RegisterRoutes(api)
		streamHandler.RegisterRoutes(api)
		wsHandler.RegisterRoutes(api)
	})

	if deps.StaticDir != "" {
		pages.New(deps.StaticDir).RegisterRoutes(r)
	}

	return r
}
