package pages

import (
	"net/http"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// routes 商城页面路径与对应的 HTML 文件
var routes = map[string]string{
	"/":         "index.html",
	"/login":    "login.html",
	"/forgot":   "forgot.html",
	"/FAQ":      "Faq.html",
	"/myOrders": "myOrders.html",
	"/logout":   "logout.html",
}

// Handler 从同一目录提供商城页面与静态资源
type Handler struct {
	dir   string
	files http.Handler
}

// New 创建页面处理器
func New(dir string) *Handler {
	return &Handler{
		dir:   dir,
		files: http.FileServer(http.Dir(dir)),
	}
}

// RegisterRoutes 注册页面路由以及静态文件兜底路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	for path, file := range routes {
		r.Get(path, h.page(file))
	}
	r.NotFound(h.handleStatic)
}

func (h *Handler) page(file string) http.HandlerFunc {
	full := filepath.Join(h.dir, file)
	return func(w http.ResponseWriter, r *http.Request) {
		http.ServeFile(w, r, full)
	}
}

// handleStatic 从静态目录提供其余文件，.env 等点文件不对外暴露。
func (h *Handler) handleStatic(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.NotFound(w, r)
		return
	}
	for _, segment := range strings.Split(r.URL.Path, "/") {
		if strings.HasPrefix(segment, ".") {
			log.Debug().Str("path", r.URL.Path).Msg("[pages] refusing hidden path")
			http.NotFound(w, r)
			return
		}
	}
	h.files.ServeHTTP(w, r)
}
