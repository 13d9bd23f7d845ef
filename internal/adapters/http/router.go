package http

import (
	"context"
	"net/http"
	"os"
	"path"
	"path/filepath"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/wschat/internal/adapters/ingress"
	"github.com/dkeye/wschat/internal/config"
	api "github.com/dkeye/wschat/internal/transport/http"
)

const (
	notFoundBody   = "404: Does Not Exist"
	badRequestBody = "400: Bad Request"
)

func genClientToken() string {
	idStr := uuid.NewString()
	return idStr
}

func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = genClientToken()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, co *ingress.Coordinator, handlers *api.Handlers) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())
	r.Use(ClientTokenMiddleware())
	// Upgrades are accepted on any path.
	r.Use(co.Middleware(ctx))

	handlers.Register(r.Group("/api"))

	static := staticFiles(cfg.StaticPath)
	r.GET("/", static)
	r.NoRoute(static)

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")
	return r
}

// staticFiles serves files below root. "/" maps to index.html.
func staticFiles(root string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method != http.MethodGet && c.Request.Method != http.MethodHead {
			c.String(http.StatusBadRequest, badRequestBody)
			return
		}
		name := path.Clean("/" + c.Request.URL.Path)
		if name == "/" {
			name = "/index.html"
		}
		file := filepath.Join(root, filepath.FromSlash(name))
		if fi, err := os.Stat(file); err != nil || fi.IsDir() {
			c.String(http.StatusNotFound, notFoundBody)
			return
		}
		c.File(file)
	}
}
