package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"taxdesk/backend/internal/config"
	"taxdesk/backend/internal/experts"
	"taxdesk/backend/internal/gateway"
	"taxdesk/backend/internal/matching"
	"taxdesk/backend/internal/session"
)

const guestTokenHeader = "X-Guest-Token"

type asker interface {
	Ask(ctx context.Context, req gateway.AskRequest) (gateway.Reply, error)
}

type matcher interface {
	Match(ctx context.Context, query string, candidates []matching.Candidate) matching.Outcome
}

type Deps struct {
	Gateway  asker
	Sessions *session.Manager
	Matcher  matcher
	Catalog  *experts.Catalog
	Logger   *zap.Logger
}

type App struct {
	cfg      config.Config
	gateway  asker
	sessions *session.Manager
	matcher  matcher
	catalog  *experts.Catalog
	logger   *zap.Logger
}

func New(cfg config.Config, deps Deps) *App {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &App{
		cfg:      cfg,
		gateway:  deps.Gateway,
		sessions: deps.Sessions,
		matcher:  deps.Matcher,
		catalog:  deps.Catalog,
		logger:   logger,
	}
}

func (a *App) Router() *gin.Engine {
	router := gin.New()
	router.HandleMethodNotAllowed = true
	router.Use(gin.Logger(), gin.Recovery())
	router.Use(cors.New(a.corsConfig()))

	router.NoMethod(func(c *gin.Context) {
		writeGatewayError(c, gateway.MethodNotAllowed(c.Request.Method))
	})
	router.NoRoute(func(c *gin.Context) {
		writeError(c, http.StatusNotFound, "NotFound", "route not found")
	})

	router.GET("/health", a.health)
	router.POST("/ask", a.ask)
	router.POST("/experts/match", a.matchExpert)
	router.GET("/experts", a.listExperts)

	router.POST("/sessions", a.openSession)
	me := router.Group("/sessions/me")
	me.Use(a.guestMiddleware())
	me.GET("", a.getSession)
	me.DELETE("", a.resetSession)
	me.POST("/messages", a.sendMessage)
	me.POST("/contact", a.submitContact)

	return router
}

func (a *App) corsConfig() cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Authorization", "Content-Type", guestTokenHeader},
		ExposeHeaders: []string{"Content-Length", guestTokenHeader},
		MaxAge:        12 * time.Hour,
	}
	if a.cfg.AllowsAnyOrigin() {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = a.cfg.CORSAllowOrigins
		cfg.AllowCredentials = true
	}
	return cfg
}

func (a *App) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "taxdesk-api",
	})
}

func writeError(c *gin.Context, status int, kind, message string) {
	body := gin.H{"error": kind}
	if message != "" {
		body["message"] = message
	}
	c.AbortWithStatusJSON(status, body)
}

func writeGatewayError(c *gin.Context, err *gateway.Error) {
	c.AbortWithStatusJSON(err.Status, err.Body())
}

func mustJSON(c *gin.Context, payload any) bool {
	if err := c.ShouldBindJSON(payload); err != nil {
		writeError(c, http.StatusBadRequest, string(gateway.KindInvalidRequest), "Invalid request payload")
		return false
	}
	return true
}
