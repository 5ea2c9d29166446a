// Package httpapi is the HTTP façade over the wallet, booking, and feed
// services.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/tradementor/internal/advisor"
	"github.com/MarkoPoloResearchLab/tradementor/internal/auth"
	"github.com/MarkoPoloResearchLab/tradementor/internal/metrics"
	"github.com/MarkoPoloResearchLab/tradementor/internal/quotes"
	"github.com/MarkoPoloResearchLab/tradementor/pkg/booking"
	"github.com/MarkoPoloResearchLab/tradementor/pkg/feed"
	"github.com/MarkoPoloResearchLab/tradementor/pkg/pricing"
	"github.com/MarkoPoloResearchLab/tradementor/pkg/session"
	"github.com/MarkoPoloResearchLab/tradementor/pkg/wallet"
)

// Config carries the HTTP-facing settings.
type Config struct {
	ListenAddr     string
	AllowedOrigins []string
	JWTSecret      string
}

// Dependencies carries the wired services.
type Dependencies struct {
	Logger        *zap.Logger
	WalletService *wallet.Service
	Booking       *booking.Service
	Feed          *feed.Service
	Sessions      session.Store
	Resolver      *pricing.Resolver
	Rates         pricing.Store
	Advisor       *advisor.Client
	Quotes        *quotes.Client
}

// Server serves the REST and SSE API.
type Server struct {
	cfg     Config
	logger  *zap.Logger
	wallets *wallet.Service
	booking *booking.Service
	feed    *feed.Service
	store   session.Store
	rates   pricing.Store
	pricer  *pricing.Resolver
	advisor *advisor.Client
	quotes  *quotes.Client
}

var errMissingDependency = errors.New("missing server dependency")

// NewServer validates dependencies and returns a Server.
func NewServer(cfg Config, deps Dependencies) (*Server, error) {
	if deps.WalletService == nil || deps.Booking == nil || deps.Feed == nil ||
		deps.Sessions == nil || deps.Resolver == nil || deps.Rates == nil {
		return nil, errMissingDependency
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("%w: jwt secret", errMissingDependency)
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:     cfg,
		logger:  logger,
		wallets: deps.WalletService,
		booking: deps.Booking,
		feed:    deps.Feed,
		store:   deps.Sessions,
		rates:   deps.Rates,
		pricer:  deps.Resolver,
		advisor: deps.Advisor,
		quotes:  deps.Quotes,
	}, nil
}

// Router builds the gin engine with all routes attached.
func (server *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(server.metricsMiddleware())
	if len(server.cfg.AllowedOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     server.cfg.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "PUT", "OPTIONS"},
			AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")
	api.Use(auth.Middleware(server.cfg.JWTSecret))

	api.GET("/wallet", server.handleWallet)
	api.POST("/wallet/recharge", server.handleRecharge)
	api.GET("/wallet/transactions", server.handleListTransactions)

	api.POST("/sessions", server.handleOpenQuickSession)
	api.GET("/sessions", server.handleListSessions)
	api.GET("/sessions/:id", server.handleGetSession)
	api.POST("/sessions/:id/complete", server.handleCompleteSession)
	api.POST("/sessions/:id/messages", server.handlePostMessage)
	api.GET("/sessions/:id/messages", server.handleListMessages)
	api.GET("/sessions/:id/stream", server.handleStreamMessages)

	api.POST("/subscriptions", server.handlePurchaseSubscription)
	api.GET("/subscriptions", server.handleListSubscriptions)
	api.POST("/subscriptions/:id/sessions", server.handleOpenSubscriptionSession)

	api.PUT("/mentors/rates", auth.RequireRole(auth.RoleMentor), server.handlePutRates)
	api.GET("/mentors/:id/rates", server.handleGetRates)

	api.POST("/advisor", server.handleAdvisor)
	api.GET("/quotes/:symbol", server.handleQuote)

	return router
}

// Run serves until ctx ends, then drains in-flight requests.
func (server *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    server.cfg.ListenAddr,
		Handler: server.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("httpapi listening", zap.String("addr", server.cfg.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			server.logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (server *Server) metricsMiddleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		started := time.Now()
		ctx.Next()
		path := ctx.FullPath()
		if path == "" {
			path = "unmatched"
		}
		metrics.RecordHTTPRequest(
			ctx.Request.Method,
			path,
			strconv.Itoa(ctx.Writer.Status()),
			time.Since(started).Seconds(),
		)
	}
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

// respondError maps domain failures onto the API's status contract:
// payment required for empty wallets, gone for closed or expired sessions,
// forbidden for non-participants, unprocessable for unpriced products.
func (server *Server) respondError(ctx *gin.Context, err error) {
	switch {
	case errors.Is(err, wallet.ErrInsufficientFunds):
		metrics.RecordInsufficientFunds()
		ctx.JSON(http.StatusPaymentRequired, errorResponse("insufficient_funds", "wallet balance too low, recharge and retry"))
	case errors.Is(err, feed.ErrSessionExpired),
		errors.Is(err, feed.ErrSessionNotActive),
		errors.Is(err, session.ErrSessionClosed),
		errors.Is(err, booking.ErrSubscriptionExpired),
		errors.Is(err, booking.ErrSubscriptionNotActive):
		ctx.JSON(http.StatusGone, errorResponse("session_closed", err.Error()))
	case errors.Is(err, feed.ErrNotParticipant),
		errors.Is(err, booking.ErrNotParticipant),
		errors.Is(err, booking.ErrNotSubscriptionOwner):
		ctx.JSON(http.StatusForbidden, errorResponse("forbidden", "principal is not a participant"))
	case errors.Is(err, pricing.ErrProductNotOffered):
		ctx.JSON(http.StatusUnprocessableEntity, errorResponse("product_not_offered", err.Error()))
	case errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, session.ErrSubscriptionNotFound):
		ctx.JSON(http.StatusNotFound, errorResponse("not_found", err.Error()))
	case errors.Is(err, wallet.ErrDuplicateReference):
		ctx.JSON(http.StatusConflict, errorResponse("duplicate_reference", err.Error()))
	case errors.Is(err, booking.ErrInvalidDuration),
		errors.Is(err, session.ErrInvalidPackageType),
		errors.Is(err, session.ErrInvalidMessageContent),
		errors.Is(err, feed.ErrContentTooLong),
		errors.Is(err, wallet.ErrInvalidAmountCents),
		errors.Is(err, pricing.ErrInvalidRateCents):
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", err.Error()))
	default:
		server.logger.Error("request failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal", "internal error"))
	}
}
