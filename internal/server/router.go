package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pilot-collab/pilot/backend/internal/content"
	"github.com/pilot-collab/pilot/backend/internal/realtime"
)

const defaultDeskID = "main"

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingTokenMinter    = errors.New("token minter dependency required")
	errMissingExchangeSecret = errors.New("exchange secret required")
	errMissingUpdater        = errors.New("content updater dependency required")
	errMissingSharing        = errors.New("sharing resolver dependency required")
	errMissingStore          = errors.New("connection registry dependency required")
	errMissingHub            = errors.New("broadcast hub dependency required")
)

// TokenValidator checks a bearer token and returns the internal user id.
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

// TokenMinter issues backend access tokens for exchanged identities.
type TokenMinter interface {
	IssueAccessToken(ctx context.Context, userID string) (string, int64, error)
}

// Dependencies wires the HTTP surface to the realtime core.
type Dependencies struct {
	TokenValidator TokenValidator
	TokenMinter    TokenMinter
	// ExchangeSecret authenticates the surrounding application's calls to
	// the token exchange endpoint.
	ExchangeSecret []byte
	Updater        *content.Updater
	Sharing        realtime.SharingResolver
	Store          *realtime.Store
	Hub            *realtime.Hub
	Logger         *zap.Logger
	Clock          func() time.Time
}

// NewHTTPHandler builds the gin router exposing the realtime endpoint.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenValidator == nil {
		return nil, errMissingTokenValidator
	}
	if deps.TokenMinter == nil {
		return nil, errMissingTokenMinter
	}
	if len(deps.ExchangeSecret) == 0 {
		return nil, errMissingExchangeSecret
	}
	if deps.Updater == nil {
		return nil, errMissingUpdater
	}
	if deps.Sharing == nil {
		return nil, errMissingSharing
	}
	if deps.Store == nil {
		return nil, errMissingStore
	}
	if deps.Hub == nil {
		return nil, errMissingHub
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:         deps.TokenValidator,
		minter:         deps.TokenMinter,
		exchangeSecret: deps.ExchangeSecret,
		updater:        deps.Updater,
		sharing:        deps.Sharing,
		store:          deps.Store,
		hub:            deps.Hub,
		logger:         logger,
		clock:          clock,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	router.GET("/healthz", handler.handleHealth)
	router.POST("/auth/token", handler.handleTokenExchange)
	router.GET("/realtime", handler.handleRealtime)

	return router, nil
}

type httpHandler struct {
	tokens         TokenValidator
	minter         TokenMinter
	exchangeSecret []byte
	updater        *content.Updater
	sharing        realtime.SharingResolver
	store          *realtime.Store
	hub            *realtime.Hub
	logger         *zap.Logger
	clock          func() time.Time
	upgrader       websocket.Upgrader
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type tokenExchangeRequest struct {
	UserID string `json:"user_id"`
	Secret string `json:"secret"`
}

// handleTokenExchange lets the surrounding application trade an internal
// user id for a realtime access token. The shared exchange secret is the
// only credential; user authentication already happened upstream.
func (h *httpHandler) handleTokenExchange(c *gin.Context) {
	var request tokenExchangeRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if subtle.ConstantTimeCompare([]byte(request.Secret), h.exchangeSecret) != 1 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	token, expiresIn, err := h.minter.IssueAccessToken(c.Request.Context(), request.UserID)
	if err != nil {
		h.logger.Warn("token issuance failed", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": token, "expires_in": expiresIn})
}

// handleRealtime upgrades the request to a websocket and runs the
// per-connection consumer until the peer disconnects. A valid bearer token
// authenticates an internal user up front; connections without a token
// stay unauthenticated until a shared_item_auth message arrives.
func (h *httpHandler) handleRealtime(c *gin.Context) {
	userID, ok := h.resolveBearer(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	deskID := strings.TrimSpace(c.Query("desk_id"))
	if deskID == "" {
		deskID = defaultDeskID
	}

	socket, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	consumer, err := realtime.NewConsumer(realtime.ConsumerConfig{
		Socket:              socket,
		Store:               h.store,
		Hub:                 h.hub,
		Updater:             h.updater,
		Sharing:             h.sharing,
		Access:              &itemAccessChecker{updater: h.updater},
		Logger:              h.logger,
		Clock:               h.clock,
		DeskID:              deskID,
		AuthenticatedUserID: userID,
	})
	if err != nil {
		h.logger.Error("failed to construct realtime consumer", zap.Error(err))
		_ = socket.Close()
		return
	}

	consumer.Run(c.Request.Context())
}

// resolveBearer extracts the internal user id from the Authorization
// header or the token query parameter (browsers cannot set headers on a
// websocket upgrade). An absent token means anonymous; an invalid one is
// refused outright.
func (h *httpHandler) resolveBearer(c *gin.Context) (string, bool) {
	token := ""
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	if token == "" {
		token = strings.TrimSpace(c.Query("token"))
	}
	if token == "" {
		return "", true
	}

	userID, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		return "", false
	}
	return userID, true
}

// itemAccessChecker is the ACL predicate handed to consumers for internal
// users. The full project ACL lives in the surrounding application; at
// this layer an internal user may observe any item that exists.
type itemAccessChecker struct {
	updater *content.Updater
}

func (a *itemAccessChecker) CanAccess(ctx context.Context, userID, itemID string) (bool, error) {
	if userID == "" {
		return false, nil
	}
	id, err := content.NewItemID(itemID)
	if err != nil {
		return false, nil
	}
	return a.updater.ItemExists(ctx, id)
}
