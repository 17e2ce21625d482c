package server

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/ironquill/battlemap/internal/auth"
	"github.com/ironquill/battlemap/internal/chat"
	"github.com/ironquill/battlemap/internal/maps"
	"github.com/ironquill/battlemap/internal/presence"
	"github.com/ironquill/battlemap/internal/relay"
	"go.uber.org/zap"
)

const claimsContextKey = "battlemap_claims"

var (
	errMissingValidator       = errors.New("session validator dependency required")
	errMissingMapService      = errors.New("map service dependency required")
	errMissingPresenceService = errors.New("presence service dependency required")
	errMissingChatService     = errors.New("chat service dependency required")
	errMissingHub             = errors.New("relay hub dependency required")
	errMissingFlushSecret     = errors.New("relay flush secret required")
)

// Dependencies wires the HTTP surface to the domain services.
type Dependencies struct {
	Validator   *auth.SessionValidator
	MapService  *maps.Service
	Presence    *presence.Service
	ChatService *chat.Service
	Hub         *relay.Hub
	FlushSecret string
	Logger      *zap.Logger

	// Stream loop intervals; zero values take the production defaults.
	PresenceInterval  time.Duration
	ReconcileInterval time.Duration
}

// NewHTTPHandler builds the gin handler for the whole API surface.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Validator == nil {
		return nil, errMissingValidator
	}
	if deps.MapService == nil {
		return nil, errMissingMapService
	}
	if deps.Presence == nil {
		return nil, errMissingPresenceService
	}
	if deps.ChatService == nil {
		return nil, errMissingChatService
	}
	if deps.Hub == nil {
		return nil, errMissingHub
	}
	if deps.FlushSecret == "" {
		return nil, errMissingFlushSecret
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.PresenceInterval <= 0 {
		deps.PresenceInterval = defaultPresenceInterval
	}
	if deps.ReconcileInterval <= 0 {
		deps.ReconcileInterval = defaultReconcileInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.HandleMethodNotAllowed = true
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		validator:         deps.Validator,
		maps:              deps.MapService,
		presence:          deps.Presence,
		chat:              deps.ChatService,
		hub:               deps.Hub,
		flushSecret:       deps.FlushSecret,
		logger:            logger,
		presenceInterval:  deps.PresenceInterval,
		reconcileInterval: deps.ReconcileInterval,
	}

	// The socket trusts the caller-supplied identity: the hosting page has
	// already checked the session before handing out the connect URL. The
	// batch flush authenticates with the process-shared relay secret.
	router.GET("/maps/:mapId/ws", handler.handleSocket)
	router.POST("/maps/:mapId/chat/flush", handler.handleChatFlush)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/maps/:mapId", handler.handleGetMap)
	protected.PUT("/maps/:mapId", handler.handleReplaceMap)
	protected.POST("/maps/:mapId/tokens", handler.handleCreateToken)
	protected.PUT("/maps/:mapId/tokens/:tokenId", handler.handleUpdateToken)
	protected.DELETE("/maps/:mapId/tokens/:tokenId", handler.handleDeleteToken)
	protected.GET("/maps/:mapId/stream", handler.handleStream)
	protected.GET("/maps/:mapId/chat", handler.handleChatHistory)
	protected.POST("/maps/:mapId/chat", handler.handleSendChat)
	protected.POST("/maps/:mapId/presence/leave", handler.handleLeavePresence)

	return router, nil
}

type httpHandler struct {
	validator         *auth.SessionValidator
	maps              *maps.Service
	presence          *presence.Service
	chat              *chat.Service
	hub               *relay.Hub
	flushSecret       string
	logger            *zap.Logger
	presenceInterval  time.Duration
	reconcileInterval time.Duration
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.validator.ValidateRequest(c.Request)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(claimsContextKey, claims)
	c.Next()
}

func sessionClaims(c *gin.Context) (auth.SessionClaims, bool) {
	value, exists := c.Get(claimsContextKey)
	if !exists {
		return auth.SessionClaims{}, false
	}
	claims, ok := value.(auth.SessionClaims)
	return claims, ok
}

func (h *httpHandler) handleSocket(c *gin.Context) {
	relay.ServeWS(h.hub, c.Writer, c.Request,
		c.Param("mapId"), c.Query("userId"), c.Query("displayName"), h.logger)
}

func (h *httpHandler) handleGetMap(c *gin.Context) {
	claims, ok := sessionClaims(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	mapID := c.Param("mapId")
	role, err := h.maps.AccessFor(c.Request.Context(), mapID, claims.UserID)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	if role == maps.RoleNone {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	snapshot, err := h.maps.Snapshot(c.Request.Context(), mapID, role)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

func (h *httpHandler) handleReplaceMap(c *gin.Context) {
	claims, ok := sessionClaims(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	var update maps.DocumentUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.maps.ReplaceDocument(c.Request.Context(), c.Param("mapId"), claims.UserID, update); err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleCreateToken(c *gin.Context) {
	claims, ok := sessionClaims(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	var write maps.TokenWrite
	if err := c.ShouldBindJSON(&write); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.maps.CreateToken(c.Request.Context(), c.Param("mapId"), claims.UserID, write); err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"status": "created"})
}

func (h *httpHandler) handleUpdateToken(c *gin.Context) {
	claims, ok := sessionClaims(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	var write maps.TokenWrite
	if err := c.ShouldBindJSON(&write); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	write.TokenID = c.Param("tokenId")
	if err := h.maps.UpdateToken(c.Request.Context(), c.Param("mapId"), claims.UserID, write); err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleDeleteToken(c *gin.Context) {
	claims, ok := sessionClaims(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if err := h.maps.DeleteToken(c.Request.Context(), c.Param("mapId"), claims.UserID, c.Param("tokenId")); err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type sendChatPayload struct {
	ID          string          `json:"id" binding:"required"`
	Text        string          `json:"text" binding:"required,max=500"`
	Metadata    json.RawMessage `json:"metadata"`
	RecipientID string          `json:"recipientId"`
}

func (h *httpHandler) handleSendChat(c *gin.Context) {
	claims, ok := sessionClaims(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	mapID := c.Param("mapId")
	role, err := h.maps.AccessFor(c.Request.Context(), mapID, claims.UserID)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	if role == maps.RoleNone {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}

	var payload sendChatPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	message := chat.Message{
		ID:          payload.ID,
		MapID:       mapID,
		SenderID:    claims.UserID,
		SenderName:  claims.UserDisplayName,
		Role:        string(role),
		Text:        payload.Text,
		Metadata:    payload.Metadata,
		RecipientID: payload.RecipientID,
	}
	if err := h.chat.SaveMessage(c.Request.Context(), message); err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, message)
}

func (h *httpHandler) handleChatHistory(c *gin.Context) {
	claims, ok := sessionClaims(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	mapID := c.Param("mapId")
	role, err := h.maps.AccessFor(c.Request.Context(), mapID, claims.UserID)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	if role == maps.RoleNone {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	history, err := h.chat.History(c.Request.Context(), mapID)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	// Whispers are stored like any other message; trim the ones the caller
	// was not part of.
	visible := make([]chat.Message, 0, len(history))
	for _, message := range history {
		if message.IsWhisper() && message.SenderID != claims.UserID && message.RecipientID != claims.UserID {
			continue
		}
		visible = append(visible, message)
	}
	c.JSON(http.StatusOK, gin.H{"messages": visible})
}

type flushChatPayload struct {
	Messages []chat.Message `json:"messages"`
}

func (h *httpHandler) handleChatFlush(c *gin.Context) {
	secret := c.GetHeader(relay.FlushSecretHeader)
	if subtle.ConstantTimeCompare([]byte(secret), []byte(h.flushSecret)) != 1 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	var payload flushChatPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.chat.SaveBatch(c.Request.Context(), c.Param("mapId"), payload.Messages); err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"saved": len(payload.Messages)})
}

type leavePresencePayload struct {
	ConnectionID string `json:"connectionId"`
}

func (h *httpHandler) handleLeavePresence(c *gin.Context) {
	claims, ok := sessionClaims(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	mapID := c.Param("mapId")
	// Beacon-delivered bodies may be empty; fall back to clearing the
	// caller's own row.
	var payload leavePresencePayload
	_ = c.ShouldBindJSON(&payload)
	if payload.ConnectionID != "" {
		if err := h.presence.Leave(c.Request.Context(), mapID, payload.ConnectionID); err != nil {
			h.writeServiceError(c, err)
			return
		}
	} else if err := h.presence.LeaveUser(c.Request.Context(), mapID, claims.UserID); err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// writeServiceError maps domain failures onto the HTTP error taxonomy:
// forbidden and not-found are terminal for the request; validation failures
// are client errors; anything else is a transient server failure.
func (h *httpHandler) writeServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, maps.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	case errors.Is(err, maps.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, maps.ErrInvalidMapID),
		errors.Is(err, maps.ErrInvalidUserID),
		errors.Is(err, maps.ErrInvalidTokenID),
		errors.Is(err, chat.ErrInvalidMessage):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
	default:
		h.logger.Error("request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
	}
}
