package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/satriahrh/pitchline/domain"
	"github.com/satriahrh/pitchline/domain/entities"
	"github.com/satriahrh/pitchline/domain/repositories"
	"github.com/satriahrh/pitchline/internal/auth"
	"github.com/satriahrh/pitchline/internal/websocket"
	"github.com/satriahrh/pitchline/usecase"
)

const (
	claimsKey        = "claims"
	defaultListLimit = 20
	maxListLimit     = 100
)

// SessionControl is the part of *usecase.SessionController the API drives.
type SessionControl interface {
	Start() error
	Stop() error
	Pause() error
	Resume() error
	Status() entities.Status
	Transcript() []entities.TranscriptTurn
}

// ChatResponder answers typed messages. *usecase.ChatService satisfies it.
type ChatResponder interface {
	Reply(ctx context.Context, userText string) (*usecase.ChatReply, error)
}

// Archive reads stored transcripts. *usecase.ArchiveService satisfies it.
type Archive interface {
	List(ctx context.Context, limit int) ([]*entities.SessionRecord, error)
	Get(ctx context.Context, id string) (*entities.SessionRecord, error)
}

// Dependencies are the collaborators behind the routes. Chat and Archive
// are optional; their routes answer 503 when nil.
type Dependencies struct {
	Session   SessionControl
	Chat      ChatResponder
	Archive   Archive
	Hub       *websocket.Hub
	Tokens    *auth.TokenIssuer
	AccessKey string
	Logger    *zap.Logger
}

type handler struct {
	Dependencies
}

// InitRoutes initializes all API routes
func InitRoutes(e *echo.Echo, deps Dependencies) {
	h := &handler{Dependencies: deps}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"service": "pitchline",
		})
	})

	v1 := e.Group("/api/v1")
	v1.POST("/viewer/auth", h.viewerAuth)

	viewer := v1.Group("", h.requireToken(false))
	viewer.GET("/session/status", h.sessionStatus)
	viewer.GET("/session/transcript", h.sessionTranscript)
	viewer.GET("/sessions", h.listSessions)
	viewer.GET("/sessions/:id", h.getSession)

	operator := v1.Group("", h.requireToken(true))
	operator.POST("/session/start", h.sessionAction("start", deps.Session.Start))
	operator.POST("/session/stop", h.sessionAction("stop", deps.Session.Stop))
	operator.POST("/session/pause", h.sessionAction("pause", deps.Session.Pause))
	operator.POST("/session/resume", h.sessionAction("resume", deps.Session.Resume))
	operator.POST("/chat", h.chat)

	// WebSocket endpoint with JWT validation
	e.GET("/ws", h.websocketWithAuth)
}

func (h *handler) viewerAuth(c echo.Context) error {
	var req ViewerAuthRequest
	if err := c.Bind(&req); err != nil {
		h.Logger.Warn("Failed to bind viewer auth request", zap.Error(err))
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "Invalid request format",
		})
	}

	if req.ViewerID == "" || req.AccessKey == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "missing_fields",
			Message: "Viewer ID and access key are required",
		})
	}
	if req.Role == "" {
		req.Role = auth.RoleViewer
	}

	if h.AccessKey == "" || subtle.ConstantTimeCompare([]byte(req.AccessKey), []byte(h.AccessKey)) != 1 {
		h.Logger.Warn("Viewer authentication failed", zap.String("viewer_id", req.ViewerID))
		return c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "authentication_failed",
			Message: "Invalid access key",
		})
	}

	token, expiresAt, err := h.Tokens.GenerateToken(req.ViewerID, req.Role)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidRole) {
			return c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "invalid_role",
				Message: "Role must be viewer or operator",
			})
		}
		h.Logger.Error("Failed to generate viewer token", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "token_generation_failed",
			Message: "Failed to generate authentication token",
		})
	}

	h.Logger.Info("Viewer authenticated",
		zap.String("viewer_id", req.ViewerID),
		zap.String("role", req.Role))

	return c.JSON(http.StatusOK, ViewerAuthResponse{
		Token:     token,
		ExpiresAt: expiresAt,
		ViewerID:  req.ViewerID,
		Role:      req.Role,
	})
}

// requireToken validates the bearer token and, for operator routes, its role.
func (h *handler) requireToken(operator bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			claims, failure := h.authenticate(c)
			if failure != nil {
				return c.JSON(http.StatusUnauthorized, failure)
			}
			if operator && !claims.CanControl() {
				return c.JSON(http.StatusForbidden, ErrorResponse{
					Error:   "invalid_role",
					Message: "Only operator tokens may control the session",
				})
			}
			c.Set(claimsKey, claims)
			return next(c)
		}
	}
}

// authenticate reads the token from the Authorization header, or from the
// token query parameter for browser websocket clients.
func (h *handler) authenticate(c echo.Context) (*auth.JWTClaims, *ErrorResponse) {
	var token string
	if header := c.Request().Header.Get(echo.HeaderAuthorization); strings.HasPrefix(header, "Bearer ") {
		token = strings.TrimPrefix(header, "Bearer ")
	}
	if token == "" {
		token = c.QueryParam("token")
	}

	if token == "" {
		return nil, &ErrorResponse{
			Error:   "missing_token",
			Message: "JWT token is required in Authorization header",
		}
	}

	claims, err := h.Tokens.ValidateToken(token)
	if err != nil {
		h.Logger.Warn("Rejected invalid token", zap.Error(err))
		return nil, &ErrorResponse{
			Error:   "invalid_token",
			Message: "Invalid or expired JWT token",
		}
	}
	return claims, nil
}

func (h *handler) sessionStatus(c echo.Context) error {
	status := h.Session.Status()
	response := StatusResponse{Status: status}
	if status.LastError != nil {
		response.Guidance = status.LastError.Guidance()
	}
	if h.Hub != nil {
		response.Viewers = len(h.Hub.ActiveViewers())
	}
	return c.JSON(http.StatusOK, response)
}

func (h *handler) sessionTranscript(c echo.Context) error {
	return c.JSON(http.StatusOK, TranscriptResponse{
		SessionID: h.Session.Status().SessionID,
		Turns:     h.Session.Transcript(),
	})
}

func (h *handler) sessionAction(name string, action func() error) echo.HandlerFunc {
	return func(c echo.Context) error {
		claims := c.Get(claimsKey).(*auth.JWTClaims)
		if err := action(); err != nil {
			h.Logger.Warn("Session action failed",
				zap.String("action", name),
				zap.String("viewer_id", claims.ViewerID),
				zap.Error(err))
			return h.errorResponse(c, err)
		}

		h.Logger.Info("Session action",
			zap.String("action", name),
			zap.String("viewer_id", claims.ViewerID))
		return h.sessionStatus(c)
	}
}

func (h *handler) chat(c echo.Context) error {
	if h.Chat == nil {
		return c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error:   "chat_unavailable",
			Message: "Chat is not configured",
		})
	}

	var req ChatRequest
	if err := c.Bind(&req); err != nil || strings.TrimSpace(req.Message) == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "A non-empty message is required",
		})
	}

	reply, err := h.Chat.Reply(c.Request().Context(), req.Message)
	if err != nil {
		return h.errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, reply)
}

func (h *handler) listSessions(c echo.Context) error {
	if h.Archive == nil {
		return c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error:   "archive_unavailable",
			Message: "Transcript archive is not configured",
		})
	}

	limit := defaultListLimit
	if raw := c.QueryParam("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			return c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "invalid_limit",
				Message: "limit must be a positive integer",
			})
		}
		limit = min(parsed, maxListLimit)
	}

	records, err := h.Archive.List(c.Request().Context(), limit)
	if err != nil {
		return h.errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, SessionsResponse{Sessions: records})
}

func (h *handler) getSession(c echo.Context) error {
	if h.Archive == nil {
		return c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error:   "archive_unavailable",
			Message: "Transcript archive is not configured",
		})
	}

	record, err := h.Archive.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, record)
}

// errorResponse maps domain and usecase errors to HTTP statuses.
func (h *handler) errorResponse(c echo.Context, err error) error {
	switch {
	case errors.Is(err, usecase.ErrInvalidState):
		return c.JSON(http.StatusConflict, ErrorResponse{Error: "invalid_state", Message: err.Error()})
	case errors.Is(err, usecase.ErrControllerClosed):
		return c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "shutting_down", Message: err.Error()})
	case errors.Is(err, repositories.ErrRecordNotFound):
		return c.JSON(http.StatusNotFound, ErrorResponse{Error: "not_found", Message: err.Error()})
	case errors.Is(err, usecase.ErrEmptyMessage):
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_request", Message: err.Error()})
	}

	kind := domain.KindOf(err)
	switch kind {
	case domain.KindConfiguration:
		return c.JSON(http.StatusUnprocessableEntity, ErrorResponse{
			Error:    string(kind),
			Message:  err.Error(),
			Guidance: kind.Guidance(),
		})
	case domain.KindUnknown:
		h.Logger.Error("Request failed", zap.Error(err))
		return c.JSON(http.StatusBadGateway, ErrorResponse{
			Error:   "upstream_error",
			Message: err.Error(),
		})
	default:
		return c.JSON(http.StatusBadGateway, ErrorResponse{
			Error:    string(kind),
			Message:  err.Error(),
			Guidance: kind.Guidance(),
		})
	}
}

// websocketWithAuth upgrades an authenticated viewer onto the event hub.
func (h *handler) websocketWithAuth(c echo.Context) error {
	claims, failure := h.authenticate(c)
	if failure != nil {
		h.Logger.Warn("WebSocket connection rejected", zap.String("reason", failure.Error))
		return c.JSON(http.StatusUnauthorized, failure)
	}

	h.Logger.Info("WebSocket connection authenticated",
		zap.String("viewer_id", claims.ViewerID),
		zap.String("role", claims.Role))

	return websocket.HandleWebSocketWithAuth(h.Hub, c, claims.ViewerID, h.Logger)
}
