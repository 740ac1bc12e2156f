package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/partnerboard/backend/internal/accounts"
	"github.com/partnerboard/backend/internal/auth"
	"github.com/partnerboard/backend/internal/partnerships"
	"github.com/partnerboard/backend/internal/presence"
	"go.uber.org/zap"
	"golang.org/x/net/websocket"
)

const identityContextKey = "partnerboard_identity"

const minPasswordLength = 6

var (
	errMissingRecordStore     = errors.New("record store dependency required")
	errMissingAccountsService = errors.New("accounts service dependency required")
	errMissingTokenService    = errors.New("token service dependency required")
	errMissingPresence        = errors.New("presence registry dependency required")
	errMissingChannel         = errors.New("realtime channel dependency required")
)

// TokenService issues and verifies session tokens.
type TokenService interface {
	Issue(identity auth.Identity) (string, int64, error)
	Validate(token string) (auth.Identity, error)
}

// ChannelServer runs the real-time session for an admitted connection.
type ChannelServer interface {
	Serve(conn *websocket.Conn, identity auth.Identity)
}

// Dependencies wires the HTTP surface to the rest of the application.
type Dependencies struct {
	Records  *partnerships.Store
	Accounts *accounts.Service
	Tokens   TokenService
	Presence *presence.Registry
	Channel  ChannelServer
	Logger   *zap.Logger

	// Login throttling knobs; zero values take the package defaults.
	LoginAttempts int
	LoginWindow   time.Duration
	Clock         func() time.Time
}

// NewHTTPHandler builds the full API router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Records == nil {
		return nil, errMissingRecordStore
	}
	if deps.Accounts == nil {
		return nil, errMissingAccountsService
	}
	if deps.Tokens == nil {
		return nil, errMissingTokenService
	}
	if deps.Presence == nil {
		return nil, errMissingPresence
	}
	if deps.Channel == nil {
		return nil, errMissingChannel
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		records:    deps.Records,
		accounts:   deps.Accounts,
		tokens:     deps.Tokens,
		presence:   deps.Presence,
		channel:    deps.Channel,
		logger:     logger,
		loginLimit: newLoginLimiter(deps.LoginAttempts, deps.LoginWindow, deps.Clock),
	}

	router.GET("/api/status", handler.handleStatus)
	router.POST("/api/auth/register", handler.handleRegister)
	router.POST("/api/auth/login", handler.handleLogin)
	router.GET("/ws", handler.handleWebSocket)

	authenticated := router.Group("/")
	authenticated.Use(handler.authorizeRequest)
	authenticated.GET("/api/auth/verify", handler.handleVerify)
	authenticated.GET("/api/partnerships", handler.handleListRecords)
	authenticated.POST("/api/partnerships", handler.handleCreateRecord)
	authenticated.PUT("/api/partnerships/:id", handler.handleUpdateRecord)
	authenticated.DELETE("/api/partnerships/:id", handler.handleDeleteRecord)

	admin := authenticated.Group("/")
	admin.Use(handler.requireAdmin)
	admin.DELETE("/api/partnerships", handler.handleClearRecords)
	admin.GET("/api/admin/allowed-emails", handler.handleListAllowedEmails)
	admin.POST("/api/admin/allowed-emails", handler.handleAddAllowedEmail)
	admin.DELETE("/api/admin/allowed-emails/:email", handler.handleRemoveAllowedEmail)
	admin.GET("/api/admin/users", handler.handleListUsers)

	return router, nil
}

type httpHandler struct {
	records    *partnerships.Store
	accounts   *accounts.Service
	tokens     TokenService
	presence   *presence.Registry
	channel    ChannelServer
	logger     *zap.Logger
	loginLimit *loginLimiter
}

func respondError(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"success": false, "message": message})
}

func abortError(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, gin.H{"success": false, "message": message})
}

// mapServiceError converts domain sentinels into the uniform error envelope.
func mapServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, partnerships.ErrNotFound):
		respondError(c, http.StatusNotFound, "partnership not found")
	case errors.Is(err, accounts.ErrNotAllowed):
		respondError(c, http.StatusForbidden, "email is not on the allowed list")
	case errors.Is(err, accounts.ErrEmailTaken):
		respondError(c, http.StatusConflict, "email is already registered")
	case errors.Is(err, accounts.ErrInvalidCredentials):
		respondError(c, http.StatusUnauthorized, "invalid email or password")
	case errors.Is(err, accounts.ErrSelfRemoval):
		respondError(c, http.StatusBadRequest, "cannot remove your own email")
	case errors.Is(err, accounts.ErrNotFound):
		respondError(c, http.StatusNotFound, "email is not on the allowed list")
	default:
		respondError(c, http.StatusInternalServerError, "internal server error")
	}
}

type registerPayload struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Password string `json:"password"`
}

type loginPayload struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *httpHandler) handleRegister(c *gin.Context) {
	var request registerPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(request.Email) == "" || strings.TrimSpace(request.Name) == "" {
		respondError(c, http.StatusBadRequest, "email and name are required")
		return
	}
	if len(request.Password) < minPasswordLength {
		respondError(c, http.StatusBadRequest, "password must be at least 6 characters")
		return
	}

	user, err := h.accounts.Register(request.Email, request.Name, request.Password)
	if err != nil {
		mapServiceError(c, err)
		return
	}

	h.issueSession(c, http.StatusCreated, user)
}

func (h *httpHandler) handleLogin(c *gin.Context) {
	if !h.loginLimit.allow(c.ClientIP()) {
		respondError(c, http.StatusTooManyRequests, "too many login attempts, try again later")
		return
	}

	var request loginPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := h.accounts.Authenticate(request.Email, request.Password)
	if err != nil {
		mapServiceError(c, err)
		return
	}

	h.issueSession(c, http.StatusOK, user)
}

func (h *httpHandler) issueSession(c *gin.Context, status int, user accounts.User) {
	token, expiresIn, err := h.tokens.Issue(auth.Identity{
		ID:    user.ID,
		Email: user.Email,
		Name:  user.Name,
		Role:  string(user.Role),
	})
	if err != nil {
		h.logger.Error("failed to issue session token", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "internal server error")
		return
	}

	c.JSON(status, gin.H{
		"success":   true,
		"token":     token,
		"expiresIn": expiresIn,
		"user":      user.Public(),
	})
}

func (h *httpHandler) handleVerify(c *gin.Context) {
	identity := identityFrom(c)
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"user": gin.H{
			"id":    identity.ID,
			"email": identity.Email,
			"name":  identity.Name,
			"role":  identity.Role,
		},
	})
}

func (h *httpHandler) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success":          true,
		"status":           "ok",
		"partnershipCount": h.records.Count(),
		"connectedUsers":   h.presence.Count(),
		"registeredUsers":  h.accounts.UserCount(),
	})
}

func (h *httpHandler) handleListRecords(c *gin.Context) {
	records := h.records.List()
	c.JSON(http.StatusOK, gin.H{
		"success":        true,
		"data":           records,
		"count":          len(records),
		"connectedUsers": h.presence.Count(),
	})
}

type recordPayload struct {
	ProjectName         *string         `json:"projectName"`
	NumberOfWLs         json.RawMessage `json:"numberOfWLs"`
	TemplateDescription *string         `json:"templateDescription"`
	CollectedWallets    *string         `json:"collectedWallets"`
}

// fields translates the payload into a partial update. An absent numberOfWLs
// leaves the stored value alone; any present value goes through the lenient
// count coercion.
func (p recordPayload) fields() partnerships.Fields {
	fields := partnerships.Fields{
		ProjectName:         p.ProjectName,
		TemplateDescription: p.TemplateDescription,
		CollectedWallets:    p.CollectedWallets,
	}
	if len(p.NumberOfWLs) > 0 {
		var raw any
		if err := json.Unmarshal(p.NumberOfWLs, &raw); err == nil {
			count := partnerships.CoerceWLCount(raw)
			fields.NumberOfWLs = &count
		}
	}
	return fields
}

func (h *httpHandler) handleCreateRecord(c *gin.Context) {
	var request recordPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request body")
		return
	}

	record, err := h.records.Create(request.fields(), actorFrom(c))
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "data": record})
}

func (h *httpHandler) handleUpdateRecord(c *gin.Context) {
	var request recordPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request body")
		return
	}

	record, err := h.records.Update(c.Param("id"), request.fields(), actorFrom(c))
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": record})
}

func (h *httpHandler) handleDeleteRecord(c *gin.Context) {
	record, err := h.records.Delete(c.Param("id"), actorFrom(c))
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": record})
}

func (h *httpHandler) handleClearRecords(c *gin.Context) {
	cleared := h.records.ClearAll(actorFrom(c))
	c.JSON(http.StatusOK, gin.H{"success": true, "cleared": cleared})
}

func (h *httpHandler) handleListAllowedEmails(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": h.accounts.AllowedEmails()})
}

type allowedEmailPayload struct {
	Email string `json:"email"`
	Role  string `json:"role"`
}

func (h *httpHandler) handleAddAllowedEmail(c *gin.Context) {
	var request allowedEmailPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Email) == "" {
		respondError(c, http.StatusBadRequest, "email is required")
		return
	}

	role := accounts.Role(request.Role)
	if request.Role == "" {
		role = accounts.RoleUser
	}
	if !accounts.ValidRole(role) {
		respondError(c, http.StatusBadRequest, "role must be admin or user")
		return
	}

	entry, err := h.accounts.AddAllowedEmail(request.Email, role, identityFrom(c).Email)
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "data": entry})
}

func (h *httpHandler) handleRemoveAllowedEmail(c *gin.Context) {
	if err := h.accounts.RemoveAllowedEmail(c.Param("email"), identityFrom(c).Email); err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *httpHandler) handleListUsers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": h.accounts.Users()})
}

// handleWebSocket admits the connection only after the query-parameter token
// verifies; the upgrade never happens for an unauthenticated caller.
func (h *httpHandler) handleWebSocket(c *gin.Context) {
	identity, err := h.tokens.Validate(c.Query("token"))
	if err != nil {
		h.logger.Warn("websocket token rejected", zap.Error(err))
		respondError(c, http.StatusUnauthorized, "unauthorized")
		return
	}

	websocket.Handler(func(conn *websocket.Conn) {
		h.channel.Serve(conn, identity)
	}).ServeHTTP(c.Writer, c.Request)
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		abortError(c, http.StatusUnauthorized, "authorization header missing or invalid")
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		abortError(c, http.StatusUnauthorized, "authorization header missing or invalid")
		return
	}

	identity, err := h.tokens.Validate(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		abortError(c, http.StatusUnauthorized, "unauthorized")
		return
	}

	c.Set(identityContextKey, identity)
	c.Next()
}

func (h *httpHandler) requireAdmin(c *gin.Context) {
	if !identityFrom(c).IsAdmin() {
		abortError(c, http.StatusForbidden, "admin privileges required")
		return
	}
	c.Next()
}

func identityFrom(c *gin.Context) auth.Identity {
	value, ok := c.Get(identityContextKey)
	if !ok {
		return auth.Identity{}
	}
	identity, _ := value.(auth.Identity)
	return identity
}

func actorFrom(c *gin.Context) partnerships.Actor {
	identity := identityFrom(c)
	return partnerships.Actor{
		ID:    identity.ID,
		Name:  identity.Name,
		Email: identity.Email,
	}
}
