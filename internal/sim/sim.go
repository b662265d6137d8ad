// Package sim is an in-memory stand-in for the Tably backend: the REST
// endpoints and the realtime wire contract the client SDK talks to.
// It exists so the SDK can be developed, demoed, and end-to-end tested
// without the production stack; it is not the production backend and makes
// no attempt at durability.
package sim

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/tably-dev/tably-go/internal/auth"
	"github.com/tably-dev/tably-go/internal/models"
	"github.com/tably-dev/tably-go/internal/rest"
)

type Config struct {
	JWTSecret string
	// AccessTTL is deliberately configurable down to seconds so the refresh
	// path can be exercised locally without waiting out a real token.
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

type Server struct {
	cfg    Config
	logger *zap.Logger
	engine *gin.Engine
	hub    *hub

	mu      sync.RWMutex
	tenants map[string]*tenantState
}

type tenantState struct {
	users     map[string]seedUser // keyed by identifier
	usersByID map[string]seedUser
	tables    map[string]models.Table
	requests  map[string]models.ServiceRequest
}

type seedUser struct {
	user models.User
	hash []byte
}

func New(cfg Config, logger *zap.Logger) *Server {
	if cfg.AccessTTL == 0 {
		cfg.AccessTTL = auth.AccessTokenTTL
	}
	if cfg.RefreshTTL == 0 {
		cfg.RefreshTTL = auth.RefreshTokenTTL
	}

	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		cfg:     cfg,
		logger:  logger,
		hub:     newHub(logger),
		tenants: make(map[string]*tenantState),
	}

	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/v1/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	engine.POST("/v1/auth/login", s.handleLogin)
	engine.POST("/v1/auth/refresh", s.handleRefresh)
	engine.GET("/v1/ws", s.handleWS)

	authed := engine.Group("/v1")
	authed.Use(authMiddleware(cfg.JWTSecret))
	authed.GET("/requests/active", s.handleActiveRequests)
	authed.POST("/tables/batch", s.handleTablesBatch)

	s.engine = engine
	return s
}

// Handler exposes the router so tests can mount the simulator on httptest.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until the listener fails.
func (s *Server) Run(addr string) error {
	s.logger.Info("simulator listening", zap.String("addr", addr))
	return s.engine.Run(addr)
}

// SeedTenant registers a tenant with its tables. Call before serving.
func (s *Server) SeedTenant(slug string, tables []models.Table) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := s.tenant(slug)
	for _, table := range tables {
		ts.tables[table.ID] = table
	}
}

// SeedUser registers a login for a tenant. The password is bcrypt-hashed
// the same way the production backend stores it.
func (s *Server) SeedUser(slug string, user models.User, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	user.Tenant = slug

	s.mu.Lock()
	defer s.mu.Unlock()
	ts := s.tenant(slug)
	su := seedUser{user: user, hash: hash}
	ts.users[user.Identifier] = su
	ts.usersByID[user.ID] = su
	return nil
}

// tenant returns (creating on demand) a tenant's state. Callers hold s.mu.
func (s *Server) tenant(slug string) *tenantState {
	ts, ok := s.tenants[slug]
	if !ok {
		ts = &tenantState{
			users:     make(map[string]seedUser),
			usersByID: make(map[string]seedUser),
			tables:    make(map[string]models.Table),
			requests:  make(map[string]models.ServiceRequest),
		}
		s.tenants[slug] = ts
	}
	return ts
}

type loginRequest struct {
	Identifier string `json:"identifier" binding:"required"`
	Password   string `json:"password" binding:"required"`
}

func (s *Server) handleLogin(c *gin.Context) {
	tenant := c.GetHeader(rest.HeaderTenant)
	if tenant == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing tenant header"})
		return
	}

	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.mu.RLock()
	ts, ok := s.tenants[tenant]
	var su seedUser
	if ok {
		su, ok = ts.users[req.Identifier]
	}
	s.mu.RUnlock()

	// One generic message for unknown identifier and wrong password.
	if !ok || bcrypt.CompareHashAndPassword(su.hash, []byte(req.Password)) != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid identifier or password"})
		return
	}

	pair, err := s.issuePair(su.user)
	if err != nil {
		s.logger.Error("issuing tokens", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
		return
	}
	c.JSON(http.StatusOK, pair)
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken" binding:"required"`
}

func (s *Server) handleRefresh(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	claims, err := auth.ParseToken(req.RefreshToken, s.cfg.JWTSecret)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired refresh token"})
		return
	}

	s.mu.RLock()
	ts, ok := s.tenants[claims.Tenant]
	var su seedUser
	if ok {
		su, ok = ts.usersByID[claims.UserID]
	}
	s.mu.RUnlock()
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unknown user"})
		return
	}

	pair, err := s.issuePair(su.user)
	if err != nil {
		s.logger.Error("issuing tokens", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "refresh failed"})
		return
	}
	c.JSON(http.StatusOK, pair)
}

func (s *Server) issuePair(user models.User) (rest.TokenPair, error) {
	access, err := auth.GenerateToken(user.ID, user.Tenant, user.Role, s.cfg.JWTSecret, s.cfg.AccessTTL)
	if err != nil {
		return rest.TokenPair{}, err
	}
	refresh, err := auth.GenerateToken(user.ID, user.Tenant, user.Role, s.cfg.JWTSecret, s.cfg.RefreshTTL)
	if err != nil {
		return rest.TokenPair{}, err
	}
	return rest.TokenPair{AccessToken: access, RefreshToken: refresh, User: user}, nil
}

func (s *Server) handleActiveRequests(c *gin.Context) {
	tenant, ok := effectiveTenant(c)
	if !ok {
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []models.ServiceRequest{}
	if ts, exists := s.tenants[tenant]; exists {
		for _, req := range ts.requests {
			if !req.Status.Terminal() {
				out = append(out, req)
			}
		}
	}
	c.JSON(http.StatusOK, out)
}

type tablesBatchRequest struct {
	IDs []string `json:"ids" binding:"required"`
}

func (s *Server) handleTablesBatch(c *gin.Context) {
	tenant, ok := effectiveTenant(c)
	if !ok {
		return
	}

	var req tablesBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []models.Table{}
	if ts, exists := s.tenants[tenant]; exists {
		for _, id := range req.IDs {
			if table, found := ts.tables[id]; found {
				out = append(out, table)
			}
		}
	}
	c.JSON(http.StatusOK, out)
}
