// Package devserver implements a small in-memory fake of the speakloop
// backend. It speaks the same wire contract as the real API (login, token
// refresh, topics and recording uploads) and can inject failures, which makes
// it usable both from tests and as a local target for cmd/apiclient.
package devserver

import (
	"context"
	"crypto/rand"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/speakloop/apiclient/internal/logging"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// DefaultTokenTTL is the access token lifetime when Options.TokenTTL is zero.
const DefaultTokenTTL = 15 * time.Minute

const issuer = "speakloop-devserver"

// Options configures a Server.
type Options struct {
	// Users maps email to password. Empty means a single demo@speakloop.app / demo user.
	Users map[string]string
	// TokenTTL is the lifetime of issued access tokens.
	TokenTTL time.Duration
}

// Topic is a practice topic served by GET /topics.
type Topic struct {
	ID    int    `json:"id"`
	Title string `json:"title"`
	Level string `json:"level"`
}

// Recording is the server side record of an uploaded take.
type Recording struct {
	ID       string    `json:"recording_id"`
	TopicID  string    `json:"topic_id"`
	Filename string    `json:"filename"`
	Bytes    int64     `json:"bytes"`
	Owner    string    `json:"owner"`
	Created  time.Time `json:"created_at"`
}

type fault struct {
	status    int
	remaining int
}

// accessClaims are carried by the HS256 access tokens the server issues. Gen
// ties a token to the key generation current at issue time.
type accessClaims struct {
	Gen int `json:"gen"`
	jwt.RegisteredClaims
}

// Server is the fake backend. The zero value is not usable; call New.
type Server struct {
	engine   *gin.Engine
	tokenTTL time.Duration

	signingKey []byte

	mu         sync.Mutex
	users      map[string]string
	generation int
	revoked    map[string]struct{}
	refresh    map[string]string
	topics     []Topic
	recordings map[string]Recording
	faults     map[string]*fault
	requests   map[string]int

	srvMu  sync.Mutex
	server *http.Server
}

// New builds a Server with its routes registered.
func New(opts Options) *Server {
	users := opts.Users
	if len(users) == 0 {
		users = map[string]string{"demo@speakloop.app": "demo"}
	}
	ttl := opts.TokenTTL
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	key := make([]byte, 32)
	_, _ = rand.Read(key)
	s := &Server{
		tokenTTL:   ttl,
		signingKey: key,
		users:      users,
		revoked:    make(map[string]struct{}),
		refresh:    make(map[string]string),
		recordings: make(map[string]Recording),
		faults:     make(map[string]*fault),
		requests:   make(map[string]int),
		topics: []Topic{
			{ID: 1, Title: "Ordering at a restaurant", Level: "A2"},
			{ID: 2, Title: "Describing your hometown", Level: "B1"},
			{ID: 3, Title: "Job interview small talk", Level: "B2"},
		},
	}

	engine := gin.New()
	engine.Use(logging.GinLogrusLogger(), logging.GinLogrusRecovery(), s.countAndInject)
	engine.GET("/health", s.handleHealth)

	authGroup := engine.Group("/auth")
	authGroup.POST("/login", s.handleLogin)
	authGroup.POST("/refresh", s.handleRefresh)
	authGroup.POST("/logout", s.requireAuth, s.handleLogout)

	engine.GET("/topics", s.requireAuth, s.handleTopics)
	engine.POST("/recordings", s.requireAuth, s.handleUpload)
	engine.GET("/recordings/:id", s.requireAuth, s.handleRecording)

	s.engine = engine
	return s
}

// Handler returns the HTTP handler serving the fake API.
func (s *Server) Handler() http.Handler { return s.engine }

// FailNext makes the next times requests to path answer status before
// reaching their handler. A later call for the same path replaces the fault.
func (s *Server) FailNext(path string, status, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if times <= 0 {
		delete(s.faults, path)
		return
	}
	s.faults[path] = &fault{status: status, remaining: times}
}

// Requests returns how many requests reached path, injected failures included.
func (s *Server) Requests(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[path]
}

// ExpireAccessTokens invalidates every issued access token while keeping
// refresh tokens valid, forcing clients through the refresh path.
func (s *Server) ExpireAccessTokens() {
	s.mu.Lock()
	s.generation++
	s.mu.Unlock()
}

// Recordings returns a snapshot of uploaded recordings.
func (s *Server) Recordings() []Recording {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Recording, 0, len(s.recordings))
	for _, r := range s.recordings {
		out = append(out, r)
	}
	return out
}

// Start listens on addr and serves in the background. It returns the bound
// address, which differs from addr when addr uses port 0.
func (s *Server) Start(addr string) (string, error) {
	s.srvMu.Lock()
	defer s.srvMu.Unlock()
	if s.server != nil {
		return "", errors.New("devserver: already running")
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", err
	}
	server := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.server = server
	bound := ln.Addr().String()
	log.Infof("dev server listening on %s", bound)
	go func() {
		if errServe := server.Serve(ln); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
			log.Errorf("dev server failed on %s: %v", bound, errServe)
		}
	}()
	return bound, nil
}

// Shutdown stops a server started with Start.
func (s *Server) Shutdown(ctx context.Context) error {
	s.srvMu.Lock()
	server := s.server
	s.server = nil
	s.srvMu.Unlock()
	if server == nil {
		return nil
	}
	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return server.Shutdown(stopCtx)
}

func (s *Server) countAndInject(c *gin.Context) {
	path := c.Request.URL.Path
	s.mu.Lock()
	s.requests[path]++
	f := s.faults[path]
	status := 0
	if f != nil {
		status = f.status
		f.remaining--
		if f.remaining <= 0 {
			delete(s.faults, path)
		}
	}
	s.mu.Unlock()

	if status != 0 {
		log.Debugf("dev server: injecting %d for %s", status, path)
		c.AbortWithStatusJSON(status, gin.H{"error": "injected failure", "code": "INJECTED"})
		return
	}
	c.Next()
}

func (s *Server) requireAuth(c *gin.Context) {
	header := c.GetHeader("Authorization")
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || strings.TrimSpace(raw) == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token", "code": "UNAUTHORIZED"})
		return
	}
	claims, err := s.parseAccess(raw)
	if err != nil {
		log.WithError(err).Debug("dev server: rejected access token")
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "access token expired", "code": "TOKEN_EXPIRED"})
		return
	}
	c.Set("email", claims.Subject)
	c.Set("jti", claims.ID)
	c.Next()
}

func (s *Server) parseAccess(raw string) (*accessClaims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
	)
	claims := &accessClaims{}
	if _, err := parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return s.signingKey, nil
	}); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if claims.Gen != s.generation {
		return nil, errors.New("token generation expired")
	}
	if _, revoked := s.revoked[claims.ID]; revoked {
		return nil, errors.New("token revoked")
	}
	return claims, nil
}

func (s *Server) handleHealth(c *gin.Context) {
	if !log.IsLevelEnabled(log.DebugLevel) {
		// probes poll this; keep info logs quiet
		logging.SkipGinRequestLogging(c)
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleLogin(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil || !gjson.ValidBytes(raw) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body", "code": "BAD_REQUEST"})
		return
	}
	email := strings.TrimSpace(gjson.GetBytes(raw, "email").String())
	password := gjson.GetBytes(raw, "password").String()

	s.mu.Lock()
	want, known := s.users[email]
	s.mu.Unlock()
	if !known || want != password {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials", "code": "INVALID_CREDENTIALS"})
		return
	}
	s.writeToken(c, email)
}

func (s *Server) handleRefresh(c *gin.Context) {
	raw, _ := c.GetRawData()
	presented := gjson.GetBytes(raw, "refresh_token").String()

	s.mu.Lock()
	email, ok := s.refresh[presented]
	if ok {
		// refresh tokens rotate on use
		delete(s.refresh, presented)
	}
	s.mu.Unlock()
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token", "code": "INVALID_REFRESH_TOKEN"})
		return
	}
	s.writeToken(c, email)
}

func (s *Server) handleLogout(c *gin.Context) {
	email := c.GetString("email")
	s.mu.Lock()
	s.revoked[c.GetString("jti")] = struct{}{}
	for rt, owner := range s.refresh {
		if owner == email {
			delete(s.refresh, rt)
		}
	}
	s.mu.Unlock()
	c.Status(http.StatusNoContent)
}

func (s *Server) handleTopics(c *gin.Context) {
	s.mu.Lock()
	topics := append([]Topic(nil), s.topics...)
	s.mu.Unlock()
	c.JSON(http.StatusOK, topics)
}

func (s *Server) handleUpload(c *gin.Context) {
	file, err := c.FormFile("audio")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "audio file is required", "code": "MISSING_AUDIO"})
		return
	}
	rec := Recording{
		ID:       uuid.NewString(),
		TopicID:  c.PostForm("topic_id"),
		Filename: file.Filename,
		Bytes:    file.Size,
		Owner:    c.GetString("email"),
		Created:  time.Now().UTC(),
	}
	s.mu.Lock()
	s.recordings[rec.ID] = rec
	s.mu.Unlock()
	c.JSON(http.StatusCreated, rec)
}

func (s *Server) handleRecording(c *gin.Context) {
	s.mu.Lock()
	rec, ok := s.recordings[c.Param("id")]
	s.mu.Unlock()
	if !ok || rec.Owner != c.GetString("email") {
		c.JSON(http.StatusNotFound, gin.H{"error": "recording not found", "code": "NOT_FOUND"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) writeToken(c *gin.Context, email string) {
	now := time.Now()
	refresh := "rt_" + uuid.NewString()

	s.mu.Lock()
	gen := s.generation
	s.refresh[refresh] = email
	s.mu.Unlock()

	claims := accessClaims{
		Gen: gen,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   email,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
		},
	}
	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.signingKey)
	if err != nil {
		log.Errorf("dev server: sign access token: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token signing failed", "code": "INTERNAL"})
		return
	}

	body := []byte(`{}`)
	body, _ = sjson.SetBytes(body, "access_token", access)
	body, _ = sjson.SetBytes(body, "refresh_token", refresh)
	body, _ = sjson.SetBytes(body, "token_type", "Bearer")
	body, _ = sjson.SetBytes(body, "expires_in", int64(s.tokenTTL/time.Second))
	c.Data(http.StatusOK, "application/json", body)
}
