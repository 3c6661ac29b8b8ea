// Package mockserver is an in-memory EKMFWeb server. It implements the
// login, public key and key export endpoints used by the client and is
// meant for tests and local experiments.
package mockserver

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gematik/zero-ekmf/pkg/backend/soft"
	"github.com/gematik/zero-ekmf/pkg/jose"
	"github.com/gematik/zero-ekmf/pkg/nonce"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/segmentio/ksuid"
)

const DefaultTokenTTL = 15 * time.Minute

var (
	ErrUnknownUser = errors.New("unknown user")
	ErrKeyExists   = errors.New("key already exists")
)

type user struct {
	password string
	identity crypto.PublicKey
}

type storedKey struct {
	secret  []byte
	allowed []string
}

// Server keeps all state in memory and is safe for concurrent use.
type Server struct {
	echo     *echo.Echo
	signer   crypto.Signer
	sigAlg   jwa.SignatureAlgorithm
	kid      string
	backend  *soft.Backend
	tokenKey *ecdsa.PrivateKey
	tokenTTL time.Duration
	nonces   nonce.Service
	now      func() time.Time

	mu    sync.RWMutex
	users map[string]*user
	keys  map[string]*storedKey
}

type Option func(*Server) error

// WithSigner sets the key the server signs export responses with.
func WithSigner(signer crypto.Signer, kid string) Option {
	return func(s *Server) error {
		s.signer = signer
		s.kid = kid
		return nil
	}
}

func WithTokenTTL(ttl time.Duration) Option {
	return func(s *Server) error {
		if ttl <= 0 {
			return fmt.Errorf("token ttl must be positive")
		}
		s.tokenTTL = ttl
		return nil
	}
}

// WithClock sets the time source for token issuance and checks.
func WithClock(now func() time.Time) Option {
	return func(s *Server) error {
		s.now = now
		return nil
	}
}

func New(opts ...Option) (*Server, error) {
	s := &Server{
		backend:  soft.NewRandom(),
		tokenTTL: DefaultTokenTTL,
		now:      time.Now,
		users:    make(map[string]*user),
		keys:     make(map[string]*storedKey),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	if s.signer == nil {
		prk, err := rsa.GenerateKey(rand.Reader, 3072)
		if err != nil {
			return nil, fmt.Errorf("generate signing key: %w", err)
		}
		s.signer = prk
	}
	alg, _, err := jose.AlgorithmFor(s.signer.Public(), 0, false)
	if err != nil {
		return nil, fmt.Errorf("signing key: %w", err)
	}
	s.sigAlg = alg

	s.tokenKey, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate token key: %w", err)
	}

	s.nonces, err = nonce.NewHashicorpService()
	if err != nil {
		return nil, err
	}

	s.echo = echo.New()
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.HTTPErrorHandler = errorHandler
	s.mountRoutes()
	return s, nil
}

func (s *Server) mountRoutes() {
	s.echo.Use(
		middleware.Recover(),
		middleware.RequestIDWithConfig(middleware.RequestIDConfig{
			Generator: func() string { return ksuid.New().String() },
		}),
		logMiddleware,
	)
	api := s.echo.Group("/api/v1")
	api.HEAD("/auth/nonce", nonce.Handler(s.nonces))
	api.POST("/auth/login", s.loginEndpoint)
	api.GET("/system/publicKey", s.publicKeyEndpoint, s.requireToken)
	api.POST("/keys/:id/export", s.exportEndpoint, s.requireToken)
}

func logMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		err := next(c)
		slog.Debug("Mock EKMFWeb request",
			"method", c.Request().Method,
			"path", c.Request().URL.Path,
			"request_id", c.Response().Header().Get(echo.HeaderXRequestID),
			"status", c.Response().Status,
			"error", err,
		)
		return err
	}
}

// Handler serves the EKMFWeb API.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves on addr until Shutdown is called.
func (s *Server) Start(addr string) error {
	slog.Info("Mock EKMFWeb server listening", "addr", addr)
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// PublicKey is the key export responses are signed with.
func (s *Server) PublicKey() crypto.PublicKey {
	return s.signer.Public()
}

// AddUser registers a user, replacing the password of an existing one.
func (s *Server) AddUser(name, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[name]; ok {
		u.password = password
		return
	}
	s.users[name] = &user{password: password}
}

// RegisterIdentity sets the identity public key export requests of name
// must be signed with.
func (s *Server) RegisterIdentity(name string, pub crypto.PublicKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownUser, name)
	}
	u.identity = pub
	return nil
}

// AddKey stores secret under a new random key id which the named users
// may export.
func (s *Server) AddKey(secret []byte, allowed ...string) string {
	id := uuid.NewString()
	_ = s.PutKey(id, secret, allowed...)
	return id
}

// PutKey stores secret under id.
func (s *Server) PutKey(id string, secret []byte, allowed ...string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("key id: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[id]; ok {
		return fmt.Errorf("%w: %s", ErrKeyExists, id)
	}
	s.keys[id] = &storedKey{secret: slices.Clone(secret), allowed: allowed}
	return nil
}

// lookupUser returns a snapshot of the named user.
func (s *Server) lookupUser(name string) (user, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[name]
	if !ok {
		return user{}, false
	}
	return *u, true
}

func (s *Server) lookupKey(id string) (*storedKey, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[id]
	return k, ok
}

// apiError is rendered as the EKMFWeb error body {code, message}.
type apiError struct {
	Status  int    `json:"-"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%d: %s", e.Code, e.Message)
}

// Error codes sent in error bodies.
const (
	CodeInvalidRequest = 1
	CodeUnauthorized   = 2
	CodeBadSignature   = 3
	CodeNotFound       = 4
	CodeNoPermission   = 7
	CodeInternal       = 99
)

func newAPIError(status, code int, format string, args ...any) *apiError {
	return &apiError{Status: status, Code: code, Message: fmt.Sprintf(format, args...)}
}

func errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	var ae *apiError
	var he *echo.HTTPError
	switch {
	case errors.As(err, &ae):
	case errors.As(err, &he):
		ae = &apiError{Status: he.Code, Code: CodeInvalidRequest, Message: fmt.Sprint(he.Message)}
	default:
		slog.Error("Mock EKMFWeb internal error", "error", err)
		ae = newAPIError(http.StatusInternalServerError, CodeInternal, "internal error")
	}
	if c.Request().Method == http.MethodHead {
		err = c.NoContent(ae.Status)
	} else {
		err = c.JSON(ae.Status, ae)
	}
	if err != nil {
		slog.Error("Unable to send error response", "error", err)
	}
}
