package mockserver

import (
	"crypto/subtle"
	"io"
	"net/http"
	"strings"

	"github.com/gematik/zero-ekmf/pkg/ekmf"
	"github.com/gematik/zero-ekmf/pkg/util"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/segmentio/ksuid"
)

const (
	tokenIssuer  = "zero-ekmf-mock"
	ctxKeyUser   = "ekmf_user"
	bearerPrefix = "Bearer "
)

var validate = validator.New()

// IssueToken creates a login token for name without checking credentials.
func (s *Server) IssueToken(name string) (string, error) {
	now := s.now()
	token, err := jwt.NewBuilder().
		Issuer(tokenIssuer).
		Subject(name).
		JwtID(ksuid.New().String()).
		IssuedAt(now).
		Expiration(now.Add(s.tokenTTL)).
		Build()
	if err != nil {
		return "", err
	}
	signed, err := jwt.Sign(token, jwt.WithKey(jwa.ES256, s.tokenKey))
	if err != nil {
		return "", err
	}
	return string(signed), nil
}

func (s *Server) loginEndpoint(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxRequestSize))
	if err != nil {
		return newAPIError(http.StatusBadRequest, CodeInvalidRequest, "malformed login request")
	}
	req, err := util.DecodeValid[ekmf.LoginRequest](body, validate)
	clear(body)
	if err != nil {
		return newAPIError(http.StatusBadRequest, CodeInvalidRequest, "%v", err)
	}
	if err := s.nonces.Redeem(req.Nonce); err != nil {
		return newAPIError(http.StatusBadRequest, CodeInvalidRequest, "%v", err)
	}

	u, ok := s.lookupUser(req.Username)
	if !ok || subtle.ConstantTimeCompare([]byte(u.password), []byte(req.Password)) != 1 {
		return newAPIError(http.StatusUnauthorized, CodeUnauthorized, "invalid credentials")
	}

	token, err := s.IssueToken(req.Username)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, &ekmf.LoginResponse{Token: token})
}

// requireToken checks the bearer token and stores its subject in the
// request context.
func (s *Server) requireToken(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		auth := c.Request().Header.Get(echo.HeaderAuthorization)
		if !strings.HasPrefix(auth, bearerPrefix) {
			return newAPIError(http.StatusUnauthorized, CodeUnauthorized, "missing bearer token")
		}
		token, err := jwt.ParseString(
			strings.TrimPrefix(auth, bearerPrefix),
			jwt.WithKey(jwa.ES256, &s.tokenKey.PublicKey),
			jwt.WithIssuer(tokenIssuer),
			jwt.WithClock(jwt.ClockFunc(s.now)),
		)
		if err != nil {
			return newAPIError(http.StatusUnauthorized, CodeUnauthorized, "invalid bearer token: %v", err)
		}
		if _, ok := s.lookupUser(token.Subject()); !ok {
			return newAPIError(http.StatusUnauthorized, CodeUnauthorized, "unknown user")
		}
		c.Set(ctxKeyUser, token.Subject())
		return next(c)
	}
}

func (s *Server) publicKeyEndpoint(c echo.Context) error {
	key, err := jwk.FromRaw(s.signer.Public())
	if err != nil {
		return err
	}
	if s.kid != "" {
		if err := key.Set(jwk.KeyIDKey, s.kid); err != nil {
			return err
		}
	}
	return c.JSON(http.StatusOK, key)
}
