// Package nonce issues single-use nonces for the login exchange.
package nonce

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/hashicorp/go-secure-stdlib/nonceutil"
	"github.com/labstack/echo/v4"
)

// HeaderReplayNonce carries a fresh nonce in responses.
const HeaderReplayNonce = "Replay-Nonce"

var ErrUnknownNonce = errors.New("unknown or already redeemed nonce")

type Service interface {
	Get() (string, error)
	Redeem(nonce string) error
}

// HashicorpService is a Service on top of nonceutil. Nonces expire after
// the validity period of the underlying service.
type HashicorpService struct {
	ns nonceutil.NonceService
}

var _ Service = (*HashicorpService)(nil)

func NewHashicorpService() (*HashicorpService, error) {
	ns := nonceutil.NewNonceService()
	if err := ns.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize nonce service: %w", err)
	}
	return &HashicorpService{ns: ns}, nil
}

func (s *HashicorpService) Get() (string, error) {
	nonce, _, err := s.ns.Get()
	if err != nil {
		return "", err
	}
	return nonce, nil
}

func (s *HashicorpService) Redeem(nonce string) error {
	if nonce == "" || !s.ns.Redeem(nonce) {
		return ErrUnknownNonce
	}
	return nil
}

// Handler answers HEAD requests with a fresh nonce in the Replay-Nonce
// header.
func Handler(s Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		n, err := s.Get()
		if err != nil {
			slog.Error("Unable to get nonce", "error", err)
			return echo.NewHTTPError(http.StatusInternalServerError, "nonce unavailable")
		}
		c.Response().Header().Set(HeaderReplayNonce, n)
		c.Response().Header().Set("Cache-Control", "no-store")
		return c.NoContent(http.StatusOK)
	}
}
