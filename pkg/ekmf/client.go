// Package ekmf is a client for the EKMFWeb key management server. It
// retrieves keys wrapped for a secure key backend and manages the
// identity key the client authenticates its requests with.
package ekmf

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/gematik/zero-ekmf/pkg/backend"
	"github.com/gematik/zero-ekmf/pkg/jose"
	"github.com/gematik/zero-ekmf/pkg/logintoken"
	"github.com/gematik/zero-ekmf/pkg/signer"
	"github.com/gematik/zero-ekmf/pkg/util"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

const (
	PathSystemPublicKey = "/api/v1/system/publicKey"
	PathKeyExport       = "/api/v1/keys/%s/export"
	PathAuthNonce       = "/api/v1/auth/nonce"
	PathAuthLogin       = "/api/v1/auth/login"
)

// Client talks to one EKMFWeb server using the credentials named in its
// config. A Client may be used for sequential calls; each retrieval uses
// fresh session keys.
type Client struct {
	cfg       *Config
	backend   backend.Backend
	transport Transport
	tokens    logintoken.Store
	now       func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithTransport replaces the HTTPS transport.
func WithTransport(t Transport) Option {
	return func(c *Client) {
		c.transport = t
	}
}

// WithTokenStore replaces the login token file of the config.
func WithTokenStore(s logintoken.Store) Option {
	return func(c *Client) {
		c.tokens = s
	}
}

// WithClock sets the time source used for token checks and timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

// New creates a client. The backend is created once by the caller and
// shared by all operations of the client.
func New(cfg *Config, b backend.Backend, opts ...Option) (*Client, error) {
	if cfg == nil || b == nil {
		return nil, newError(KindInvalidArgument, nil, "config and backend are required")
	}
	c := &Client{
		cfg:     cfg,
		backend: b,
		tokens:  logintoken.FileStore{Path: cfg.Path(cfg.LoginTokenFile)},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.transport == nil {
		t, err := NewHTTPTransport(cfg)
		if err != nil {
			return nil, newError(KindConfigError, err, "transport")
		}
		c.transport = t
	}
	return c, nil
}

// Transport returns the transport so it can be reused by another client.
func (c *Client) Transport() Transport {
	return c.transport
}

// CheckLoginToken reports whether a valid login token is available.
func (c *Client) CheckLoginToken() (bool, error) {
	valid, token, err := logintoken.Validate(c.tokens, c.now())
	if err != nil {
		return false, newError(KindConfigError, err, "login token")
	}
	if valid {
		slog.Debug("Login token", "token", util.TokenToText(token))
	}
	return valid, nil
}

// loginToken returns the valid login token or a NotAuthenticated error.
func (c *Client) loginToken() (string, error) {
	valid, token, err := logintoken.Validate(c.tokens, c.now())
	if err != nil {
		return "", newError(KindConfigError, err, "login token")
	}
	if !valid {
		return "", newError(KindNotAuthenticated, nil, "no valid login token available")
	}
	return token, nil
}

// GetPublicKey fetches the public signing key of the server and stores it
// as PEM in the configured server public key file.
func (c *Client) GetPublicKey(ctx context.Context) error {
	token, err := c.loginToken()
	if err != nil {
		return err
	}

	resp, err := c.transport.Perform(ctx, http.MethodGet, PathSystemPublicKey, nil, token, nil)
	if err != nil {
		return newError(KindTransportFailure, err, "get server public key")
	}
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return statusError(KindNotAuthenticated, resp)
	default:
		return statusError(KindTransportFailure, resp)
	}
	if len(resp.Body) == 0 {
		return newError(KindBadResponse, nil, "no public key in response")
	}

	key, err := jwk.ParseKey(resp.Body)
	if err != nil {
		return newError(KindBadResponse, err, "parse server public key")
	}
	pub, err := key.PublicKey()
	if err != nil {
		return newError(KindBadResponse, err, "server public key")
	}
	pemData, err := jwk.EncodePEM(pub)
	if err != nil {
		return newError(KindBadResponse, err, "encode server public key")
	}

	path := c.cfg.Path(c.cfg.ServerPublicKeyFile)
	if err := os.WriteFile(path, pemData, 0644); err != nil {
		return newError(KindConfigError, err, "write server public key")
	}
	slog.Info("Server public key written", "path", path, "kty", key.KeyType())
	return nil
}

// serverPublicKey reads the PEM server public key file.
func (c *Client) serverPublicKey() (crypto.PublicKey, error) {
	data, err := os.ReadFile(c.cfg.Path(c.cfg.ServerPublicKeyFile))
	if err != nil {
		return nil, newError(KindConfigError, err, "read server public key")
	}
	key, err := jwk.ParseKey(data, jwk.WithPEM(true))
	if err != nil {
		return nil, newError(KindConfigError, err, "parse server public key")
	}
	var raw any
	if err := key.Raw(&raw); err != nil {
		return nil, newError(KindConfigError, err, "server public key")
	}
	return raw, nil
}

func (c *Client) identityKey() (backend.KeyBlob, error) {
	blob, err := backend.ReadKeyBlob(c.cfg.Path(c.cfg.IdentityKeyFile))
	if err != nil {
		return nil, newError(KindConfigError, err, "read identity key")
	}
	return blob, nil
}

// GenerateIdentityKey creates a new identity key in the backend and
// writes it to the identity key file.
func (c *Client) GenerateIdentityKey(spec backend.KeySpec) error {
	blob, err := c.backend.GenerateKeyPair(spec)
	if err != nil {
		if errors.Is(err, backend.ErrUnsupportedKey) {
			return newError(KindInvalidArgument, err, "generate identity key")
		}
		return newError(KindBackendFailure, err, "generate identity key")
	}
	path := c.cfg.Path(c.cfg.IdentityKeyFile)
	if err := backend.WriteKeyBlob(path, blob); err != nil {
		return newError(KindConfigError, err, "write identity key")
	}
	slog.Info("Identity key generated", "spec", spec.String(), "size", len(blob), "path", path)
	return nil
}

// ReencipherIdentityKey re-enciphers the identity key, from the current to
// the new master key if toNew is set, otherwise from the old to the
// current one. The result replaces the identity key file unless outFile
// is given.
func (c *Client) ReencipherIdentityKey(toNew bool, outFile string) error {
	blob, err := c.identityKey()
	if err != nil {
		return err
	}
	reenc, err := c.backend.Reencipher(blob, toNew)
	if err != nil {
		return newError(KindBackendFailure, err, "reencipher identity key")
	}
	path := c.cfg.Path(c.cfg.IdentityKeyFile)
	if outFile != "" {
		path = outFile
	}
	if err := backend.WriteKeyBlob(path, reenc); err != nil {
		return newError(KindConfigError, err, "write identity key")
	}
	slog.Info("Identity key re-enciphered", "to_new", toNew, "path", path)
	return nil
}

// IdentityPublicKey returns the public part of the identity key.
func (c *Client) IdentityPublicKey() (crypto.PublicKey, error) {
	blob, err := c.identityKey()
	if err != nil {
		return nil, err
	}
	pub, err := c.backend.PublicKey(blob)
	if err != nil {
		return nil, newError(KindBackendFailure, err, "identity public key")
	}
	return pub, nil
}

// IdentitySigner returns a signing context over the identity key, used
// for certificate requests.
func (c *Client) IdentitySigner(digest crypto.Hash, pss bool, kid string) (*signer.Context, error) {
	blob, err := c.identityKey()
	if err != nil {
		return nil, err
	}
	sc, err := signer.New(c.backend, blob, digest, pss, kid)
	if err != nil {
		if errors.Is(err, jose.ErrUnsupportedAlgorithm) {
			return nil, newError(KindConfigError, err, "identity signer")
		}
		return nil, newError(KindBackendFailure, err, "identity signer")
	}
	return sc, nil
}

// Backend returns the backend the client was created with.
func (c *Client) Backend() backend.Backend {
	return c.backend
}

func (c *Client) timestamp() string {
	return c.now().UTC().Format(time.RFC3339)
}

func (c *Client) String() string {
	return fmt.Sprintf("ekmf.Client(%s)", c.cfg.BaseURL)
}
