package ekmf_test

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/awnumar/memguard"
	"github.com/gematik/zero-ekmf/pkg/backend"
	"github.com/gematik/zero-ekmf/pkg/backend/soft"
	"github.com/gematik/zero-ekmf/pkg/ekmf"
	"github.com/gematik/zero-ekmf/pkg/ekmf/mockserver"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/require"
)

const (
	testUser     = "alice"
	testPassword = "correct horse battery staple"
)

var p384Identity = backend.KeySpec{Type: backend.KeyTypeEC, Curve: jwa.P384}

type fixture struct {
	cfg     *ekmf.Config
	backend *soft.Backend
	server  *mockserver.Server
	client  *ekmf.Client
}

// newFixture starts a mock server with a P-256 response signing key and a
// client with an identity key registered for testUser, a valid login
// token and the server public key in place.
func newFixture(t *testing.T, identity backend.KeySpec, serverOpts ...mockserver.Option) *fixture {
	t.Helper()
	if len(serverOpts) == 0 {
		sigKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		require.NoError(t, err)
		serverOpts = append(serverOpts, mockserver.WithSigner(sigKey, "mock-signer"))
	}
	srv, err := mockserver.New(serverOpts...)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	cfg := &ekmf.Config{
		BaseDir:             t.TempDir(),
		BaseURL:             ts.URL,
		IdentityKeyFile:     "identity.key",
		ServerPublicKeyFile: "server.pem",
		LoginTokenFile:      "login.token",
	}
	f := &fixture{cfg: cfg, backend: soft.NewRandom(), server: srv}
	f.client, err = ekmf.New(cfg, f.backend)
	require.NoError(t, err)

	require.NoError(t, f.client.GenerateIdentityKey(identity))
	pub, err := f.client.IdentityPublicKey()
	require.NoError(t, err)
	srv.AddUser(testUser, testPassword)
	require.NoError(t, srv.RegisterIdentity(testUser, pub))

	token, err := srv.IssueToken(testUser)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(cfg.Path(cfg.LoginTokenFile), []byte(token+"\n"), 0600))

	require.NoError(t, f.client.GetPublicKey(context.Background()))
	return f
}

// writeServerKey writes pub as the server public key of cfg.
func writeServerKey(t *testing.T, cfg *ekmf.Config, pub any) {
	t.Helper()
	pemData, err := jwk.EncodePEM(pub)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(cfg.BaseDir, cfg.ServerPublicKeyFile), pemData, 0644))
}

// testToken returns an unverifiable login token with the given expiry.
func testToken(t *testing.T, exp time.Time) string {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tok, err := jwt.NewBuilder().Subject(testUser).Expiration(exp).Build()
	require.NoError(t, err)
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.ES256, key))
	require.NoError(t, err)
	return string(signed)
}

type request struct {
	method string
	path   string
	body   []byte
	bearer string
}

// stubTransport answers every request with the same response.
type stubTransport struct {
	mu       sync.Mutex
	response *ekmf.Response
	requests []request
}

func (s *stubTransport) Perform(_ context.Context, method, path string, body []byte, bearer string, _ http.Header) (*ekmf.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, request{method: method, path: path, body: append([]byte(nil), body...), bearer: bearer})
	return s.response, nil
}

// spyBackend counts the key agreement operations run on the backend.
type spyBackend struct {
	backend.Backend
	derives int
	unwraps int
}

func (s *spyBackend) DeriveSharedSecret(local backend.KeyBlob, remote crypto.PublicKey, partyInfo []byte, kdf backend.KDF) (*memguard.LockedBuffer, error) {
	s.derives++
	return s.Backend.DeriveSharedSecret(local, remote, partyInfo, kdf)
}

func (s *spyBackend) UnwrapKey(wrapped []byte, transportKey *memguard.LockedBuffer) (backend.KeyBlob, error) {
	s.unwraps++
	return s.Backend.UnwrapKey(wrapped, transportKey)
}
