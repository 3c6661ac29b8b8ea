package ekmf_test

import (
	"context"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"testing"
	"time"

	"github.com/gematik/zero-ekmf/pkg/backend"
	"github.com/gematik/zero-ekmf/pkg/backend/soft"
	"github.com/gematik/zero-ekmf/pkg/certs"
	"github.com/gematik/zero-ekmf/pkg/ekmf"
	"github.com/gematik/zero-ekmf/pkg/ekmf/mockserver"
	"github.com/gematik/zero-ekmf/pkg/logintoken"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetPublicKey(t *testing.T) {
	f := newFixture(t, p384Identity)

	data, err := os.ReadFile(f.cfg.Path(f.cfg.ServerPublicKeyFile))
	require.NoError(t, err)
	assert.Contains(t, string(data), "-----BEGIN PUBLIC KEY-----")

	key, err := jwk.ParseKey(data, jwk.WithPEM(true))
	require.NoError(t, err)
	var pub ecdsa.PublicKey
	require.NoError(t, key.Raw(&pub))
	assert.True(t, pub.Equal(f.server.PublicKey()))
}

func TestGetPublicKeyRSA(t *testing.T) {
	f := newFixture(t, p384Identity, mockserver.WithTokenTTL(mockserver.DefaultTokenTTL))

	data, err := os.ReadFile(f.cfg.Path(f.cfg.ServerPublicKeyFile))
	require.NoError(t, err)
	key, err := jwk.ParseKey(data, jwk.WithPEM(true))
	require.NoError(t, err)
	var pub rsa.PublicKey
	require.NoError(t, key.Raw(&pub))
	assert.Equal(t, 3072, pub.N.BitLen())
}

func TestGetPublicKeyNeedsToken(t *testing.T) {
	f := newFixture(t, p384Identity)
	require.NoError(t, os.Remove(f.cfg.Path(f.cfg.LoginTokenFile)))

	err := f.client.GetPublicKey(context.Background())
	assert.True(t, ekmf.IsKind(err, ekmf.KindNotAuthenticated), "got %v", err)

	// a token the server does not accept
	stale, err := ekmf.New(f.cfg, f.backend,
		ekmf.WithTransport(f.client.Transport()),
		ekmf.WithTokenStore(logintoken.StaticStore(testToken(t, time.Now().Add(time.Hour)))),
	)
	require.NoError(t, err)
	err = stale.GetPublicKey(context.Background())
	assert.True(t, ekmf.IsKind(err, ekmf.KindNotAuthenticated), "got %v", err)
}

func TestCheckLoginToken(t *testing.T) {
	f := newFixture(t, p384Identity)

	valid, err := f.client.CheckLoginToken()
	require.NoError(t, err)
	assert.True(t, valid)

	later, err := ekmf.New(f.cfg, f.backend,
		ekmf.WithTransport(f.client.Transport()),
		ekmf.WithClock(func() time.Time { return time.Now().Add(time.Hour) }),
	)
	require.NoError(t, err)
	valid, err = later.CheckLoginToken()
	require.NoError(t, err)
	assert.False(t, valid)

	malformed, err := ekmf.New(f.cfg, f.backend,
		ekmf.WithTransport(f.client.Transport()),
		ekmf.WithTokenStore(logintoken.StaticStore("garbage")),
	)
	require.NoError(t, err)
	_, err = malformed.CheckLoginToken()
	assert.True(t, ekmf.IsKind(err, ekmf.KindConfigError), "got %v", err)
}

func TestLogin(t *testing.T) {
	f := newFixture(t, p384Identity)
	tokenFile := f.cfg.Path(f.cfg.LoginTokenFile)
	require.NoError(t, os.Remove(tokenFile))

	err := f.client.Login(context.Background(), testUser, "wrong")
	assert.True(t, ekmf.IsKind(err, ekmf.KindNotAuthenticated), "got %v", err)
	_, err = os.Stat(tokenFile)
	assert.ErrorIs(t, err, os.ErrNotExist)

	require.NoError(t, f.client.Login(context.Background(), testUser, testPassword))
	valid, err := f.client.CheckLoginToken()
	require.NoError(t, err)
	assert.True(t, valid)

	id := f.server.AddKey(randomSecret(t), testUser)
	_, err = f.client.RetrieveKey(context.Background(), id, ekmf.RetrieveOptions{}, make([]byte, backend.MaxKeyBlobSize))
	assert.NoError(t, err)
}

func TestLoginNeedsWritableStore(t *testing.T) {
	f := newFixture(t, p384Identity)
	client, err := ekmf.New(f.cfg, f.backend,
		ekmf.WithTransport(f.client.Transport()),
		ekmf.WithTokenStore(logintoken.StaticStore("")),
	)
	require.NoError(t, err)
	err = client.Login(context.Background(), testUser, testPassword)
	assert.True(t, ekmf.IsKind(err, ekmf.KindConfigError), "got %v", err)
}

func TestGenerateIdentityKey(t *testing.T) {
	cfg := &ekmf.Config{BaseDir: t.TempDir(), BaseURL: "http://localhost", IdentityKeyFile: "id.key"}
	client, err := ekmf.New(cfg, soft.NewRandom())
	require.NoError(t, err)

	require.NoError(t, client.GenerateIdentityKey(backend.KeySpec{Type: backend.KeyTypeEC, Curve: jwa.P521}))
	info, err := os.Stat(cfg.Path(cfg.IdentityKeyFile))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	pub, err := client.IdentityPublicKey()
	require.NoError(t, err)
	assert.IsType(t, &ecdsa.PublicKey{}, pub)

	err = client.GenerateIdentityKey(backend.KeySpec{Type: backend.KeyTypeRSA, Bits: 1024})
	assert.True(t, ekmf.IsKind(err, ekmf.KindInvalidArgument), "got %v", err)
}

func TestReencipherIdentityKey(t *testing.T) {
	current, next := []byte("current master"), []byte("next master")
	b, err := soft.New(
		soft.WithPassphrase(soft.SlotCurrent, current),
		soft.WithPassphrase(soft.SlotNew, next),
	)
	require.NoError(t, err)

	cfg := &ekmf.Config{BaseDir: t.TempDir(), BaseURL: "http://localhost", IdentityKeyFile: "id.key"}
	client, err := ekmf.New(cfg, b)
	require.NoError(t, err)
	require.NoError(t, client.GenerateIdentityKey(p384Identity))
	pub, err := client.IdentityPublicKey()
	require.NoError(t, err)

	out := cfg.Path("id-new.key")
	require.NoError(t, client.ReencipherIdentityKey(true, out))

	rotated, err := soft.New(soft.WithPassphrase(soft.SlotCurrent, next))
	require.NoError(t, err)
	blob, err := backend.ReadKeyBlob(out)
	require.NoError(t, err)
	got, err := rotated.PublicKey(blob)
	require.NoError(t, err)
	assert.True(t, pub.(*ecdsa.PublicKey).Equal(got))

	// no old master key loaded
	err = client.ReencipherIdentityKey(false, "")
	require.True(t, ekmf.IsKind(err, ekmf.KindBackendFailure), "got %v", err)
	assert.ErrorIs(t, err, backend.ErrMasterKeyNotLoaded)
}

func TestIdentitySignerCSR(t *testing.T) {
	cfg := &ekmf.Config{BaseDir: t.TempDir(), BaseURL: "http://localhost", IdentityKeyFile: "id.key"}
	client, err := ekmf.New(cfg, soft.NewRandom())
	require.NoError(t, err)

	_, err = client.IdentitySigner(0, false, "")
	assert.True(t, ekmf.IsKind(err, ekmf.KindConfigError), "got %v", err)

	require.NoError(t, client.GenerateIdentityKey(p384Identity))
	sc, err := client.IdentitySigner(0, false, "")
	require.NoError(t, err)

	csrPEM, err := certs.GenerateCSR(sc, certs.Options{Subject: "CN=ekmf client,O=Example"})
	require.NoError(t, err)
	block, _ := pem.Decode(csrPEM)
	require.NotNil(t, block)
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	require.NoError(t, err)
	require.NoError(t, csr.CheckSignature())
	assert.Equal(t, "ekmf client", csr.Subject.CommonName)

	pub, err := client.IdentityPublicKey()
	require.NoError(t, err)
	assert.True(t, pub.(*ecdsa.PublicKey).Equal(csr.PublicKey))

	_, err = client.IdentitySigner(0, true, "")
	assert.True(t, ekmf.IsKind(err, ekmf.KindConfigError), "got %v", err)
}
