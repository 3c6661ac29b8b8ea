package ekmf_test

import (
	"bytes"
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gematik/zero-ekmf/pkg/backend"
	"github.com/gematik/zero-ekmf/pkg/backend/soft"
	"github.com/gematik/zero-ekmf/pkg/ekmf"
	"github.com/gematik/zero-ekmf/pkg/ekmf/mockserver"
	"github.com/gematik/zero-ekmf/pkg/jose"
	"github.com/gematik/zero-ekmf/pkg/logintoken"
	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomSecret(t *testing.T) []byte {
	secret := make([]byte, 32)
	_, err := rand.Read(secret)
	require.NoError(t, err)
	return secret
}

func TestRetrieveKey(t *testing.T) {
	tests := []struct {
		name     string
		identity backend.KeySpec
		opts     ekmf.RetrieveOptions
	}{
		{"P-384 identity, default session", p384Identity, ekmf.RetrieveOptions{}},
		{"P-256 identity, P-256 session", backend.KeySpec{Type: backend.KeyTypeEC, Curve: jwa.P256}, ekmf.RetrieveOptions{SessionCurve: jwa.P256}},
		{"RSA identity, SHA-256", backend.KeySpec{Type: backend.KeyTypeRSA, Bits: 2048}, ekmf.RetrieveOptions{Digest: crypto.SHA256, SignatureKID: "id-1"}},
		{"RSA-PSS identity", backend.KeySpec{Type: backend.KeyTypeRSA, Bits: 2048}, ekmf.RetrieveOptions{UsePSS: true, SessionCurve: jwa.P384}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.identity)
			secret := randomSecret(t)
			id := f.server.AddKey(secret, testUser)

			out := make([]byte, backend.MaxKeyBlobSize)
			n, err := f.client.RetrieveKey(context.Background(), id, tt.opts, out)
			require.NoError(t, err)
			require.Positive(t, n)

			got, err := f.backend.KeyCheckValue(backend.KeyBlob(out[:n]))
			require.NoError(t, err)
			want, err := soft.KeyCheckValue(secret)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

// recordingTransport keeps the responses of the wrapped transport.
type recordingTransport struct {
	ekmf.Transport
	responses []*ekmf.Response
}

func (r *recordingTransport) Perform(ctx context.Context, method, path string, body []byte, bearer string, hdr http.Header) (*ekmf.Response, error) {
	resp, err := r.Transport.Perform(ctx, method, path, body, bearer, hdr)
	if err == nil {
		r.responses = append(r.responses, resp)
	}
	return resp, err
}

func TestRetrieveKeyWithRSAServerKey(t *testing.T) {
	sigKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	f := newFixture(t, p384Identity, mockserver.WithSigner(sigKey, "rsa-signer"))
	id := f.server.AddKey(randomSecret(t), testUser)

	rec := &recordingTransport{Transport: f.client.Transport()}
	client, err := ekmf.New(f.cfg, f.backend, ekmf.WithTransport(rec))
	require.NoError(t, err)

	out := make([]byte, backend.MaxKeyBlobSize)
	_, err = client.RetrieveKey(context.Background(), id, ekmf.RetrieveOptions{}, out)
	require.NoError(t, err)

	require.Len(t, rec.responses, 1)
	var body struct {
		Signature string `json:"signature"`
	}
	require.NoError(t, json.Unmarshal(rec.responses[0].Body, &body))
	protected, _, found := strings.Cut(body.Signature, ".")
	require.True(t, found)
	headerJSON, err := base64.RawURLEncoding.DecodeString(protected)
	require.NoError(t, err)
	var header struct {
		Alg string `json:"alg"`
		Kid string `json:"kid"`
	}
	require.NoError(t, json.Unmarshal(headerJSON, &header))
	assert.Equal(t, jwa.RS512.String(), header.Alg)
	assert.Equal(t, "rsa-signer", header.Kid)
}

func TestRetrieveKeyBufferSizing(t *testing.T) {
	f := newFixture(t, p384Identity)
	id := f.server.AddKey(randomSecret(t), testUser)

	big := make([]byte, backend.MaxKeyBlobSize)
	size, err := f.client.RetrieveKey(context.Background(), id, ekmf.RetrieveOptions{}, big)
	require.NoError(t, err)

	small := bytes.Repeat([]byte{0xaa}, size-1)
	_, err = f.client.RetrieveKey(context.Background(), id, ekmf.RetrieveOptions{}, small)
	require.True(t, ekmf.IsKind(err, ekmf.KindBufferTooSmall), "got %v", err)
	required, ok := ekmf.RequiredSize(err)
	require.True(t, ok)
	assert.Equal(t, size, required)
	assert.Equal(t, bytes.Repeat([]byte{0xaa}, size-1), small, "buffer must be untouched")

	exact := make([]byte, required)
	n, err := f.client.RetrieveKey(context.Background(), id, ekmf.RetrieveOptions{}, exact)
	require.NoError(t, err)
	assert.Equal(t, required, n)
}

func TestRetrieveKeyServerErrors(t *testing.T) {
	f := newFixture(t, p384Identity)
	foreign := f.server.AddKey(randomSecret(t), "bob")

	out := make([]byte, backend.MaxKeyBlobSize)
	_, err := f.client.RetrieveKey(context.Background(), uuid.NewString(), ekmf.RetrieveOptions{}, out)
	assert.True(t, ekmf.IsKind(err, ekmf.KindNotFound), "got %v", err)

	_, err = f.client.RetrieveKey(context.Background(), foreign, ekmf.RetrieveOptions{}, out)
	require.ErrorIs(t, err, &ekmf.Error{Kind: ekmf.KindForbidden})
	var e *ekmf.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, "no permission", e.Message)
	assert.Equal(t, 7, e.Code)
}

func TestRetrieveKeyForbiddenSkipsVerificationAndUnwrap(t *testing.T) {
	dir := t.TempDir()
	cfg := &ekmf.Config{
		BaseDir:             dir,
		BaseURL:             "https://ekmf.invalid",
		IdentityKeyFile:     "identity.key",
		ServerPublicKeyFile: "server.pem",
		LoginTokenFile:      "login.token",
	}
	serverKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	writeServerKey(t, cfg, &serverKey.PublicKey)

	transport := &stubTransport{response: &ekmf.Response{
		StatusCode: http.StatusForbidden,
		Body:       []byte(`{"code":7,"message":"no permission"}`),
	}}
	spy := &spyBackend{Backend: soft.NewRandom()}
	token := testToken(t, time.Now().Add(time.Hour))
	client, err := ekmf.New(cfg, spy,
		ekmf.WithTransport(transport),
		ekmf.WithTokenStore(logintoken.StaticStore(token)),
	)
	require.NoError(t, err)
	require.NoError(t, client.GenerateIdentityKey(p384Identity))

	keyID := uuid.NewString()
	_, err = client.RetrieveKey(context.Background(), keyID, ekmf.RetrieveOptions{}, make([]byte, backend.MaxKeyBlobSize))
	require.True(t, ekmf.IsKind(err, ekmf.KindForbidden), "got %v", err)
	var e *ekmf.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, "no permission", e.Message)
	assert.Equal(t, "EKMFWeb: 7: no permission", e.Error())

	assert.Zero(t, spy.derives)
	assert.Zero(t, spy.unwraps)

	require.Len(t, transport.requests, 1)
	req := transport.requests[0]
	assert.Equal(t, http.MethodPost, req.method)
	assert.Equal(t, fmt.Sprintf("/api/v1/keys/%s/export", keyID), req.path)
	assert.Equal(t, token, req.bearer)

	obj, err := jose.ParseObject(req.body)
	require.NoError(t, err)
	assert.Equal(t, []string{"originator", "additionalInfo", "signature"}, obj.Keys())
	originator, ok := obj.GetObject("originator")
	require.True(t, ok)
	assert.Equal(t, []string{"session", "partyInfo"}, originator.Keys())
	additional, ok := obj.GetObject("additionalInfo")
	require.True(t, ok)
	assert.Equal(t, []string{"kdf", "requestedKey", "timestamp"}, additional.Keys())
	kdf, _ := additional.GetString("kdf")
	assert.Equal(t, "ANS-X9.63-CCA", kdf)

	identity, err := client.IdentityPublicKey()
	require.NoError(t, err)
	assert.NoError(t, jose.VerifyObject(obj, identity))
}

func TestRetrieveKeyResponseFailures(t *testing.T) {
	tests := []struct {
		name     string
		response *ekmf.Response
		kind     ekmf.Kind
	}{
		{"bad request", &ekmf.Response{StatusCode: http.StatusBadRequest}, ekmf.KindBadResponse},
		{"unauthorized", &ekmf.Response{StatusCode: http.StatusUnauthorized}, ekmf.KindNotAuthenticated},
		{"not found", &ekmf.Response{StatusCode: http.StatusNotFound, Body: []byte(`{"code":4,"message":"unknown key"}`)}, ekmf.KindNotFound},
		{"server error", &ekmf.Response{StatusCode: http.StatusInternalServerError}, ekmf.KindTransportFailure},
		{"created", &ekmf.Response{StatusCode: http.StatusCreated}, ekmf.KindTransportFailure},
		{"empty body", &ekmf.Response{StatusCode: http.StatusOK}, ekmf.KindBadResponse},
		{"array body", &ekmf.Response{StatusCode: http.StatusOK, Body: []byte(`[1,2]`)}, ekmf.KindBadResponse},
		{"unsigned body", &ekmf.Response{StatusCode: http.StatusOK, Body: []byte(`{"originator":{}}`)}, ekmf.KindSignatureVerificationFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &ekmf.Config{
				BaseDir:             t.TempDir(),
				BaseURL:             "https://ekmf.invalid",
				IdentityKeyFile:     "identity.key",
				ServerPublicKeyFile: "server.pem",
				LoginTokenFile:      "login.token",
			}
			serverKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
			require.NoError(t, err)
			writeServerKey(t, cfg, &serverKey.PublicKey)

			client, err := ekmf.New(cfg, soft.NewRandom(),
				ekmf.WithTransport(&stubTransport{response: tt.response}),
				ekmf.WithTokenStore(logintoken.StaticStore(testToken(t, time.Now().Add(time.Hour)))),
			)
			require.NoError(t, err)
			require.NoError(t, client.GenerateIdentityKey(p384Identity))

			_, err = client.RetrieveKey(context.Background(), uuid.NewString(), ekmf.RetrieveOptions{}, make([]byte, 64))
			assert.Equal(t, tt.kind, ekmf.KindOf(err), "got %v", err)
		})
	}
}

func TestRetrieveKeyRejectsForeignServerSignature(t *testing.T) {
	f := newFixture(t, p384Identity)
	id := f.server.AddKey(randomSecret(t), testUser)

	other, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	writeServerKey(t, f.cfg, &other.PublicKey)

	out := make([]byte, backend.MaxKeyBlobSize)
	_, err = f.client.RetrieveKey(context.Background(), id, ekmf.RetrieveOptions{}, out)
	assert.True(t, ekmf.IsKind(err, ekmf.KindSignatureVerificationFailed), "got %v", err)
	assert.Equal(t, make([]byte, backend.MaxKeyBlobSize), out)
}

func TestRetrieveKeyPreconditions(t *testing.T) {
	f := newFixture(t, p384Identity)
	id := f.server.AddKey(randomSecret(t), testUser)
	out := make([]byte, backend.MaxKeyBlobSize)

	_, err := f.client.RetrieveKey(context.Background(), "not-a-uuid", ekmf.RetrieveOptions{}, out)
	assert.True(t, ekmf.IsKind(err, ekmf.KindInvalidArgument), "got %v", err)

	_, err = f.client.RetrieveKey(context.Background(), id, ekmf.RetrieveOptions{Digest: crypto.SHA1, UsePSS: true}, out)
	assert.True(t, ekmf.IsKind(err, ekmf.KindConfigError), "got %v", err)

	_, err = f.client.RetrieveKey(context.Background(), id, ekmf.RetrieveOptions{SessionCurve: "P-192"}, out)
	assert.True(t, ekmf.IsKind(err, ekmf.KindInvalidArgument), "got %v", err)

	expired, err := ekmf.New(f.cfg, f.backend,
		ekmf.WithTransport(f.client.Transport()),
		ekmf.WithClock(func() time.Time { return time.Now().Add(24 * time.Hour) }),
	)
	require.NoError(t, err)
	_, err = expired.RetrieveKey(context.Background(), id, ekmf.RetrieveOptions{}, out)
	assert.True(t, ekmf.IsKind(err, ekmf.KindNotAuthenticated), "got %v", err)

	missing := *f.cfg
	missing.IdentityKeyFile = "missing.key"
	noIdentity, err := ekmf.New(&missing, f.backend, ekmf.WithTransport(f.client.Transport()))
	require.NoError(t, err)
	_, err = noIdentity.RetrieveKey(context.Background(), id, ekmf.RetrieveOptions{}, out)
	assert.True(t, ekmf.IsKind(err, ekmf.KindConfigError), "got %v", err)
}

func TestRetrieveKeyCanonicalKeyID(t *testing.T) {
	f := newFixture(t, p384Identity)
	id := f.server.AddKey(randomSecret(t), testUser)

	for _, form := range []string{
		"urn:uuid:" + id,
		"{" + strings.ToUpper(id) + "}",
		strings.ReplaceAll(id, "-", ""),
	} {
		out := make([]byte, backend.MaxKeyBlobSize)
		n, err := f.client.RetrieveKey(context.Background(), form, ekmf.RetrieveOptions{SessionCurve: jwa.P256}, out)
		require.NoError(t, err, form)
		assert.Positive(t, n, form)
	}
}
