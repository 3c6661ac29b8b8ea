package jose_test

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"strings"
	"testing"

	"github.com/gematik/zero-ekmf/pkg/jose"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAlgorithmFor(t *testing.T) {
	p256, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	p384, _ := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	p521, _ := ecdsa.GenerateKey(elliptic.P521(), rand.Reader)
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	tests := []struct {
		name    string
		pub     crypto.PublicKey
		digest  crypto.Hash
		pss     bool
		alg     jwa.SignatureAlgorithm
		hash    crypto.Hash
		wantErr bool
	}{
		{"P-256", &p256.PublicKey, 0, false, jwa.ES256, crypto.SHA256, false},
		{"P-384", &p384.PublicKey, 0, false, jwa.ES384, crypto.SHA384, false},
		{"P-521", &p521.PublicKey, 0, false, jwa.ES512, crypto.SHA512, false},
		{"P-256 ignores digest", &p256.PublicKey, crypto.SHA512, false, jwa.ES256, crypto.SHA256, false},
		{"RSA default", &rsaKey.PublicKey, 0, false, jwa.RS512, crypto.SHA512, false},
		{"RSA SHA-256", &rsaKey.PublicKey, crypto.SHA256, false, jwa.RS256, crypto.SHA256, false},
		{"RSA SHA-384", &rsaKey.PublicKey, crypto.SHA384, false, jwa.RS384, crypto.SHA384, false},
		{"RSA-PSS default", &rsaKey.PublicKey, 0, true, jwa.PS512, crypto.SHA512, false},
		{"RSA-PSS SHA-256", &rsaKey.PublicKey, crypto.SHA256, true, jwa.PS256, crypto.SHA256, false},
		{"RSA SHA-1", &rsaKey.PublicKey, crypto.SHA1, false, "", 0, true},
		{"Ed25519", ed25519.PublicKey(make([]byte, 32)), 0, false, "", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			alg, hash, err := jose.AlgorithmFor(tt.pub, tt.digest, tt.pss)
			if tt.wantErr {
				assert.ErrorIs(t, err, jose.ErrUnsupportedAlgorithm)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.alg, alg)
			assert.Equal(t, tt.hash, hash)
		})
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	p256, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	p521, _ := ecdsa.GenerateKey(elliptic.P521(), rand.Reader)
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	payload := []byte(`{"originator":{"partyInfo":"abc/def"},"additionalInfo":{"kdf":"ANS-X9.63-CCA"}}`)

	tests := []struct {
		name string
		key  crypto.Signer
		pss  bool
	}{
		{"ES256", p256, false},
		{"ES512", p521, false},
		{"RS512", rsaKey, false},
		{"PS512", rsaKey, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			alg, _, err := jose.AlgorithmFor(tt.key.Public(), 0, tt.pss)
			require.NoError(t, err)
			assert.Equal(t, tt.name, alg.String())

			sig, err := jose.Sign(payload, tt.key, alg, "kid-1")
			require.NoError(t, err)

			parts := strings.Split(sig, ".")
			require.Len(t, parts, 3)
			assert.Empty(t, parts[1], "payload must be detached")

			require.NoError(t, jose.Verify(payload, sig, tt.key.Public()))

			for i := range payload {
				flipped := append([]byte(nil), payload...)
				flipped[i] ^= 0x01
				assert.ErrorIs(t, jose.Verify(flipped, sig, tt.key.Public()), jose.ErrVerification, "byte %d", i)
			}
		})
	}
}

func TestVerifyRejectsForeignKey(t *testing.T) {
	signer, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	other, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	otherCurve, _ := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)

	payload := []byte(`{"a":1}`)
	sig, err := jose.Sign(payload, signer, jwa.ES256, "")
	require.NoError(t, err)

	assert.ErrorIs(t, jose.Verify(payload, sig, &other.PublicKey), jose.ErrVerification)
	assert.ErrorIs(t, jose.Verify(payload, sig, &otherCurve.PublicKey), jose.ErrVerification)
	assert.ErrorIs(t, jose.Verify(payload, "not a jws", &signer.PublicKey), jose.ErrVerification)
}

func TestObjectKeepsOrder(t *testing.T) {
	in := `{"z":1,"a":{"y":[1,"two",{"k":null}],"b":true},"m":"a/b<c>","n":1.50}`
	obj, err := jose.ParseObject([]byte(in))
	require.NoError(t, err)
	assert.Equal(t, []string{"z", "a", "m", "n"}, obj.Keys())

	out, err := obj.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, in, string(out))

	obj.Set("z", "replaced")
	obj.Set("new", false)
	out, err = obj.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `{"z":"replaced","a":{"y":[1,"two",{"k":null}],"b":true},"m":"a/b<c>","n":1.50,"new":false}`, string(out))
}

func TestParseObjectRejectsMalformed(t *testing.T) {
	for _, in := range []string{``, `[]`, `"x"`, `{"a":1`, `{"a":1}{}`, `{"a":1,"a":2}`} {
		_, err := jose.ParseObject([]byte(in))
		assert.ErrorIs(t, err, jose.ErrMalformedJSON, in)
	}
}

func TestSignAndVerifyObject(t *testing.T) {
	key, _ := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)

	obj, err := jose.ParseObject([]byte(`{"originator":{"session":{"kty":"EC"}},"additionalInfo":{"requestedKey":"k"}}`))
	require.NoError(t, err)
	require.NoError(t, jose.SignObject(obj, key, jwa.ES384, ""))
	assert.Equal(t, []string{"originator", "additionalInfo", "signature"}, obj.Keys())

	wire, err := obj.MarshalJSON()
	require.NoError(t, err)

	received, err := jose.ParseObject(wire)
	require.NoError(t, err)
	require.NoError(t, jose.VerifyObject(received, &key.PublicKey))
	_, ok := received.Get(jose.SignatureField)
	assert.False(t, ok, "signature must be consumed")

	// second verification has nothing left to verify
	assert.ErrorIs(t, jose.VerifyObject(received, &key.PublicKey), jose.ErrVerification)

	tampered, err := jose.ParseObject(wire)
	require.NoError(t, err)
	tampered.Set("additionalInfo", "other")
	assert.ErrorIs(t, jose.VerifyObject(tampered, &key.PublicKey), jose.ErrVerification)
	_, ok = tampered.Get(jose.SignatureField)
	assert.False(t, ok)
}

func TestMarshalDoesNotEscape(t *testing.T) {
	out, err := jose.Marshal(map[string]string{"url": "https://x/y?a=1&b=<2>"})
	require.NoError(t, err)
	assert.Equal(t, `{"url":"https://x/y?a=1&b=<2>"}`, string(out))
}

func TestParseDigest(t *testing.T) {
	h, err := jose.ParseDigest("SHA-384")
	require.NoError(t, err)
	assert.Equal(t, crypto.SHA384, h)

	h, err = jose.ParseDigest("")
	require.NoError(t, err)
	assert.Zero(t, h)

	_, err = jose.ParseDigest("MD5")
	assert.ErrorIs(t, err, jose.ErrUnsupportedAlgorithm)
}
