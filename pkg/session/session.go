// Package session implements the ephemeral key agreement of a key export:
// session key generation, party info binding, transport key derivation and
// unwrapping of the delivered key.
package session

import (
	"crypto"
	"crypto/ecdsa"
	_ "crypto/sha256"
	_ "crypto/sha512"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"syscall"

	"github.com/awnumar/memguard"
	"github.com/gematik/zero-ekmf/pkg/backend"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// DefaultCurve is used when no session curve is requested.
const DefaultCurve = jwa.P521

// DefaultPartyInfoDigest is the digest used to compute party info.
const DefaultPartyInfoDigest = crypto.SHA256

var (
	ErrUnwrap            = errors.New("key unwrap failed")
	ErrDestroyed         = errors.New("session key destroyed")
	ErrInvalidSessionKey = errors.New("invalid session key")
)

// Ephemeral is a single-use session key pair held by the backend.
type Ephemeral struct {
	backend backend.Backend
	blob    *memguard.LockedBuffer
	public  *ecdsa.PublicKey
}

// NewEphemeral generates a session key pair on curve, or on DefaultCurve
// if curve is empty.
func NewEphemeral(b backend.Backend, curve jwa.EllipticCurveAlgorithm) (*Ephemeral, error) {
	if curve == "" {
		curve = DefaultCurve
	}
	blob, err := b.GenerateKeyPair(backend.KeySpec{Type: backend.KeyTypeEC, Curve: curve})
	if err != nil {
		return nil, fmt.Errorf("generate session key: %w", err)
	}
	locked := memguard.NewBufferFromBytes(blob)

	pub, err := b.PublicKey(backend.KeyBlob(locked.Bytes()))
	if err != nil {
		locked.Destroy()
		return nil, fmt.Errorf("session public key: %w", err)
	}
	ecPub, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		locked.Destroy()
		return nil, fmt.Errorf("%w: %T", ErrInvalidSessionKey, pub)
	}
	return &Ephemeral{backend: b, blob: locked, public: ecPub}, nil
}

func (e *Ephemeral) Public() *ecdsa.PublicKey {
	return e.public
}

// PublicJWK exports the public session key as a JWK.
func (e *Ephemeral) PublicJWK() (jwk.Key, error) {
	key, err := jwk.FromRaw(e.public)
	if err != nil {
		return nil, fmt.Errorf("session key to jwk: %w", err)
	}
	return key, nil
}

// DeriveTransportKey derives the transport key from this session key,
// the remote session key and the combined party info. Backend failures
// are reported as ErrUnwrap.
func (e *Ephemeral) DeriveTransportKey(remote crypto.PublicKey, combinedPartyInfo []byte, kdf backend.KDF) (*memguard.LockedBuffer, error) {
	if e.blob == nil || !e.blob.IsAlive() {
		return nil, ErrDestroyed
	}
	key, err := e.backend.DeriveSharedSecret(backend.KeyBlob(e.blob.Bytes()), remote, combinedPartyInfo, kdf)
	if err != nil {
		return nil, fmt.Errorf("%w: derive transport key: %v", ErrUnwrap, err)
	}
	return key, nil
}

// Destroy wipes the session key. It is safe to call more than once.
func (e *Ephemeral) Destroy() {
	if e.blob != nil {
		e.blob.Destroy()
	}
}

// PartyInfo computes digest(keyID || timestamp) into out and returns the
// number of bytes written and their base64url encoding. A zero digest
// selects DefaultPartyInfoDigest. If out is too small the error wraps
// syscall.ERANGE.
func PartyInfo(keyID, timestamp string, digest crypto.Hash, out []byte) (int, string, error) {
	if digest == 0 {
		digest = DefaultPartyInfoDigest
	}
	if !digest.Available() {
		return 0, "", fmt.Errorf("party info digest %v not available", digest)
	}
	if len(out) < digest.Size() {
		return 0, "", fmt.Errorf("party info needs %d bytes, buffer has %d: %w", digest.Size(), len(out), syscall.ERANGE)
	}
	h := digest.New()
	h.Write([]byte(keyID))
	h.Write([]byte(timestamp))
	n := copy(out, h.Sum(nil))
	return n, base64.RawURLEncoding.EncodeToString(out[:n]), nil
}

// DecodePartyInfo decodes a base64url party info value, padded or not.
func DecodePartyInfo(encoded string) ([]byte, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(encoded, "="))
	if err != nil {
		return nil, fmt.Errorf("decode party info: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("decode party info: empty")
	}
	return raw, nil
}

// CombinePartyInfo returns requester || responder. The order is fixed for
// both sides of the exchange.
func CombinePartyInfo(requester, responder []byte) []byte {
	combined := make([]byte, 0, len(requester)+len(responder))
	combined = append(combined, requester...)
	return append(combined, responder...)
}

// ParsePublicJWK parses the remote session key. Only public EC keys are
// accepted.
func ParsePublicJWK(data []byte) (*ecdsa.PublicKey, error) {
	key, err := jwk.ParseKey(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSessionKey, err)
	}
	if key.KeyType() != jwa.EC {
		return nil, fmt.Errorf("%w: key type %s", ErrInvalidSessionKey, key.KeyType())
	}
	if _, private := key.(jwk.ECDSAPrivateKey); private {
		return nil, fmt.Errorf("%w: private key material in session key", ErrInvalidSessionKey)
	}
	var pub ecdsa.PublicKey
	if err := key.Raw(&pub); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSessionKey, err)
	}
	return &pub, nil
}

// Unwrap unwraps the delivered key with transportKey and destroys the
// transport key afterwards. No key blob is returned on failure.
func Unwrap(b backend.Backend, wrapped []byte, transportKey *memguard.LockedBuffer) (backend.KeyBlob, error) {
	defer transportKey.Destroy()

	blob, err := b.UnwrapKey(wrapped, transportKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnwrap, err)
	}
	if err := backend.CheckSize(blob); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnwrap, err)
	}
	return blob, nil
}
