// Package backend defines the contract of a secure key backend.
//
// A backend owns all private key material. Callers only ever hold opaque
// key blobs produced by the backend and the public key derived from them.
package backend

import (
	"crypto"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"
	"github.com/lestrrat-go/jwx/v2/jwa"
)

// MaxKeyBlobSize is the largest key blob any backend may produce.
const MaxKeyBlobSize = 3500

// Type tags a backend implementation.
type Type string

const (
	TypeSoft Type = "soft"
)

// KeyType is the kind of asymmetric key a backend generates.
type KeyType string

const (
	KeyTypeEC  KeyType = "EC"
	KeyTypeRSA KeyType = "RSA"
)

// KDF identifies the key derivation used when deriving a transport key.
type KDF string

const (
	KDFX963CCA KDF = "ANS-X9.63-CCA"
)

var (
	ErrUnsupportedKey     = errors.New("unsupported key")
	ErrInvalidKeyBlob     = errors.New("invalid key blob")
	ErrKeyBlobTooLarge    = errors.New("key blob too large")
	ErrMasterKeyNotLoaded = errors.New("master key not loaded")
	ErrUnsupportedKDF     = errors.New("unsupported kdf")
)

// KeyBlob is an opaque, backend protected key representation.
type KeyBlob []byte

// KeySpec describes a key pair to generate. Curve is used for EC keys,
// Bits and Exponent for RSA keys.
type KeySpec struct {
	Type     KeyType
	Curve    jwa.EllipticCurveAlgorithm
	Bits     int
	Exponent int
}

func (s KeySpec) String() string {
	switch s.Type {
	case KeyTypeEC:
		return fmt.Sprintf("EC %s", s.Curve)
	case KeyTypeRSA:
		return fmt.Sprintf("RSA %d", s.Bits)
	}
	return string(s.Type)
}

// Backend is the capability set every secure key backend provides.
type Backend interface {
	Type() Type
	// GenerateKeyPair creates a new asymmetric key pair and returns it as a blob.
	GenerateKeyPair(spec KeySpec) (KeyBlob, error)
	PublicKey(blob KeyBlob) (crypto.PublicKey, error)
	// Sign signs a precomputed digest. EC signatures are ASN.1 encoded,
	// RSA signatures use PSS when opts is *rsa.PSSOptions.
	Sign(blob KeyBlob, digest []byte, opts crypto.SignerOpts) ([]byte, error)
	// DeriveSharedSecret runs ECDH between the local key and remote and
	// derives a symmetric transport key bound to partyInfo.
	DeriveSharedSecret(local KeyBlob, remote crypto.PublicKey, partyInfo []byte, kdf KDF) (*memguard.LockedBuffer, error)
	// UnwrapKey decrypts wrapped under transportKey and returns the result
	// protected as a key blob.
	UnwrapKey(wrapped []byte, transportKey *memguard.LockedBuffer) (KeyBlob, error)
	// Reencipher moves blob from the current to the new master key (toNew)
	// or from the old to the current master key.
	Reencipher(blob KeyBlob, toNew bool) (KeyBlob, error)
}

// CheckSize returns ErrKeyBlobTooLarge if blob exceeds MaxKeyBlobSize.
func CheckSize(blob []byte) error {
	if len(blob) > MaxKeyBlobSize {
		return fmt.Errorf("%w: %d bytes", ErrKeyBlobTooLarge, len(blob))
	}
	return nil
}
