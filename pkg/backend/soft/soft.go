// Package soft is a software implementation of the secure key backend.
//
// Private keys are kept as blobs sealed under a master key which itself
// only lives in a memguard enclave. This mirrors the way an HSM keeps
// secure keys enciphered under its master key.
package soft

import (
	"bytes"
	"crypto"
	"crypto/aes"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	_ "crypto/sha256"
	_ "crypto/sha512"
	"crypto/x509"
	"fmt"
	"log/slog"
	"math/big"
	"os"

	"github.com/awnumar/memguard"
	"github.com/gematik/zero-ekmf/pkg/backend"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwe"
	"golang.org/x/crypto/argon2"
)

const (
	MasterKeySize    = 32
	TransportKeySize = 32
	maxSecretSize    = 64
)

var masterKeySalt = []byte("zero-ekmf/soft/master-key")

// Slot selects one of the master key registers.
type Slot int

const (
	SlotCurrent Slot = iota
	SlotNew
	SlotOld
)

func (s Slot) String() string {
	switch s {
	case SlotCurrent:
		return "current"
	case SlotNew:
		return "new"
	case SlotOld:
		return "old"
	}
	return fmt.Sprintf("slot(%d)", int(s))
}

// Backend is the software secure key backend.
type Backend struct {
	masterKeys [3]*memguard.Enclave
}

var _ backend.Backend = (*Backend)(nil)

// Option configures a Backend.
type Option func(*Backend) error

// WithMasterKey loads raw key material into slot. The buffer is destroyed.
func WithMasterKey(slot Slot, key *memguard.LockedBuffer) Option {
	return func(b *Backend) error {
		defer key.Destroy()
		if key.Size() != MasterKeySize {
			return fmt.Errorf("%s master key must be %d bytes, got %d", slot, MasterKeySize, key.Size())
		}
		b.masterKeys[slot] = key.Seal()
		return nil
	}
}

// WithPassphrase derives the master key for slot from a passphrase.
func WithPassphrase(slot Slot, passphrase []byte) Option {
	return func(b *Backend) error {
		return WithMasterKey(slot, DeriveMasterKey(passphrase))(b)
	}
}

// WithPassphraseFile reads a passphrase file and derives the master key for
// slot from it. An empty path leaves the slot unloaded.
func WithPassphraseFile(slot Slot, path string) Option {
	return func(b *Backend) error {
		if path == "" {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s master key file: %w", slot, err)
		}
		defer memguard.WipeBytes(data)
		return WithPassphrase(slot, bytes.TrimRight(data, "\r\n"))(b)
	}
}

// DeriveMasterKey stretches a passphrase into a master key using Argon2id.
func DeriveMasterKey(passphrase []byte) *memguard.LockedBuffer {
	return memguard.NewBufferFromBytes(argon2.IDKey(passphrase, masterKeySalt, 1, 64*1024, 4, MasterKeySize))
}

// New creates a backend. A current master key is required.
func New(opts ...Option) (*Backend, error) {
	b := &Backend{}
	for _, opt := range opts {
		if err := opt(b); err != nil {
			return nil, err
		}
	}
	if b.masterKeys[SlotCurrent] == nil {
		return nil, fmt.Errorf("%w: current", backend.ErrMasterKeyNotLoaded)
	}
	return b, nil
}

// NewRandom creates a backend with a random current master key.
func NewRandom() *Backend {
	return &Backend{
		masterKeys: [3]*memguard.Enclave{memguard.NewEnclaveRandom(MasterKeySize)},
	}
}

func (b *Backend) Type() backend.Type {
	return backend.TypeSoft
}

func (b *Backend) GenerateKeyPair(spec backend.KeySpec) (backend.KeyBlob, error) {
	var (
		rec *record
		err error
	)
	switch spec.Type {
	case backend.KeyTypeEC:
		rec, err = generateEC(spec.Curve)
	case backend.KeyTypeRSA:
		rec, err = generateRSA(spec.Bits, spec.Exponent)
	default:
		return nil, fmt.Errorf("%w: key type %q", backend.ErrUnsupportedKey, spec.Type)
	}
	if err != nil {
		return nil, err
	}
	defer rec.wipe()

	slog.Debug("Generated key pair", "spec", spec.String())
	return seal(b.masterKeys[SlotCurrent], rec)
}

func generateEC(crv jwa.EllipticCurveAlgorithm) (*record, error) {
	curve, err := ecdhCurve(crv)
	if err != nil {
		return nil, err
	}
	priv, err := curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ec key: %w", err)
	}
	return &record{Kind: kindEC, Curve: crv.String(), Secret: priv.Bytes()}, nil
}

func generateRSA(bits, exponent int) (*record, error) {
	if bits < 2048 || bits > 4096 {
		return nil, fmt.Errorf("%w: rsa modulus of %d bits", backend.ErrUnsupportedKey, bits)
	}
	if exponent != 0 && exponent != 65537 {
		return nil, fmt.Errorf("%w: rsa public exponent %d", backend.ErrUnsupportedKey, exponent)
	}
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("generate rsa key: %w", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("encode rsa key: %w", err)
	}
	return &record{Kind: kindRSA, Secret: der}, nil
}

// ecdhCurve maps a JOSE curve name to its ecdh curve.
func ecdhCurve(crv jwa.EllipticCurveAlgorithm) (ecdh.Curve, error) {
	switch crv {
	case jwa.P256:
		return ecdh.P256(), nil
	case jwa.P384:
		return ecdh.P384(), nil
	case jwa.P521:
		return ecdh.P521(), nil
	}
	return nil, fmt.Errorf("%w: curve %q", backend.ErrUnsupportedKey, crv)
}

// unsealAsymmetric unseals blob and rejects symmetric records. The caller
// must wipe the record.
func (b *Backend) unsealAsymmetric(blob backend.KeyBlob) (*record, error) {
	rec, err := unseal(b.masterKeys[SlotCurrent], blob)
	if err != nil {
		return nil, err
	}
	if rec.Kind != kindEC && rec.Kind != kindRSA {
		rec.wipe()
		return nil, fmt.Errorf("%w: %s key has no public part", backend.ErrUnsupportedKey, rec.Kind)
	}
	return rec, nil
}

// ecdhKey builds the private key of an EC record. The record is wiped.
func ecdhKey(rec *record) (*ecdh.PrivateKey, error) {
	defer rec.wipe()
	curve, err := ecdhCurve(jwa.EllipticCurveAlgorithm(rec.Curve))
	if err != nil {
		return nil, err
	}
	priv, err := curve.NewPrivateKey(rec.Secret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", backend.ErrInvalidKeyBlob, err)
	}
	return priv, nil
}

// rsaKey parses the private key of an RSA record. The record is wiped and
// the caller must call wipeRSA when done.
func rsaKey(rec *record) (*rsa.PrivateKey, error) {
	defer rec.wipe()
	key, err := x509.ParsePKCS8PrivateKey(rec.Secret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", backend.ErrInvalidKeyBlob, err)
	}
	priv, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: %T", backend.ErrUnsupportedKey, key)
	}
	return priv, nil
}

func wipeRSA(k *rsa.PrivateKey) {
	wipeInt(k.D)
	for _, p := range k.Primes {
		wipeInt(p)
	}
	wipeInt(k.Precomputed.Dp)
	wipeInt(k.Precomputed.Dq)
	wipeInt(k.Precomputed.Qinv)
}

func wipeInt(x *big.Int) {
	if x != nil {
		clear(x.Bits())
	}
}

// ecdsaPublicKey converts an ecdh public key of a NIST curve.
func ecdsaPublicKey(pub *ecdh.PublicKey) (*ecdsa.PublicKey, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("encode ec public key: %w", err)
	}
	key, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("decode ec public key: %w", err)
	}
	ecPub, ok := key.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: %T", backend.ErrUnsupportedKey, key)
	}
	return ecPub, nil
}

func (b *Backend) PublicKey(blob backend.KeyBlob) (crypto.PublicKey, error) {
	rec, err := b.unsealAsymmetric(blob)
	if err != nil {
		return nil, err
	}
	if rec.Kind == kindRSA {
		priv, err := rsaKey(rec)
		if err != nil {
			return nil, err
		}
		defer wipeRSA(priv)
		pub := priv.PublicKey
		return &pub, nil
	}
	priv, err := ecdhKey(rec)
	if err != nil {
		return nil, err
	}
	return ecdsaPublicKey(priv.PublicKey())
}

func (b *Backend) Sign(blob backend.KeyBlob, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	if opts == nil || opts.HashFunc() == 0 {
		return nil, fmt.Errorf("sign: no digest algorithm given")
	}
	if len(digest) != opts.HashFunc().Size() {
		return nil, fmt.Errorf("sign: digest length %d does not match %v", len(digest), opts.HashFunc())
	}
	rec, err := b.unsealAsymmetric(blob)
	if err != nil {
		return nil, err
	}

	if rec.Kind == kindRSA {
		priv, err := rsaKey(rec)
		if err != nil {
			return nil, err
		}
		defer wipeRSA(priv)
		if pss, ok := opts.(*rsa.PSSOptions); ok {
			return rsa.SignPSS(rand.Reader, priv, opts.HashFunc(), digest, pss)
		}
		return rsa.SignPKCS1v15(rand.Reader, priv, opts.HashFunc(), digest)
	}

	priv, err := ecdhKey(rec)
	if err != nil {
		return nil, err
	}
	pub, err := ecdsaPublicKey(priv.PublicKey())
	if err != nil {
		return nil, err
	}
	scalar := priv.Bytes()
	signer := &ecdsa.PrivateKey{PublicKey: *pub, D: new(big.Int).SetBytes(scalar)}
	memguard.WipeBytes(scalar)
	defer wipeInt(signer.D)
	return ecdsa.SignASN1(rand.Reader, signer, digest)
}

func (b *Backend) DeriveSharedSecret(local backend.KeyBlob, remote crypto.PublicKey, partyInfo []byte, kdf backend.KDF) (*memguard.LockedBuffer, error) {
	if kdf != backend.KDFX963CCA {
		return nil, fmt.Errorf("%w: %q", backend.ErrUnsupportedKDF, kdf)
	}
	rec, err := b.unsealAsymmetric(local)
	if err != nil {
		return nil, err
	}
	if rec.Kind != kindEC {
		rec.wipe()
		return nil, fmt.Errorf("%w: key agreement needs an EC key, got %s", backend.ErrUnsupportedKey, rec.Kind)
	}
	localECDH, err := ecdhKey(rec)
	if err != nil {
		return nil, err
	}
	remoteECDH, err := toECDHPublicKey(remote)
	if err != nil {
		return nil, err
	}

	z, err := localECDH.ECDH(remoteECDH)
	if err != nil {
		return nil, fmt.Errorf("ecdh: %w", err)
	}
	defer memguard.WipeBytes(z)

	key, err := x963KDF(crypto.SHA256, z, partyInfo, TransportKeySize)
	if err != nil {
		return nil, err
	}
	return memguard.NewBufferFromBytes(key), nil
}

func toECDHPublicKey(pub crypto.PublicKey) (*ecdh.PublicKey, error) {
	switch k := pub.(type) {
	case *ecdh.PublicKey:
		return k, nil
	case *ecdsa.PublicKey:
		key, err := k.ECDH()
		if err != nil {
			return nil, fmt.Errorf("remote ecdh key: %w", err)
		}
		return key, nil
	}
	return nil, fmt.Errorf("%w: remote key %T", backend.ErrUnsupportedKey, pub)
}

func (b *Backend) UnwrapKey(wrapped []byte, transportKey *memguard.LockedBuffer) (backend.KeyBlob, error) {
	if transportKey == nil || transportKey.Size() != TransportKeySize {
		return nil, fmt.Errorf("unwrap: transport key must be %d bytes", TransportKeySize)
	}
	secret, err := jwe.Decrypt(wrapped, jwe.WithKey(jwa.A256KW, transportKey.Bytes()))
	if err != nil {
		return nil, fmt.Errorf("unwrap: %w", err)
	}
	rec := &record{Kind: kindSymmetric, Secret: secret}
	defer rec.wipe()
	if len(secret) == 0 || len(secret) > maxSecretSize {
		return nil, fmt.Errorf("%w: unwrapped key of %d bytes", backend.ErrUnsupportedKey, len(secret))
	}
	return seal(b.masterKeys[SlotCurrent], rec)
}

func (b *Backend) Reencipher(blob backend.KeyBlob, toNew bool) (backend.KeyBlob, error) {
	from, to := SlotOld, SlotCurrent
	if toNew {
		from, to = SlotCurrent, SlotNew
	}
	if b.masterKeys[from] == nil || b.masterKeys[to] == nil {
		return nil, fmt.Errorf("reencipher from %s to %s: %w", from, to, backend.ErrMasterKeyNotLoaded)
	}
	rec, err := unseal(b.masterKeys[from], blob)
	if err != nil {
		return nil, fmt.Errorf("reencipher: %w", err)
	}
	defer rec.wipe()
	return seal(b.masterKeys[to], rec)
}

// KeyCheckValue returns the AES key check value (first three bytes of the
// encryption of a zero block) of a symmetric key blob.
func (b *Backend) KeyCheckValue(blob backend.KeyBlob) ([]byte, error) {
	rec, err := unseal(b.masterKeys[SlotCurrent], blob)
	if err != nil {
		return nil, err
	}
	defer rec.wipe()
	if rec.Kind != kindSymmetric {
		return nil, fmt.Errorf("%w: %s key has no check value", backend.ErrUnsupportedKey, rec.Kind)
	}
	return KeyCheckValue(rec.Secret)
}

// KeyCheckValue computes the AES key check value of a raw key.
func KeyCheckValue(key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, aes.BlockSize)
	block.Encrypt(out, make([]byte, aes.BlockSize))
	return out[:3], nil
}
