// Package signer binds a backend key blob to crypto.Signer so it can be
// used for JWS creation as well as for X.509 certificates and requests.
package signer

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"fmt"
	"io"

	"github.com/gematik/zero-ekmf/pkg/backend"
	"github.com/gematik/zero-ekmf/pkg/jose"
	"github.com/lestrrat-go/jwx/v2/jwa"
)

var ErrDigestMismatch = errors.New("digest does not match signing context")

// Context signs with a key held by a backend. It holds no key material.
type Context struct {
	backend backend.Backend
	blob    backend.KeyBlob
	public  crypto.PublicKey
	alg     jwa.SignatureAlgorithm
	hash    crypto.Hash
	pss     bool
	kid     string
}

var _ crypto.Signer = (*Context)(nil)

// New creates a signing context. digest is only relevant for RSA keys,
// where zero selects SHA-512; pss selects RSA-PSS. EC keys always use the
// digest matching their curve.
func New(b backend.Backend, blob backend.KeyBlob, digest crypto.Hash, pss bool, kid string) (*Context, error) {
	pub, err := b.PublicKey(blob)
	if err != nil {
		return nil, fmt.Errorf("signing context: %w", err)
	}
	if _, isRSA := pub.(*rsa.PublicKey); pss && !isRSA {
		return nil, fmt.Errorf("signing context: %w: PSS requires an RSA key", jose.ErrUnsupportedAlgorithm)
	}
	alg, hash, err := jose.AlgorithmFor(pub, digest, pss)
	if err != nil {
		return nil, fmt.Errorf("signing context: %w", err)
	}
	return &Context{
		backend: b,
		blob:    blob,
		public:  pub,
		alg:     alg,
		hash:    hash,
		pss:     pss,
		kid:     kid,
	}, nil
}

func (c *Context) Public() crypto.PublicKey {
	return c.public
}

// Algorithm is the JWS algorithm identifier of the context.
func (c *Context) Algorithm() jwa.SignatureAlgorithm {
	return c.alg
}

func (c *Context) HashFunc() crypto.Hash {
	return c.hash
}

func (c *Context) KeyID() string {
	return c.kid
}

// Sign implements crypto.Signer. opts must name the digest of the context
// and, for PSS contexts, be *rsa.PSSOptions.
func (c *Context) Sign(_ io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	if opts == nil || opts.HashFunc() != c.hash {
		return nil, fmt.Errorf("%w: want %v", ErrDigestMismatch, c.hash)
	}
	pssOpts, isPSS := opts.(*rsa.PSSOptions)
	if isPSS != c.pss {
		return nil, fmt.Errorf("%w: pss=%t", ErrDigestMismatch, c.pss)
	}
	if isPSS {
		// salt length is always the digest length
		opts = &rsa.PSSOptions{Hash: pssOpts.HashFunc(), SaltLength: rsa.PSSSaltLengthEqualsHash}
	}
	sig, err := c.backend.Sign(c.blob, digest, opts)
	if err != nil {
		return nil, fmt.Errorf("backend sign: %w", err)
	}
	return sig, nil
}

// SignObject signs obj as a detached JWS and attaches the signature member.
func (c *Context) SignObject(obj *jose.Object) error {
	return jose.SignObject(obj, c, c.alg, c.kid)
}

// X509SignatureAlgorithm maps the context to the X.509 signature algorithm.
func (c *Context) X509SignatureAlgorithm() x509.SignatureAlgorithm {
	switch c.public.(type) {
	case *ecdsa.PublicKey:
		switch c.hash {
		case crypto.SHA256:
			return x509.ECDSAWithSHA256
		case crypto.SHA384:
			return x509.ECDSAWithSHA384
		case crypto.SHA512:
			return x509.ECDSAWithSHA512
		}
	case *rsa.PublicKey:
		switch c.hash {
		case crypto.SHA256:
			if c.pss {
				return x509.SHA256WithRSAPSS
			}
			return x509.SHA256WithRSA
		case crypto.SHA384:
			if c.pss {
				return x509.SHA384WithRSAPSS
			}
			return x509.SHA384WithRSA
		case crypto.SHA512:
			if c.pss {
				return x509.SHA512WithRSAPSS
			}
			return x509.SHA512WithRSA
		}
	}
	return x509.UnknownSignatureAlgorithm
}
