// Package jose builds and verifies detached JSON web signatures over
// canonical JSON payloads.
package jose

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"errors"
	"fmt"

	"github.com/lestrrat-go/jwx/v2/jwa"
)

var (
	ErrUnsupportedAlgorithm = errors.New("unsupported signature algorithm")
	ErrVerification         = errors.New("signature verification failed")
)

// DefaultRSADigest is used for RSA keys when no digest is chosen.
const DefaultRSADigest = crypto.SHA512

// AlgorithmFor selects the signature algorithm for a public key.
// EC keys determine the algorithm by their curve and ignore digest.
// RSA keys use digest (SHA-512 if zero) and pss to pick RS* or PS*.
func AlgorithmFor(pub crypto.PublicKey, digest crypto.Hash, pss bool) (jwa.SignatureAlgorithm, crypto.Hash, error) {
	switch k := pub.(type) {
	case *ecdsa.PublicKey:
		return algorithmForCurve(k.Curve)
	case *rsa.PublicKey:
		return algorithmForRSA(digest, pss)
	}
	return "", 0, fmt.Errorf("%w: key type %T", ErrUnsupportedAlgorithm, pub)
}

func algorithmForCurve(curve elliptic.Curve) (jwa.SignatureAlgorithm, crypto.Hash, error) {
	switch curve {
	case elliptic.P256():
		return jwa.ES256, crypto.SHA256, nil
	case elliptic.P384():
		return jwa.ES384, crypto.SHA384, nil
	case elliptic.P521():
		return jwa.ES512, crypto.SHA512, nil
	}
	return "", 0, fmt.Errorf("%w: curve %s", ErrUnsupportedAlgorithm, curve.Params().Name)
}

func algorithmForRSA(digest crypto.Hash, pss bool) (jwa.SignatureAlgorithm, crypto.Hash, error) {
	if digest == 0 {
		digest = DefaultRSADigest
	}
	var alg jwa.SignatureAlgorithm
	switch digest {
	case crypto.SHA256:
		alg = jwa.RS256
		if pss {
			alg = jwa.PS256
		}
	case crypto.SHA384:
		alg = jwa.RS384
		if pss {
			alg = jwa.PS384
		}
	case crypto.SHA512:
		alg = jwa.RS512
		if pss {
			alg = jwa.PS512
		}
	default:
		return "", 0, fmt.Errorf("%w: digest %v for RSA", ErrUnsupportedAlgorithm, digest)
	}
	return alg, digest, nil
}

// acceptedAlgorithms lists the algorithms a verifier accepts for pub.
func acceptedAlgorithms(pub crypto.PublicKey) []jwa.SignatureAlgorithm {
	switch k := pub.(type) {
	case *ecdsa.PublicKey:
		alg, _, err := algorithmForCurve(k.Curve)
		if err != nil {
			return nil
		}
		return []jwa.SignatureAlgorithm{alg}
	case *rsa.PublicKey:
		return []jwa.SignatureAlgorithm{
			jwa.RS256, jwa.RS384, jwa.RS512,
			jwa.PS256, jwa.PS384, jwa.PS512,
		}
	}
	return nil
}

// ParseDigest maps a digest name like "SHA-256" or "sha256" to a hash.
// An empty name returns zero, meaning the default.
func ParseDigest(name string) (crypto.Hash, error) {
	switch name {
	case "":
		return 0, nil
	case "SHA-256", "SHA256", "sha256", "sha-256":
		return crypto.SHA256, nil
	case "SHA-384", "SHA384", "sha384", "sha-384":
		return crypto.SHA384, nil
	case "SHA-512", "SHA512", "sha512", "sha-512":
		return crypto.SHA512, nil
	}
	return 0, fmt.Errorf("%w: digest %q", ErrUnsupportedAlgorithm, name)
}
