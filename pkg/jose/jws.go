package jose

import (
	"crypto"
	"fmt"
	"log/slog"
	"slices"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jws"
)

// SignatureField is the member carrying the detached signature of an object.
const SignatureField = "signature"

// Sign creates a compact detached JWS over payload with an unencoded
// payload (RFC 7797). The result has the form "header..signature".
// The private key operation is delegated to signer.
func Sign(payload []byte, signer crypto.Signer, alg jwa.SignatureAlgorithm, kid string) (string, error) {
	hdrs := jws.NewHeaders()
	if kid != "" {
		if err := hdrs.Set(jws.KeyIDKey, kid); err != nil {
			return "", err
		}
	}
	if err := hdrs.Set("b64", false); err != nil {
		return "", err
	}
	if err := hdrs.Set(jws.CriticalKey, []string{"b64"}); err != nil {
		return "", err
	}

	signed, err := jws.Sign(nil,
		jws.WithKey(alg, signer, jws.WithProtectedHeaders(hdrs)),
		jws.WithDetachedPayload(payload),
	)
	if err != nil {
		return "", fmt.Errorf("sign payload: %w", err)
	}
	return string(signed), nil
}

// Verify checks a compact detached JWS over payload. Only algorithms
// matching the type of pub are accepted. Every failure is ErrVerification.
func Verify(payload []byte, compact string, pub crypto.PublicKey) error {
	msg, err := jws.Parse([]byte(compact))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrVerification, err)
	}
	sigs := msg.Signatures()
	if len(sigs) != 1 {
		return fmt.Errorf("%w: expected one signature, got %d", ErrVerification, len(sigs))
	}
	alg := sigs[0].ProtectedHeaders().Algorithm()
	if !slices.Contains(acceptedAlgorithms(pub), alg) {
		return fmt.Errorf("%w: algorithm %q not accepted for %T", ErrVerification, alg, pub)
	}

	if _, err := jws.Verify([]byte(compact), jws.WithKey(alg, pub), jws.WithDetachedPayload(payload)); err != nil {
		return fmt.Errorf("%w: %v", ErrVerification, err)
	}
	slog.Debug("Verified detached signature", "alg", alg)
	return nil
}

// SignObject signs the canonical form of obj and appends the result as
// the signature member. An existing signature member is replaced.
func SignObject(obj *Object, signer crypto.Signer, alg jwa.SignatureAlgorithm, kid string) error {
	obj.Delete(SignatureField)
	payload, err := obj.MarshalJSON()
	if err != nil {
		return err
	}
	sig, err := Sign(payload, signer, alg, kid)
	if err != nil {
		return err
	}
	obj.Set(SignatureField, sig)
	return nil
}

// VerifyObject consumes the signature member of obj and verifies it over
// the canonical form of the remaining members. The signature member is
// removed whether or not verification succeeds.
func VerifyObject(obj *Object, pub crypto.PublicKey) error {
	v, ok := obj.Delete(SignatureField)
	if !ok {
		return fmt.Errorf("%w: no %s member", ErrVerification, SignatureField)
	}
	sig, ok := v.(string)
	if !ok {
		return fmt.Errorf("%w: %s member is not a string", ErrVerification, SignatureField)
	}
	payload, err := obj.MarshalJSON()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrVerification, err)
	}
	return Verify(payload, sig, pub)
}
