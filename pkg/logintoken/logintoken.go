// Package logintoken checks the freshness of a stored EKMFWeb login token.
//
// Only the temporal claims exp and nbf are evaluated. The signature of the
// token is not verified here.
package logintoken

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jws"
)

var (
	ErrMalformedToken = errors.New("malformed login token")
	ErrMalformedClaim = errors.New("malformed login token claim")
)

// Store provides the current login token. An empty token with a nil error
// means no token is present.
type Store interface {
	Load() (string, error)
}

// FileStore keeps the token in a file.
type FileStore struct {
	Path string
}

func (s FileStore) Load() (string, error) {
	data, err := os.ReadFile(s.Path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read login token: %w", err)
	}
	return strings.TrimSuffix(strings.TrimSuffix(string(data), "\n"), "\r"), nil
}

// Save replaces the stored token.
func (s FileStore) Save(token string) error {
	if err := os.WriteFile(s.Path, []byte(token+"\n"), 0600); err != nil {
		return fmt.Errorf("write login token: %w", err)
	}
	return nil
}

// StaticStore always returns the same token.
type StaticStore string

func (s StaticStore) Load() (string, error) {
	return string(s), nil
}

// Validate reports whether the stored token is valid at now and returns
// it only in that case.
//
//   - no token: invalid, no error
//   - exp present and now > exp: invalid
//   - nbf present and now <= nbf: invalid
//   - exp or nbf not an integer, or zero: ErrMalformedClaim
func Validate(store Store, now time.Time) (bool, string, error) {
	token, err := store.Load()
	if err != nil {
		return false, "", err
	}
	if token == "" {
		slog.Debug("No login token available")
		return false, "", nil
	}

	claims, err := parseClaims(token)
	if err != nil {
		return false, "", err
	}

	ts := now.Unix()
	exp, ok, err := intClaim(claims, "exp")
	if err != nil {
		return false, "", err
	}
	if ok && ts > exp {
		slog.Debug("Login token expired", "exp", time.Unix(exp, 0))
		return false, "", nil
	}

	nbf, ok, err := intClaim(claims, "nbf")
	if err != nil {
		return false, "", err
	}
	if ok && ts <= nbf {
		slog.Debug("Login token not yet valid", "nbf", time.Unix(nbf, 0))
		return false, "", nil
	}

	return true, token, nil
}

func parseClaims(token string) (map[string]any, error) {
	// DANGER, parsing the token without verifying the signature
	msg, err := jws.Parse([]byte(token))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}

	dec := json.NewDecoder(bytes.NewReader(msg.Payload()))
	dec.UseNumber()
	claims := make(map[string]any)
	if err := dec.Decode(&claims); err != nil {
		return nil, fmt.Errorf("%w: payload: %v", ErrMalformedToken, err)
	}
	return claims, nil
}

func intClaim(claims map[string]any, name string) (int64, bool, error) {
	raw, ok := claims[name]
	if !ok {
		return 0, false, nil
	}
	num, ok := raw.(json.Number)
	if !ok {
		return 0, false, fmt.Errorf("%w: %s is %T", ErrMalformedClaim, name, raw)
	}
	v, err := num.Int64()
	if err != nil {
		return 0, false, fmt.Errorf("%w: %s=%s", ErrMalformedClaim, name, num)
	}
	if v == 0 {
		return 0, false, fmt.Errorf("%w: %s is zero", ErrMalformedClaim, name)
	}
	return v, true, nil
}
