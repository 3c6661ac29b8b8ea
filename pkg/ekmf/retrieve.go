package ekmf

import (
	"context"
	"crypto"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/gematik/zero-ekmf/pkg/backend"
	"github.com/gematik/zero-ekmf/pkg/jose"
	"github.com/gematik/zero-ekmf/pkg/session"
	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwa"
)

// RetrieveOptions select the algorithms of a key retrieval. The zero
// value uses a P-521 session key and SHA-512 for RSA identity keys.
type RetrieveOptions struct {
	SessionCurve jwa.EllipticCurveAlgorithm
	// Digest is only used with RSA identity keys.
	Digest       crypto.Hash
	UsePSS       bool
	SignatureKID string
}

// exportResponse holds the members read from a verified export response.
type exportResponse struct {
	Originator struct {
		Session   json.RawMessage `json:"session" validate:"required"`
		PartyInfo string          `json:"partyInfo" validate:"required"`
	} `json:"originator"`
	AdditionalInfo struct {
		ExportedKey json.RawMessage `json:"exportedKey" validate:"required"`
	} `json:"additionalInfo"`
}

// RetrieveKey retrieves the key keyID from the server and stores the
// resulting backend key blob in out. It returns the number of bytes
// written. If out is too small the error has KindBufferTooSmall and
// reports the required size; out is left untouched on any error.
func (c *Client) RetrieveKey(ctx context.Context, keyID string, opts RetrieveOptions, out []byte) (int, error) {
	parsed, err := uuid.Parse(keyID)
	if err != nil {
		return 0, newError(KindInvalidArgument, err, "key id %q", keyID)
	}
	// party info, path and requestedKey use the canonical form
	keyID = parsed.String()

	token, err := c.loginToken()
	if err != nil {
		return 0, err
	}

	serverKey, err := c.serverPublicKey()
	if err != nil {
		return 0, err
	}
	sc, err := c.IdentitySigner(opts.Digest, opts.UsePSS, opts.SignatureKID)
	if err != nil {
		return 0, err
	}

	eph, err := session.NewEphemeral(c.backend, opts.SessionCurve)
	if err != nil {
		if errors.Is(err, backend.ErrUnsupportedKey) {
			return 0, newError(KindInvalidArgument, err, "session curve")
		}
		return 0, newError(KindBackendFailure, err, "session key")
	}
	defer eph.Destroy()

	timestamp := c.timestamp()
	var partyInfo [64]byte
	n, partyInfoB64, err := session.PartyInfo(keyID, timestamp, session.DefaultPartyInfoDigest, partyInfo[:])
	if err != nil {
		return 0, newError(KindInvalidArgument, err, "party info")
	}
	requesterInfo := partyInfo[:n]

	req, err := buildExportRequest(eph, partyInfoB64, keyID, timestamp)
	if err != nil {
		return 0, newError(KindInvalidArgument, err, "assemble request")
	}
	if err := sc.SignObject(req); err != nil {
		return 0, newError(KindBackendFailure, err, "sign request")
	}
	body, err := req.MarshalJSON()
	if err != nil {
		return 0, newError(KindInvalidArgument, err, "serialize request")
	}
	slog.Debug("Requesting key export", "key_id", keyID, "alg", sc.Algorithm(), "session_curve", eph.Public().Curve.Params().Name)

	resp, err := c.transport.Perform(ctx, http.MethodPost, fmt.Sprintf(PathKeyExport, url.PathEscape(keyID)), body, token, nil)
	if err != nil {
		return 0, newError(KindTransportFailure, err, "key export")
	}
	if resp.StatusCode != http.StatusOK {
		return 0, statusError(kindForStatus(resp.StatusCode), resp)
	}
	if len(resp.Body) == 0 {
		return 0, newError(KindBadResponse, nil, "empty key export response")
	}

	obj, err := jose.ParseObject(resp.Body)
	if err != nil {
		return 0, newError(KindBadResponse, err, "key export response")
	}
	// removes the signature member from obj
	if err := jose.VerifyObject(obj, serverKey); err != nil {
		return 0, newError(KindSignatureVerificationFailed, err, "key export response")
	}

	var exported exportResponse
	if err := obj.Decode(&exported); err != nil {
		return 0, newError(KindBadResponse, err, "key export response")
	}
	if err := validate.Struct(&exported); err != nil {
		return 0, newError(KindBadResponse, err, "key export response")
	}
	remote, err := session.ParsePublicJWK(exported.Originator.Session)
	if err != nil {
		return 0, newError(KindBadResponse, err, "responder session key")
	}
	responderInfo, err := session.DecodePartyInfo(exported.Originator.PartyInfo)
	if err != nil {
		return 0, newError(KindBadResponse, err, "responder party info")
	}
	combined := session.CombinePartyInfo(requesterInfo, responderInfo)

	transportKey, err := eph.DeriveTransportKey(remote, combined, backend.KDFX963CCA)
	clear(combined)
	if err != nil {
		return 0, newError(KindBackendFailure, err, "derive transport key")
	}
	blob, err := session.Unwrap(c.backend, exported.AdditionalInfo.ExportedKey, transportKey)
	if err != nil {
		return 0, newError(KindBackendFailure, err, "unwrap key")
	}

	if len(out) < len(blob) {
		e := newError(KindBufferTooSmall, nil, "key blob needs %d bytes, buffer has %d", len(blob), len(out))
		e.Required = len(blob)
		clear(blob)
		return 0, e
	}
	written := copy(out, blob)
	clear(blob)
	slog.Debug("Key retrieved", "key_id", keyID, "size", written)
	return written, nil
}

// buildExportRequest assembles the export request in the member order
// the server expects.
func buildExportRequest(eph *session.Ephemeral, partyInfo, keyID, timestamp string) (*jose.Object, error) {
	pubJWK, err := eph.PublicJWK()
	if err != nil {
		return nil, err
	}
	jwkJSON, err := json.Marshal(pubJWK)
	if err != nil {
		return nil, fmt.Errorf("marshal session key: %w", err)
	}
	sessionKey, err := jose.ParseObject(jwkJSON)
	if err != nil {
		return nil, err
	}

	originator := jose.NewObject()
	originator.Set("session", sessionKey)
	originator.Set("partyInfo", partyInfo)

	additional := jose.NewObject()
	additional.Set("kdf", string(backend.KDFX963CCA))
	additional.Set("requestedKey", keyID)
	additional.Set("timestamp", timestamp)

	req := jose.NewObject()
	req.Set("originator", originator)
	req.Set("additionalInfo", additional)
	return req, nil
}
