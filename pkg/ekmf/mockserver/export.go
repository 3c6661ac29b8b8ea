package mockserver

import (
	"crypto/ecdsa"
	"crypto/subtle"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/gematik/zero-ekmf/pkg/backend"
	"github.com/gematik/zero-ekmf/pkg/jose"
	"github.com/gematik/zero-ekmf/pkg/session"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwe"
)

const (
	maxRequestSize = 64 << 10
	maxClockSkew   = 5 * time.Minute
)

type exportRequest struct {
	Originator struct {
		Session   json.RawMessage `json:"session" validate:"required"`
		PartyInfo string          `json:"partyInfo" validate:"required"`
	} `json:"originator"`
	AdditionalInfo struct {
		KDF          backend.KDF `json:"kdf" validate:"required"`
		RequestedKey string      `json:"requestedKey" validate:"required"`
		Timestamp    string      `json:"timestamp" validate:"required"`
	} `json:"additionalInfo"`
}

func (s *Server) exportEndpoint(c echo.Context) error {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		return newAPIError(http.StatusBadRequest, CodeInvalidRequest, "invalid key id")
	}
	u, _ := s.lookupUser(c.Get(ctxKeyUser).(string))

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxRequestSize))
	if err != nil {
		return err
	}
	obj, err := jose.ParseObject(body)
	if err != nil {
		return newAPIError(http.StatusBadRequest, CodeInvalidRequest, "malformed request body")
	}
	if u.identity == nil {
		return newAPIError(http.StatusForbidden, CodeNoPermission, "no identity key registered")
	}
	if err := jose.VerifyObject(obj, u.identity); err != nil {
		slog.Debug("Export request signature rejected", "error", err)
		return newAPIError(http.StatusBadRequest, CodeBadSignature, "invalid request signature")
	}

	var req exportRequest
	if err := obj.Decode(&req); err != nil {
		return newAPIError(http.StatusBadRequest, CodeInvalidRequest, "malformed request body")
	}
	if err := validate.Struct(&req); err != nil {
		return newAPIError(http.StatusBadRequest, CodeInvalidRequest, "%v", err)
	}
	if req.AdditionalInfo.RequestedKey != id {
		return newAPIError(http.StatusBadRequest, CodeInvalidRequest, "requested key does not match path")
	}
	if req.AdditionalInfo.KDF != backend.KDFX963CCA {
		return newAPIError(http.StatusBadRequest, CodeInvalidRequest, "unsupported kdf %q", req.AdditionalInfo.KDF)
	}
	if err := s.checkTimestamp(req.AdditionalInfo.Timestamp); err != nil {
		return err
	}

	key, ok := s.lookupKey(id)
	if !ok {
		return newAPIError(http.StatusNotFound, CodeNotFound, "key %s not found", id)
	}
	if !slices.Contains(key.allowed, c.Get(ctxKeyUser).(string)) {
		return newAPIError(http.StatusForbidden, CodeNoPermission, "no permission")
	}

	requesterInfo, err := s.checkPartyInfo(id, req.AdditionalInfo.Timestamp, req.Originator.PartyInfo)
	if err != nil {
		return err
	}
	clientKey, err := session.ParsePublicJWK(req.Originator.Session)
	if err != nil {
		return newAPIError(http.StatusBadRequest, CodeInvalidRequest, "invalid session key")
	}

	resp, err := s.wrapKey(id, key.secret, clientKey, requesterInfo, req.AdditionalInfo.KDF)
	if err != nil {
		return err
	}
	if err := jose.SignObject(resp, s.signer, s.sigAlg, s.kid); err != nil {
		return err
	}
	data, err := resp.MarshalJSON()
	if err != nil {
		return err
	}
	slog.Debug("Key exported", "key_id", id, "user", c.Get(ctxKeyUser))
	return c.Blob(http.StatusOK, echo.MIMEApplicationJSON, data)
}

func (s *Server) checkTimestamp(value string) error {
	ts, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return newAPIError(http.StatusBadRequest, CodeInvalidRequest, "invalid timestamp")
	}
	if d := s.now().Sub(ts); d > maxClockSkew || d < -maxClockSkew {
		return newAPIError(http.StatusBadRequest, CodeInvalidRequest, "timestamp out of range")
	}
	return nil
}

// checkPartyInfo recomputes the party info of the requester from key id
// and timestamp and compares it with the transmitted value.
func (s *Server) checkPartyInfo(id, timestamp, encoded string) ([]byte, error) {
	got, err := session.DecodePartyInfo(encoded)
	if err != nil {
		return nil, newAPIError(http.StatusBadRequest, CodeInvalidRequest, "invalid party info")
	}
	var want [64]byte
	n, _, err := session.PartyInfo(id, timestamp, session.DefaultPartyInfoDigest, want[:])
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare(got, want[:n]) != 1 {
		return nil, newAPIError(http.StatusBadRequest, CodeInvalidRequest, "party info does not match request")
	}
	return got, nil
}

// wrapKey runs the responder side of the key agreement and builds the
// unsigned response object.
func (s *Server) wrapKey(id string, secret []byte, clientKey *ecdsa.PublicKey, requesterInfo []byte, kdf backend.KDF) (*jose.Object, error) {
	eph, err := session.NewEphemeral(s.backend, jwa.EllipticCurveAlgorithm(clientKey.Curve.Params().Name))
	if err != nil {
		return nil, newAPIError(http.StatusBadRequest, CodeInvalidRequest, "unsupported session curve")
	}
	defer eph.Destroy()

	timestamp := s.now().UTC().Format(time.RFC3339)
	var info [64]byte
	n, infoB64, err := session.PartyInfo(id, timestamp, session.DefaultPartyInfoDigest, info[:])
	if err != nil {
		return nil, err
	}

	combined := session.CombinePartyInfo(requesterInfo, info[:n])
	tk, err := eph.DeriveTransportKey(clientKey, combined, kdf)
	if err != nil {
		return nil, err
	}
	defer tk.Destroy()

	wrapped, err := jwe.Encrypt(secret,
		jwe.WithKey(jwa.A256KW, tk.Bytes()),
		jwe.WithContentEncryption(jwa.A256GCM),
		jwe.WithJSON(),
	)
	if err != nil {
		return nil, err
	}
	exported, err := jose.ParseObject(wrapped)
	if err != nil {
		return nil, err
	}

	pubJWK, err := eph.PublicJWK()
	if err != nil {
		return nil, err
	}
	jwkJSON, err := json.Marshal(pubJWK)
	if err != nil {
		return nil, err
	}
	sessionKey, err := jose.ParseObject(jwkJSON)
	if err != nil {
		return nil, err
	}

	originator := jose.NewObject()
	originator.Set("session", sessionKey)
	originator.Set("partyInfo", infoB64)

	additional := jose.NewObject()
	additional.Set("kdf", string(kdf))
	additional.Set("requestedKey", id)
	additional.Set("timestamp", timestamp)
	additional.Set("exportedKey", exported)

	resp := jose.NewObject()
	resp.Set("originator", originator)
	resp.Set("additionalInfo", additional)
	return resp, nil
}
