package ekmf

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gematik/zero-ekmf/pkg/jose"
	"github.com/gematik/zero-ekmf/pkg/nonce"
	"github.com/gematik/zero-ekmf/pkg/util"
)

// LoginRequest is the body of a login call.
type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
	Nonce    string `json:"nonce" validate:"required"`
}

// LoginResponse is the body of a successful login call.
type LoginResponse struct {
	Token string `json:"token" validate:"required"`
}

// tokenSaver is implemented by token stores that can be updated.
type tokenSaver interface {
	Save(token string) error
}

// Login obtains a new login token with user credentials and stores it.
func (c *Client) Login(ctx context.Context, username, password string) error {
	saver, ok := c.tokens.(tokenSaver)
	if !ok {
		return newError(KindConfigError, nil, "login token store is read-only")
	}

	resp, err := c.transport.Perform(ctx, http.MethodHead, PathAuthNonce, nil, "", nil)
	if err != nil {
		return newError(KindTransportFailure, err, "get login nonce")
	}
	if resp.StatusCode != http.StatusOK {
		return statusError(kindForStatus(resp.StatusCode), resp)
	}
	n := resp.Header.Get(nonce.HeaderReplayNonce)
	if n == "" {
		return newError(KindBadResponse, nil, "no %s header in response", nonce.HeaderReplayNonce)
	}

	req := LoginRequest{Username: username, Password: password, Nonce: n}
	if err := validate.Struct(&req); err != nil {
		return newError(KindInvalidArgument, err, "login")
	}
	body, err := jose.Marshal(&req)
	if err != nil {
		return newError(KindInvalidArgument, err, "login")
	}

	resp, err = c.transport.Perform(ctx, http.MethodPost, PathAuthLogin, body, "", nil)
	clear(body)
	if err != nil {
		return newError(KindTransportFailure, err, "login")
	}
	if resp.StatusCode != http.StatusOK {
		return statusError(kindForStatus(resp.StatusCode), resp)
	}

	lr, err := util.DecodeValid[LoginResponse](resp.Body, validate)
	if err != nil {
		return newError(KindBadResponse, err, "login response")
	}
	if err := saver.Save(lr.Token); err != nil {
		return newError(KindConfigError, err, "store login token")
	}
	slog.Info("Login token stored", "user", username)
	return nil
}
