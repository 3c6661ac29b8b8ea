package ekmf

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"strings"

	"github.com/gematik/zero-ekmf/pkg/certs"
)

const maxResponseSize = 1 << 20

var (
	ErrContentType = errors.New("unexpected response content type")
	ErrPinMismatch = errors.New("server certificate does not match pin")
)

var acceptedContentTypes = []string{"application/json", "text/x-json"}

// Response is the result of a transport exchange. Body holds the JSON
// response body, or nil if the server sent none.
type Response struct {
	StatusCode int
	Body       []byte
	Header     http.Header
}

// Transport performs a single request against the EKMFWeb server.
type Transport interface {
	Perform(ctx context.Context, method, path string, body []byte, bearer string, hdr http.Header) (*Response, error)
}

// HTTPTransport is the HTTPS transport. It keeps its connection pool
// between calls and may be shared by sequential operations.
type HTTPTransport struct {
	baseURL string
	client  *http.Client
}

var _ Transport = (*HTTPTransport)(nil)

// TransportOption configures an HTTPTransport.
type TransportOption func(*HTTPTransport)

// WithHTTPClient replaces the HTTP client. TLS settings of the config are
// not applied to it.
func WithHTTPClient(client *http.Client) TransportOption {
	return func(t *HTTPTransport) {
		t.client = client
	}
}

// NewHTTPTransport creates a transport for cfg.BaseURL using the TLS
// settings in cfg.TLS.
func NewHTTPTransport(cfg *Config, opts ...TransportOption) (*HTTPTransport, error) {
	t := &HTTPTransport{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.client != nil {
		return t, nil
	}

	tlsConfig, err := newTLSConfig(cfg)
	if err != nil {
		return nil, err
	}
	maxRedirects := cfg.MaxRedirects
	t.client = &http.Client{
		Timeout: cfg.Timeout,
		Transport: &http.Transport{
			Proxy:           http.ProxyFromEnvironment,
			TLSClientConfig: tlsConfig,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) > maxRedirects {
				return http.ErrUseLastResponse
			}
			return nil
		},
	}
	return t, nil
}

func newTLSConfig(cfg *Config) (*tls.Config, error) {
	tc := cfg.TLS
	tlsConfig, err := baseTLSConfig(cfg)
	if err != nil {
		return nil, err
	}

	var pinnedCert *x509.Certificate
	if tc.ServerCertFile != "" {
		pinned, err := certs.ReadCertificates(cfg.Path(tc.ServerCertFile))
		if err != nil {
			return nil, fmt.Errorf("read server certificate: %w", err)
		}
		pinnedCert = pinned[0]
	}

	var pinnedKey []byte
	if tc.PinnedPublicKeyFile != "" {
		pemData, err := os.ReadFile(cfg.Path(tc.PinnedPublicKeyFile))
		if err != nil {
			return nil, fmt.Errorf("read pinned public key: %w", err)
		}
		block, _ := pem.Decode(pemData)
		if block == nil || block.Type != "PUBLIC KEY" {
			return nil, fmt.Errorf("pinned public key file %s: no PUBLIC KEY block", tc.PinnedPublicKeyFile)
		}
		pinnedKey = block.Bytes
	}

	verifyPeer, verifyHost := tc.verifyPeer(), tc.verifyHost()
	tlsConfig.InsecureSkipVerify = !verifyPeer || !verifyHost
	roots := tlsConfig.RootCAs

	tlsConfig.VerifyConnection = func(cs tls.ConnectionState) error {
		if len(cs.PeerCertificates) == 0 {
			return fmt.Errorf("server sent no certificate")
		}
		leaf := cs.PeerCertificates[0]
		if verifyPeer && !verifyHost {
			// chain verification without host name check
			intermediates := x509.NewCertPool()
			for _, c := range cs.PeerCertificates[1:] {
				intermediates.AddCert(c)
			}
			if _, err := leaf.Verify(x509.VerifyOptions{Roots: roots, Intermediates: intermediates}); err != nil {
				return err
			}
		}
		if pinnedCert != nil && !leaf.Equal(pinnedCert) {
			return fmt.Errorf("%w: certificate", ErrPinMismatch)
		}
		if pinnedKey != nil && !bytes.Equal(leaf.RawSubjectPublicKeyInfo, pinnedKey) {
			return fmt.Errorf("%w: public key", ErrPinMismatch)
		}
		return nil
	}
	return tlsConfig, nil
}

func (t *HTTPTransport) Perform(ctx context.Context, method, path string, body []byte, bearer string, hdr http.Header) (*Response, error) {
	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, t.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json;charset=UTF-8")
	}
	req.Header.Set("Accept", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	for k, v := range hdr {
		req.Header[k] = v
	}

	slog.Debug("EKMFWeb request", "method", method, "url", req.URL.String())
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if len(data) > maxResponseSize {
		return nil, fmt.Errorf("response exceeds %d bytes", maxResponseSize)
	}
	slog.Debug("EKMFWeb response", "status", resp.StatusCode, "length", len(data))

	result := &Response{StatusCode: resp.StatusCode, Header: resp.Header}
	if len(data) == 0 {
		return result, nil
	}
	if err := checkContentType(resp.Header.Get("Content-Type")); err != nil {
		return nil, err
	}
	result.Body = data
	return result, nil
}

// Close releases idle connections.
func (t *HTTPTransport) Close() {
	t.client.CloseIdleConnections()
}

func checkContentType(value string) error {
	mediaType, _, err := mime.ParseMediaType(value)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrContentType, value)
	}
	for _, accepted := range acceptedContentTypes {
		if mediaType == accepted {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrContentType, mediaType)
}
