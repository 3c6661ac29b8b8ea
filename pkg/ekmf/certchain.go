package ekmf

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"

	"github.com/gematik/zero-ekmf/pkg/certs"
)

// GetServerCertChain connects to the server of the config and stores the
// certificate it presents in certFile, its public key in pubKeyFile and the
// rest of the chain in bundleFile. Empty paths are skipped.
//
// The chain is first verified against the configured CA, or the system
// roots if none is set. The host name is not checked. If no trust anchor
// is found the connection is retried without verification and verified is
// false. The bundle is only written in that case, as a verified chain
// needs no extra trust anchors.
func (c *Client) GetServerCertChain(ctx context.Context, certFile, pubKeyFile, bundleFile string) (verified bool, err error) {
	addr, err := serverAddr(c.cfg.BaseURL)
	if err != nil {
		return false, err
	}
	// pins are not applied, the chain is fetched to create them
	tlsConfig, err := baseTLSConfig(c.cfg)
	if err != nil {
		return false, newError(KindConfigError, err, "tls")
	}
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	verified = true
	chain, err := peerCertificates(ctx, addr, tlsConfig, true)
	var unknownAuthority x509.UnknownAuthorityError
	var noRoots x509.SystemRootsError
	if errors.As(err, &unknownAuthority) || errors.As(err, &noRoots) {
		slog.Debug("Server certificate not verified, retrying without verification", "addr", addr, "error", err)
		verified = false
		chain, err = peerCertificates(ctx, addr, tlsConfig, false)
	}
	if err != nil {
		return false, newError(KindTransportFailure, err, "connect to %s", addr)
	}
	slog.Debug("Server certificate chain", "addr", addr, "certificates", len(chain), "verified", verified)

	if certFile != "" {
		if err := certs.WriteCertificates(certFile, chain[:1]); err != nil {
			return verified, newError(KindConfigError, err, "write server certificate")
		}
	}
	if pubKeyFile != "" {
		if err := certs.WritePublicKey(pubKeyFile, chain[0]); err != nil {
			return verified, newError(KindConfigError, err, "write server public key")
		}
	}
	if bundleFile != "" && !verified && len(chain) > 1 {
		if err := certs.WriteCertificates(bundleFile, chain[1:]); err != nil {
			return verified, newError(KindConfigError, err, "write ca bundle")
		}
	}
	return verified, nil
}

func serverAddr(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", newError(KindConfigError, err, "base url")
	}
	if u.Scheme != "https" {
		return "", newError(KindInvalidArgument, nil, "base url %s is not an https url", baseURL)
	}
	port := u.Port()
	if port == "" {
		port = "443"
	}
	return net.JoinHostPort(u.Hostname(), port), nil
}

// baseTLSConfig carries the trust anchors and client certificate of cfg.
func baseTLSConfig(cfg *Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if cfg.TLS.CAFile != "" {
		pool, err := certs.LoadCertPool(cfg.Path(cfg.TLS.CAFile))
		if err != nil {
			return nil, fmt.Errorf("load ca: %w", err)
		}
		tlsConfig.RootCAs = pool
	}
	if cfg.TLS.ClientCertFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.Path(cfg.TLS.ClientCertFile), cfg.Path(cfg.TLS.ClientKeyFile))
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}

// peerCertificates completes a TLS handshake with addr and returns the
// certificates the server sent, leaf first.
func peerCertificates(ctx context.Context, addr string, base *tls.Config, verify bool) ([]*x509.Certificate, error) {
	cfg := base.Clone()
	cfg.InsecureSkipVerify = true
	roots := base.RootCAs
	cfg.VerifyConnection = func(cs tls.ConnectionState) error {
		if len(cs.PeerCertificates) == 0 {
			return fmt.Errorf("server sent no certificate")
		}
		if !verify {
			return nil
		}
		intermediates := x509.NewCertPool()
		for _, c := range cs.PeerCertificates[1:] {
			intermediates.AddCert(c)
		}
		_, err := cs.PeerCertificates[0].Verify(x509.VerifyOptions{Roots: roots, Intermediates: intermediates})
		return err
	}

	dialer := &tls.Dialer{Config: cfg}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	return conn.(*tls.Conn).ConnectionState().PeerCertificates, nil
}
