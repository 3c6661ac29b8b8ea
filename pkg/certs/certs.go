// Package certs creates certificate signing requests and self-signed
// certificates for keys held by a backend.
package certs

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net"
	"os"
	"strings"
	"time"

	"github.com/gematik/zero-ekmf/pkg/signer"
)

const DefaultValidity = 365 * 24 * time.Hour

var ErrNoSubject = errors.New("no subject given")

// Options describe the certificate or request to create. The subject is
// taken from Subject or, if RenewFile is set, copied from the certificate
// in that file together with its alternative names.
type Options struct {
	Subject     string
	RenewFile   string
	DNSNames    []string
	IPAddresses []net.IP
	// Validity of self-signed certificates, DefaultValidity if zero.
	Validity time.Duration
}

type template struct {
	subject     pkix.Name
	dnsNames    []string
	ipAddresses []net.IP
}

func (o Options) template() (*template, error) {
	t := &template{dnsNames: o.DNSNames, ipAddresses: o.IPAddresses}
	switch {
	case o.RenewFile != "":
		certs, err := ReadCertificates(o.RenewFile)
		if err != nil {
			return nil, fmt.Errorf("certificate to renew: %w", err)
		}
		old := certs[0]
		t.subject = old.Subject
		t.dnsNames = append(t.dnsNames, old.DNSNames...)
		t.ipAddresses = append(t.ipAddresses, old.IPAddresses...)
	case o.Subject != "":
		name, err := ParseSubject(o.Subject)
		if err != nil {
			return nil, err
		}
		t.subject = name
	default:
		return nil, ErrNoSubject
	}
	return t, nil
}

// GenerateCSR creates a PEM encoded certificate signing request signed with
// the key of sc.
func GenerateCSR(sc *signer.Context, opts Options) ([]byte, error) {
	t, err := opts.template()
	if err != nil {
		return nil, err
	}
	req := &x509.CertificateRequest{
		Subject:            t.subject,
		DNSNames:           t.dnsNames,
		IPAddresses:        t.ipAddresses,
		SignatureAlgorithm: sc.X509SignatureAlgorithm(),
	}
	der, err := x509.CreateCertificateRequest(rand.Reader, req, sc)
	if err != nil {
		return nil, fmt.Errorf("create certificate request: %w", err)
	}
	slog.Debug("Created certificate request", "subject", t.subject.String(), "alg", req.SignatureAlgorithm)
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der}), nil
}

// GenerateSelfSigned creates a PEM encoded self-signed certificate for the
// key of sc.
func GenerateSelfSigned(sc *signer.Context, opts Options) ([]byte, error) {
	t, err := opts.template()
	if err != nil {
		return nil, err
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}
	validity := opts.Validity
	if validity <= 0 {
		validity = DefaultValidity
	}
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               t.subject,
		NotBefore:             now.Add(-1 * time.Hour),
		NotAfter:              now.Add(validity),
		DNSNames:              t.dnsNames,
		IPAddresses:           t.ipAddresses,
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		SignatureAlgorithm:    sc.X509SignatureAlgorithm(),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, sc.Public(), sc)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}
	slog.Debug("Created self-signed certificate", "subject", t.subject.String(), "serial", serial.Text(16))
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), nil
}

// randomSerial returns a positive serial number of at most 159 bits, so
// its DER encoding fits in 20 octets.
func randomSerial() (*big.Int, error) {
	max := new(big.Int).Lsh(big.NewInt(1), 159)
	for {
		sn, err := rand.Int(rand.Reader, max)
		if err != nil {
			return nil, fmt.Errorf("unable to generate serial number: %w", err)
		}
		if sn.Sign() > 0 {
			return sn, nil
		}
	}
}

// ReadCertificates parses all certificates of a PEM file.
func ReadCertificates(path string) ([]*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var certs []*x509.Certificate
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("%s contains no certificates", path)
	}
	return certs, nil
}

// PrintCertificates writes a summary of every certificate in path to w.
func PrintCertificates(path string, w io.Writer) error {
	certs, err := ReadCertificates(path)
	if err != nil {
		return err
	}
	for i, cert := range certs {
		fp := sha256.Sum256(cert.Raw)
		fmt.Fprintf(w, "Certificate %d:\n", i)
		fmt.Fprintf(w, "  Subject:     %s\n", cert.Subject)
		fmt.Fprintf(w, "  Issuer:      %s\n", cert.Issuer)
		fmt.Fprintf(w, "  Serial:      %s\n", colonHex(cert.SerialNumber.Bytes()))
		fmt.Fprintf(w, "  Not before:  %s\n", cert.NotBefore.UTC().Format(time.RFC3339))
		fmt.Fprintf(w, "  Not after:   %s\n", cert.NotAfter.UTC().Format(time.RFC3339))
		fmt.Fprintf(w, "  Public key:  %s\n", cert.PublicKeyAlgorithm)
		fmt.Fprintf(w, "  Signature:   %s\n", cert.SignatureAlgorithm)
		if names := altNames(cert); names != "" {
			fmt.Fprintf(w, "  Alt names:   %s\n", names)
		}
		fmt.Fprintf(w, "  SHA-256:     %s\n", colonHex(fp[:]))
	}
	return nil
}

func altNames(cert *x509.Certificate) string {
	names := make([]string, 0, len(cert.DNSNames)+len(cert.IPAddresses))
	for _, n := range cert.DNSNames {
		names = append(names, "DNS:"+n)
	}
	for _, ip := range cert.IPAddresses {
		names = append(names, "IP:"+ip.String())
	}
	return strings.Join(names, ", ")
}

func colonHex(b []byte) string {
	var buf bytes.Buffer
	for i, c := range b {
		if i > 0 {
			buf.WriteByte(':')
		}
		buf.WriteString(hex.EncodeToString([]byte{c}))
	}
	return buf.String()
}
