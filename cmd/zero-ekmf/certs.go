package main

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/gematik/zero-ekmf/pkg/certs"
	"github.com/gematik/zero-ekmf/pkg/jose"
	"github.com/spf13/cobra"
)

type certFlags struct {
	subject  string
	renew    string
	dnsNames []string
	ips      []net.IP
	digest   string
	pss      bool
	out      string
}

func (f *certFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.subject, "subject", "s", "", "subject, e.g. \"CN=client,O=Example,C=DE\"")
	cmd.Flags().StringVar(&f.renew, "renew", "", "copy subject and alternative names from this certificate")
	cmd.Flags().StringSliceVar(&f.dnsNames, "dns", nil, "DNS alternative names")
	cmd.Flags().IPSliceVar(&f.ips, "ip", nil, "IP alternative names")
	cmd.Flags().StringVar(&f.digest, "digest", "", "signature digest for RSA identity keys")
	cmd.Flags().BoolVar(&f.pss, "pss", false, "sign with RSA-PSS")
	cmd.Flags().StringVarP(&f.out, "out", "o", "", "output file (default stdout)")
}

// create signs a certificate object with the identity key and writes it.
func (f *certFlags) create(cmd *cobra.Command, gen func(certs.Options) ([]byte, error)) error {
	data, err := gen(certs.Options{
		Subject:     f.subject,
		RenewFile:   f.renew,
		DNSNames:    f.dnsNames,
		IPAddresses: f.ips,
	})
	if err != nil {
		return err
	}
	if f.out == "" {
		_, err = cmd.OutOrStdout().Write(data)
		return err
	}
	if err := os.WriteFile(f.out, data, 0644); err != nil {
		return err
	}
	slog.Info("Written", "path", f.out)
	return nil
}

func newGenerateCSRCmd() *cobra.Command {
	var f certFlags
	cmd := &cobra.Command{
		Use:   "generate-csr",
		Short: "Create a certificate signing request for the identity key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			digest, err := jose.ParseDigest(f.digest)
			if err != nil {
				return err
			}
			client, err := openClient()
			if err != nil {
				return err
			}
			sc, err := client.IdentitySigner(digest, f.pss, "")
			if err != nil {
				return err
			}
			return f.create(cmd, func(opts certs.Options) ([]byte, error) {
				return certs.GenerateCSR(sc, opts)
			})
		},
	}
	f.register(cmd)
	return cmd
}

func newGenerateSelfSignedCmd() *cobra.Command {
	var (
		f        certFlags
		validity time.Duration
	)
	cmd := &cobra.Command{
		Use:   "generate-ss-cert",
		Short: "Create a self-signed certificate for the identity key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			digest, err := jose.ParseDigest(f.digest)
			if err != nil {
				return err
			}
			client, err := openClient()
			if err != nil {
				return err
			}
			sc, err := client.IdentitySigner(digest, f.pss, "")
			if err != nil {
				return err
			}
			return f.create(cmd, func(opts certs.Options) ([]byte, error) {
				opts.Validity = validity
				return certs.GenerateSelfSigned(sc, opts)
			})
		},
	}
	f.register(cmd)
	cmd.Flags().DurationVar(&validity, "validity", certs.DefaultValidity, "certificate validity")
	return cmd
}

func newPrintCertsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "print-certs <pem-file>...",
		Short: "Print a summary of the certificates in PEM files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, path := range args {
				fmt.Fprintf(cmd.OutOrStdout(), "%s:\n", path)
				if err := certs.PrintCertificates(path, cmd.OutOrStdout()); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func newGetServerCertChainCmd() *cobra.Command {
	var certFile, pubKeyFile, bundleFile string
	cmd := &cobra.Command{
		Use:   "get-server-cert-chain",
		Short: "Fetch the certificate chain of the EKMFWeb server",
		Long: `Fetch the certificate chain of the EKMFWeb server.

The chain is verified against the configured CA without a host name check.
If that fails for lack of a trust anchor, the chain is fetched unverified
and the CA certificates are written to --bundle. Review them before using
the bundle as CA or the public key for pinning.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := openClient()
			if err != nil {
				return err
			}
			verified, err := client.GetServerCertChain(cmd.Context(), certFile, pubKeyFile, bundleFile)
			if err != nil {
				return err
			}
			if verified {
				fmt.Fprintln(cmd.OutOrStdout(), "Server certificate verified")
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "Server certificate NOT verified")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&certFile, "cert", "", "file to write the server certificate to")
	cmd.Flags().StringVar(&pubKeyFile, "pubkey", "", "file to write the server public key to")
	cmd.Flags().StringVar(&bundleFile, "bundle", "", "file to write the CA certificates to")
	return cmd
}
