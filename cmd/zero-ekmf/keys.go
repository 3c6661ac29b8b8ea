package main

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/gematik/zero-ekmf/pkg/backend"
	"github.com/gematik/zero-ekmf/pkg/ekmf"
	"github.com/gematik/zero-ekmf/pkg/jose"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/spf13/cobra"
)

func newGetPublicKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get-public-key",
		Short: "Fetch the server public key and store it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := openClient()
			if err != nil {
				return err
			}
			return client.GetPublicKey(cmd.Context())
		},
	}
}

func newGenerateIdentityKeyCmd() *cobra.Command {
	var (
		curve    string
		bits     int
		exponent int
	)
	cmd := &cobra.Command{
		Use:   "generate-identity-key",
		Short: "Generate the identity key used to sign export requests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var spec backend.KeySpec
			switch {
			case bits > 0 && cmd.Flags().Changed("curve"):
				return errors.New("--curve and --rsa-bits are mutually exclusive")
			case bits > 0:
				spec = backend.KeySpec{Type: backend.KeyTypeRSA, Bits: bits, Exponent: exponent}
			default:
				var crv jwa.EllipticCurveAlgorithm
				if err := crv.Accept(curve); err != nil {
					return fmt.Errorf("curve: %w", err)
				}
				spec = backend.KeySpec{Type: backend.KeyTypeEC, Curve: crv}
			}
			client, err := openClient()
			if err != nil {
				return err
			}
			return client.GenerateIdentityKey(spec)
		},
	}
	cmd.Flags().StringVar(&curve, "curve", "P-521", "EC curve (P-256, P-384, P-521)")
	cmd.Flags().IntVar(&bits, "rsa-bits", 0, "generate an RSA key of this size instead")
	cmd.Flags().IntVar(&exponent, "rsa-exponent", 0, "RSA public exponent (default 65537)")
	return cmd
}

func newReencipherCmd() *cobra.Command {
	var (
		toNew bool
		out   string
	)
	cmd := &cobra.Command{
		Use:   "reencipher",
		Short: "Re-encipher the identity key under another master key",
		Long: `Re-encipher the identity key. By default the key is moved from the old
to the current master key, with --to-new from the current to the new one.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := openClient()
			if err != nil {
				return err
			}
			return client.ReencipherIdentityKey(toNew, out)
		},
	}
	cmd.Flags().BoolVar(&toNew, "to-new", false, "re-encipher from the current to the new master key")
	cmd.Flags().StringVarP(&out, "out", "o", "", "write to this file instead of replacing the identity key")
	return cmd
}

func newRetrieveKeyCmd() *cobra.Command {
	var (
		out    string
		curve  string
		digest string
		pss    bool
		kid    string
	)
	cmd := &cobra.Command{
		Use:   "retrieve-key <key-uuid>",
		Short: "Retrieve a key from EKMFWeb as a backend key blob",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := ekmf.RetrieveOptions{UsePSS: pss, SignatureKID: kid}
			if curve != "" {
				if err := opts.SessionCurve.Accept(curve); err != nil {
					return fmt.Errorf("curve: %w", err)
				}
			}
			var err error
			if opts.Digest, err = jose.ParseDigest(digest); err != nil {
				return err
			}

			client, err := openClient()
			if err != nil {
				return err
			}
			buf := make([]byte, backend.MaxKeyBlobSize)
			defer clear(buf)
			n, err := client.RetrieveKey(cmd.Context(), args[0], opts, buf)
			if err != nil {
				return err
			}
			if err := backend.WriteKeyBlob(out, buf[:n]); err != nil {
				return fmt.Errorf("write key blob: %w", err)
			}
			slog.Info("Key retrieved", "key", args[0], "size", n, "path", out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "file to write the key blob to")
	cmd.Flags().StringVar(&curve, "curve", "", "session key curve (default P-521)")
	cmd.Flags().StringVar(&digest, "digest", "", "signature digest for RSA identity keys (default SHA-512)")
	cmd.Flags().BoolVar(&pss, "pss", false, "sign with RSA-PSS")
	cmd.Flags().StringVar(&kid, "kid", "", "key id put into the signature header")
	cmd.MarkFlagRequired("out")
	return cmd
}

func newIdentityPublicKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "identity-public-key",
		Short: "Print the public identity key as PEM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := openClient()
			if err != nil {
				return err
			}
			pub, err := client.IdentityPublicKey()
			if err != nil {
				return err
			}
			data, err := jwk.EncodePEM(pub)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}
