package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/gematik/zero-ekmf/pkg/ekmf/mockserver"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/spf13/cobra"
)

func newMockServerCmd() *cobra.Command {
	var (
		listen       string
		user         string
		identityFile string
		keys         []string
	)
	cmd := &cobra.Command{
		Use:   "mock-server",
		Short: "Run a mock EKMFWeb server for local testing",
		Long: `Run a mock EKMFWeb server for local testing.

The password of --user is taken from EKMF_PASSWORD. Keys are given as
<uuid>=<hex secret> or as a bare hex secret, which is stored under a
random id that is logged at startup.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			srv, err := mockserver.New()
			if err != nil {
				return err
			}
			if user != "" {
				password := os.Getenv("EKMF_PASSWORD")
				if password == "" {
					return errors.New("EKMF_PASSWORD must be set for --user")
				}
				srv.AddUser(user, password)
				if identityFile != "" {
					if err := registerIdentity(srv, user, identityFile); err != nil {
						return err
					}
				}
			}
			for _, k := range keys {
				id, err := addKey(srv, k, user)
				if err != nil {
					return err
				}
				slog.Info("Mock key added", "id", id, "user", user)
			}
			return srv.Start(listen)
		},
	}
	cmd.Flags().StringVarP(&listen, "listen", "l", ":8080", "listen address")
	cmd.Flags().StringVarP(&user, "user", "u", "", "user to create")
	cmd.Flags().StringVar(&identityFile, "identity", "", "PEM public identity key of the user")
	cmd.Flags().StringArrayVarP(&keys, "key", "k", nil, "key to serve, [uuid=]hex")
	return cmd
}

func registerIdentity(srv *mockserver.Server, user, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read identity: %w", err)
	}
	key, err := jwk.ParseKey(data, jwk.WithPEM(true))
	if err != nil {
		return fmt.Errorf("parse identity: %w", err)
	}
	var raw any
	if err := key.Raw(&raw); err != nil {
		return fmt.Errorf("parse identity: %w", err)
	}
	return srv.RegisterIdentity(user, raw)
}

func addKey(srv *mockserver.Server, spec, user string) (string, error) {
	id, secretHex, found := strings.Cut(spec, "=")
	if !found {
		secretHex, id = id, ""
	}
	secret, err := hex.DecodeString(secretHex)
	if err != nil {
		return "", fmt.Errorf("key secret: %w", err)
	}
	defer clear(secret)
	var allowed []string
	if user != "" {
		allowed = append(allowed, user)
	}
	if id == "" {
		return srv.AddKey(secret, allowed...), nil
	}
	return id, srv.PutKey(id, secret, allowed...)
}
