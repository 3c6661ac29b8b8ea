package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func newCheckTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-token",
		Short: "Check whether the stored login token is still valid",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := openClient()
			if err != nil {
				return err
			}
			valid, err := client.CheckLoginToken()
			if err != nil {
				return err
			}
			if !valid {
				return errors.New("login token is missing or expired")
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Login token is valid")
			return nil
		},
	}
}

func newLoginCmd() *cobra.Command {
	var username, passwordFile string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in to EKMFWeb and store the login token",
		Long: `Log in to EKMFWeb and store the login token.

The password is taken from EKMF_PASSWORD, from --password-file or, if
neither is set, read as one line from standard input.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if username == "" {
				username = os.Getenv("EKMF_USER")
			}
			if username == "" {
				return errors.New("no user name given")
			}
			password, err := readPassword(cmd, passwordFile)
			if err != nil {
				return err
			}
			client, err := openClient()
			if err != nil {
				return err
			}
			return client.Login(cmd.Context(), username, password)
		},
	}
	cmd.Flags().StringVarP(&username, "user", "u", "", "user name (default $EKMF_USER)")
	cmd.Flags().StringVar(&passwordFile, "password-file", "", "file holding the password")
	return cmd
}

func readPassword(cmd *cobra.Command, file string) (string, error) {
	if p := os.Getenv("EKMF_PASSWORD"); p != "" {
		return p, nil
	}
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("read password file: %w", err)
		}
		return strings.TrimRight(string(data), "\r\n"), nil
	}
	fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}
