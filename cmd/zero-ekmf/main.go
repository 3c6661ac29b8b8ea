package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/awnumar/memguard"
	"github.com/gematik/zero-ekmf/pkg/ekmf"
	"github.com/gematik/zero-ekmf/pkg/prettylog"
	"github.com/spf13/cobra"
)

var (
	configFile string
	verbose    bool
	jsonLogs   bool
	logLevel   = new(slog.LevelVar)
)

var rootCmd = &cobra.Command{
	Use:           "zero-ekmf",
	Short:         "EKMFWeb key retrieval client",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose {
			logLevel.Set(slog.LevelDebug)
		}
		var handler slog.Handler
		if jsonLogs || os.Getenv("PRETTY_LOGS") == "false" {
			handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
		} else {
			handler = prettylog.NewHandler(logLevel)
		}
		slog.SetDefault(slog.New(handler))
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configFile, "config", "c", "ekmf.yaml", "config file")
	flags.BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	flags.BoolVar(&jsonLogs, "json", false, "log as JSON")

	rootCmd.AddCommand(
		newCheckTokenCmd(),
		newLoginCmd(),
		newGetPublicKeyCmd(),
		newGenerateIdentityKeyCmd(),
		newIdentityPublicKeyCmd(),
		newReencipherCmd(),
		newRetrieveKeyCmd(),
		newGenerateCSRCmd(),
		newGenerateSelfSignedCmd(),
		newPrintCertsCmd(),
		newGetServerCertChainCmd(),
		newMockServerCmd(),
	)
}

// openClient loads the config file and opens its backend.
func openClient() (*ekmf.Client, error) {
	cfg, err := ekmf.LoadConfigFile(configFile)
	if err != nil {
		return nil, err
	}
	b, err := cfg.OpenBackend()
	if err != nil {
		return nil, err
	}
	client, err := ekmf.New(cfg, b)
	if err != nil {
		return nil, err
	}
	slog.Debug("Client ready", "client", client, "backend", b.Type())
	return client, nil
}

func main() {
	memguard.CatchInterrupt()
	defer memguard.Purge()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		memguard.SafeExit(1)
	}
}
