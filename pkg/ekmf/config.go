package ekmf

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/gematik/zero-ekmf/pkg/backend"
	"github.com/gematik/zero-ekmf/pkg/backend/soft"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config describes how to reach an EKMFWeb server and where the local
// credentials are kept. It is read-only once loaded.
type Config struct {
	BaseDir             string        `yaml:"-"` // set to the directory of the config file when loading
	BaseURL             string        `yaml:"base_url" validate:"required,url"`
	IdentityKeyFile     string        `yaml:"identity_key_file" validate:"required"`
	ServerPublicKeyFile string        `yaml:"server_public_key_file" validate:"required"`
	LoginTokenFile      string        `yaml:"login_token_file" validate:"required"`
	MaxRedirects        int           `yaml:"max_redirects" validate:"gte=0"`
	Timeout             time.Duration `yaml:"timeout"`
	TLS                 TLSConfig     `yaml:"tls"`
	Backend             BackendConfig `yaml:"backend"`
}

type TLSConfig struct {
	// CAFile is a PEM file or a directory of PEM files with trust anchors.
	CAFile              string `yaml:"ca_file"`
	ClientCertFile      string `yaml:"client_cert_file" validate:"required_with=ClientKeyFile"`
	ClientKeyFile       string `yaml:"client_key_file" validate:"required_with=ClientCertFile"`
	ServerCertFile      string `yaml:"server_cert_file"`
	PinnedPublicKeyFile string `yaml:"pinned_public_key_file"`
	VerifyPeer          *bool  `yaml:"verify_peer"`
	VerifyHost          *bool  `yaml:"verify_host"`
}

type BackendConfig struct {
	Type             backend.Type `yaml:"type" validate:"omitempty,oneof=soft"`
	MasterKeyFile    string       `yaml:"master_key_file"`
	NewMasterKeyFile string       `yaml:"new_master_key_file"`
	OldMasterKeyFile string       `yaml:"old_master_key_file"`
}

func (t TLSConfig) verifyPeer() bool {
	return t.VerifyPeer == nil || *t.VerifyPeer
}

func (t TLSConfig) verifyHost() bool {
	return t.VerifyHost == nil || *t.VerifyHost
}

// LoadConfigFile reads a YAML config file. A .env file next to it is
// loaded first and ${VAR} references are expanded.
func LoadConfigFile(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	dir := filepath.Dir(path)
	envFile := filepath.Join(dir, ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	// expand environment variables $
	expanded := os.ExpandEnv(string(content))

	cfg := new(Config)
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("decode config file: %w", err)
	}
	cfg.BaseDir = dir

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = newValidator()

// newValidator reports field names the way they are spelled in YAML or
// JSON documents.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		for _, tag := range []string{"yaml", "json"} {
			if name, _, _ := strings.Cut(fld.Tag.Get(tag), ","); name != "" && name != "-" {
				return name
			}
		}
		return fld.Name
	})
	return v
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	return nil
}

// Path resolves a configured file name relative to the config directory.
func (c *Config) Path(name string) string {
	if name == "" || filepath.IsAbs(name) || c.BaseDir == "" {
		return name
	}
	return filepath.Join(c.BaseDir, name)
}

// OpenBackend creates the backend selected by the config.
func (c *Config) OpenBackend() (backend.Backend, error) {
	switch c.Backend.Type {
	case "", backend.TypeSoft:
		if c.Backend.MasterKeyFile == "" {
			return nil, fmt.Errorf("backend: master_key_file is required for the soft backend")
		}
		b, err := soft.New(
			soft.WithPassphraseFile(soft.SlotCurrent, c.Path(c.Backend.MasterKeyFile)),
			soft.WithPassphraseFile(soft.SlotNew, c.Path(c.Backend.NewMasterKeyFile)),
			soft.WithPassphraseFile(soft.SlotOld, c.Path(c.Backend.OldMasterKeyFile)),
		)
		if err != nil {
			return nil, fmt.Errorf("backend: %w", err)
		}
		return b, nil
	}
	return nil, fmt.Errorf("backend: unsupported type %q", c.Backend.Type)
}
