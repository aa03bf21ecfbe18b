package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"agencyflow/internal/role"
)

// Config models agencyflow.yml.
type Config struct {
	Roles      role.Labels      `yaml:"roles"`
	Activation ActivationConfig `yaml:"activation"`
	Vault      struct {
		KeyEnv string `yaml:"key_env"`
	} `yaml:"vault"`
	Notify    NotifyConfig    `yaml:"notify"`
	Blob      BlobConfig      `yaml:"blob"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Server    struct {
		Addr            string `yaml:"addr"`
		BasePath        string `yaml:"base_path"`
		AllowDevHeaders bool   `yaml:"allow_dev_headers"`
	} `yaml:"server"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Catalog []ProductSeed `yaml:"catalog"`
}

type ActivationConfig struct {
	ClientTTL       time.Duration `yaml:"client_ttl"`
	CollaboratorTTL time.Duration `yaml:"collaborator_ttl"`
}

type NotifyConfig struct {
	// Driver is "log" or "webhook".
	Driver   string          `yaml:"driver"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Templates      []string `yaml:"templates"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	MaxElapsed     string   `yaml:"max_elapsed"`
	Enabled        *bool    `yaml:"enabled"`
}

type BlobConfig struct {
	// Backend is "fs" or "s3".
	Backend       string `yaml:"backend"`
	Dir           string `yaml:"dir"`
	Bucket        string `yaml:"bucket"`
	Region        string `yaml:"region"`
	Endpoint      string `yaml:"endpoint"`
	Prefix        string `yaml:"prefix"`
	PublicBaseURL string `yaml:"public_base_url"`
}

type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Stdout      bool   `yaml:"stdout"`
	ServiceName string `yaml:"service_name"`
}

type ProductSeed struct {
	ID         string `yaml:"id"`
	Name       string `yaml:"name"`
	PriceCents int64  `yaml:"price_cents"`
	SLADays    int    `yaml:"sla_days"`
}

// TTLFor returns the activation token lifetime for a subject type.
func (c *Config) TTLFor(subjectType string) time.Duration {
	if subjectType == "client" {
		return c.Activation.ClientTTL
	}
	return c.Activation.CollaboratorTTL
}

// VaultKeyEnv names the environment variable holding the base64 vault key.
func (c *Config) VaultKeyEnv() string {
	if strings.TrimSpace(c.Vault.KeyEnv) == "" {
		return "AGENCYFLOW_VAULT_KEY"
	}
	return c.Vault.KeyEnv
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(c.Roles.Admin) == 0 {
		return fmt.Errorf("config.roles.admin must list at least one label")
	}
	seen := map[string]string{}
	for class, labels := range map[string][]string{
		"admin": c.Roles.Admin, "collaborator": c.Roles.Collaborator, "client": c.Roles.Client,
	} {
		for _, l := range labels {
			key := strings.ToLower(strings.TrimSpace(l))
			if key == "" {
				return fmt.Errorf("config.roles.%s contains an empty label", class)
			}
			if prev, ok := seen[key]; ok && prev != class {
				return fmt.Errorf("role label %q mapped to both %s and %s", l, prev, class)
			}
			seen[key] = class
		}
	}
	if c.Activation.ClientTTL <= 0 || c.Activation.CollaboratorTTL <= 0 {
		return fmt.Errorf("config.activation ttls must be positive")
	}
	switch c.Notify.Driver {
	case "", "log", "webhook":
	default:
		return fmt.Errorf("config.notify.driver must be log or webhook")
	}
	for i, hook := range c.Notify.Webhooks {
		u, err := url.Parse(hook.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("config.notify.webhooks[%d].url is invalid", i)
		}
		if hook.MaxElapsed != "" {
			if _, err := time.ParseDuration(hook.MaxElapsed); err != nil {
				return fmt.Errorf("config.notify.webhooks[%d].max_elapsed: %w", i, err)
			}
		}
	}
	switch c.Blob.Backend {
	case "", "fs":
	case "s3":
		if c.Blob.Bucket == "" {
			return fmt.Errorf("config.blob.bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("config.blob.backend must be fs or s3")
	}
	ids := map[string]bool{}
	for _, p := range c.Catalog {
		if p.ID == "" || p.Name == "" {
			return fmt.Errorf("catalog entries need id and name")
		}
		if ids[p.ID] {
			return fmt.Errorf("catalog entry %s listed twice", p.ID)
		}
		ids[p.ID] = true
		if p.PriceCents < 0 || p.SLADays < 0 {
			return fmt.Errorf("catalog entry %s has negative terms", p.ID)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "agencyflow.yml")
}

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with af config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOrDefault falls back to Default when the workspace has no config file.
func LoadOrDefault(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses YAML over the defaults and validates the result.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `roles:
  admin: [admin, owner]
  collaborator: [collaborator, designer, editor]
  client: [client]

activation:
  client_ttl: 72h
  collaborator_ttl: 72h

vault:
  key_env: AGENCYFLOW_VAULT_KEY

notify:
  driver: log

blob:
  backend: fs
  dir: .agencyflow/blobs

telemetry:
  enabled: false
  stdout: false
  service_name: agencyflow

server:
  addr: 127.0.0.1:8080
  base_path: /v0
  allow_dev_headers: false

log:
  level: info
  format: json

catalog: []
`
