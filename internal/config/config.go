package config

import (
	"bytes"
	"fmt"
	"math/big"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models farebox.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Ledger struct {
		RPCURL         string `yaml:"rpc_url"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"ledger"`
	Payment struct {
		Recipient string           `yaml:"recipient"`
		Network   string           `yaml:"network"`
		Prices    map[string]Price `yaml:"prices"`
	} `yaml:"payment"`
	Worker struct {
		Count                 int `yaml:"count"`
		PollIntervalSeconds   int `yaml:"poll_interval_seconds"`
		LeaseSeconds          int `yaml:"lease_seconds"`
		MaxRetries            int `yaml:"max_retries"`
		ReaperIntervalSeconds int `yaml:"reaper_interval_seconds"`
		AbandonLimit          int `yaml:"abandon_limit"`
	} `yaml:"worker"`
	Automation struct {
		BaseURL        string `yaml:"base_url"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"automation"`
	Onramp struct {
		APIKeyID     string `yaml:"api_key_id"`
		APIKeySecret string `yaml:"api_key_secret"`
		Host         string `yaml:"host"`
		Path         string `yaml:"path"`
	} `yaml:"onramp"`
}

// Price is the admission price for one protected task type.
type Price struct {
	Amount   string `yaml:"amount"`
	Currency string `yaml:"currency"`
}

// Free reports whether a task type has no admission price.
func (c *Config) Free(taskType string) bool {
	p, ok := c.Payment.Prices[taskType]
	return !ok || p.Amount == "" || p.Amount == "0"
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if c.Worker.Count < 1 {
		return fmt.Errorf("config.worker.count must be at least 1")
	}
	if c.Worker.LeaseSeconds < 1 {
		return fmt.Errorf("config.worker.lease_seconds must be at least 1")
	}
	if c.Worker.MaxRetries < 0 {
		return fmt.Errorf("config.worker.max_retries must not be negative")
	}
	if c.Worker.AbandonLimit < 1 {
		return fmt.Errorf("config.worker.abandon_limit must be at least 1")
	}
	if len(c.Payment.Prices) > 0 {
		if c.Payment.Recipient == "" {
			return fmt.Errorf("config.payment.recipient is required when prices are set")
		}
		if c.Payment.Network == "" {
			return fmt.Errorf("config.payment.network is required when prices are set")
		}
	}
	for taskType, p := range c.Payment.Prices {
		if taskType == "" {
			return fmt.Errorf("config.payment.prices contains empty task type")
		}
		if p.Amount != "" && p.Currency == "" {
			return fmt.Errorf("price for %s has amount but no currency", taskType)
		}
		if p.Amount != "" {
			amount, ok := new(big.Rat).SetString(p.Amount)
			if !ok || amount.Sign() <= 0 {
				return fmt.Errorf("price for %s must be a positive amount, got %q", taskType, p.Amount)
			}
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "farebox.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate with farebox config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /v0

ledger:
  rpc_url: https://mainnet.base.org
  timeout_seconds: 10

payment:
  recipient: "0xda29e77b4b8e2B9843580Cfd60Ec2a8FF46bFd2E"
  network: base
  prices:
    uber_ride:
      amount: "0.001"
      currency: ETH
    shopify_order:
      amount: "0.001"
      currency: ETH
    coinbase_onramp:
      amount: "0.0005"
      currency: ETH

worker:
  count: 5
  poll_interval_seconds: 5
  lease_seconds: 600
  max_retries: 3
  reaper_interval_seconds: 300
  abandon_limit: 5

automation:
  base_url: http://127.0.0.1:8000
  timeout_seconds: 900

onramp:
  host: api.cdp.coinbase.com
  path: /platform/v2/onramp/sessions
`
