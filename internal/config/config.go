package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"briefmatch/internal/domain"
	"briefmatch/internal/matching"
)

// MaxWeight bounds a single raw factor weight.
const MaxWeight = 1000

// Config models briefmatch.yml.
type Config struct {
	Shortlist struct {
		MinScore         float64 `yaml:"min_score" json:"min_score"`
		MaxResults       int     `yaml:"max_results" json:"max_results"`
		CacheTTLHours    int     `yaml:"cache_ttl_hours" json:"cache_ttl_hours"`
		ScoreConcurrency int     `yaml:"score_concurrency" json:"score_concurrency"`
	} `yaml:"shortlist" json:"shortlist"`
	Invitations struct {
		SLAHours    int `yaml:"sla_hours" json:"sla_hours"`
		RolloverCap int `yaml:"rollover_cap" json:"rollover_cap"`
	} `yaml:"invitations" json:"invitations"`
	Matching struct {
		Vocabulary       matching.Vocabulary `yaml:"vocabulary" json:"vocabulary"`
		PreferredLocales []string            `yaml:"preferred_locales" json:"preferred_locales"`
	} `yaml:"matching" json:"matching"`
	Weights  map[string]float64 `yaml:"weights" json:"weights"`
	Synonyms struct {
		Tools      domain.SynonymMap `yaml:"tools" json:"tools"`
		Industries domain.SynonymMap `yaml:"industries" json:"industries"`
	} `yaml:"synonyms" json:"synonyms"`
	Notifications struct {
		Log      bool            `yaml:"log" json:"log"`
		Webhooks []WebhookConfig `yaml:"webhooks" json:"webhooks"`
		Redis    RedisConfig     `yaml:"redis" json:"redis"`
	} `yaml:"notifications" json:"notifications"`
	Webhooks []WebhookConfig `yaml:"event_webhooks" json:"event_webhooks"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Secret         string   `yaml:"secret" json:"-"`
	Events         []string `yaml:"events" json:"events,omitempty"`
	Enabled        *bool    `yaml:"enabled" json:"enabled,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds" json:"timeout_seconds,omitempty"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" json:"addr,omitempty"`
	Password string `yaml:"password" json:"-"`
	DB       int    `yaml:"db" json:"db,omitempty"`
	Channel  string `yaml:"channel" json:"channel,omitempty"`
}

// SLA returns the invitation response window.
func (c *Config) SLA() time.Duration {
	return time.Duration(c.Invitations.SLAHours) * time.Hour
}

// CacheTTL returns how long a computed shortlist may be served without rescoring.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Shortlist.CacheTTLHours) * time.Hour
}

// SeedWeights converts the configured weights into a WeightVector.
func (c *Config) SeedWeights() domain.WeightVector {
	out := domain.WeightVector{}
	for k, v := range c.Weights {
		out[domain.Factor(k)] = v
	}
	return out
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Shortlist.MinScore < 0 || c.Shortlist.MinScore > 1 {
		return fmt.Errorf("config.shortlist.min_score must be within [0,1]")
	}
	if c.Shortlist.MaxResults <= 0 {
		return fmt.Errorf("config.shortlist.max_results must be positive")
	}
	if c.Shortlist.CacheTTLHours < 0 {
		return fmt.Errorf("config.shortlist.cache_ttl_hours must not be negative")
	}
	if c.Invitations.SLAHours <= 0 {
		return fmt.Errorf("config.invitations.sla_hours must be positive")
	}
	if c.Invitations.RolloverCap <= 0 {
		return fmt.Errorf("config.invitations.rollover_cap must be positive")
	}
	if err := ValidateWeights(c.SeedWeights()); err != nil {
		return fmt.Errorf("config.weights: %w", err)
	}
	if err := ValidateSynonyms(c.Synonyms.Tools); err != nil {
		return fmt.Errorf("config.synonyms.tools: %w", err)
	}
	if err := ValidateSynonyms(c.Synonyms.Industries); err != nil {
		return fmt.Errorf("config.synonyms.industries: %w", err)
	}
	for _, term := range c.Matching.Vocabulary.All() {
		if strings.TrimSpace(term) == "" {
			return fmt.Errorf("config.matching.vocabulary contains an empty term")
		}
	}
	for i, hook := range append(append([]WebhookConfig{}, c.Notifications.Webhooks...), c.Webhooks...) {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
	}
	return nil
}

// ValidateWeights rejects unknown factors, negative or oversized weights and all-zero vectors.
func ValidateWeights(w domain.WeightVector) error {
	if len(w) == 0 {
		return fmt.Errorf("weights are required")
	}
	known := map[domain.Factor]bool{}
	for _, f := range domain.Factors {
		known[f] = true
	}
	var sum float64
	for f, v := range w {
		if !known[f] {
			return fmt.Errorf("unknown factor %q", f)
		}
		if v < 0 {
			return fmt.Errorf("weight for %s must not be negative", f)
		}
		if v > MaxWeight {
			return fmt.Errorf("weight for %s exceeds %d", f, MaxWeight)
		}
		sum += v
	}
	if sum == 0 {
		return fmt.Errorf("at least one weight must be positive")
	}
	return nil
}

// ValidateSynonyms rejects empty canonical terms and empty aliases.
func ValidateSynonyms(m domain.SynonymMap) error {
	for i, entry := range m {
		if strings.TrimSpace(entry.Canonical) == "" {
			return fmt.Errorf("entry %d has empty canonical term", i)
		}
		for _, alias := range entry.Aliases {
			if strings.TrimSpace(alias) == "" {
				return fmt.Errorf("entry %s has an empty alias", entry.Canonical)
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
	return filepath.Join(workspace, "briefmatch.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; write one with bm config default > %s", path, path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional falls back to Default when the workspace has no config file.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
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

// FromYAML parses config from raw YAML bytes over the defaults and validates it.
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

const defaultTemplate = `shortlist:
  min_score: 0.65
  max_results: 5
  cache_ttl_hours: 24
  score_concurrency: 8

invitations:
  sla_hours: 24
  rollover_cap: 2

matching:
  preferred_locales: [en-GB, en]
  vocabulary:
    skills:
      - frontend
      - backend
      - full stack
      - mobile
      - ui design
      - ux
      - branding
      - copywriting
      - seo
      - data analysis
      - devops
      - accessibility
      - automation
      - migration
    tools:
      - react
      - stripe
      - node
      - postgres
      - figma
      - shopify
      - aws
      - wordpress
      - python
      - hubspot
      - google analytics
      - webflow
      - kubernetes
    industries:
      - fintech
      - ecommerce
      - healthcare
      - saas
      - education
      - hospitality
      - logistics
      - charity
    broad:
      - web development
      - design
      - software
      - marketing
      - content

weights:
  skills: 35
  industry: 15
  outcomes: 20
  availability: 10
  price: 10
  locale: 5
  vetting: 5

synonyms:
  tools:
    - canonical: stripe
      aliases: [payment, payments, payment gateway, checkout]
    - canonical: react
      aliases: [reactjs, react.js]
    - canonical: node
      aliases: [nodejs, node.js]
    - canonical: postgres
      aliases: [postgresql, psql]
    - canonical: aws
      aliases: [amazon web services]
    - canonical: google analytics
      aliases: [ga4]
    - canonical: hubspot
      aliases: [crm]
  industries:
    - canonical: fintech
      aliases: [financial services, banking, payments industry]
    - canonical: ecommerce
      aliases: [e-commerce, online store, retail]
    - canonical: healthcare
      aliases: [health, medtech, nhs]
    - canonical: saas
      aliases: [software as a service, b2b software]
    - canonical: education
      aliases: [edtech, e-learning]

notifications:
  log: true
`
