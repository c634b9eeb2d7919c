package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"deskline/internal/domain"
)

// Config models deskline.yml. The SLA hour table is policy, not engine
// contract: operators tune it here and the engine reads it at evaluation
// time.
type Config struct {
	SLA struct {
		TicketHours  map[string]int `yaml:"ticket_hours"`
		SessionHours struct {
			VIP    int `yaml:"vip"`
			Normal int `yaml:"normal"`
		} `yaml:"session_hours"`
	} `yaml:"sla"`
	Queue struct {
		VIPTags []string `yaml:"vip_tags"`
	} `yaml:"queue"`
	Tickets struct {
		ArchiveAfterDays int `yaml:"archive_after_days"`
	} `yaml:"tickets"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty"`
	Kafka    struct {
		Brokers string `yaml:"brokers"`
		Topic   string `yaml:"topic"`
	} `yaml:"kafka"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Secret         string   `yaml:"secret,omitempty" json:"secret,omitempty"`
	Events         []string `yaml:"events,omitempty" json:"events,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
}

// TicketHours returns the deadline hours for a ticket priority.
func (c *Config) TicketHours(priority string) (int, bool) {
	h, ok := c.SLA.TicketHours[priority]
	return h, ok
}

// SessionHours returns the deadline hours for a queue priority hint.
func (c *Config) SessionHours(hint string) int {
	if hint == domain.QueueHintVIP {
		return c.SLA.SessionHours.VIP
	}
	return c.SLA.SessionHours.Normal
}

// IsVIP reports whether any customer tag marks the session as VIP.
func (c *Config) IsVIP(tags []string) bool {
	for _, t := range tags {
		for _, v := range c.Queue.VIPTags {
			if t == v {
				return true
			}
		}
	}
	return false
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(c.SLA.TicketHours) == 0 {
		return fmt.Errorf("config.sla.ticket_hours is required")
	}
	for _, p := range []string{domain.PriorityUrgent, domain.PriorityHigh, domain.PriorityMedium, domain.PriorityLow} {
		h, ok := c.SLA.TicketHours[p]
		if !ok {
			return fmt.Errorf("config.sla.ticket_hours missing priority %s", p)
		}
		if h <= 0 {
			return fmt.Errorf("config.sla.ticket_hours.%s must be positive", p)
		}
	}
	for p := range c.SLA.TicketHours {
		switch p {
		case domain.PriorityUrgent, domain.PriorityHigh, domain.PriorityMedium, domain.PriorityLow:
		default:
			return fmt.Errorf("config.sla.ticket_hours has unknown priority %s", p)
		}
	}
	if c.SLA.SessionHours.VIP <= 0 || c.SLA.SessionHours.Normal <= 0 {
		return fmt.Errorf("config.sla.session_hours must be positive")
	}
	if c.Tickets.ArchiveAfterDays < 0 {
		return fmt.Errorf("config.tickets.archive_after_days must not be negative")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "deskline.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found", Path(workspace))
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
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

// GenerateDefault returns the default config YAML for bootstrap.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `sla:
  ticket_hours:
    urgent: 2
    high: 8
    medium: 24
    low: 72

  session_hours:
    vip: 2
    normal: 8

queue:
  vip_tags: [vip]

tickets:
  archive_after_days: 30

kafka:
  brokers: ""
  topic: ""
`
