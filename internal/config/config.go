package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"inboxflow/internal/domain"
)

const FileName = "inboxflow.yml"

// Config models inboxflow.yml.
type Config struct {
	Vault struct {
		Intake          string `yaml:"intake"`
		NeedsAction     string `yaml:"needs_action"`
		PendingApproval string `yaml:"pending_approval"`
		Approved        string `yaml:"approved"`
		Rejected        string `yaml:"rejected"`
		Done            string `yaml:"done"`
		Plans           string `yaml:"plans"`
		Logs            string `yaml:"logs"`
		Inbox           string `yaml:"inbox"`
	} `yaml:"vault"`
	Poll struct {
		Interval Duration `yaml:"interval"`
	} `yaml:"poll"`
	Triggers []Trigger `yaml:"triggers"`
	Rules    struct {
		ReplyTerms   []string       `yaml:"reply_terms"`
		UrgencyTerms []string       `yaml:"urgency_terms"`
		Overrides    []RuleOverride `yaml:"overrides"`
	} `yaml:"rules"`
	Backends struct {
		Email struct {
			Provider string `yaml:"provider"`
		} `yaml:"email"`
		Messaging struct {
			Provider string `yaml:"provider"`
		} `yaml:"messaging"`
		Timeout        Duration `yaml:"timeout"`
		SendsPerMinute int      `yaml:"sends_per_minute"`
	} `yaml:"backends"`
	Intake struct {
		Inbox struct {
			Enabled bool `yaml:"enabled"`
		} `yaml:"inbox"`
		Gmail struct {
			Enabled     bool     `yaml:"enabled"`
			Query       string   `yaml:"query"`
			Interval    Duration `yaml:"interval"`
			Credentials string   `yaml:"credentials"`
			Token       string   `yaml:"token"`
		} `yaml:"gmail"`
	} `yaml:"intake"`
	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

// Trigger fires once per calendar day inside [At, At+Window).
type Trigger struct {
	Key    string   `yaml:"key"`
	At     string   `yaml:"at"`
	Window Duration `yaml:"window"`
}

type RuleOverride struct {
	Name             string `yaml:"name"`
	When             string `yaml:"when"`
	Category         string `yaml:"category,omitempty"`
	Priority         string `yaml:"priority,omitempty"`
	Action           string `yaml:"action,omitempty"`
	RequiresApproval *bool  `yaml:"requires_approval,omitempty"`
}

// Duration reads and writes Go duration strings such as "30s".
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	v, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// StateDirs maps each state to its configured directory name.
func (c *Config) StateDirs() map[domain.State]string {
	return map[domain.State]string{
		domain.StateIntake:          c.Vault.Intake,
		domain.StateNeedsAction:     c.Vault.NeedsAction,
		domain.StatePendingApproval: c.Vault.PendingApproval,
		domain.StateApproved:        c.Vault.Approved,
		domain.StateRejected:        c.Vault.Rejected,
		domain.StateDone:            c.Vault.Done,
	}
}

// ParseClock parses an HH:MM trigger time.
func ParseClock(v string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", strings.TrimSpace(v))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid time of day %q (want HH:MM)", v)
	}
	return t.Hour(), t.Minute(), nil
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with ibx config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	seen := map[string]string{}
	dirs := []struct{ name, value string }{
		{"intake", c.Vault.Intake},
		{"needs_action", c.Vault.NeedsAction},
		{"pending_approval", c.Vault.PendingApproval},
		{"approved", c.Vault.Approved},
		{"rejected", c.Vault.Rejected},
		{"done", c.Vault.Done},
		{"plans", c.Vault.Plans},
		{"logs", c.Vault.Logs},
		{"inbox", c.Vault.Inbox},
	}
	for _, d := range dirs {
		v := filepath.Clean(strings.TrimSpace(d.value))
		if strings.TrimSpace(d.value) == "" {
			return fmt.Errorf("config.vault.%s is required", d.name)
		}
		if other, ok := seen[v]; ok {
			return fmt.Errorf("config.vault.%s and config.vault.%s use the same directory %s", other, d.name, v)
		}
		seen[v] = d.name
	}
	if c.Poll.Interval <= 0 {
		return fmt.Errorf("config.poll.interval must be positive")
	}
	keys := map[string]bool{}
	for i, t := range c.Triggers {
		if strings.TrimSpace(t.Key) == "" {
			return fmt.Errorf("config.triggers[%d].key is required", i)
		}
		if keys[t.Key] {
			return fmt.Errorf("config.triggers has duplicate key %s", t.Key)
		}
		keys[t.Key] = true
		if _, _, err := ParseClock(t.At); err != nil {
			return fmt.Errorf("config.triggers[%d].at: %w", i, err)
		}
		if t.Window <= 0 {
			return fmt.Errorf("config.triggers[%d].window must be positive", i)
		}
	}
	for i, o := range c.Rules.Overrides {
		if strings.TrimSpace(o.When) == "" {
			return fmt.Errorf("config.rules.overrides[%d].when is required", i)
		}
	}
	switch c.Backends.Email.Provider {
	case "dry-run", "gmail", "none":
	default:
		return fmt.Errorf("config.backends.email.provider must be one of dry-run, gmail, none")
	}
	switch c.Backends.Messaging.Provider {
	case "dry-run", "none":
	default:
		return fmt.Errorf("config.backends.messaging.provider must be one of dry-run, none")
	}
	if c.Backends.Timeout <= 0 {
		return fmt.Errorf("config.backends.timeout must be positive")
	}
	if c.Backends.SendsPerMinute < 0 {
		return fmt.Errorf("config.backends.sends_per_minute must not be negative")
	}
	if c.Intake.Gmail.Enabled || c.Backends.Email.Provider == "gmail" {
		if c.Intake.Gmail.Credentials == "" || c.Intake.Gmail.Token == "" {
			return fmt.Errorf("config.intake.gmail.credentials and token are required when gmail is used")
		}
	}
	if c.Intake.Gmail.Enabled && c.Intake.Gmail.Interval <= 0 {
		return fmt.Errorf("config.intake.gmail.interval must be positive")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.log.level must be one of debug, info, warn, error")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing keys keep
// their default values.
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

// YAML renders the effective configuration.
func (c *Config) YAML() (string, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return "", err
	}
	if err := enc.Close(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const defaultTemplate = `vault:
  intake: Intake
  needs_action: Needs_Action
  pending_approval: Pending_Approval
  approved: Approved
  rejected: Rejected
  done: Done
  plans: Plans
  logs: Logs
  inbox: Inbox

poll:
  interval: 30s

triggers:
  - key: daily_briefing
    at: "08:00"
    window: 5m
  - key: end_of_day_summary
    at: "17:00"
    window: 5m

rules:
  reply_terms: [reply, respond, answer, question, urgent, asap]
  urgency_terms: [urgent, emergency, asap, important]
  # overrides are CEL expressions over record.kind, record.origin,
  # record.subject, record.priority, record.body and record.fields.
  overrides: []

backends:
  email:
    provider: dry-run
  messaging:
    provider: none
  timeout: 20s
  sends_per_minute: 10

intake:
  inbox:
    enabled: true
  gmail:
    enabled: false
    query: "is:unread is:important"
    interval: 120s
    credentials: credentials.json
    token: token.json

log:
  level: info
`
