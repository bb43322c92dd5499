package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"signoff/internal/domain"
	"signoff/internal/redact"
)

// SupportedVersions is the config schema range this build reads.
const SupportedVersions = "^1"

// Hard ceiling on orchestrator iterations regardless of configuration.
const MaxIterationsCeiling = 50

// Config models signoff.yml.
type Config struct {
	Version      string               `yaml:"version"`
	Sources      map[string]Source    `yaml:"sources"`
	Capabilities []Capability         `yaml:"capabilities"`
	Risk         Risk                 `yaml:"risk"`
	Redaction    Redaction            `yaml:"redaction"`
	Checkpoint   Checkpoint           `yaml:"checkpoint"`
	Intake       Intake               `yaml:"intake"`
	Dispatcher   Dispatcher           `yaml:"dispatcher"`
	Remediation  Remediation          `yaml:"remediation"`
	Orchestrator Orchestrator         `yaml:"orchestrator"`
	Approvals    Approvals            `yaml:"approvals"`
	Connectors   map[string]Connector `yaml:"connectors"`
}

// Source describes one external intake channel.
type Source struct {
	Server         string        `yaml:"server"`
	QueryOperation string        `yaml:"query_operation"`
	Channel        string        `yaml:"channel"`
	ExcerptMax     int           `yaml:"excerpt_max"`
	TimeSensitive  bool          `yaml:"time_sensitive"`
	Reply          *PlanTemplate `yaml:"reply"`
}

// PlanTemplate is the operation drafted for a record. String params may
// reference {sender}, {thread_id}, {excerpt}, {source} and {id}. Sender and
// excerpt are redacted; route replies by {thread_id}.
type PlanTemplate struct {
	Server    string         `yaml:"server"`
	Operation string         `yaml:"operation"`
	Risk      string         `yaml:"risk"`
	Objective string         `yaml:"objective"`
	Params    map[string]any `yaml:"params"`
}

// Capability registers an external operation plans may target.
type Capability struct {
	Server    string         `yaml:"server"`
	Operation string         `yaml:"operation"`
	Category  string         `yaml:"category"`
	RiskFloor string         `yaml:"risk_floor"`
	Schema    map[string]any `yaml:"params_schema"`
}

type Risk struct {
	CategoryFloors map[string]string `yaml:"category_floors"`
	Rules          []RiskRule        `yaml:"rules"`
}

// RiskRule upgrades a plan's risk when the CEL expression holds.
type RiskRule struct {
	Name string `yaml:"name"`
	When string `yaml:"when"`
	Risk string `yaml:"risk"`
}

type Redaction struct {
	Rules []redact.Rule `yaml:"rules"`
}

type Checkpoint struct {
	MaxEntries int `yaml:"max_entries"`
}

type Intake struct {
	MinFreeBytes   uint64   `yaml:"min_free_bytes"`
	UrgentKeywords []string `yaml:"urgent_keywords"`
	DefaultMax     int      `yaml:"default_max_items"`
}

type Dispatcher struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	CallTimeout time.Duration `yaml:"call_timeout"`
}

type Remediation struct {
	MaxRetries int           `yaml:"max_retries"`
	Notify     *PlanTemplate `yaml:"notify"`
}

type Orchestrator struct {
	MaxIterations        int           `yaml:"max_iterations"`
	MaxPlansPerIteration int           `yaml:"max_plans_per_iteration"`
	IterationTimeout     time.Duration `yaml:"iteration_timeout"`
}

type Approvals struct {
	Channel string              `yaml:"channel"`
	Roles   map[string][]string `yaml:"roles"`
}

// Connector points a server name at an HTTP collaborator.
type Connector struct {
	BaseURL       string        `yaml:"base_url"`
	TokenEnv      string        `yaml:"token_env"`
	RatePerSecond float64       `yaml:"rate_per_second"`
	Burst         int           `yaml:"burst"`
	Timeout       time.Duration `yaml:"timeout"`
}

var validCategories = map[string]bool{
	"read":        true,
	"internal":    true,
	"message":     true,
	"social":      true,
	"financial":   true,
	"destructive": true,
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with signoff init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
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

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Version) == "" {
		return fmt.Errorf("config.version is required")
	}
	v, err := semver.NewVersion(c.Version)
	if err != nil {
		return fmt.Errorf("config.version %q: %w", c.Version, err)
	}
	constraint, err := semver.NewConstraint(SupportedVersions)
	if err != nil {
		return err
	}
	if !constraint.Check(v) {
		return fmt.Errorf("config.version %s not supported (want %s)", c.Version, SupportedVersions)
	}
	seen := map[string]bool{}
	for i, cp := range c.Capabilities {
		if cp.Server == "" || cp.Operation == "" {
			return fmt.Errorf("capabilities[%d]: server and operation are required", i)
		}
		key := cp.Server + "." + cp.Operation
		if seen[key] {
			return fmt.Errorf("capability %s declared twice", key)
		}
		seen[key] = true
		if !validCategories[cp.Category] {
			return fmt.Errorf("capability %s has unknown category %q", key, cp.Category)
		}
		if cp.RiskFloor != "" {
			if _, err := domain.ParseRisk(cp.RiskFloor); err != nil {
				return fmt.Errorf("capability %s: %w", key, err)
			}
		}
	}
	for cat, level := range c.Risk.CategoryFloors {
		if !validCategories[cat] {
			return fmt.Errorf("risk.category_floors has unknown category %q", cat)
		}
		if _, err := domain.ParseRisk(level); err != nil {
			return fmt.Errorf("risk.category_floors.%s: %w", cat, err)
		}
	}
	for i, r := range c.Risk.Rules {
		if strings.TrimSpace(r.When) == "" {
			return fmt.Errorf("risk.rules[%d] (%s): when is required", i, r.Name)
		}
		if _, err := domain.ParseRisk(r.Risk); err != nil {
			return fmt.Errorf("risk.rules[%d] (%s): %w", i, r.Name, err)
		}
	}
	if _, err := redact.New(c.Redaction.Rules); err != nil {
		return err
	}
	for name, src := range c.Sources {
		if name == "" || name == domain.RemediationSource {
			return fmt.Errorf("source name %q is reserved", name)
		}
		if src.ExcerptMax < 0 {
			return fmt.Errorf("sources.%s.excerpt_max must be positive", name)
		}
		if src.Reply != nil {
			if err := c.checkTemplate("sources."+name+".reply", *src.Reply, seen); err != nil {
				return err
			}
		}
	}
	if c.Remediation.Notify != nil {
		if err := c.checkTemplate("remediation.notify", *c.Remediation.Notify, seen); err != nil {
			return err
		}
	}
	if c.Checkpoint.MaxEntries < 0 {
		return fmt.Errorf("checkpoint.max_entries must be positive")
	}
	if c.Dispatcher.MaxAttempts < 0 || c.Dispatcher.MaxAttempts > 10 {
		return fmt.Errorf("dispatcher.max_attempts must be between 1 and 10")
	}
	if c.Remediation.MaxRetries < 0 {
		return fmt.Errorf("remediation.max_retries must be positive")
	}
	if c.Orchestrator.MaxIterations < 0 || c.Orchestrator.MaxIterations > MaxIterationsCeiling {
		return fmt.Errorf("orchestrator.max_iterations must be between 1 and %d", MaxIterationsCeiling)
	}
	if c.Orchestrator.MaxPlansPerIteration < 0 {
		return fmt.Errorf("orchestrator.max_plans_per_iteration must be positive")
	}
	switch c.Approvals.Channel {
	case "", "directory", "sql":
	default:
		return fmt.Errorf("approvals.channel must be directory or sql")
	}
	for level, roles := range c.Approvals.Roles {
		if _, err := domain.ParseRisk(level); err != nil {
			return fmt.Errorf("approvals.roles: %w", err)
		}
		if len(roles) == 0 {
			return fmt.Errorf("approvals.roles.%s must list at least one role", level)
		}
	}
	for name, conn := range c.Connectors {
		if conn.BaseURL == "" {
			return fmt.Errorf("connectors.%s.base_url is required", name)
		}
	}
	return nil
}

func (c *Config) checkTemplate(field string, t PlanTemplate, caps map[string]bool) error {
	if t.Server == "" || t.Operation == "" {
		return fmt.Errorf("%s: server and operation are required", field)
	}
	if !caps[t.Server+"."+t.Operation] {
		return fmt.Errorf("%s: operation %s.%s is not a declared capability", field, t.Server, t.Operation)
	}
	if t.Risk != "" {
		if _, err := domain.ParseRisk(t.Risk); err != nil {
			return fmt.Errorf("%s: %w", field, err)
		}
	}
	return nil
}

// ApplyDefaults fills zero values with built-in defaults.
func (c *Config) ApplyDefaults() {
	if c.Checkpoint.MaxEntries == 0 {
		c.Checkpoint.MaxEntries = 500
	}
	if c.Intake.MinFreeBytes == 0 {
		c.Intake.MinFreeBytes = 10 << 20
	}
	if c.Intake.DefaultMax == 0 {
		c.Intake.DefaultMax = 50
	}
	if c.Dispatcher.MaxAttempts == 0 {
		c.Dispatcher.MaxAttempts = 4
	}
	if c.Dispatcher.BaseDelay == 0 {
		c.Dispatcher.BaseDelay = 2 * time.Second
	}
	if c.Dispatcher.MaxDelay == 0 {
		c.Dispatcher.MaxDelay = 16 * time.Second
	}
	if c.Dispatcher.CallTimeout == 0 {
		c.Dispatcher.CallTimeout = 30 * time.Second
	}
	if c.Remediation.MaxRetries == 0 {
		c.Remediation.MaxRetries = 3
	}
	if c.Orchestrator.MaxIterations == 0 {
		c.Orchestrator.MaxIterations = 10
	}
	if c.Orchestrator.MaxPlansPerIteration == 0 {
		c.Orchestrator.MaxPlansPerIteration = 5
	}
	if c.Orchestrator.IterationTimeout == 0 {
		c.Orchestrator.IterationTimeout = 5 * time.Minute
	}
	if c.Approvals.Channel == "" {
		c.Approvals.Channel = "directory"
	}
	for name, src := range c.Sources {
		if src.Server == "" {
			src.Server = name
		}
		if src.QueryOperation == "" {
			src.QueryOperation = "list_events"
		}
		if src.Channel == "" {
			src.Channel = name
		}
		if src.ExcerptMax == 0 {
			src.ExcerptMax = 280
		}
		c.Sources[name] = src
	}
}

// SourceNames returns configured sources in stable order.
func (c *Config) SourceNames() []string {
	names := make([]string, 0, len(c.Sources))
	for n := range c.Sources {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// CategoryFloor returns the minimum risk for a capability category.
func (c *Config) CategoryFloor(category string) string {
	if l, ok := c.Risk.CategoryFloors[category]; ok {
		return l
	}
	return defaultFloors[category]
}

var defaultFloors = map[string]string{
	"read":        domain.RiskLow,
	"internal":    domain.RiskLow,
	"message":     domain.RiskMedium,
	"social":      domain.RiskHigh,
	"financial":   domain.RiskHigh,
	"destructive": domain.RiskCritical,
}

// ApproverRoles lists roles allowed to decide plans of the given risk.
func (c *Config) ApproverRoles(level string) []string {
	if roles, ok := c.Approvals.Roles[level]; ok {
		return roles
	}
	if level == domain.RiskCritical {
		return []string{"owner"}
	}
	return []string{"approver", "owner"}
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "signoff.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	if err := yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	cfg.ApplyDefaults()
	return &cfg
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
	cfg.ApplyDefaults()
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `version: "1.0"

sources:
  whatsapp:
    server: whatsapp
    excerpt_max: 200
    time_sensitive: true
    reply:
      server: whatsapp
      operation: send_message
      objective: "Reply to WhatsApp message {id}"
      params:
        chat_id: "{thread_id}"
        text: "Thanks for your message. We will get back to you shortly."
  gmail:
    server: gmail
    excerpt_max: 280
    reply:
      server: gmail
      operation: send_email
      objective: "Reply to email {id}"
      params:
        thread_id: "{thread_id}"
        body: "Thanks for reaching out. We will follow up shortly."
  odoo:
    server: odoo
    excerpt_max: 280

capabilities:
  - server: whatsapp
    operation: send_message
    category: message
    params_schema:
      type: object
      required: [chat_id, text]
      properties:
        chat_id: {type: string, minLength: 1}
        text: {type: string, minLength: 1, maxLength: 4096}
  - server: gmail
    operation: send_email
    category: message
    params_schema:
      type: object
      required: [body]
      anyOf:
        - required: [to]
        - required: [thread_id]
      properties:
        to: {type: string, minLength: 1}
        thread_id: {type: string, minLength: 1}
        subject: {type: string}
        body: {type: string, minLength: 1}
  - server: linkedin
    operation: create_post
    category: social
    params_schema:
      type: object
      required: [text]
      properties:
        text: {type: string, minLength: 1, maxLength: 3000}
  - server: odoo
    operation: create_invoice
    category: financial
    params_schema:
      type: object
      required: [partner, amount]
      properties:
        partner: {type: string, minLength: 1}
        amount: {type: number, exclusiveMinimum: 0}
        currency: {type: string}
  - server: odoo
    operation: post_invoice
    category: financial
    params_schema:
      type: object
      required: [invoice_id]
      properties:
        invoice_id: {type: string, minLength: 1}
  - server: operator
    operation: notify
    category: internal
    params_schema:
      type: object
      required: [message]
      properties:
        message: {type: string, minLength: 1}

risk:
  category_floors:
    read: low
    internal: low
    message: medium
    social: high
    financial: high
    destructive: critical
  rules:
    - name: large-amount
      when: 'has(params.amount) && double(params.amount) >= 1000.0'
      risk: critical

checkpoint:
  max_entries: 500

intake:
  min_free_bytes: 10485760
  urgent_keywords: [urgent, asap, invoice, payment, overdue]

dispatcher:
  max_attempts: 4
  base_delay: 2s
  max_delay: 16s
  call_timeout: 30s

remediation:
  max_retries: 3
  notify:
    server: operator
    operation: notify
    objective: "Resolve failure: {excerpt}"
    params:
      message: "{excerpt}"

orchestrator:
  max_iterations: 10
  max_plans_per_iteration: 5
  iteration_timeout: 5m

approvals:
  channel: directory
  roles:
    low: [approver, owner]
    medium: [approver, owner]
    high: [approver, owner]
    critical: [owner]
`
