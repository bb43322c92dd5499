package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 500, cfg.Checkpoint.MaxEntries)
	assert.Equal(t, 4, cfg.Dispatcher.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Dispatcher.BaseDelay)
	assert.Equal(t, 3, cfg.Remediation.MaxRetries)
	assert.Equal(t, 10, cfg.Orchestrator.MaxIterations)
	assert.Equal(t, 5, cfg.Orchestrator.MaxPlansPerIteration)
	assert.Equal(t, 5*time.Minute, cfg.Orchestrator.IterationTimeout)
	assert.Equal(t, 200, cfg.Sources["whatsapp"].ExcerptMax)
	assert.Equal(t, 280, cfg.Sources["gmail"].ExcerptMax)
	assert.Equal(t, "list_events", cfg.Sources["odoo"].QueryOperation)
	assert.Equal(t, []string{"gmail", "odoo", "whatsapp"}, cfg.SourceNames())
}

func TestGenerateDefaultRoundTrip(t *testing.T) {
	cfg, err := FromYAML([]byte(GenerateDefault()))
	require.NoError(t, err)
	assert.Equal(t, "medium", cfg.CategoryFloor("message"))
	assert.Equal(t, []string{"owner"}, cfg.ApproverRoles("critical"))
}

func TestValidateRejectsUnsupportedVersion(t *testing.T) {
	_, err := FromYAML([]byte(strings.Replace(GenerateDefault(), `version: "1.0"`, `version: "2.1"`, 1)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not supported")

	_, err = FromYAML([]byte(strings.Replace(GenerateDefault(), `version: "1.0"`, `version: "banana"`, 1)))
	require.Error(t, err)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]func(c *Config){
		"unknown category":  func(c *Config) { c.Capabilities[0].Category = "magic" },
		"bad floor":         func(c *Config) { c.Risk.CategoryFloors["message"] = "none" },
		"reply not capable": func(c *Config) { c.Sources["gmail"].Reply.Operation = "nope" },
		"iterations ceiling": func(c *Config) {
			c.Orchestrator.MaxIterations = MaxIterationsCeiling + 1
		},
		"channel":       func(c *Config) { c.Approvals.Channel = "carrier-pigeon" },
		"reserved name": func(c *Config) { c.Sources["remediation"] = Source{} },
		"rule risk":     func(c *Config) { c.Risk.Rules[0].Risk = "extreme" },
	}
	for name, mutate := range cases {
		cfg := Default()
		mutate(cfg)
		assert.Error(t, cfg.Validate(), name)
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	assert.NotNil(t, cfg)

	_, err = Load(dir)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "signoff.yml"), []byte(GenerateDefault()), 0o600))
	cfg, err = Load(dir)
	require.NoError(t, err)
	assert.Len(t, cfg.Capabilities, 6)
}
