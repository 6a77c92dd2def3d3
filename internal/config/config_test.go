package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentsh/broker/internal/ntapi"
	"github.com/agentsh/broker/internal/policy"
)

func TestLoadParsesAllSections(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "broker.yml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
broker:
  token_level: interactive
  job_level: limited_user
  integrity: medium
  policy_buffer_size: 64KiB
  user_sid: S-1-5-21-42
transport:
  address: "`+filepath.Join(dir, "broker.sock")+`"
rules:
  - subsystem: files
    semantics: allow_readonly
    pattern: 'C:\data\*'
  - subsystem: registry
    semantics: allow_any
    pattern: 'HKCU\Software\Test'
logging:
  level: debug
  format: json
audit:
  enabled: true
  jsonl:
    path: "`+filepath.Join(dir, "events.jsonl")+`"
    max_size: 1MB
  sqlite_path: "`+filepath.Join(dir, "events.db")+`"
metrics:
  enabled: true
  addr: 127.0.0.1:9999
`), 0o600))

	t.Setenv("AGENTSH_BROKER_LOG_LEVEL", "")
	cfg, err := Load(cfgPath)
	require.NoError(t, err)

	lim, err := cfg.Limits()
	require.NoError(t, err)
	assert.Equal(t, Limits{Token: ntapi.UserInteractive, Job: ntapi.JobLimitedUser, Integrity: ntapi.IntegrityMedium}, lim)

	size, err := cfg.BufferSize()
	require.NoError(t, err)
	assert.Equal(t, 64*1024, size)
	assert.Equal(t, "S-1-5-21-42", cfg.Broker.UserSID)

	rules, err := cfg.CompiledRules()
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, Rule{Subsystem: policy.SubsysFiles, Semantics: policy.FilesAllowReadonly, Pattern: `C:\data\*`}, rules[0])
	assert.Equal(t, policy.RegAllowAny, rules[1].Semantics)

	assert.Equal(t, "json", cfg.Logging.Format)
	assert.True(t, cfg.Audit.Enabled)
	assert.Equal(t, 1, cfg.JSONLMaxSizeMB())
	assert.Equal(t, 3, cfg.Audit.JSONL.MaxBackups)
	assert.Equal(t, "127.0.0.1:9999", cfg.Metrics.Addr)
}

func TestDefaults(t *testing.T) {
	cfg, err := LoadFromBytes(nil)
	require.NoError(t, err)
	assert.Equal(t, "lockdown", cfg.Broker.TokenLevel)
	assert.Equal(t, "lockdown", cfg.Broker.JobLevel)
	assert.Equal(t, "low", cfg.Broker.Integrity)
	size, err := cfg.BufferSize()
	require.NoError(t, err)
	assert.Equal(t, policy.DefaultBufferSize, size)
	assert.Equal(t, DefaultAddress(), cfg.Transport.Address)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "stderr", cfg.Logging.Output)
	assert.Equal(t, 64, cfg.JSONLMaxSizeMB())
	assert.Equal(t, Default(), cfg)
}

func TestEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "broker.yml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("logging:\n  level: info\n"), 0o600))

	t.Setenv("AGENTSH_BROKER_LOG_LEVEL", "debug")
	t.Setenv("AGENTSH_BROKER_ADDR", "/tmp/x.sock")
	t.Setenv("AGENTSH_BROKER_USER_SID", "S-1-5-21-7")
	t.Setenv("AGENTSH_BROKER_DATA_DIR", dir)

	cfg, err := Load(cfgPath)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "/tmp/x.sock", cfg.Transport.Address)
	assert.Equal(t, "S-1-5-21-7", cfg.Broker.UserSID)
	assert.Equal(t, filepath.Join(dir, "events.jsonl"), cfg.Audit.JSONL.Path)
	assert.Equal(t, filepath.Join(dir, "events.db"), cfg.Audit.SQLitePath)
}

func TestValidation(t *testing.T) {
	cases := map[string]string{
		"token level":    "broker:\n  token_level: root\n",
		"job level":      "broker:\n  job_level: wide_open\n",
		"integrity":      "broker:\n  integrity: godlike\n",
		"buffer size":    "broker:\n  policy_buffer_size: 12\n",
		"buffer syntax":  "broker:\n  policy_buffer_size: lots\n",
		"subsystem":      "rules:\n  - {subsystem: network, semantics: allow_any, pattern: x}\n",
		"semantics":      "rules:\n  - {subsystem: files, semantics: min_exec, pattern: x}\n",
		"empty pattern":  "rules:\n  - {subsystem: files, semantics: allow_any, pattern: ' '}\n",
		"log level":      "logging:\n  level: chatty\n",
		"log format":     "logging:\n  format: xml\n",
		"audit sink":     "audit:\n  enabled: true\n",
		"audit max size": "audit:\n  jsonl:\n    max_size: big\n",
		"yaml":           "broker: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadFromBytes([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadEmptyPathUsesDefaults(t *testing.T) {
	t.Setenv("AGENTSH_BROKER_LOG_LEVEL", "warn")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "lockdown", cfg.Broker.TokenLevel)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yml"))
	assert.Error(t, err)
}

func TestParseByteSize(t *testing.T) {
	cases := []struct {
		in   string
		want int64
		ok   bool
	}{
		{"4096", 4096, true},
		{"56KiB", 56 * 1024, true},
		{"1_000", 1000, true},
		{"2 MB", 2_000_000, true},
		{"1GiB", 1 << 30, true},
		{"10b", 10, true},
		{"", 0, false},
		{"KiB", 0, false},
		{"-1", 0, false},
		{"9223372036854775807GiB", 0, false},
	}
	for _, c := range cases {
		got, err := ParseByteSize(c.in)
		if !c.ok {
			assert.Error(t, err, c.in)
			continue
		}
		require.NoError(t, err, c.in)
		assert.Equal(t, c.want, got, c.in)
	}
}
