package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestParseYAMLResolvesFlowPaths(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "config.yaml", `
server:
  address: 0.0.0.0
  port: 8080
  domain: duty.example.com
logging:
  level: info
  console: true
flows:
  ops: flows/ops.yaml
  abs: /etc/dutybot/abs.json
`)
	cfg, err := NewConfigManager(p).Parse()
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "flows", "ops.yaml"), cfg.Flows["ops"])
	assert.Equal(t, "/etc/dutybot/abs.json", cfg.Flows["abs"])
	assert.Equal(t, []string{"abs", "ops"}, cfg.FlowIDs())
	assert.Equal(t, "http://duty.example.com:8080", cfg.Server.PublicURL())
}

func TestParseMissingSections(t *testing.T) {
	dir := t.TempDir()

	p := writeFile(t, dir, "noserver.json", `{"flows": {}}`)
	_, err := NewConfigManager(p).Parse()
	require.ErrorIs(t, err, ErrMissingSection)
	assert.Contains(t, err.Error(), "server")

	p = writeFile(t, dir, "noflows.json", `{"server": {"port": 80}}`)
	_, err = NewConfigManager(p).Parse()
	require.ErrorIs(t, err, ErrMissingSection)
	assert.Contains(t, err.Error(), "flows")
}

func TestParseRejectsUnknownFields(t *testing.T) {
	p := writeFile(t, t.TempDir(), "config.json", `{"server": {"port": 80, "bogus": 1}, "flows": {}}`)
	_, err := NewConfigManager(p).Parse()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bogus")
}

func TestParseRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"port":     `{"server": {"port": 70000}, "flows": {}}`,
		"tls":      `{"server": {"port": 443, "tls": true}, "flows": {}}`,
		"timezone": `{"server": {"port": 80}, "scheduler": {"timezone": "Mars/Olympus"}, "flows": {}}`,
		"duration": `{"server": {"port": 80, "read_timeout": "soon"}, "flows": {}}`,
		"trailing": `{"server": {"port": 80}, "flows": {}} {}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			p := writeFile(t, t.TempDir(), "config.json", body)
			_, err := NewConfigManager(p).Parse()
			require.Error(t, err)
		})
	}
}

func TestPublicURLScheme(t *testing.T) {
	s := &ServerConfig{Address: "0.0.0.0", Port: 8443, TLS: true}
	assert.Equal(t, "https://localhost:8443", s.PublicURL())

	s = &ServerConfig{Address: "10.0.0.5", Port: 80}
	assert.Equal(t, "http://10.0.0.5:80", s.PublicURL())
}

func TestSubscribeReceivesReload(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "config.json", `{"server": {"port": 80}, "flows": {}}`)
	m := NewConfigManager(p)
	_, err := m.Load()
	require.NoError(t, err)

	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	// Same content: nothing published.
	m.reload()
	select {
	case <-ch:
		t.Fatal("unexpected publish for unchanged config")
	default:
	}

	writeFile(t, dir, "config.json", `{"server": {"port": 81}, "flows": {}}`)
	m.reload()
	got := <-ch
	assert.Equal(t, 81, got.Server.Port)
	assert.Equal(t, 81, m.Get().Server.Port)
}

func TestSummarizeConfigChange(t *testing.T) {
	oldCfg := &Config{Server: &ServerConfig{Port: 80}, Logging: LoggingConfig{Level: "info"}}
	newCfg := &Config{Server: &ServerConfig{Port: 80}, Logging: LoggingConfig{Level: "debug"}}

	changed, _ := SummarizeConfigChange(oldCfg, newCfg)
	assert.Equal(t, []string{"logging"}, changed)
	assert.False(t, RestartRequired(changed))

	newCfg.Server = &ServerConfig{Port: 81}
	changed, _ = SummarizeConfigChange(oldCfg, newCfg)
	assert.Equal(t, []string{"logging", "server"}, changed)
	assert.True(t, RestartRequired(changed))
	newCfg.Server = &ServerConfig{Port: 80}
	newCfg.Pprof = PprofConfig{Enabled: true}
	changed, _ = SummarizeConfigChange(oldCfg, newCfg)
	assert.Equal(t, []string{"logging", "pprof"}, changed)
	assert.False(t, RestartRequired(changed))
}

func TestDurationOr(t *testing.T) {
	d, err := DurationOr("x", "", 5)
	require.NoError(t, err)
	assert.EqualValues(t, 5, d)

	_, err = DurationOr("x", "-1s", 5)
	require.Error(t, err)
}
