package config

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Server.Endpoint = "wss://tables.example.com/ws"
	cfg.Server.UserID = "player-7"
	cfg.Server.Token = "secret"
	return cfg
}

func fieldsOf(errs []ValidationError) []string {
	var out []string
	for _, e := range errs {
		out = append(out, e.Field)
	}
	return out
}

func TestLoad_CreatesDefaultFile(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, DefaultConfigFile), cfg.Path())
	assert.True(t, cfg.IsFirstRun())

	info, err := os.Stat(cfg.Path())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestLoad_OverlaysFileOnDefaults(t *testing.T) {
	dir := t.TempDir()
	partial := `{"server":{"endpoint":"wss://x.test/ws","user_id":"u1"},"session":{"max_attempts":4}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, DefaultConfigFile), []byte(partial), 0600))

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, "wss://x.test/ws", cfg.GetServer().Endpoint)
	assert.Equal(t, 4, cfg.GetSession().MaxAttempts)
	assert.Equal(t, 1.5, cfg.GetSession().BackoffFactor, "missing fields keep defaults")
	assert.Equal(t, StorageSQLite, cfg.GetStorage().Backend)
	assert.False(t, cfg.IsFirstRun())

	// The file is rewritten with the full field set.
	data, err := os.ReadFile(cfg.Path())
	require.NoError(t, err)
	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Contains(t, raw, "mqtt")
	assert.Contains(t, raw, "health")
	assert.Contains(t, raw, "logging")
}

func TestLoad_RejectsMalformedFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, DefaultConfigFile), []byte("{nope"), 0600))

	_, err := Load(dir)
	assert.Error(t, err)
}

func TestSessionOptions_ConvertsMilliseconds(t *testing.T) {
	cfg := validConfig()
	opts := cfg.SessionOptions("tablelink/test")

	assert.Equal(t, "wss://tables.example.com/ws", opts.Endpoint)
	assert.Equal(t, "secret", opts.Token)
	assert.Equal(t, "tablelink/test", opts.UserAgent)
	assert.Equal(t, 10*time.Second, opts.DialTimeout)
	assert.Equal(t, 2*time.Second, opts.ErrorGrace)

	assert.Equal(t, time.Second, opts.Policy.BaseDelay)
	assert.Equal(t, 10*time.Second, opts.Policy.MaxDelay)
	assert.Equal(t, 15, opts.Policy.MaxAttempts)
	assert.Equal(t, 30*time.Second, opts.Policy.SessionTimeout)
	assert.Equal(t, 15*time.Second, opts.Heartbeat.Interval)
	assert.Equal(t, 30*time.Second, opts.Heartbeat.Timeout())
}

func TestGetAPI_ReturnsCopy(t *testing.T) {
	cfg := validConfig()
	cfg.API.AllowedOrigins = []string{"http://localhost:3000"}

	api := cfg.GetAPI()
	api.AllowedOrigins[0] = "mutated"
	assert.Equal(t, "http://localhost:3000", cfg.GetAPI().AllowedOrigins[0])
}

func TestValidate_Defaults(t *testing.T) {
	result := Validate(validConfig())
	assert.True(t, result.IsValid(), "%v", result.Errors)
}

func TestValidate_Endpoint(t *testing.T) {
	cases := []struct {
		endpoint string
		valid    bool
		warn     bool
	}{
		{"wss://tables.example.com/ws", true, false},
		{"ws://127.0.0.1:9000/ws", true, false},
		{"ws://tables.example.com/ws", true, true},
		{"https://tables.example.com", false, false},
		{"", false, false},
	}
	for _, tc := range cases {
		t.Run(tc.endpoint, func(t *testing.T) {
			cfg := validConfig()
			cfg.Server.Endpoint = tc.endpoint
			result := Validate(cfg)
			assert.Equal(t, tc.valid, result.IsValid(), "%v", result.Errors)
			if tc.warn {
				assert.Contains(t, fieldsOf(result.Warnings), "server.endpoint")
			}
		})
	}
}

func TestValidate_AutoConnectNeedsUser(t *testing.T) {
	cfg := validConfig()
	cfg.Server.UserID = ""
	assert.Contains(t, fieldsOf(Validate(cfg).Errors), "server.user_id")

	cfg.Server.AutoConnect = false
	assert.NotContains(t, fieldsOf(Validate(cfg).Errors), "server.user_id")
}

func TestValidate_Policy(t *testing.T) {
	cfg := validConfig()
	cfg.Session.BackoffFactor = 0.5
	cfg.Session.HeartbeatTimeoutMultiple = 0

	fields := fieldsOf(Validate(cfg).Errors)
	assert.Contains(t, fields, "session")
	assert.Contains(t, fields, "session.heartbeat_timeout_multiple")
}

func TestValidate_UnreachableAttemptsWarn(t *testing.T) {
	cfg := validConfig()
	result := Validate(cfg)
	assert.True(t, result.IsValid())
	assert.Contains(t, fieldsOf(result.Warnings), "session.max_attempts")

	cfg.Session.SessionTimeoutMs = 10 * 60 * 1000
	assert.NotContains(t, fieldsOf(Validate(cfg).Warnings), "session.max_attempts")
}

func TestValidate_StorageAndAPI(t *testing.T) {
	cfg := validConfig()
	cfg.Storage.Backend = "redis"
	cfg.API.Port = 70000
	cfg.API.IPWhitelist = []string{"10.0.0.0/8", "not-an-ip"}

	fields := fieldsOf(Validate(cfg).Errors)
	assert.Contains(t, fields, "storage.backend")
	assert.Contains(t, fields, "api.port")
	assert.Contains(t, fields, "api.ip_whitelist")

	cfg = validConfig()
	cfg.API.TLSEnabled = true
	cfg.API.TLSKeyFile = ""
	assert.Contains(t, fieldsOf(Validate(cfg).Errors), "api.tls_cert_file")

	cfg = validConfig()
	cfg.API.Host = "0.0.0.0"
	result := Validate(cfg)
	assert.True(t, result.IsValid())
	assert.Contains(t, fieldsOf(result.Warnings), "api.host")
}

func TestValidate_MQTT(t *testing.T) {
	cfg := validConfig()
	cfg.MQTT.Enabled = true
	cfg.MQTT.TopicPrefix = ""

	fields := fieldsOf(Validate(cfg).Errors)
	assert.Contains(t, fields, "mqtt.broker_url")
	assert.Contains(t, fields, "mqtt.topic_prefix")
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		EnvEndpoint:   "wss://env.test/ws",
		EnvUserID:     "env-user",
		EnvAPIPort:    "9100",
		EnvMQTTBroker: "broker.test",
		EnvLogLevel:   "  ",
	}
	cfg := DefaultConfig()
	applied := cfg.applyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})

	assert.ElementsMatch(t, []string{EnvEndpoint, EnvUserID, EnvAPIPort, EnvMQTTBroker}, applied)
	assert.Equal(t, "wss://env.test/ws", cfg.Server.Endpoint)
	assert.Equal(t, "env-user", cfg.Server.UserID)
	assert.Equal(t, 9100, cfg.API.Port)
	assert.True(t, cfg.MQTT.Enabled)
	assert.Equal(t, "info", cfg.Logging.Level, "blank values are ignored")
}

func TestApplyEnv_BadPortIgnored(t *testing.T) {
	cfg := DefaultConfig()
	applied := cfg.applyEnv(func(k string) (string, bool) {
		if k == EnvAPIPort {
			return "eighty", true
		}
		return "", false
	})
	assert.Empty(t, applied)
	assert.Equal(t, DefaultAPIPort, cfg.API.Port)
}

func TestRunWizard_SavesAnswers(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	require.NoError(t, err)

	answers := strings.Join([]string{
		"wss://tables.example.com/ws", // endpoint
		"player-9",                    // user
		"tok",                         // token
		"",                            // auto connect (default yes)
		"file",                        // backend
		filepath.Join(dir, "s.json"),  // path
		"n",                           // api
		"",                            // mqtt (default no)
	}, "\n") + "\n"

	var out bytes.Buffer
	require.NoError(t, runWizard(cfg, strings.NewReader(answers), &out))

	reloaded, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "player-9", reloaded.GetServer().UserID)
	assert.Equal(t, "tok", reloaded.GetServer().Token)
	assert.Equal(t, StorageFile, reloaded.GetStorage().Backend)
	assert.False(t, reloaded.GetAPI().Enabled)
	assert.Contains(t, out.String(), "Configuration saved")
}

func TestRunWizard_InvalidAnswersAbort(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	// Empty input keeps the blank endpoint, then declines the retry.
	err = runWizard(cfg, strings.NewReader(""), &bytes.Buffer{})
	assert.Error(t, err)
}
