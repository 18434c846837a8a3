package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// Environment overrides, usually supplied through a .env file.
const (
	EnvEndpoint   = "TABLELINK_ENDPOINT"
	EnvUserID     = "TABLELINK_USER_ID"
	EnvToken      = "TABLELINK_TOKEN"
	EnvAPIToken   = "TABLELINK_API_TOKEN"
	EnvAPIPort    = "TABLELINK_API_PORT"
	EnvStorage    = "TABLELINK_STORAGE"
	EnvStorePath  = "TABLELINK_STORAGE_PATH"
	EnvLogLevel   = "TABLELINK_LOG_LEVEL"
	EnvMQTTBroker = "TABLELINK_MQTT_BROKER"
)

// ApplyEnv overlays environment variables onto the configuration. Values
// applied this way are not written back by Save unless the caller saves.
// It returns the names of the variables that took effect.
func (c *Config) ApplyEnv() []string {
	return c.applyEnv(os.LookupEnv)
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var applied []string
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
			applied = append(applied, name)
		}
	}

	str(EnvEndpoint, &c.Server.Endpoint)
	str(EnvUserID, &c.Server.UserID)
	str(EnvToken, &c.Server.Token)
	str(EnvAPIToken, &c.API.AuthToken)
	str(EnvStorage, &c.Storage.Backend)
	str(EnvStorePath, &c.Storage.Path)
	str(EnvLogLevel, &c.Logging.Level)

	if v, ok := lookup(EnvAPIPort); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			log.Warn().Str("var", EnvAPIPort).Str("value", v).Msg("ignoring non-numeric port")
		} else {
			c.API.Port = port
			applied = append(applied, EnvAPIPort)
		}
	}

	if v, ok := lookup(EnvMQTTBroker); ok && v != "" {
		c.MQTT.BrokerURL = v
		c.MQTT.Enabled = true
		applied = append(applied, EnvMQTTBroker)
	}

	return applied
}
