package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// RunSetupWizard guides the user through first-time configuration on the
// terminal.
func RunSetupWizard(cfg *Config) error {
	return runWizard(cfg, os.Stdin, os.Stdout)
}

func runWizard(cfg *Config, in io.Reader, out io.Writer) error {
	p := &prompter{reader: bufio.NewReader(in), out: out}

	fmt.Fprintln(out, "╔══════════════════════════════════════════════╗")
	fmt.Fprintln(out, "║         tablelink - First Run Setup          ║")
	fmt.Fprintln(out, "╚══════════════════════════════════════════════╝")
	fmt.Fprintln(out)

	for {
		cfg.mu.Lock()

		fmt.Fprintln(out, "── Game Server ──")
		cfg.Server.Endpoint = p.str("WebSocket endpoint (wss://...)", cfg.Server.Endpoint)
		cfg.Server.UserID = p.str("User ID", cfg.Server.UserID)
		if token := p.secret("Session token (blank keeps current)"); token != "" {
			cfg.Server.Token = token
		}
		cfg.Server.AutoConnect = p.boolean("Connect on startup", cfg.Server.AutoConnect)

		fmt.Fprintln(out)
		fmt.Fprintln(out, "── Session Storage ──")
		cfg.Storage.Backend = p.str("Backend (sqlite, file, memory)", cfg.Storage.Backend)
		if cfg.Storage.Backend != StorageMemory {
			cfg.Storage.Path = p.str("Storage path", cfg.Storage.Path)
		}

		fmt.Fprintln(out)
		fmt.Fprintln(out, "── Local API ──")
		cfg.API.Enabled = p.boolean("Enable local control API", cfg.API.Enabled)
		if cfg.API.Enabled {
			cfg.API.Port = p.integer("API port", cfg.API.Port)
		}

		fmt.Fprintln(out)
		fmt.Fprintln(out, "── MQTT Telemetry ──")
		cfg.MQTT.Enabled = p.boolean("Enable MQTT telemetry", cfg.MQTT.Enabled)
		if cfg.MQTT.Enabled {
			cfg.MQTT.BrokerURL = p.str("Broker host", cfg.MQTT.BrokerURL)
			cfg.MQTT.Port = p.integer("Broker port", cfg.MQTT.Port)
		}

		cfg.mu.Unlock()

		result := Validate(cfg)
		if result.IsValid() {
			for _, w := range result.Warnings {
				log.Warn().Str("field", w.Field).Msg(w.Message)
			}
			break
		}

		fmt.Fprintln(out, "\n⚠ Configuration has errors:")
		for _, e := range result.Errors {
			fmt.Fprintf(out, "  - [%s] %s\n", e.Field, e.Message)
		}
		if !p.boolean("Would you like to try again?", false) {
			return fmt.Errorf("configuration validation failed")
		}
		fmt.Fprintln(out)
	}

	if err := cfg.Save(); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "✓ Configuration saved to", cfg.Path())
	fmt.Fprintln(out)

	return nil
}

type prompter struct {
	reader *bufio.Reader
	out    io.Writer
}

func (p *prompter) line() string {
	input, _ := p.reader.ReadString('\n')
	return strings.TrimSpace(input)
}

func (p *prompter) str(prompt, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(p.out, "  %s [%s]: ", prompt, defaultVal)
	} else {
		fmt.Fprintf(p.out, "  %s: ", prompt)
	}

	if input := p.line(); input != "" {
		return input
	}
	return defaultVal
}

func (p *prompter) secret(prompt string) string {
	fmt.Fprintf(p.out, "  %s: ", prompt)
	return p.line()
}

func (p *prompter) integer(prompt string, defaultVal int) int {
	fmt.Fprintf(p.out, "  %s [%d]: ", prompt, defaultVal)

	input := p.line()
	if input == "" {
		return defaultVal
	}

	val, err := strconv.Atoi(input)
	if err != nil {
		fmt.Fprintf(p.out, "    Invalid number, using default: %d\n", defaultVal)
		return defaultVal
	}
	return val
}

func (p *prompter) boolean(prompt string, defaultVal bool) bool {
	defaultStr := "no"
	if defaultVal {
		defaultStr = "yes"
	}

	fmt.Fprintf(p.out, "  %s [%s]: ", prompt, defaultStr)

	input := strings.ToLower(p.line())
	if input == "" {
		return defaultVal
	}
	return input == "yes" || input == "y" || input == "true" || input == "1"
}
