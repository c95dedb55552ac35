package config

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// RunSetupWizard asks for the essential settings on out, reads answers from
// in, validates and saves. Empty answers keep the current value.
func RunSetupWizard(cfg *Config, in io.Reader, out io.Writer) error {
	w := &wizard{reader: bufio.NewReader(in), out: out}

	fmt.Fprintln(out, "starrelay setup")
	fmt.Fprintln(out, "Press enter to keep the value shown in brackets.")

	for attempt := 0; ; attempt++ {
		w.ask(cfg)

		result := Validate(cfg)
		if result.IsValid() {
			for _, warn := range result.Warnings {
				log.Warn().Str("field", warn.Field).Msg(warn.Message)
			}
			break
		}

		fmt.Fprintln(out, "\nConfiguration has errors:")
		for _, e := range result.Errors {
			fmt.Fprintf(out, "  - [%s] %s\n", e.Field, e.Message)
		}
		if attempt >= 2 || !w.promptBool("Would you like to try again?", true) {
			return fmt.Errorf("configuration validation failed")
		}
	}

	if err := cfg.Save(); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	fmt.Fprintf(out, "\nConfiguration saved to %s\n", cfg.Path())
	return nil
}

type wizard struct {
	reader *bufio.Reader
	out    io.Writer
}

func (w *wizard) ask(cfg *Config) {
	cfg.mu.Lock()
	defer cfg.mu.Unlock()

	fmt.Fprintln(w.out, "\n-- Upstream server --")
	cfg.Proxy.UpstreamHost = w.promptString("Game server host", cfg.Proxy.UpstreamHost)
	cfg.Proxy.UpstreamPort = w.promptInt("Game server port", cfg.Proxy.UpstreamPort)

	fmt.Fprintln(w.out, "\n-- Listener --")
	cfg.Proxy.ListenHost = w.promptString("Listen address", cfg.Proxy.ListenHost)
	cfg.Proxy.ListenPort = w.promptInt("Listen port", cfg.Proxy.ListenPort)
	cfg.Proxy.MaxConcurrentSession = w.promptInt("Maximum concurrent sessions", cfg.Proxy.MaxConcurrentSession)

	fmt.Fprintln(w.out, "\n-- Moderation --")
	cfg.Proxy.EnforceBans = w.promptBool("Enforce bans", cfg.Proxy.EnforceBans)
	cfg.Proxy.LogChat = w.promptBool("Log chat", cfg.Proxy.LogChat)

	fmt.Fprintln(w.out, "\n-- Admin API --")
	cfg.API.Enabled = w.promptBool("Enable REST API", cfg.API.Enabled)
	if cfg.API.Enabled {
		cfg.API.Port = w.promptInt("REST API port", cfg.API.Port)
		if cfg.API.AuthToken == "" {
			cfg.API.AuthToken = generateToken()
			fmt.Fprintf(w.out, "  Generated API token: %s\n", cfg.API.AuthToken)
		}
	}

	fmt.Fprintln(w.out, "\n-- MQTT telemetry --")
	cfg.MQTT.Enabled = w.promptBool("Enable MQTT telemetry", cfg.MQTT.Enabled)
	if cfg.MQTT.Enabled {
		cfg.MQTT.BrokerURL = w.promptString("Broker host", cfg.MQTT.BrokerURL)
		cfg.MQTT.Port = w.promptInt("Broker port", cfg.MQTT.Port)
	}
}

func (w *wizard) readLine() string {
	input, _ := w.reader.ReadString('\n')
	return strings.TrimSpace(input)
}

func (w *wizard) promptString(prompt, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(w.out, "  %s [%s]: ", prompt, defaultVal)
	} else {
		fmt.Fprintf(w.out, "  %s: ", prompt)
	}

	if input := w.readLine(); input != "" {
		return input
	}
	return defaultVal
}

func (w *wizard) promptInt(prompt string, defaultVal int) int {
	fmt.Fprintf(w.out, "  %s [%d]: ", prompt, defaultVal)

	input := w.readLine()
	if input == "" {
		return defaultVal
	}
	val, err := strconv.Atoi(input)
	if err != nil {
		fmt.Fprintf(w.out, "    Invalid number, using default: %d\n", defaultVal)
		return defaultVal
	}
	return val
}

func (w *wizard) promptBool(prompt string, defaultVal bool) bool {
	defaultStr := "no"
	if defaultVal {
		defaultStr = "yes"
	}
	fmt.Fprintf(w.out, "  %s [%s]: ", prompt, defaultStr)

	input := strings.ToLower(w.readLine())
	if input == "" {
		return defaultVal
	}
	return input == "yes" || input == "y" || input == "true" || input == "1"
}

func generateToken() string {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return ""
	}
	return hex.EncodeToString(b)
}
