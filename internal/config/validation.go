package config

import (
	"fmt"
	"strconv"
	"strings"
)

// ValidationErrors collects every problem found in a Config.
type ValidationErrors struct {
	Problems []string
}

// HasErrors returns true if any validation errors exist
func (e *ValidationErrors) HasErrors() bool {
	return len(e.Problems) > 0
}

// Error formats all validation errors into a clear message
func (e *ValidationErrors) Error() string {
	var sb strings.Builder
	sb.WriteString("configuration validation failed:\n")
	for _, p := range e.Problems {
		sb.WriteString(fmt.Sprintf("  - %s\n", p))
	}
	return sb.String()
}

func (e *ValidationErrors) add(format string, args ...any) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

func (c *Config) Validate() error {
	errs := &ValidationErrors{}

	if port, err := strconv.Atoi(c.Server.Port); err != nil || port < 0 || port > 65535 {
		errs.add("server.port must be a port number, got %q", c.Server.Port)
	}

	switch c.Network.Backend {
	case BackendMemory:
	case BackendHedera:
		if _, ok := MirrorURLs[c.Network.Name]; !ok {
			errs.add("network.name must be one of mainnet, testnet, previewnet, got %q", c.Network.Name)
		}
		if c.Network.OperatorID == "" {
			errs.add("network.operator_id is required for the hedera backend (set OPERATOR_ID)")
		}
		if c.Network.OperatorKey == "" {
			errs.add("network.operator_key is required for the hedera backend (set OPERATOR_KEY)")
		}
		if c.Network.Mirror.BaseURL == "" {
			errs.add("network.mirror.base_url is required")
		}
		if c.Network.Mirror.Stream != "grpc" && c.Network.Mirror.Stream != "rest" {
			errs.add("network.mirror.stream must be grpc or rest, got %q", c.Network.Mirror.Stream)
		}
		if c.Network.Mirror.PollInterval <= 0 {
			errs.add("network.mirror.poll_interval must be positive")
		}
	default:
		errs.add("network.backend must be %q or %q, got %q", BackendMemory, BackendHedera, c.Network.Backend)
	}

	if c.Subscription.MaxAttempts < 1 {
		errs.add("subscription.max_attempts must be >= 1")
	}
	if c.Subscription.BaseDelay <= 0 {
		errs.add("subscription.base_delay must be positive")
	}
	if c.Relay.DedupWindow < 1 {
		errs.add("relay.dedup_window must be >= 1")
	}
	if c.Bootstrap.StateDir == "" {
		errs.add("bootstrap.state_dir is required")
	}

	if err := c.Notify.Validate(); err != nil {
		errs.add("%v", err)
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}
