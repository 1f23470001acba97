package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/MegaGrindStone/go-mcp-client/config"
	"github.com/MegaGrindStone/go-mcp-client/reconnect"
	"github.com/spf13/cobra"
)

func configCommand(settingsFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and change the stored fleet configuration",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Print the effective fleet configuration",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				h, err := prepare(cmd, *settingsFile)
				if err != nil {
					return err
				}
				defer h.Close()

				cfg := config.LoadWithLogger(cmd.Context(), h.store, h.ConfigKey, h.log)
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(cfg)
			},
		},
		&cobra.Command{
			Use:   "set KEY VALUE",
			Short: "Change one setting, e.g. maxReconnectAttempts 3 or events.logging false",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				h, err := prepare(cmd, *settingsFile)
				if err != nil {
					return err
				}
				defer h.Close()

				cfg := config.LoadWithLogger(cmd.Context(), h.store, h.ConfigKey, h.log)
				next, err := setConfigValue(cfg, args[0], args[1])
				if err != nil {
					return err
				}
				return config.Save(cmd.Context(), h.store, h.ConfigKey, next)
			},
		},
		&cobra.Command{
			Use:   "import FILE",
			Short: "Replace the fleet configuration with the JSON document in FILE",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				raw, err := os.ReadFile(args[0])
				if err != nil {
					return fmt.Errorf("failed to read %s: %w", args[0], err)
				}
				cfg := config.Defaults()
				if err := json.Unmarshal(raw, &cfg); err != nil {
					return fmt.Errorf("failed to decode %s: %w", args[0], err)
				}
				if err := checkConfig(cfg); err != nil {
					return err
				}

				h, err := prepare(cmd, *settingsFile)
				if err != nil {
					return err
				}
				defer h.Close()
				return config.Save(cmd.Context(), h.store, h.ConfigKey, cfg)
			},
		},
	)
	return cmd
}

// setConfigValue sets the field at the dot-separated JSON path key. value is used as JSON when it
// parses as JSON and as a string otherwise.
func setConfigValue(cfg config.Config, key, value string) (config.Config, error) {
	if key == "" {
		return cfg, errors.New("empty key")
	}
	doc, err := json.Marshal(cfg)
	if err != nil {
		return cfg, fmt.Errorf("failed to encode config: %w", err)
	}

	v := json.RawMessage(value)
	if !json.Valid(v) {
		if v, err = json.Marshal(value); err != nil {
			return cfg, err
		}
	}
	doc, err = setPath(doc, strings.Split(key, "."), v)
	if err != nil {
		return cfg, fmt.Errorf("failed to set %s: %w", key, err)
	}

	var next config.Config
	if err := json.Unmarshal(doc, &next); err != nil {
		return cfg, fmt.Errorf("invalid value for %s: %w", key, err)
	}
	if err := checkConfig(next); err != nil {
		return cfg, err
	}
	return next, nil
}

func setPath(doc json.RawMessage, path []string, value json.RawMessage) (json.RawMessage, error) {
	if len(path) == 0 {
		return value, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(doc, &fields); err != nil {
		return nil, fmt.Errorf("%s is not an object", path[0])
	}
	cur, ok := fields[path[0]]
	if !ok {
		return nil, fmt.Errorf("unknown key %q", path[0])
	}
	next, err := setPath(cur, path[1:], value)
	if err != nil {
		return nil, err
	}
	fields[path[0]] = next
	return json.Marshal(fields)
}

// checkConfig rejects what Load would silently replace with defaults.
func checkConfig(cfg config.Config) error {
	var errs []error
	if _, err := reconnect.ParsePolicy(cfg.ReconnectPolicy); err != nil {
		errs = append(errs, err)
	}
	if cfg.MaxReconnectAttempts < 0 {
		errs = append(errs, errors.New("maxReconnectAttempts must not be negative"))
	}
	if cfg.ReconnectInterval <= 0 {
		errs = append(errs, errors.New("reconnectInterval must be positive"))
	}
	if err := cfg.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
