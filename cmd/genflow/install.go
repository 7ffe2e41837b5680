package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

// secretKeys are never written to the settings file; they come from the
// environment only.
var secretKeys = []string{"generation.api_key"}

func (c *cli) installCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "install",
		Short: "Write the effective configuration to the settings file",
		Long: "Write the effective configuration (defaults, environment and flags merged) to the settings file. " +
			"A running server picks up log level changes from the file without a restart.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := c.cfgFile
			if path == "" {
				path = settingsPath()
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := writeSettings(path, c.v.AllSettings()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Config written to %s\n", path)
			return nil
		},
	}
	f := cmd.Flags()
	f.BoolVar(&force, "force", false, "overwrite an existing settings file")
	f.String("listen-addr", "", "HTTP listen address")
	f.String("nats-url", "", "NATS URL of a background worker")
	f.Int("pool-size", 0, "workflows stepping at once per engine")
	return cmd
}

func writeSettings(path string, settings map[string]any) error {
	for _, key := range secretKeys {
		deleteKey(settings, key)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(path), err)
	}
	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// deleteKey removes a dotted key from viper's nested settings map.
func deleteKey(m map[string]any, key string) {
	for i := 0; i < len(key); i++ {
		if key[i] != '.' {
			continue
		}
		if sub, ok := m[key[:i]].(map[string]any); ok {
			deleteKey(sub, key[i+1:])
		}
		return
	}
	delete(m, key)
}
