package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ShayCichocki/hivemind/internal/config"
)

var configUser bool

var configCmd = &cobra.Command{
	Use:   "config [key] [value]",
	Short: "Manage configuration",
	Long: `View or modify hivemind configuration.

Without arguments, displays the effective configuration.
With one argument (key), displays the value for that key.
With two arguments (key value), sets the value in the project's
.hivemind.yaml, or in the user config with --user.

User configuration is stored at ~/.config/hivemind/config.yaml
Project-specific overrides can be placed in .hivemind.yaml`,
	Args: cobra.MaximumNArgs(2),
	RunE: runConfig,
}

func init() {
	configCmd.Flags().BoolVar(&configUser, "user", false, "Write to the user config instead of the project config")
}

func runConfig(cmd *cobra.Command, args []string) error {
	v, err := config.NewViper()
	if err != nil {
		return err
	}

	switch len(args) {
	case 0:
		displayAllConfig(v)
		return nil
	case 1:
		if !v.IsSet(args[0]) {
			return fmt.Errorf("unknown config key: %s", args[0])
		}
		fmt.Println(displayValue(args[0], v.Get(args[0])))
		return nil
	default:
		return setConfigKey(v, args[0], args[1])
	}
}

// displayAllConfig prints all configuration values.
func displayAllConfig(v *viper.Viper) {
	keys := v.AllKeys()
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("%s: %s\n", k, displayValue(k, v.Get(k)))
	}
	fmt.Println()
	fmt.Printf("%s %s\n", color.New(color.Faint).Sprint("user config:"), config.GetUserConfigPath())
	if p := config.GetProjectConfigPath(); p != "" {
		fmt.Printf("%s %s\n", color.New(color.Faint).Sprint("project config:"), p)
	}
}

// displayValue masks secrets.
func displayValue(key string, val any) string {
	switch key {
	case "redis.password", "audit.postgres_dsn":
		if s, ok := val.(string); ok && s != "" {
			return "****"
		}
		return "(not set)"
	}
	return fmt.Sprint(val)
}

// setConfigKey writes one key to a single config file and validates the
// resulting layered configuration, restoring the file if it is invalid.
func setConfigKey(layered *viper.Viper, key, value string) error {
	if !layered.IsSet(key) {
		return fmt.Errorf("unknown config key: %s", key)
	}

	path := config.GetUserConfigPath()
	if !configUser {
		path = config.GetProjectConfigPath()
		if path == "" {
			path = filepath.Join(config.ProjectRoot(), config.ProjectFileName)
		}
	}

	previous, readErr := os.ReadFile(path)
	fv := viper.New()
	fv.SetConfigFile(path)
	if readErr == nil {
		if err := fv.ReadInConfig(); err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}
	}
	fv.Set(key, value)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	if err := fv.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}

	if _, err := config.Load(); err != nil {
		if readErr == nil {
			_ = os.WriteFile(path, previous, 0644)
		} else {
			_ = os.Remove(path)
		}
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	printStatus("✓", fmt.Sprintf("Set %s = %s in %s", key, displayValue(key, value), path), color.FgGreen)
	return nil
}
