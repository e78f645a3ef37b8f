package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"github.com/teranos/scry/am"
	"github.com/teranos/scry/sym"
	"gopkg.in/yaml.v3"
)

// AmCmd represents the am (configuration) command
var AmCmd = &cobra.Command{
	Use:   "am",
	Short: sym.AM + " Manage scry configuration",
	Long: sym.AM + ` am — Manage scry configuration ("I am")

Display and manage scry configuration settings.

Configuration sources (in order of precedence):
1. Environment variables (SCRY_* prefix)
2. Project config (./scry.toml or ./config.toml)
3. UI overrides (~/.scry/scry_from_ui.toml)
4. User config (~/.scry/scry.toml or ~/.scry/config.toml)
5. System config (/etc/scry/config.toml)
6. Default values

Examples:
  scry am show                    # Show current configuration
  scry am show --format json      # Show configuration in JSON format
  scry am get pulse.workers       # Get specific config value
  scry am set pulse.workers 4     # Persist a setting
  scry am path                    # Show where configuration comes from`,
}

var amShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long:  "Display the current scry configuration merged from all sources",
	RunE:  runAmShow,
}

var amGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a specific configuration value",
	Long:  "Get a specific configuration value using dot notation (e.g., database.path, pulse.workers)",
	Args:  cobra.ExactArgs(1),
	RunE:  runAmGet,
}

var amSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Persist a configuration value",
	Long: `Write one setting to the UI override file (~/.scry/scry_from_ui.toml).

The value is parsed as bool, int, or float when it looks like one,
and stored as a string otherwise. Keys use dot notation:

  scry am set pulse.workers 4
  scry am set slot.min_confidence 0.7
  scry am set content.cleanup_snippets true
  scry am set merge.strategy ranked`,
	Args: cobra.ExactArgs(2),
	RunE: runAmSet,
}

var amPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show where configuration is loaded from",
	Long: `Show the configuration cascade and which files were found.

Lists all configuration sources in precedence order, marking the
files that exist, then shows which source each active setting
actually came from.`,
	RunE: runAmPath,
}

var configFormat string

func init() {
	// Add flags
	amShowCmd.Flags().StringVar(&configFormat, "format", "toml", "Output format: toml, json, yaml")

	// Add subcommands
	AmCmd.AddCommand(amShowCmd)
	AmCmd.AddCommand(amGetCmd)
	AmCmd.AddCommand(amSetCmd)
	AmCmd.AddCommand(amPathCmd)
}

func runAmShow(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := am.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Marshal to requested format
	switch configFormat {
	case "json":
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal config to JSON: %w", err)
		}
		fmt.Println(string(data))

	case "yaml":
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("failed to marshal config to YAML: %w", err)
		}
		fmt.Printf("# scry configuration\n%s", string(data))

	case "toml":
		data, err := toml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("failed to marshal config to TOML: %w", err)
		}
		fmt.Printf("# scry configuration\n%s", string(data))

	default:
		return fmt.Errorf("unsupported format: %s (supported: toml, json, yaml)", configFormat)
	}

	return nil
}

func runAmGet(cmd *cobra.Command, args []string) error {
	key := args[0]

	// Check if key exists in configuration
	v := am.GetViper()
	if !v.IsSet(key) {
		return fmt.Errorf("configuration key %q not found", key)
	}

	// Get the value as interface{} to preserve type
	value := am.Get(key)
	fmt.Println(value)
	return nil
}

func runAmSet(cmd *cobra.Command, args []string) error {
	key, raw := args[0], args[1]

	if err := am.UpdateSetting(key, parseSettingValue(raw)); err != nil {
		return fmt.Errorf("failed to persist setting: %w", err)
	}

	fmt.Printf("%s Set %s = %s (in %s)\n", sym.AM, key, raw, am.GetUIConfigPath())
	return nil
}

// parseSettingValue converts a CLI string to the most specific TOML type it
// parses as, so `set pulse.workers 4` stores an integer, not "4".
// parseSettingValue types a raw flag value so the TOML file keeps numbers
// as numbers. Integers are tried before bools: "1" means 1, not true.
func parseSettingValue(raw string) interface{} {
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(raw); err == nil {
		return b
	}
	return raw
}

func runAmPath(cmd *cobra.Command, args []string) error {
	home, _ := os.UserHomeDir()
	scryDir := filepath.Join(home, ".scry")

	// The cascade, lowest precedence first. Project config is found by an
	// upward directory search, so its path is resolved per invocation.
	cascade := []struct {
		label string
		path  string
	}{
		{"SYSTEM ", "/etc/scry/config.toml"},
		{"USER   ", filepath.Join(scryDir, "config.toml")},
		{"USER   ", filepath.Join(scryDir, "scry.toml")},
		{"USER_UI", filepath.Join(scryDir, "scry_from_ui.toml")},
	}

	fmt.Println("Configuration cascade (later overrides earlier):")
	fmt.Println("  1. [DEFAULT]  Built-in defaults")
	for i, entry := range cascade {
		mark := "✗"
		if _, err := os.Stat(entry.path); err == nil {
			mark = "✓"
		}
		fmt.Printf("  %d. [%s] %s %s\n", i+2, entry.label, mark, entry.path)
	}
	fmt.Println("  6. [PROJECT]  ./scry.toml or ./config.toml (searches up directories)")
	fmt.Println("  7. [ENV]      SCRY_* environment variables")
	fmt.Println()

	// Tally active settings per source so the cascade shows what actually won
	intro, err := am.GetConfigIntrospection()
	if err != nil {
		return fmt.Errorf("failed to get config introspection: %w", err)
	}

	counts := make(map[am.ConfigSource]int)
	paths := make(map[am.ConfigSource]map[string]bool)
	for _, setting := range intro.Settings {
		counts[setting.Source]++
		if setting.SourcePath != "" {
			if paths[setting.Source] == nil {
				paths[setting.Source] = make(map[string]bool)
			}
			paths[setting.Source][setting.SourcePath] = true
		}
	}

	fmt.Println("Active configuration:")
	for _, source := range []am.ConfigSource{
		am.SourceDefault,
		am.SourceSystem,
		am.SourceUser,
		am.SourceUserUI,
		am.SourceProject,
		am.SourceEnvironment,
	} {
		if counts[source] == 0 {
			continue
		}
		fmt.Printf("  %-12s %d setting(s)", source, counts[source])
		var sourcePaths []string
		for p := range paths[source] {
			sourcePaths = append(sourcePaths, p)
		}
		sort.Strings(sourcePaths)
		for _, p := range sourcePaths {
			fmt.Printf("  %s", p)
		}
		fmt.Println()
	}

	return nil
}
