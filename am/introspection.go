package am

import (
	"os"
	"sort"
	"strings"

	"github.com/teranos/scry/errors"
)

// ConfigSource names the tier a setting's effective value came from.
type ConfigSource string

const (
	SourceDefault     ConfigSource = "default"
	SourceSystem      ConfigSource = "system"      // /etc/scry/config.toml
	SourceUser        ConfigSource = "user"        // ~/.scry/scry.toml
	SourceUserUI      ConfigSource = "user_ui"     // ~/.scry/scry_from_ui.toml
	SourceProject     ConfigSource = "project"     // project scry.toml
	SourceEnvironment ConfigSource = "environment" // SCRY_* env vars
)

// SettingInfo is one effective setting with its provenance.
type SettingInfo struct {
	Key        string       `json:"key"`
	Value      interface{}  `json:"value"`
	Source     ConfigSource `json:"source"`
	SourcePath string       `json:"source_path,omitempty"` // file path or env var name
}

// ConfigIntrospection is the full picture the config UI and the
// `scry am path` command render: every setting, where it came from, and
// which file viper considered primary.
type ConfigIntrospection struct {
	ConfigFile string        `json:"config_file"`
	Settings   []SettingInfo `json:"settings"`
}

// SourceInfo tracks where one configuration value originated.
type SourceInfo struct {
	Source ConfigSource
	Path   string // file path or environment variable name
}

// ConfigSources records the origin of every setting, keyed by flattened dot-path.
// Populated during Load and consumed by introspection and the config UI.
var ConfigSources = make(map[string]SourceInfo)

// GetConfigIntrospection reports every effective setting with the source
// recorded while the config was actually merged, so what it claims and
// what Load did cannot drift apart.
func GetConfigIntrospection() (*ConfigIntrospection, error) {
	v := GetViper()

	if len(ConfigSources) == 0 {
		if _, err := Load(); err != nil {
			return nil, errors.Wrap(err, "failed to load config for introspection")
		}
	}

	introspection := &ConfigIntrospection{
		ConfigFile: v.ConfigFileUsed(),
		Settings:   make([]SettingInfo, 0),
	}

	flattenSettingsWithSources(v.AllSettings(), "", introspection, ConfigSources)

	return introspection, nil
}

// flattenSettingsWithSources walks the nested settings tree in sorted key
// order, attributing each leaf. A live SCRY_* environment variable trumps
// whatever the merge recorded, matching viper's own precedence.
func flattenSettingsWithSources(settings map[string]interface{}, prefix string, introspection *ConfigIntrospection, sourceMap map[string]SourceInfo) {
	keys := make([]string, 0, len(settings))
	for k := range settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		value := settings[key]
		fullKey := key
		if prefix != "" {
			fullKey = prefix + "." + key
		}

		if nestedMap, ok := value.(map[string]interface{}); ok {
			flattenSettingsWithSources(nestedMap, fullKey, introspection, sourceMap)
			continue
		}

		sourceInfo := SourceInfo{Source: SourceDefault, Path: "built-in default"}
		if si, ok := sourceMap[fullKey]; ok {
			sourceInfo = si
		}

		envKey := "SCRY_" + strings.ToUpper(strings.ReplaceAll(fullKey, ".", "_"))
		if envValue := os.Getenv(envKey); envValue != "" {
			sourceInfo = SourceInfo{
				Source: SourceEnvironment,
				Path:   envKey,
			}
		}

		introspection.Settings = append(introspection.Settings, SettingInfo{
			Key:        fullKey,
			Value:      value,
			Source:     sourceInfo.Source,
			SourcePath: sourceInfo.Path,
		})
	}
}
