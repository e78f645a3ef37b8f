package am

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/teranos/scry/errors"
)

var globalConfig *Config
var viperInstance *viper.Viper

// Load returns the merged configuration, reading and caching it on first
// call. Reset drops the cache.
func Load() (*Config, error) {
	if globalConfig != nil {
		return globalConfig, nil
	}

	v := initViper()

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}

	globalConfig = &config
	return globalConfig, nil
}

// GetViper exposes the underlying Viper for callers that need keys the
// Config struct does not model.
func GetViper() *viper.Viper {
	return initViper()
}

// LoadWithViper unmarshals a Config from a caller-supplied Viper.
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	return &config, nil
}

// LoadFromFile reads one specific config file, with defaults but without
// the merge chain or environment bindings.
func LoadFromFile(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("toml")

	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", configPath)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal config from %s", configPath)
	}

	return &config, nil
}

// Reset clears the cached configuration so the next Load starts fresh.
// The watcher calls this on every file change; tests call it between cases.
func Reset() {
	globalConfig = nil
	viperInstance = nil
	ConfigSources = make(map[string]SourceInfo)
}

func initViper() *viper.Viper {
	if viperInstance != nil {
		return viperInstance
	}

	v := viper.New()

	v.SetEnvPrefix("SCRY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	BindSensitiveEnvVars(v)
	SetDefaults(v)

	// Every key starts out attributed to defaults, merged files overwrite below
	ConfigSources = make(map[string]SourceInfo)
	for _, key := range v.AllKeys() {
		ConfigSources[key] = SourceInfo{Source: SourceDefault}
	}

	mergeConfigFiles(v)

	viperInstance = v
	return v
}

// findProjectConfig walks up from the working directory looking for a
// project-level scry.toml, falling back to the legacy config.toml name at
// each level.
func findProjectConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		scryPath := filepath.Join(dir, "scry.toml")
		if _, err := os.Stat(scryPath); err == nil {
			return scryPath
		}

		configPath := filepath.Join(dir, "config.toml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}

// mergeSource pairs a config file path with the source tier it belongs to
type mergeSource struct {
	path   string
	source ConfigSource
}

// mergeConfigFiles manually merges configuration files in the correct precedence order
// Precedence (lowest to highest): system < user < UI overrides < project < env vars.
// Within the user directory scry.toml wins over the legacy config.toml.
func mergeConfigFiles(v *viper.Viper) {
	homeDir, _ := os.UserHomeDir()

	scryDir := filepath.Join(homeDir, ".scry")
	os.MkdirAll(scryDir, DefaultDirPermissions)

	// Later entries overwrite earlier ones, so list order is precedence order.
	sources := []mergeSource{
		{"/etc/scry/config.toml", SourceSystem},
		{filepath.Join(scryDir, "config.toml"), SourceUser},
		{filepath.Join(scryDir, "scry.toml"), SourceUser},
		{filepath.Join(scryDir, "scry_from_ui.toml"), SourceUserUI},
	}
	if projectConfig := findProjectConfig(); projectConfig != "" {
		sources = append(sources, mergeSource{projectConfig, SourceProject})
	}

	for _, entry := range sources {
		if _, err := os.Stat(entry.path); err != nil {
			continue
		}

		tempViper := viper.New()
		tempViper.SetConfigFile(entry.path)
		tempViper.SetConfigType("toml")

		if err := tempViper.ReadInConfig(); err == nil {
			// Merge leaf keys into the main viper instance. Setting leaves
			// rather than whole sections keeps keys from an earlier file
			// alive when a later file overrides only part of a section.
			setLeafValues(v, tempViper.AllSettings(), "")
			markSettingsFromSource(tempViper.AllSettings(), "", entry.source, entry.path, ConfigSources)
		}
	}
}

// setLeafValues copies every leaf key from a parsed config file into the main viper instance
func setLeafValues(v *viper.Viper, settings map[string]interface{}, prefix string) {
	for key, value := range settings {
		fullKey := key
		if prefix != "" {
			fullKey = prefix + "." + key
		}

		if nested, ok := value.(map[string]interface{}); ok {
			setLeafValues(v, nested, fullKey)
			continue
		}

		v.Set(fullKey, value)
	}
}

// markSettingsFromSource records the origin of every leaf key in a merged settings
// tree. Keys are flattened to viper dot notation so lookups match v.AllKeys().
func markSettingsFromSource(settings map[string]interface{}, prefix string, source ConfigSource, path string, sourceMap map[string]SourceInfo) {
	for key, value := range settings {
		fullKey := key
		if prefix != "" {
			fullKey = prefix + "." + key
		}

		if nested, ok := value.(map[string]interface{}); ok {
			markSettingsFromSource(nested, fullKey, source, path, sourceMap)
			continue
		}

		sourceMap[fullKey] = SourceInfo{Source: source, Path: path}
	}
}

// Dot-notation accessors over the merged configuration, for callers that
// want one value without unmarshalling the whole Config.

func Get(key string) interface{}    { return initViper().Get(key) }
func GetString(key string) string   { return initViper().GetString(key) }
func GetBool(key string) bool       { return initViper().GetBool(key) }
func GetInt(key string) int         { return initViper().GetInt(key) }
func GetFloat64(key string) float64 { return initViper().GetFloat64(key) }

// GetDatabasePath resolves the database location. DB_PATH wins over
// configuration so a dev shell can point at a scratch database.
func GetDatabasePath() (string, error) {
	if dbPath := os.Getenv("DB_PATH"); dbPath != "" {
		return dbPath, nil
	}

	config, err := Load()
	if err != nil {
		return "", err
	}
	return config.Database.Path, nil
}
