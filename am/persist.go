package am

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/teranos/scry/errors"
	"github.com/teranos/scry/logger"
)

// Settings changed through the UI or API land in a separate TOML file,
// ~/.scry/scry_from_ui.toml, layered over the user's own config at load
// time. Hand-edited files are never rewritten by scry.

// GetUIConfigPath returns the UI-managed config path, or "" when the home
// directory cannot be determined.
func GetUIConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".scry", "scry_from_ui.toml")
}

// createBackup rotates the existing file through .back1/.back2/.back3
// before a save. Three generations is enough to recover from a bad write
// and a bad fix of the bad write.
func createBackup(configPath string) error {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil
	}

	back3 := configPath + ".back3"
	back2 := configPath + ".back2"
	back1 := configPath + ".back1"

	// The oldest generation falls off. Failing to delete it is not worth
	// blocking the save over.
	if err := os.Remove(back3); err != nil && !os.IsNotExist(err) {
		logger.Warnw("Failed to delete old config backup", "path", back3, "error", err)
	}

	if _, err := os.Stat(back2); err == nil {
		if err := os.Rename(back2, back3); err != nil {
			return errors.Wrap(err, "failed to rotate .back2 to .back3")
		}
	}
	if _, err := os.Stat(back1); err == nil {
		if err := os.Rename(back1, back2); err != nil {
			return errors.Wrap(err, "failed to rotate .back1 to .back2")
		}
	}

	content, err := os.ReadFile(configPath)
	if err != nil {
		return errors.Wrap(err, "failed to read config for backup")
	}
	if err := os.WriteFile(back1, content, 0644); err != nil {
		return errors.Wrap(err, "failed to create .back1")
	}

	return nil
}

// loadOrInitializeUIConfig reads the UI config file, creating the ~/.scry
// directory and starting from an empty document when nothing is there yet.
func loadOrInitializeUIConfig() (map[string]interface{}, string, error) {
	configPath := GetUIConfigPath()
	if configPath == "" {
		return nil, "", errors.New("could not determine home directory")
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0750); err != nil {
		return nil, "", errors.Wrap(err, "failed to create .scry directory")
	}

	var config map[string]interface{}
	if data, err := os.ReadFile(configPath); err == nil {
		if err := toml.Unmarshal(data, &config); err != nil {
			return nil, "", errors.Wrap(err, "failed to parse UI config")
		}
	} else {
		config = make(map[string]interface{})
	}

	return config, configPath, nil
}

// saveUIConfig backs up and rewrites the UI config file. The write is
// flagged with the watcher first so it does not trigger a reload of the
// config we just saved.
func saveUIConfig(config map[string]interface{}, configPath string) error {
	if err := createBackup(configPath); err != nil {
		return errors.Wrap(err, "failed to create backup")
	}

	data, err := toml.Marshal(config)
	if err != nil {
		return errors.Wrap(err, "failed to marshal config")
	}

	globalWatcherMu.Lock()
	if globalWatcher != nil {
		globalWatcher.MarkOwnWrite()
	}
	globalWatcherMu.Unlock()

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return errors.Wrap(err, "failed to write UI config")
	}

	return nil
}

// sectionMap returns the named section of a parsed config, creating it if absent.
func sectionMap(config map[string]interface{}, name string) map[string]interface{} {
	if section, ok := config[name].(map[string]interface{}); ok {
		return section
	}
	section := make(map[string]interface{})
	config[name] = section
	return section
}

// updateSection writes one key in one section of the UI config.
func updateSection(section, key string, value interface{}) error {
	config, configPath, err := loadOrInitializeUIConfig()
	if err != nil {
		return errors.Wrap(err, "failed to load UI config")
	}

	sectionMap(config, section)[key] = value

	return saveUIConfig(config, configPath)
}

// UpdateLocalInferenceEnabled toggles local inference in the UI config.
func UpdateLocalInferenceEnabled(enabled bool) error {
	return updateSection("local_inference", "enabled", enabled)
}

// UpdateLocalInferenceModel sets the local inference model in the UI config.
func UpdateLocalInferenceModel(model string) error {
	return updateSection("local_inference", "model", model)
}

// UpdateOpenRouterModel sets the OpenRouter model in the UI config.
func UpdateOpenRouterModel(model string) error {
	return updateSection("openrouter", "model", model)
}

// UpdatePulseDailyBudget sets the daily spend ceiling in the UI config.
func UpdatePulseDailyBudget(dailyBudget float64) error {
	return updateSection("pulse", "daily_budget_usd", dailyBudget)
}

// UpdatePulseWeeklyBudget sets the weekly spend ceiling in the UI config.
func UpdatePulseWeeklyBudget(weeklyBudget float64) error {
	return updateSection("pulse", "weekly_budget_usd", weeklyBudget)
}

// UpdatePulseMonthlyBudget sets the monthly spend ceiling in the UI config.
func UpdatePulseMonthlyBudget(monthlyBudget float64) error {
	return updateSection("pulse", "monthly_budget_usd", monthlyBudget)
}

// UpdateSetting writes one dotted-path setting (e.g. "pulse.workers") to the
// UI config. The value lands as-is; callers convert strings to the type the
// setting expects before calling.
func UpdateSetting(key string, value interface{}) error {
	parts := strings.Split(key, ".")
	if len(parts) < 2 {
		return errors.Newf("setting key %q needs a section (e.g. pulse.workers)", key)
	}

	config, configPath, err := loadOrInitializeUIConfig()
	if err != nil {
		return errors.Wrap(err, "failed to load UI config")
	}

	section := config
	for _, part := range parts[:len(parts)-1] {
		section = sectionMap(section, part)
	}
	section[parts[len(parts)-1]] = value

	return saveUIConfig(config, configPath)
}

// UpdateEngineDisabled toggles an engine on or off in UI config.
// Written as engines.overrides.<code>.disabled so catalog values stay untouched.
func UpdateEngineDisabled(code string, disabled bool) error {
	config, configPath, err := loadOrInitializeUIConfig()
	if err != nil {
		return errors.Wrap(err, "failed to load UI config")
	}

	engines := sectionMap(config, "engines")
	overrides := sectionMap(engines, "overrides")
	engine := sectionMap(overrides, code)
	engine["disabled"] = disabled

	return saveUIConfig(config, configPath)
}
