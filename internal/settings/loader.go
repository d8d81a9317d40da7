package settings

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Default returns the settings used when neither etcd nor a file provide any
func Default() *Settings {
	return &Settings{
		EnableSync: false,
		AppVersion: "dev",
		Doctypes:   map[string]Toggle{},
	}
}

// LoadFile reads a YAML settings file. Environment variables prefixed with
// BOOKS override the top-level keys, e.g. BOOKS_ENABLE_SYNC.
func LoadFile(path string) (*Settings, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("BOOKS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("enable_sync")
	_ = v.BindEnv("app_version")

	if path != "" {
		v.SetConfigFile(filepath.Clean(path))
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read settings file %s: %w", path, err)
		}
		logrus.WithField("file", path).Info("Loaded settings file")
	}

	if v.IsSet("enable_sync") {
		cfg.EnableSync = v.GetBool("enable_sync")
	}
	if v.IsSet("app_version") {
		cfg.AppVersion = v.GetString("app_version")
	}
	if v.IsSet("doctypes") {
		// viper lowercases map keys, so document types are listed as entries
		var entries []struct {
			Doctype  string   `mapstructure:"doctype"`
			Enabled  bool     `mapstructure:"enabled"`
			SyncType SyncType `mapstructure:"sync_type"`
		}
		if err := v.UnmarshalKey("doctypes", &entries); err != nil {
			return nil, fmt.Errorf("failed to decode doctypes: %w", err)
		}
		for _, e := range entries {
			cfg.Doctypes[e.Doctype] = Toggle{Enabled: e.Enabled, SyncType: e.SyncType}
		}
	}
	if v.IsSet("item_tax_template_map") {
		if err := v.UnmarshalKey("item_tax_template_map", &cfg.ItemTaxTemplates); err != nil {
			return nil, fmt.Errorf("failed to decode item_tax_template_map: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
