// Package config loads the settings internal/engine and internal/store need
// to open a database: a viper singleton layered over defaults, an optional
// vstore.toml file, and VSTORE_-prefixed environment variables, in the
// precedence order viper itself implements (env > file > default).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/untoldecay/vstore/internal/engine"
)

var v *viper.Viper

// Initialize sets up the viper singleton. Should be called once at process
// startup, before any Get* call.
func Initialize() error {
	v = viper.New()
	v.SetConfigType("toml")

	configFileSet := locateConfigFile(v)

	v.SetEnvPrefix("VSTORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if configFileSet {
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("config: read %s: %w", v.ConfigFileUsed(), err)
		}
	}
	return nil
}

// locateConfigFile walks up from the working directory looking for
// vstore.toml, falling back to $XDG_CONFIG_HOME/vstore/config.toml, mirroring
// the project-then-user-config precedence the teacher's own Initialize uses.
func locateConfigFile(v *viper.Viper) bool {
	if cwd, err := os.Getwd(); err == nil {
		for dir := cwd; dir != filepath.Dir(dir); dir = filepath.Dir(dir) {
			path := filepath.Join(dir, "vstore.toml")
			if _, err := os.Stat(path); err == nil {
				v.SetConfigFile(path)
				return true
			}
		}
	}
	if configDir, err := os.UserConfigDir(); err == nil {
		path := filepath.Join(configDir, "vstore", "config.toml")
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			return true
		}
	}
	return false
}

func setDefaults(v *viper.Viper) {
	def := engine.DefaultPragmaConfig()
	v.SetDefault("db.path", "vstore.db")
	v.SetDefault("db.cache_size", def.CacheSize)
	v.SetDefault("db.page_size", def.PageSize)
	v.SetDefault("db.journal_mode", string(def.JournalMode))
	v.SetDefault("db.synchronous_mode", string(def.SynchronousMode))
	v.SetDefault("db.busy_timeout_ms", def.BusyTimeoutMS)
	v.SetDefault("db.enable_foreign_keys", def.EnableForeignKeys)
	v.SetDefault("db.lock_timeout", "5s")

	v.SetDefault("audit.enabled", true)
	v.SetDefault("audit.path", "")

	v.SetDefault("eventlog.path", "")
	v.SetDefault("eventlog.max_size_mb", 10)
	v.SetDefault("eventlog.max_backups", 5)
	v.SetDefault("eventlog.max_age_days", 30)

	v.SetDefault("store.expired_cleanup_batch_size", 500)
	v.SetDefault("store.slow_query_threshold", "250ms")
}

// PragmaConfig renders the loaded db.* settings as an engine.PragmaConfig.
func PragmaConfig() engine.PragmaConfig {
	return engine.PragmaConfig{
		CacheSize:         GetInt("db.cache_size"),
		PageSize:          GetInt("db.page_size"),
		JournalMode:       engine.JournalMode(GetString("db.journal_mode")),
		SynchronousMode:   engine.SynchronousMode(GetString("db.synchronous_mode")),
		BusyTimeoutMS:     GetInt("db.busy_timeout_ms"),
		EnableForeignKeys: GetBool("db.enable_foreign_keys"),
	}
}

// DBPath returns the configured database file path.
func DBPath() string { return GetString("db.path") }

// LockTimeout returns how long engine.Open should wait for the advisory lock.
func LockTimeout() time.Duration { return GetDuration("db.lock_timeout") }

// AuditEnabled reports whether the audit sink (C7) should be wired up.
func AuditEnabled() bool { return GetBool("audit.enabled") }

// AuditPath returns the configured audit database path, defaulting to a
// "<db>.audit.db" sibling of the main database when unset.
func AuditPath() string {
	if p := GetString("audit.path"); p != "" {
		return p
	}
	return DBPath() + ".audit.db"
}

// EventLogConfig renders the loaded eventlog.* settings, defaulting the path
// to a "<db>.log" sibling of the main database when unset.
func EventLogConfig() engine.EventLogConfig {
	path := GetString("eventlog.path")
	if path == "" {
		path = DBPath() + ".log"
	}
	return engine.EventLogConfig{
		Path:       path,
		MaxSizeMB:  GetInt("eventlog.max_size_mb"),
		MaxBackups: GetInt("eventlog.max_backups"),
		MaxAgeDays: GetInt("eventlog.max_age_days"),
		Compress:   true,
	}
}

// SlowQueryThreshold returns the duration after which a query is logged as slow.
func SlowQueryThreshold() time.Duration { return GetDuration("store.slow_query_threshold") }

// ExpiredCleanupBatchSize returns the configured batch size for
// CleanupExpired's soft-delete rounds, bounding how much work one round does.
func ExpiredCleanupBatchSize() int { return GetInt("store.expired_cleanup_batch_size") }

// GetString retrieves a string configuration value.
func GetString(key string) string {
	if v == nil {
		return ""
	}
	return v.GetString(key)
}

// GetBool retrieves a boolean configuration value.
func GetBool(key string) bool {
	if v == nil {
		return false
	}
	return v.GetBool(key)
}

// GetInt retrieves an integer configuration value.
func GetInt(key string) int {
	if v == nil {
		return 0
	}
	return v.GetInt(key)
}

// GetDuration retrieves a duration configuration value.
func GetDuration(key string) time.Duration {
	if v == nil {
		return 0
	}
	return v.GetDuration(key)
}

// Set overrides a configuration value, mainly for tests and CLI flag binding.
func Set(key string, value interface{}) {
	if v != nil {
		v.Set(key, value)
	}
}

// AllSettings returns all configuration settings as a map.
func AllSettings() map[string]interface{} {
	if v == nil {
		return map[string]interface{}{}
	}
	return v.AllSettings()
}
