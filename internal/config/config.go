package config

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/printflow-ai/printflow/internal/scheduler"
	"github.com/printflow-ai/printflow/pkg/printer"
)

const ConfigPath = ".config/printflow/config.json"

// Config is the durable application configuration. The queue snapshot
// lives in its own file next to it.
type Config struct {
	Printer   printer.Config    `json:"printer"`
	Scheduler scheduler.Options `json:"scheduler"`
	// QueuePath is the queue snapshot file; defaults next to the config
	QueuePath string `json:"queuePath"`
	// BackupPath receives the daily queue snapshot copy
	BackupPath string `json:"backupPath"`
	// WatchDir, when set, is scanned for newly sliced files to enqueue
	WatchDir string `json:"watchDir,omitempty"`
	// ListenAddr is the HTTP API bind address
	ListenAddr string `json:"listenAddr"`
	// StatusRefreshSchedule is a cron expression for full status pushes
	StatusRefreshSchedule string `json:"statusRefreshSchedule"`
	// BackupSchedule is a cron expression for queue snapshot backups
	BackupSchedule string `json:"backupSchedule"`
}

// Default returns the configuration used when no file exists yet
func Default(path string) Config {
	dir := filepath.Dir(path)
	return Config{
		Printer:               printer.Config{},
		Scheduler:             scheduler.DefaultOptions(),
		QueuePath:             filepath.Join(dir, "queue.json"),
		BackupPath:            filepath.Join(dir, "queue.backup.json"),
		ListenAddr:            ":8585",
		StatusRefreshSchedule: "@every 5m",
		BackupSchedule:        "@daily",
	}
}

// Load reads the config file, writing defaults when it does not exist
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := Default(path)
			return cfg, Save(path, cfg)
		}
		return Config{}, err
	}
	cfg := Default(path)
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Save writes the config document
func Save(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
