package app

import (
	"fmt"
	"strings"
	"time"

	"userscriptd/internal/config"
	"userscriptd/internal/storage"
	logx "userscriptd/pkg/logx"
)

// mapStorageConfig returns enabled=false for the in-memory driver.
func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "", "memory", "mem":
		return storage.Config{}, false, nil
	case "file":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=file")
		}
		return storage.Config{Driver: "file", Path: path, CompactEvery: sc.CompactEvery}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func openStore(cfg *config.Config, log logx.Logger) (storage.Store, string, error) {
	sc, enabled, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, "", err
	}
	if !enabled {
		return storage.NewMemory(), "memory", nil
	}
	st, err := storage.Open(sc, log)
	if err != nil {
		return nil, "", fmt.Errorf("open %s store: %w", sc.Driver, err)
	}
	return st, sc.Driver, nil
}
