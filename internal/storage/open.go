package storage

import (
	"fmt"
	"strings"

	logx "mailgate/pkg/logx"
)

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("storage: path is required for %s driver", driver)
	}
	log = log.Component("storage").With(logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, fmt.Errorf("storage: unknown driver %q", driver)
	}
}
