package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "crankd/pkg/logx"
)

// Store is the persistence API used by the crank worker and alerts.
type Store interface {
	AppendAudit(ctx context.Context, e AuditEntry) error
	// RecentAudit returns up to limit entries for task, newest first.
	RecentAudit(ctx context.Context, task string, limit int) ([]AuditEntry, error)
	// PruneAudit drops entries recorded before cutoff and reports how many.
	PruneAudit(ctx context.Context, before time.Time) (int, error)
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
