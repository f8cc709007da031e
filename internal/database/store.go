// Package database persists the signed-in session and small user settings.
package database

import (
	"context"

	"github.com/bryan-buckman/bookvore/internal/model"
)

// Store defines the interface for database operations.
// Download history is deliberately not persisted; records live in memory.
type Store interface {
	Close() error

	// Session operations. At most one session is stored.
	SaveSession(ctx context.Context, s model.Session) error
	// LoadSession returns common.ErrNoSession when nothing is stored.
	LoadSession(ctx context.Context) (model.Session, error)
	ClearSession(ctx context.Context) error

	// Settings operations. GetSetting returns "" for unknown keys.
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
}
