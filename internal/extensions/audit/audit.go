// Package audit implements the default AuditSink (spec §4.5, §7): a small
// GORM-backed table that persists every permission denial the dispatcher
// observes when the host application doesn't wire in its own sink. The
// schema follows the teacher's gorm.Model-embedding, tagged-column
// convention in backend/internal/extensions/models.go, swapped from
// postgres onto gorm.io/driver/sqlite + modernc.org/sqlite for a
// single-file local audit log instead of a networked database.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/apex-build/sheetext-host/internal/extensions/api"
)

// DeniedEvent is one persisted row: a denied permission check or a
// rejected network call, whichever AuditSink.LogDenied reported.
type DeniedEvent struct {
	ID          uint      `gorm:"primarykey"`
	CreatedAt   time.Time `gorm:"index"`
	ExtensionID string    `gorm:"index;not null;size:200"`
	APIKey      string    `gorm:"not null;size:200"`
	Permissions string    `gorm:"type:text"` // JSON array of extensions.Permission
	URL         string    `gorm:"size:2000"`
	Message     string    `gorm:"type:text"`
}

// Sink persists DeniedEvent rows via GORM, satisfying api.AuditSink.
type Sink struct {
	db *gorm.DB
}

// Open opens (creating if necessary) a SQLite-backed audit log at path and
// migrates its schema.
func Open(path string) (*Sink, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&DeniedEvent{}); err != nil {
		return nil, err
	}
	return &Sink{db: db}, nil
}

// LogDenied persists one denial record, best-effort: a write failure is
// swallowed rather than propagated, since an audit-log outage must never
// turn into a denial of the operation whose rejection it was recording.
func (s *Sink) LogDenied(ctx context.Context, event api.AuditEvent) {
	perms, _ := json.Marshal(event.Permissions)
	row := DeniedEvent{
		ExtensionID: string(event.ExtensionID),
		APIKey:      event.APIKey,
		Permissions: string(perms),
		URL:         event.URL,
		Message:     event.Message,
	}
	s.db.WithContext(ctx).Create(&row)
}

// Recent returns the most recent audit rows for id, newest first, for a
// host-side "why was this denied" admin view.
func (s *Sink) Recent(id string, limit int) ([]DeniedEvent, error) {
	var rows []DeniedEvent
	err := s.db.Where("extension_id = ?", id).Order("created_at desc").Limit(limit).Find(&rows).Error
	return rows, err
}

// Close releases the underlying sql.DB connection.
func (s *Sink) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
