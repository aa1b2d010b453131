// internal/domain/audit/service.go
package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ActorDirectory resolves actor ids to display names
type ActorDirectory interface {
	Lookup(ctx context.Context, actorID int64) (string, bool)
}

// Service appends and reads audit entries
type Service struct {
	db        *gorm.DB
	directory ActorDirectory
}

// NewService creates a new audit service
func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

// WithDirectory attaches an actor directory used by Describe
func (s *Service) WithDirectory(dir ActorDirectory) *Service {
	cp := *s
	cp.directory = dir
	return &cp
}

// WithTx returns a service whose writes join the given transaction
func (s *Service) WithTx(tx *gorm.DB) *Service {
	cp := *s
	cp.db = tx
	return &cp
}

// Append inserts an entry. Entries are never updated or deleted.
func (s *Service) Append(ctx context.Context, entry Entry) error {
	entry.ID = 0
	if err := s.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// Record builds an entry from arbitrary old/new values and appends it
func (s *Service) Record(ctx context.Context, actorID int64, action, table string, recordID int64, oldValues, newValues interface{}) error {
	oldJSON, err := toJSON(oldValues)
	if err != nil {
		return err
	}
	newJSON, err := toJSON(newValues)
	if err != nil {
		return err
	}

	return s.Append(ctx, Entry{
		ActorID:       actorID,
		Action:        action,
		TableAffected: table,
		RecordID:      recordID,
		OldValues:     oldJSON,
		NewValues:     newJSON,
	})
}

// List returns entries for a record, oldest first. An empty table lists everything.
func (s *Service) List(ctx context.Context, table string, recordID int64, limit int) ([]Entry, error) {
	query := s.db.WithContext(ctx).Model(&Entry{})
	if table != "" {
		query = query.Where("table_affected = ?", table)
		if recordID != 0 {
			query = query.Where("record_id = ?", recordID)
		}
	}
	if limit > 0 {
		query = query.Limit(limit)
	}

	var entries []Entry
	if err := query.Order("id ASC").Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	return entries, nil
}

// Describe returns a display name for the actor, or "unknown"
func (s *Service) Describe(ctx context.Context, actorID int64) string {
	if s.directory != nil {
		if name, ok := s.directory.Lookup(ctx, actorID); ok {
			return name
		}
	}
	return "unknown"
}

func toJSON(v interface{}) (datatypes.JSON, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode audit values: %w", err)
	}
	return datatypes.JSON(raw), nil
}
