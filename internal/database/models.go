package database

import (
	"log"
	"time"
)

// OperationRecord is one audited file operation.
type OperationRecord struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID string    `gorm:"not null;index" json:"session_id"`
	Kind      string    `gorm:"not null" json:"kind"`
	Target    string    `gorm:"not null" json:"target"`
	Outcome   string    `gorm:"not null" json:"outcome"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

// AuditLog writes operation records. Its zero value is usable and satisfies
// the orchestrator's audit interface.
type AuditLog struct{}

func (AuditLog) RecordOperation(sessionID, kind, target, outcome, detail string) {
	rec := OperationRecord{
		SessionID: sessionID,
		Kind:      kind,
		Target:    target,
		Outcome:   outcome,
		Detail:    detail,
	}
	if err := DB.Create(&rec).Error; err != nil {
		log.Printf("[database] record operation: %v", err)
	}
}

// RecentOperations returns the newest records for a session, most recent
// first. An empty sessionID returns records across all sessions.
func RecentOperations(sessionID string, limit int) ([]OperationRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	q := DB.Order("created_at DESC, id DESC").Limit(limit)
	if sessionID != "" {
		q = q.Where("session_id = ?", sessionID)
	}
	var recs []OperationRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, err
	}
	return recs, nil
}

// PurgeOperationsBefore deletes records older than the cutoff and returns
// how many were removed. Wired to the retention cron job.
func PurgeOperationsBefore(cutoff time.Time) (int64, error) {
	res := DB.Where("created_at < ?", cutoff).Delete(&OperationRecord{})
	return res.RowsAffected, res.Error
}
