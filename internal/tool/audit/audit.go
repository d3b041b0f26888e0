// Package audit keeps the durable trail of tool invocations: one structured
// append-only record per call plus a parallel human-readable trace.
package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/pysugar/agent-nexus/internal/util"
)

// DefaultRetention bounds the rolling window of stored records.
const DefaultRetention = 1000

// Record is one tool invocation outcome. Records are write-once: nothing
// updates them after creation.
type Record struct {
	ID         string `gorm:"primaryKey" json:"id"`
	Timestamp  int64  `gorm:"index" json:"timestamp"` // unix millis
	SessionID  string `gorm:"index" json:"session_id"`
	ToolName   string `json:"tool_name"`
	Arguments  string `gorm:"type:text" json:"arguments"`
	Status     string `json:"status"` // "success" or "error"
	Result     string `gorm:"type:text" json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMS *float64 `json:"duration_ms"`
	Metadata   string `gorm:"type:text" json:"metadata,omitempty"` // JSON: model, provider, call id
}

// Logger persists records and mirrors them to a human-readable trace.
type Logger struct {
	db        *gorm.DB
	trace     *log.Logger
	retention int
}

// New creates a Logger. traceOut receives the human-readable trace (pass
// io.Discard to silence it); retention <= 0 uses DefaultRetention.
func New(db *gorm.DB, traceOut io.Writer, retention int) (*Logger, error) {
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("audit: migrate: %w", err)
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Logger{
		db:        db,
		trace:     log.New(traceOut, "[TOOL] ", log.LstdFlags),
		retention: retention,
	}, nil
}

// Log appends one record, truncating oversized result text, and prunes
// anything beyond the retention window. A storage failure is logged but
// never propagated: auditing must not break the conversation turn.
func (l *Logger) Log(rec Record) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Timestamp == 0 {
		rec.Timestamp = time.Now().UnixMilli()
	}
	rec.Result = util.TruncateResult(rec.Result)

	if rec.Status == "error" {
		l.trace.Printf("Tool %q FAILED | Session: %s | Error: %s | Args: %s",
			rec.ToolName, rec.SessionID, rec.Error, rec.Arguments)
	} else {
		l.trace.Printf("Tool %q SUCCESS | Session: %s | Duration: %s | Result: %s",
			rec.ToolName, rec.SessionID, formatDuration(rec.DurationMS),
			util.Truncate(rec.Result, 200))
	}

	if err := l.db.Create(&rec).Error; err != nil {
		log.Printf("[Audit] Failed to save record: %v", err)
		return
	}
	l.prune()
}

// Recent returns the most recent limit records, newest first.
func (l *Logger) Recent(limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	var records []Record
	err := l.db.Order("timestamp DESC").Limit(limit).Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("audit: read records: %w", err)
	}
	return records, nil
}

// BySession returns all retained records for one session, oldest first.
func (l *Logger) BySession(sessionID string) ([]Record, error) {
	var records []Record
	err := l.db.Where("session_id = ?", sessionID).Order("timestamp ASC").Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("audit: read session records: %w", err)
	}
	return records, nil
}

// prune drops everything beyond the retention window.
func (l *Logger) prune() {
	var count int64
	if err := l.db.Model(&Record{}).Count(&count).Error; err != nil {
		return
	}
	if count <= int64(l.retention) {
		return
	}
	// Keep the newest retention rows.
	sub := l.db.Model(&Record{}).Select("id").Order("timestamp DESC").Limit(l.retention)
	if err := l.db.Where("id NOT IN (?)", sub).Delete(&Record{}).Error; err != nil {
		log.Printf("[Audit] Failed to prune records: %v", err)
	}
}

// EncodeMetadata marshals caller metadata for a record.
func EncodeMetadata(meta map[string]string) string {
	if len(meta) == 0 {
		return ""
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return ""
	}
	return string(raw)
}

func formatDuration(ms *float64) string {
	if ms == nil {
		return "N/A"
	}
	return fmt.Sprintf("%.2fms", *ms)
}
