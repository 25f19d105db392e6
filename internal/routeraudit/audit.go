// Package routeraudit persists the connection pool's per-attempt audit records and serves
// them back to operators.
package routeraudit

import (
	"encoding/json"
	"log"
	"time"

	"gorm.io/gorm"

	"github.com/ispbill/routerd/internal/database"
	"github.com/ispbill/routerd/internal/devicepool"
	"github.com/ispbill/routerd/internal/logutil"
)

// DefaultRetention is how long audit rows are kept when no retention is configured.
const DefaultRetention = 30 * 24 * time.Hour

const (
	defaultQueryLimit = 50
	maxQueryLimit     = 500
	maxTextLen        = 200
)

// Auditor writes RouterEvent rows. Timestamps are stored in UTC.
type Auditor struct {
	db        *gorm.DB
	retention time.Duration
	nowFn     func() time.Time // injectable clock for testing
}

// NewAuditor creates an Auditor on db. A non-positive retention uses DefaultRetention.
func NewAuditor(db *gorm.DB, retention time.Duration) *Auditor {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Auditor{db: db, retention: retention, nowFn: time.Now}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// Record stores one audit record.
func (a *Auditor) Record(rec devicepool.AuditRecord) error {
	args := "[]"
	if len(rec.Args) > 0 {
		if b, err := json.Marshal(rec.Args); err == nil {
			args = string(b)
		}
	}
	at := rec.At
	if at.IsZero() {
		at = a.nowFn()
	}

	row := database.RouterEvent{
		RequestID:  rec.RequestID,
		TenantID:   rec.TenantID,
		Host:       rec.Host,
		Port:       rec.Port,
		Kind:       rec.Kind,
		Command:    truncate(rec.Command, maxTextLen),
		Args:       args,
		WordsCount: rec.WordsCount,
		OK:         rec.OK,
		LatencyMS:  rec.Latency.Milliseconds(),
		Error:      truncate(rec.Error, maxTextLen),
		Attempt:    rec.Attempt,
		At:         at.UTC(),
	}
	if err := a.db.Create(&row).Error; err != nil {
		log.Printf("[router-audit] failed to write audit record: %v", err)
		return err
	}
	return nil
}

// Sink returns an audit function for the pool. Write failures are logged and dropped.
func (a *Auditor) Sink() devicepool.AuditFunc {
	return func(rec devicepool.AuditRecord) {
		if rec.TenantID == "" {
			return
		}
		if err := a.Record(rec); err != nil {
			return
		}
		if !rec.OK {
			log.Printf("[router-audit] %s %s on %s:%d failed (attempt %d): %s",
				rec.Kind, logutil.SanitizeForLog(rec.Command), rec.Host, rec.Port, rec.Attempt,
				logutil.SanitizeForLog(rec.Error))
		}
	}
}

// QueryOptions specifies filters for retrieving audit records.
type QueryOptions struct {
	TenantID string
	Host     string
	Kind     string
	OK       *bool
	Since    *time.Time
	Until    *time.Time
	Limit    int
	Offset   int
}

// QueryResult contains audit records and pagination metadata.
type QueryResult struct {
	Entries []database.RouterEvent `json:"entries"`
	Total   int64                  `json:"total"`
	Limit   int                    `json:"limit"`
	Offset  int                    `json:"offset"`
}

// Query returns records newest first.
func (a *Auditor) Query(opts QueryOptions) (*QueryResult, error) {
	tx := a.db.Model(&database.RouterEvent{})

	if opts.TenantID != "" {
		tx = tx.Where("tenant_id = ?", opts.TenantID)
	}
	if opts.Host != "" {
		tx = tx.Where("host = ?", opts.Host)
	}
	if opts.Kind != "" {
		tx = tx.Where("kind = ?", opts.Kind)
	}
	if opts.OK != nil {
		tx = tx.Where("ok = ?", *opts.OK)
	}
	if opts.Since != nil {
		tx = tx.Where("at >= ?", opts.Since.UTC())
	}
	if opts.Until != nil {
		tx = tx.Where("at <= ?", opts.Until.UTC())
	}

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, err
	}

	if opts.Limit <= 0 {
		opts.Limit = defaultQueryLimit
	}
	if opts.Limit > maxQueryLimit {
		opts.Limit = maxQueryLimit
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}

	var entries []database.RouterEvent
	if err := tx.Order("at DESC, id DESC").Offset(opts.Offset).Limit(opts.Limit).Find(&entries).Error; err != nil {
		return nil, err
	}

	return &QueryResult{
		Entries: entries,
		Total:   total,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
	}, nil
}

// PurgeOlderThan removes records older than age. A non-positive age uses the configured
// retention. Returns the number of records deleted.
func (a *Auditor) PurgeOlderThan(age time.Duration) (int64, error) {
	if age <= 0 {
		age = a.retention
	}
	cutoff := a.nowFn().Add(-age).UTC()
	result := a.db.Where("at < ?", cutoff).Delete(&database.RouterEvent{})
	if result.Error != nil {
		log.Printf("[router-audit] purge failed: %v", result.Error)
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		log.Printf("[router-audit] purged %d audit records older than %s", result.RowsAffected, age)
	}
	return result.RowsAffected, nil
}

// Retention returns the configured retention period.
func (a *Auditor) Retention() time.Duration {
	return a.retention
}

// SetNowFunc sets the clock function used for testing.
func (a *Auditor) SetNowFunc(fn func() time.Time) {
	a.nowFn = fn
}
