package activity

import (
	"fmt"
	"log"
	"time"

	"github.com/RubenOsiris073/ssh-manager/internal/database"
	"github.com/RubenOsiris073/ssh-manager/internal/logging"
	"github.com/robfig/cron/v3"
	"gorm.io/gorm"
)

// Actions stored in activity_logs.action.
const (
	ActionConnect           = "SSH_CONNECT"
	ActionDisconnect        = "SSH_DISCONNECT"
	ActionConnectFailed     = "CONNECTION_FAILED"
	ActionSessionReaped     = "SESSION_REAPED"
	ActionLogin             = "LOGIN"
	ActionLoginFailed       = "LOGIN_FAILED"
	ActionLogout            = "LOGOUT"
	ActionConnectionCreated = "CONNECTION_CREATED"
	ActionConnectionDeleted = "CONNECTION_DELETED"
	ActionConnectionUpdated = "CONNECTION_UPDATED"
)

const (
	DefaultRetentionDays = 90
	DefaultPurgeSpec     = "@daily"
)

// Entry is one event to record.
type Entry struct {
	UserID       string
	ConnectionID string
	SessionID    string
	Action       string
	Details      string
	IPAddress    string
	Failed       bool
	Duration     time.Duration
}

// Auditor writes activity entries to the database.
type Auditor struct {
	db            *gorm.DB
	retentionDays int
	nowFn         func() time.Time
}

func NewAuditor(db *gorm.DB, retentionDays int) *Auditor {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	return &Auditor{db: db, retentionDays: retentionDays, nowFn: time.Now}
}

func (a *Auditor) Log(e Entry) error {
	record := database.ActivityLog{
		UserID:       e.UserID,
		ConnectionID: e.ConnectionID,
		SessionID:    e.SessionID,
		Action:       e.Action,
		Details:      logging.Sanitize(e.Details),
		IPAddress:    e.IPAddress,
		Success:      !e.Failed,
		DurationMs:   e.Duration.Milliseconds(),
	}
	if err := a.db.Create(&record).Error; err != nil {
		log.Printf("[activity] failed to write %s: %v", e.Action, err)
		return err
	}

	log.Printf("[activity] %s user=%s conn=%s session=%s ip=%s %s",
		e.Action, e.UserID, e.ConnectionID, e.SessionID, e.IPAddress, record.Details)
	return nil
}

type QueryOptions struct {
	UserID string
	Action string
	Since  *time.Time
	Limit  int
	Offset int
}

type QueryResult struct {
	Entries []database.ActivityLog `json:"entries"`
	Total   int64                  `json:"total"`
	Limit   int                    `json:"limit"`
	Offset  int                    `json:"offset"`
}

// Query returns matching entries, newest first. Limit defaults to 50 and
// is capped at 1000.
func (a *Auditor) Query(opts QueryOptions) (*QueryResult, error) {
	tx := a.db.Model(&database.ActivityLog{})
	if opts.UserID != "" {
		tx = tx.Where("user_id = ?", opts.UserID)
	}
	if opts.Action != "" {
		tx = tx.Where("action = ?", opts.Action)
	}
	if opts.Since != nil {
		tx = tx.Where("created_at >= ?", *opts.Since)
	}

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, err
	}

	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	opts.Limit = min(opts.Limit, 1000)

	var entries []database.ActivityLog
	if err := tx.Order("created_at DESC, id DESC").Offset(opts.Offset).Limit(opts.Limit).Find(&entries).Error; err != nil {
		return nil, err
	}
	return &QueryResult{Entries: entries, Total: total, Limit: opts.Limit, Offset: opts.Offset}, nil
}

// PurgeOlderThan deletes entries older than days, or the retention period
// when days is not positive.
func (a *Auditor) PurgeOlderThan(days int) (int64, error) {
	if days <= 0 {
		days = a.retentionDays
	}
	cutoff := a.nowFn().AddDate(0, 0, -days)
	res := a.db.Where("created_at < ?", cutoff).Delete(&database.ActivityLog{})
	if res.Error != nil {
		log.Printf("[activity] purge failed: %v", res.Error)
		return 0, res.Error
	}
	if res.RowsAffected > 0 {
		log.Printf("[activity] purged %d entries older than %d days", res.RowsAffected, days)
	}
	return res.RowsAffected, nil
}

// Schedule starts a cron runner that purges on spec. Stop the returned
// runner on shutdown.
func (a *Auditor) Schedule(spec string) (*cron.Cron, error) {
	if spec == "" {
		spec = DefaultPurgeSpec
	}
	c := cron.New()
	if _, err := c.AddFunc(spec, func() { a.PurgeOlderThan(0) }); err != nil {
		return nil, fmt.Errorf("schedule activity purge: %w", err)
	}
	c.Start()
	return c, nil
}

func (a *Auditor) RetentionDays() int { return a.retentionDays }

// SetNowFunc replaces the clock used by PurgeOlderThan.
func (a *Auditor) SetNowFunc(fn func() time.Time) { a.nowFn = fn }
