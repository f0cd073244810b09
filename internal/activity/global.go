package activity

import (
	"sync"

	"gorm.io/gorm"
)

var (
	globalAuditor *Auditor
	globalMu      sync.RWMutex
)

// InitGlobal creates the global Auditor. Call once after the database is up.
func InitGlobal(db *gorm.DB, retentionDays int) *Auditor {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalAuditor = NewAuditor(db, retentionDays)
	return globalAuditor
}

func GetAuditor() *Auditor {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalAuditor
}

// SetGlobalForTest swaps the global Auditor; pass nil to clear it.
func SetGlobalForTest(a *Auditor) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalAuditor = a
}
