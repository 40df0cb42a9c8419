package database

import (
	"fmt"

	"gorm.io/gorm"
)

// MigrateIndexes applies (idempotent) raw index migrations:
// - the dedup key on inbound events: (provider, provider_event_id) must be
//   unique whenever a provider event id is present. Rows without a token
//   are intentionally not covered (no dedup possible for them).
// - the per-contact exclusion backstop on jobs: at most one "processing"
//   row per non-null contact_id. The claim statement already selects
//   around busy contacts; this index makes the invariant hold even if two
//   claimers race, because the second claim fails the unique check.
// - lookup indexes for the sweeps.
//
// Partial-index syntax below works on both PostgreSQL and SQLite, so the
// tests run the same DDL against an in-memory database.
func MigrateIndexes(db *gorm.DB) error {
	indexes := []string{
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_inbound_events_provider_event
		   ON inbound_events (provider, provider_event_id)
		   WHERE provider_event_id IS NOT NULL`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_processing_contact
		   ON jobs (contact_id)
		   WHERE status = 'processing' AND contact_id IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_claim
		   ON jobs (status, scheduled_for, priority)`,
		`CREATE INDEX IF NOT EXISTS idx_inbound_events_retry
		   ON inbound_events (status, next_retry_at)`,
	}
	for _, stmt := range indexes {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("index migration failed on: %s - %w", stmt, err)
		}
	}
	return nil
}
