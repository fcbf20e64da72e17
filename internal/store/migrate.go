package store

import (
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"reviewflow/internal/model"
)

// Connect opens the Postgres database.
func Connect(dsn string) (*gorm.DB, error) {
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return gdb, nil
}

// AutoMigrateAndIndexes creates the engine tables and the indexes gorm tags
// cannot express.
func AutoMigrateAndIndexes(gdb *gorm.DB) error {
	if err := gdb.AutoMigrate(
		&model.WorkflowJob{},
		&model.ExecutionAttempt{},
		&model.InboxMessage{},
	); err != nil {
		return err
	}

	// One primary review job per (platform, repository, pull request).
	if err := gdb.Exec(`
create unique index if not exists uq_jobs_review_target
on workflow_jobs ((metadata->>'platformType'), (metadata->>'repositoryId'), (metadata->>'pullRequestNumber'))
where workflow_type = 'CODE_REVIEW' and metadata->>'platformType' is not null;
`).Error; err != nil {
		return err
	}

	stmts := []string{
		`create index if not exists idx_jobs_claim on workflow_jobs(status, priority desc, scheduled_at);`,
		`create index if not exists idx_jobs_lock on workflow_jobs(status, locked_at);`,
		`create index if not exists idx_jobs_waiting on workflow_jobs((waiting_for_event->>'eventType'), (waiting_for_event->>'eventKey')) where status = 'WAITING_FOR_EVENT';`,
		`create index if not exists idx_history_job_attempt on job_execution_history(job_id, attempt_number);`,
	}
	for _, s := range stmts {
		if err := gdb.Exec(s).Error; err != nil {
			return fmt.Errorf("index exec failed: %w (sql=%s)", err, s)
		}
	}
	return nil
}
