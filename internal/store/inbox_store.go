package store

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"reviewflow/internal/model"
)

// InboxStore implements the inbox pattern: one row per consumed message id
// so handling is idempotent across redeliveries. Consumption is two-phase:
// Record claims the id, MarkProcessed finalizes it after successful
// handling, Release drops the claim so a transport retry of the same
// message id is handled again.
type InboxStore struct {
	db *gorm.DB
}

// NewInboxStore returns a store over the given database handle.
func NewInboxStore(db *gorm.DB) *InboxStore {
	return &InboxStore{db: db}
}

// Record claims the message id for processing. first is false only when the
// message was already fully processed; an unprocessed row left behind by a
// crashed worker is reclaimed so the redelivery retries.
func (s *InboxStore) Record(ctx context.Context, messageID, jobID, consumerID string) (first bool, err error) {
	row := model.InboxMessage{MessageID: messageID}
	if jobID != "" {
		row.JobID = &jobID
	}
	if consumerID != "" {
		row.ConsumerID = &consumerID
	}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "message_id"}},
			DoNothing: true,
		}).
		Create(&row)
	if res.Error != nil {
		return false, fmt.Errorf("record inbox message %s: %w", messageID, res.Error)
	}
	if res.RowsAffected > 0 {
		return true, nil
	}
	// The id exists. A processed row is a duplicate delivery; an unprocessed
	// one belongs to a worker that died mid-handling and may be reclaimed.
	res = s.db.WithContext(ctx).Exec(`
update inbox_messages
set consumer_id = ?, created_at = now()
where message_id = ? and processed = false`, consumerID, messageID)
	if res.Error != nil {
		return false, fmt.Errorf("reclaim inbox message %s: %w", messageID, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// MarkProcessed finalizes the claim after the handler succeeded. From here
// on every redelivery of the message id is dropped as a duplicate.
func (s *InboxStore) MarkProcessed(ctx context.Context, messageID string) error {
	err := s.db.WithContext(ctx).Exec(`
update inbox_messages
set processed = true, processed_at = now()
where message_id = ?`, messageID).Error
	if err != nil {
		return fmt.Errorf("mark inbox message %s processed: %w", messageID, err)
	}
	return nil
}

// Release drops an unprocessed claim after the handler failed, so the
// transport retry of the same message id gets a fresh attempt.
func (s *InboxStore) Release(ctx context.Context, messageID string) error {
	err := s.db.WithContext(ctx).Exec(`
delete from inbox_messages
where message_id = ? and processed = false`, messageID).Error
	if err != nil {
		return fmt.Errorf("release inbox message %s: %w", messageID, err)
	}
	return nil
}
