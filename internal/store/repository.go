package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// Repository implements the message store over Postgres. Every method is a
// single transaction; the dispatcher and the retry sweep coordinate through
// these operations only.
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a message store repository.
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

const messageColumns = `
	id, channel, recipient, content, priority, status,
	attempts, max_attempts, requeues, last_error,
	queued_at, sent_at, last_attempt_at, retry_at, claimed_at
`

func scanMessage(row pgx.Row) (*QueuedMessage, error) {
	var m QueuedMessage
	err := row.Scan(
		&m.ID,
		&m.Channel,
		&m.Recipient,
		&m.Content,
		&m.Priority,
		&m.Status,
		&m.Attempts,
		&m.MaxAttempts,
		&m.Requeues,
		&m.LastError,
		&m.QueuedAt,
		&m.SentAt,
		&m.LastAttemptAt,
		&m.RetryAt,
		&m.ClaimedAt,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// Enqueue inserts a new message with status queued and attempts 0. A failed
// insert leaves no partial state.
func (r *Repository) Enqueue(ctx context.Context, msg *QueuedMessage) error {
	query := `
		INSERT INTO message_queue (
			id, channel, recipient, content, priority, status, attempts, max_attempts
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8
		)
		RETURNING queued_at
	`

	err := r.db.Pool().QueryRow(
		ctx,
		query,
		msg.ID,
		msg.Channel,
		msg.Recipient,
		msg.Content,
		msg.Priority,
		StatusQueued,
		0,
		msg.MaxAttempts,
	).Scan(&msg.QueuedAt)

	if err != nil {
		r.logger.Error("failed to enqueue message",
			zap.Error(err),
			zap.String("message_id", msg.ID.String()),
			zap.String("channel", string(msg.Channel)),
		)
		return fmt.Errorf("insert message: %w", err)
	}

	msg.Status = StatusQueued

	r.logger.Info("message enqueued",
		zap.String("message_id", msg.ID.String()),
		zap.String("channel", string(msg.Channel)),
		zap.Int("priority", msg.Priority),
	)

	return nil
}

// GetMessage retrieves a queued message by ID.
func (r *Repository) GetMessage(ctx context.Context, id uuid.UUID) (*QueuedMessage, error) {
	query := `SELECT ` + messageColumns + ` FROM message_queue WHERE id = $1`

	m, err := scanMessage(r.db.Pool().QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query message: %w", err)
	}
	return m, nil
}

// ClaimBatch atomically claims up to limit due messages for processing.
// Eligible rows are queued, under their attempt budget and past any retry_at
// cooldown; they come back ordered by priority then age. The claim marks rows
// processing inside the same transaction, so two concurrent dispatchers can
// never both claim the same message (SKIP LOCKED keeps them from blocking
// each other).
func (r *Repository) ClaimBatch(ctx context.Context, limit int) ([]*QueuedMessage, error) {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query := `
		UPDATE message_queue
		SET status = $1, claimed_at = NOW()
		WHERE id IN (
			SELECT id FROM message_queue
			WHERE status = $2
			  AND attempts < max_attempts
			  AND (retry_at IS NULL OR retry_at <= NOW())
			ORDER BY priority ASC, queued_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + messageColumns

	rows, err := tx.Query(ctx, query, StatusProcessing, StatusQueued, limit)
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}

	var claimed []*QueuedMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan claimed message: %w", err)
		}
		claimed = append(claimed, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claimed rows: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}

	// RETURNING does not honor the inner ORDER BY, so restore it here.
	sortByPriorityAge(claimed)

	return claimed, nil
}

func sortByPriorityAge(msgs []*QueuedMessage) {
	// Insertion sort; batches are small.
	for i := 1; i < len(msgs); i++ {
		for j := i; j > 0; j-- {
			a, b := msgs[j-1], msgs[j]
			if a.Priority < b.Priority || (a.Priority == b.Priority && !a.QueuedAt.After(b.QueuedAt)) {
				break
			}
			msgs[j-1], msgs[j] = b, a
		}
	}
}

// MarkSent records a successful delivery. The successful attempt counts
// against the attempt budget.
func (r *Repository) MarkSent(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE message_queue
		SET status = $1, sent_at = NOW(), attempts = attempts + 1,
		    last_attempt_at = NOW(), last_error = NULL, claimed_at = NULL
		WHERE id = $2
	`

	result, err := r.db.Pool().Exec(ctx, query, StatusSent, id)
	if err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	return nil
}

// RecordAttemptFailure increments the attempt counter and either re-queues
// the message for a later retry (retryAt) or, when the budget is exhausted,
// marks it failed. Returns the new attempt count and whether this was the
// final allowed attempt.
func (r *Repository) RecordAttemptFailure(ctx context.Context, id uuid.UUID, sendErr string, retryAt time.Time) (int, bool, error) {
	query := `
		UPDATE message_queue
		SET attempts = attempts + 1,
		    last_attempt_at = NOW(),
		    last_error = $2,
		    claimed_at = NULL,
		    status = CASE WHEN attempts + 1 >= max_attempts THEN $3 ELSE $4 END,
		    retry_at = CASE WHEN attempts + 1 >= max_attempts THEN retry_at ELSE $5 END
		WHERE id = $1
		RETURNING attempts, status
	`

	var attempts int
	var status string
	err := r.db.Pool().QueryRow(ctx, query, id, sendErr, StatusFailed, StatusQueued, retryAt).Scan(&attempts, &status)
	if err == pgx.ErrNoRows {
		return 0, false, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return 0, false, fmt.Errorf("record attempt failure: %w", err)
	}

	return attempts, status == StatusFailed, nil
}

// Release puts a claimed message back on the queue without consuming an
// attempt. Used when the send was never tried (circuit open, shutdown).
func (r *Repository) Release(ctx context.Context, id uuid.UUID, retryAt time.Time) error {
	query := `
		UPDATE message_queue
		SET status = $1, retry_at = $2, claimed_at = NULL
		WHERE id = $3 AND status = $4
	`

	_, err := r.db.Pool().Exec(ctx, query, StatusQueued, retryAt, id, StatusProcessing)
	if err != nil {
		return fmt.Errorf("release message: %w", err)
	}
	return nil
}

// FindRetriableFailed returns failed messages whose last attempt is older
// than the cooldown window, oldest first. The retry sweep decides whether
// each gets a fresh budget or goes to the dead-letter table.
func (r *Repository) FindRetriableFailed(ctx context.Context, cooldown time.Duration, limit int) ([]*QueuedMessage, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM message_queue
		WHERE status = $1 AND last_attempt_at < NOW() - $2::interval
		ORDER BY last_attempt_at ASC
		LIMIT $3
	`

	rows, err := r.db.Pool().Query(ctx, query, StatusFailed, cooldown.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("query retriable failed: %w", err)
	}
	defer rows.Close()

	var msgs []*QueuedMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return msgs, nil
}

// RequeueFailed grants a failed message a fresh attempt budget. The requeue
// counter is cumulative so the sweep can cap how many fresh budgets a message
// ever gets.
func (r *Repository) RequeueFailed(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE message_queue
		SET status = $1, attempts = 0, retry_at = NOW(), requeues = requeues + 1
		WHERE id = $2 AND status = $3
	`

	result, err := r.db.Pool().Exec(ctx, query, StatusQueued, id, StatusFailed)
	if err != nil {
		return fmt.Errorf("requeue failed message: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("message %s not failed: %w", id, ErrNotFound)
	}

	r.logger.Info("failed message re-queued",
		zap.String("message_id", id.String()),
	)

	return nil
}

// ReclaimStuck returns messages stuck in processing (claimed by a dispatcher
// that died mid-send) to the queue. Returns the number reclaimed.
func (r *Repository) ReclaimStuck(ctx context.Context, olderThan time.Duration) (int, error) {
	query := `
		UPDATE message_queue
		SET status = $1, claimed_at = NULL
		WHERE status = $2 AND claimed_at < NOW() - $3::interval
	`

	result, err := r.db.Pool().Exec(ctx, query, StatusQueued, StatusProcessing, olderThan.String())
	if err != nil {
		return 0, fmt.Errorf("reclaim stuck messages: %w", err)
	}

	n := int(result.RowsAffected())
	if n > 0 {
		r.logger.Warn("reclaimed stuck messages",
			zap.Int("count", n),
			zap.Duration("older_than", olderThan),
		)
	}

	return n, nil
}

// MoveToDeadLetter pulls a message out of the dispatch path into the
// dead-letter table, in one transaction.
func (r *Repository) MoveToDeadLetter(ctx context.Context, msg *QueuedMessage, reason, lastError string) (*DeadLetterMessage, error) {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	dlq := &DeadLetterMessage{
		ID:                uuid.New(),
		OriginalMessageID: msg.ID,
		Channel:           msg.Channel,
		Recipient:         msg.Recipient,
		Content:           msg.Content,
		Priority:          msg.Priority,
		Attempts:          msg.Attempts,
		LastError:         lastError,
		Reason:            reason,
		Status:            DLQStatusPending,
	}

	insertQuery := `
		INSERT INTO dead_letter_messages (
			id, original_message_id, channel, recipient, content,
			priority, attempts, last_error, reason, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at
	`

	err = tx.QueryRow(ctx, insertQuery,
		dlq.ID,
		dlq.OriginalMessageID,
		dlq.Channel,
		dlq.Recipient,
		dlq.Content,
		dlq.Priority,
		dlq.Attempts,
		dlq.LastError,
		dlq.Reason,
		dlq.Status,
	).Scan(&dlq.CreatedAt, &dlq.UpdatedAt)

	if err != nil {
		return nil, fmt.Errorf("insert dead letter: %w", err)
	}

	updateQuery := `UPDATE message_queue SET status = $1, claimed_at = NULL WHERE id = $2`
	_, err = tx.Exec(ctx, updateQuery, StatusDeadLettered, msg.ID)
	if err != nil {
		return nil, fmt.Errorf("update message status: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	r.logger.Warn("message moved to dead letter queue",
		zap.String("message_id", msg.ID.String()),
		zap.String("dlq_id", dlq.ID.String()),
		zap.String("reason", reason),
		zap.String("last_error", lastError),
	)

	return dlq, nil
}

// ListDeadLetters retrieves dead-letter items, newest first.
func (r *Repository) ListDeadLetters(ctx context.Context, limit, offset int) ([]*DeadLetterMessage, error) {
	query := `
		SELECT
			id, original_message_id, channel, recipient, content,
			priority, attempts, last_error, reason, status, retried_message_id,
			created_at, updated_at
		FROM dead_letter_messages
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`

	rows, err := r.db.Pool().Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}
	defer rows.Close()

	var items []*DeadLetterMessage
	for rows.Next() {
		var dlq DeadLetterMessage
		err := rows.Scan(
			&dlq.ID,
			&dlq.OriginalMessageID,
			&dlq.Channel,
			&dlq.Recipient,
			&dlq.Content,
			&dlq.Priority,
			&dlq.Attempts,
			&dlq.LastError,
			&dlq.Reason,
			&dlq.Status,
			&dlq.RetriedMessageID,
			&dlq.CreatedAt,
			&dlq.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		items = append(items, &dlq)
	}

	return items, rows.Err()
}

// GetDeadLetter retrieves a single dead-letter item by ID.
func (r *Repository) GetDeadLetter(ctx context.Context, id uuid.UUID) (*DeadLetterMessage, error) {
	query := `
		SELECT
			id, original_message_id, channel, recipient, content,
			priority, attempts, last_error, reason, status, retried_message_id,
			created_at, updated_at
		FROM dead_letter_messages
		WHERE id = $1
	`

	var dlq DeadLetterMessage
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(
		&dlq.ID,
		&dlq.OriginalMessageID,
		&dlq.Channel,
		&dlq.Recipient,
		&dlq.Content,
		&dlq.Priority,
		&dlq.Attempts,
		&dlq.LastError,
		&dlq.Reason,
		&dlq.Status,
		&dlq.RetriedMessageID,
		&dlq.CreatedAt,
		&dlq.UpdatedAt,
	)

	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("dead letter %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query dead letter: %w", err)
	}

	return &dlq, nil
}

// RetryDeadLetter enqueues a fresh message from a dead-letter item and marks
// the item retried.
func (r *Repository) RetryDeadLetter(ctx context.Context, dlqID uuid.UUID) (*QueuedMessage, error) {
	dlq, err := r.GetDeadLetter(ctx, dlqID)
	if err != nil {
		return nil, err
	}

	if dlq.Status != DLQStatusPending {
		return nil, fmt.Errorf("dead letter already processed: %s", dlq.Status)
	}

	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	fresh := &QueuedMessage{
		ID:        uuid.New(),
		Channel:   dlq.Channel,
		Recipient: dlq.Recipient,
		Content:   dlq.Content,
		Priority:  dlq.Priority,
		Status:    StatusQueued,
	}

	insertQuery := `
		INSERT INTO message_queue (
			id, channel, recipient, content, priority, status, attempts, max_attempts
		) VALUES ($1, $2, $3, $4, $5, $6, 0, DEFAULT)
		RETURNING queued_at, max_attempts
	`

	err = tx.QueryRow(ctx, insertQuery,
		fresh.ID,
		fresh.Channel,
		fresh.Recipient,
		fresh.Content,
		fresh.Priority,
		fresh.Status,
	).Scan(&fresh.QueuedAt, &fresh.MaxAttempts)

	if err != nil {
		return nil, fmt.Errorf("insert retry message: %w", err)
	}

	updateQuery := `
		UPDATE dead_letter_messages
		SET status = $1, retried_message_id = $2, updated_at = NOW()
		WHERE id = $3
	`
	_, err = tx.Exec(ctx, updateQuery, DLQStatusRetried, fresh.ID, dlqID)
	if err != nil {
		return nil, fmt.Errorf("update dead letter: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	r.logger.Info("dead letter retried",
		zap.String("dlq_id", dlqID.String()),
		zap.String("new_message_id", fresh.ID.String()),
	)

	return fresh, nil
}

// DiscardDeadLetter marks a dead-letter item as discarded for good.
func (r *Repository) DiscardDeadLetter(ctx context.Context, dlqID uuid.UUID) error {
	query := `
		UPDATE dead_letter_messages
		SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3
	`

	result, err := r.db.Pool().Exec(ctx, query, DLQStatusDiscarded, dlqID, DLQStatusPending)
	if err != nil {
		return fmt.Errorf("discard dead letter: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("dead letter not found or already processed: %w", ErrNotFound)
	}

	r.logger.Info("dead letter discarded", zap.String("dlq_id", dlqID.String()))

	return nil
}

// AppendDeliveryStatus appends one delivery log entry. Reporting is
// best-effort: callers log failures and move on, they never fail the send
// path over this.
func (r *Repository) AppendDeliveryStatus(ctx context.Context, rec *DeliveryStatusRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}

	query := `
		INSERT INTO delivery_status (
			id, message_id, channel, recipient, status,
			sent_at, delivered_at, error, attempts, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		rec.ID,
		rec.MessageID,
		rec.Channel,
		rec.Recipient,
		rec.Status,
		rec.SentAt,
		rec.DeliveredAt,
		rec.Error,
		rec.Attempts,
		rec.Metadata,
	).Scan(&rec.CreatedAt)

	if err != nil {
		return fmt.Errorf("append delivery status: %w", err)
	}
	return nil
}

// GetMessageStatus returns the externally visible status of a message,
// joined with its latest delivery confirmation.
func (r *Repository) GetMessageStatus(ctx context.Context, id uuid.UUID) (*MessageStatus, error) {
	query := `
		SELECT
			m.id, m.channel, COALESCE(ds.recipient, ''), m.status,
			m.sent_at, ds.delivered_at, m.last_error, m.attempts
		FROM message_queue m
		LEFT JOIN LATERAL (
			SELECT recipient, delivered_at
			FROM delivery_status
			WHERE message_id = m.id
			ORDER BY created_at DESC
			LIMIT 1
		) ds ON TRUE
		WHERE m.id = $1
	`

	var s MessageStatus
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(
		&s.MessageID,
		&s.Channel,
		&s.Recipient,
		&s.Status,
		&s.SentAt,
		&s.DeliveredAt,
		&s.Error,
		&s.Attempts,
	)

	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query message status: %w", err)
	}

	return &s, nil
}

// ListTemplates returns the notification templates for a channel, or all
// templates when channel is empty. The template store is owned elsewhere;
// the core only reads it.
func (r *Repository) ListTemplates(ctx context.Context, channel Channel) ([]*Template, error) {
	query := `
		SELECT id, name, channel, subject, content, variables
		FROM notification_templates
		WHERE ($1 = '' OR channel = $1)
		ORDER BY name ASC
	`

	rows, err := r.db.Pool().Query(ctx, query, string(channel))
	if err != nil {
		return nil, fmt.Errorf("query templates: %w", err)
	}
	defer rows.Close()

	var templates []*Template
	for rows.Next() {
		var t Template
		if err := rows.Scan(&t.ID, &t.Name, &t.Channel, &t.Subject, &t.Content, &t.Variables); err != nil {
			return nil, fmt.Errorf("scan template: %w", err)
		}
		templates = append(templates, &t)
	}

	return templates, rows.Err()
}

// UpsertPreferences stores a customer's channel opt-ins, keyed by customer.
func (r *Repository) UpsertPreferences(ctx context.Context, p *Preferences) error {
	query := `
		INSERT INTO communication_preferences (customer_id, whatsapp, email, sms, marketing, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (customer_id) DO UPDATE
		SET whatsapp = EXCLUDED.whatsapp,
		    email = EXCLUDED.email,
		    sms = EXCLUDED.sms,
		    marketing = EXCLUDED.marketing,
		    updated_at = NOW()
		RETURNING updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		p.CustomerID, p.WhatsApp, p.Email, p.SMS, p.Marketing,
	).Scan(&p.UpdatedAt)

	if err != nil {
		return fmt.Errorf("upsert preferences: %w", err)
	}
	return nil
}
