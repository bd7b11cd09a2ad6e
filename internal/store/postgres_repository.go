/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * It contains all the SQL needed to maintain the ledger state: the universities
 * table, the aid_requests table, the donor_contributions tracking table, the
 * single-row ledger_totals accumulators and the ledger_events outbox.
 *
 * Every mutating method runs as one database transaction. University and
 * request rows are locked with FOR UPDATE before validation so that concurrent
 * or reentrant submissions serialize on the row and observe each other's
 * committed state.
 *
 * The ledger_totals table must be provisioned with exactly one row (all
 * counters at zero). GetStats reads it and the donation/approval paths
 * UPDATE it in place; neither inserts the row.
 *
 * @dependencies
 * - context, encoding/json, fmt, strings: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/campusshield/ledger-service/internal/domain"
)

const aidRequestColumns = `id, university_id, student, amount, reason, is_processed, is_approved, created_at`

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// CreateUniversity registers a new pool with the caller as admin. Duplicate
// names are allowed; every call creates a distinct university with the next
// sequential id.
func (r *PostgresRepository) CreateUniversity(ctx context.Context, name, admin string) (*domain.University, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var uni domain.University
	query := `
		INSERT INTO universities (name, admin, balance, is_active, donor_count, requests_count)
		VALUES ($1, lower($2), 0, TRUE, 0, 0)
		RETURNING id, name, admin, balance, is_active, donor_count, requests_count, created_at
	`
	err = tx.QueryRow(ctx, query, name, admin).Scan(
		&uni.ID, &uni.Name, &uni.Admin, &uni.Balance, &uni.IsActive, &uni.DonorCount, &uni.RequestsCount, &uni.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert university: %w", err)
	}

	event := domain.UniversityRegisteredEvent{UniversityID: uni.ID, Name: uni.Name, Admin: uni.Admin}
	if err := enqueueEventTx(ctx, tx, domain.RoutingKeyUniversityRegistered, event); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit university registration: %w", err)
	}
	return &uni, nil
}

// GetUniversity retrieves a university by id. Ids outside 1..count map to
// ErrUniversityNotFound.
func (r *PostgresRepository) GetUniversity(ctx context.Context, id int64) (*domain.University, error) {
	var uni domain.University
	query := `
		SELECT id, name, admin, balance, is_active, donor_count, requests_count, created_at
		FROM universities
		WHERE id = $1
	`
	err := r.db.QueryRow(ctx, query, id).Scan(
		&uni.ID, &uni.Name, &uni.Admin, &uni.Balance, &uni.IsActive, &uni.DonorCount, &uni.RequestsCount, &uni.CreatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrUniversityNotFound
		}
		return nil, err
	}
	return &uni, nil
}

// RecordDonation performs the donation bookkeeping atomically with the token
// pull. The university row is locked first; the pull callback runs before any
// balance is credited so a failed pull leaves nothing to roll back besides the
// lock itself.
func (r *PostgresRepository) RecordDonation(ctx context.Context, universityID int64, donor string, amount int64, pull TransferFunc) (*domain.University, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var isActive bool
	err = tx.QueryRow(ctx, `SELECT is_active FROM universities WHERE id = $1 FOR UPDATE`, universityID).Scan(&isActive)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrUniversityNotFound
		}
		return nil, fmt.Errorf("failed to lock university row: %w", err)
	}
	if !isActive {
		return nil, ErrUniversityInactive
	}

	if pull != nil {
		if err := pull(ctx); err != nil {
			return nil, err
		}
	}

	// First donation from this donor to this pool inserts a contribution row;
	// repeat donations only add to the running amount.
	var firstDonation bool
	upsert := `
		INSERT INTO donor_contributions (university_id, donor, amount, first_donated_at, last_donated_at)
		VALUES ($1, lower($2), $3, NOW(), NOW())
		ON CONFLICT (university_id, donor)
		DO UPDATE SET amount = donor_contributions.amount + EXCLUDED.amount, last_donated_at = NOW()
		RETURNING (xmax = 0)
	`
	if err := tx.QueryRow(ctx, upsert, universityID, donor, amount).Scan(&firstDonation); err != nil {
		return nil, fmt.Errorf("failed to upsert donor contribution: %w", err)
	}

	var uni domain.University
	update := `
		UPDATE universities
		SET balance = balance + $2,
			donor_count = donor_count + CASE WHEN $3 THEN 1 ELSE 0 END
		WHERE id = $1
		RETURNING id, name, admin, balance, is_active, donor_count, requests_count, created_at
	`
	err = tx.QueryRow(ctx, update, universityID, amount, firstDonation).Scan(
		&uni.ID, &uni.Name, &uni.Admin, &uni.Balance, &uni.IsActive, &uni.DonorCount, &uni.RequestsCount, &uni.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to credit university balance: %w", err)
	}

	if _, err := tx.Exec(ctx, `UPDATE ledger_totals SET total_donated = total_donated + $1`, amount); err != nil {
		return nil, fmt.Errorf("failed to update total donated: %w", err)
	}

	event := domain.DonationReceivedEvent{UniversityID: universityID, Donor: strings.ToLower(donor), Amount: amount}
	if err := enqueueEventTx(ctx, tx, domain.RoutingKeyDonationReceived, event); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit donation: %w", err)
	}
	return &uni, nil
}

// GetDonorCount returns the number of distinct accounts that have ever donated
// to the university.
func (r *PostgresRepository) GetDonorCount(ctx context.Context, universityID int64) (int64, error) {
	var count int64
	err := r.db.QueryRow(ctx, `SELECT donor_count FROM universities WHERE id = $1`, universityID).Scan(&count)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, ErrUniversityNotFound
		}
		return 0, err
	}
	return count, nil
}

// GetDonorContribution returns the cumulative amount one account has donated
// to one university; zero when the account has never donated there.
func (r *PostgresRepository) GetDonorContribution(ctx context.Context, universityID int64, donor string) (int64, error) {
	var amount int64
	query := `SELECT amount FROM donor_contributions WHERE university_id = $1 AND donor = lower($2)`
	err := r.db.QueryRow(ctx, query, universityID, donor).Scan(&amount)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, nil
		}
		return 0, err
	}
	return amount, nil
}

// CreateAidRequest files a request against an active university. There is no
// balance check at filing time; requests may exceed the current pool balance
// and queue against future donations.
func (r *PostgresRepository) CreateAidRequest(ctx context.Context, universityID int64, student string, amount int64, reason string) (*domain.AidRequest, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var isActive bool
	err = tx.QueryRow(ctx, `SELECT is_active FROM universities WHERE id = $1 FOR UPDATE`, universityID).Scan(&isActive)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrUniversityNotFound
		}
		return nil, fmt.Errorf("failed to lock university row: %w", err)
	}
	if !isActive {
		return nil, ErrUniversityInactive
	}

	var req domain.AidRequest
	insert := `
		INSERT INTO aid_requests (university_id, student, amount, reason, is_processed, is_approved)
		VALUES ($1, lower($2), $3, $4, FALSE, FALSE)
		RETURNING ` + aidRequestColumns
	err = tx.QueryRow(ctx, insert, universityID, student, amount, reason).Scan(
		&req.ID, &req.UniversityID, &req.Student, &req.Amount, &req.Reason, &req.IsProcessed, &req.IsApproved, &req.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert aid request: %w", err)
	}

	if _, err := tx.Exec(ctx, `UPDATE universities SET requests_count = requests_count + 1 WHERE id = $1`, universityID); err != nil {
		return nil, fmt.Errorf("failed to bump requests count: %w", err)
	}

	event := domain.AidRequestedEvent{
		RequestID:    req.ID,
		UniversityID: req.UniversityID,
		Student:      req.Student,
		Amount:       req.Amount,
		Reason:       req.Reason,
	}
	if err := enqueueEventTx(ctx, tx, domain.RoutingKeyAidRequested, event); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit aid request: %w", err)
	}
	return &req, nil
}

// GetAidRequest retrieves a single aid request by id.
func (r *PostgresRepository) GetAidRequest(ctx context.Context, id int64) (*domain.AidRequest, error) {
	var req domain.AidRequest
	query := `SELECT ` + aidRequestColumns + ` FROM aid_requests WHERE id = $1`
	err := r.db.QueryRow(ctx, query, id).Scan(
		&req.ID, &req.UniversityID, &req.Student, &req.Amount, &req.Reason, &req.IsProcessed, &req.IsApproved, &req.CreatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrRequestNotFound
		}
		return nil, err
	}
	return &req, nil
}

// ApproveAidRequest executes the disbursement atomically. Ordering inside the
// transaction is deliberate: the request row is locked and marked processed,
// the pool is debited, and only then does the payout callback run. A payout
// failure rolls everything back; a duplicate submission blocks on the row
// lock and then fails the processed check.
func (r *PostgresRepository) ApproveAidRequest(ctx context.Context, requestID int64, caller string, payout TransferFunc) (*domain.AidRequest, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := lockAidRequestTx(ctx, tx, requestID)
	if err != nil {
		return nil, err
	}
	if req.IsProcessed {
		return nil, ErrAlreadyProcessed
	}

	var admin string
	var balance int64
	err = tx.QueryRow(ctx, `SELECT admin, balance FROM universities WHERE id = $1 FOR UPDATE`, req.UniversityID).Scan(&admin, &balance)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrUniversityNotFound
		}
		return nil, fmt.Errorf("failed to lock university row: %w", err)
	}
	if !strings.EqualFold(admin, caller) {
		return nil, ErrNotAdmin
	}
	if balance < req.Amount {
		return nil, ErrInsufficientFunds
	}

	if _, err := tx.Exec(ctx, `
		UPDATE aid_requests SET is_processed = TRUE, is_approved = TRUE WHERE id = $1
	`, requestID); err != nil {
		return nil, fmt.Errorf("failed to mark request approved: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE universities SET balance = balance - $2 WHERE id = $1`, req.UniversityID, req.Amount); err != nil {
		return nil, fmt.Errorf("failed to debit university balance: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE ledger_totals SET total_disbursed = total_disbursed + $1`, req.Amount); err != nil {
		return nil, fmt.Errorf("failed to update total disbursed: %w", err)
	}

	event := domain.AidApprovedEvent{RequestID: req.ID, Student: req.Student, Amount: req.Amount}
	if err := enqueueEventTx(ctx, tx, domain.RoutingKeyAidApproved, event); err != nil {
		return nil, err
	}

	if payout != nil {
		if err := payout(ctx); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit aid approval: %w", err)
	}

	req.IsProcessed = true
	req.IsApproved = true
	return req, nil
}

// RejectAidRequest marks a pending request processed without moving funds.
func (r *PostgresRepository) RejectAidRequest(ctx context.Context, requestID int64, caller string) (*domain.AidRequest, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := lockAidRequestTx(ctx, tx, requestID)
	if err != nil {
		return nil, err
	}
	if req.IsProcessed {
		return nil, ErrAlreadyProcessed
	}

	var admin string
	err = tx.QueryRow(ctx, `SELECT admin FROM universities WHERE id = $1`, req.UniversityID).Scan(&admin)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrUniversityNotFound
		}
		return nil, fmt.Errorf("failed to load university admin: %w", err)
	}
	if !strings.EqualFold(admin, caller) {
		return nil, ErrNotAdmin
	}

	if _, err := tx.Exec(ctx, `
		UPDATE aid_requests SET is_processed = TRUE, is_approved = FALSE WHERE id = $1
	`, requestID); err != nil {
		return nil, fmt.Errorf("failed to mark request rejected: %w", err)
	}

	event := domain.AidRejectedEvent{RequestID: req.ID, Student: req.Student}
	if err := enqueueEventTx(ctx, tx, domain.RoutingKeyAidRejected, event); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit aid rejection: %w", err)
	}

	req.IsProcessed = true
	req.IsApproved = false
	return req, nil
}

// ListPendingRequests returns the unprocessed requests for a university in
// ascending id order.
func (r *PostgresRepository) ListPendingRequests(ctx context.Context, universityID int64) ([]domain.AidRequest, error) {
	query := `
		SELECT ` + aidRequestColumns + `
		FROM aid_requests
		WHERE university_id = $1 AND is_processed = FALSE
		ORDER BY id ASC
	`
	return r.queryAidRequests(ctx, query, universityID)
}

// ListUniversityRequests returns every request ever filed against a university
// in ascending id order.
func (r *PostgresRepository) ListUniversityRequests(ctx context.Context, universityID int64) ([]domain.AidRequest, error) {
	query := `
		SELECT ` + aidRequestColumns + `
		FROM aid_requests
		WHERE university_id = $1
		ORDER BY id ASC
	`
	return r.queryAidRequests(ctx, query, universityID)
}

// ListStudentRequests returns every request filed by an account in filing
// order. An account that has never filed gets an empty slice, not an error.
func (r *PostgresRepository) ListStudentRequests(ctx context.Context, student string) ([]domain.AidRequest, error) {
	query := `
		SELECT ` + aidRequestColumns + `
		FROM aid_requests
		WHERE student = lower($1)
		ORDER BY id ASC
	`
	return r.queryAidRequests(ctx, query, student)
}

func (r *PostgresRepository) queryAidRequests(ctx context.Context, query string, args ...interface{}) ([]domain.AidRequest, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	requests := make([]domain.AidRequest, 0)
	for rows.Next() {
		var req domain.AidRequest
		if err := rows.Scan(
			&req.ID, &req.UniversityID, &req.Student, &req.Amount, &req.Reason, &req.IsProcessed, &req.IsApproved, &req.CreatedAt,
		); err != nil {
			return nil, err
		}
		requests = append(requests, req)
	}
	return requests, rows.Err()
}

// GetStats returns the global counters. It expects the single seeded
// ledger_totals row to exist.
func (r *PostgresRepository) GetStats(ctx context.Context) (*domain.Stats, error) {
	var stats domain.Stats
	query := `
		SELECT
			(SELECT COUNT(*) FROM universities),
			(SELECT COUNT(*) FROM aid_requests),
			total_donated,
			total_disbursed
		FROM ledger_totals
	`
	err := r.db.QueryRow(ctx, query).Scan(
		&stats.UniversityCount, &stats.RequestCount, &stats.TotalDonated, &stats.TotalDisbursed,
	)
	if err != nil {
		return nil, err
	}
	return &stats, nil
}

// SumUniversityBalances returns the amount the ledger believes it holds in
// custody across all pools. Used by the reconciliation job.
func (r *PostgresRepository) SumUniversityBalances(ctx context.Context) (int64, error) {
	var sum int64
	err := r.db.QueryRow(ctx, `SELECT COALESCE(SUM(balance), 0) FROM universities`).Scan(&sum)
	return sum, err
}

// ListLedgerEvents serves the polling surface of the event log: entries with a
// sequence strictly greater than afterSequence, oldest first.
func (r *PostgresRepository) ListLedgerEvents(ctx context.Context, afterSequence int64, limit int) ([]domain.LedgerEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `
		SELECT id, event_id, routing_key, payload::text, created_at
		FROM ledger_events
		WHERE id > $1
		ORDER BY id ASC
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, afterSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]domain.LedgerEvent, 0, limit)
	for rows.Next() {
		var (
			evt         domain.LedgerEvent
			payloadText string
		)
		if err := rows.Scan(&evt.Sequence, &evt.EventID, &evt.RoutingKey, &payloadText, &evt.RecordedAt); err != nil {
			return nil, err
		}
		evt.Payload = json.RawMessage(payloadText)
		events = append(events, evt)
	}
	return events, rows.Err()
}

// ClaimOutboxEvents marks a batch of pending event log entries as processing
// and returns them for publication. Entries stuck in processing longer than
// staleAfterSeconds are reclaimed.
func (r *PostgresRepository) ClaimOutboxEvents(ctx context.Context, limit int, staleAfterSeconds int) ([]OutboxEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	if staleAfterSeconds <= 0 {
		staleAfterSeconds = 120
	}

	query := `
		WITH candidates AS (
			SELECT id
			FROM ledger_events
			WHERE (
				(status = 'pending' AND next_attempt_at <= NOW())
				OR (status = 'processing' AND processing_started_at < NOW() - ($2 * INTERVAL '1 second'))
			)
			ORDER BY id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE ledger_events AS e
		SET status = 'processing',
			processing_started_at = NOW(),
			attempts = e.attempts + 1
		FROM candidates
		WHERE e.id = candidates.id
		RETURNING e.id, e.routing_key, e.payload::text, e.attempts
	`

	rows, err := r.db.Query(ctx, query, limit, staleAfterSeconds)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]OutboxEvent, 0, limit)
	for rows.Next() {
		var (
			evt         OutboxEvent
			payloadText string
		)
		if err := rows.Scan(&evt.ID, &evt.RoutingKey, &payloadText, &evt.Attempts); err != nil {
			return nil, err
		}
		evt.Payload = []byte(payloadText)
		events = append(events, evt)
	}
	return events, rows.Err()
}

// MarkOutboxPublished records that an event reached the broker.
func (r *PostgresRepository) MarkOutboxPublished(ctx context.Context, id int64) error {
	_, err := r.db.Exec(ctx, `
		UPDATE ledger_events
		SET status = 'published',
			published_at = NOW(),
			processing_started_at = NULL,
			last_error = NULL
		WHERE id = $1
	`, id)
	return err
}

// MarkOutboxFailed schedules a retry for an event that failed to publish.
func (r *PostgresRepository) MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error {
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	if len(reason) > 2000 {
		reason = reason[:2000]
	}
	_, err := r.db.Exec(ctx, `
		UPDATE ledger_events
		SET status = 'pending',
			next_attempt_at = NOW() + ($2 * INTERVAL '1 second'),
			processing_started_at = NULL,
			last_error = $3
		WHERE id = $1
	`, id, retryAfterSeconds, reason)
	return err
}

func lockAidRequestTx(ctx context.Context, tx pgx.Tx, requestID int64) (*domain.AidRequest, error) {
	var req domain.AidRequest
	query := `SELECT ` + aidRequestColumns + ` FROM aid_requests WHERE id = $1 FOR UPDATE`
	err := tx.QueryRow(ctx, query, requestID).Scan(
		&req.ID, &req.UniversityID, &req.Student, &req.Amount, &req.Reason, &req.IsProcessed, &req.IsApproved, &req.CreatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrRequestNotFound
		}
		return nil, fmt.Errorf("failed to lock aid request row: %w", err)
	}
	return &req, nil
}

func enqueueEventTx(ctx context.Context, tx pgx.Tx, routingKey string, payload interface{}) error {
	blob, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal ledger event: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO ledger_events (event_id, routing_key, payload)
		VALUES ($1, $2, $3::jsonb)
	`, uuid.New(), routingKey, string(blob))
	if err != nil {
		return fmt.Errorf("failed to enqueue ledger event: %w", err)
	}
	return nil
}

var _ Repository = (*PostgresRepository)(nil)
