/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract for
 * all data access operations required by the ledger-service. By defining an
 * interface, we decouple the ledger's business logic from the PostgreSQL
 * implementation, making the code more modular and easier to test.
 *
 * The mutating methods that must be atomic with an external token movement
 * (donation pull, approval payout) accept a transfer callback that is invoked
 * inside the database transaction: if the transfer fails the transaction rolls
 * back and no bookkeeping is committed, and if the bookkeeping fails the
 * transfer is never confirmed to the caller.
 *
 * @dependencies
 * - context: Standard Go library.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"errors"

	"github.com/campusshield/ledger-service/internal/domain"
)

var (
	ErrUniversityNotFound = errors.New("university not found")
	ErrUniversityInactive = errors.New("university is not active")
	ErrRequestNotFound    = errors.New("aid request not found")
	ErrAlreadyProcessed   = errors.New("aid request already processed")
	ErrInsufficientFunds  = errors.New("insufficient university balance")
	ErrNotAdmin           = errors.New("caller is not the university admin")
)

// TransferFunc performs an external token movement for a mutating operation.
// It runs inside the operation's database transaction; returning an error
// aborts the whole operation with no state change.
type TransferFunc func(ctx context.Context) error

// Repository defines the set of methods for interacting with the ledger state.
type Repository interface {
	// University methods
	CreateUniversity(ctx context.Context, name, admin string) (*domain.University, error)
	GetUniversity(ctx context.Context, id int64) (*domain.University, error)

	// Donation methods
	// RecordDonation credits the pool, maintains the distinct-donor tracking
	// and the global total, and appends the DonationReceived event, all
	// atomically with the pull callback.
	RecordDonation(ctx context.Context, universityID int64, donor string, amount int64, pull TransferFunc) (*domain.University, error)
	GetDonorCount(ctx context.Context, universityID int64) (int64, error)
	GetDonorContribution(ctx context.Context, universityID int64, donor string) (int64, error)

	// Aid request methods
	CreateAidRequest(ctx context.Context, universityID int64, student string, amount int64, reason string) (*domain.AidRequest, error)
	GetAidRequest(ctx context.Context, id int64) (*domain.AidRequest, error)
	// ApproveAidRequest marks the request processed and approved, debits the
	// pool, bumps the global disbursed total and appends the AidApproved
	// event, all atomically with the payout callback. The processed flag is
	// written under row lock before the payout runs, so a duplicate or
	// reentrant approval observes it and fails with ErrAlreadyProcessed.
	ApproveAidRequest(ctx context.Context, requestID int64, caller string, payout TransferFunc) (*domain.AidRequest, error)
	RejectAidRequest(ctx context.Context, requestID int64, caller string) (*domain.AidRequest, error)
	ListPendingRequests(ctx context.Context, universityID int64) ([]domain.AidRequest, error)
	ListUniversityRequests(ctx context.Context, universityID int64) ([]domain.AidRequest, error)
	ListStudentRequests(ctx context.Context, student string) ([]domain.AidRequest, error)

	// Aggregates
	GetStats(ctx context.Context) (*domain.Stats, error)
	SumUniversityBalances(ctx context.Context) (int64, error)

	// Event log / outbox methods
	ListLedgerEvents(ctx context.Context, afterSequence int64, limit int) ([]domain.LedgerEvent, error)
	ClaimOutboxEvents(ctx context.Context, limit int, staleAfterSeconds int) ([]OutboxEvent, error)
	MarkOutboxPublished(ctx context.Context, id int64) error
	MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error
}

// OutboxEvent is one claimed, not-yet-published entry of the event log.
type OutboxEvent struct {
	ID         int64
	RoutingKey string
	Payload    []byte
	Attempts   int
}
