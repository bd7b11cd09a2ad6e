/**
 * @description
 * This file contains the core business logic for the ledger-service. The `Service`
 * struct orchestrates all fund movement over the university pools, coordinating
 * between the database repository and the treasury API client that moves the
 * actual stablecoin.
 *
 * Key features:
 * - Implements the main use cases: registering universities, donations, aid
 *   requests and their approval or rejection.
 * - Couples every external token transfer to its bookkeeping: the treasury
 *   call runs inside the repository transaction, so a failed transfer rolls
 *   the ledger change back and a failed commit never leaves a paid-but-open
 *   request behind.
 * - Guards state-mutating operations with a busy marker so a reentrant call
 *   issued while one is in flight is rejected instead of interleaving.
 *
 * @dependencies
 * - context, errors, fmt, log, strings, sync/atomic: Standard Go libraries.
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/treasury: For custody-side token movement.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync/atomic"

	"github.com/campusshield/ledger-service/internal/domain"
	"github.com/campusshield/ledger-service/internal/store"
	"github.com/campusshield/ledger-service/pkg/treasury"
)

// MaxReasonLength bounds the free-text reason on an aid request.
const MaxReasonLength = 500

var (
	ErrInvalidName     = errors.New("university name is required")
	ErrInvalidAmount   = errors.New("amount must be greater than zero")
	ErrInvalidReason   = errors.New("a reason for the request is required")
	ErrReasonTooLong   = errors.New("reason exceeds the maximum length")
	ErrInvalidAccount  = errors.New("a caller account address is required")
	ErrRequestTooLarge = errors.New("requested amount exceeds the per-request cap")
	// ErrOperationInProgress is returned when a state-mutating call arrives
	// while another one is still executing. Callers are expected to retry.
	ErrOperationInProgress = errors.New("another ledger operation is in progress")
)

// Service provides the core business logic for the emergency fund ledger.
type Service struct {
	repo           store.Repository
	treasuryClient *treasury.Client
	custodyAccount string
	// maxRequestAmount caps single aid requests when > 0. Zero disables the cap.
	maxRequestAmount int64

	rateLimiter RateLimiter

	// inFlight is the reentrancy marker. It is set on entry to every
	// state-mutating operation and cleared on all exit paths, including
	// rollbacks. While it is set, further mutating calls fail fast with
	// ErrOperationInProgress rather than queueing behind the transfer
	// callback that may have (indirectly) issued them.
	inFlight atomic.Bool
}

// NewService creates a new ledger service instance.
func NewService(repo store.Repository, treasuryClient *treasury.Client, custodyAccount string, maxRequestAmount int64) *Service {
	return &Service{
		repo:             repo,
		treasuryClient:   treasuryClient,
		custodyAccount:   custodyAccount,
		maxRequestAmount: maxRequestAmount,
	}
}

// SetRateLimiter attaches an optional rate limiter consulted by the HTTP
// layer before mutating endpoints. A nil limiter disables limiting.
func (s *Service) SetRateLimiter(rl RateLimiter) {
	s.rateLimiter = rl
}

// RateLimiterFor exposes the configured limiter to the HTTP layer.
func (s *Service) RateLimiterFor() RateLimiter {
	return s.rateLimiter
}

// beginMutation sets the busy marker, failing if an operation is already in
// flight. The returned release func must be deferred immediately.
func (s *Service) beginMutation(op string) (func(), error) {
	if !s.inFlight.CompareAndSwap(false, true) {
		log.Printf("level=warn component=app op=%s msg=\"rejected call while another operation is in flight\"", op)
		return nil, ErrOperationInProgress
	}
	return func() { s.inFlight.Store(false) }, nil
}

// RegisterUniversity creates a new donation pool. The caller becomes its admin.
func (s *Service) RegisterUniversity(ctx context.Context, caller string, p domain.RegisterUniversityPayload) (*domain.University, error) {
	name := strings.TrimSpace(p.Name)
	if name == "" {
		return nil, ErrInvalidName
	}
	if strings.TrimSpace(caller) == "" {
		return nil, ErrInvalidAccount
	}

	release, err := s.beginMutation("register_university")
	if err != nil {
		return nil, err
	}
	defer release()

	uni, err := s.repo.CreateUniversity(ctx, name, caller)
	if err != nil {
		return nil, fmt.Errorf("failed to create university: %w", err)
	}
	log.Printf("level=info component=app msg=\"university registered\" university_id=%d admin=%s", uni.ID, uni.Admin)
	return uni, nil
}

// Donate pulls `p.Amount` from the donor's token balance into custody and
// credits the university pool. The pull and the credit are atomic: if the
// treasury rejects the pull the pool is left untouched, and if the ledger
// write fails after the pull the repository rolls the whole operation back.
func (s *Service) Donate(ctx context.Context, donor string, universityID int64, p domain.DonationPayload) (*domain.University, error) {
	if p.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if strings.TrimSpace(donor) == "" {
		return nil, ErrInvalidAccount
	}

	release, err := s.beginMutation("donate")
	if err != nil {
		return nil, err
	}
	defer release()

	reference := fmt.Sprintf("donation:u%d:%s", universityID, strings.ToLower(donor))
	pull := func(txCtx context.Context) error {
		_, pullErr := s.treasuryClient.PullFunds(txCtx, donor, p.Amount, reference)
		return pullErr
	}

	uni, err := s.repo.RecordDonation(ctx, universityID, donor, p.Amount, pull)
	if err != nil {
		log.Printf("level=error component=app msg=\"donation failed\" university_id=%d donor=%s amount=%d error=%v", universityID, donor, p.Amount, err)
		return nil, err
	}
	log.Printf("level=info component=app msg=\"donation received\" university_id=%d donor=%s amount=%d balance=%d", uni.ID, strings.ToLower(donor), p.Amount, uni.Balance)
	return uni, nil
}

// RequestAid files a new aid request against a university pool. The request
// may exceed the pool's current balance; the shortfall is only checked at
// approval time, so donations arriving in between can still fund it.
func (s *Service) RequestAid(ctx context.Context, student string, p domain.AidRequestPayload) (*domain.AidRequest, error) {
	if p.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	reason := strings.TrimSpace(p.Reason)
	if reason == "" {
		return nil, ErrInvalidReason
	}
	if len(reason) > MaxReasonLength {
		return nil, ErrReasonTooLong
	}
	if strings.TrimSpace(student) == "" {
		return nil, ErrInvalidAccount
	}
	if s.maxRequestAmount > 0 && p.Amount > s.maxRequestAmount {
		return nil, ErrRequestTooLarge
	}

	release, err := s.beginMutation("request_aid")
	if err != nil {
		return nil, err
	}
	defer release()

	req, err := s.repo.CreateAidRequest(ctx, p.UniversityID, student, p.Amount, reason)
	if err != nil {
		return nil, err
	}
	log.Printf("level=info component=app msg=\"aid requested\" request_id=%d university_id=%d student=%s amount=%d", req.ID, req.UniversityID, req.Student, req.Amount)
	return req, nil
}

// ApproveAid finalizes a pending request: the caller must be the pool admin,
// the pool must cover the amount, and the request must not have been
// processed before. The payout to the student runs inside the repository
// transaction, after the request has been marked processed under row lock,
// so a duplicate approval racing this one fails with ErrAlreadyProcessed
// instead of paying twice.
func (s *Service) ApproveAid(ctx context.Context, caller string, requestID int64) (*domain.AidRequest, error) {
	if strings.TrimSpace(caller) == "" {
		return nil, ErrInvalidAccount
	}

	release, err := s.beginMutation("approve_aid")
	if err != nil {
		return nil, err
	}
	defer release()

	// Student and amount are immutable once the request exists, so reading
	// them outside the approval transaction is safe.
	req, err := s.repo.GetAidRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}

	reference := fmt.Sprintf("aid:%d", req.ID)
	payout := func(txCtx context.Context) error {
		_, payErr := s.treasuryClient.Payout(txCtx, req.Student, req.Amount, reference)
		return payErr
	}

	approved, err := s.repo.ApproveAidRequest(ctx, requestID, caller, payout)
	if err != nil {
		log.Printf("level=error component=app msg=\"approval failed\" request_id=%d caller=%s error=%v", requestID, caller, err)
		return nil, err
	}
	log.Printf("level=info component=app msg=\"aid approved\" request_id=%d student=%s amount=%d", approved.ID, approved.Student, approved.Amount)
	return approved, nil
}

// RejectAid finalizes a pending request without moving funds. Only the pool
// admin may do this, and like approval it is terminal.
func (s *Service) RejectAid(ctx context.Context, caller string, requestID int64) (*domain.AidRequest, error) {
	if strings.TrimSpace(caller) == "" {
		return nil, ErrInvalidAccount
	}

	release, err := s.beginMutation("reject_aid")
	if err != nil {
		return nil, err
	}
	defer release()

	req, err := s.repo.RejectAidRequest(ctx, requestID, caller)
	if err != nil {
		log.Printf("level=error component=app msg=\"rejection failed\" request_id=%d caller=%s error=%v", requestID, caller, err)
		return nil, err
	}
	log.Printf("level=info component=app msg=\"aid rejected\" request_id=%d student=%s", req.ID, req.Student)
	return req, nil
}

// GetUniversity returns one university pool by id.
func (s *Service) GetUniversity(ctx context.Context, id int64) (*domain.University, error) {
	return s.repo.GetUniversity(ctx, id)
}

// GetDonorCount returns the number of distinct donors to a pool.
func (s *Service) GetDonorCount(ctx context.Context, universityID int64) (int64, error) {
	return s.repo.GetDonorCount(ctx, universityID)
}

// GetDonorContribution returns the cumulative amount one donor has given to
// a pool. An account that never donated reads as zero.
func (s *Service) GetDonorContribution(ctx context.Context, universityID int64, donor string) (int64, error) {
	return s.repo.GetDonorContribution(ctx, universityID, donor)
}

// GetAidRequest returns one aid request by id.
func (s *Service) GetAidRequest(ctx context.Context, id int64) (*domain.AidRequest, error) {
	return s.repo.GetAidRequest(ctx, id)
}

// GetPendingRequests returns the unprocessed requests of a university.
func (s *Service) GetPendingRequests(ctx context.Context, universityID int64) ([]domain.AidRequest, error) {
	return s.repo.ListPendingRequests(ctx, universityID)
}

// GetUniversityRequests returns every request ever filed against a university.
func (s *Service) GetUniversityRequests(ctx context.Context, universityID int64) ([]domain.AidRequest, error) {
	return s.repo.ListUniversityRequests(ctx, universityID)
}

// GetStudentRequests returns every request filed by a student account across
// all universities. Unknown accounts yield an empty list, never an error.
func (s *Service) GetStudentRequests(ctx context.Context, student string) ([]domain.AidRequest, error) {
	return s.repo.ListStudentRequests(ctx, student)
}

// GetStats returns the global accumulators.
func (s *Service) GetStats(ctx context.Context) (*domain.Stats, error) {
	return s.repo.GetStats(ctx)
}

// GetLedgerEvents returns event log entries after the given sequence number,
// oldest first, for polling consumers.
func (s *Service) GetLedgerEvents(ctx context.Context, afterSequence int64, limit int) ([]domain.LedgerEvent, error) {
	return s.repo.ListLedgerEvents(ctx, afterSequence, limit)
}
