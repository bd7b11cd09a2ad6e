package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/campusshield/ledger-service/internal/domain"
	"github.com/campusshield/ledger-service/internal/store"
	"github.com/campusshield/ledger-service/pkg/treasury"
)

// fakeRepo is an in-memory Repository with the same transactional semantics
// as the Postgres implementation: transfer callbacks run before any state is
// applied, so a failing transfer leaves the ledger untouched.
type fakeRepo struct {
	mu            sync.Mutex
	universities  map[int64]*domain.University
	requests      map[int64]*domain.AidRequest
	contributions map[string]int64
	totals        domain.Stats
	outbox        []fakeOutboxRow

	nextUniversityID int64
	nextRequestID    int64
	nextOutboxID     int64

	// onApprove, when set, runs inside ApproveAidRequest after validation.
	// Tests use it to simulate a reentrant call arriving mid-operation.
	onApprove func()
}

type fakeOutboxRow struct {
	id         int64
	routingKey string
	payload    []byte
	attempts   int
	published  bool
	lastError  string
	retryAfter int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		universities:  make(map[int64]*domain.University),
		requests:      make(map[int64]*domain.AidRequest),
		contributions: make(map[string]int64),
	}
}

func contributionKey(universityID int64, donor string) string {
	return fmt.Sprintf("%d:%s", universityID, strings.ToLower(donor))
}

func (f *fakeRepo) enqueue(routingKey string, payload interface{}) {
	body, _ := json.Marshal(payload)
	f.nextOutboxID++
	f.outbox = append(f.outbox, fakeOutboxRow{id: f.nextOutboxID, routingKey: routingKey, payload: body})
}

func (f *fakeRepo) CreateUniversity(ctx context.Context, name, admin string) (*domain.University, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextUniversityID++
	uni := &domain.University{
		ID:        f.nextUniversityID,
		Name:      name,
		Admin:     strings.ToLower(admin),
		IsActive:  true,
		CreatedAt: time.Now().UTC(),
	}
	f.universities[uni.ID] = uni
	f.totals.UniversityCount++
	f.enqueue(domain.RoutingKeyUniversityRegistered, domain.UniversityRegisteredEvent{UniversityID: uni.ID, Name: uni.Name, Admin: uni.Admin})
	copied := *uni
	return &copied, nil
}

func (f *fakeRepo) GetUniversity(ctx context.Context, id int64) (*domain.University, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	uni, ok := f.universities[id]
	if !ok {
		return nil, store.ErrUniversityNotFound
	}
	copied := *uni
	return &copied, nil
}

func (f *fakeRepo) RecordDonation(ctx context.Context, universityID int64, donor string, amount int64, pull store.TransferFunc) (*domain.University, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	uni, ok := f.universities[universityID]
	if !ok {
		return nil, store.ErrUniversityNotFound
	}
	if !uni.IsActive {
		return nil, store.ErrUniversityInactive
	}

	if pull != nil {
		if err := pull(ctx); err != nil {
			return nil, err
		}
	}

	key := contributionKey(universityID, donor)
	if _, seen := f.contributions[key]; !seen {
		uni.DonorCount++
	}
	f.contributions[key] += amount
	uni.Balance += amount
	f.totals.TotalDonated += amount
	f.enqueue(domain.RoutingKeyDonationReceived, domain.DonationReceivedEvent{UniversityID: universityID, Donor: strings.ToLower(donor), Amount: amount})
	copied := *uni
	return &copied, nil
}

func (f *fakeRepo) GetDonorCount(ctx context.Context, universityID int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	uni, ok := f.universities[universityID]
	if !ok {
		return 0, store.ErrUniversityNotFound
	}
	return uni.DonorCount, nil
}

func (f *fakeRepo) GetDonorContribution(ctx context.Context, universityID int64, donor string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.universities[universityID]; !ok {
		return 0, store.ErrUniversityNotFound
	}
	return f.contributions[contributionKey(universityID, donor)], nil
}

func (f *fakeRepo) CreateAidRequest(ctx context.Context, universityID int64, student string, amount int64, reason string) (*domain.AidRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	uni, ok := f.universities[universityID]
	if !ok {
		return nil, store.ErrUniversityNotFound
	}
	if !uni.IsActive {
		return nil, store.ErrUniversityInactive
	}

	f.nextRequestID++
	req := &domain.AidRequest{
		ID:           f.nextRequestID,
		UniversityID: universityID,
		Student:      strings.ToLower(student),
		Amount:       amount,
		Reason:       reason,
		CreatedAt:    time.Now().UTC(),
	}
	f.requests[req.ID] = req
	uni.RequestsCount++
	f.totals.RequestCount++
	f.enqueue(domain.RoutingKeyAidRequested, domain.AidRequestedEvent{
		RequestID:    req.ID,
		UniversityID: universityID,
		Student:      req.Student,
		Amount:       amount,
		Reason:       reason,
	})
	copied := *req
	return &copied, nil
}

func (f *fakeRepo) GetAidRequest(ctx context.Context, id int64) (*domain.AidRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	req, ok := f.requests[id]
	if !ok {
		return nil, store.ErrRequestNotFound
	}
	copied := *req
	return &copied, nil
}

func (f *fakeRepo) ApproveAidRequest(ctx context.Context, requestID int64, caller string, payout store.TransferFunc) (*domain.AidRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	req, ok := f.requests[requestID]
	if !ok {
		return nil, store.ErrRequestNotFound
	}
	if req.IsProcessed {
		return nil, store.ErrAlreadyProcessed
	}
	uni, ok := f.universities[req.UniversityID]
	if !ok {
		return nil, store.ErrUniversityNotFound
	}
	if !strings.EqualFold(uni.Admin, caller) {
		return nil, store.ErrNotAdmin
	}
	if uni.Balance < req.Amount {
		return nil, store.ErrInsufficientFunds
	}

	if f.onApprove != nil {
		f.onApprove()
	}

	if payout != nil {
		if err := payout(ctx); err != nil {
			return nil, err
		}
	}

	req.IsProcessed = true
	req.IsApproved = true
	uni.Balance -= req.Amount
	f.totals.TotalDisbursed += req.Amount
	f.enqueue(domain.RoutingKeyAidApproved, domain.AidApprovedEvent{RequestID: req.ID, Student: req.Student, Amount: req.Amount})
	copied := *req
	return &copied, nil
}

func (f *fakeRepo) RejectAidRequest(ctx context.Context, requestID int64, caller string) (*domain.AidRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	req, ok := f.requests[requestID]
	if !ok {
		return nil, store.ErrRequestNotFound
	}
	if req.IsProcessed {
		return nil, store.ErrAlreadyProcessed
	}
	uni, ok := f.universities[req.UniversityID]
	if !ok {
		return nil, store.ErrUniversityNotFound
	}
	if !strings.EqualFold(uni.Admin, caller) {
		return nil, store.ErrNotAdmin
	}

	req.IsProcessed = true
	req.IsApproved = false
	f.enqueue(domain.RoutingKeyAidRejected, domain.AidRejectedEvent{RequestID: req.ID, Student: req.Student})
	copied := *req
	return &copied, nil
}

func (f *fakeRepo) listRequests(filter func(*domain.AidRequest) bool) []domain.AidRequest {
	var out []domain.AidRequest
	for id := int64(1); id <= f.nextRequestID; id++ {
		req, ok := f.requests[id]
		if ok && filter(req) {
			out = append(out, *req)
		}
	}
	if out == nil {
		out = []domain.AidRequest{}
	}
	return out
}

func (f *fakeRepo) ListPendingRequests(ctx context.Context, universityID int64) ([]domain.AidRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.listRequests(func(r *domain.AidRequest) bool {
		return r.UniversityID == universityID && !r.IsProcessed
	}), nil
}

func (f *fakeRepo) ListUniversityRequests(ctx context.Context, universityID int64) ([]domain.AidRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.listRequests(func(r *domain.AidRequest) bool {
		return r.UniversityID == universityID
	}), nil
}

func (f *fakeRepo) ListStudentRequests(ctx context.Context, student string) ([]domain.AidRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	normalized := strings.ToLower(student)
	return f.listRequests(func(r *domain.AidRequest) bool {
		return r.Student == normalized
	}), nil
}

func (f *fakeRepo) GetStats(ctx context.Context) (*domain.Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	copied := f.totals
	return &copied, nil
}

func (f *fakeRepo) SumUniversityBalances(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var total int64
	for _, uni := range f.universities {
		total += uni.Balance
	}
	return total, nil
}

func (f *fakeRepo) ListLedgerEvents(ctx context.Context, afterSequence int64, limit int) ([]domain.LedgerEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	events := []domain.LedgerEvent{}
	for _, row := range f.outbox {
		if row.id <= afterSequence {
			continue
		}
		events = append(events, domain.LedgerEvent{
			Sequence:   row.id,
			RoutingKey: row.routingKey,
			Payload:    json.RawMessage(row.payload),
		})
		if len(events) >= limit {
			break
		}
	}
	return events, nil
}

func (f *fakeRepo) ClaimOutboxEvents(ctx context.Context, limit int, staleAfterSeconds int) ([]store.OutboxEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var claimed []store.OutboxEvent
	for i := range f.outbox {
		if f.outbox[i].published {
			continue
		}
		claimed = append(claimed, store.OutboxEvent{
			ID:         f.outbox[i].id,
			RoutingKey: f.outbox[i].routingKey,
			Payload:    f.outbox[i].payload,
			Attempts:   f.outbox[i].attempts,
		})
		if len(claimed) >= limit {
			break
		}
	}
	return claimed, nil
}

func (f *fakeRepo) MarkOutboxPublished(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i := range f.outbox {
		if f.outbox[i].id == id {
			f.outbox[i].published = true
			return nil
		}
	}
	return errors.New("outbox row not found")
}

func (f *fakeRepo) MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i := range f.outbox {
		if f.outbox[i].id == id {
			f.outbox[i].attempts++
			f.outbox[i].retryAfter = retryAfterSeconds
			f.outbox[i].lastError = reason
			return nil
		}
	}
	return errors.New("outbox row not found")
}

var _ store.Repository = (*fakeRepo)(nil)

// treasuryStub is a configurable fake of the treasury transfer API.
type treasuryStub struct {
	mu          sync.Mutex
	pullCalls   int
	payoutCalls int
	failPull    string
	failPayout  string
}

func (ts *treasuryStub) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts.mu.Lock()
		defer ts.mu.Unlock()

		var failCode string
		switch r.URL.Path {
		case "/v1/transfers/pull":
			ts.pullCalls++
			failCode = ts.failPull
		case "/v1/transfers/payout":
			ts.payoutCalls++
			failCode = ts.failPayout
		default:
			w.WriteHeader(http.StatusNotFound)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if failCode != "" {
			w.WriteHeader(http.StatusUnprocessableEntity)
			fmt.Fprintf(w, `{"errors":[{"code":%q,"title":"Transfer rejected","detail":"stub rejection"}]}`, failCode)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"data":{"id":"tr_001","status":"completed"}}`)
	})
}

func (ts *treasuryStub) counts() (pulls, payouts int) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.pullCalls, ts.payoutCalls
}

func newTestService(t *testing.T, maxRequestAmount int64) (*Service, *fakeRepo, *treasuryStub) {
	t.Helper()

	stub := &treasuryStub{}
	server := httptest.NewServer(stub.handler())
	t.Cleanup(server.Close)

	repo := newFakeRepo()
	svc := NewService(repo, treasury.NewClient(server.URL, "test-key"), "0xcustody", maxRequestAmount)
	return svc, repo, stub
}

func mustRegister(t *testing.T, svc *Service, admin, name string) *domain.University {
	t.Helper()
	uni, err := svc.RegisterUniversity(context.Background(), admin, domain.RegisterUniversityPayload{Name: name})
	if err != nil {
		t.Fatalf("RegisterUniversity(%q) returned error: %v", name, err)
	}
	return uni
}

func mustDonate(t *testing.T, svc *Service, donor string, universityID, amount int64) *domain.University {
	t.Helper()
	uni, err := svc.Donate(context.Background(), donor, universityID, domain.DonationPayload{Amount: amount})
	if err != nil {
		t.Fatalf("Donate(%d) returned error: %v", amount, err)
	}
	return uni
}

func mustRequestAid(t *testing.T, svc *Service, student string, universityID, amount int64) *domain.AidRequest {
	t.Helper()
	req, err := svc.RequestAid(context.Background(), student, domain.AidRequestPayload{
		UniversityID: universityID,
		Amount:       amount,
		Reason:       "emergency housing",
	})
	if err != nil {
		t.Fatalf("RequestAid(%d) returned error: %v", amount, err)
	}
	return req
}

func TestRegisterUniversity_CallerBecomesAdmin(t *testing.T) {
	svc, _, _ := newTestService(t, 0)

	uni := mustRegister(t, svc, "0xAdminA", "University of Kansas")
	if uni.ID != 1 {
		t.Fatalf("expected first university id 1, got %d", uni.ID)
	}
	if uni.Admin != "0xadmina" {
		t.Fatalf("expected lowercased admin address, got %q", uni.Admin)
	}
	if !uni.IsActive {
		t.Fatal("expected new university to be active")
	}
	if uni.Balance != 0 || uni.DonorCount != 0 || uni.RequestsCount != 0 {
		t.Fatalf("expected zeroed counters, got balance=%d donors=%d requests=%d", uni.Balance, uni.DonorCount, uni.RequestsCount)
	}

	second := mustRegister(t, svc, "0xAdminB", "Another University")
	if second.ID != 2 {
		t.Fatalf("expected sequential id 2, got %d", second.ID)
	}
}

func TestRegisterUniversity_RejectsEmptyName(t *testing.T) {
	svc, _, _ := newTestService(t, 0)

	_, err := svc.RegisterUniversity(context.Background(), "0xadmin", domain.RegisterUniversityPayload{Name: "   "})
	if !errors.Is(err, ErrInvalidName) {
		t.Fatalf("expected ErrInvalidName, got %v", err)
	}
}

func TestDonate_CreditsPoolAndTracksDistinctDonors(t *testing.T) {
	svc, _, stub := newTestService(t, 0)
	uni := mustRegister(t, svc, "0xadmin", "University of Kansas")

	updated := mustDonate(t, svc, "0xDonorA", uni.ID, 100_000000)
	if updated.Balance != 100_000000 {
		t.Fatalf("expected balance 100_000000, got %d", updated.Balance)
	}
	if updated.DonorCount != 1 {
		t.Fatalf("expected donor count 1, got %d", updated.DonorCount)
	}

	// Repeat donor must not bump the distinct count; a second account must.
	updated = mustDonate(t, svc, "0xdonora", uni.ID, 25_000000)
	if updated.DonorCount != 1 {
		t.Fatalf("expected repeat donor to keep count 1, got %d", updated.DonorCount)
	}
	updated = mustDonate(t, svc, "0xdonorb", uni.ID, 5_000000)
	if updated.DonorCount != 2 {
		t.Fatalf("expected donor count 2, got %d", updated.DonorCount)
	}
	if updated.Balance != 130_000000 {
		t.Fatalf("expected balance 130_000000, got %d", updated.Balance)
	}

	pulls, _ := stub.counts()
	if pulls != 3 {
		t.Fatalf("expected 3 treasury pulls, got %d", pulls)
	}

	contribution, err := svc.GetDonorContribution(context.Background(), uni.ID, "0xDONORA")
	if err != nil {
		t.Fatalf("GetDonorContribution returned error: %v", err)
	}
	if contribution != 125_000000 {
		t.Fatalf("expected cumulative contribution 125_000000, got %d", contribution)
	}

	stats, err := svc.GetStats(context.Background())
	if err != nil {
		t.Fatalf("GetStats returned error: %v", err)
	}
	if stats.TotalDonated != 130_000000 {
		t.Fatalf("expected total donated 130_000000, got %d", stats.TotalDonated)
	}
}

func TestDonate_FailedPullLeavesLedgerUntouched(t *testing.T) {
	svc, repo, stub := newTestService(t, 0)
	uni := mustRegister(t, svc, "0xadmin", "University of Kansas")
	stub.failPull = "insufficient_allowance"

	_, err := svc.Donate(context.Background(), "0xdonor", uni.ID, domain.DonationPayload{Amount: 10_000000})
	if !errors.Is(err, treasury.ErrInsufficientAllowance) {
		t.Fatalf("expected ErrInsufficientAllowance, got %v", err)
	}

	after, getErr := repo.GetUniversity(context.Background(), uni.ID)
	if getErr != nil {
		t.Fatalf("GetUniversity returned error: %v", getErr)
	}
	if after.Balance != 0 || after.DonorCount != 0 {
		t.Fatalf("expected untouched pool after failed pull, got balance=%d donors=%d", after.Balance, after.DonorCount)
	}
}

func TestDonate_Validation(t *testing.T) {
	svc, _, _ := newTestService(t, 0)
	uni := mustRegister(t, svc, "0xadmin", "University of Kansas")

	if _, err := svc.Donate(context.Background(), "0xdonor", uni.ID, domain.DonationPayload{Amount: 0}); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for zero amount, got %v", err)
	}
	if _, err := svc.Donate(context.Background(), "0xdonor", uni.ID, domain.DonationPayload{Amount: -5}); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for negative amount, got %v", err)
	}
	if _, err := svc.Donate(context.Background(), "0xdonor", 999, domain.DonationPayload{Amount: 1}); !errors.Is(err, store.ErrUniversityNotFound) {
		t.Fatalf("expected ErrUniversityNotFound, got %v", err)
	}
}

func TestRequestAid_MayExceedPoolBalance(t *testing.T) {
	svc, _, _ := newTestService(t, 0)
	uni := mustRegister(t, svc, "0xadmin", "University of Kansas")
	mustDonate(t, svc, "0xdonor", uni.ID, 100_000000)

	// Requests are not balance-checked at filing time; only approval is.
	req := mustRequestAid(t, svc, "0xstudent", uni.ID, 250_000000)
	if req.ID != 1 {
		t.Fatalf("expected first request id 1, got %d", req.ID)
	}
	if req.IsProcessed || req.IsApproved {
		t.Fatalf("expected new request pending, got processed=%t approved=%t", req.IsProcessed, req.IsApproved)
	}

	after, err := svc.GetUniversity(context.Background(), uni.ID)
	if err != nil {
		t.Fatalf("GetUniversity returned error: %v", err)
	}
	if after.RequestsCount != 1 {
		t.Fatalf("expected requests count 1, got %d", after.RequestsCount)
	}
}

func TestRequestAid_Validation(t *testing.T) {
	svc, _, _ := newTestService(t, 10_000000)
	uni := mustRegister(t, svc, "0xadmin", "University of Kansas")

	cases := []struct {
		name    string
		payload domain.AidRequestPayload
		want    error
	}{
		{"zero amount", domain.AidRequestPayload{UniversityID: uni.ID, Amount: 0, Reason: "books"}, ErrInvalidAmount},
		{"empty reason", domain.AidRequestPayload{UniversityID: uni.ID, Amount: 1, Reason: "  "}, ErrInvalidReason},
		{"reason too long", domain.AidRequestPayload{UniversityID: uni.ID, Amount: 1, Reason: strings.Repeat("x", MaxReasonLength+1)}, ErrReasonTooLong},
		{"over cap", domain.AidRequestPayload{UniversityID: uni.ID, Amount: 10_000001, Reason: "rent"}, ErrRequestTooLarge},
		{"unknown university", domain.AidRequestPayload{UniversityID: 42, Amount: 1, Reason: "rent"}, store.ErrUniversityNotFound},
	}
	for _, tc := range cases {
		if _, err := svc.RequestAid(context.Background(), "0xstudent", tc.payload); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
}

func TestApproveAid_DisbursesExactlyOnce(t *testing.T) {
	svc, _, stub := newTestService(t, 0)
	uni := mustRegister(t, svc, "0xadmin", "University of Kansas")
	mustDonate(t, svc, "0xdonor", uni.ID, 100_000000)
	req := mustRequestAid(t, svc, "0xstudent", uni.ID, 40_000000)

	approved, err := svc.ApproveAid(context.Background(), "0xAdmin", req.ID)
	if err != nil {
		t.Fatalf("ApproveAid returned error: %v", err)
	}
	if !approved.IsProcessed || !approved.IsApproved {
		t.Fatalf("expected processed+approved, got processed=%t approved=%t", approved.IsProcessed, approved.IsApproved)
	}

	after, err := svc.GetUniversity(context.Background(), uni.ID)
	if err != nil {
		t.Fatalf("GetUniversity returned error: %v", err)
	}
	if after.Balance != 60_000000 {
		t.Fatalf("expected balance 60_000000 after disbursement, got %d", after.Balance)
	}

	_, payouts := stub.counts()
	if payouts != 1 {
		t.Fatalf("expected exactly one payout, got %d", payouts)
	}

	// A second approval of the same request must fail and not pay again.
	if _, err := svc.ApproveAid(context.Background(), "0xadmin", req.ID); !errors.Is(err, store.ErrAlreadyProcessed) {
		t.Fatalf("expected ErrAlreadyProcessed on duplicate approval, got %v", err)
	}
	_, payouts = stub.counts()
	if payouts != 1 {
		t.Fatalf("expected payout count to stay 1 after duplicate approval, got %d", payouts)
	}

	stats, err := svc.GetStats(context.Background())
	if err != nil {
		t.Fatalf("GetStats returned error: %v", err)
	}
	if stats.TotalDisbursed != 40_000000 {
		t.Fatalf("expected total disbursed 40_000000, got %d", stats.TotalDisbursed)
	}
}

func TestApproveAid_RejectsOverdraw(t *testing.T) {
	svc, _, stub := newTestService(t, 0)
	uni := mustRegister(t, svc, "0xadmin", "University of Kansas")
	mustDonate(t, svc, "0xdonor", uni.ID, 100_000000)
	req := mustRequestAid(t, svc, "0xstudent", uni.ID, 250_000000)

	_, err := svc.ApproveAid(context.Background(), "0xadmin", req.ID)
	if !errors.Is(err, store.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	_, payouts := stub.counts()
	if payouts != 0 {
		t.Fatalf("expected no payout on overdraw, got %d", payouts)
	}

	// The request stays pending and approvable once funds arrive.
	pending, err := svc.GetPendingRequests(context.Background(), uni.ID)
	if err != nil {
		t.Fatalf("GetPendingRequests returned error: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != req.ID {
		t.Fatalf("expected request %d still pending, got %+v", req.ID, pending)
	}

	mustDonate(t, svc, "0xdonor", uni.ID, 200_000000)
	if _, err := svc.ApproveAid(context.Background(), "0xadmin", req.ID); err != nil {
		t.Fatalf("expected approval to succeed after funding, got %v", err)
	}
}

func TestApproveAid_OnlyAdminMayApprove(t *testing.T) {
	svc, _, stub := newTestService(t, 0)
	uni := mustRegister(t, svc, "0xadmin", "University of Kansas")
	mustDonate(t, svc, "0xdonor", uni.ID, 100_000000)
	req := mustRequestAid(t, svc, "0xstudent", uni.ID, 10_000000)

	_, err := svc.ApproveAid(context.Background(), "0xsomeoneelse", req.ID)
	if !errors.Is(err, store.ErrNotAdmin) {
		t.Fatalf("expected ErrNotAdmin, got %v", err)
	}
	_, payouts := stub.counts()
	if payouts != 0 {
		t.Fatalf("expected no payout for unauthorized caller, got %d", payouts)
	}
}

func TestApproveAid_FailedPayoutLeavesRequestPending(t *testing.T) {
	svc, _, stub := newTestService(t, 0)
	uni := mustRegister(t, svc, "0xadmin", "University of Kansas")
	mustDonate(t, svc, "0xdonor", uni.ID, 100_000000)
	req := mustRequestAid(t, svc, "0xstudent", uni.ID, 10_000000)
	stub.failPayout = "insufficient_balance"

	_, err := svc.ApproveAid(context.Background(), "0xadmin", req.ID)
	if !errors.Is(err, treasury.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	after, getErr := svc.GetAidRequest(context.Background(), req.ID)
	if getErr != nil {
		t.Fatalf("GetAidRequest returned error: %v", getErr)
	}
	if after.IsProcessed {
		t.Fatal("expected request to stay pending after failed payout")
	}
	uniAfter, getErr := svc.GetUniversity(context.Background(), uni.ID)
	if getErr != nil {
		t.Fatalf("GetUniversity returned error: %v", getErr)
	}
	if uniAfter.Balance != 100_000000 {
		t.Fatalf("expected pool balance unchanged after failed payout, got %d", uniAfter.Balance)
	}
}

func TestRejectAid_MovesNoFunds(t *testing.T) {
	svc, _, stub := newTestService(t, 0)
	uni := mustRegister(t, svc, "0xadmin", "University of Kansas")
	mustDonate(t, svc, "0xdonor", uni.ID, 100_000000)
	req := mustRequestAid(t, svc, "0xstudent", uni.ID, 10_000000)

	rejected, err := svc.RejectAid(context.Background(), "0xadmin", req.ID)
	if err != nil {
		t.Fatalf("RejectAid returned error: %v", err)
	}
	if !rejected.IsProcessed || rejected.IsApproved {
		t.Fatalf("expected processed+not-approved, got processed=%t approved=%t", rejected.IsProcessed, rejected.IsApproved)
	}

	after, err := svc.GetUniversity(context.Background(), uni.ID)
	if err != nil {
		t.Fatalf("GetUniversity returned error: %v", err)
	}
	if after.Balance != 100_000000 {
		t.Fatalf("expected balance unchanged by rejection, got %d", after.Balance)
	}
	_, payouts := stub.counts()
	if payouts != 0 {
		t.Fatalf("expected no payouts on rejection, got %d", payouts)
	}

	// Rejection is terminal: the request cannot be approved afterwards.
	if _, err := svc.ApproveAid(context.Background(), "0xadmin", req.ID); !errors.Is(err, store.ErrAlreadyProcessed) {
		t.Fatalf("expected ErrAlreadyProcessed after rejection, got %v", err)
	}
}

func TestReentrantMutationIsRejected(t *testing.T) {
	svc, repo, _ := newTestService(t, 0)
	uni := mustRegister(t, svc, "0xadmin", "University of Kansas")
	mustDonate(t, svc, "0xdonor", uni.ID, 100_000000)
	req := mustRequestAid(t, svc, "0xstudent", uni.ID, 10_000000)

	var nestedErr error
	repo.onApprove = func() {
		_, nestedErr = svc.Donate(context.Background(), "0xdonor", uni.ID, domain.DonationPayload{Amount: 1})
	}

	if _, err := svc.ApproveAid(context.Background(), "0xadmin", req.ID); err != nil {
		t.Fatalf("ApproveAid returned error: %v", err)
	}
	if !errors.Is(nestedErr, ErrOperationInProgress) {
		t.Fatalf("expected nested mutation to fail with ErrOperationInProgress, got %v", nestedErr)
	}

	// The marker must clear on exit so the next operation goes through.
	repo.onApprove = nil
	if _, err := svc.Donate(context.Background(), "0xdonor", uni.ID, domain.DonationPayload{Amount: 1}); err != nil {
		t.Fatalf("expected mutation after release to succeed, got %v", err)
	}
}

func TestBusyMarkerClearsAfterFailedOperation(t *testing.T) {
	svc, _, _ := newTestService(t, 0)

	if _, err := svc.Donate(context.Background(), "0xdonor", 42, domain.DonationPayload{Amount: 1}); !errors.Is(err, store.ErrUniversityNotFound) {
		t.Fatalf("expected ErrUniversityNotFound, got %v", err)
	}

	// The failure path must release the marker.
	uni := mustRegister(t, svc, "0xadmin", "University of Kansas")
	if _, err := svc.Donate(context.Background(), "0xdonor", uni.ID, domain.DonationPayload{Amount: 1}); err != nil {
		t.Fatalf("expected donation to succeed after prior failure, got %v", err)
	}
}

func TestStudentAndUniversityRequestViews(t *testing.T) {
	svc, _, _ := newTestService(t, 0)
	uniA := mustRegister(t, svc, "0xadmina", "University of Kansas")
	uniB := mustRegister(t, svc, "0xadminb", "Another University")
	mustDonate(t, svc, "0xdonor", uniA.ID, 100_000000)
	mustDonate(t, svc, "0xdonor", uniB.ID, 100_000000)

	first := mustRequestAid(t, svc, "0xStudent", uniA.ID, 10_000000)
	second := mustRequestAid(t, svc, "0xstudent", uniB.ID, 20_000000)
	mustRequestAid(t, svc, "0xother", uniA.ID, 5_000000)

	// Cross-university view for a single student, case-insensitive.
	mine, err := svc.GetStudentRequests(context.Background(), "0xSTUDENT")
	if err != nil {
		t.Fatalf("GetStudentRequests returned error: %v", err)
	}
	if len(mine) != 2 || mine[0].ID != first.ID || mine[1].ID != second.ID {
		t.Fatalf("expected requests [%d %d], got %+v", first.ID, second.ID, mine)
	}

	// Unknown accounts read as empty, never as an error.
	none, err := svc.GetStudentRequests(context.Background(), "0xnobody")
	if err != nil {
		t.Fatalf("GetStudentRequests returned error: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("expected empty list for unknown student, got %+v", none)
	}

	all, err := svc.GetUniversityRequests(context.Background(), uniA.ID)
	if err != nil {
		t.Fatalf("GetUniversityRequests returned error: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 requests for university %d, got %d", uniA.ID, len(all))
	}

	// Pending view drops processed requests.
	if _, err := svc.RejectAid(context.Background(), "0xadmina", first.ID); err != nil {
		t.Fatalf("RejectAid returned error: %v", err)
	}
	pending, err := svc.GetPendingRequests(context.Background(), uniA.ID)
	if err != nil {
		t.Fatalf("GetPendingRequests returned error: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending request, got %d", len(pending))
	}
}

func TestLedgerEventsFollowOperations(t *testing.T) {
	svc, _, _ := newTestService(t, 0)
	uni := mustRegister(t, svc, "0xadmin", "University of Kansas")
	mustDonate(t, svc, "0xdonor", uni.ID, 100_000000)
	req := mustRequestAid(t, svc, "0xstudent", uni.ID, 10_000000)
	if _, err := svc.ApproveAid(context.Background(), "0xadmin", req.ID); err != nil {
		t.Fatalf("ApproveAid returned error: %v", err)
	}

	events, err := svc.GetLedgerEvents(context.Background(), 0, 100)
	if err != nil {
		t.Fatalf("GetLedgerEvents returned error: %v", err)
	}
	wantKeys := []string{
		domain.RoutingKeyUniversityRegistered,
		domain.RoutingKeyDonationReceived,
		domain.RoutingKeyAidRequested,
		domain.RoutingKeyAidApproved,
	}
	if len(events) != len(wantKeys) {
		t.Fatalf("expected %d events, got %d", len(wantKeys), len(events))
	}
	for i, key := range wantKeys {
		if events[i].RoutingKey != key {
			t.Fatalf("event %d: expected routing key %q, got %q", i, key, events[i].RoutingKey)
		}
	}

	// Cursor pagination resumes after the given sequence.
	tail, err := svc.GetLedgerEvents(context.Background(), events[1].Sequence, 100)
	if err != nil {
		t.Fatalf("GetLedgerEvents returned error: %v", err)
	}
	if len(tail) != 2 || tail[0].RoutingKey != domain.RoutingKeyAidRequested {
		t.Fatalf("expected 2 events after cursor starting with aid.requested, got %+v", tail)
	}
}
