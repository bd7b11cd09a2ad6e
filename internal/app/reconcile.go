/**
 * @description
 * Custody reconciliation for the ledger-service. The sum of all university
 * pool balances must equal the stablecoin held by the treasury custody
 * account; this file computes the drift between the two and reports it on a
 * cron schedule so operators notice custody leaks early.
 *
 * @dependencies
 * - context, fmt, log: Standard Go libraries.
 * - github.com/robfig/cron/v3: For the periodic schedule.
 */

package app

import (
	"context"
	"fmt"
	"log"

	"github.com/robfig/cron/v3"
)

// ReconcileReport is the outcome of one custody reconciliation pass.
type ReconcileReport struct {
	LedgerTotal  int64 `json:"ledger_total"`
	CustodyTotal int64 `json:"custody_total"`
	Drift        int64 `json:"drift"`
	InBalance    bool  `json:"in_balance"`
}

// computeDrift compares the ledger-side pool total against the custody
// balance. Drift is custody minus ledger: positive means the treasury holds
// more than the pools account for (e.g. direct transfers into custody),
// negative means the pools claim funds custody does not hold.
func computeDrift(ledgerTotal, custodyTotal int64) ReconcileReport {
	drift := custodyTotal - ledgerTotal
	return ReconcileReport{
		LedgerTotal:  ledgerTotal,
		CustodyTotal: custodyTotal,
		Drift:        drift,
		InBalance:    drift == 0,
	}
}

// ReconcileCustody runs one reconciliation pass.
func (s *Service) ReconcileCustody(ctx context.Context) (*ReconcileReport, error) {
	ledgerTotal, err := s.repo.SumUniversityBalances(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to sum pool balances: %w", err)
	}

	custodyTotal, err := s.treasuryClient.Balance(ctx, s.custodyAccount)
	if err != nil {
		return nil, fmt.Errorf("failed to read custody balance: %w", err)
	}

	report := computeDrift(ledgerTotal, custodyTotal)
	if report.InBalance {
		log.Printf("level=info component=reconcile msg=\"custody in balance\" total=%d", report.LedgerTotal)
	} else {
		log.Printf("level=warn component=reconcile msg=\"custody drift detected\" ledger_total=%d custody_total=%d drift=%d", report.LedgerTotal, report.CustodyTotal, report.Drift)
	}
	return &report, nil
}

// Scheduler runs the reconciliation job on a cron schedule.
type Scheduler struct {
	cron     *cron.Cron
	service  *Service
	schedule string
}

// NewScheduler creates a scheduler for the given cron expression.
func NewScheduler(service *Service, schedule string) *Scheduler {
	c := cron.New(cron.WithChain(cron.Recover(cron.PrintfLogger(log.Default()))))
	return &Scheduler{
		cron:     c,
		service:  service,
		schedule: schedule,
	}
}

// Start registers the reconciliation job and starts the cron loop.
func (s *Scheduler) Start() {
	if _, err := s.cron.AddFunc(s.schedule, func() {
		if _, err := s.service.ReconcileCustody(context.Background()); err != nil {
			log.Printf("level=error component=reconcile msg=\"reconciliation pass failed\" error=%v", err)
		}
	}); err != nil {
		log.Printf("level=error component=reconcile msg=\"failed to schedule reconciliation job\" schedule=%q error=%v", s.schedule, err)
		return
	}
	log.Printf("level=info component=reconcile msg=\"scheduled reconciliation job\" schedule=%q", s.schedule)
	s.cron.Start()
}

// Stop gracefully stops the cron loop.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
