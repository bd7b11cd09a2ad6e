/**
 * @description
 * This file defines the core domain models for the ledger-service. These structs
 * represent the entities of the emergency fund ledger: universities (named pools
 * with one admin and one balance), aid requests filed by students, and the
 * aggregate counters exposed through the stats endpoint.
 *
 * @notes
 * - Amounts are stored as `int64` in the smallest currency unit (USDC has 6
 *   fractional decimal digits), which avoids floating-point inaccuracies with
 *   financial data.
 * - University and aid request ids are sequential integers starting at 1; they
 *   come from the database sequence and are never reused.
 * - Accounts (admins, donors, students) are identified by their wallet address.
 */

package domain

import "time"

// UnitDecimals is the number of implied fractional digits in ledger amounts.
// All API payloads and database columns carry amounts in this smallest unit.
const UnitDecimals = 6

// University represents one named donation pool. The registering account
// becomes the admin and is the only account allowed to approve or reject
// aid requests drawn from the pool.
type University struct {
	ID            int64     `json:"id"`
	Name          string    `json:"name"`
	Admin         string    `json:"admin"`
	Balance       int64     `json:"balance"`
	IsActive      bool      `json:"is_active"`
	DonorCount    int64     `json:"donor_count"`
	RequestsCount int64     `json:"requests_count"`
	CreatedAt     time.Time `json:"created_at"`
}

// AidRequest is a student's ask for funds. It is created pending and mutates
// exactly once: an admin either approves it (funds move) or rejects it
// (nothing moves). Processing is terminal.
type AidRequest struct {
	ID           int64     `json:"id"`
	UniversityID int64     `json:"university_id"`
	Student      string    `json:"student"`
	Amount       int64     `json:"amount"`
	Reason       string    `json:"reason"`
	IsProcessed  bool      `json:"is_processed"`
	IsApproved   bool      `json:"is_approved"`
	CreatedAt    time.Time `json:"created_at"`
}

// DonorContribution is the cumulative amount one account has donated to one
// university. The row existing at all is what makes the donor count as
// "distinct" for donor_count purposes.
type DonorContribution struct {
	UniversityID int64     `json:"university_id"`
	Donor        string    `json:"donor"`
	Amount       int64     `json:"amount"`
	FirstDonated time.Time `json:"first_donated_at"`
	LastDonated  time.Time `json:"last_donated_at"`
}

// Stats aggregates the global accumulators. TotalDonated and TotalDisbursed
// are monotonically non-decreasing.
type Stats struct {
	UniversityCount int64 `json:"university_count"`
	RequestCount    int64 `json:"request_count"`
	TotalDonated    int64 `json:"total_donated"`
	TotalDisbursed  int64 `json:"total_disbursed"`
}

// RegisterUniversityPayload is the DTO for registering a new university pool.
type RegisterUniversityPayload struct {
	Name string `json:"name"`
}

// DonationPayload is the DTO for donating to a university pool. The donor is
// the authenticated caller; the pull from their token balance requires a
// pre-existing allowance held by the treasury.
type DonationPayload struct {
	Amount int64 `json:"amount"`
}

// AidRequestPayload is the DTO for filing a new aid request.
type AidRequestPayload struct {
	UniversityID int64  `json:"university_id"`
	Amount       int64  `json:"amount"`
	Reason       string `json:"reason"`
}
