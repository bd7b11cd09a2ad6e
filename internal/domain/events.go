/**
 * @description
 * Event payloads emitted by the ledger. Every successful mutating operation
 * appends exactly one event to the ledger event log (the outbox table) inside
 * the same database transaction as the mutation; a dispatcher publishes the
 * log to RabbitMQ. Clients reconstruct state by combining reads with this
 * event history.
 */

package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventExchange is the topic exchange all ledger events are published to.
const EventExchange = "campusshield.events"

// Routing keys for the ledger event surface.
const (
	RoutingKeyUniversityRegistered = "ledger.university.registered"
	RoutingKeyDonationReceived     = "ledger.donation.received"
	RoutingKeyAidRequested         = "ledger.aid.requested"
	RoutingKeyAidApproved          = "ledger.aid.approved"
	RoutingKeyAidRejected          = "ledger.aid.rejected"
)

// UniversityRegisteredEvent is emitted when a new pool is registered.
type UniversityRegisteredEvent struct {
	UniversityID int64  `json:"university_id"`
	Name         string `json:"name"`
	Admin        string `json:"admin"`
}

// DonationReceivedEvent is emitted when a donation has been pulled into
// custody and credited to a pool.
type DonationReceivedEvent struct {
	UniversityID int64  `json:"university_id"`
	Donor        string `json:"donor"`
	Amount       int64  `json:"amount"`
}

// AidRequestedEvent is emitted when a student files an aid request.
type AidRequestedEvent struct {
	RequestID    int64  `json:"request_id"`
	UniversityID int64  `json:"university_id"`
	Student      string `json:"student"`
	Amount       int64  `json:"amount"`
	Reason       string `json:"reason"`
}

// AidApprovedEvent is emitted when an admin approves a request and the payout
// to the student has been made.
type AidApprovedEvent struct {
	RequestID int64  `json:"request_id"`
	Student   string `json:"student"`
	Amount    int64  `json:"amount"`
}

// AidRejectedEvent is emitted when an admin rejects a request. No funds move.
type AidRejectedEvent struct {
	RequestID int64  `json:"request_id"`
	Student   string `json:"student"`
}

// LedgerEvent is one entry of the append-only event log as served by the
// polling endpoint. Sequence is the log position (strictly increasing);
// EventID is a globally unique identifier for consumer-side deduplication.
type LedgerEvent struct {
	Sequence   int64           `json:"sequence"`
	EventID    uuid.UUID       `json:"event_id"`
	RoutingKey string          `json:"routing_key"`
	Payload    json.RawMessage `json:"payload"`
	RecordedAt time.Time       `json:"recorded_at"`
}
