package model

import "time"

type ConsentStatus string

const (
	ConsentPending  ConsentStatus = "pending"
	ConsentAccepted ConsentStatus = "accepted"
	ConsentRejected ConsentStatus = "rejected"
)

// ChatConsent gates whether two users may exchange chat messages.
// One row per unordered user pair; accepted is durable and terminal.
type ChatConsent struct {
	ID          string        `json:"id"`
	RequesterID string        `json:"requester_id"`
	ResponderID string        `json:"responder_id"`
	Status      ConsentStatus `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}
