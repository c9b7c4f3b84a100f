// Package action implements the action pipeline of spec §4.E: the most
// opinionated surface of the core. It covers outbound creation (ingest,
// type/audience resolution, inheritance, dedup, signing, persistence,
// hook dispatch, fan-out planning, delivery scheduling, local broadcast)
// and the inbound path for a federated POST to /inbox.
package action

import "time"

// Status is an action's lifecycle state (spec §3).
type Status string

const (
	StatusActive             Status = "A"
	StatusNeedsConfirmation  Status = "C"
	StatusRejected           Status = "R"
	StatusFinished           Status = "F"
	StatusDeleted            Status = "D"
)

// FederationStatus tracks outbound delivery progress (spec §3).
type FederationStatus string

const (
	FederationDraft   FederationStatus = "draft"
	FederationPending FederationStatus = "pending"
	FederationSent    FederationStatus = "sent"
	FederationFailed  FederationStatus = "failed"
)

// Visibility mirrors abac.Visibility's string values; kept as a distinct
// type here so the action package doesn't need to import abac just for
// the enum (the pipeline converts at the evaluator boundary).
type Visibility string

const (
	VisibilityPublic       Visibility = "Public"
	VisibilityVerified     Visibility = "Verified"
	VisibilitySecondDegree Visibility = "SecondDegree"
	VisibilityFollower     Visibility = "Follower"
	VisibilityConnected    Visibility = "Connected"
	VisibilityDirect       Visibility = "Direct"
)

// Action is the atomic unit of federation (spec §3). Immutable once
// signed: once Status != draft the Token field is frozen.
type Action struct {
	ActionID   string
	TnID       string
	Typ        string
	SubTyp     string
	Issuer     string
	Audience   *string
	ParentID   *string
	RootID     *string
	Subject    *string
	Content    []byte // opaque JSON, typed per action kind
	Attachments []string
	Visibility Visibility
	Flags      string
	X          map[string]any // server-side metadata, never sent over the wire
	CreatedAt  time.Time
	ExpiresAt  *time.Time
	Status     Status
	FederationStatus FederationStatus
	Token      string
}

// Request is the partially-filled shape a client submits (spec §4.E step
// 1 "Ingest").
type Request struct {
	Typ         string
	SubTyp      string
	AudienceTag *string
	ParentID    *string
	Subject     *string
	Content     []byte
	Attachments []string
	Visibility  *Visibility
	Flags       string
	X           map[string]any
}
