// Package content implements the approval lifecycle of content items.
package content

import (
	"fmt"
	"time"

	"github.com/appbase-cms/appbase/internal/authz"
	"github.com/appbase-cms/appbase/internal/shared"
)

// Status is a lifecycle state.
type Status string

const (
	StatusDraft           Status = authz.StatusDraft
	StatusPendingApproval Status = authz.StatusPendingApproval
	StatusPublished       Status = authz.StatusPublished
	StatusRejected        Status = authz.StatusRejected
)

// Event drives a lifecycle transition or records an edit.
type Event string

const (
	EventCreate   Event = "create"
	EventEdit     Event = "edit"
	EventSubmit   Event = "submit"
	EventApprove  Event = "approve"
	EventReject   Event = "reject"
	EventWithdraw Event = "withdraw"
	EventRevise   Event = "revise"
)

// transitions is the complete state machine; anything absent is invalid.
var transitions = map[Status]map[Event]Status{
	StatusDraft:           {EventSubmit: StatusPendingApproval},
	StatusPendingApproval: {EventApprove: StatusPublished, EventReject: StatusRejected, EventWithdraw: StatusDraft},
	StatusPublished:       {EventRevise: StatusPendingApproval},
	StatusRejected:        {EventRevise: StatusPendingApproval},
}

// Next returns the state reached from s on ev.
func Next(s Status, ev Event) (Status, error) {
	if to, ok := transitions[s][ev]; ok {
		return to, nil
	}
	return "", fmt.Errorf("%w: %s from %s", shared.ErrInvalidTransition, ev, s)
}

// HistoryEntry records one edit or transition.
type HistoryEntry struct {
	Seq     int       `cbor:"seq" json:"seq"`
	ActorID string    `cbor:"actor_id" json:"actor_id"`
	Event   Event     `cbor:"event" json:"event"`
	From    Status    `cbor:"from,omitempty" json:"from,omitempty"`
	To      Status    `cbor:"to" json:"to"`
	Note    string    `cbor:"note,omitempty" json:"note,omitempty"`
	At      time.Time `cbor:"at" json:"at"`
}

// Match is an advisory similarity annotation.
type Match struct {
	ID     string  `cbor:"id" json:"id"`
	Title  string  `cbor:"title" json:"title"`
	Status Status  `cbor:"status" json:"status"`
	Score  float64 `cbor:"score" json:"score"`
}

// Item is a content item.
type Item struct {
	ID              string         `cbor:"id" json:"id"`
	OwnerID         string         `cbor:"owner_id" json:"owner_id"`
	Title           string         `cbor:"title" json:"title"`
	Slug            string         `cbor:"slug" json:"slug"`
	Summary         string         `cbor:"summary" json:"summary"`
	Body            string         `cbor:"body" json:"body"`
	Tags            []string       `cbor:"tags" json:"tags"`
	CoverMediaID    string         `cbor:"cover_media_id,omitempty" json:"cover_media_id,omitempty"`
	Status          Status         `cbor:"status" json:"status"`
	CreatedAt       time.Time      `cbor:"created_at" json:"created_at"`
	UpdatedAt       time.Time      `cbor:"updated_at" json:"updated_at"`
	PublishedAt     *time.Time     `cbor:"published_at,omitempty" json:"published_at,omitempty"`
	ApproverID      string         `cbor:"approver_id,omitempty" json:"approver_id,omitempty"`
	RejectionReason string         `cbor:"rejection_reason,omitempty" json:"rejection_reason,omitempty"`
	History         []HistoryEntry `cbor:"history" json:"history"`
	Similar         []Match        `cbor:"similar,omitempty" json:"similar,omitempty"`
	Revision        int64          `cbor:"-" json:"revision"`
}

// Resource describes the item to the policy.
func (it Item) Resource() authz.Resource {
	return authz.Resource{Kind: authz.KindContent, OwnerID: it.OwnerID, Status: string(it.Status)}
}

func (it *Item) record(actorID string, ev Event, from Status, note string, at time.Time) {
	it.History = append(it.History, HistoryEntry{
		Seq:     len(it.History) + 1,
		ActorID: actorID,
		Event:   ev,
		From:    from,
		To:      it.Status,
		Note:    note,
		At:      at,
	})
}

// Input carries the editable fields of a new item.
type Input struct {
	Title        string
	Slug         string
	Summary      string
	Body         string
	Tags         []string
	CoverMediaID string
}

// Changes is a partial edit; nil fields are left alone.
type Changes struct {
	Title        *string
	Slug         *string
	Summary      *string
	Body         *string
	Tags         *[]string
	CoverMediaID *string
}

// Empty reports whether no field is set.
func (c Changes) Empty() bool {
	return c.Title == nil && c.Slug == nil && c.Summary == nil && c.Body == nil && c.Tags == nil && c.CoverMediaID == nil
}
