// Package authz decides whether a principal may perform an action on a
// resource. Decide is pure: it reads nothing beyond its arguments.
package authz

import (
	"fmt"
	"slices"

	"github.com/appbase-cms/appbase/internal/shared"
)

// Role is the closed set of principal roles.
type Role string

const (
	RoleAdmin       Role = "admin"
	RoleContributor Role = "contributor"
)

// ParseRole validates a role name.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleAdmin, RoleContributor:
		return Role(s), nil
	}
	return "", shared.BadField("role", "unknown role")
}

// Scope is an explicit permission granted to a Contributor.
type Scope string

// ScopeCanApprove lets a Contributor review and decide other owners' pending items.
const ScopeCanApprove Scope = "can-approve"

// KnownScopes lists every grantable scope.
var KnownScopes = []Scope{ScopeCanApprove}

// ParseScopes validates scope names and drops duplicates.
func ParseScopes(raw []string) ([]Scope, error) {
	out := make([]Scope, 0, len(raw))
	for _, s := range raw {
		scope := Scope(s)
		if !slices.Contains(KnownScopes, scope) {
			return nil, shared.BadField("scopes", fmt.Sprintf("unknown scope %q", s))
		}
		if !slices.Contains(out, scope) {
			out = append(out, scope)
		}
	}
	return out, nil
}

// Actor is the subject of a decision.
type Actor struct {
	ID     string
	Role   Role
	Scopes []Scope
}

// Has reports whether the actor holds scope.
func (a Actor) Has(scope Scope) bool {
	return slices.Contains(a.Scopes, scope)
}

// Action names an operation.
type Action string

const (
	ContentCreate      Action = "content.create"
	ContentRead        Action = "content.read"
	ContentEdit        Action = "content.edit"
	ContentDelete      Action = "content.delete"
	ContentSubmit      Action = "content.submit"
	ContentWithdraw    Action = "content.withdraw"
	ContentRevise      Action = "content.revise"
	ContentApprove     Action = "content.approve"
	ContentReject      Action = "content.reject"
	ContentReviewQueue Action = "content.review_queue"
	InspectorRead      Action = "inspector.read"
	InspectorWrite     Action = "inspector.write"
	PrincipalManage    Action = "principal.manage"
	SettingsManage     Action = "settings.manage"
	MediaUpload        Action = "media.upload"
	MediaManage        Action = "media.manage"
)

// Kind classifies resources.
type Kind string

const (
	KindContent   Kind = "content"
	KindMedia     Kind = "media"
	KindRecord    Kind = "record"
	KindPrincipal Kind = "principal"
	KindSettings  Kind = "settings"
)

// Content item states as seen by the policy.
const (
	StatusDraft           = "draft"
	StatusPendingApproval = "pending_approval"
	StatusPublished       = "published"
	StatusRejected        = "rejected"
)

// Resource describes the target of an action.
type Resource struct {
	Kind    Kind
	OwnerID string
	Status  string
}

// Decision is Allow or Deny with a reason.
type Decision struct {
	Allowed bool
	Reason  string
}

func allow() Decision { return Decision{Allowed: true} }

func deny(reason string) Decision { return Decision{Reason: reason} }

// Err returns nil for an allow and a DeniedError otherwise.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &shared.DeniedError{Reason: d.Reason}
}

// Decide evaluates the rules in order; anything not explicitly allowed is denied.
func Decide(actor Actor, action Action, res Resource) Decision {
	switch actor.Role {
	case RoleAdmin:
		return allow()
	case RoleContributor:
	default:
		return deny("unknown role")
	}
	if actor.ID == "" {
		return deny("anonymous actor")
	}

	switch res.Kind {
	case KindContent:
		return decideContent(actor, action, res)
	case KindMedia:
		switch action {
		case MediaUpload:
			return allow()
		case MediaManage:
			if res.OwnerID == actor.ID {
				return allow()
			}
			return deny("not the owner")
		}
	case KindRecord:
		return deny("record inspector is admin only")
	}
	return deny(fmt.Sprintf("%s on %s requires admin", action, res.Kind))
}

func decideContent(actor Actor, action Action, res Resource) Decision {
	if action == ContentCreate {
		return allow()
	}
	if action == ContentReviewQueue {
		if actor.Has(ScopeCanApprove) {
			return allow()
		}
		return deny("missing scope can-approve")
	}

	if res.OwnerID == actor.ID {
		switch action {
		case ContentRead, ContentSubmit, ContentWithdraw, ContentRevise, ContentDelete:
			return allow()
		case ContentEdit:
			if res.Status == StatusDraft {
				return allow()
			}
			return deny("only drafts can be edited")
		case ContentApprove, ContentReject:
			if !actor.Has(ScopeCanApprove) {
				return deny("missing scope can-approve")
			}
			return deny("contributors cannot decide their own items")
		}
		return deny("action not permitted")
	}

	if !actor.Has(ScopeCanApprove) {
		return deny("not the owner")
	}
	if res.Status != StatusPendingApproval {
		return deny("not the owner")
	}
	switch action {
	case ContentRead, ContentApprove, ContentReject:
		return allow()
	}
	return deny("not the owner")
}
