package authz

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/appbase-cms/appbase/internal/shared"
)

var (
	admin    = Actor{ID: "admin-1", Role: RoleAdmin}
	writer   = Actor{ID: "c-1", Role: RoleContributor}
	reviewer = Actor{ID: "c-2", Role: RoleContributor, Scopes: []Scope{ScopeCanApprove}}
)

func content(owner, status string) Resource {
	return Resource{Kind: KindContent, OwnerID: owner, Status: status}
}

func TestDecide(t *testing.T) {
	cases := []struct {
		name    string
		actor   Actor
		action  Action
		res     Resource
		allowed bool
	}{
		{"admin approves anything", admin, ContentApprove, content("c-1", StatusPendingApproval), true},
		{"admin reads records", admin, InspectorWrite, Resource{Kind: KindRecord}, true},
		{"owner edits draft", writer, ContentEdit, content("c-1", StatusDraft), true},
		{"owner cannot edit published in place", writer, ContentEdit, content("c-1", StatusPublished), false},
		{"owner submits", writer, ContentSubmit, content("c-1", StatusDraft), true},
		{"owner revises rejected", writer, ContentRevise, content("c-1", StatusRejected), true},
		{"owner withdraws", writer, ContentWithdraw, content("c-1", StatusPendingApproval), true},
		{"owner deletes", writer, ContentDelete, content("c-1", StatusPublished), true},
		{"owner without scope cannot approve own", writer, ContentApprove, content("c-1", StatusPendingApproval), false},
		{"owner without scope cannot reject own", writer, ContentReject, content("c-1", StatusPendingApproval), false},
		{"scoped owner cannot approve own", Actor{ID: "c-1", Role: RoleContributor, Scopes: []Scope{ScopeCanApprove}}, ContentApprove, content("c-1", StatusPendingApproval), false},
		{"unscoped cannot approve others", writer, ContentApprove, content("c-9", StatusPendingApproval), false},
		{"unscoped cannot read others", writer, ContentRead, content("c-9", StatusPendingApproval), false},
		{"reviewer reads pending of others", reviewer, ContentRead, content("c-1", StatusPendingApproval), true},
		{"reviewer approves pending of others", reviewer, ContentApprove, content("c-1", StatusPendingApproval), true},
		{"reviewer rejects pending of others", reviewer, ContentReject, content("c-1", StatusPendingApproval), true},
		{"reviewer cannot read drafts of others", reviewer, ContentRead, content("c-1", StatusDraft), false},
		{"reviewer cannot edit others", reviewer, ContentEdit, content("c-1", StatusPendingApproval), false},
		{"reviewer sees queue", reviewer, ContentReviewQueue, Resource{Kind: KindContent}, true},
		{"writer does not see queue", writer, ContentReviewQueue, Resource{Kind: KindContent}, false},
		{"contributor cannot inspect", reviewer, InspectorRead, Resource{Kind: KindRecord}, false},
		{"contributor cannot manage principals", reviewer, PrincipalManage, Resource{Kind: KindPrincipal}, false},
		{"contributor uploads media", writer, MediaUpload, Resource{Kind: KindMedia}, true},
		{"contributor manages own media", writer, MediaManage, Resource{Kind: KindMedia, OwnerID: "c-1"}, true},
		{"contributor cannot manage others media", writer, MediaManage, Resource{Kind: KindMedia, OwnerID: "c-2"}, false},
		{"unknown role denied", Actor{ID: "x", Role: "root"}, ContentRead, content("x", StatusDraft), false},
		{"anonymous contributor denied", Actor{Role: RoleContributor}, ContentCreate, Resource{Kind: KindContent}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := Decide(tc.actor, tc.action, tc.res)
			require.Equal(t, tc.allowed, d.Allowed, d.Reason)
			if !tc.allowed {
				require.ErrorIs(t, d.Err(), shared.ErrDenied)
				require.NotEmpty(t, d.Reason)
			}
		})
	}
}

func TestUnscopedContributorNeverApproves(t *testing.T) {
	for _, status := range []string{StatusDraft, StatusPendingApproval, StatusPublished, StatusRejected} {
		for _, owner := range []string{writer.ID, "someone-else"} {
			for _, action := range []Action{ContentApprove, ContentReject} {
				require.False(t, Decide(writer, action, content(owner, status)).Allowed)
			}
		}
	}
}

func TestParseScopes(t *testing.T) {
	scopes, err := ParseScopes([]string{"can-approve", "can-approve"})
	require.NoError(t, err)
	require.Equal(t, []Scope{ScopeCanApprove}, scopes)

	_, err = ParseScopes([]string{"root"})
	require.ErrorIs(t, err, shared.ErrBadField)
}

func TestParseRole(t *testing.T) {
	role, err := ParseRole("admin")
	require.NoError(t, err)
	require.Equal(t, RoleAdmin, role)

	_, err = ParseRole("superuser")
	require.ErrorIs(t, err, shared.ErrBadField)
}
