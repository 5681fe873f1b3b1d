package content_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/appbase-cms/appbase/internal/authz"
	"github.com/appbase-cms/appbase/internal/content"
	"github.com/appbase-cms/appbase/internal/platform/clock"
	"github.com/appbase-cms/appbase/internal/shared"
	"github.com/appbase-cms/appbase/internal/storage"
)

var (
	admin     = authz.Actor{ID: "admin-1", Role: authz.RoleAdmin}
	alice     = authz.Actor{ID: "alice", Role: authz.RoleContributor}
	bob       = authz.Actor{ID: "bob", Role: authz.RoleContributor}
	reviewer  = authz.Actor{ID: "rita", Role: authz.RoleContributor, Scopes: []authz.Scope{authz.ScopeCanApprove}}
	reviewer2 = authz.Actor{ID: "ravi", Role: authz.RoleContributor, Scopes: []authz.Scope{authz.ScopeCanApprove}}
)

type fakeTags struct {
	restrict bool
	tags     []string
}

func (f fakeTags) AvailableTags(context.Context) ([]string, error) { return f.tags, nil }
func (f fakeTags) RestrictTags(context.Context) (bool, error)      { return f.restrict, nil }

func newService(t *testing.T, opts ...content.Option) (*content.Service, storage.Engine, *clock.FakeClock) {
	t.Helper()
	engine := storage.NewMemoryEngine()
	clk := clock.Fake(time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC))
	return content.NewService(engine, clk, nil, opts...), engine, clk
}

func publiclyVisible(t *testing.T, engine storage.Engine, id string) bool {
	t.Helper()
	found := false
	err := storage.View(context.Background(), engine, func(txn storage.Txn) error {
		for _, err := range txn.ScanIndex(context.Background(), content.FamilyItems, content.IndexPublishedByID, storage.Exact(id)) {
			if err != nil {
				return err
			}
			found = true
		}
		return nil
	})
	require.NoError(t, err)
	return found
}

func draft(t *testing.T, svc *content.Service, owner authz.Actor, title string) content.Item {
	t.Helper()
	it, err := svc.Create(context.Background(), owner, content.Input{Title: title, Body: "hello"})
	require.NoError(t, err)
	return it
}

func TestLifecycleRevisionsAndVisibility(t *testing.T) {
	ctx := context.Background()
	svc, engine, clk := newService(t)

	it := draft(t, svc, alice, "First Post")
	assert.Equal(t, int64(0), it.Revision)
	assert.Equal(t, content.StatusDraft, it.Status)
	assert.Equal(t, "first-post", it.Slug)
	assert.False(t, publiclyVisible(t, engine, it.ID))

	it, err := svc.Submit(ctx, alice, it.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), it.Revision)
	assert.Equal(t, content.StatusPendingApproval, it.Status)
	assert.False(t, publiclyVisible(t, engine, it.ID))

	clk.Advance(time.Minute)
	it, err = svc.Approve(ctx, reviewer, it.ID, 1, "looks good")
	require.NoError(t, err)
	assert.Equal(t, int64(2), it.Revision)
	assert.Equal(t, content.StatusPublished, it.Status)
	assert.Equal(t, reviewer.ID, it.ApproverID)
	require.NotNil(t, it.PublishedAt)
	firstPublished := *it.PublishedAt
	assert.True(t, publiclyVisible(t, engine, it.ID))

	title := "First Post, revised"
	it, err = svc.Revise(ctx, alice, it.ID, 2, content.Changes{Title: &title})
	require.NoError(t, err)
	assert.Equal(t, int64(3), it.Revision)
	assert.Equal(t, content.StatusPendingApproval, it.Status)
	assert.Empty(t, it.ApproverID)
	assert.False(t, publiclyVisible(t, engine, it.ID))

	clk.Advance(time.Minute)
	it, err = svc.Approve(ctx, admin, it.ID, 3, "")
	require.NoError(t, err)
	assert.True(t, publiclyVisible(t, engine, it.ID))
	assert.Equal(t, firstPublished, *it.PublishedAt)

	events := make([]content.Event, 0, len(it.History))
	for _, h := range it.History {
		events = append(events, h.Event)
	}
	assert.Equal(t, []content.Event{content.EventCreate, content.EventSubmit, content.EventApprove, content.EventRevise, content.EventApprove}, events)
}

func TestApproveWithStaleRevision(t *testing.T) {
	ctx := context.Background()
	svc, engine, _ := newService(t)
	it := draft(t, svc, alice, "Race")
	_, err := svc.Submit(ctx, alice, it.ID, 0)
	require.NoError(t, err)

	_, err = svc.Approve(ctx, reviewer, it.ID, 1, "")
	require.NoError(t, err)
	_, err = svc.Reject(ctx, reviewer2, it.ID, 1, "duplicate")
	require.ErrorIs(t, err, shared.ErrStaleWrite)

	got, err := svc.Get(ctx, admin, it.ID)
	require.NoError(t, err)
	assert.Equal(t, content.StatusPublished, got.Status)
	assert.True(t, publiclyVisible(t, engine, it.ID))
}

func TestConcurrentApprovalsHaveOneWinner(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newService(t)
	it := draft(t, svc, alice, "Contended")
	_, err := svc.Submit(ctx, alice, it.ID, 0)
	require.NoError(t, err)

	approvers := []authz.Actor{reviewer, reviewer2, admin, reviewer, reviewer2, admin}
	errs := make([]error, len(approvers))
	var wg sync.WaitGroup
	for i, actor := range approvers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = svc.Approve(ctx, actor, it.ID, 1, "")
		}()
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		require.ErrorIs(t, err, shared.ErrStaleWrite)
	}
	assert.Equal(t, 1, wins)

	got, err := svc.Get(ctx, admin, it.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Revision)
}

func TestContributorWithoutScopeCannotDecide(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newService(t)
	it := draft(t, svc, alice, "Needs review")
	_, err := svc.Submit(ctx, alice, it.ID, 0)
	require.NoError(t, err)

	_, err = svc.Approve(ctx, bob, it.ID, 1, "")
	require.ErrorIs(t, err, shared.ErrDenied)
	_, err = svc.Reject(ctx, bob, it.ID, 1, "no")
	require.ErrorIs(t, err, shared.ErrDenied)
	_, err = svc.ReviewQueue(ctx, bob, shared.NewPage(0, 0))
	require.ErrorIs(t, err, shared.ErrDenied)
	_, err = svc.Get(ctx, bob, it.ID)
	require.ErrorIs(t, err, shared.ErrDenied)
}

func TestSelfApprovalDenied(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newService(t)
	it := draft(t, svc, reviewer, "My own")
	_, err := svc.Submit(ctx, reviewer, it.ID, 0)
	require.NoError(t, err)

	_, err = svc.Approve(ctx, reviewer, it.ID, 1, "")
	require.ErrorIs(t, err, shared.ErrDenied)
	_, err = svc.Approve(ctx, reviewer2, it.ID, 1, "")
	require.NoError(t, err)
}

func TestInvalidTransitions(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newService(t)
	it := draft(t, svc, alice, "Draft only")

	_, err := svc.Approve(ctx, admin, it.ID, 0, "")
	require.ErrorIs(t, err, shared.ErrInvalidTransition)
	_, err = svc.Withdraw(ctx, alice, it.ID, 0)
	require.ErrorIs(t, err, shared.ErrInvalidTransition)
	title := "x"
	_, err = svc.Revise(ctx, alice, it.ID, 0, content.Changes{Title: &title})
	require.ErrorIs(t, err, shared.ErrInvalidTransition)

	_, err = svc.Submit(ctx, alice, it.ID, 0)
	require.NoError(t, err)
	_, err = svc.Update(ctx, alice, it.ID, 1, content.Changes{Title: &title})
	require.ErrorIs(t, err, shared.ErrDenied)
	_, err = svc.Update(ctx, admin, it.ID, 1, content.Changes{Title: &title})
	require.ErrorIs(t, err, shared.ErrInvalidTransition)

	withdrawn, err := svc.Withdraw(ctx, alice, it.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, content.StatusDraft, withdrawn.Status)
}

func TestRejectRequiresReason(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newService(t)
	it := draft(t, svc, alice, "Reject me")
	_, err := svc.Submit(ctx, alice, it.ID, 0)
	require.NoError(t, err)

	_, err = svc.Reject(ctx, reviewer, it.ID, 1, "  <b></b> ")
	require.ErrorIs(t, err, shared.ErrBadField)

	rejected, err := svc.Reject(ctx, reviewer, it.ID, 1, "needs <i>sources</i>")
	require.NoError(t, err)
	assert.Equal(t, content.StatusRejected, rejected.Status)
	assert.Equal(t, "needs sources", rejected.RejectionReason)

	body := "now with sources"
	revised, err := svc.Revise(ctx, alice, it.ID, 2, content.Changes{Body: &body})
	require.NoError(t, err)
	assert.Equal(t, content.StatusPendingApproval, revised.Status)
	assert.Empty(t, revised.RejectionReason)
}

func TestSlugUniqueness(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newService(t)
	first := draft(t, svc, alice, "Same Title")
	second := draft(t, svc, bob, "Same Title")
	assert.Equal(t, "same-title", first.Slug)
	assert.Equal(t, "same-title-2", second.Slug)

	_, err := svc.Create(ctx, bob, content.Input{Title: "Other", Slug: "same-title"})
	require.ErrorIs(t, err, shared.ErrBadField)

	require.NoError(t, svc.Delete(ctx, alice, first.ID, first.Revision))
	third, err := svc.Create(ctx, bob, content.Input{Title: "Other", Slug: "same-title"})
	require.NoError(t, err)
	assert.Equal(t, "same-title", third.Slug)
}

func TestRestrictedTags(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newService(t, content.WithTagPolicy(fakeTags{restrict: true, tags: []string{"go", "news"}}))

	it, err := svc.Create(ctx, alice, content.Input{Title: "Tagged", Tags: []string{"Go", " news ", "go"}})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"go", "news"}, it.Tags)

	_, err = svc.Create(ctx, alice, content.Input{Title: "Tagged", Tags: []string{"rust"}})
	require.ErrorIs(t, err, shared.ErrBadField)

	open, _, _ := newService(t, content.WithTagPolicy(fakeTags{tags: []string{"go"}}))
	_, err = open.Create(ctx, alice, content.Input{Title: "Tagged", Tags: []string{"rust"}})
	require.NoError(t, err)
}

func TestReviewQueueAnnotatesSimilarItems(t *testing.T) {
	ctx := context.Background()
	svc, _, clk := newService(t)

	original := draft(t, svc, alice, "Getting started with Go generics")
	_, err := svc.Submit(ctx, alice, original.ID, 0)
	require.NoError(t, err)
	_, err = svc.Approve(ctx, reviewer, original.ID, 1, "")
	require.NoError(t, err)

	clk.Advance(time.Minute)
	dup := draft(t, svc, bob, "Getting Started With Go Generics")
	submitted, err := svc.Submit(ctx, bob, dup.ID, 0)
	require.NoError(t, err)
	require.Len(t, submitted.Similar, 1)
	assert.Equal(t, original.ID, submitted.Similar[0].ID)

	queue, err := svc.ReviewQueue(ctx, reviewer, shared.NewPage(0, 0))
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Equal(t, dup.ID, queue[0].ID)
	require.Len(t, queue[0].Similar, 1)

	matches, err := svc.CheckSimilar(ctx, alice, "Go generics getting started", nil, "")
	require.NoError(t, err)
	assert.Len(t, matches, 2)
}

func TestListScopesContributorsToOwnItems(t *testing.T) {
	ctx := context.Background()
	svc, _, clk := newService(t)
	draft(t, svc, alice, "A1")
	clk.Advance(time.Second)
	draft(t, svc, alice, "A2")
	draft(t, svc, bob, "B1")

	mine, err := svc.List(ctx, alice, content.ListOptions{}, shared.NewPage(0, 0))
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.Equal(t, "A2", mine[0].Title)

	_, err = svc.List(ctx, alice, content.ListOptions{OwnerID: bob.ID}, shared.NewPage(0, 0))
	require.ErrorIs(t, err, shared.ErrDenied)

	all, err := svc.List(ctx, admin, content.ListOptions{}, shared.NewPage(0, 0))
	require.NoError(t, err)
	assert.Len(t, all, 3)

	drafts, err := svc.List(ctx, admin, content.ListOptions{Status: content.StatusDraft}, shared.NewPage(2, 1))
	require.NoError(t, err)
	assert.Len(t, drafts, 2)
}

func TestDeleteRequiresOwnership(t *testing.T) {
	ctx := context.Background()
	svc, engine, _ := newService(t)
	it := draft(t, svc, alice, "Gone soon")
	_, err := svc.Submit(ctx, alice, it.ID, 0)
	require.NoError(t, err)
	_, err = svc.Approve(ctx, reviewer, it.ID, 1, "")
	require.NoError(t, err)

	require.ErrorIs(t, svc.Delete(ctx, bob, it.ID, 2), shared.ErrDenied)
	require.ErrorIs(t, svc.Delete(ctx, alice, it.ID, 1), shared.ErrStaleWrite)
	require.NoError(t, svc.Delete(ctx, alice, it.ID, 2))
	assert.False(t, publiclyVisible(t, engine, it.ID))
	_, err = svc.Get(ctx, admin, it.ID)
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestBodyIsEscapedOutsideFences(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newService(t)
	it, err := svc.Create(ctx, alice, content.Input{
		Title: "<script>alert(1)</script>Safe",
		Body:  "<b>hi</b>\n```\n<b>code</b>\n```\n",
	})
	require.NoError(t, err)
	assert.Equal(t, "Safe", it.Title)
	assert.Contains(t, it.Body, "&lt;b&gt;hi&lt;/b&gt;")
	assert.Contains(t, it.Body, "<b>code</b>")
}

func TestEditingBodyRoundTripsUnchanged(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newService(t)
	it, err := svc.Create(ctx, alice, content.Input{Title: "Maths", Body: "if a < b && c > d"})
	require.NoError(t, err)
	stored := it.Body
	assert.Equal(t, "if a &lt; b &amp;&amp; c &gt; d", stored)

	for range 3 {
		fetched, err := svc.Get(ctx, alice, it.ID)
		require.NoError(t, err)
		body := fetched.Body
		it, err = svc.Update(ctx, alice, it.ID, fetched.Revision, content.Changes{Body: &body})
		require.NoError(t, err)
		assert.Equal(t, stored, it.Body)
	}
}

func TestEncodedMarkupStaysInert(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newService(t)
	payload := "&lt;img src=x onerror=alert(1)&gt; hi"
	it, err := svc.Create(ctx, alice, content.Input{Title: payload, Summary: payload, Body: "text"})
	require.NoError(t, err)
	assert.NotContains(t, it.Title, "<")
	assert.NotContains(t, it.Summary, "<")
	assert.Equal(t, "&lt;img src=x onerror=alert(1)&gt; hi", it.Title)

	it, err = svc.Submit(ctx, alice, it.ID, it.Revision)
	require.NoError(t, err)
	it, err = svc.Reject(ctx, reviewer, it.ID, it.Revision, "&lt;script&gt;alert(1)&lt;/script&gt; needs work")
	require.NoError(t, err)
	assert.NotContains(t, it.RejectionReason, "<")
}
