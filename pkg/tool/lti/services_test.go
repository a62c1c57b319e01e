package lti_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mind-engage/lti1p3-tool/pkg/tool/lti"
	"github.com/mind-engage/lti1p3-tool/pkg/tool/lti/ltitest"
)

var allAGSScopes = []string{lti.ScopeLineItem, lti.ScopeLineItemReadOnly, lti.ScopeScore, lti.ScopeResultReadOnly}

func (f *fixture) ags(claim lti.AGSClaim) *lti.AssignmentsGradesService {
	return lti.NewAssignmentsGradesService(f.tool.Connector(f.reg), claim)
}

func score(v float64) *float64 { return &v }

func mustGrade(t *testing.T, user string, given float64) *lti.Grade {
	t.Helper()
	g, err := lti.NewGrade(lti.GradeFields{UserID: user, ScoreGiven: score(given), ScoreMaximum: 100})
	if err != nil {
		t.Fatalf("grade: %v", err)
	}
	return g
}

func TestConnector_TokenCache(t *testing.T) {
	f := newFixture(t)
	conn := lti.NewServiceConnector(f.reg, nil)
	ctx := context.Background()

	a, err := conn.GetAccessToken(ctx, []string{lti.ScopeScore, lti.ScopeLineItem})
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	b, _ := conn.GetAccessToken(ctx, []string{lti.ScopeLineItem, lti.ScopeScore, lti.ScopeScore})
	if a != b || f.p.TokenRequests() != 1 {
		t.Fatalf("same scope set should reuse token: %s %s (%d requests)", a, b, f.p.TokenRequests())
	}
	c, _ := conn.GetAccessToken(ctx, []string{lti.ScopeResultReadOnly})
	if c == a || f.p.TokenRequests() != 2 {
		t.Fatalf("different scope set should get its own token")
	}
}

func TestConnector_TokenExpiry(t *testing.T) {
	f := newFixture(t)
	f.p.TokenTTL = 45 * time.Second
	conn := lti.NewServiceConnector(f.reg, nil)
	now := time.Now()
	conn.Now = func() time.Time { return now }
	ctx := context.Background()
	scopes := []string{lti.ScopeScore}

	if _, err := conn.GetAccessToken(ctx, scopes); err != nil {
		t.Fatalf("token: %v", err)
	}
	now = now.Add(5 * time.Second)
	_, _ = conn.GetAccessToken(ctx, scopes)
	if f.p.TokenRequests() != 1 {
		t.Fatalf("token refetched inside its lifetime")
	}
	// 45s lifetime minus the safety margin has passed
	now = now.Add(20 * time.Second)
	_, _ = conn.GetAccessToken(ctx, scopes)
	if f.p.TokenRequests() != 2 {
		t.Fatalf("expired token reused (%d requests)", f.p.TokenRequests())
	}
}

func TestConnector_ShortLivedTokenNotCached(t *testing.T) {
	f := newFixture(t)
	f.p.TokenTTL = 10 * time.Second
	conn := lti.NewServiceConnector(f.reg, nil)
	for i := 0; i < 3; i++ {
		if _, err := conn.GetAccessToken(context.Background(), []string{lti.ScopeScore}); err != nil {
			t.Fatalf("token: %v", err)
		}
	}
	if f.p.TokenRequests() != 3 {
		t.Fatalf("token requests = %d", f.p.TokenRequests())
	}
}

func TestConnector_ConcurrentTokenUse(t *testing.T) {
	f := newFixture(t)
	conn := lti.NewServiceConnector(f.reg, nil)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = conn.GetAccessToken(context.Background(), []string{fmt.Sprintf("scope-%d", i%4)})
		}(i)
	}
	wg.Wait()
	if n := f.p.TokenRequests(); n < 4 || n > 16 {
		t.Fatalf("token requests = %d", n)
	}
}

func TestConnector_TokenRejected(t *testing.T) {
	f := newFixture(t)
	_, _, other := ltitest.Keys(t)
	f.p.ToolKey = &other.PublicKey
	conn := lti.NewServiceConnector(f.reg, nil)
	_, err := conn.GetAccessToken(context.Background(), []string{lti.ScopeScore})
	wantKind(t, err, lti.ErrServiceRequest)
	var le *lti.Error
	if !errors.As(err, &le) || le.Status != 401 || !strings.Contains(le.Body, "invalid_client") {
		t.Fatalf("token error = %+v", err)
	}
}

func TestConnector_ServiceError(t *testing.T) {
	f := newFixture(t)
	s := f.ags(lti.AGSClaim{Scope: allAGSScopes, LineItems: f.p.LineItemsURL()})
	_, err := s.GetLineItem(context.Background(), f.p.URL+"/line_items/999")
	wantKind(t, err, lti.ErrServiceRequest)
	var le *lti.Error
	if !errors.As(err, &le) || le.Status != 404 || !strings.Contains(le.Body, "not found") {
		t.Fatalf("service error = %+v", err)
	}
}

func TestAGS_LineItemsPaginate(t *testing.T) {
	f := newFixture(t)
	f.p.PageSize = 2
	for i := 1; i <= 5; i++ {
		f.p.AddLineItem(fmt.Sprintf("Quiz %d", i), fmt.Sprintf("quiz-%d", i), "", 10)
	}
	s := f.ags(lti.AGSClaim{Scope: allAGSScopes, LineItems: f.p.LineItemsURL()})
	items, err := s.GetLineItems(context.Background())
	if err != nil {
		t.Fatalf("get lineitems: %v", err)
	}
	if len(items) != 5 {
		t.Fatalf("got %d lineitems", len(items))
	}
	for i, li := range items {
		if li.Label() != fmt.Sprintf("Quiz %d", i+1) {
			t.Fatalf("page order broken at %d: %s", i, li.Label())
		}
	}
	if n := f.p.Calls("/contexts/ctx-1/line_items"); n != 3 {
		t.Fatalf("pages fetched = %d", n)
	}

	found, err := s.FindLineItemByTag(context.Background(), "quiz-5")
	if err != nil || found == nil || found.Label() != "Quiz 5" {
		t.Fatalf("find by tag: %v %v", found, err)
	}
	missing, err := s.FindLineItemByTag(context.Background(), "nope")
	if err != nil || missing != nil {
		t.Fatalf("find missing: %v %v", missing, err)
	}
}

func TestAGS_LineItemLifecycle(t *testing.T) {
	f := newFixture(t)
	s := f.ags(lti.AGSClaim{Scope: allAGSScopes, LineItems: f.p.LineItemsURL()})
	ctx := context.Background()

	want, _ := lti.NewLineItem(lti.LineItemFields{Label: "Essay", Tag: "essay", ScoreMaximum: 20, ResourceID: "r-1"})
	created, err := s.FindOrCreateLineItem(ctx, want, lti.ByTag)
	if err != nil || created.ID() == "" {
		t.Fatalf("create: %v %v", created, err)
	}
	again, err := s.FindOrCreateLineItem(ctx, want, lti.ByTag)
	if err != nil || again.ID() != created.ID() || f.p.LineItemCount() != 1 {
		t.Fatalf("find-or-create duplicated: %v %v", again, err)
	}
	byRes, _ := s.FindLineItemByResourceID(ctx, "r-1")
	if byRes == nil || byRes.ID() != created.ID() {
		t.Fatalf("find by resource id: %v", byRes)
	}

	fields := created.Fields()
	fields.Label = "Essay (final)"
	changed, _ := lti.NewLineItem(fields)
	updated, err := s.UpdateLineItem(ctx, changed)
	if err != nil || updated.Label() != "Essay (final)" || updated.ID() != created.ID() {
		t.Fatalf("update: %v %v", updated, err)
	}
	got, err := s.GetLineItem(ctx, created.ID())
	if err != nil || got.Label() != "Essay (final)" {
		t.Fatalf("get after update: %v %v", got, err)
	}

	if err := s.DeleteLineItem(ctx, created.ID()); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if f.p.LineItemCount() != 0 {
		t.Fatalf("lineitem not deleted")
	}
}

func TestAGS_PutGradeNeedsScoreScope(t *testing.T) {
	f := newFixture(t)
	s := f.ags(lti.AGSClaim{Scope: []string{lti.ScopeLineItem}, LineItems: f.p.LineItemsURL(), LineItem: f.p.URL + "/line_items/1"})
	_, err := s.PutGrade(context.Background(), mustGrade(t, "u1", 5), nil)
	wantKind(t, err, lti.ErrMissingScope)
	if n := f.p.TotalCalls(); n != 0 {
		t.Fatalf("platform called %d times", n)
	}
}

func TestAGS_PutGradeTarget(t *testing.T) {
	ctx := context.Background()

	t.Run("lineitem with id", func(t *testing.T) {
		f := newFixture(t)
		id := f.p.AddLineItem("Existing", "", "", 100)
		s := f.ags(lti.AGSClaim{Scope: allAGSScopes, LineItems: f.p.LineItemsURL()})
		li, _ := lti.NewLineItem(lti.LineItemFields{ID: id, Label: "Existing", ScoreMaximum: 100})
		if _, err := s.PutGrade(ctx, mustGrade(t, "u1", 80), li); err != nil {
			t.Fatalf("put grade: %v", err)
		}
		scores := f.p.Scores(id)
		if len(scores) != 1 || scores[0]["userId"] != "u1" || scores[0]["scoreGiven"] != 80.0 {
			t.Fatalf("scores = %v", scores)
		}
		if f.p.Calls("/contexts/") != 0 {
			t.Fatalf("lineitems listed although id was known")
		}
	})

	t.Run("lineitem without id is created by tag", func(t *testing.T) {
		f := newFixture(t)
		s := f.ags(lti.AGSClaim{Scope: allAGSScopes, LineItems: f.p.LineItemsURL()})
		li, _ := lti.NewLineItem(lti.LineItemFields{Label: "Quiz", Tag: "quiz", ScoreMaximum: 10})
		for i := 0; i < 2; i++ {
			if _, err := s.PutGrade(ctx, mustGrade(t, "u1", 7), li); err != nil {
				t.Fatalf("put grade: %v", err)
			}
		}
		if f.p.LineItemCount() != 1 {
			t.Fatalf("lineitems = %d", f.p.LineItemCount())
		}
		found, _ := s.FindLineItemByTag(ctx, "quiz")
		if len(f.p.Scores(found.ID())) != 2 {
			t.Fatalf("scores not posted to created lineitem")
		}
	})

	t.Run("launch lineitem", func(t *testing.T) {
		f := newFixture(t)
		id := f.p.AddLineItem("Launch", "", "", 100)
		s := f.ags(lti.AGSClaim{Scope: allAGSScopes, LineItems: f.p.LineItemsURL(), LineItem: id})
		if _, err := s.PutGrade(ctx, mustGrade(t, "u1", 1), nil); err != nil {
			t.Fatalf("put grade: %v", err)
		}
		if len(f.p.Scores(id)) != 1 || f.p.LineItemCount() != 1 {
			t.Fatalf("score not posted to launch lineitem")
		}
	})

	t.Run("default lineitem", func(t *testing.T) {
		f := newFixture(t)
		s := f.ags(lti.AGSClaim{Scope: allAGSScopes, LineItems: f.p.LineItemsURL()})
		for i := 0; i < 2; i++ {
			if _, err := s.PutGrade(ctx, mustGrade(t, "u1", 1), nil); err != nil {
				t.Fatalf("put grade: %v", err)
			}
		}
		def, _ := s.FindOrCreateLineItem(ctx, mustLineItem(t, "default", 100), lti.ByLabel)
		if f.p.LineItemCount() != 1 || def.ScoreMaximum() != 100 || len(f.p.Scores(def.ID())) != 2 {
			t.Fatalf("default lineitem not reused")
		}
	})
}

func mustLineItem(t *testing.T, label string, max float64) *lti.LineItem {
	t.Helper()
	li, err := lti.NewLineItem(lti.LineItemFields{Label: label, ScoreMaximum: max})
	if err != nil {
		t.Fatalf("lineitem: %v", err)
	}
	return li
}

func TestAGS_GetGrades(t *testing.T) {
	f := newFixture(t)
	f.p.PageSize = 1
	id := f.p.AddLineItem("Quiz", "", "", 10)
	f.p.AddResult(id, map[string]any{"id": id + "/results/1", "userId": "u1", "resultScore": 8, "resultMaximum": 10})
	f.p.AddResult(id, map[string]any{"id": id + "/results/2", "userId": "u2", "resultScore": 9, "resultMaximum": 10})
	s := f.ags(lti.AGSClaim{Scope: allAGSScopes, LineItems: f.p.LineItemsURL(), LineItem: id})

	results, err := s.GetGrades(context.Background(), nil)
	if err != nil {
		t.Fatalf("get grades: %v", err)
	}
	if len(results) != 2 || results[1].UserID != "u2" || *results[1].ResultScore != 9 {
		t.Fatalf("results = %+v", results)
	}

	ro := f.ags(lti.AGSClaim{Scope: []string{lti.ScopeScore}, LineItem: id})
	_, err = ro.GetGrades(context.Background(), nil)
	wantKind(t, err, lti.ErrMissingScope)
}

func TestAGS_ThroughLaunch(t *testing.T) {
	f := newFixture(t)
	m, err := f.launchWith(t, nil)
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	s, err := m.AGS()
	if err != nil {
		t.Fatalf("ags: %v", err)
	}
	if !s.CanPutGrade() || !s.CanReadGrades() || !s.CanManageLineItems() {
		t.Fatalf("scopes not carried from launch")
	}
	if _, err := s.PutGrade(context.Background(), mustGrade(t, m.Context().Subject, 3), mustLineItem(t, "Launch quiz", 5)); err != nil {
		t.Fatalf("put grade: %v", err)
	}

	// connectors are per registration, so a second launch reuses the token
	m2, _ := f.launchWith(t, nil)
	s2, _ := m2.AGS()
	if _, err := s2.GetLineItems(context.Background()); err != nil {
		t.Fatalf("get lineitems: %v", err)
	}
	if f.p.TokenRequests() != 1 {
		t.Fatalf("token requests = %d", f.p.TokenRequests())
	}
	if len(f.obs.calls) == 0 || f.obs.calls[0] != "token:ok" {
		t.Fatalf("service calls not observed: %v", f.obs.calls)
	}

	bare, _ := f.launchWith(t, func(c map[string]any) { delete(c, lti.ClaimAGSEndpoint) })
	_, err = bare.AGS()
	wantKind(t, err, lti.ErrMissingScope)
}

func TestNRPS_GetMembers(t *testing.T) {
	f := newFixture(t)
	f.p.PageSize = 2
	for i := 1; i <= 5; i++ {
		f.p.AddMembers(lti.Member{
			UserID: fmt.Sprintf("u%d", i),
			Roles:  []string{"http://purl.imsglobal.org/vocab/lis/v2/membership#Learner"},
			Status: "Active",
			Name:   fmt.Sprintf("User %d", i),
		})
	}
	m, err := f.launchWith(t, nil)
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	s, err := m.NRPS()
	if err != nil {
		t.Fatalf("nrps: %v", err)
	}
	members, err := s.GetMembers(context.Background(), "")
	if err != nil {
		t.Fatalf("members: %v", err)
	}
	if len(members) != 5 || members[4].UserID != "u5" || !lti.HasRole(lti.RoleStudent, members[0].Roles) {
		t.Fatalf("members = %+v", members)
	}
	if n := f.p.Calls("/contexts/ctx-1/memberships"); n != 3 {
		t.Fatalf("pages fetched = %d", n)
	}

	withLink, err := s.GetMembers(context.Background(), "rl-1")
	if err != nil || len(withLink) != 5 {
		t.Fatalf("members with rlid: %d %v", len(withLink), err)
	}

	c, err := s.GetContext(context.Background())
	if err != nil || c.ID != "ctx-1" {
		t.Fatalf("context = %+v %v", c, err)
	}

	bare, _ := f.launchWith(t, func(c map[string]any) { delete(c, lti.ClaimNRPS) })
	if bare.HasNRPS() {
		t.Fatalf("HasNRPS without claim")
	}
	_, err = bare.NRPS()
	wantKind(t, err, lti.ErrMissingScope)
}

func TestCourseGroups(t *testing.T) {
	f := newFixture(t)
	f.p.PageSize = 2
	f.p.AddSet(1, "Labs")
	f.p.AddSet("s-2", "Projects")
	f.p.AddGroup(10, "Lab A", 1)
	f.p.AddGroup("11", "Lab B", "1")
	f.p.AddGroup("g-3", "Project X", "s-2")
	f.p.AddGroup("g-4", "Loose", nil)

	m, err := f.launchWith(t, nil)
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	s, err := m.CourseGroups()
	if err != nil {
		t.Fatalf("groups service: %v", err)
	}
	ctx := context.Background()

	groups, err := s.GetGroups(ctx, "")
	if err != nil || len(groups) != 4 {
		t.Fatalf("groups = %v %v", groups, err)
	}
	if n, ok := groups[0].ID.Int(); !ok || n != 10 {
		t.Fatalf("numeric id = %q", groups[0].ID)
	}

	sets, err := s.GetSets(ctx, true)
	if err != nil || len(sets) != 2 {
		t.Fatalf("sets = %v %v", sets, err)
	}
	if len(sets[0].Groups) != 2 || len(sets[1].Groups) != 1 || sets[1].Groups[0].Name != "Project X" {
		t.Fatalf("groups not nested by set: %+v", sets)
	}

	plain, _ := s.GetSets(ctx, false)
	if len(plain[0].Groups) != 0 {
		t.Fatalf("groups attached without includeGroups")
	}
}

func TestServices_MissingEndpoints(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conn := f.tool.Connector(f.reg)

	// scopes granted but the claim carries no urls
	s := f.ags(lti.AGSClaim{Scope: allAGSScopes})
	_, err := s.GetLineItems(ctx)
	wantKind(t, err, lti.ErrInvalidMessage)
	_, err = s.GetLineItem(ctx, "")
	wantKind(t, err, lti.ErrInvalidMessage)

	nrps := lti.NewNamesRolesService(conn, lti.NRPSClaim{})
	_, err = nrps.GetMembers(ctx, "")
	wantKind(t, err, lti.ErrInvalidMessage)

	groups := lti.NewCourseGroupsService(conn, lti.GroupsClaim{Scope: []string{lti.ScopeContextGroupReadOnly}})
	_, err = groups.GetGroups(ctx, "")
	wantKind(t, err, lti.ErrInvalidMessage)

	sets, err := groups.GetSets(ctx, true)
	if err != nil || sets == nil || len(sets) != 0 {
		t.Fatalf("sets without url = %v %v", sets, err)
	}
	if n := f.p.TotalCalls(); n != 0 {
		t.Fatalf("platform called %d times", n)
	}
}
