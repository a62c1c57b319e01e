package rbac

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestPolicy_Allows(t *testing.T) {
	p := DefaultPolicy
	cases := []struct {
		role, perm string
		want       bool
	}{
		{RoleInstructor, "grade:submit-any", true},
		{RoleInstructor, "groups:view", true},
		{RoleLearner, "grade:submit-own", true},
		{RoleLearner, "grade:submit-any", false},
		{RoleLearner, "roster:view", false},
		{RoleGuest, "launch:view", false},
		{RoleAdmin, "registrations:write", true},
		{"", "launch:view", false},
		{"nobody", "launch:view", false},
		// an area wildcard stops at the area name
		{RoleInstructor, "gradebook:export", false},
		{RoleInstructor, "groups", false},
	}
	for _, tc := range cases {
		if got := p.Allows(tc.role, tc.perm); got != tc.want {
			t.Errorf("Allows(%q, %q) = %v, want %v", tc.role, tc.perm, got, tc.want)
		}
	}
	if !p.AllowsAny(RoleLearner, "roster:view", "launch:view") {
		t.Fatalf("AllowsAny should accept one match")
	}
	if p.AllowsAny(RoleGuest, "launch:view", "grade:submit-own") {
		t.Fatalf("guest holds nothing")
	}
}

func TestRequire(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })
	h := Require("roster:view")(ok)

	for role, want := range map[string]int{
		RoleInstructor: http.StatusNoContent,
		RoleLearner:    http.StatusForbidden,
		"":             http.StatusForbidden,
	} {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r = r.WithContext(WithRole(context.Background(), role))
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		if w.Code != want {
			t.Errorf("role %q: status %d, want %d", role, w.Code, want)
		}
	}

	anyOf := RequireAny("grade:submit-own", "grade:submit-any")(ok)
	w := httptest.NewRecorder()
	anyOf.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil).WithContext(WithRole(context.Background(), RoleLearner)))
	if w.Code != http.StatusNoContent {
		t.Fatalf("RequireAny: %d", w.Code)
	}
}
