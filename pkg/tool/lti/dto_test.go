package lti_test

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/mind-engage/lti1p3-tool/pkg/tool/lti"
)

func TestNewLineItem_Validation(t *testing.T) {
	if _, err := lti.NewLineItem(lti.LineItemFields{Label: "x", ScoreMaximum: 0}); err == nil {
		t.Fatalf("zero scoreMaximum accepted")
	}
	if _, err := lti.NewLineItem(lti.LineItemFields{Label: "  ", ScoreMaximum: 1}); err == nil {
		t.Fatalf("blank label accepted")
	}
	li, err := lti.NewLineItem(lti.LineItemFields{Label: "Quiz", ScoreMaximum: 10, Tag: "q"})
	if err != nil {
		t.Fatalf("valid lineitem: %v", err)
	}
	withID := li.WithID("https://lms/li/1")
	if li.ID() != "" || withID.ID() != "https://lms/li/1" || withID.Tag() != "q" {
		t.Fatalf("WithID must not mutate: %q %q", li.ID(), withID.ID())
	}
	b, _ := json.Marshal(withID)
	if !strings.Contains(string(b), `"scoreMaximum":10`) || !strings.Contains(string(b), `"id":"https://lms/li/1"`) {
		t.Fatalf("json = %s", b)
	}
}

func TestNewGrade(t *testing.T) {
	_, err := lti.NewGrade(lti.GradeFields{ScoreGiven: score(1), ScoreMaximum: 1})
	wantKind(t, err, lti.ErrValidation)

	_, err = lti.NewGrade(lti.GradeFields{UserID: "u", ScoreGiven: score(-1), ScoreMaximum: 1})
	wantKind(t, err, lti.ErrValidation)

	_, err = lti.NewGrade(lti.GradeFields{UserID: "u", ScoreGiven: score(1)})
	wantKind(t, err, lti.ErrValidation)

	_, err = lti.NewGrade(lti.GradeFields{UserID: "u", ActivityProgress: "Done"})
	wantKind(t, err, lti.ErrValidation)

	ts := time.Date(2024, 3, 1, 12, 30, 0, 0, time.FixedZone("x", 3600))
	g, err := lti.NewGrade(lti.GradeFields{
		UserID:       "u1",
		ScoreGiven:   score(7.5),
		ScoreMaximum: 10,
		Comment:      "good",
		Timestamp:    ts,
		Extra:        map[string]any{"https://canvas.instructure.com/lti/submission": map[string]any{"new_submission": true}},
	})
	if err != nil {
		t.Fatalf("grade: %v", err)
	}
	if g.ActivityProgress() != lti.ActivityCompleted || g.GradingProgress() != lti.GradingFullyGraded {
		t.Fatalf("progress defaults = %s/%s", g.ActivityProgress(), g.GradingProgress())
	}
	var out map[string]any
	b, _ := json.Marshal(g)
	_ = json.Unmarshal(b, &out)
	if out["timestamp"] != "2024-03-01T11:30:00.000Z" {
		t.Fatalf("timestamp = %v", out["timestamp"])
	}
	if out["scoreGiven"] != 7.5 || out["userId"] != "u1" || out["comment"] != "good" {
		t.Fatalf("grade json = %s", b)
	}
	if _, ok := out["https://canvas.instructure.com/lti/submission"]; !ok {
		t.Fatalf("extension dropped: %s", b)
	}

	// a grade without a score is a progress update
	p, err := lti.NewGrade(lti.GradeFields{UserID: "u1", ActivityProgress: lti.ActivityStarted, GradingProgress: lti.GradingNotReady})
	if err != nil {
		t.Fatalf("progress only: %v", err)
	}
	if _, ok := p.ScoreGiven(); ok {
		t.Fatalf("score reported for progress update")
	}
}

func TestNewDeepLinkResource(t *testing.T) {
	_, err := lti.NewDeepLinkResource(lti.DeepLinkResourceFields{Title: "no target"})
	wantKind(t, err, lti.ErrValidation)

	_, err = lti.NewDeepLinkResource(lti.DeepLinkResourceFields{URL: "https://x", LineItem: &lti.DeepLinkLineItem{}})
	wantKind(t, err, lti.ErrValidation)

	custom := map[string]string{"a": "1"}
	r, err := lti.NewDeepLinkResource(lti.DeepLinkResourceFields{URL: "https://x", Custom: custom, Target: "iframe"})
	if err != nil {
		t.Fatalf("resource: %v", err)
	}
	custom["a"] = "changed"
	item := r.Item()
	if item["custom"].(map[string]string)["a"] != "1" {
		t.Fatalf("resource shares caller's map")
	}
	if r.Type() != lti.ContentTypeLink || item["presentation"].(map[string]any)["documentTarget"] != "iframe" {
		t.Fatalf("item = %v", item)
	}
}

func TestLaunchContext_Parse(t *testing.T) {
	body := []byte(`{
		"iss": "https://lms", "aud": ["c1", "c2"], "sub": "u", "nonce": "n",
		"https://purl.imsglobal.org/spec/lti/claim/roles": null,
		"https://purl.imsglobal.org/spec/lti-dl/claim/deep_linking_settings": {"deep_link_return_url": "https://lms/dl", "accept_multiple": true},
		"https://vendor.example.com/claim": {"x": 1}
	}`)
	lc, err := lti.ParseLaunchContext(body)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if lc.ClientID() != "c1" || !lc.Has(lti.ClaimRoles) || lc.Has(lti.ClaimContext) {
		t.Fatalf("context = %+v", lc)
	}
	if !bool(lc.DeepLinkingSettings.AcceptMultiple) {
		t.Fatalf("accept_multiple not decoded")
	}
	var v struct{ X int }
	if ok, err := lc.Extension("https://vendor.example.com/claim", &v); !ok || err != nil || v.X != 1 {
		t.Fatalf("extension: %v %v %v", ok, err, v)
	}
	if ok, _ := lc.Extension(lti.ClaimRoles, &v); ok {
		t.Fatalf("known claim exposed as extension")
	}
}

func TestErrorKinds(t *testing.T) {
	err := error(&lti.Error{Kind: lti.KindServiceRequest, Reason: "GET x", Status: 502})
	if lti.KindOf(err) != lti.KindServiceRequest || !strings.Contains(err.Error(), "status 502") {
		t.Fatalf("error = %v", err)
	}
	if lti.KindOf(nil) != lti.KindUnknown {
		t.Fatalf("nil kind")
	}
	if lti.KindServiceRequest.String() != "service_request" {
		t.Fatalf("kind name = %s", lti.KindServiceRequest)
	}
}
