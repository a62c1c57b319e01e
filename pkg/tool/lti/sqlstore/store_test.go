package sqlstore_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/mind-engage/lti1p3-tool/internal/db"
	"github.com/mind-engage/lti1p3-tool/pkg/tool/lti"
	"github.com/mind-engage/lti1p3-tool/pkg/tool/lti/gradebook"
	"github.com/mind-engage/lti1p3-tool/pkg/tool/lti/sqlstore"
)

func openStore(t *testing.T) *sqlstore.Store {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	conn, err := db.Open(context.Background(), db.DriverSQLite, "file:"+name+"?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return sqlstore.New(conn)
}

func keyPEMs(t *testing.T) (priv, pub []byte) {
	t.Helper()
	k, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	priv = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(k)})
	der, err := x509.MarshalPKIXPublicKey(&k.PublicKey)
	if err != nil {
		t.Fatalf("marshal pub: %v", err)
	}
	pub = pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	return priv, pub
}

func entry(t *testing.T, iss, client string, mode lti.AddressingMode, deps ...string) lti.ToolConfEntry {
	priv, pub := keyPEMs(t)
	return lti.ToolConfEntry{
		Issuer:        iss,
		Mode:          mode,
		ClientID:      client,
		AuthLoginURL:  iss + "/auth",
		AuthTokenURL:  iss + "/token",
		KeySetURL:     iss + "/jwks",
		PrivateKeyPEM: priv,
		PublicKeyPEM:  pub,
		DeploymentIDs: deps,
	}
}

func TestStore_SingleClientLookups(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	if err := s.Upsert(ctx, entry(t, "https://lms.test", "c1", lti.SingleClient, "d1", "d2")); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	reg, err := s.FindRegistration(ctx, "https://lms.test")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if reg.ClientID() != "c1" || reg.KeySetURL() != "https://lms.test/jwks" {
		t.Fatalf("unexpected registration: %s %s", reg.ClientID(), reg.KeySetURL())
	}
	if reg.KeyID() == "" {
		t.Fatalf("expected kid derived from public key")
	}
	if _, err := s.FindDeployment(ctx, "https://lms.test", "d2"); err != nil {
		t.Fatalf("deployment d2: %v", err)
	}
	_, err = s.FindDeployment(ctx, "https://lms.test", "nope")
	if !errors.Is(err, lti.ErrDeploymentNotFound) {
		t.Fatalf("want deployment not found, got %v", err)
	}
	_, err = s.FindRegistration(ctx, "https://other.test")
	if !errors.Is(err, lti.ErrRegistrationNotFound) {
		t.Fatalf("want registration not found, got %v", err)
	}

	// single-client issuers are replaced wholesale
	if err := s.Upsert(ctx, entry(t, "https://lms.test", "c2", lti.SingleClient, "d9")); err != nil {
		t.Fatalf("replace: %v", err)
	}
	reg, err = s.FindRegistration(ctx, "https://lms.test")
	if err != nil || reg.ClientID() != "c2" {
		t.Fatalf("after replace: %v %v", reg, err)
	}
}

func TestStore_MultiClient(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	iss := "https://multi.test"

	if err := s.Upsert(ctx, entry(t, iss, "a", lti.MultiClient, "dep-a")); err != nil {
		t.Fatalf("upsert a: %v", err)
	}
	b := entry(t, iss, "b", lti.MultiClient, "dep-b")
	b.Default = true
	if err := s.Upsert(ctx, b); err != nil {
		t.Fatalf("upsert b: %v", err)
	}

	mode, err := s.AddressingMode(ctx, iss)
	if err != nil || mode != lti.MultiClient {
		t.Fatalf("mode = %v, %v", mode, err)
	}
	reg, err := s.FindRegistrationByClient(ctx, iss, "a")
	if err != nil || reg.ClientID() != "a" {
		t.Fatalf("by client: %v %v", reg, err)
	}
	def, err := s.FindRegistration(ctx, iss)
	if err != nil || def.ClientID() != "b" {
		t.Fatalf("default: %v %v", def, err)
	}
	if _, err := s.FindDeploymentByClient(ctx, iss, "a", "dep-b"); !errors.Is(err, lti.ErrDeploymentNotFound) {
		t.Fatalf("deployment must be scoped to client, got %v", err)
	}
	if _, err := s.FindDeploymentByClient(ctx, iss, "b", "dep-b"); err != nil {
		t.Fatalf("dep-b: %v", err)
	}

	// mode conflicts are rejected
	err = s.Upsert(ctx, entry(t, iss, "c", lti.SingleClient))
	if lti.KindOf(err) != lti.KindConfiguration {
		t.Fatalf("want configuration error, got %v", err)
	}
}

func TestStore_ListDeleteAndDeployments(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	n, err := s.Import(ctx, []lti.ToolConfEntry{
		entry(t, "https://b.test", "cb", lti.SingleClient, "x"),
		entry(t, "https://a.test", "ca", lti.SingleClient),
	})
	if err != nil || n != 2 {
		t.Fatalf("import: %d %v", n, err)
	}
	if err := s.AddDeployment(ctx, "https://a.test", "ca", "late"); err != nil {
		t.Fatalf("add deployment: %v", err)
	}
	if err := s.AddDeployment(ctx, "https://a.test", "missing", "x"); !errors.Is(err, lti.ErrRegistrationNotFound) {
		t.Fatalf("want not found for unknown client, got %v", err)
	}

	list, err := s.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].Issuer != "https://a.test" {
		t.Fatalf("list order: %+v", list)
	}
	if len(list[0].DeploymentIDs) != 1 || list[0].DeploymentIDs[0] != "late" {
		t.Fatalf("deployments: %v", list[0].DeploymentIDs)
	}
	if len(list[0].PrivateKeyPEM) == 0 {
		t.Fatalf("private key not round-tripped")
	}

	regs, err := s.Registrations(ctx)
	if err != nil || len(regs) != 2 {
		t.Fatalf("registrations: %d %v", len(regs), err)
	}
	set, err := lti.ToolJWKS(regs...)
	if err != nil || set.Len() != 2 {
		t.Fatalf("tool jwks: %v", err)
	}

	if err := s.Delete(ctx, "https://b.test", "cb"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.FindDeployment(ctx, "https://b.test", "x"); !errors.Is(err, lti.ErrDeploymentNotFound) {
		t.Fatalf("deployments should go with the registration, got %v", err)
	}
	if err := s.Delete(ctx, "https://b.test", "cb"); !errors.Is(err, lti.ErrRegistrationNotFound) {
		t.Fatalf("second delete: %v", err)
	}
}

func TestStore_RejectsInvalidEntry(t *testing.T) {
	s := openStore(t)
	e := entry(t, "https://bad.test", "c", lti.SingleClient)
	e.PrivateKeyPEM = nil
	if err := s.Upsert(context.Background(), e); lti.KindOf(err) != lti.KindConfiguration {
		t.Fatalf("want configuration error, got %v", err)
	}
}

func TestStore_GradeSubmissions(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	score := 7.5
	sub := gradebook.Submission{
		ID: "sub-1", Issuer: "https://lms.example.com", ClientID: "c1", DeploymentID: "d1",
		ContextID: "ctx-1", ResourceLinkID: "rl-1",
		AGS:      lti.AGSClaim{Scope: []string{lti.ScopeScore}, LineItems: "https://lms.example.com/li"},
		LineItem: &lti.LineItemFields{Label: "Quiz", Tag: "quiz", ScoreMaximum: 10},
		UserID:   "u1", ScoreGiven: &score, ScoreMaximum: 10,
		ActivityProgress: lti.ActivityCompleted, GradingProgress: lti.GradingFullyGraded,
		Timestamp: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	if err := s.SaveSubmission(ctx, sub); err != nil {
		t.Fatalf("save: %v", err)
	}
	noScore := sub
	noScore.ID, noScore.ScoreGiven, noScore.LineItem = "sub-2", nil, nil
	if err := s.SaveSubmission(ctx, noScore); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := s.GetSubmission(ctx, "sub-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != gradebook.StatusPending || got.ScoreGiven == nil || *got.ScoreGiven != 7.5 ||
		got.LineItem == nil || got.LineItem.Tag != "quiz" || got.AGS.LineItems != sub.AGS.LineItems ||
		!got.Timestamp.Equal(sub.Timestamp) {
		t.Fatalf("round trip = %+v", got)
	}
	if got, _ := s.GetSubmission(ctx, "sub-2"); got.ScoreGiven != nil || got.LineItem != nil {
		t.Fatalf("nullable columns = %+v", got)
	}

	if err := s.MarkSyncFailed(ctx, "sub-1", "503"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if err := s.MarkSyncFailed(ctx, "sub-1", "503 again"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	failed, err := s.ListSubmissions(ctx, gradebook.StatusFailed, 10)
	if err != nil || len(failed) != 1 || failed[0].Retries != 2 || failed[0].LastError != "503 again" {
		t.Fatalf("failed = %+v, %v", failed, err)
	}
	if err := s.MarkSyncOK(ctx, "sub-1"); err != nil {
		t.Fatalf("mark ok: %v", err)
	}
	if got, _ := s.GetSubmission(ctx, "sub-1"); got.Status != gradebook.StatusOK || got.LastError != "" {
		t.Fatalf("after ok = %+v", got)
	}
	if all, _ := s.ListSubmissions(ctx, "", 10); len(all) != 2 {
		t.Fatalf("all = %d", len(all))
	}

	if _, err := s.GetSubmission(ctx, "nope"); !errors.Is(err, gradebook.ErrNotFound) {
		t.Fatalf("missing get = %v", err)
	}
	if err := s.MarkSyncOK(ctx, "nope"); !errors.Is(err, gradebook.ErrNotFound) {
		t.Fatalf("missing mark = %v", err)
	}
}

func TestStore_DueSubmissions(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s.Now = func() time.Time { return now }
	save := func(id string, status gradebook.Status, retries int) {
		t.Helper()
		err := s.SaveSubmission(ctx, gradebook.Submission{
			ID: id, Issuer: "https://lms.example.com", ClientID: "c1", DeploymentID: "d1", UserID: "u1",
			AGS:          lti.AGSClaim{Scope: []string{lti.ScopeScore}, LineItem: "https://lms.example.com/li/1"},
			ScoreMaximum: 10, Status: status, Retries: retries, Timestamp: now,
		})
		if err != nil {
			t.Fatalf("save %s: %v", id, err)
		}
	}

	// more exhausted rows than a retry batch, all older than the fresh failure
	for i := 0; i < 120; i++ {
		save(fmt.Sprintf("dead-%03d", i), gradebook.StatusFailed, 99)
	}
	save("stale", gradebook.StatusPending, 0)
	save("done", gradebook.StatusOK, 0)

	now = now.Add(time.Hour)
	save("fresh", gradebook.StatusFailed, 1)
	save("inflight", gradebook.StatusPending, 0)

	due, err := s.DueSubmissions(ctx, 5, now.Add(-5*time.Minute), 100)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	var ids []string
	for _, sub := range due {
		ids = append(ids, sub.ID)
	}
	if strings.Join(ids, ",") != "stale,fresh" {
		t.Fatalf("due = %v", ids)
	}

	// retries exhausted by the next attempt drop out
	if err := s.MarkSyncFailed(ctx, "fresh", "503"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	due, _ = s.DueSubmissions(ctx, 2, now.Add(-5*time.Minute), 100)
	if len(due) != 1 || due[0].ID != "stale" {
		t.Fatalf("due after exhaustion = %+v", due)
	}
}
