package lti_test

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/mind-engage/lti1p3-tool/pkg/tool/lti"
	"github.com/mind-engage/lti1p3-tool/pkg/tool/lti/ltitest"
)

func TestNewRegistration_Validation(t *testing.T) {
	_, toolKey, _ := ltitest.Keys(t)
	base := lti.RegistrationConfig{
		Issuer:       "https://lms.example.com",
		ClientID:     "c1",
		AuthLoginURL: "https://lms.example.com/auth",
		AuthTokenURL: "https://lms.example.com/token",
		KeySetURL:    "https://lms.example.com/jwks",
		PrivateKey:   toolKey,
		PublicKey:    &toolKey.PublicKey,
	}
	reg, err := lti.NewRegistration(base)
	if err != nil {
		t.Fatalf("valid registration: %v", err)
	}
	if reg.KeyID() == "" || reg.AuthAudience() != base.AuthTokenURL {
		t.Fatalf("kid=%q audience=%q", reg.KeyID(), reg.AuthAudience())
	}

	broken := map[string]func(*lti.RegistrationConfig){
		"issuer":    func(c *lti.RegistrationConfig) { c.Issuer = "" },
		"client":    func(c *lti.RegistrationConfig) { c.ClientID = " " },
		"login url": func(c *lti.RegistrationConfig) { c.AuthLoginURL = "" },
		"token url": func(c *lti.RegistrationConfig) { c.AuthTokenURL = "" },
		"key set":   func(c *lti.RegistrationConfig) { c.KeySetURL = "" },
		"tool key":  func(c *lti.RegistrationConfig) { c.PrivateKey = nil },
		"bad pem":   func(c *lti.RegistrationConfig) { c.PrivateKey = nil; c.PrivateKeyPEM = []byte("nope") },
		"bad jwks":  func(c *lti.RegistrationConfig) { c.KeySetJSON = []byte("{") },
	}
	for name, mutate := range broken {
		cfg := base
		mutate(&cfg)
		if _, err := lti.NewRegistration(cfg); !errors.Is(err, lti.ErrConfiguration) {
			t.Errorf("%s: expected configuration error, got %v", name, err)
		}
	}
}

func TestToolJWKS(t *testing.T) {
	_, toolKey, other := ltitest.Keys(t)
	mk := func(iss string, k *lti.RegistrationConfig) *lti.Registration {
		reg, err := lti.NewRegistration(*k)
		if err != nil {
			t.Fatalf("%s: %v", iss, err)
		}
		return reg
	}
	cfg := lti.RegistrationConfig{Issuer: "a", ClientID: "c", AuthLoginURL: "x", AuthTokenURL: "y", KeySetURL: "https://a/jwks", PrivateKey: toolKey, PublicKey: &toolKey.PublicKey}
	a := mk("a", &cfg)
	cfg.Issuer = "b"
	b := mk("b", &cfg)
	cfg.Issuer, cfg.PrivateKey, cfg.PublicKey = "c", other, &other.PublicKey
	c := mk("c", &cfg)

	set, err := lti.ToolJWKS(a, b, c)
	if err != nil {
		t.Fatalf("jwks: %v", err)
	}
	if set.Len() != 2 {
		t.Fatalf("shared key should be published once, got %d keys", set.Len())
	}
	if _, ok := set.LookupKeyID(a.KeyID()); !ok {
		t.Fatalf("kid %s missing", a.KeyID())
	}
}

func TestToolConf_Modes(t *testing.T) {
	ctx := context.Background()
	_, toolKey, _ := ltitest.Keys(t)
	mk := func(iss, client string) *lti.Registration {
		reg, err := lti.NewRegistration(lti.RegistrationConfig{
			Issuer: iss, ClientID: client, AuthLoginURL: iss + "/auth", AuthTokenURL: iss + "/token",
			KeySetURL: iss + "/jwks", PrivateKey: toolKey, PublicKey: &toolKey.PublicKey,
		})
		if err != nil {
			t.Fatalf("registration: %v", err)
		}
		return reg
	}
	tc := lti.NewToolConf()

	if err := tc.Add(mk("https://single", "s1"), lti.SingleClient, false, "d1"); err != nil {
		t.Fatal(err)
	}
	if err := tc.Add(mk("https://single", "s2"), lti.SingleClient, false, "d2"); err != nil {
		t.Fatal(err)
	}
	reg, err := tc.FindRegistration(ctx, "https://single")
	if err != nil || reg.ClientID() != "s2" {
		t.Fatalf("single client not replaced: %v %v", reg, err)
	}
	if _, err := tc.FindDeployment(ctx, "https://single", "d1"); !errors.Is(err, lti.ErrDeploymentNotFound) {
		t.Fatalf("stale deployment still found: %v", err)
	}

	if err := tc.Add(mk("https://multi", "m1"), lti.MultiClient, false, "d1"); err != nil {
		t.Fatal(err)
	}
	if err := tc.Add(mk("https://multi", "m2"), lti.MultiClient, true, "d2"); err != nil {
		t.Fatal(err)
	}
	if mode, _ := tc.AddressingMode(ctx, "https://multi"); mode != lti.MultiClient {
		t.Fatalf("mode = %s", mode)
	}
	if reg, _ := tc.FindRegistration(ctx, "https://multi"); reg.ClientID() != "m2" {
		t.Fatalf("default client = %s", reg.ClientID())
	}
	if reg, _ := tc.FindRegistrationByClient(ctx, "https://multi", "m1"); reg == nil || reg.ClientID() != "m1" {
		t.Fatalf("by client lookup failed")
	}
	if _, err := tc.FindDeploymentByClient(ctx, "https://multi", "m1", "d2"); !errors.Is(err, lti.ErrDeploymentNotFound) {
		t.Fatalf("deployment leaked across clients: %v", err)
	}
	if _, err := tc.FindRegistrationByClient(ctx, "https://multi", "m3"); !errors.Is(err, lti.ErrRegistrationNotFound) {
		t.Fatalf("unknown client: %v", err)
	}
	if err := tc.Add(mk("https://multi", "m4"), lti.SingleClient, false); !errors.Is(err, lti.ErrConfiguration) {
		t.Fatalf("mode conflict accepted: %v", err)
	}
	if n := len(tc.Registrations()); n != 3 {
		t.Fatalf("registrations = %d", n)
	}
}

func TestParseAddressingMode(t *testing.T) {
	for in, want := range map[string]lti.AddressingMode{
		"": lti.SingleClient, "single": lti.SingleClient, "multi": lti.MultiClient,
		lti.MultiClient.String(): lti.MultiClient,
	} {
		got, err := lti.ParseAddressingMode(in)
		if err != nil || got != want {
			t.Errorf("ParseAddressingMode(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := lti.ParseAddressingMode("both"); err == nil {
		t.Fatalf("unknown mode accepted")
	}
}

func TestLoadToolConf(t *testing.T) {
	_, toolKey, _ := ltitest.Keys(t)
	dir := t.TempDir()
	priv := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(toolKey)})
	pubDER, _ := x509.MarshalPKIXPublicKey(&toolKey.PublicKey)
	pub := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	if err := os.WriteFile(filepath.Join(dir, "private.key"), priv, 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "public.key"), pub, 0o644); err != nil {
		t.Fatal(err)
	}

	yml := `
https://canvas.example.com:
  client_id: "10000000000004"
  auth_login_url: https://canvas.example.com/api/lti/authorize_redirect
  auth_token_url: https://canvas.example.com/login/oauth2/token
  key_set_url: https://canvas.example.com/api/lti/security/jwks
  private_key_file: private.key
  public_key_file: public.key
  deployment_ids: ["6:abc"]
https://moodle.example.com:
  - client_id: a
    default: true
    auth_login_url: https://moodle.example.com/auth
    auth_token_url: https://moodle.example.com/token
    key_set_url: https://moodle.example.com/jwks
    private_key_file: private.key
    deployment_ids: ["1"]
  - client_id: b
    auth_login_url: https://moodle.example.com/auth
    auth_token_url: https://moodle.example.com/token
    key_set_url: https://moodle.example.com/jwks
    private_key_file: private.key
    deployment_ids: ["2"]
`
	path := filepath.Join(dir, "tool.yaml")
	if err := os.WriteFile(path, []byte(yml), 0o644); err != nil {
		t.Fatal(err)
	}
	tc, err := lti.LoadToolConf(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	ctx := context.Background()
	canvas, err := tc.FindRegistration(ctx, "https://canvas.example.com")
	if err != nil || canvas.ClientID() != "10000000000004" || canvas.PublicKey() == nil {
		t.Fatalf("canvas = %v %v", canvas, err)
	}
	if _, err := tc.FindDeployment(ctx, "https://canvas.example.com", "6:abc"); err != nil {
		t.Fatalf("canvas deployment: %v", err)
	}
	if mode, _ := tc.AddressingMode(ctx, "https://moodle.example.com"); mode != lti.MultiClient {
		t.Fatalf("list form should be multi-client")
	}
	if def, _ := tc.FindRegistration(ctx, "https://moodle.example.com"); def.ClientID() != "a" {
		t.Fatalf("moodle default = %s", def.ClientID())
	}

	// JSON goes through the same decoder
	js := `{"https://json.example.com": {"client_id": "j", "auth_login_url": "https://j/a", "auth_token_url": "https://j/t", "key_set_url": "https://j/k", "private_key_file": "private.key"}}`
	entries, err := lti.ParseToolConf([]byte(js), dir)
	if err != nil || len(entries) != 1 || entries[0].ClientID != "j" || entries[0].Mode != lti.SingleClient {
		t.Fatalf("json entries = %+v %v", entries, err)
	}

	if _, err := lti.LoadToolConf(filepath.Join(dir, "missing.yaml")); !errors.Is(err, lti.ErrConfiguration) {
		t.Fatalf("missing file: %v", err)
	}
	if _, err := lti.ParseToolConf([]byte(`https://x: "just a string"`), dir); !errors.Is(err, lti.ErrConfiguration) {
		t.Fatalf("scalar entry: %v", err)
	}
	if _, err := lti.ParseToolConf([]byte(`https://x: {client_id: a, private_key_file: nope.key}`), dir); !errors.Is(err, lti.ErrConfiguration) {
		t.Fatalf("missing key file: %v", err)
	}
}
