package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/mind-engage/lti1p3-tool/pkg/tool/lti"
)

/*
Store is an lti.Registry backed by database/sql (sqlite or postgres, see
internal/db for the schema). Registrations are stored with their PEM keys
and rebuilt on lookup; built registrations are memoised for a few minutes
and the memo is dropped on every write.
*/
type Store struct {
	DB  *sql.DB
	Now func() time.Time

	regs *gocache.Cache
}

const regCacheTTL = 5 * time.Minute

func New(db *sql.DB) *Store {
	return &Store{DB: db, regs: gocache.New(regCacheTTL, 10*time.Minute)}
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func modeString(m lti.AddressingMode) string {
	if m == lti.MultiClient {
		return "multi"
	}
	return "single"
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// ---- writes ----

// Upsert validates e and stores it with its deployments. For a single-client
// issuer any other client row of that issuer is replaced.
func (s *Store) Upsert(ctx context.Context, e lti.ToolConfEntry) error {
	if _, err := e.Registration(); err != nil {
		return err
	}
	var keySet string
	if len(e.KeySet) > 0 {
		b, err := json.Marshal(e.KeySet)
		if err != nil {
			return err
		}
		keySet = string(b)
	}
	now := s.now().Unix()

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var existing string
	err = tx.QueryRowContext(ctx,
		`SELECT addressing_mode FROM lti_registrations WHERE issuer=$1 AND client_id<>$2 LIMIT 1`,
		e.Issuer, e.ClientID).Scan(&existing)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return err
	case existing == "multi" && e.Mode == lti.MultiClient:
	case e.Mode == lti.SingleClient && existing == "single":
		if _, err := tx.ExecContext(ctx, `DELETE FROM lti_registrations WHERE issuer=$1 AND client_id<>$2`, e.Issuer, e.ClientID); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: issuer %s is registered as %s", lti.ErrConfiguration, e.Issuer, existing)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO lti_registrations
		  (issuer, client_id, addressing_mode, is_default, auth_login_url, auth_token_url, auth_audience,
		   key_set_url, key_set_json, private_key_pem, public_key_pem, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$12)
		ON CONFLICT (issuer, client_id)
		DO UPDATE SET
		  addressing_mode=EXCLUDED.addressing_mode,
		  is_default=EXCLUDED.is_default,
		  auth_login_url=EXCLUDED.auth_login_url,
		  auth_token_url=EXCLUDED.auth_token_url,
		  auth_audience=EXCLUDED.auth_audience,
		  key_set_url=EXCLUDED.key_set_url,
		  key_set_json=EXCLUDED.key_set_json,
		  private_key_pem=EXCLUDED.private_key_pem,
		  public_key_pem=EXCLUDED.public_key_pem,
		  updated_at=EXCLUDED.updated_at`,
		e.Issuer, e.ClientID, modeString(e.Mode), boolInt(e.Default), e.AuthLoginURL, e.AuthTokenURL, e.AuthAudience,
		e.KeySetURL, keySet, string(e.PrivateKeyPEM), string(e.PublicKeyPEM), now); err != nil {
		return err
	}
	if e.Default {
		if _, err := tx.ExecContext(ctx, `UPDATE lti_registrations SET is_default=0 WHERE issuer=$1 AND client_id<>$2`, e.Issuer, e.ClientID); err != nil {
			return err
		}
	}
	for _, d := range e.DeploymentIDs {
		if err := addDeployment(ctx, tx, e.Issuer, e.ClientID, d, now); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.regs.Flush()
	return nil
}

// Import upserts every entry, stopping at the first failure.
func (s *Store) Import(ctx context.Context, entries []lti.ToolConfEntry) (int, error) {
	for i, e := range entries {
		if err := s.Upsert(ctx, e); err != nil {
			return i, fmt.Errorf("import %s/%s: %w", e.Issuer, e.ClientID, err)
		}
	}
	return len(entries), nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func addDeployment(ctx context.Context, db execer, issuer, clientID, deploymentID string, now int64) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO lti_deployments (issuer, client_id, deployment_id, created_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (issuer, client_id, deployment_id) DO NOTHING`,
		issuer, clientID, deploymentID, now)
	return err
}

// AddDeployment attaches deploymentID to an existing registration.
func (s *Store) AddDeployment(ctx context.Context, issuer, clientID, deploymentID string) error {
	if _, err := s.FindRegistrationByClient(ctx, issuer, clientID); err != nil {
		return err
	}
	return addDeployment(ctx, s.DB, issuer, clientID, deploymentID, s.now().Unix())
}

// Delete removes a registration and its deployments.
func (s *Store) Delete(ctx context.Context, issuer, clientID string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM lti_registrations WHERE issuer=$1 AND client_id=$2`, issuer, clientID)
	if err != nil {
		return err
	}
	s.regs.Flush()
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: client %q of %q", lti.ErrRegistrationNotFound, clientID, issuer)
	}
	// sqlite only cascades with foreign_keys on for this connection
	_, err = s.DB.ExecContext(ctx, `DELETE FROM lti_deployments WHERE issuer=$1 AND client_id=$2`, issuer, clientID)
	return err
}

// ---- reads ----

const regColumns = `issuer, client_id, addressing_mode, is_default, auth_login_url, auth_token_url, auth_audience,
	key_set_url, key_set_json, private_key_pem, public_key_pem`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(r rowScanner) (lti.ToolConfEntry, error) {
	var (
		e                     lti.ToolConfEntry
		mode, keySet          string
		isDefault             int
		privatePEM, publicPEM string
	)
	if err := r.Scan(&e.Issuer, &e.ClientID, &mode, &isDefault, &e.AuthLoginURL, &e.AuthTokenURL, &e.AuthAudience,
		&e.KeySetURL, &keySet, &privatePEM, &publicPEM); err != nil {
		return e, err
	}
	m, err := lti.ParseAddressingMode(mode)
	if err != nil {
		return e, err
	}
	e.Mode, e.Default = m, isDefault != 0
	e.PrivateKeyPEM, e.PublicKeyPEM = []byte(privatePEM), []byte(publicPEM)
	if keySet != "" {
		if err := json.Unmarshal([]byte(keySet), &e.KeySet); err != nil {
			return e, err
		}
	}
	return e, nil
}

// List returns every registration with its deployments, ordered by issuer and client.
func (s *Store) List(ctx context.Context) ([]lti.ToolConfEntry, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+regColumns+` FROM lti_registrations ORDER BY issuer, client_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []lti.ToolConfEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		if out[i].DeploymentIDs, err = s.deployments(ctx, out[i].Issuer, out[i].ClientID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Store) deployments(ctx context.Context, issuer, clientID string) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT deployment_id FROM lti_deployments WHERE issuer=$1 AND client_id=$2 ORDER BY deployment_id`, issuer, clientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) build(e lti.ToolConfEntry) (*lti.Registration, error) {
	key := e.Issuer + "|" + e.ClientID
	if v, ok := s.regs.Get(key); ok {
		return v.(*lti.Registration), nil
	}
	reg, err := e.Registration()
	if err != nil {
		return nil, err
	}
	s.regs.SetDefault(key, reg)
	return reg, nil
}

// ---- lti.Registry ----

func (s *Store) AddressingMode(ctx context.Context, issuer string) (lti.AddressingMode, error) {
	var mode string
	err := s.DB.QueryRowContext(ctx, `SELECT addressing_mode FROM lti_registrations WHERE issuer=$1 LIMIT 1`, issuer).Scan(&mode)
	if errors.Is(err, sql.ErrNoRows) {
		return lti.SingleClient, nil
	}
	if err != nil {
		return lti.SingleClient, err
	}
	return lti.ParseAddressingMode(mode)
}

func (s *Store) FindRegistration(ctx context.Context, issuer string) (*lti.Registration, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+regColumns+` FROM lti_registrations WHERE issuer=$1 ORDER BY is_default DESC, client_id`, issuer)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []lti.ToolConfEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	switch {
	case len(entries) == 0:
		return nil, fmt.Errorf("%w: issuer %q is not registered", lti.ErrRegistrationNotFound, issuer)
	case len(entries) == 1 || entries[0].Mode == lti.SingleClient || entries[0].Default:
		return s.build(entries[0])
	}
	return nil, fmt.Errorf("%w: issuer %q has several clients and no default", lti.ErrRegistrationNotFound, issuer)
}

func (s *Store) FindRegistrationByClient(ctx context.Context, issuer, clientID string) (*lti.Registration, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+regColumns+` FROM lti_registrations WHERE issuer=$1 AND client_id=$2`, issuer, clientID)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: client %q is not registered for issuer %q", lti.ErrRegistrationNotFound, clientID, issuer)
	}
	if err != nil {
		return nil, err
	}
	return s.build(e)
}

func (s *Store) FindDeployment(ctx context.Context, issuer, deploymentID string) (*lti.Deployment, error) {
	return s.findDeployment(ctx,
		`SELECT deployment_id FROM lti_deployments WHERE issuer=$1 AND deployment_id=$2 LIMIT 1`, issuer, deploymentID)
}

func (s *Store) FindDeploymentByClient(ctx context.Context, issuer, clientID, deploymentID string) (*lti.Deployment, error) {
	return s.findDeployment(ctx,
		`SELECT deployment_id FROM lti_deployments WHERE issuer=$1 AND client_id=$2 AND deployment_id=$3`, issuer, clientID, deploymentID)
}

func (s *Store) findDeployment(ctx context.Context, q string, args ...any) (*lti.Deployment, error) {
	var id string
	err := s.DB.QueryRowContext(ctx, q, args...).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: deployment %q", lti.ErrDeploymentNotFound, args[len(args)-1])
	}
	if err != nil {
		return nil, err
	}
	return &lti.Deployment{ID: id}, nil
}

// Registrations builds every stored registration (for the tool JWKS).
func (s *Store) Registrations(ctx context.Context) ([]*lti.Registration, error) {
	entries, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*lti.Registration, 0, len(entries))
	for _, e := range entries {
		reg, err := s.build(e)
		if err != nil {
			return nil, err
		}
		out = append(out, reg)
	}
	return out, nil
}

var _ lti.Registry = (*Store)(nil)
