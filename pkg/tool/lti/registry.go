// pkg/tool/lti/registry.go
package lti

import (
	"context"
	"sync"
)

// AddressingMode says how an issuer maps to client ids.
type AddressingMode int

const (
	// SingleClient is the legacy one-client-per-issuer layout and the default.
	SingleClient AddressingMode = iota
	MultiClient
)

func (m AddressingMode) String() string {
	if m == MultiClient {
		return "one-issuer-many-client-ids"
	}
	return "one-issuer-one-client-id"
}

// ParseAddressingMode accepts "single"/"multi" and the String() forms.
func ParseAddressingMode(s string) (AddressingMode, error) {
	switch s {
	case "", "single", SingleClient.String():
		return SingleClient, nil
	case "multi", MultiClient.String():
		return MultiClient, nil
	}
	return SingleClient, newErr(KindConfiguration, "unknown addressing mode %q", s)
}

// Registry resolves platform registrations and deployments.
// Lookup misses must be reported as ErrRegistrationNotFound / ErrDeploymentNotFound.
type Registry interface {
	AddressingMode(ctx context.Context, issuer string) (AddressingMode, error)
	// FindRegistration is used for SingleClient issuers, and for MultiClient
	// issuers when the caller has no client id (the default registration answers).
	FindRegistration(ctx context.Context, issuer string) (*Registration, error)
	FindRegistrationByClient(ctx context.Context, issuer, clientID string) (*Registration, error)
	FindDeployment(ctx context.Context, issuer, deploymentID string) (*Deployment, error)
	FindDeploymentByClient(ctx context.Context, issuer, clientID, deploymentID string) (*Deployment, error)
}

// resolveRegistration picks the lookup overload that matches the issuer's mode.
func resolveRegistration(ctx context.Context, reg Registry, issuer, clientID string) (*Registration, error) {
	mode, err := reg.AddressingMode(ctx, issuer)
	if err != nil {
		return nil, err
	}
	if mode == MultiClient && clientID != "" {
		return reg.FindRegistrationByClient(ctx, issuer, clientID)
	}
	return reg.FindRegistration(ctx, issuer)
}

func resolveDeployment(ctx context.Context, reg Registry, issuer, clientID, deploymentID string) (*Deployment, error) {
	mode, err := reg.AddressingMode(ctx, issuer)
	if err != nil {
		return nil, err
	}
	if mode == MultiClient {
		return reg.FindDeploymentByClient(ctx, issuer, clientID, deploymentID)
	}
	return reg.FindDeployment(ctx, issuer, deploymentID)
}

// ---- in-memory registry ----

// ToolConf is an in-memory Registry. It owns its registrations and keys;
// nothing is shared at package level.
type ToolConf struct {
	mu      sync.RWMutex
	issuers map[string]*issuerEntry
}

type issuerEntry struct {
	mode    AddressingMode
	clients []*clientEntry
}

type clientEntry struct {
	reg         *Registration
	deployments map[string]struct{}
	isDefault   bool
}

func NewToolConf() *ToolConf {
	return &ToolConf{issuers: map[string]*issuerEntry{}}
}

// Add registers reg under its issuer. A SingleClient issuer holds exactly
// one registration; adding again replaces it. MultiClient entries are keyed
// by client id.
func (t *ToolConf) Add(reg *Registration, mode AddressingMode, isDefault bool, deploymentIDs ...string) error {
	if reg == nil {
		return newErr(KindConfiguration, "tool conf: nil registration")
	}
	ce := &clientEntry{reg: reg, deployments: map[string]struct{}{}, isDefault: isDefault}
	for _, d := range deploymentIDs {
		ce.deployments[d] = struct{}{}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	ie, ok := t.issuers[reg.Issuer()]
	if !ok || mode == SingleClient {
		if ok && ie.mode != mode {
			return newErr(KindConfiguration, "tool conf: issuer %s already registered as %s", reg.Issuer(), ie.mode)
		}
		t.issuers[reg.Issuer()] = &issuerEntry{mode: mode, clients: []*clientEntry{ce}}
		return nil
	}
	if ie.mode != mode {
		return newErr(KindConfiguration, "tool conf: issuer %s already registered as %s", reg.Issuer(), ie.mode)
	}
	for i, c := range ie.clients {
		if c.reg.ClientID() == reg.ClientID() {
			ie.clients[i] = ce
			return nil
		}
	}
	ie.clients = append(ie.clients, ce)
	return nil
}

// Registrations returns every registration, in insertion order per issuer.
func (t *ToolConf) Registrations() []*Registration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []*Registration
	for _, ie := range t.issuers {
		for _, c := range ie.clients {
			out = append(out, c.reg)
		}
	}
	return out
}

func (t *ToolConf) AddressingMode(_ context.Context, issuer string) (AddressingMode, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if ie, ok := t.issuers[issuer]; ok {
		return ie.mode, nil
	}
	return SingleClient, nil
}

func (t *ToolConf) FindRegistration(_ context.Context, issuer string) (*Registration, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ie, ok := t.issuers[issuer]
	if !ok || len(ie.clients) == 0 {
		return nil, newErr(KindRegistrationNotFound, "issuer %q is not registered", issuer)
	}
	if ie.mode == SingleClient || len(ie.clients) == 1 {
		return ie.clients[0].reg, nil
	}
	for _, c := range ie.clients {
		if c.isDefault {
			return c.reg, nil
		}
	}
	return nil, newErr(KindRegistrationNotFound, "issuer %q has several clients and no default", issuer)
}

func (t *ToolConf) FindRegistrationByClient(_ context.Context, issuer, clientID string) (*Registration, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if c := t.client(issuer, clientID); c != nil {
		return c.reg, nil
	}
	return nil, newErr(KindRegistrationNotFound, "client %q is not registered for issuer %q", clientID, issuer)
}

func (t *ToolConf) FindDeployment(_ context.Context, issuer, deploymentID string) (*Deployment, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ie, ok := t.issuers[issuer]
	if ok {
		for _, c := range ie.clients {
			if _, ok := c.deployments[deploymentID]; ok {
				return &Deployment{ID: deploymentID}, nil
			}
		}
	}
	return nil, newErr(KindDeploymentNotFound, "deployment %q not found for issuer %q", deploymentID, issuer)
}

func (t *ToolConf) FindDeploymentByClient(_ context.Context, issuer, clientID, deploymentID string) (*Deployment, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if c := t.client(issuer, clientID); c != nil {
		if _, ok := c.deployments[deploymentID]; ok {
			return &Deployment{ID: deploymentID}, nil
		}
	}
	return nil, newErr(KindDeploymentNotFound, "deployment %q not found for client %q", deploymentID, clientID)
}

func (t *ToolConf) client(issuer, clientID string) *clientEntry {
	ie, ok := t.issuers[issuer]
	if !ok {
		return nil
	}
	for _, c := range ie.clients {
		if c.reg.ClientID() == clientID {
			return c
		}
	}
	return nil
}
