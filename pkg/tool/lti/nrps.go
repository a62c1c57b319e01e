// pkg/tool/lti/nrps.go
package lti

import (
	"context"
	"net/url"
)

const (
	ScopeContextMembershipReadOnly = "https://purl.imsglobal.org/spec/lti-nrps/scope/contextmembership.readonly"
	MediaMembershipContainer       = "application/vnd.ims.lti-nrps.v2.membershipcontainer+json"
)

// Member is one entry of an NRPS v2 membership container.
type Member struct {
	UserID             string   `json:"user_id"`
	Roles              []string `json:"roles"`
	Status             string   `json:"status,omitempty"`
	Name               string   `json:"name,omitempty"`
	GivenName          string   `json:"given_name,omitempty"`
	FamilyName         string   `json:"family_name,omitempty"`
	MiddleName         string   `json:"middle_name,omitempty"`
	Email              string   `json:"email,omitempty"`
	Picture            string   `json:"picture,omitempty"`
	LISPersonSourcedID string   `json:"lis_person_sourcedid,omitempty"`
	LTI11LegacyUserID  string   `json:"lti11_legacy_user_id,omitempty"`
	// Message carries resource-link scoped claims when rlid was requested.
	Message []map[string]any `json:"message,omitempty"`
}

type membershipContainer struct {
	ID      string       `json:"id"`
	Context ContextClaim `json:"context"`
	Members []Member     `json:"members"`
}

// NamesRolesService is the NRPS client for one launch.
type NamesRolesService struct {
	conn  *ServiceConnector
	claim NRPSClaim
}

func NewNamesRolesService(conn *ServiceConnector, claim NRPSClaim) *NamesRolesService {
	return &NamesRolesService{conn: conn, claim: claim}
}

// GetMembers returns the whole roster across pages. A non-empty
// resourceLinkID asks the platform for resource-link level data (rlid).
func (s *NamesRolesService) GetMembers(ctx context.Context, resourceLinkID string) ([]Member, error) {
	start, err := s.membersURL(resourceLinkID)
	if err != nil {
		return nil, err
	}
	var out []Member
	err = paginate(ctx, s.conn, []string{ScopeContextMembershipReadOnly}, start, MediaMembershipContainer, "nrps.get_members",
		func(r *ServiceResponse) error {
			var page membershipContainer
			if err := r.Decode(&page); err != nil {
				return err
			}
			out = append(out, page.Members...)
			return nil
		})
	return out, err
}

// GetContext returns the context block of the first page.
func (s *NamesRolesService) GetContext(ctx context.Context) (ContextClaim, error) {
	start, err := s.membersURL("")
	if err != nil {
		return ContextClaim{}, err
	}
	resp, err := s.conn.MakeServiceRequest(ctx, ServiceCall{
		Scopes: []string{ScopeContextMembershipReadOnly}, URL: start,
		Accept: MediaMembershipContainer, Op: "nrps.get_context",
	})
	if err != nil {
		return ContextClaim{}, err
	}
	var page membershipContainer
	if err := resp.Decode(&page); err != nil {
		return ContextClaim{}, err
	}
	return page.Context, nil
}

func (s *NamesRolesService) membersURL(rlid string) (string, error) {
	if s.claim.ContextMembershipsURL == "" {
		return "", newErr(KindInvalidMessage, "launch has no context memberships url")
	}
	if rlid == "" {
		return s.claim.ContextMembershipsURL, nil
	}
	u, err := url.Parse(s.claim.ContextMembershipsURL)
	if err != nil {
		return "", wrapErr(KindServiceRequest, err, "invalid context memberships url")
	}
	q := u.Query()
	q.Set("rlid", rlid)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
