// pkg/tool/lti/ags.go
package lti

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

// AGS scopes.
const (
	ScopeLineItem         = "https://purl.imsglobal.org/spec/lti-ags/scope/lineitem"
	ScopeLineItemReadOnly = "https://purl.imsglobal.org/spec/lti-ags/scope/lineitem.readonly"
	ScopeScore            = "https://purl.imsglobal.org/spec/lti-ags/scope/score"
	ScopeResultReadOnly   = "https://purl.imsglobal.org/spec/lti-ags/scope/result.readonly"
)

// IMS media types.
const (
	MediaLineItem          = "application/vnd.ims.lis.v2.lineitem+json"
	MediaLineItemContainer = "application/vnd.ims.lis.v2.lineitemcontainer+json"
	MediaScore             = "application/vnd.ims.lis.v1.score+json"
	MediaResultContainer   = "application/vnd.ims.lis.v2.resultcontainer+json"
)

// maxPages bounds pagination against a platform that loops its Link headers.
const maxPages = 1000

// LineItemKey selects the attribute FindOrCreateLineItem matches on.
type LineItemKey int

const (
	ByTag LineItemKey = iota
	ByResourceID
	ByResourceLinkID
	ByLabel
)

func (k LineItemKey) value(li *LineItem) string {
	switch k {
	case ByResourceID:
		return li.ResourceID()
	case ByResourceLinkID:
		return li.ResourceLinkID()
	case ByLabel:
		return li.Label()
	default:
		return li.Tag()
	}
}

// AssignmentsGradesService is the AGS client bound to one launch's endpoint claim.
type AssignmentsGradesService struct {
	conn  *ServiceConnector
	claim AGSClaim
}

func NewAssignmentsGradesService(conn *ServiceConnector, claim AGSClaim) *AssignmentsGradesService {
	return &AssignmentsGradesService{conn: conn, claim: claim}
}

func (s *AssignmentsGradesService) CanReadLineItems() bool {
	return s.claim.hasScope(ScopeLineItem, ScopeLineItemReadOnly)
}
func (s *AssignmentsGradesService) CanManageLineItems() bool { return s.claim.hasScope(ScopeLineItem) }
func (s *AssignmentsGradesService) CanPutGrade() bool        { return s.claim.hasScope(ScopeScore) }
func (s *AssignmentsGradesService) CanReadGrades() bool      { return s.claim.hasScope(ScopeResultReadOnly) }

func missingScope(what string) error {
	return newErr(KindMissingScope, "missing required scope: %s", what)
}

// ---- lineitems ----

// GetLineItem fetches one lineitem. An empty url means the launch's own lineitem.
func (s *AssignmentsGradesService) GetLineItem(ctx context.Context, url string) (*LineItem, error) {
	if !s.CanReadLineItems() {
		return nil, missingScope("lineitem")
	}
	if url == "" {
		url = s.claim.LineItem
	}
	if url == "" {
		return nil, newErr(KindInvalidMessage, "launch has no lineitem")
	}
	resp, err := s.conn.MakeServiceRequest(ctx, ServiceCall{
		Scopes: s.claim.Scope, URL: url, Accept: MediaLineItem, Op: "ags.get_lineitem",
	})
	if err != nil {
		return nil, err
	}
	li := &LineItem{}
	if err := resp.Decode(li); err != nil {
		return nil, err
	}
	return li, nil
}

// GetLineItems returns every lineitem of the context, following rel="next".
func (s *AssignmentsGradesService) GetLineItems(ctx context.Context) ([]*LineItem, error) {
	if !s.CanReadLineItems() {
		return nil, missingScope("lineitem")
	}
	if s.claim.LineItems == "" {
		return nil, newErr(KindInvalidMessage, "launch has no lineitems endpoint")
	}
	var out []*LineItem
	err := s.paginate(ctx, s.claim.LineItems, MediaLineItemContainer, "ags.get_lineitems", func(r *ServiceResponse) error {
		var page []*LineItem
		if err := r.Decode(&page); err != nil {
			return err
		}
		out = append(out, page...)
		return nil
	})
	return out, err
}

func (s *AssignmentsGradesService) findBy(ctx context.Context, match func(*LineItem) bool) (*LineItem, error) {
	items, err := s.GetLineItems(ctx)
	if err != nil {
		return nil, err
	}
	for _, li := range items {
		if match(li) {
			return li, nil
		}
	}
	return nil, nil
}

// FindLineItemByTag returns the first lineitem with tag, or nil.
func (s *AssignmentsGradesService) FindLineItemByTag(ctx context.Context, tag string) (*LineItem, error) {
	return s.findBy(ctx, func(li *LineItem) bool { return li.Tag() == tag })
}

func (s *AssignmentsGradesService) FindLineItemByID(ctx context.Context, id string) (*LineItem, error) {
	return s.findBy(ctx, func(li *LineItem) bool { return li.ID() == id })
}

func (s *AssignmentsGradesService) FindLineItemByResourceLinkID(ctx context.Context, id string) (*LineItem, error) {
	return s.findBy(ctx, func(li *LineItem) bool { return li.ResourceLinkID() == id })
}

func (s *AssignmentsGradesService) FindLineItemByResourceID(ctx context.Context, id string) (*LineItem, error) {
	return s.findBy(ctx, func(li *LineItem) bool { return li.ResourceID() == id })
}

// FindOrCreateLineItem returns the existing lineitem whose key attribute
// equals want's, creating want otherwise.
func (s *AssignmentsGradesService) FindOrCreateLineItem(ctx context.Context, want *LineItem, key LineItemKey) (*LineItem, error) {
	if !s.CanManageLineItems() {
		return nil, missingScope("lineitem")
	}
	v := key.value(want)
	found, err := s.findBy(ctx, func(li *LineItem) bool { return key.value(li) == v })
	if err != nil || found != nil {
		return found, err
	}
	body, err := json.Marshal(want)
	if err != nil {
		return nil, err
	}
	resp, err := s.conn.MakeServiceRequest(ctx, ServiceCall{
		Scopes: s.claim.Scope, URL: s.claim.LineItems, Method: http.MethodPost,
		Body: body, ContentType: MediaLineItem, Accept: MediaLineItem, Op: "ags.create_lineitem",
	})
	if err != nil {
		return nil, err
	}
	created := &LineItem{}
	if err := resp.Decode(created); err != nil {
		return nil, err
	}
	return created, nil
}

// UpdateLineItem PUTs li to its own id and returns the platform's copy.
func (s *AssignmentsGradesService) UpdateLineItem(ctx context.Context, li *LineItem) (*LineItem, error) {
	if !s.CanManageLineItems() {
		return nil, missingScope("lineitem")
	}
	if li.ID() == "" {
		return nil, newErr(KindValidation, "lineitem id is required for update")
	}
	body, err := json.Marshal(li)
	if err != nil {
		return nil, err
	}
	resp, err := s.conn.MakeServiceRequest(ctx, ServiceCall{
		Scopes: s.claim.Scope, URL: li.ID(), Method: http.MethodPut,
		Body: body, ContentType: MediaLineItem, Accept: MediaLineItem, Op: "ags.update_lineitem",
	})
	if err != nil {
		return nil, err
	}
	out := &LineItem{}
	if err := resp.Decode(out); err != nil {
		return nil, err
	}
	if out.ID() == "" {
		return li, nil
	}
	return out, nil
}

func (s *AssignmentsGradesService) DeleteLineItem(ctx context.Context, id string) error {
	if !s.CanManageLineItems() {
		return missingScope("lineitem")
	}
	_, err := s.conn.MakeServiceRequest(ctx, ServiceCall{
		Scopes: s.claim.Scope, URL: id, Method: http.MethodDelete, Op: "ags.delete_lineitem",
	})
	return err
}

// ---- scores ----

// PutGrade posts grade to <lineitem>/scores. The target lineitem is, in order:
// li itself when it has an id, li found-or-created by tag (label when untagged),
// the launch's lineitem claim, or a "default" lineitem out of 100.
func (s *AssignmentsGradesService) PutGrade(ctx context.Context, grade *Grade, li *LineItem) (*ServiceResponse, error) {
	if !s.CanPutGrade() {
		return nil, missingScope("score")
	}
	target, err := s.gradeTarget(ctx, li)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(grade)
	if err != nil {
		return nil, err
	}
	return s.conn.MakeServiceRequest(ctx, ServiceCall{
		Scopes: s.claim.Scope, URL: appendPath(target, "/scores"), Method: http.MethodPost,
		Body: body, ContentType: MediaScore, Op: "ags.put_grade",
	})
}

func (s *AssignmentsGradesService) gradeTarget(ctx context.Context, li *LineItem) (string, error) {
	switch {
	case li != nil && li.ID() != "":
		return li.ID(), nil
	case li != nil:
		key := ByTag
		if li.Tag() == "" {
			key = ByLabel
		}
		got, err := s.FindOrCreateLineItem(ctx, li, key)
		if err != nil {
			return "", err
		}
		return got.ID(), nil
	case s.claim.LineItem != "":
		return s.claim.LineItem, nil
	}
	def, err := NewLineItem(LineItemFields{Label: "default", ScoreMaximum: 100})
	if err != nil {
		return "", err
	}
	got, err := s.FindOrCreateLineItem(ctx, def, ByLabel)
	if err != nil {
		return "", err
	}
	return got.ID(), nil
}

// GetGrades returns every result of li (or the launch's lineitem when nil).
func (s *AssignmentsGradesService) GetGrades(ctx context.Context, li *LineItem) ([]Result, error) {
	if !s.CanReadGrades() {
		return nil, missingScope("result.readonly")
	}
	url := s.claim.LineItem
	if li != nil && li.ID() != "" {
		url = li.ID()
	}
	if url == "" {
		return nil, newErr(KindValidation, "no lineitem to read results from")
	}
	var out []Result
	err := s.paginate(ctx, appendPath(url, "/results"), MediaResultContainer, "ags.get_grades", func(r *ServiceResponse) error {
		var page []Result
		if err := r.Decode(&page); err != nil {
			return err
		}
		out = append(out, page...)
		return nil
	})
	return out, err
}

// ---- helpers ----

// paginate GETs url and every rel="next" page after it, in order.
func (s *AssignmentsGradesService) paginate(ctx context.Context, url, accept, op string, each func(*ServiceResponse) error) error {
	return paginate(ctx, s.conn, s.claim.Scope, url, accept, op, each)
}

func paginate(ctx context.Context, conn *ServiceConnector, scopes []string, url, accept, op string, each func(*ServiceResponse) error) error {
	seen := map[string]bool{}
	for n := 0; url != "" && n < maxPages; n++ {
		if seen[url] {
			return nil
		}
		seen[url] = true
		resp, err := conn.MakeServiceRequest(ctx, ServiceCall{Scopes: scopes, URL: url, Accept: accept, Op: op})
		if err != nil {
			return err
		}
		if err := each(resp); err != nil {
			return err
		}
		url = resp.NextPageURL
	}
	return nil
}

// appendPath inserts p before any query string: ".../li/1?x=y" -> ".../li/1/scores?x=y".
func appendPath(u, p string) string {
	base, query, hasQuery := strings.Cut(u, "?")
	base = strings.TrimRight(base, "/") + p
	if hasQuery {
		return base + "?" + query
	}
	return base
}
