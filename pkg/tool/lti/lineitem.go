// pkg/tool/lti/lineitem.go
package lti

import (
	"encoding/json"
	"strings"
)

// LineItemFields are the IMS lineitem attributes. Build a LineItem from
// them with NewLineItem.
type LineItemFields struct {
	ID             string  `json:"id,omitempty"`
	ScoreMaximum   float64 `json:"scoreMaximum"`
	Label          string  `json:"label"`
	ResourceID     string  `json:"resourceId,omitempty"`
	ResourceLinkID string  `json:"resourceLinkId,omitempty"`
	Tag            string  `json:"tag,omitempty"`
	StartDateTime  string  `json:"startDateTime,omitempty"`
	EndDateTime    string  `json:"endDateTime,omitempty"`
	GradesReleased *bool   `json:"gradesReleased,omitempty"`
}

// LineItem is a gradebook column. Values are immutable; use With* to derive.
type LineItem struct {
	f LineItemFields
}

// NewLineItem validates f. scoreMaximum must be positive and label non-empty.
func NewLineItem(f LineItemFields) (*LineItem, error) {
	f.Label = strings.TrimSpace(f.Label)
	if f.ScoreMaximum <= 0 {
		return nil, newErr(KindValidation, "lineitem scoreMaximum must be > 0")
	}
	if f.Label == "" {
		return nil, newErr(KindValidation, "lineitem label is required")
	}
	return &LineItem{f: f}, nil
}

func (l *LineItem) ID() string             { return l.f.ID }
func (l *LineItem) ScoreMaximum() float64  { return l.f.ScoreMaximum }
func (l *LineItem) Label() string          { return l.f.Label }
func (l *LineItem) ResourceID() string     { return l.f.ResourceID }
func (l *LineItem) ResourceLinkID() string { return l.f.ResourceLinkID }
func (l *LineItem) Tag() string            { return l.f.Tag }
func (l *LineItem) StartDateTime() string  { return l.f.StartDateTime }
func (l *LineItem) EndDateTime() string    { return l.f.EndDateTime }

// Fields returns a copy of the attributes.
func (l *LineItem) Fields() LineItemFields { return l.f }

// WithID returns a copy carrying the platform-assigned id.
func (l *LineItem) WithID(id string) *LineItem {
	f := l.f
	f.ID = id
	return &LineItem{f: f}
}

func (l *LineItem) MarshalJSON() ([]byte, error) { return json.Marshal(l.f) }

// UnmarshalJSON decodes a platform lineitem. Platforms are trusted to send
// sane values, so this path does not apply NewLineItem's checks.
func (l *LineItem) UnmarshalJSON(b []byte) error { return json.Unmarshal(b, &l.f) }
