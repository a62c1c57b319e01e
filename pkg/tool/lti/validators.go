// pkg/tool/lti/validators.go
package lti

// MessageValidator checks the shape of one message type.
type MessageValidator interface {
	CanValidate(c *LaunchContext) bool
	Validate(c *LaunchContext) error
}

// DefaultValidators covers the four launch message types.
func DefaultValidators() []MessageValidator {
	return []MessageValidator{
		ResourceLinkValidator{},
		DeepLinkValidator{},
		DataPrivacyValidator{},
		SubmissionReviewValidator{},
	}
}

func validateCommon(c *LaunchContext) error {
	if c.Subject == "" {
		return newErr(KindInvalidMessage, "must have a user (sub)")
	}
	if c.Version != LTIVersion {
		return newErr(KindInvalidMessage, "incorrect version, expected %s", LTIVersion)
	}
	if !c.Has(ClaimRoles) {
		return newErr(KindInvalidMessage, "missing roles claim")
	}
	return nil
}

type ResourceLinkValidator struct{}

func (ResourceLinkValidator) CanValidate(c *LaunchContext) bool {
	return c.MessageType == MessageResourceLink
}

func (ResourceLinkValidator) Validate(c *LaunchContext) error {
	if err := validateCommon(c); err != nil {
		return err
	}
	if c.ResourceLink == nil || c.ResourceLink.ID == "" {
		return newErr(KindInvalidMessage, "missing resource link id")
	}
	return nil
}

type DeepLinkValidator struct{}

func (DeepLinkValidator) CanValidate(c *LaunchContext) bool {
	return c.MessageType == MessageDeepLinking
}

func (DeepLinkValidator) Validate(c *LaunchContext) error {
	if err := validateCommon(c); err != nil {
		return err
	}
	s := c.DeepLinkingSettings
	if s == nil {
		return newErr(KindInvalidMessage, "missing deep linking settings")
	}
	if s.DeepLinkReturnURL == "" {
		return newErr(KindInvalidMessage, "missing deep linking return url")
	}
	supported := false
	for _, t := range s.AcceptTypes {
		if t == "ltiResourceLink" {
			supported = true
			break
		}
	}
	if !supported {
		return newErr(KindInvalidMessage, "must support resource link placement types")
	}
	if len(s.AcceptPresentationDocumentTargets) == 0 {
		return newErr(KindInvalidMessage, "must support a presentation type")
	}
	return nil
}

type DataPrivacyValidator struct{}

func (DataPrivacyValidator) CanValidate(c *LaunchContext) bool {
	return c.MessageType == MessageDataPrivacy
}

func (DataPrivacyValidator) Validate(c *LaunchContext) error {
	if err := validateCommon(c); err != nil {
		return err
	}
	if c.Has(ClaimResourceLink) {
		return newErr(KindInvalidMessage, "resource link claim must be omitted from a %s", MessageDataPrivacy)
	}
	if c.Has(ClaimContext) {
		return newErr(KindInvalidMessage, "context claim must be omitted from a %s", MessageDataPrivacy)
	}
	if c.ForUser == nil {
		return newErr(KindInvalidMessage, "for_user claim must be included in a %s", MessageDataPrivacy)
	}
	return nil
}

type SubmissionReviewValidator struct{}

func (SubmissionReviewValidator) CanValidate(c *LaunchContext) bool {
	return c.MessageType == MessageSubmissionReview
}

func (SubmissionReviewValidator) Validate(c *LaunchContext) error {
	if err := validateCommon(c); err != nil {
		return err
	}
	if c.AGS == nil {
		return newErr(KindInvalidMessage, "grade services must be included in a %s", MessageSubmissionReview)
	}
	if c.AGS.LineItem == "" {
		return newErr(KindInvalidMessage, "a %s must specify the lineitem it was launched for", MessageSubmissionReview)
	}
	if c.ForUser == nil {
		return newErr(KindInvalidMessage, "for_user claim must be included in a %s", MessageSubmissionReview)
	}
	if c.ForUser.UserID == "" {
		return newErr(KindInvalidMessage, "for_user claim must include user_id")
	}
	return nil
}

// validateMessage runs exactly one matching validator.
func validateMessage(validators []MessageValidator, c *LaunchContext) error {
	if c.MessageType == "" {
		return newErr(KindUnrecognizedMessageType, "invalid message type")
	}
	var match MessageValidator
	for _, v := range validators {
		if !v.CanValidate(c) {
			continue
		}
		if match != nil {
			return newErr(KindUnrecognizedMessageType, "validator conflict for %s", c.MessageType)
		}
		match = v
	}
	if match == nil {
		return newErr(KindUnrecognizedMessageType, "unrecognized message type %s", c.MessageType)
	}
	return match.Validate(c)
}
