package action

import (
	"strings"

	"github.com/cloudillo/cloudillo/internal/coreerr"
)

// resolveAudience applies spec §4.E step 3's ordered cases: an explicit
// audience_tag always wins; otherwise the type's AudienceRule decides
// whether to borrow the subject action's issuer, the parent action's
// audience (falling back to its issuer), or leave the action unaddressed.
func resolveAudience(req Request, def TypeDef, subjectAction, parentAction *Action) (*string, error) {
	if req.AudienceTag != nil && *req.AudienceTag != "" {
		return req.AudienceTag, nil
	}

	switch def.AudienceRule {
	case AudienceUsesSubject:
		if subjectAction == nil {
			return nil, coreerr.New(coreerr.ValidationError, "action type requires a resolvable subject action")
		}
		return &subjectAction.Issuer, nil

	case AudienceUsesParent:
		if parentAction == nil {
			return nil, coreerr.New(coreerr.ValidationError, "action type requires a resolvable parent action")
		}
		if parentAction.Audience != nil {
			return parentAction.Audience, nil
		}
		return &parentAction.Issuer, nil

	default: // AudienceExplicitOnly
		return nil, nil
	}
}

// inheritVisibility applies spec §4.E step 4 "Inheritance": a REACT/CMNT/
// STAT/SUBS/INVT/APRV/FSHR reply that doesn't specify its own visibility
// inherits the subject or parent action's visibility, narrowest wins when
// both are present and differ is not attempted here — the caller supplies
// whichever anchor the type uses.
func inheritVisibility(req Request, anchor *Action) Visibility {
	if req.Visibility != nil {
		return *req.Visibility
	}
	if anchor != nil {
		return anchor.Visibility
	}
	return VisibilityPublic
}

// dedupKey renders def.KeyPattern against the resolved action fields,
// substituting {audience}, {subject}, {issuer}, {file_id} placeholders
// (spec §4.E step 5 "Dedup key"). Returns "" when the type has no pattern
// (no dedup enforced).
func dedupKey(def TypeDef, issuer string, audience, subject *string, fileID string) string {
	if def.KeyPattern == "" {
		return ""
	}
	r := strings.NewReplacer(
		"{issuer}", issuer,
		"{audience}", derefOr(audience, ""),
		"{subject}", derefOr(subject, ""),
		"{file_id}", fileID,
	)
	return r.Replace(def.KeyPattern)
}

func derefOr(s *string, def string) string {
	if s == nil {
		return def
	}
	return *s
}
