package action

// AudienceRule selects which of the four ordered cases of spec §4.E step 3
// ("Audience resolution") applies to a given action type when the client
// didn't supply an explicit audience_tag.
type AudienceRule int

const (
	// AudienceExplicitOnly means only an explicit audience_tag counts;
	// absent one, the action is unaddressed (broadcast candidate).
	AudienceExplicitOnly AudienceRule = iota
	// AudienceUsesSubject takes the subject action's issuer as audience
	// (REACT, APRV, SUBS, INVT, FSHR, STAT, PRES).
	AudienceUsesSubject
	// AudienceUsesParent takes the parent action's audience, falling back
	// to the parent's issuer (CMNT, MSG, REPOST).
	AudienceUsesParent
)

// TypeDef is the per-type policy table of spec §4.E/§4.F: audience
// resolution rule, whether the type fans out to the full follower list
// when unaddressed, the dedup key-pattern template, and whether inbound
// delivery tolerates an unknown (not-yet-synced) issuer profile.
type TypeDef struct {
	Code         string
	AudienceRule AudienceRule
	Broadcast    bool   // eligible for follower-list fan-out when audience is nil
	KeyPattern   string // Go template-ish pattern using {field} placeholders
	AllowUnknown bool   // inbound: tolerate issuer profile fetch failure
}

// Registry is the fixed table of known action types (spec §4.E/§4.F).
// Unknown "typ:sub_typ" pairs fall through to the zero-value TypeDef
// (explicit-audience-only, no broadcast, no dedup key, profile required).
var Registry = map[string]TypeDef{
	"POST":    {Code: "POST", AudienceRule: AudienceExplicitOnly, Broadcast: true},
	"REPOST":  {Code: "REPOST", AudienceRule: AudienceUsesParent, Broadcast: true},
	"STAT":    {Code: "STAT", AudienceRule: AudienceUsesSubject, Broadcast: true},
	"ACK":     {Code: "ACK", AudienceRule: AudienceExplicitOnly, Broadcast: true},
	"ENDR":    {Code: "ENDR", AudienceRule: AudienceExplicitOnly, Broadcast: true},
	"MSG":     {Code: "MSG", AudienceRule: AudienceUsesParent},
	"PRES":    {Code: "PRES", AudienceRule: AudienceUsesSubject},
	"CONN":    {Code: "CONN", AudienceRule: AudienceExplicitOnly, KeyPattern: "CONN:{audience}"},
	"FLLW":    {Code: "FLLW", AudienceRule: AudienceExplicitOnly, KeyPattern: "FLLW:{audience}", AllowUnknown: true},
	"REACT":   {Code: "REACT", AudienceRule: AudienceUsesSubject, KeyPattern: "REACT:{subject}:{issuer}", AllowUnknown: true},
	"CMNT":    {Code: "CMNT", AudienceRule: AudienceUsesParent, AllowUnknown: true},
	"SUBS":    {Code: "SUBS", AudienceRule: AudienceUsesSubject, KeyPattern: "SUBS:{subject}:{issuer}"},
	"INVT":    {Code: "INVT", AudienceRule: AudienceUsesSubject, KeyPattern: "INVT:{subject}:{audience}"},
	"APRV":    {Code: "APRV", AudienceRule: AudienceUsesSubject, KeyPattern: "APRV:{subject}"},
	"CONV":    {Code: "CONV", AudienceRule: AudienceExplicitOnly},
	"IDP:REG": {Code: "IDP:REG", AudienceRule: AudienceExplicitOnly},
	"FSHR":    {Code: "FSHR", AudienceRule: AudienceUsesSubject, KeyPattern: "FSHR:{file_id}:{audience}"},
}

// Lookup returns the TypeDef for "typ" or "typ:subTyp", falling back to
// the bare typ entry, and finally a permissive zero-value default.
func Lookup(typ, subTyp string) TypeDef {
	key := typ
	if subTyp != "" {
		key = typ + ":" + subTyp
	}
	if def, ok := Registry[key]; ok {
		return def
	}
	if def, ok := Registry[typ]; ok {
		return def
	}
	return TypeDef{Code: key, AudienceRule: AudienceExplicitOnly}
}
