package abac

import "testing"

func TestCanViewPublicAlwaysAllowed(t *testing.T) {
	t.Parallel()
	if !CanView(Subject{}, Item{Visibility: VisibilityPublic}, Relationships{}) {
		t.Error("expected Public to always allow")
	}
}

func TestCanViewVerifiedRequiresAuth(t *testing.T) {
	t.Parallel()
	item := Item{Visibility: VisibilityVerified}
	if CanView(Subject{IsAuth: false}, item, Relationships{}) {
		t.Error("expected Verified to deny an unauthenticated subject")
	}
	if !CanView(Subject{IsAuth: true}, item, Relationships{}) {
		t.Error("expected Verified to allow an authenticated subject")
	}
}

func TestCanViewFollowerRequiresFollowing(t *testing.T) {
	t.Parallel()
	item := Item{Visibility: VisibilityFollower}
	if CanView(Subject{}, item, Relationships{Following: false}) {
		t.Error("expected Follower to deny a non-follower")
	}
	if !CanView(Subject{}, item, Relationships{Following: true}) {
		t.Error("expected Follower to allow a follower")
	}
}

func TestCanViewSecondDegree(t *testing.T) {
	t.Parallel()
	item := Item{Visibility: VisibilitySecondDegree}
	if CanView(Subject{}, item, Relationships{}) {
		t.Error("expected SecondDegree to deny with no relationship")
	}
	if !CanView(Subject{}, item, Relationships{Connected: true}) {
		t.Error("expected SecondDegree to allow a direct connection")
	}
	if !CanView(Subject{}, item, Relationships{SecondDegree: true}) {
		t.Error("expected SecondDegree to allow a second-degree connection")
	}
}

func TestCanViewDirectByAudienceTagOrSubscriber(t *testing.T) {
	t.Parallel()
	tag := "bob"
	item := Item{Visibility: VisibilityDirect, AudienceTag: &tag}
	if !CanView(Subject{ID: "bob"}, item, Relationships{}) {
		t.Error("expected Direct to allow the audience tag subject")
	}
	if CanView(Subject{ID: "carol"}, item, Relationships{}) {
		t.Error("expected Direct to deny a subject not in the audience")
	}

	itemSub := Item{Visibility: VisibilityDirect, Subscribers: []string{"dave"}}
	if !CanView(Subject{ID: "dave"}, itemSub, Relationships{}) {
		t.Error("expected Direct to allow a batch-resolved subscriber")
	}
}

func TestCanViewOwnerAndTenantAlwaysPass(t *testing.T) {
	t.Parallel()
	item := Item{Visibility: VisibilityDirect}
	if !CanView(Subject{IsOwner: true}, item, Relationships{}) {
		t.Error("expected owner to always pass regardless of visibility")
	}
	if !CanView(Subject{IsTenant: true}, item, Relationships{}) {
		t.Error("expected tenant to always pass regardless of visibility")
	}
}

type countingResolver struct {
	calls int
	by    map[string]Relationships
}

func (r *countingResolver) Resolve(subject string, owners []string) (map[string]Relationships, error) {
	r.calls++
	return r.by, nil
}

// TestFilterListBatchesRelationshipQueries is the S6 scenario: a listing
// of mixed-visibility actions is filtered for an anonymous viewer, with
// at most one relationship query per unique issuer.
func TestFilterListBatchesRelationshipQueries(t *testing.T) {
	t.Parallel()
	items := make([]Item, 0, 100)
	for i := 0; i < 80; i++ {
		items = append(items, Item{Owner: "alice", Visibility: VisibilityFollower})
	}
	for i := 0; i < 20; i++ {
		items = append(items, Item{Owner: "bob", Visibility: VisibilityPublic})
	}

	resolver := &countingResolver{by: map[string]Relationships{
		"alice": {Following: false},
	}}

	out, err := FilterList(Subject{ID: "anon"}, items, resolver)
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	if resolver.calls != 1 {
		t.Fatalf("expected exactly 1 batched relationship query, got %d", resolver.calls)
	}
	if len(out) != 20 {
		t.Fatalf("expected only the 20 Public items to remain, got %d", len(out))
	}
	for _, it := range out {
		if it.Visibility != VisibilityPublic {
			t.Errorf("expected only Public items in the filtered result, found %s", it.Visibility)
		}
	}
}

func TestFilterListSkipsResolverWhenNoItems(t *testing.T) {
	t.Parallel()
	resolver := &countingResolver{}
	out, err := FilterList(Subject{ID: "anon"}, nil, resolver)
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	if len(out) != 0 {
		t.Errorf("expected empty result for empty input")
	}
	if resolver.calls != 0 {
		t.Errorf("expected no relationship query for an empty item list, got %d calls", resolver.calls)
	}
}

func TestDefaultTierMapping(t *testing.T) {
	t.Parallel()
	cases := []struct {
		role Role
		want Tier
	}{
		{RoleLeader, TierPremium},
		{RoleContributor, TierStandard},
		{Role("member"), TierFree},
	}
	for _, c := range cases {
		if got := DefaultTier(c.role); got != c.want {
			t.Errorf("DefaultTier(%s) = %s, want %s", c.role, got, c.want)
		}
	}
}

func TestCanCreateDeniesBannedAccount(t *testing.T) {
	t.Parallel()
	ok, reason := CanCreate(WriteAttrs{Banned: true}, DefaultQuotaPolicy{})
	if ok {
		t.Fatal("expected banned account to be denied")
	}
	if reason == "" {
		t.Error("expected a denial reason")
	}
}

func TestCanCreateDeniesQuotaExceeded(t *testing.T) {
	t.Parallel()
	ok, _ := CanCreate(WriteAttrs{
		QuotaRemainingBytes: 100,
		RequiredBytes:       200,
		EmailVerified:       true,
		Tier:                TierFree,
	}, DefaultQuotaPolicy{})
	if ok {
		t.Fatal("expected quota exceeded to deny")
	}
}

func TestCanCreateRequiresEmailVerificationBelowPremium(t *testing.T) {
	t.Parallel()
	attrs := WriteAttrs{QuotaRemainingBytes: 1000, RequiredBytes: 10, EmailVerified: false, Tier: TierStandard}
	if ok, _ := CanCreate(attrs, DefaultQuotaPolicy{}); ok {
		t.Fatal("expected standard tier to require email verification")
	}
	attrs.Tier = TierPremium
	if ok, reason := CanCreate(attrs, DefaultQuotaPolicy{}); !ok {
		t.Fatalf("expected premium tier to skip email verification, got denial: %s", reason)
	}
}

func TestCanCreateNilPolicyClosesDeny(t *testing.T) {
	t.Parallel()
	ok, _ := CanCreate(WriteAttrs{}, nil)
	if ok {
		t.Fatal("expected nil policy to close deny")
	}
}
