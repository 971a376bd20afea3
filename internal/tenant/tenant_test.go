package tenant

import (
	"testing"
	"time"
)

func TestSlugify(t *testing.T) {
	cases := map[string]string{
		"Green Valley Co-op":     "green-valley-co-op",
		"  Sahakar  Bank  Ltd. ": "sahakar-bank-ltd",
		"__Farmers__":            "farmers",
		"Ünïcode Coop":           "n-code-coop",
	}
	for in, want := range cases {
		if got := Slugify(in); got != want {
			t.Fatalf("Slugify(%q)=%q, want %q", in, got, want)
		}
	}
}

func TestPasswordPolicyCheck(t *testing.T) {
	p := DefaultSettings().Security.PasswordPolicy
	if problems := p.Check("Abc12345!"); len(problems) != 0 {
		t.Fatalf("expected valid password, got %v", problems)
	}
	if problems := p.Check("abc"); len(problems) != 3 {
		t.Fatalf("expected length, upper and number violations, got %v", problems)
	}
	p.RequireSymbols = true
	if problems := p.Check("Abc123456"); len(problems) != 1 {
		t.Fatalf("expected symbol violation, got %v", problems)
	}
}

func TestIPAllowed(t *testing.T) {
	s := SecuritySettings{}
	if !s.IPAllowed("203.0.113.5") {
		t.Fatal("empty allowlist should admit everyone")
	}
	s.IPAllowlist = []string{"10.0.0.0/8", "203.0.113.5"}
	for ip, want := range map[string]bool{
		"10.1.2.3":           true,
		"203.0.113.5":        true,
		"::ffff:203.0.113.5": true,
		"203.0.113.6":        false,
		"not-an-ip":          false,
	} {
		if got := s.IPAllowed(ip); got != want {
			t.Fatalf("IPAllowed(%q)=%v, want %v", ip, got, want)
		}
	}
}

func TestUsable(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)
	deleted := now.Add(-time.Minute)

	cases := []struct {
		name string
		t    Tenant
		want bool
	}{
		{"active", Tenant{IsActive: true, SubscriptionStatus: StatusActive}, true},
		{"trial running", Tenant{IsActive: true, SubscriptionStatus: StatusTrial, SubscriptionEndsAt: &future}, true},
		{"trial over", Tenant{IsActive: true, SubscriptionStatus: StatusTrial, SubscriptionEndsAt: &past}, false},
		{"suspended", Tenant{IsActive: true, SubscriptionStatus: StatusSuspended}, false},
		{"inactive", Tenant{IsActive: false, SubscriptionStatus: StatusActive}, false},
		{"soft deleted", Tenant{IsActive: true, SubscriptionStatus: StatusActive, DeletedAt: &deleted}, false},
	}
	for _, tc := range cases {
		if got := tc.t.Usable(now); got != tc.want {
			t.Fatalf("%s: Usable=%v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestFeatureEnabled(t *testing.T) {
	tn := Tenant{Features: DefaultFeatures()}
	if !tn.FeatureEnabled("payroll") || !tn.FeatureEnabled("user_management") ||
		tn.FeatureEnabled("dividends") || tn.FeatureEnabled("unknown") {
		t.Fatalf("unexpected feature flags: %v", tn.Features)
	}
}
