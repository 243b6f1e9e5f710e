package moderation

import "testing"

type guardCase struct {
	name    string
	input   string
	blocked bool
	term    string
}

func runGuardCases(t *testing.T, g *Guard, tests []guardCase) {
	t.Helper()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := g.Check(tt.input)
			if result.Blocked != tt.blocked {
				t.Errorf("Check(%q).Blocked = %v, want %v (term=%q)", tt.input, result.Blocked, tt.blocked, result.Term)
			}
			if tt.blocked && result.Term != tt.term {
				t.Errorf("Check(%q).Term = %q, want %q", tt.input, result.Term, tt.term)
			}
			if tt.blocked && result.Reason == "" {
				t.Errorf("Check(%q) blocked without a reason", tt.input)
			}
		})
	}
}

func TestGuard_URLs(t *testing.T) {
	runGuardCases(t, NewGuard(), []guardCase{
		{"http url", "check out http://evil.com", true, CheckURL},
		{"https url", "visit https://spam.xyz/click", true, CheckURL},
		{"www url", "go to www.phishing.net", true, CheckURL},
		{"bare domain with path", "visit evil.com/free", true, CheckURL},
		{"bare domain .io path", "check app.io/signup", true, CheckURL},
	})
}

func TestGuard_PhoneNumbers(t *testing.T) {
	runGuardCases(t, NewGuard(), []guardCase{
		{"intl dashed", "+1-555-123-4567", true, CheckPhone},
		{"parenthesized area code", "(555) 123-4567", true, CheckPhone},
		{"dotted format", "555.123.4567", true, CheckPhone},
		{"in sentence", "call my office at 555-123-4567 okay?", true, CheckPhone},
	})
}

func TestGuard_Flooding(t *testing.T) {
	runGuardCases(t, NewGuard(), []guardCase{
		{"repeated o in word", "hellooooooo", true, CheckCharFlood},
		{"repeated exclamation", "urgent!!!!!", true, CheckCharFlood},
		{"four chars ok", "heeeel no", false, ""},
		{"exactly 5 repeated chars", "aaaaa", true, CheckCharFlood},
		{"buy x3", "buy buy buy", true, CheckWordFlood},
		{"case insensitive", "FREE free Free consultation", true, CheckWordFlood},
		{"two repeats ok", "very very important", false, ""},
	})
}

func TestGuard_CleanMessages(t *testing.T) {
	runGuardCases(t, NewGuard(), []guardCase{
		{"section reference", "see section 3.14 of the agreement", false, ""},
		{"statute year", "under the 2019 act the notice period is 30 days", false, ""},
		{"article number", "Article 21 protects personal liberty", false, ""},
		{"money amount", "the deposit was $5.99", false, ""},
		{"version string", "upgrade to v2.0", false, ""},
		{"short excitement", "great answer!!", false, ""},
		{"newlines", "clause 4\nclause 5", false, ""},
		{"empty", "", false, ""},
	})
}

func TestGuard_DisabledChecks(t *testing.T) {
	g := NewGuard(CheckURL, " phone ")
	if r := g.Check("read https://example.com/judgment"); r.Blocked {
		t.Fatalf("url check should be disabled, got %+v", r)
	}
	if r := g.Check("call 555-123-4567"); r.Blocked {
		t.Fatalf("phone check should be disabled, got %+v", r)
	}
	if r := g.Check("spam spam spam"); !r.Blocked || r.Term != CheckWordFlood {
		t.Fatalf("word flood should still be checked, got %+v", r)
	}
}

func TestGuard_Nil(t *testing.T) {
	var g *Guard
	if r := g.Check("buy buy buy http://evil.com"); r.Blocked {
		t.Fatalf("nil guard must not block, got %+v", r)
	}
}
