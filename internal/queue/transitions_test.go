package queue

import "testing"

func TestValidTransition(t *testing.T) {
	cases := []struct {
		action string
		from   string
		valid  bool
	}{
		{"promote", "waiting", true},
		{"promote", "next", false},
		{"serve", "waiting", true},
		{"serve", "next", true},
		{"serve", "skipped", false},
		{"serve", "done", false},
		{"complete", "now_serving", true},
		{"complete", "waiting", false},
		{"skip", "now_serving", true},
		{"skip", "waiting", true},
		{"skip", "next", true},
		{"skip", "done", false},
		{"skip", "skipped", false},
		{"recall", "skipped", true},
		{"recall", "waiting", false},
		{"move", "skipped", true},
		{"move", "done", false},
		{"unknown", "waiting", false},
	}

	for _, tt := range cases {
		if got := ValidTransition(tt.action, tt.from); got != tt.valid {
			t.Fatalf("ValidTransition(%q, %q)=%v, want %v", tt.action, tt.from, got, tt.valid)
		}
	}
}

func TestValidMove(t *testing.T) {
	cases := []struct {
		from  string
		to    string
		valid bool
	}{
		{"waiting", "waiting", true},
		{"now_serving", "waiting", true},
		{"next", "now_serving", true},
		{"waiting", "now_serving", true},
		{"skipped", "now_serving", false},
		{"skipped", "waiting", true},
		{"done", "waiting", false},
		{"waiting", "archived", false},
	}

	for _, tt := range cases {
		if got := ValidMove(tt.from, tt.to); got != tt.valid {
			t.Fatalf("ValidMove(%q, %q)=%v, want %v", tt.from, tt.to, got, tt.valid)
		}
	}
}
