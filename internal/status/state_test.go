package status

import "testing"

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		from Status
		to   Status
	}{
		{Pending, Syncing},
		{Syncing, Synced},
		{Syncing, Pending},
		{Syncing, Failed},
		{Failed, Pending},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if err := Transition(tt.from, tt.to); err != nil {
				t.Errorf("Transition(%s -> %s) error = %v", tt.from, tt.to, err)
			}
		})
	}
}

func TestInvalidTransitions(t *testing.T) {
	tests := []struct {
		from Status
		to   Status
	}{
		// A message must actually be attempted before it can fail.
		{Pending, Failed},
		{Pending, Synced},
		{Pending, Pending},
		{Synced, Pending},
		{Synced, Syncing},
		{Synced, Failed},
		{Failed, Syncing},
		{Failed, Synced},
		{Syncing, Syncing},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if err := Transition(tt.from, tt.to); err == nil {
				t.Errorf("Transition(%s -> %s) should fail", tt.from, tt.to)
			}
		})
	}
}

func TestParse(t *testing.T) {
	for _, s := range []Status{Pending, Syncing, Synced, Failed} {
		got, err := Parse(string(s))
		if err != nil {
			t.Errorf("Parse(%q) error = %v", s, err)
		}
		if got != s {
			t.Errorf("Parse(%q) = %q", s, got)
		}
	}

	if _, err := Parse("queued"); err == nil {
		t.Error("Parse(queued) should fail")
	}
	if _, err := Parse(""); err == nil {
		t.Error("Parse(empty) should fail")
	}
}

func TestTerminal(t *testing.T) {
	if Pending.Terminal() || Syncing.Terminal() {
		t.Error("pending/syncing should not be terminal")
	}
	if !Synced.Terminal() || !Failed.Terminal() {
		t.Error("synced/failed should be terminal")
	}
}
