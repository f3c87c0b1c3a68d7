package lifecycle

import (
	"testing"
	"time"

	"github.com/lalithlochan/stencil/internal/db"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to string
		want     bool
	}{
		{"", db.StatusDraft, true},
		{"", db.StatusPending, false},
		{db.StatusDraft, db.StatusPending, true},
		{db.StatusDraft, db.StatusApproved, false},
		{db.StatusPending, db.StatusApproved, true},
		{db.StatusPending, db.StatusRejected, true},
		{db.StatusPending, db.StatusDraft, false},
		{db.StatusApproved, db.StatusSuperseded, true},
		{db.StatusApproved, db.StatusPending, false},
		{db.StatusRejected, db.StatusPending, false},
		{db.StatusRejected, db.StatusDraft, false},
		{db.StatusSuperseded, db.StatusApproved, false},
	}

	for _, tt := range tests {
		t.Run(tt.from+"->"+tt.to, func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition(%q, %q) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestDeletable(t *testing.T) {
	for status, want := range map[string]bool{
		db.StatusDraft:      true,
		db.StatusRejected:   true,
		db.StatusPending:    false,
		db.StatusApproved:   false,
		db.StatusSuperseded: false,
	} {
		if got := Deletable(status); got != want {
			t.Errorf("Deletable(%s) = %v, want %v", status, got, want)
		}
	}
}

func TestTimeInStatus(t *testing.T) {
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	history := []*db.StatusHistory{
		{ToStatus: db.StatusDraft, CreatedAt: start},
		{FromStatus: db.StatusDraft, ToStatus: db.StatusPending, CreatedAt: start.Add(10 * time.Minute)},
		{FromStatus: db.StatusPending, ToStatus: db.StatusApproved, CreatedAt: start.Add(2 * time.Hour)},
	}

	got := TimeInStatus(history, start.Add(5*time.Hour))

	want := map[string]time.Duration{
		db.StatusDraft:    10 * time.Minute,
		db.StatusPending:  110 * time.Minute,
		db.StatusApproved: 3 * time.Hour,
	}
	for status, d := range want {
		if got[status] != d {
			t.Errorf("%s = %v, want %v", status, got[status], d)
		}
	}
}

func TestTimeInStatus_Empty(t *testing.T) {
	if got := TimeInStatus(nil, time.Now()); len(got) != 0 {
		t.Fatalf("expected empty map, got %v", got)
	}
}
