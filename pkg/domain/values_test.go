package domain

import "testing"

// TestPriorityRank verifies the scheduler's 100x score input ordering.
func TestPriorityRank(t *testing.T) {
	tests := []struct {
		p    Priority
		want int
	}{
		{PriorityUrgent, 4},
		{PriorityHigh, 3},
		{PriorityMedium, 2},
		{PriorityLow, 1},
		{Priority("bogus"), 0},
	}
	for _, tt := range tests {
		if got := tt.p.Rank(); got != tt.want {
			t.Errorf("%s.Rank() = %d, want %d", tt.p, got, tt.want)
		}
	}
}

// TestPhaseRank verifies DESIGN < IMPLEMENT < TEST < DOCS ordering used by
// dependency inference.
func TestPhaseRank(t *testing.T) {
	order := []Phase{PhaseDesign, PhaseImplement, PhaseTest, PhaseDocs}
	for i := 1; i < len(order); i++ {
		if order[i-1].Rank() >= order[i].Rank() {
			t.Errorf("expected %s < %s in phase rank", order[i-1], order[i])
		}
	}
	if Phase("bogus").Rank() != -1 {
		t.Error("unknown phase should rank -1")
	}
}

// TestTagsOverlap verifies the skill-overlap count feeding the scheduler's
// score.
func TestTagsOverlap(t *testing.T) {
	tests := []struct {
		name  string
		a, b  Tags
		want  int
	}{
		{"disjoint", Tags{"go", "sql"}, Tags{"python"}, 0},
		{"partial", Tags{"go", "sql"}, Tags{"sql", "css"}, 1},
		{"full", Tags{"go", "sql"}, Tags{"sql", "go"}, 2},
		{"empty left", nil, Tags{"go"}, 0},
		{"empty right", Tags{"go"}, nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.Overlap(tt.b); got != tt.want {
				t.Errorf("Overlap = %d, want %d", got, tt.want)
			}
		})
	}
}

// TestArtifactCanonicalDir verifies type-derived storage locations.
func TestArtifactCanonicalDir(t *testing.T) {
	tests := []struct {
		typ  ArtifactType
		want string
	}{
		{ArtifactAPI, "docs/api"},
		{ArtifactDesign, "docs/design"},
		{ArtifactArchitecture, "docs/architecture"},
		{ArtifactSpecification, "docs/spec"},
		{ArtifactReference, "docs/reference"},
		{ArtifactOther, "docs/misc"},
	}
	for _, tt := range tests {
		if got := tt.typ.CanonicalDir(); got != tt.want {
			t.Errorf("%s.CanonicalDir() = %s, want %s", tt.typ, got, tt.want)
		}
	}
}

// TestTaskStatusValid verifies only the four canonical statuses validate.
func TestTaskStatusValid(t *testing.T) {
	for _, s := range []TaskStatus{StatusTODO, StatusInProgress, StatusBlocked, StatusDone} {
		if !s.Valid() {
			t.Errorf("%s should be valid", s)
		}
	}
	if TaskStatus("OPEN").Valid() {
		t.Error("non-canonical status should not validate")
	}
}
