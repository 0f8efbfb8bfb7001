package models

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestCompareVersions(t *testing.T) {
	cases := []struct {
		a, b     string
		expected int
	}{
		{"v0.21.0", "v0.28.0rc1", -1},
		{"v0.28.0rc1", "v0.28.0", -1},
		{"v0.28.0rc2", "v0.28.0rc1", 1},
		{"v0.28.0", "v0.28.0", 0},
		{"v1.0.0", "v0.28.0", 1},
		{"v0.28.1", "v0.28.0rc1", 1},
		{"v27.0", "v27.0.1", -1},
		{"v27.1", "v26.2", 1},
		{"27.1", "v27.1", 0},
	}

	for _, c := range cases {
		if got := CompareVersions(c.a, c.b); got != c.expected {
			t.Fatalf("CompareVersions(%s, %s) = %d, expected %d", c.a, c.b, got, c.expected)
		}
	}
}

func TestSortAndFilterTags(t *testing.T) {
	filter, err := NewTagFilter("")
	if err != nil {
		t.Fatal(err)
	}

	tags := filter.Filter([]Tag{
		{Name: "v27.1"},
		{Name: "noversion"},
		{Name: "v26.2"},
		{Name: "v27.1rc1"},
		{Name: "v25.2"},
		{Name: "v27.0-beta"},
	})
	SortTags(tags)

	names := make([]string, 0, len(tags))
	for _, tag := range tags {
		names = append(names, tag.Name)
	}

	expected := []string{"v25.2", "v26.2", "v27.1rc1", "v27.1"}
	if diff := cmp.Diff(expected, names); diff != "" {
		t.Fatalf("Unexpected tag order (-want +got):\n%s", diff)
	}
}

func TestStageTransitions(t *testing.T) {
	allowed := [][2]Stage{
		{StagePending, StageBuilding},
		{StageBuilding, StageBuilt},
		{StageBuilding, StagePending},
		{StageBuilt, StageAttesting},
		{StageAttesting, StageAttested},
		{StageAttested, StageAwaitingSignatures},
		{StageAwaitingSignatures, StageCodesigning},
		{StageAwaitingSignatures, StageFailed},
		{StageCodesigning, StageDone},
		{StageCodesigning, StageAwaitingSignatures},
		{StageAwaitingSignatures, StageAwaitingSignatures},
	}
	for _, pair := range allowed {
		if !pair[0].CanTransition(pair[1]) {
			t.Fatalf("Expected %s -> %s to be allowed", pair[0], pair[1])
		}
	}

	forbidden := [][2]Stage{
		{StageBuilt, StagePending},
		{StageAttested, StageBuilding},
		{StageAwaitingSignatures, StageBuilt},
		{StageDone, StagePending},
		{StageFailed, StageBuilding},
		{StageDone, StageDone},
		{Stage("Bogus"), StageBuilding},
	}
	for _, pair := range forbidden {
		if pair[0].CanTransition(pair[1]) {
			t.Fatalf("Expected %s -> %s to be rejected", pair[0], pair[1])
		}
	}
}

func TestResumeStage(t *testing.T) {
	expected := map[Stage]Stage{
		StagePending:            StagePending,
		StageBuilding:           StagePending,
		StageBuilt:              StageBuilt,
		StageAttesting:          StageBuilt,
		StageAttested:           StageAttested,
		StageAwaitingSignatures: StageAwaitingSignatures,
		StageCodesigning:        StageAwaitingSignatures,
	}
	for stage, resume := range expected {
		if got := stage.ResumeStage(); got != resume {
			t.Fatalf("%s resumes at %s, expected %s", stage, got, resume)
		}
	}
}
