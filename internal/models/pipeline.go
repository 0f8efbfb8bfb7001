package models

import (
	"time"
)

type Stage string

const (
	StagePending            Stage = "Pending"
	StageBuilding           Stage = "Building"
	StageBuilt              Stage = "Built"
	StageAttesting          Stage = "Attesting"
	StageAttested           Stage = "Attested"
	StageAwaitingSignatures Stage = "AwaitingSignatures"
	StageCodesigning        Stage = "Codesigning"
	StageDone               Stage = "Done"
	StageFailed             Stage = "Failed"
)

var stageRanks = map[Stage]int{
	StagePending:            0,
	StageBuilding:           1,
	StageBuilt:              2,
	StageAttesting:          3,
	StageAttested:           4,
	StageAwaitingSignatures: 5,
	StageCodesigning:        6,
	StageDone:               7,
	StageFailed:             8,
}

func (s Stage) Valid() bool {
	_, ok := stageRanks[s]
	return ok
}

func (s Stage) Terminal() bool {
	return s == StageDone || s == StageFailed
}

func (s Stage) Rank() int {
	rank, ok := stageRanks[s]
	if !ok {
		return -1
	}
	return rank
}

func (s Stage) String() string {
	return string(s)
}

// CanTransition reports whether a run may move from s to next. Stages only
// move forward, apart from the two documented re-entries after transient
// failures and staying in the same stage.
func (s Stage) CanTransition(next Stage) bool {
	if !s.Valid() || !next.Valid() {
		return false
	}
	if s == next {
		return !s.Terminal()
	}
	if s.Terminal() {
		return false
	}
	if next == StageFailed {
		return true
	}
	switch {
	case s == StageBuilding && next == StagePending:
		return true
	case s == StageCodesigning && next == StageAwaitingSignatures:
		return true
	}
	return next.Rank() > s.Rank()
}

// ResumeStage maps a persisted stage to the stage a resumed run starts from.
// A crash inside Building or Attesting redoes that step.
func (s Stage) ResumeStage() Stage {
	switch s {
	case StageBuilding:
		return StagePending
	case StageAttesting:
		return StageBuilt
	case StageCodesigning:
		return StageAwaitingSignatures
	}
	return s
}

type PipelineRun struct {
	Tag       Tag
	Stage     Stage
	Attempts  int
	OutputDir string
	Error     string
}

type TagRegistryEntry struct {
	Tag          string
	Stage        Stage
	Completed    bool
	Scheduled    bool
	Attempts     int
	OutputDir    string
	Error        string
	DiscoveredAt time.Time
	UpdatedAt    time.Time
	StageSince   time.Time
}

func (e *TagRegistryEntry) Run() PipelineRun {
	return PipelineRun{
		Tag:       Tag{Name: e.Tag, DiscoveredAt: e.DiscoveredAt},
		Stage:     e.Stage,
		Attempts:  e.Attempts,
		OutputDir: e.OutputDir,
		Error:     e.Error,
	}
}

type Lock struct {
	Name       string
	Owner      string
	PID        int
	Host       string
	AcquiredAt time.Time
	Heartbeat  time.Time
}
