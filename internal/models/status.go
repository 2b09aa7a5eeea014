package models

import (
	"fmt"
	"time"
)

// StageState is the lifecycle of one pipeline stage for one document.
type StageState string

const (
	StateNotStarted StageState = "NotStarted"
	StateQueued     StageState = "Queued"
	StateRunning    StageState = "Running"
	StateSucceeded  StageState = "Succeeded"
	StateFailed     StageState = "Failed"
)

// Valid reports whether s is one of the known states.
func (s StageState) Valid() bool {
	switch s {
	case StateNotStarted, StateQueued, StateRunning, StateSucceeded, StateFailed:
		return true
	}
	return false
}

// Stage names a column of the processing status row.
type Stage string

const (
	StageExtraction    Stage = "extraction"
	StageSummarization Stage = "summarization"
	StageIndexing      Stage = "indexing"
)

// ParseStage maps a column name back to a Stage.
func ParseStage(s string) (Stage, error) {
	switch Stage(s) {
	case StageExtraction, StageSummarization, StageIndexing:
		return Stage(s), nil
	}
	return "", fmt.Errorf("unknown stage %q", s)
}

// ProcessingStatus is the visible state machine of the pipeline for one document.
type ProcessingStatus struct {
	DocumentID    string     `json:"documentId"`
	Extraction    StageState `json:"extraction"`
	Summarization StageState `json:"summarization"`
	Indexing      StageState `json:"indexing"`
	LastError     string     `json:"lastError,omitempty"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// State returns the state of the given stage.
func (p ProcessingStatus) State(stage Stage) StageState {
	switch stage {
	case StageExtraction:
		return p.Extraction
	case StageSummarization:
		return p.Summarization
	case StageIndexing:
		return p.Indexing
	}
	return ""
}
