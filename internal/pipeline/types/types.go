package types

import (
	"fmt"
	"time"
)

type Phase string

const (
	PhaseFetching    Phase = "FETCHING"
	PhaseBuilding    Phase = "BUILDING"
	PhaseRegistering Phase = "REGISTERING"
	PhaseFinished    Phase = "FINISHED"
)

var phaseOrder = map[Phase]int{
	PhaseFetching:    0,
	PhaseBuilding:    1,
	PhaseRegistering: 2,
	PhaseFinished:    3,
}

// Rank returns the position of p in the phase order, or -1 for unknown values.
func (p Phase) Rank() int {
	if r, ok := phaseOrder[p]; ok {
		return r
	}
	return -1
}

type BuildStatus string

const (
	BuildStatusSubmitted BuildStatus = "SUBMITTED"
	BuildStatusRunning   BuildStatus = "RUNNING"
	BuildStatusCompleted BuildStatus = "COMPLETED"
	BuildStatusFailed    BuildStatus = "FAILED"
)

func (s BuildStatus) Terminal() bool {
	return s == BuildStatusCompleted || s == BuildStatusFailed
}

// BuildRecord is the persisted state of one build attempt.
type BuildRecord struct {
	Name         string      `json:"name" gorm:"primaryKey"`
	DisplayName  string      `json:"displayName"`
	Repository   string      `json:"repository"`
	AttemptID    string      `json:"attemptId"`
	Phase        Phase       `json:"phase"`
	Status       BuildStatus `json:"status"`
	StartTime    time.Time   `json:"startTime"`
	FinishTime   *time.Time  `json:"finishTime,omitempty"`
	WorkspaceDir string      `json:"workspaceDir,omitempty"`
	ImageRef     string      `json:"imageRef,omitempty"`
	Error        string      `json:"error,omitempty"`
}

func (BuildRecord) TableName() string {
	return "builds"
}

// NewBuildRecord returns a freshly submitted record.
func NewBuildRecord(name, displayName, repository, attemptID string, now time.Time) *BuildRecord {
	return &BuildRecord{
		Name:        name,
		DisplayName: displayName,
		Repository:  repository,
		AttemptID:   attemptID,
		Phase:       PhaseFetching,
		Status:      BuildStatusSubmitted,
		StartTime:   now,
	}
}

func (r *BuildRecord) Active() bool {
	return !r.Status.Terminal()
}

// Clone returns a copy that shares no pointers with r.
func (r *BuildRecord) Clone() *BuildRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.FinishTime != nil {
		t := *r.FinishTime
		c.FinishTime = &t
	}
	return &c
}

// Start moves a submitted record to RUNNING.
func (r *BuildRecord) Start(workspaceDir string) error {
	if r.Status.Terminal() {
		return fmt.Errorf("build %s is %s", r.Name, r.Status)
	}
	r.Status = BuildStatusRunning
	r.WorkspaceDir = workspaceDir
	return nil
}

// Advance moves the record to phase. Phases may only move forward.
func (r *BuildRecord) Advance(phase Phase) error {
	if r.Status.Terminal() {
		return fmt.Errorf("build %s is %s", r.Name, r.Status)
	}
	if phase.Rank() < 0 {
		return fmt.Errorf("unknown phase %q", phase)
	}
	if phase.Rank() < r.Phase.Rank() {
		return fmt.Errorf("build %s cannot move from %s back to %s", r.Name, r.Phase, phase)
	}
	r.Phase = phase
	return nil
}

// Complete marks the record FINISHED/COMPLETED.
func (r *BuildRecord) Complete(imageRef string, now time.Time) error {
	if err := r.Advance(PhaseFinished); err != nil {
		return err
	}
	r.Status = BuildStatusCompleted
	r.ImageRef = imageRef
	r.Error = ""
	r.FinishTime = &now
	return nil
}

// Fail marks the record FAILED and keeps its current phase.
func (r *BuildRecord) Fail(reason string, now time.Time) error {
	if r.Status.Terminal() {
		return fmt.Errorf("build %s is %s", r.Name, r.Status)
	}
	r.Status = BuildStatusFailed
	r.Error = reason
	r.FinishTime = &now
	return nil
}

type Limits struct {
	Memory string `json:"memory,omitempty" yaml:"memory"`
	CPU    string `json:"cpu,omitempty" yaml:"cpu"`
}

type Service struct {
	Name    string                 `json:"name" yaml:"name"`
	Version string                 `json:"version,omitempty" yaml:"version"`
	Params  map[string]interface{} `json:"params,omitempty" yaml:"params"`
}

const DefaultTemplatePort = 8888

// Template describes the runnable image produced by a completed build.
type Template struct {
	Name         string    `json:"name" gorm:"primaryKey"`
	ImageName    string    `json:"imageName"`
	ImageSource  string    `json:"imageSource"`
	Limits       *Limits   `json:"limits,omitempty" gorm:"serializer:json"`
	Services     []Service `json:"services" gorm:"serializer:json"`
	Command      []string  `json:"command,omitempty" gorm:"serializer:json"`
	Port         int       `json:"port"`
	Language     string    `json:"language,omitempty"`
	TimeCreated  time.Time `json:"timeCreated"`
	TimeModified time.Time `json:"timeModified"`
}

func (Template) TableName() string {
	return "templates"
}

func (t *Template) Clone() *Template {
	if t == nil {
		return nil
	}
	c := *t
	if t.Limits != nil {
		l := *t.Limits
		c.Limits = &l
	}
	if t.Services != nil {
		c.Services = make([]Service, len(t.Services))
		copy(c.Services, t.Services)
	}
	if t.Command != nil {
		c.Command = append([]string(nil), t.Command...)
	}
	return &c
}

// Stamp sets the registry timestamps for an upsert of t over prev. A
// template without services is stored with an empty list, never null.
func (t *Template) Stamp(prev *Template, now time.Time) {
	if t.Services == nil {
		t.Services = []Service{}
	}
	if prev != nil && !prev.TimeCreated.IsZero() {
		t.TimeCreated = prev.TimeCreated
	} else {
		t.TimeCreated = now
	}
	t.TimeModified = now
}
