package model

import (
	"strconv"
	"strings"
	"time"
)

const (
	TaskTypeJudge       = "judge"
	TaskTypeRemoteJudge = "remotejudge"
)

// ProblemType selects how a problem is judged.
type ProblemType string

const (
	ProblemTypeDefault     ProblemType = "default"
	ProblemTypeInteractive ProblemType = "interactive"
	ProblemTypeObjective   ProblemType = "objective"
	ProblemTypeRemote      ProblemType = "remote_judge"
)

// SubtaskType controls how case scores fold into a subtask score.
type SubtaskType string

const (
	SubtaskMin SubtaskType = "min"
	SubtaskMax SubtaskType = "max"
	SubtaskSum SubtaskType = "sum"
)

// FileInfo is one manifest entry of a problem's test data.
type FileInfo struct {
	Name         string    `json:"name"`
	Size         int64     `json:"size"`
	ETag         string    `json:"etag"`
	LastModified time.Time `json:"lastModified"`
}

// Stamp identifies the file content for cache invalidation.
func (f FileInfo) Stamp() string {
	return f.ETag + f.LastModified.UTC().Format(time.RFC3339Nano)
}

// CaseConfig is a single test case of a subtask.
type CaseConfig struct {
	Input  string `json:"input" yaml:"input"`
	Output string `json:"output" yaml:"output"`
	Time   string `json:"time,omitempty" yaml:"time,omitempty"`
	Memory string `json:"memory,omitempty" yaml:"memory,omitempty"`
	Score  int    `json:"score,omitempty" yaml:"score,omitempty"`
}

// SubtaskConfig groups cases sharing limits and a scoring rule.
type SubtaskConfig struct {
	ID     int          `json:"id" yaml:"id"`
	Type   SubtaskType  `json:"type,omitempty" yaml:"type,omitempty"`
	Score  int          `json:"score,omitempty" yaml:"score,omitempty"`
	Time   string       `json:"time,omitempty" yaml:"time,omitempty"`
	Memory string       `json:"memory,omitempty" yaml:"memory,omitempty"`
	Cases  []CaseConfig `json:"cases" yaml:"cases"`
}

// ProblemConfig is the judge facing part of a problem's config.yaml.
type ProblemConfig struct {
	Type     ProblemType     `json:"type,omitempty" yaml:"type,omitempty"`
	SubType  string          `json:"subType,omitempty" yaml:"subType,omitempty"`
	Target   string          `json:"target,omitempty" yaml:"target,omitempty"`
	Time     string          `json:"time,omitempty" yaml:"time,omitempty"`
	Memory   string          `json:"memory,omitempty" yaml:"memory,omitempty"`
	Detail   *bool           `json:"detail,omitempty" yaml:"detail,omitempty"`
	Subtasks []SubtaskConfig `json:"subtasks,omitempty" yaml:"subtasks,omitempty"`
}

// ShowDetail defaults to true when detail is not configured.
func (c ProblemConfig) ShowDetail() bool {
	return c.Detail == nil || *c.Detail
}

// JudgeMeta carries flags that change how results are reported.
type JudgeMeta struct {
	ProblemOwner int64  `json:"problemOwner"`
	Rejudge      bool   `json:"rejudge,omitempty"`
	HackRejudge  string `json:"hackRejudge,omitempty"`
}

// Task is one queued unit of judge work.
type Task struct {
	ID        string        `json:"id"`
	Type      string        `json:"type"`
	Priority  int           `json:"priority"`
	Seq       int64         `json:"seq"`
	RecordID  string        `json:"rid"`
	DomainID  string        `json:"domainId"`
	PID       int64         `json:"pid"`
	UID       int64         `json:"uid"`
	Lang      string        `json:"lang"`
	Code      string        `json:"code"`
	Input     string        `json:"input,omitempty"`
	Contest   string        `json:"contest,omitempty"`
	Source    string        `json:"source"`
	Config    ProblemConfig `json:"config"`
	Data      []FileInfo    `json:"data"`
	Meta      JudgeMeta     `json:"meta"`
	CreatedAt time.Time     `json:"createdAt"`
	// Attempt counts the claims of this task, the first claim is 1.
	Attempt   int           `json:"attempt,omitempty"`
}

// Retried reports whether an earlier claim of the task may have left judge
// output on the record.
func (t *Task) Retried() bool {
	return t.Attempt > 1
}

// JudgeContext is the immutable view a worker judges against.
type JudgeContext struct {
	RecordID string
	DomainID string
	PID      int64
	UID      int64
	Lang     string
	Code     string
	Input    string
	Contest  string
	Source   string
	Config   ProblemConfig
	Data     []FileInfo
	Meta     JudgeMeta
	TaskID   string
}

// MergeTask combines the stored record with the task that referenced it.
// Fields carried by the task win over the record, matching what the
// submitter saw when the task was created. Neither argument is modified.
func MergeTask(rec *Record, t Task) JudgeContext {
	jc := JudgeContext{
		RecordID: t.RecordID,
		DomainID: t.DomainID,
		PID:      t.PID,
		UID:      t.UID,
		Lang:     t.Lang,
		Code:     t.Code,
		Input:    t.Input,
		Contest:  t.Contest,
		Source:   t.Source,
		Config:   t.Config,
		Data:     append([]FileInfo(nil), t.Data...),
		Meta:     t.Meta,
		TaskID:   t.ID,
	}
	if rec == nil {
		return jc
	}
	if jc.RecordID == "" {
		jc.RecordID = rec.ID
	}
	if jc.DomainID == "" {
		jc.DomainID = rec.DomainID
	}
	if jc.PID == 0 {
		jc.PID = rec.PID
	}
	if jc.UID == 0 {
		jc.UID = rec.UID
	}
	if jc.Lang == "" {
		jc.Lang = rec.Lang
	}
	if jc.Code == "" {
		jc.Code = rec.Code
	}
	if jc.Input == "" {
		jc.Input = rec.Input
	}
	if jc.Contest == "" {
		jc.Contest = rec.Contest
	}
	return jc
}

// WithRecord returns t with the fields it leaves empty taken from rec,
// ready to be sent to a worker that has no access to the record store.
func (t Task) WithRecord(rec *Record) Task {
	jc := MergeTask(rec, t)
	t.RecordID, t.DomainID, t.PID, t.UID = jc.RecordID, jc.DomainID, jc.PID, jc.UID
	t.Lang, t.Code, t.Input, t.Contest = jc.Lang, jc.Code, jc.Input, jc.Contest
	return t
}

// ParseTimeMS parses limits such as "1s", "500ms" or "2". Bare numbers are milliseconds.
func ParseTimeMS(s string, def int64) int64 {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return def
	}
	unit := int64(1)
	switch {
	case strings.HasSuffix(s, "ms"):
		s = strings.TrimSuffix(s, "ms")
	case strings.HasSuffix(s, "s"):
		s = strings.TrimSuffix(s, "s")
		unit = 1000
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v <= 0 {
		return def
	}
	return int64(v * float64(unit))
}

// ParseMemoryKB parses limits such as "256m", "1g" or "65536k". Bare numbers are megabytes.
func ParseMemoryKB(s string, def int64) int64 {
	s = strings.TrimSpace(strings.ToLower(s))
	s = strings.TrimSuffix(s, "b")
	if s == "" {
		return def
	}
	unit := int64(1024)
	switch {
	case strings.HasSuffix(s, "k"):
		s = strings.TrimSuffix(s, "k")
		unit = 1
	case strings.HasSuffix(s, "m"):
		s = strings.TrimSuffix(s, "m")
	case strings.HasSuffix(s, "g"):
		s = strings.TrimSuffix(s, "g")
		unit = 1024 * 1024
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v <= 0 {
		return def
	}
	return int64(v * float64(unit))
}
