package model

import "time"

// TestCase is the per-case outcome stored on a record.
type TestCase struct {
	ID        int    `json:"id"`
	SubtaskID int    `json:"subtaskId"`
	Score     int    `json:"score"`
	Time      int64  `json:"time"`   // milliseconds
	Memory    int64  `json:"memory"` // kilobytes
	Status    Status `json:"status"`
	Message   string `json:"message"`
}

// SubtaskResult aggregates the cases of one subtask.
type SubtaskResult struct {
	Type   SubtaskType `json:"type"`
	Score  int         `json:"score"`
	Status Status      `json:"status"`
}

// Record is one submission and its judge result.
type Record struct {
	ID            string                `json:"rid"`
	DomainID      string                `json:"domainId"`
	PID           int64                 `json:"pid"`
	UID           int64                 `json:"uid"`
	Lang          string                `json:"lang"`
	Code          string                `json:"code"`
	Status        Status                `json:"status"`
	Score         int                   `json:"score"`
	Time          int64                 `json:"time"`
	Memory        int64                 `json:"memory"`
	Progress      float64               `json:"progress"`
	TestCases     []TestCase            `json:"testCases"`
	JudgeTexts    []string              `json:"judgeTexts"`
	CompilerTexts []string              `json:"compilerTexts"`
	Subtasks      map[int]SubtaskResult `json:"subtasks,omitempty"`
	Contest       string                `json:"contest,omitempty"`
	Input         string                `json:"input,omitempty"`
	Judger        string                `json:"judger,omitempty"`
	JudgeAt       time.Time             `json:"judgeAt"`
	CreatedAt     time.Time             `json:"createdAt"`
	Rejudged      bool                  `json:"rejudged"`
	Version       int64                 `json:"version"`
}

// Clone returns a deep copy so stores never hand out shared slices.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	cp := *r
	cp.TestCases = append([]TestCase(nil), r.TestCases...)
	cp.JudgeTexts = append([]string(nil), r.JudgeTexts...)
	cp.CompilerTexts = append([]string(nil), r.CompilerTexts...)
	if r.Subtasks != nil {
		cp.Subtasks = make(map[int]SubtaskResult, len(r.Subtasks))
		for k, v := range r.Subtasks {
			cp.Subtasks[k] = v
		}
	}
	return &cp
}

// RecordUpdate is a partial update applied atomically by a record store.
// Push appends, Inc adds, Unset clears the judge output.
type RecordUpdate struct {
	Set   RecordSet
	Push  RecordPush
	Inc   RecordInc
	Unset bool
}

// RecordSet holds optional field assignments; nil means untouched.
type RecordSet struct {
	Status   *Status
	Score    *int
	Time     *int64
	Memory   *int64
	Progress *float64
	Judger   *string
	JudgeAt  *time.Time
	Rejudged *bool
	Subtasks map[int]SubtaskResult
}

// RecordPush appends to the list fields.
type RecordPush struct {
	TestCases     []TestCase
	JudgeTexts    []string
	CompilerTexts []string
}

// RecordInc holds increments.
type RecordInc struct {
	Progress float64
}

// Empty reports whether applying u would change nothing.
func (u RecordUpdate) Empty() bool {
	s := u.Set
	return !u.Unset && s.Status == nil && s.Score == nil && s.Time == nil && s.Memory == nil &&
		s.Progress == nil && s.Judger == nil && s.JudgeAt == nil && s.Rejudged == nil && s.Subtasks == nil &&
		len(u.Push.TestCases) == 0 && len(u.Push.JudgeTexts) == 0 && len(u.Push.CompilerTexts) == 0 &&
		u.Inc.Progress == 0
}

// Apply mutates r in place. Unset runs first, then Set, Push and Inc.
func (u RecordUpdate) Apply(r *Record) {
	if u.Unset {
		r.TestCases = nil
		r.JudgeTexts = nil
		r.CompilerTexts = nil
		r.Subtasks = nil
		r.Score = 0
		r.Time = 0
		r.Memory = 0
		r.Progress = 0
	}
	s := u.Set
	if s.Status != nil {
		r.Status = *s.Status
	}
	if s.Score != nil {
		r.Score = *s.Score
	}
	if s.Time != nil {
		r.Time = *s.Time
	}
	if s.Memory != nil {
		r.Memory = *s.Memory
	}
	if s.Progress != nil {
		r.Progress = *s.Progress
	}
	if s.Judger != nil {
		r.Judger = *s.Judger
	}
	if s.JudgeAt != nil {
		r.JudgeAt = *s.JudgeAt
	}
	if s.Rejudged != nil {
		r.Rejudged = *s.Rejudged
	}
	if s.Subtasks != nil {
		r.Subtasks = s.Subtasks
	}
	r.TestCases = append(r.TestCases, u.Push.TestCases...)
	r.JudgeTexts = append(r.JudgeTexts, u.Push.JudgeTexts...)
	r.CompilerTexts = append(r.CompilerTexts, u.Push.CompilerTexts...)
	r.Progress += u.Inc.Progress
	r.Version++
}

// UpdateCondition guards an update. The zero value always matches.
type UpdateCondition struct {
	// NotTerminal rejects the update when the record is already finished.
	NotTerminal bool
	// Version, when non-zero, must equal the stored version.
	Version int64
}

// Matches evaluates the condition against the stored record.
func (c UpdateCondition) Matches(r *Record) bool {
	if c.NotTerminal && r.Status.IsTerminal() {
		return false
	}
	if c.Version != 0 && c.Version != r.Version {
		return false
	}
	return true
}

// RecordQuery selects records for the priority estimator and listings.
type RecordQuery struct {
	UID             int64
	CreatedAfter    time.Time
	ExcludeRejudged bool
	Limit           int
}

// Ptr returns a pointer to v. Handy for RecordSet literals.
func Ptr[T any](v T) *T {
	return &v
}
