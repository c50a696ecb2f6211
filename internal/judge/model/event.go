package model

const (
	EventNext = "next"
	EventEnd  = "end"
)

// JudgeEvent is a progress or completion report sent by a worker.
// Optional fields are pointers so that "absent" and "zero" stay distinct.
type JudgeEvent struct {
	Key          string                `json:"key"`
	RecordID     string                `json:"rid"`
	DomainID     string                `json:"domainId"`
	Judger       string                `json:"judger,omitempty"`
	Status       *Status               `json:"status,omitempty"`
	Score        *int                  `json:"score,omitempty"`
	Time         *int64                `json:"time,omitempty"`
	Memory       *int64                `json:"memory,omitempty"`
	Progress     *float64              `json:"progress,omitempty"`
	AddProgress  float64               `json:"addProgress,omitempty"`
	Case         *TestCase             `json:"case,omitempty"`
	Cases        []TestCase            `json:"cases,omitempty"`
	Message      string                `json:"message,omitempty"`
	CompilerText string                `json:"compilerText,omitempty"`
	Subtasks     map[int]SubtaskResult `json:"subtasks,omitempty"`
}

// Bufferable reports whether the event is a plain case report that may be
// deferred until the end event in performance mode.
func (e JudgeEvent) Bufferable() bool {
	return e.Case != nil && e.CompilerText == "" && e.Message == ""
}

// RecordChange is broadcast after every persisted record update.
type RecordChange struct {
	Record *Record     `json:"record"`
	Event  *JudgeEvent `json:"event,omitempty"`
	Reason string      `json:"reason"`
}
