// Package sandbox talks to a go-judge style executor over its REST API.
package sandbox

import (
	"context"
	"time"
)

// Executor runs commands in an isolated environment.
type Executor interface {
	Run(ctx context.Context, cmds ...Cmd) ([]Result, error)
	DeleteFile(ctx context.Context, fileID string) error
}

// CmdFile is one file descriptor or copy-in source. Exactly one of the
// source fields is set.
type CmdFile struct {
	Src     *string `json:"src,omitempty"`
	Content *string `json:"content,omitempty"`
	FileID  *string `json:"fileId,omitempty"`
	Name    *string `json:"name,omitempty"`
	Max     *int64  `json:"max,omitempty"`
}

// Cmd is one program invocation with its limits.
type Cmd struct {
	Args  []string   `json:"args"`
	Env   []string   `json:"env,omitempty"`
	Files []*CmdFile `json:"files,omitempty"`

	CPULimit    uint64 `json:"cpuLimit"`
	ClockLimit  uint64 `json:"clockLimit"`
	MemoryLimit uint64 `json:"memoryLimit"`
	StackLimit  uint64 `json:"stackLimit,omitempty"`
	ProcLimit   uint64 `json:"procLimit"`

	CopyIn        map[string]CmdFile `json:"copyIn,omitempty"`
	CopyOut       []string           `json:"copyOut,omitempty"`
	CopyOutCached []string           `json:"copyOutCached,omitempty"`
	CopyOutMax    uint64             `json:"copyOutMax,omitempty"`
}

type runRequest struct {
	Cmd []Cmd `json:"cmd"`
}

// Status is the executor's verdict string.
type Status string

const (
	StatusAccepted            Status = "Accepted"
	StatusMemoryLimitExceeded Status = "Memory Limit Exceeded"
	StatusTimeLimitExceeded   Status = "Time Limit Exceeded"
	StatusOutputLimitExceeded Status = "Output Limit Exceeded"
	StatusFileError           Status = "File Error"
	StatusNonZeroExitStatus   Status = "Nonzero Exit Status"
	StatusSignalled           Status = "Signalled"
	StatusInternalError       Status = "Internal Error"
)

// Result is the outcome of one Cmd. Time is in nanoseconds, Memory in bytes.
type Result struct {
	Status     Status            `json:"status"`
	ExitStatus int               `json:"exitStatus"`
	Error      string            `json:"error,omitempty"`
	Time       uint64            `json:"time"`
	Memory     uint64            `json:"memory"`
	RunTime    uint64            `json:"runTime"`
	Files      map[string]string `json:"files,omitempty"`
	FileIDs    map[string]string `json:"fileIds,omitempty"`
}

// TimeMS returns the cpu time in milliseconds.
func (r Result) TimeMS() int64 {
	return int64(time.Duration(r.Time) / time.Millisecond)
}

// MemoryKB returns the peak memory in kilobytes.
func (r Result) MemoryKB() int64 {
	return int64(r.Memory / 1024)
}

// Limits converts judge limits into executor units.
type Limits struct {
	TimeMS   int64
	MemoryKB int64
}

// Apply sets cpu, wall clock and memory limits on c. The wall clock gets
// three times the cpu budget to tolerate IO waits.
func (l Limits) Apply(c *Cmd) {
	c.CPULimit = uint64(l.TimeMS) * uint64(time.Millisecond)
	c.ClockLimit = 3 * c.CPULimit
	c.MemoryLimit = uint64(l.MemoryKB) * 1024
	c.StackLimit = c.MemoryLimit
}

// Helpers for CmdFile literals.
func FromContent(s string) *CmdFile { return &CmdFile{Content: &s} }
func FromPath(p string) *CmdFile    { return &CmdFile{Src: &p} }
func FromFileID(id string) *CmdFile { return &CmdFile{FileID: &id} }
func Collector(name string, max int64) *CmdFile {
	return &CmdFile{Name: &name, Max: &max}
}
