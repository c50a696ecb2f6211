package model

import "time"

// Keys of worker control messages. Event messages use EventNext and EventEnd.
const (
	KeyPing   = "ping"
	KeyPrio   = "prio"
	KeyStatus = "status"
)

// WorkerMessage is anything a socket worker sends to the server.
type WorkerMessage struct {
	JudgeEvent
	Prio *int          `json:"prio,omitempty"`
	Info *WorkerStatus `json:"info,omitempty"`
}

// ServerMessage is anything the server sends to a socket worker.
type ServerMessage struct {
	Language LanguageMap `json:"language,omitempty"`
	Task     *Task       `json:"task,omitempty"`
}

// WorkerStatus is the telemetry a worker reports about its host.
type WorkerStatus struct {
	Mid         string    `json:"mid"`
	Hostname    string    `json:"hostname"`
	OS          string    `json:"os"`
	Arch        string    `json:"arch"`
	GoVersion   string    `json:"goVersion"`
	CPUs        int       `json:"cpus"`
	Goroutines  int       `json:"goroutines"`
	MemoryBytes uint64    `json:"memoryBytes"`
	Concurrency int       `json:"concurrency"`
	Running     int       `json:"running"`
	Languages   int       `json:"languages"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// SessionCookie holds the token a worker authenticates with.
const SessionCookie = "sid"

type LoginRequest struct {
	Uname      string `json:"uname"`
	Password   string `json:"password"`
	RememberMe string `json:"rememberme,omitempty"`
}

// FileLinksRequest asks for download links of test data files.
type FileLinksRequest struct {
	PID   int64    `json:"pid"`
	Files []string `json:"files"`
}

type FileLinksResponse struct {
	Links map[string]string `json:"links"`
}

// CodeRequest asks for the download link of a submission file.
type CodeRequest struct {
	ID string `json:"id"`
}

type CodeResponse struct {
	URL string `json:"url"`
}
