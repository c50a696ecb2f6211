package model

// Status is the numeric judge status stored on records and sent on the wire.
type Status int

const (
	StatusWaiting             Status = 0
	StatusAccepted            Status = 1
	StatusWrongAnswer         Status = 2
	StatusTimeLimitExceeded   Status = 3
	StatusMemoryLimitExceeded Status = 4
	StatusOutputLimitExceeded Status = 5
	StatusRuntimeError        Status = 6
	StatusCompileError        Status = 7
	StatusSystemError         Status = 8
	StatusCanceled            Status = 9
	StatusEtc                 Status = 10
	StatusHacked              Status = 11
	StatusJudging             Status = 20
	StatusCompiling           Status = 21
	StatusFetched             Status = 22
	StatusIgnored             Status = 30
	StatusFormatError         Status = 31
)

var statusNames = map[Status]string{
	StatusWaiting:             "Waiting",
	StatusAccepted:            "Accepted",
	StatusWrongAnswer:         "Wrong Answer",
	StatusTimeLimitExceeded:   "Time Exceeded",
	StatusMemoryLimitExceeded: "Memory Exceeded",
	StatusOutputLimitExceeded: "Output Exceeded",
	StatusRuntimeError:        "Runtime Error",
	StatusCompileError:        "Compile Error",
	StatusSystemError:         "System Error",
	StatusCanceled:            "Cancelled",
	StatusEtc:                 "Unknown Error",
	StatusHacked:              "Hacked",
	StatusJudging:             "Running",
	StatusCompiling:           "Compiling",
	StatusFetched:             "Fetched",
	StatusIgnored:             "Ignored",
	StatusFormatError:         "Format Error",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "Unknown"
}

// IsPending reports whether a record in this status may still change.
func (s Status) IsPending() bool {
	switch s {
	case StatusWaiting, StatusFetched, StatusCompiling, StatusJudging:
		return true
	}
	return false
}

// IsTerminal is the complement of IsPending.
func (s Status) IsTerminal() bool {
	return !s.IsPending()
}

// PendingStatuses lists every non-terminal status.
var PendingStatuses = []Status{StatusWaiting, StatusFetched, StatusCompiling, StatusJudging}
