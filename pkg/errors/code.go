package errors

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 12000-12999: Problem data errors
// 13000-13999: Record & Judge errors
// 14000-14999: Worker protocol errors
// 15000-15999: Remote judge errors

const (
	// ========== System & Common Errors (10000-10999) ==========

	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002
	NotFound            ErrorCode = 10003
	Unauthorized        ErrorCode = 10004
	Forbidden           ErrorCode = 10005
	ServiceUnavailable  ErrorCode = 10007
	Timeout             ErrorCode = 10008

	// Database errors (10100-10199)
	DatabaseError       ErrorCode = 10100
	RecordNotFound      ErrorCode = 10101
	RecordAlreadyExists ErrorCode = 10102
	VersionConflict     ErrorCode = 10104

	// Cache errors (10200-10299)
	CacheError ErrorCode = 10200
	CacheMiss  ErrorCode = 10201
	LockFailed ErrorCode = 10203

	// Validation errors (10300-10399)
	ValidationFailed ErrorCode = 10300
	InvalidFormat    ErrorCode = 10301

	// Message queue errors (10400-10499)
	QueueError    ErrorCode = 10400
	PublishFailed ErrorCode = 10401
	TaskNotFound  ErrorCode = 10402
	TaskNotLeased ErrorCode = 10403

	// Object storage errors (10500-10599)
	StorageError   ErrorCode = 10500
	ObjectNotFound ErrorCode = 10501
	PresignFailed  ErrorCode = 10502

	// ========== Problem Data Errors (12000-12999) ==========

	ProblemNotFound     ErrorCode = 12001
	ProblemDataInvalid  ErrorCode = 12100
	ProblemDataNotFound ErrorCode = 12101
	DataDownloadFailed  ErrorCode = 12102
	InvalidFileName     ErrorCode = 12103

	// ========== Record & Judge Errors (13000-13999) ==========

	// Submission (13000-13099)
	SubmissionCreateFailed ErrorCode = 13001
	LanguageNotSupported   ErrorCode = 13003

	// Judge (13100-13199)
	JudgeSystemError ErrorCode = 13101
	CompilationError ErrorCode = 13102
	RecordFinished   ErrorCode = 13107
	RecordCanceled   ErrorCode = 13108

	// Sandbox (13200-13299)
	SandboxUnavailable ErrorCode = 13200
	SandboxRunFailed   ErrorCode = 13201

	// ========== Worker Protocol Errors (14000-14999) ==========

	TokenInvalid       ErrorCode = 14000
	TokenExpired       ErrorCode = 14001
	InvalidCredentials ErrorCode = 14002
	ConnectionClosed   ErrorCode = 14100
	ProtocolViolation  ErrorCode = 14101

	// ========== Remote Judge Errors (15000-15999) ==========

	RemoteLoginFailed  ErrorCode = 15000
	RemoteSubmitFailed ErrorCode = 15001
	RemotePollTimeout  ErrorCode = 15002
)

// errorMessages maps error codes to their default English messages
var errorMessages = map[ErrorCode]string{
	Success:             "Success",
	InternalServerError: "Internal server error",
	InvalidParams:       "Invalid parameters",
	NotFound:            "Resource not found",
	Unauthorized:        "Unauthorized access",
	Forbidden:           "Access forbidden",
	ServiceUnavailable:  "Service temporarily unavailable",
	Timeout:             "Operation timeout",

	DatabaseError:       "Database operation failed",
	RecordNotFound:      "Record not found",
	RecordAlreadyExists: "Record already exists",
	VersionConflict:     "Record was modified concurrently",

	CacheError: "Cache operation failed",
	CacheMiss:  "Cache miss",
	LockFailed: "Failed to acquire lock",

	ValidationFailed: "Validation failed",
	InvalidFormat:    "Invalid format",

	QueueError:     "Task queue operation failed",
	PublishFailed:  "Failed to publish message",
	TaskNotFound:   "Task not found",
	TaskNotLeased:  "Task is not leased",
	StorageError:   "Object storage operation failed",
	ObjectNotFound: "Object not found",
	PresignFailed:  "Failed to presign object",

	ProblemNotFound:     "Problem not found",
	ProblemDataInvalid:  "Problem data is invalid",
	ProblemDataNotFound: "Problem data not found",
	DataDownloadFailed:  "Failed to download problem data",
	InvalidFileName:     "Invalid file name",

	SubmissionCreateFailed: "Failed to create submission",
	LanguageNotSupported:   "Programming language not supported",

	JudgeSystemError: "Judge system error",
	CompilationError: "Compilation error",
	RecordFinished:   "Record already finished",
	RecordCanceled:   "Record was canceled",

	SandboxUnavailable: "Sandbox is unavailable",
	SandboxRunFailed:   "Sandbox execution failed",

	TokenInvalid:       "Invalid token",
	TokenExpired:       "Token has expired",
	InvalidCredentials: "Invalid username or password",
	ConnectionClosed:   "Connection closed",
	ProtocolViolation:  "Unexpected message",

	RemoteLoginFailed:  "Remote judge login failed",
	RemoteSubmitFailed: "Remote judge submission failed",
	RemotePollTimeout:  "Remote judge did not finish in time",
}

// Message returns the default message for the error code
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}

// HTTPStatus returns the recommended HTTP status code for the error code
func (c ErrorCode) HTTPStatus() int {
	switch {
	case c == Success:
		return 200
	case c == Unauthorized, c == TokenExpired, c == TokenInvalid, c == InvalidCredentials:
		return 401
	case c == Forbidden:
		return 403
	case c == NotFound, c == RecordNotFound, c == TaskNotFound, c == ObjectNotFound, c == ProblemDataNotFound, c == ProblemNotFound:
		return 404
	case c == VersionConflict, c == RecordFinished:
		return 409
	case c == ServiceUnavailable, c == SandboxUnavailable:
		return 503
	case c >= 10300 && c < 10400:
		return 400
	case c == InvalidParams, c == InvalidFileName:
		return 400
	default:
		return 500
	}
}

// IsFormat reports whether the code describes malformed user supplied data.
func (c ErrorCode) IsFormat() bool {
	return c == ProblemDataInvalid || c == ProblemDataNotFound || c == InvalidFileName
}
