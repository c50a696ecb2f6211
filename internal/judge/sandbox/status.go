package sandbox

import "judgeflow/internal/judge/model"

// JudgeStatus maps an executor verdict to a record status. Accepted means
// the program exited cleanly; the caller still has to check its output.
func JudgeStatus(r Result) model.Status {
	switch r.Status {
	case StatusAccepted:
		return model.StatusAccepted
	case StatusTimeLimitExceeded:
		return model.StatusTimeLimitExceeded
	case StatusMemoryLimitExceeded:
		return model.StatusMemoryLimitExceeded
	case StatusOutputLimitExceeded:
		return model.StatusOutputLimitExceeded
	case StatusNonZeroExitStatus, StatusSignalled:
		return model.StatusRuntimeError
	default:
		return model.StatusSystemError
	}
}
