package jobs

import (
	"fmt"
	"strconv"
	"strings"
)

// Handle identifies a submitted job and the task carrying it.
type Handle struct {
	JobID  int64  `json:"job_id"`
	TaskID string `json:"task_id"`
}

func (h Handle) String() string {
	return fmt.Sprintf("%d:%s", h.JobID, h.TaskID)
}

// ParseHandle parses the output of Handle.String. A bare job id is accepted too.
func ParseHandle(s string) (Handle, error) {
	jobID, taskID, _ := strings.Cut(s, ":")
	id, err := strconv.ParseInt(jobID, 10, 64)
	if err != nil {
		return Handle{}, fmt.Errorf("invalid job handle %q: %w", s, err)
	}
	return Handle{JobID: id, TaskID: taskID}, nil
}
