package domain

import "time"

// Job lifecycle:
//
//	PENDING -> RESERVED -> RUNNING -> COMPLETED | FAILED | RETRYING
//	RETRYING -> PENDING
//	PENDING | RESERVED -> CANCELLED
//
// COMPLETED, FAILED and CANCELLED are terminal.

func (j *Job) invalid(op string) error {
	return &InvalidStateError{JobID: j.ID, From: j.Status, Op: op}
}

func (j *Job) touch(now time.Time) { j.UpdatedAt = now.UTC() }

func (j *Job) finish(status Status, now time.Time) {
	j.Status = status
	j.CompletedAt = TimePtr(now)
	j.touch(now)
}

// MarkReserved claims a pending job for workerID.
func (j *Job) MarkReserved(workerID string, now time.Time) error {
	if j.Status != StatusPending {
		return j.invalid("reserve")
	}
	j.Status = StatusReserved
	j.WorkerID = workerID
	j.touch(now)
	return nil
}

// MarkRunning starts execution of a reserved job.
func (j *Job) MarkRunning(now time.Time) error {
	if j.Status != StatusReserved {
		return j.invalid("run")
	}
	j.Status = StatusRunning
	j.StartedAt = TimePtr(now)
	j.touch(now)
	return nil
}

func (j *Job) MarkCompleted(result any, now time.Time) error {
	if j.Status != StatusRunning {
		return j.invalid("complete")
	}
	j.Result = result
	j.Error = nil
	j.finish(StatusCompleted, now)
	return nil
}

// MarkFailed records a failed run. With retry set and retries remaining the
// job moves to RETRYING and becomes eligible again after RetryDelay;
// otherwise it fails permanently. The resulting status is returned.
func (j *Job) MarkFailed(jobErr *JobError, retry bool, now time.Time) (Status, error) {
	if j.Status != StatusRunning {
		return j.Status, j.invalid("fail")
	}
	j.Error = jobErr
	if retry && j.CanRetry() {
		j.Retries++
		j.Status = StatusRetrying
		j.WorkerID = ""
		j.ScheduledAt = TimePtr(now.Add(j.RetryDelay))
		j.touch(now)
		return j.Status, nil
	}
	j.finish(StatusFailed, now)
	return j.Status, nil
}

// MarkPending returns a retrying job to the queue.
func (j *Job) MarkPending(now time.Time) error {
	if j.Status != StatusRetrying || j.Retries > j.MaxRetries {
		return j.invalid("requeue")
	}
	j.Status = StatusPending
	j.touch(now)
	return nil
}

// MarkCancelled cancels a job that has not started running.
func (j *Job) MarkCancelled(reason string, now time.Time) error {
	if j.Status != StatusPending && j.Status != StatusReserved {
		return j.invalid("cancel")
	}
	if j.Metadata == nil {
		j.Metadata = map[string]any{}
	}
	if reason == "" {
		reason = "cancelled"
	}
	j.Metadata[MetaCancelReason] = reason
	j.WorkerID = ""
	j.finish(StatusCancelled, now)
	return nil
}

// ResetForRetry moves a failed job back to PENDING for a manual retry.
func (j *Job) ResetForRetry(now time.Time) error {
	if j.Status != StatusFailed {
		return j.invalid("retry")
	}
	j.Status = StatusPending
	j.Error = nil
	j.Result = nil
	j.WorkerID = ""
	j.StartedAt = nil
	j.CompletedAt = nil
	j.ScheduledAt = nil
	j.touch(now)
	return nil
}

// MarkStalled force-fails a running job that stopped making progress.
func (j *Job) MarkStalled(timeout time.Duration, now time.Time) error {
	if j.Status != StatusRunning {
		return j.invalid("stall")
	}
	j.Error = NewStallError(timeout, j.StartedAt)
	j.finish(StatusFailed, now)
	return nil
}
