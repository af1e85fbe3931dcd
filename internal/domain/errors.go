package domain

import (
	"fmt"
	"strings"
	"time"
)

// AuthenticationError means the export service rejected the credentials.
type AuthenticationError struct {
	StatusCode int
	Err        error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("export service authentication failed (status %d): %v", e.StatusCode, e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// APIError is any other non-transient failure talking to the export service.
type APIError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *APIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("export api %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("export api %s: %v", e.Op, e.Err)
}

func (e *APIError) Unwrap() error { return e.Err }

// Transient reports whether the call may succeed if repeated.
func (e *APIError) Transient() bool {
	return e.StatusCode == 0 || e.StatusCode == 429 || e.StatusCode >= 500
}

// ExportCreationError means the export job could not be created.
type ExportCreationError struct {
	Err error
}

func (e *ExportCreationError) Error() string {
	return fmt.Sprintf("create export job: %v", e.Err)
}

func (e *ExportCreationError) Unwrap() error { return e.Err }

// PollFailedError is an authoritative failure status reported for the job.
type PollFailedError struct {
	JobID  string
	Status string
	Detail string
}

func (e *PollFailedError) Error() string {
	return fmt.Sprintf("export job %s reported %s: %s", e.JobID, e.Status, e.Detail)
}

// PollTimeoutError means the job never reached a terminal status in time.
type PollTimeoutError struct {
	JobID   string
	Polls   int
	Elapsed time.Duration
	Timeout time.Duration
}

func (e *PollTimeoutError) Error() string {
	return fmt.Sprintf("export job %s not ready after %d polls (%s elapsed, timeout %s)",
		e.JobID, e.Polls, e.Elapsed.Round(time.Millisecond), e.Timeout)
}

// PayloadFormatError means the export result has an unrecognized shape.
type PayloadFormatError struct {
	Index  int
	Reason string
}

func (e *PayloadFormatError) Error() string {
	if e.Index < 0 {
		return "malformed export payload: " + e.Reason
	}
	return fmt.Sprintf("malformed export payload item %d: %s", e.Index, e.Reason)
}

// ConfigurationError is raised before any work starts.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration %s: %s", e.Field, e.Reason)
}

// DownloadError is a failure reading an OBJECT_URL source.
type DownloadError struct {
	Source string
	Err    error
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("download %s: %v", e.Source, e.Err)
}

func (e *DownloadError) Unwrap() error { return e.Err }

// UploadError is a failure writing into the target locator.
type UploadError struct {
	Target string
	Err    error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload %s: %v", e.Target, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// CopyError is a failed server-side prefix copy.
type CopyError struct {
	Source string
	Target string
	Err    error
}

func (e *CopyError) Error() string {
	return fmt.Sprintf("copy %s -> %s: %v", e.Source, e.Target, e.Err)
}

func (e *CopyError) Unwrap() error { return e.Err }

// CleanupError means the target root could not be emptied.
type CleanupError struct {
	TargetRoot string
	Attempts   int
	Remaining  int
	Err        error
}

func (e *CleanupError) Error() string {
	return fmt.Sprintf("cleanup of %s failed after %d attempt(s), %d object(s) remaining: %v",
		e.TargetRoot, e.Attempts, e.Remaining, e.Err)
}

func (e *CleanupError) Unwrap() error { return e.Err }

// TransferError reports a failed batch. Cause is the first failure observed;
// Cleanup is set when the compensating cleanup failed as well. Record is the
// zero value when the batch was interrupted by its caller.
type TransferError struct {
	TargetRoot string
	Record     RecordOutcome
	Cause      error
	Failed     []RecordOutcome
	Cleanup    error
	Result     *BatchResult
}

func (e *TransferError) Error() string {
	var b strings.Builder
	if e.Record.Seq == 0 {
		fmt.Fprintf(&b, "transfer into %s interrupted: %v", e.TargetRoot, e.Cause)
	} else {
		fmt.Fprintf(&b, "transfer into %s failed at record %d (%s): %v",
			e.TargetRoot, e.Record.Seq, e.Record.Source, e.Cause)
	}
	if len(e.Failed) > 1 {
		seqs := make([]string, 0, len(e.Failed))
		for _, f := range e.Failed {
			seqs = append(seqs, fmt.Sprint(f.Seq))
		}
		fmt.Fprintf(&b, "; failed records: %s", strings.Join(seqs, ","))
	}
	if e.Cleanup != nil {
		fmt.Fprintf(&b, "; cleanup failed: %v", e.Cleanup)
	} else {
		b.WriteString("; target root cleaned")
	}
	return b.String()
}

func (e *TransferError) Unwrap() []error {
	if e.Cleanup != nil {
		return []error{e.Cause, e.Cleanup}
	}
	return []error{e.Cause}
}

// CleanedUp reports whether the compensating cleanup succeeded.
func (e *TransferError) CleanedUp() bool {
	return e.Cleanup == nil
}
