package jobs

import (
	"errors"
	"fmt"
)

var (
	// ErrNoResult is returned by Download when the slot holds no completed job.
	ErrNoResult = errors.New("no completed result to download")

	// ErrAlreadyDownloaded is returned by Download once a result has been confirmed.
	ErrAlreadyDownloaded = errors.New("result already downloaded")

	// ErrDownloadInProgress is returned when a second download starts before the first ends.
	ErrDownloadInProgress = errors.New("download already in progress")

	// ErrSuperseded is returned by Submit when the slot was reset or resubmitted during the upload.
	ErrSuperseded = errors.New("submission superseded")

	// ErrClosed is returned by operations on a closed orchestrator.
	ErrClosed = errors.New("orchestrator is closed")
)

// SubmissionError means a job could not be started. The slot stays idle.
type SubmissionError struct {
	Reason string
	Err    error
}

func (e *SubmissionError) Error() string {
	if e.Err != nil && e.Err.Error() != e.Reason {
		return fmt.Sprintf("submit failed: %s: %v", e.Reason, e.Err)
	}
	return "submit failed: " + e.Reason
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// DownloadStage identifies which step of a download failed.
type DownloadStage string

const (
	StageFetch   DownloadStage = "fetch"
	StageSave    DownloadStage = "save"
	StageConfirm DownloadStage = "confirm"
)

// DownloadError is a recoverable download failure. The job stays completed
// and undownloaded, so the caller may retry.
type DownloadError struct {
	Stage  DownloadStage
	Reason string
	Err    error
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("download failed (%s): %s: %v", e.Stage, e.Reason, e.Err)
}

func (e *DownloadError) Unwrap() error { return e.Err }
