package models

import (
	"fmt"
	"regexp"
)

// JobStatus represents the server-reported state of a job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether no further polling is needed.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Job is one asynchronous enhancement request tracked by a server-assigned ID.
//
// ResultRef is set iff Status is completed and ErrorMessage iff Status is
// failed. Use Complete and Fail to move a job into a terminal state.
type Job struct {
	ID           string
	Kind         Kind
	Status       JobStatus
	Progress     int
	Message      string
	ResultRef    string
	ErrorMessage string
	Downloaded   bool

	Params     Params
	SourceName string
}

// NewJob creates a pending job.
func NewJob(id string, kind Kind, params Params, sourceName string) *Job {
	return &Job{
		ID:         id,
		Kind:       kind,
		Status:     JobStatusPending,
		Params:     params,
		SourceName: sourceName,
	}
}

// Advance records a non-terminal progress update.
func (j *Job) Advance(status JobStatus, progress int, message string) {
	if j.Status.Terminal() {
		return
	}
	j.Status = status
	j.Progress = min(max(progress, 0), 100)
	j.Message = message
}

// Complete marks the job completed with its result reference.
func (j *Job) Complete(resultRef, message string) {
	j.Status = JobStatusCompleted
	j.ResultRef = resultRef
	j.ErrorMessage = ""
	j.Progress = 100
	j.Message = message
}

// Fail marks the job failed with a human-readable reason.
func (j *Job) Fail(reason string) {
	if reason == "" {
		reason = "processing failed"
	}
	j.Status = JobStatusFailed
	j.ErrorMessage = reason
	j.ResultRef = ""
	j.Message = ""
}

var whitespaceRun = regexp.MustCompile(`\s+`)

// DownloadName returns the local filename for the job's result.
// Patch processing only affects the name of image results.
func (j *Job) DownloadName() string {
	name := j.SourceName
	if name == "" {
		if j.Kind == KindVideo {
			name = "video.mp4"
		} else {
			name = "image.jpg"
		}
	}
	patch := ""
	if j.Kind == KindImage && j.Params.UsePatchProcessing {
		patch = "_patch"
	}
	return fmt.Sprintf("enhanced_%s_%s%s_%s",
		j.Params.Task, j.Params.Model, patch, whitespaceRun.ReplaceAllString(name, "_"))
}
