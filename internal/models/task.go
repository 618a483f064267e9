// Package models defines the data structures shared by the enhancement client.
package models

import (
	"fmt"
	"slices"
)

// Kind identifies a job slot. Each kind has its own orchestrator.
type Kind string

const (
	KindImage Kind = "image"
	KindVideo Kind = "video"
)

// Valid reports whether k is a known job kind.
func (k Kind) Valid() bool {
	return k == KindImage || k == KindVideo
}

// TaskType is the enhancement task requested from the backend.
type TaskType string

const (
	TaskDenoise TaskType = "denoise"
	TaskDeblur  TaskType = "deblur"
)

// Model names understood by the backend.
const (
	ModelDenoiseB  = "denoise_b"
	ModelDenoise16 = "denoise_16"
	ModelDeblurB   = "deblur_b"
)

// ModelOption is one selectable model for a task.
type ModelOption struct {
	Name  string
	Label string
}

// modelsByTask is the fixed task -> model table. Order is display order.
var modelsByTask = map[TaskType][]ModelOption{
	TaskDenoise: {
		{Name: ModelDenoiseB, Label: "Uformer-B (High Quality)"},
		{Name: ModelDenoise16, Label: "Uformer-16 (Fast)"},
	},
	TaskDeblur: {
		{Name: ModelDeblurB, Label: "Uformer-B (Deblur)"},
	},
}

// Tasks returns the known task types in display order.
func Tasks() []TaskType {
	return []TaskType{TaskDenoise, TaskDeblur}
}

// ModelsFor returns the models valid for a task, or nil for unknown tasks.
func ModelsFor(task TaskType) []ModelOption {
	return slices.Clone(modelsByTask[task])
}

// DefaultModel returns the preselected model for a task.
// Denoise defaults to the fast model; single-model tasks use their only model.
func DefaultModel(task TaskType) string {
	if task == TaskDenoise {
		return ModelDenoise16
	}
	opts := modelsByTask[task]
	if len(opts) == 0 {
		return ""
	}
	return opts[0].Name
}

// Params are the processing options sent with a job or a live frame.
type Params struct {
	Task  TaskType
	Model string

	// UsePatchProcessing enables tiled high-quality processing (image and live only).
	UsePatchProcessing bool

	// ShowFPS asks the backend to draw its throughput onto live frames.
	ShowFPS bool
}

// Validate checks that the task is known and the model belongs to it.
func (p Params) Validate() error {
	opts, ok := modelsByTask[p.Task]
	if !ok {
		return fmt.Errorf("unknown task type %q", p.Task)
	}
	if p.Model == "" {
		return fmt.Errorf("model name is required for task %q", p.Task)
	}
	for _, o := range opts {
		if o.Name == p.Model {
			return nil
		}
	}
	return fmt.Errorf("model %q is not valid for task %q", p.Model, p.Task)
}

// WithDefaults fills an empty task and model with their defaults.
func (p Params) WithDefaults() Params {
	if p.Task == "" {
		p.Task = TaskDenoise
	}
	if p.Model == "" {
		p.Model = DefaultModel(p.Task)
	}
	return p
}
