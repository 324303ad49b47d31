package mmodel

// DagDescription is the structured document ingested at deploy (§6).
// Struct tags drive both strict YAML decoding (KnownFields) and
// go-playground/validator struct-tag validation; unknown fields at the
// top level or within any job are rejected before this type is ever
// populated.
type DagDescription struct {
	Name    string        `yaml:"name" validate:"required"`
	Jobs    []JobSpec     `yaml:"jobs" validate:"required,dive"`
	Publish []PublishSpec `yaml:"publish" validate:"dive"`
}

// JobSpec is one job entry of a DagDescription.
type JobSpec struct {
	Name                string         `yaml:"name" validate:"required"`
	Activation          ActivationMode `yaml:"activation" validate:"required,oneof=source reactive"`
	Runtime             RuntimeClass   `yaml:"runtime" validate:"required,oneof=dispatcher pullworker lambda ecs_task"`
	Operator            string         `yaml:"operator" validate:"required"`
	Inputs              []EdgeSpec     `yaml:"inputs,omitempty" validate:"dive"`
	Outputs             []EdgeSpec     `yaml:"outputs,omitempty" validate:"dive"`
	UpdateStrategy      UpdateStrategy `yaml:"update_strategy" validate:"required,oneof=append replace"`
	UniqueKey           string         `yaml:"unique_key,omitempty"`
	TimeoutSeconds      int            `yaml:"timeout_seconds" validate:"required,gt=0"`
	MaxAttempts         int            `yaml:"max_attempts" validate:"required,gt=0"`
	HeartbeatTimeoutSec int            `yaml:"heartbeat_timeout_seconds,omitempty"`
	Source              *SourceSpec    `yaml:"source,omitempty"`
	Config              map[string]any `yaml:"config,omitempty"`

	// MaxQueueDepth and MaxQueueAgeSeconds declare this job's backpressure
	// thresholds (§4.5, §5); zero means no threshold.
	MaxQueueDepth      int `yaml:"max_queue_depth,omitempty" validate:"omitempty,gte=0"`
	MaxQueueAgeSeconds int `yaml:"max_queue_age_seconds,omitempty" validate:"omitempty,gte=0"`

	// Priority selects the backpressure-shedding tier (§4.5 "Two priority
	// tiers are recognized"); defaults to "high" when omitted.
	Priority PriorityTier `yaml:"priority,omitempty" validate:"omitempty,oneof=high low"`
}

// EdgeSpec is one input or output edge within a JobSpec.
type EdgeSpec struct {
	Dataset string         `yaml:"dataset" validate:"required"`
	Where   map[string]any `yaml:"where,omitempty"`
}

// SourceSpec configures a source-activation job's heartbeat contract.
type SourceSpec struct {
	HeartbeatTimeoutSeconds int `yaml:"heartbeat_timeout_seconds" validate:"required,gt=0"`
}

// PublishSpec registers a job output as a named, discoverable dataset.
type PublishSpec struct {
	DatasetName string `yaml:"dataset_name" validate:"required"`
	JobName     string `yaml:"job_name" validate:"required"`
	OutputIndex int    `yaml:"output_index"`
	MultiWriter bool   `yaml:"multi_writer,omitempty"`
}
