package model

// JobGroup is an input-only template bundle: a named set of group-level
// parameters plus an ordered list of job/optimizing-job templates. It is
// never itself scheduled; the composer materializes it into concrete Job
// and OptimizingJob records at admission time.
type JobGroup struct {
	Name            string          `json:"name"`
	GroupParameters ParameterList   `json:"group_parameters,omitempty"` // caller-supplied values, keyed by name
	Templates       []GroupTemplate `json:"templates"`
	FolderName      string          `json:"folder_name,omitempty"`
}

// GroupTemplate is one member of a JobGroup: either a plain job template or
// an optimizing-job template, distinguished by Optimizing.
type GroupTemplate struct {
	TemplateName string `json:"template_name"` // unique within the group; used to resolve dependencies
	ClassName    string `json:"class_name"`
	Optimizing   bool   `json:"optimizing"`

	// Dependencies named by template-name within this group. Resolved to
	// concrete job ids by the composer as earlier templates are admitted.
	DependsOnTemplates []string `json:"depends_on_templates,omitempty"`

	// Mapped: template-parameter-name -> group-parameter-name, resolved
	// against the caller-supplied JobGroup.GroupParameters at admit time.
	MappedParameters map[string]string `json:"mapped_parameters,omitempty"`
	// Fixed: literal parameter overrides.
	FixedParameters ParameterList `json:"fixed_parameters,omitempty"`

	// Stub parameter list the template's job class declares; overlaid by
	// Fixed then Mapped (mapped wins) when the composer builds the
	// concrete job.
	ParameterStubs ParameterList `json:"parameter_stubs,omitempty"`

	// ExternalDependencies are job/optimizing-job ids passed in by the
	// caller (outside the group); the composer prepends these unchanged
	// rather than resolving them by template name.
	ExternalDependencies []string `json:"external_dependencies,omitempty"`

	// Shared by both shapes.
	ThreadStartupDelayMillis int `json:"thread_startup_delay_millis,omitempty"`

	// Job-only fields (ignored when Optimizing is true).
	NumClients               int  `json:"num_clients,omitempty"`
	ThreadsPerClient         int  `json:"threads_per_client,omitempty"`
	DurationSeconds          int  `json:"duration_seconds,omitempty"`
	CollectionIntervalSecond int  `json:"collection_interval_seconds,omitempty"`
	WaitForClients           bool `json:"wait_for_clients,omitempty"`

	// Optimizing-only fields (ignored when Optimizing is false).
	IterationDurationSeconds int           `json:"iteration_duration_seconds,omitempty"`
	DelayBetweenIterations   int           `json:"delay_between_iterations_seconds,omitempty"`
	MinThreads               int           `json:"min_threads,omitempty"`
	MaxThreads               int           `json:"max_threads,omitempty"`
	ThreadIncrement          int           `json:"thread_increment,omitempty"`
	MaxNonImprovingStreak    int           `json:"max_non_improving_streak,omitempty"`
	ReRunBestIteration       bool          `json:"re_run_best_iteration,omitempty"`
	ReRunDurationSeconds     int           `json:"re_run_duration_seconds,omitempty"`
	AlgorithmID              string        `json:"algorithm_id,omitempty"`
	AlgorithmParameters      ParameterList `json:"algorithm_parameters,omitempty"`
}
