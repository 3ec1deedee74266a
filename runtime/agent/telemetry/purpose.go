package telemetry

// Purpose is the closed enum classifying why a particular LLM call was
// made (spec.md §4.8). A closed Go type prevents the typo-prone ad-hoc
// string literals the original implementation uses for this.
type Purpose string

const (
	PurposePlanning           Purpose = "planning"
	PurposeBindingPlan        Purpose = "binding_plan"
	PurposeParamBuild         Purpose = "param_build"
	PurposeValidation         Purpose = "validation"
	PurposeErrorAnalysis      Purpose = "error_analysis"
	PurposeParamFix           Purpose = "param_fix"
	PurposeMemoryQuery        Purpose = "memory_query"
	PurposeMemorySummary      Purpose = "memory_summary"
	PurposePromptGen          Purpose = "prompt_gen"
	PurposeReplan             Purpose = "replan"
	PurposeIncrementalReplan  Purpose = "incremental_replan"
	PurposeConsistencyCheck   Purpose = "consistency_check"
	PurposeCheckpointRegister Purpose = "checkpoint_register"
	PurposeWorkingMemory      Purpose = "working_memory"
	PurposeOther              Purpose = "other"
)
