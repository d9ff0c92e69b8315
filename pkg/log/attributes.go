package log

// Standard attribute keys. Keys follow a hierarchical naming convention
// ("model.name", "data.samples") so that log analysis can filter on prefixes.

// Model and Operation Context
const (
	// ModelNameKey identifies a candidate model, e.g. "LinearRegression", "XGBoost".
	ModelNameKey = "model.name"

	// OperationKey specifies the operation being performed.
	OperationKey = "ml.operation"

	// ComponentKey identifies which component or package is logging.
	ComponentKey = "ml.component"

	// PhaseKey indicates the phase of the pipeline.
	PhaseKey = "ml.phase"

	// RunIDKey identifies one training run.
	RunIDKey = "run.id"
)

// Data Shape and Quality
const (
	SamplesKey  = "data.samples"
	FeaturesKey = "data.features"

	// DroppedRowsKey counts rows excluded by a hard filter (e.g. invalid target).
	DroppedRowsKey = "data.dropped_rows"

	// DroppedColumnsKey lists columns removed for excessive missingness.
	DroppedColumnsKey = "data.dropped_columns"

	// MissingFractionKey records the missing fraction of a column.
	MissingFractionKey = "data.missing_fraction"

	// ColumnKey names a table column.
	ColumnKey = "data.column"

	// PathKey names a file on disk.
	PathKey = "data.path"
)

// Performance and Metrics
const (
	DurationMsKey = "perf.duration_ms"

	MAEKey     = "metrics.mae"
	RMSEKey    = "metrics.rmse"
	R2ScoreKey = "metrics.r2_score"
	MAPEKey    = "metrics.mape"

	// LossKey records a training or validation loss value.
	LossKey = "metrics.loss"

	// IterationKey records the boosting round or tuning trial.
	IterationKey = "training.iteration"

	// BestIterationKey records the round kept after early stopping.
	BestIterationKey = "training.best_iteration"

	PredsKey = "preds.count"
)

// Feature engineering and interpretation
const (
	FeatureNameKey   = "feature.name"
	SpatialStatusKey = "spatial.status"
	ExplainerKey     = "interpret.explainer"
	TrialKey         = "tune.trial"
)

// Error and Configuration Context
const (
	// ErrorKey holds the error message.
	ErrorKey = "error"

	// ErrorCodeKey provides a structured error code for programmatic handling.
	ErrorCodeKey = "error.code"

	// StacktraceKey contains the cockroachdb/errors stack trace, when present.
	StacktraceKey = "error.stacktrace"

	// SuggestionKey provides a hint for resolving the issue.
	SuggestionKey = "error.suggestion"

	HyperParamsKey = "model.hyperparams"
	RandomSeedKey  = "config.random_seed"
)

// Standard attribute values.
const (
	OperationFit          = "fit"
	OperationPredict      = "predict"
	OperationTransform    = "transform"
	OperationFitTransform = "fit_transform"
	OperationScore        = "score"
	OperationTune         = "tune"
	OperationExplain      = "explain"

	PhaseTraining      = "training"
	PhaseValidation    = "validation"
	PhaseTesting       = "testing"
	PhaseInference     = "inference"
	PhasePreprocessing = "preprocessing"

	ErrorNotFitted         = "NOT_FITTED"
	ErrorDimensionMismatch = "DIMENSION_MISMATCH"
	ErrorEmptyData         = "EMPTY_DATA"
	ErrorSingularMatrix    = "SINGULAR_MATRIX"
	ErrorDataNotFound      = "DATA_NOT_FOUND"
)
