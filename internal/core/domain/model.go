package domain

import "time"

// ModelSource identifies where a model artifact is resolved from.
type ModelSource string

const (
	SourceHuggingFace ModelSource = "huggingface"
	SourceLocal       ModelSource = "local"
)

// Quantization is the weight quantization applied to a loaded model.
type Quantization string

const (
	QuantizationNone Quantization = "none"
	QuantizationInt8 Quantization = "int8"
	QuantizationInt4 Quantization = "int4"
)

// ModelDescriptor is immutable once resolved; it is the identity used across caches.
type ModelDescriptor struct {
	ID       string
	Source   ModelSource
	Modality string
	Family   string
	Path     string
}

// LoadOptions parameterizes a single loadModel call. The tuple
// (ModelID, Draft, Revision, Quantization) is the variant key.
type LoadOptions struct {
	ModelID      string
	Revision     string
	Quantization Quantization
	LocalPath    string
	Draft        bool

	// PrimaryModelID names the already-loaded primary model this load is a
	// draft for. Set only when Draft is true; a successful load auto-pairs
	// against it instead of requiring a separate checkDraft call.
	PrimaryModelID string
}

// VariantKey returns the cache/dedup identity for a set of load options.
func (o LoadOptions) VariantKey() string {
	revision := o.Revision
	if revision == "" {
		revision = "main"
	}
	quant := string(o.Quantization)
	if quant == "" {
		quant = string(QuantizationNone)
	}
	draft := "primary"
	if o.Draft {
		draft = "draft"
	}
	return o.ModelID + "|" + draft + "|" + revision + "|" + quant
}

// HandleState is the lifecycle state of a ModelHandle.
type HandleState string

const (
	HandleLoading HandleState = "loading"
	HandleReady   HandleState = "ready"
	HandleFailed  HandleState = "failed"
)

// ModelMetadata carries the worker-reported characteristics of a loaded model.
type ModelMetadata struct {
	ParameterCount int64
	DType          string
	Quantization   Quantization
	Revision       string
	Extra          map[string]string

	// CachedPath is where the worker actually loaded the artifact from, when
	// it reports one. The artifact cache is only populated from a load whose
	// worker reported a path, never speculatively.
	CachedPath string
}

// ModelHandle is the in-memory record of a model successfully loaded into a worker.
type ModelHandle struct {
	Descriptor    ModelDescriptor
	State         HandleState
	Metadata      ModelMetadata
	Error         error
	LoadOptions   LoadOptions
	ContextLength int
	WorkerID      string
	CreatedAt     time.Time
	LastAccess    time.Time
	Draft         bool
	DraftPairID   string // variant key of the paired draft/primary model, if any
}

// VariantKey returns the variant key the handle was loaded under.
func (h *ModelHandle) VariantKey() string {
	return h.LoadOptions.VariantKey()
}

// DraftCompatibility is the result of a check_draft RPC.
type DraftCompatibility struct {
	Errors      []string
	Warnings    []string
	Compatible  bool
	Performance DraftPerformanceEstimate
	Primary     string
	Draft       string
}

// DraftPerformanceEstimate summarizes the worker's estimate of speculative-decoding gains.
type DraftPerformanceEstimate struct {
	Recommendation  string
	ExpectedSpeedup float64
	SizeRatio       float64
}

// TokenizeRequest parameterizes a tokenize/batch_tokenize RPC.
type TokenizeRequest struct {
	Text             string
	AddSpecialTokens bool
}

// TokenizeResult is the result of a tokenize/batch_tokenize RPC.
type TokenizeResult struct {
	Tokens       []int
	TokenStrings []string
}

// CheckDraftRequest is one element of a batch_check_draft request.
type CheckDraftRequest struct {
	PrimaryID string
	DraftID   string
}
