package config

import (
	"time"

	"github.com/target/etl-loader/internal/domain/model"
)

// LoaderConfig configures the chunked load executor.
type LoaderConfig struct {
	ChunkSize         int           `env:"LOADER_CHUNK_SIZE"          envDefault:"1000"`
	ChunkRetryBackoff time.Duration `env:"LOADER_CHUNK_RETRY_BACKOFF" envDefault:"200ms"`
	ChunkTimeout      time.Duration `env:"LOADER_CHUNK_TIMEOUT"       envDefault:"5m"`
	SandboxTimeout    time.Duration `env:"LOADER_SANDBOX_TIMEOUT"     envDefault:"50ms"`
	// MaxChunksPerSecond throttles chunk writes. Zero disables throttling.
	MaxChunksPerSecond float64 `env:"LOADER_MAX_CHUNKS_PER_SECOND" envDefault:"0"`

	ErrorCeilingRate  float64            `env:"LOADER_ERROR_CEILING_RATE"  envDefault:"0.5"`
	ErrorCeilingScope model.CeilingScope `env:"LOADER_ERROR_CEILING_SCOPE" envDefault:"cumulative"`

	// MaxSkippedInResult caps the skipped-row details kept in a job result.
	MaxSkippedInResult int `env:"LOADER_MAX_SKIPPED_IN_RESULT" envDefault:"100"`
}

// Sanitize applies guardrails to loader configuration values.
func (c *LoaderConfig) Sanitize() {
	if c.ChunkSize < 1 {
		c.ChunkSize = 1
	}
	if c.ChunkSize > model.MaxChunkSize {
		c.ChunkSize = model.MaxChunkSize
	}
	if c.ChunkRetryBackoff < 0 {
		c.ChunkRetryBackoff = 0
	}
	if c.ChunkTimeout <= 0 {
		c.ChunkTimeout = 5 * time.Minute
	}
	if c.SandboxTimeout <= 0 {
		c.SandboxTimeout = 50 * time.Millisecond
	}
	if c.MaxChunksPerSecond < 0 {
		c.MaxChunksPerSecond = 0
	}
	ceiling := model.ErrorCeiling{Rate: c.ErrorCeilingRate, Scope: c.ErrorCeilingScope}
	if ceiling.Validate() != nil {
		c.ErrorCeilingRate = 0.5
		c.ErrorCeilingScope = model.CeilingScopeCumulative
	}
	if c.MaxSkippedInResult < 0 {
		c.MaxSkippedInResult = 0
	}
}

// DefaultCeiling returns the error-rate ceiling applied when a job sets none.
func (c *LoaderConfig) DefaultCeiling() model.ErrorCeiling {
	return model.ErrorCeiling{Rate: c.ErrorCeilingRate, Scope: c.ErrorCeilingScope}
}

// ValidationConfig holds the severity thresholds of the validation engine.
// A ratio at or below Low is info, above High is error, anything between is warning.
type ValidationConfig struct {
	NullLow       float64 `env:"VALIDATION_NULL_LOW"       envDefault:"0.10"`
	NullHigh      float64 `env:"VALIDATION_NULL_HIGH"      envDefault:"0.50"`
	DuplicateLow  float64 `env:"VALIDATION_DUPLICATE_LOW"  envDefault:"0.80"`
	DuplicateHigh float64 `env:"VALIDATION_DUPLICATE_HIGH" envDefault:"1.0"`
	TypeLow       float64 `env:"VALIDATION_TYPE_LOW"       envDefault:"0"`
	TypeHigh      float64 `env:"VALIDATION_TYPE_HIGH"      envDefault:"0.10"`
	OutlierLow    float64 `env:"VALIDATION_OUTLIER_LOW"    envDefault:"0.10"`
	OutlierHigh   float64 `env:"VALIDATION_OUTLIER_HIGH"   envDefault:"1.0"`

	// InferenceRatio is the share of non-null values that must match a type for it to be inferred.
	InferenceRatio float64 `env:"VALIDATION_INFERENCE_RATIO" envDefault:"0.80"`
	// SampleSize caps the rows a validation pass reads. Zero reads everything.
	SampleSize int `env:"VALIDATION_SAMPLE_SIZE" envDefault:"10000"`
}

// Sanitize keeps every threshold pair ordered and inside [0,1].
func (c *ValidationConfig) Sanitize() {
	clampPair(&c.NullLow, &c.NullHigh)
	clampPair(&c.DuplicateLow, &c.DuplicateHigh)
	clampPair(&c.TypeLow, &c.TypeHigh)
	clampPair(&c.OutlierLow, &c.OutlierHigh)
	if c.InferenceRatio <= 0 || c.InferenceRatio > 1 {
		c.InferenceRatio = 0.8
	}
	if c.SampleSize < 0 {
		c.SampleSize = 0
	}
}

func clampPair(low, high *float64) {
	*low = clamp01(*low)
	*high = clamp01(*high)
	if *high < *low {
		*high = *low
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
