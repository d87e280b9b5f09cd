package dataset

import (
	"time"

	"spectroscopy/internal/core"
	"spectroscopy/pkg/domain"
	"spectroscopy/pkg/formats"
)

// Option customises a Dataset at Open.
type Option func(*settings)

type settings struct {
	observer core.Observer
	storage  core.StorageConfig
	schema   *domain.Schema
	formats  *formats.Registry
	archive  domain.SourceArchive
	engine   *core.RulesEngine
	tags     []string
	pedantic bool
}

// WithLogger routes dataset logs to logger.
func WithLogger(logger core.Logger) Option {
	return func(s *settings) {
		if logger != nil {
			s.observer.Logger = logger
		}
	}
}

// WithClock overrides the time source used for entity and edge timestamps.
func WithClock(clock core.Clock) Option {
	return func(s *settings) {
		if clock != nil {
			s.observer.Clock = clock
		}
	}
}

// WithMetricsRecorder reports operation outcomes to rec.
func WithMetricsRecorder(rec core.MetricsRecorder) Option {
	return func(s *settings) {
		if rec != nil {
			s.observer.Metrics = rec
		}
	}
}

// WithTracer wraps every operation in a span.
func WithTracer(tracer core.Tracer) Option {
	return func(s *settings) {
		if tracer != nil {
			s.observer.Tracer = tracer
		}
	}
}

// WithAuditRecorder records one entry per operation.
func WithAuditRecorder(rec core.AuditRecorder) Option {
	return func(s *settings) {
		if rec != nil {
			s.observer.Audit = rec
		}
	}
}

// WithUser names the operator recorded in metadata and audit entries.
func WithUser(user string) Option {
	return func(s *settings) { s.observer.User = user }
}

// WithStorage selects and tunes the storage driver.
func WithStorage(cfg core.StorageConfig) Option {
	return func(s *settings) {
		timeout := s.storage.LockTimeout
		s.storage = cfg
		if cfg.LockTimeout == 0 {
			s.storage.LockTimeout = timeout
		}
	}
}

// WithLockTimeout bounds the wait for the single writer lock.
func WithLockTimeout(d time.Duration) Option {
	return func(s *settings) { s.storage.LockTimeout = d }
}

// WithSchema replaces the default schema.
func WithSchema(schema *domain.Schema) Option {
	return func(s *settings) {
		if schema != nil {
			s.schema = schema
		}
	}
}

// WithFormats replaces the built-in format registry.
func WithFormats(reg *formats.Registry) Option {
	return func(s *settings) {
		if reg != nil {
			s.formats = reg
		}
	}
}

// WithArchive keeps the raw bytes of every import in archive.
func WithArchive(archive domain.SourceArchive) Option {
	return func(s *settings) { s.archive = archive }
}

// WithRulesEngine replaces the default verification rules.
func WithRulesEngine(engine *core.RulesEngine) Option {
	return func(s *settings) {
		if engine != nil {
			s.engine = engine
		}
	}
}

// WithTags registers tags on writable opens and attaches them to every
// entity created through the dataset.
func WithTags(tags ...string) Option {
	return func(s *settings) { s.tags = append(s.tags, tags...) }
}

// WithPedantic rejects new entities without fields and entities whose
// content is already stored under the same type.
func WithPedantic() Option {
	return func(s *settings) { s.pedantic = true }
}
