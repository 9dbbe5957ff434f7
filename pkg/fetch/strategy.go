package fetch

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/Sternrassler/meraki-report/pkg/client"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	fetchOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meraki_fetch_outcomes_total",
		Help: "Entity window fetches by outcome status",
	}, []string{"status"})

	chunkSizeHours = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "meraki_chunk_size_hours",
		Help:    "Chunk size in hours used for chunked entity fetches",
		Buckets: []float64{0.25, 0.5, 1, 2, 4},
	})

	skippedChunksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meraki_skipped_chunks_total",
		Help: "Chunks given up after all retries at the minimum chunk size",
	})

	problematicStoreErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meraki_problematic_store_errors_total",
		Help: "Failed reads and writes of the problematic entity store",
	}, []string{"operation"})
)

// Status is the terminal state of one entity window fetch.
type Status string

const (
	// StatusSuccess means the whole window was collected.
	StatusSuccess Status = "success"

	// StatusPartial means some of the window could not be collected.
	StatusPartial Status = "partial"

	// StatusBlacklisted means the entity turned out to be unsupported during
	// this fetch.
	StatusBlacklisted Status = "blacklisted"

	// StatusSkipped means the entity was already blacklisted and not asked.
	StatusSkipped Status = "skipped"

	// StatusCancelled means the caller's context ended mid-fetch.
	StatusCancelled Status = "cancelled"
)

// Source lists every record of an entity within a window.
type Source interface {
	ListWindow(ctx context.Context, entityID string, w Window) ([]client.Record, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, entityID string, w Window) ([]client.Record, error)

// ListWindow calls f.
func (f SourceFunc) ListWindow(ctx context.Context, entityID string, w Window) ([]client.Record, error) {
	return f(ctx, entityID, w)
}

// HitRecorder receives rate-limit observations.
type HitRecorder interface {
	RecordHit()
}

// ProblematicStore remembers entities known to time out on full-window calls.
type ProblematicStore interface {
	Has(ctx context.Context, id string) (bool, error)
	Put(ctx context.Context, id string) error
}

// Config holds the escalation parameters.
type Config struct {
	// StandardTimeout bounds the single full-window call.
	StandardTimeout time.Duration

	// ChunkRetries is the number of attempts per chunk.
	ChunkRetries int

	// InitialChunkHours is the chunk size an entity starts chunking with;
	// MinChunkHours is the floor for halving.
	InitialChunkHours float64
	MinChunkHours     float64

	// Per-attempt chunk timeout is
	// max(MinChunkTimeout, max(ChunkTimeoutFloor, ChunkTimeoutBase/(1+0.2*timeouts)) - retry*ChunkTimeoutStep).
	ChunkTimeoutBase  time.Duration
	ChunkTimeoutFloor time.Duration
	ChunkTimeoutStep  time.Duration
	MinChunkTimeout   time.Duration

	// Jitter before a chunk attempt is uniform in [JitterMin, JitterMax)
	// scaled by the attempt number.
	JitterMin time.Duration
	JitterMax time.Duration

	// Pause between consecutive chunks is uniform in [PauseMin, PauseMax).
	PauseMin time.Duration
	PauseMax time.Duration

	// RateLimitBackoff is multiplied by the attempt number after a 429.
	RateLimitBackoff time.Duration

	// HighVolumeThreshold flags outcomes with a chunk larger than this.
	HighVolumeThreshold int
}

// DefaultConfig returns the escalation parameters used for a report run.
func DefaultConfig() Config {
	return Config{
		StandardTimeout:     60 * time.Second,
		ChunkRetries:        3,
		InitialChunkHours:   1,
		MinChunkHours:       0.25,
		ChunkTimeoutBase:    60 * time.Second,
		ChunkTimeoutFloor:   15 * time.Second,
		ChunkTimeoutStep:    5 * time.Second,
		MinChunkTimeout:     10 * time.Second,
		JitterMin:           100 * time.Millisecond,
		JitterMax:           500 * time.Millisecond,
		PauseMin:            300 * time.Millisecond,
		PauseMax:            700 * time.Millisecond,
		RateLimitBackoff:    1 * time.Second,
		HighVolumeThreshold: 1000,
	}
}

// Outcome is the result of one entity window fetch together with the
// entity state it leaves behind.
type Outcome struct {
	EntityID string
	Window   Window
	Records  []client.Record
	Status   Status
	State    EntityState

	Timeouts      int
	RateLimitHits int
	SkippedChunks int
	HighVolume    bool

	// Err is the last classified failure, if any. It is informational: a
	// fetch never fails as a whole.
	Err error
}

// Strategy fetches an entity's records for a window, escalating from one
// full-window call to progressively smaller time chunks.
type Strategy struct {
	source  Source
	tracker HitRecorder
	store   ProblematicStore
	config  Config
	logger  zerolog.Logger
}

// New creates a strategy. tracker and store may be nil.
func New(source Source, tracker HitRecorder, store ProblematicStore, cfg Config, logger zerolog.Logger) *Strategy {
	if cfg.ChunkRetries < 1 {
		cfg.ChunkRetries = 1
	}
	if cfg.MinChunkHours <= 0 {
		cfg.MinChunkHours = 0.25
	}
	if cfg.InitialChunkHours < cfg.MinChunkHours {
		cfg.InitialChunkHours = cfg.MinChunkHours
	}

	return &Strategy{
		source:  source,
		tracker: tracker,
		store:   store,
		config:  cfg,
		logger:  logger.With().Str("component", "fetch-strategy").Logger(),
	}
}

// Fetch runs one escalation step for entity id over w starting from state.
// It never fails: errors degrade to a partial or empty outcome, and the
// returned Outcome.State reflects everything learned about the entity.
func (s *Strategy) Fetch(ctx context.Context, id string, state EntityState, w Window) Outcome {
	out := s.fetch(ctx, id, state, w)
	fetchOutcomesTotal.WithLabelValues(string(out.Status)).Inc()
	return out
}

func (s *Strategy) fetch(ctx context.Context, id string, state EntityState, w Window) Outcome {
	out := Outcome{EntityID: id, Window: w, State: state}

	if state.Blacklisted {
		out.Status = StatusSkipped
		return out
	}
	if ctx.Err() != nil {
		out.Status = StatusCancelled
		return out
	}
	if w.Empty() {
		out.Status = StatusSuccess
		return out
	}

	if !state.Slow && s.knownProblematic(ctx, id) {
		s.logger.Info().Str("entity", id).Msg("Entity known to be problematic - using chunked fetch")
		state.Slow = true
	}

	if !state.Slow {
		stdCtx, cancel := context.WithTimeout(ctx, s.config.StandardTimeout)
		records, err := s.source.ListWindow(stdCtx, id, w)
		cancel()

		if err == nil {
			out.Records = records
			out.Status = StatusSuccess
			out.HighVolume = s.highVolume(len(records))
			out.State = state
			return out
		}
		if ctx.Err() != nil {
			out.Records = records
			out.Status = StatusCancelled
			out.State = state
			return out
		}

		out.Err = err
		switch client.Classify(err) {
		case client.KindTimeout:
			out.Timeouts++
			state.Slow = true
			state.TimeoutCount++
			s.rememberProblematic(ctx, id)
			s.logger.Warn().
				Str("entity", id).
				Str("window", w.String()).
				Dur("span", w.Duration()).
				Msg("Full-window call timed out - switching to chunked fetch")

		case client.KindUnsupportedEntity:
			state.Blacklisted = true
			out.Status = StatusBlacklisted
			out.State = state
			s.logger.Warn().Str("entity", id).Msg("Entity does not support this query - blacklisting")
			return out

		case client.KindRateLimited:
			s.recordHit(&out, err)
			out.Records = records
			out.Status = StatusPartial
			out.State = state
			return out

		default:
			s.logger.Error().Err(err).Str("entity", id).Str("window", w.String()).Msg("Full-window call failed")
			out.Records = records
			out.Status = StatusPartial
			out.State = state
			return out
		}
	}

	return s.fetchChunked(ctx, id, state, w, out)
}

type chunkResult int

const (
	chunkOK chunkResult = iota
	chunkExhausted
	chunkUnsupported
	chunkCancelled
)

func (s *Strategy) fetchChunked(ctx context.Context, id string, state EntityState, w Window, out Outcome) Outcome {
	if state.ChunkHours <= 0 {
		state.ChunkHours = s.config.InitialChunkHours
	}

	for cur := w.Start; cur.Before(w.End); {
		end := cur.Add(hours(state.ChunkHours))
		if end.After(w.End) {
			end = w.End
		}
		chunk := Window{Start: cur, End: end}
		chunkSizeHours.Observe(state.ChunkHours)

		records, result := s.fetchChunk(ctx, id, &state, chunk, &out)
		switch result {
		case chunkOK:
			out.Records = append(out.Records, records...)
			if s.highVolume(len(records)) {
				out.HighVolume = true
			}
			cur = end

		case chunkUnsupported:
			state.Blacklisted = true
			out.Status = StatusBlacklisted
			out.State = state
			s.logger.Warn().Str("entity", id).Msg("Entity does not support this query - blacklisting")
			return out

		case chunkCancelled:
			out.Status = StatusCancelled
			out.State = state
			return out

		case chunkExhausted:
			if state.ChunkHours > s.config.MinChunkHours {
				state.ChunkHours = max(s.config.MinChunkHours, state.ChunkHours/2)
				s.logger.Debug().
					Str("entity", id).
					Float64("chunk_hours", state.ChunkHours).
					Msg("Retrying range with smaller chunks")
				continue
			}
			out.SkippedChunks++
			skippedChunksTotal.Inc()
			s.logger.Warn().
				Str("entity", id).
				Str("chunk", chunk.String()).
				Msg("Skipping chunk after all retries failed")
			cur = end
		}

		if cur.Before(w.End) {
			if err := client.SleepContext(ctx, uniform(s.config.PauseMin, s.config.PauseMax)); err != nil {
				out.Status = StatusCancelled
				out.State = state
				return out
			}
		}
	}

	out.Status = StatusSuccess
	if out.SkippedChunks > 0 {
		out.Status = StatusPartial
	}
	out.State = state
	return out
}

// fetchChunk makes up to ChunkRetries attempts for one chunk, updating the
// timeout count in state and the counters in out.
func (s *Strategy) fetchChunk(ctx context.Context, id string, state *EntityState, chunk Window, out *Outcome) ([]client.Record, chunkResult) {
	for retry := 0; retry < s.config.ChunkRetries; retry++ {
		jitter := uniform(s.config.JitterMin, s.config.JitterMax) * time.Duration(retry+1)
		if err := client.SleepContext(ctx, jitter); err != nil {
			return nil, chunkCancelled
		}

		timeout := s.chunkTimeout(state.TimeoutCount, retry)
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		records, err := s.source.ListWindow(attemptCtx, id, chunk)
		cancel()

		if err == nil {
			return records, chunkOK
		}
		if ctx.Err() != nil {
			return nil, chunkCancelled
		}

		out.Err = err
		switch client.Classify(err) {
		case client.KindTimeout:
			state.TimeoutCount++
			out.Timeouts++
			s.logger.Debug().
				Str("entity", id).
				Str("chunk", chunk.String()).
				Int("retry", retry+1).
				Dur("timeout", timeout).
				Msg("Chunk attempt timed out")

		case client.KindUnsupportedEntity:
			return nil, chunkUnsupported

		case client.KindRateLimited:
			s.recordHit(out, err)
			if err := client.SleepContext(ctx, s.config.RateLimitBackoff*time.Duration(retry+1)); err != nil {
				return nil, chunkCancelled
			}

		default:
			s.logger.Warn().
				Err(err).
				Str("entity", id).
				Str("chunk", chunk.String()).
				Int("retry", retry+1).
				Msg("Chunk attempt failed")
		}
	}
	return nil, chunkExhausted
}

// chunkTimeout shrinks with the entity's timeout history and with each
// retry, bounded below by MinChunkTimeout.
func (s *Strategy) chunkTimeout(timeoutCount, retry int) time.Duration {
	base := time.Duration(float64(s.config.ChunkTimeoutBase) / (1 + 0.2*float64(timeoutCount)))
	base = max(base, s.config.ChunkTimeoutFloor)
	return max(base-time.Duration(retry)*s.config.ChunkTimeoutStep, s.config.MinChunkTimeout)
}

// recordHit counts a rate-limited step in out. The tracker counts 429
// responses, so errors from an Invoker, which has already reported each
// response it retried, are not recorded again.
func (s *Strategy) recordHit(out *Outcome, err error) {
	out.RateLimitHits++
	if s.tracker != nil && !errors.Is(err, client.ErrRetryExhausted) {
		s.tracker.RecordHit()
	}
}

func (s *Strategy) highVolume(n int) bool {
	return s.config.HighVolumeThreshold > 0 && n > s.config.HighVolumeThreshold
}

func (s *Strategy) knownProblematic(ctx context.Context, id string) bool {
	if s.store == nil {
		return false
	}
	ok, err := s.store.Has(ctx, id)
	if err != nil {
		problematicStoreErrorsTotal.WithLabelValues("read").Inc()
		s.logger.Debug().Err(err).Str("entity", id).Msg("Problematic store lookup failed")
		return false
	}
	return ok
}

func (s *Strategy) rememberProblematic(ctx context.Context, id string) {
	if s.store == nil {
		return
	}
	if err := s.store.Put(ctx, id); err != nil {
		problematicStoreErrorsTotal.WithLabelValues("write").Inc()
		s.logger.Debug().Err(err).Str("entity", id).Msg("Problematic store write failed")
	}
}

func uniform(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(rand.Int63n(int64(hi-lo)))
}
