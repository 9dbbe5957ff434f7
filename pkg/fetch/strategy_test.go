package fetch

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/Sternrassler/meraki-report/pkg/client"
	"github.com/Sternrassler/meraki-report/pkg/ratelimit"
	"github.com/rs/zerolog"
)

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).Level(zerolog.Disabled)
}

// fastConfig keeps the escalation shape with millisecond delays.
func fastConfig() Config {
	return Config{
		StandardTimeout:   50 * time.Millisecond,
		ChunkRetries:      3,
		InitialChunkHours: 1,
		MinChunkHours:     0.25,
		ChunkTimeoutBase:  40 * time.Millisecond,
		ChunkTimeoutFloor: 20 * time.Millisecond,
		ChunkTimeoutStep:  5 * time.Millisecond,
		MinChunkTimeout:   10 * time.Millisecond,
		RateLimitBackoff:  time.Millisecond,
	}
}

var testWindow = Window{
	Start: time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC),
	End:   time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
}

// recordingSource records every requested window and delegates to fn.
type recordingSource struct {
	mu    sync.Mutex
	calls []Window
	fn    func(ctx context.Context, call int, w Window) ([]client.Record, error)
}

func (s *recordingSource) ListWindow(ctx context.Context, id string, w Window) ([]client.Record, error) {
	s.mu.Lock()
	s.calls = append(s.calls, w)
	n := len(s.calls)
	s.mu.Unlock()
	return s.fn(ctx, n, w)
}

func (s *recordingSource) Calls() []Window {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Window(nil), s.calls...)
}

func records(prefix string, n int) []client.Record {
	out := make([]client.Record, n)
	for i := range out {
		out[i] = client.Record{"id": fmt.Sprintf("%s-%d", prefix, i), "mac": fmt.Sprintf("%s:%02d", prefix, i)}
	}
	return out
}

var (
	errTimeout     = &client.APIError{Kind: client.KindTimeout, Message: "timeout"}
	errRateLimited = &client.APIError{StatusCode: 429, Kind: client.KindRateLimited}
	errUnsupported = &client.APIError{StatusCode: 400, Kind: client.KindUnsupportedEntity, Message: "Invalid device type"}
	errTransient   = &client.APIError{StatusCode: 500, Kind: client.KindTransient}
)

type memoryStore struct {
	mu  sync.Mutex
	ids map[string]bool
}

func (m *memoryStore) Has(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ids[id], nil
}

func (m *memoryStore) Put(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ids == nil {
		m.ids = map[string]bool{}
	}
	m.ids[id] = true
	return nil
}

func TestFetch_StandardSuccess(t *testing.T) {
	src := &recordingSource{fn: func(ctx context.Context, call int, w Window) ([]client.Record, error) {
		return records("a", 4), nil
	}}
	s := New(src, nil, nil, fastConfig(), testLogger())

	out := s.Fetch(context.Background(), "N_A", EntityState{}, testWindow)

	if out.Status != StatusSuccess {
		t.Errorf("Status = %q, want success", out.Status)
	}
	if len(out.Records) != 4 {
		t.Errorf("len(Records) = %d, want 4", len(out.Records))
	}
	if out.State != (EntityState{}) {
		t.Errorf("State = %+v, want unchanged", out.State)
	}
	if calls := src.Calls(); len(calls) != 1 || calls[0] != testWindow {
		t.Errorf("calls = %v, want one full-window call", calls)
	}
}

func TestFetch_TimeoutSwitchesToChunks(t *testing.T) {
	// The full window blocks past the standard timeout; each hour chunk
	// answers immediately.
	src := &recordingSource{fn: func(ctx context.Context, call int, w Window) ([]client.Record, error) {
		if w.Duration() > time.Hour {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		if w.Start.Hour() == 8 {
			return records("b1", 2), nil
		}
		return records("b2", 3), nil
	}}
	store := &memoryStore{}
	s := New(src, nil, store, fastConfig(), testLogger())

	out := s.Fetch(context.Background(), "N_B", EntityState{}, testWindow)

	if out.Status != StatusSuccess {
		t.Errorf("Status = %q, want success", out.Status)
	}
	if len(out.Records) != 5 {
		t.Fatalf("len(Records) = %d, want 5", len(out.Records))
	}
	if out.Records[0]["id"] != "b1-0" || out.Records[4]["id"] != "b2-2" {
		t.Errorf("records not in chronological chunk order: first %v last %v", out.Records[0]["id"], out.Records[4]["id"])
	}
	if !out.State.Slow || out.State.TimeoutCount != 1 || out.State.ChunkHours != 1 {
		t.Errorf("State = %+v, want slow with one timeout and 1h chunks", out.State)
	}
	if out.Timeouts != 1 {
		t.Errorf("Timeouts = %d, want 1", out.Timeouts)
	}
	if ok, _ := store.Has(context.Background(), "N_B"); !ok {
		t.Error("newly slow entity should be written to the problematic store")
	}
	if calls := src.Calls(); len(calls) != 3 {
		t.Errorf("calls = %d, want 3 (full + 2 chunks)", len(calls))
	}
}

func TestFetch_SlowEntitySkipsStandardCall(t *testing.T) {
	src := &recordingSource{fn: func(ctx context.Context, call int, w Window) ([]client.Record, error) {
		return records("c", 1), nil
	}}
	s := New(src, nil, nil, fastConfig(), testLogger())

	out := s.Fetch(context.Background(), "N_C", EntityState{Slow: true, ChunkHours: 0.5}, testWindow)

	calls := src.Calls()
	if len(calls) != 4 {
		t.Fatalf("calls = %d, want 4 half-hour chunks", len(calls))
	}
	for i, c := range calls {
		if c.Duration() != 30*time.Minute {
			t.Errorf("calls[%d] duration = %v, want 30m", i, c.Duration())
		}
		if i > 0 && !c.Start.Equal(calls[i-1].End) {
			t.Errorf("chunks not contiguous at %d", i)
		}
	}
	if len(out.Records) != 4 {
		t.Errorf("len(Records) = %d, want 4", len(out.Records))
	}
}

func TestFetch_KnownProblematicStartsChunked(t *testing.T) {
	store := &memoryStore{}
	store.Put(context.Background(), "N_P")

	src := &recordingSource{fn: func(ctx context.Context, call int, w Window) ([]client.Record, error) {
		return nil, nil
	}}
	s := New(src, nil, store, fastConfig(), testLogger())

	out := s.Fetch(context.Background(), "N_P", EntityState{}, testWindow)

	for _, c := range src.Calls() {
		if c.Duration() > time.Hour {
			t.Errorf("known problematic entity got a full-window call %v", c)
		}
	}
	if !out.State.Slow {
		t.Error("State.Slow = false, want true")
	}
}

func TestFetch_ChunkHalvingRedoesSameRange(t *testing.T) {
	// Chunks longer than 30 minutes always time out.
	src := &recordingSource{fn: func(ctx context.Context, call int, w Window) ([]client.Record, error) {
		if w.Duration() > 30*time.Minute {
			return nil, errTimeout
		}
		return []client.Record{{"id": client.FormatTime(w.Start)}}, nil
	}}
	s := New(src, nil, nil, fastConfig(), testLogger())

	w := Window{Start: testWindow.Start, End: testWindow.Start.Add(time.Hour)}
	out := s.Fetch(context.Background(), "N_H", EntityState{Slow: true}, w)

	if out.State.ChunkHours != 0.5 {
		t.Errorf("ChunkHours = %v, want 0.5", out.State.ChunkHours)
	}
	if out.Status != StatusSuccess {
		t.Errorf("Status = %q, want success", out.Status)
	}
	if len(out.Records) != 2 {
		t.Fatalf("len(Records) = %d, want 2", len(out.Records))
	}
	if out.Records[0]["id"] != "2024-03-01T08:00:00Z" || out.Records[1]["id"] != "2024-03-01T08:30:00Z" {
		t.Errorf("Records = %v, want both halves of the first hour in order", out.Records)
	}
	if out.State.TimeoutCount != 3 {
		t.Errorf("TimeoutCount = %d, want 3", out.State.TimeoutCount)
	}
}

func TestFetch_ChunkShrinkFloor(t *testing.T) {
	src := &recordingSource{fn: func(ctx context.Context, call int, w Window) ([]client.Record, error) {
		return nil, errTimeout
	}}
	s := New(src, nil, nil, fastConfig(), testLogger())

	out := s.Fetch(context.Background(), "N_F", EntityState{Slow: true}, testWindow)

	if out.State.ChunkHours != 0.25 {
		t.Errorf("ChunkHours = %v, want floor 0.25", out.State.ChunkHours)
	}
	for _, c := range src.Calls() {
		if c.Duration() < 15*time.Minute {
			t.Fatalf("chunk %v is below the 15 minute floor", c)
		}
	}
	// First range tried at 1h, 0.5h, 0.25h; then the remaining 1.75h in
	// seven quarter-hour chunks, all skipped.
	if out.SkippedChunks != 8 {
		t.Errorf("SkippedChunks = %d, want 8", out.SkippedChunks)
	}
	if got := len(src.Calls()); got != 30 {
		t.Errorf("calls = %d, want 30", got)
	}
	if out.Status != StatusPartial {
		t.Errorf("Status = %q, want partial", out.Status)
	}
}

func TestFetch_UnsupportedBlacklists(t *testing.T) {
	t.Run("standard call", func(t *testing.T) {
		src := &recordingSource{fn: func(ctx context.Context, call int, w Window) ([]client.Record, error) {
			return nil, errUnsupported
		}}
		s := New(src, nil, nil, fastConfig(), testLogger())

		out := s.Fetch(context.Background(), "N_X", EntityState{}, testWindow)
		if out.Status != StatusBlacklisted || !out.State.Blacklisted {
			t.Errorf("Status = %q, State = %+v, want blacklisted", out.Status, out.State)
		}
		if len(src.Calls()) != 1 {
			t.Errorf("calls = %d, want 1", len(src.Calls()))
		}
	})

	t.Run("mid chunk returns collected so far", func(t *testing.T) {
		src := &recordingSource{fn: func(ctx context.Context, call int, w Window) ([]client.Record, error) {
			if call == 1 {
				return records("x", 3), nil
			}
			return nil, errUnsupported
		}}
		s := New(src, nil, nil, fastConfig(), testLogger())

		out := s.Fetch(context.Background(), "N_X", EntityState{Slow: true}, testWindow)
		if out.Status != StatusBlacklisted {
			t.Errorf("Status = %q, want blacklisted", out.Status)
		}
		if len(out.Records) != 3 {
			t.Errorf("len(Records) = %d, want 3", len(out.Records))
		}
		if len(src.Calls()) != 2 {
			t.Errorf("calls = %d, want 2 (no retry after unsupported)", len(src.Calls()))
		}
	})
}

func TestFetch_BlacklistedStateIsSkipped(t *testing.T) {
	src := &recordingSource{fn: func(ctx context.Context, call int, w Window) ([]client.Record, error) {
		return records("z", 1), nil
	}}
	s := New(src, nil, nil, fastConfig(), testLogger())

	out := s.Fetch(context.Background(), "N_Z", EntityState{Blacklisted: true}, testWindow)
	if out.Status != StatusSkipped {
		t.Errorf("Status = %q, want skipped", out.Status)
	}
	if len(src.Calls()) != 0 {
		t.Errorf("calls = %d, want 0", len(src.Calls()))
	}
}

func TestFetch_RateLimitInChunk(t *testing.T) {
	tracker := ratelimit.NewTracker(testLogger())
	src := &recordingSource{fn: func(ctx context.Context, call int, w Window) ([]client.Record, error) {
		if call == 1 {
			return nil, errRateLimited
		}
		return records("r", 1), nil
	}}
	s := New(src, tracker, nil, fastConfig(), testLogger())

	w := Window{Start: testWindow.Start, End: testWindow.Start.Add(time.Hour)}
	out := s.Fetch(context.Background(), "N_R", EntityState{Slow: true}, w)

	if out.Status != StatusSuccess || len(out.Records) != 1 {
		t.Errorf("Status = %q, records = %d, want success with 1", out.Status, len(out.Records))
	}
	if out.RateLimitHits != 1 {
		t.Errorf("RateLimitHits = %d, want 1", out.RateLimitHits)
	}
	if !tracker.CheckAndReset() {
		t.Error("tracker should have recorded the hit")
	}
}

// The invoker reports every 429 it retries; the strategy must not count the
// exhausted error a second time.
func TestFetch_RateLimitExhaustedByInvoker(t *testing.T) {
	tracker := ratelimit.NewTracker(testLogger())
	governor, err := ratelimit.NewGovernor(ratelimit.DefaultGovernorConfig(), testLogger())
	if err != nil {
		t.Fatalf("NewGovernor() error = %v", err)
	}
	invoker := client.NewInvoker(governor, client.InvokerConfig{
		AttemptTimeout: time.Second,
		MaxRetries:     2,
		BackoffStep:    time.Millisecond,
	}, testLogger())
	invoker.SetHitRecorder(tracker)

	src := SourceFunc(func(ctx context.Context, id string, w Window) ([]client.Record, error) {
		return nil, invoker.Do(ctx, "clients", func(ctx context.Context) error {
			return errRateLimited
		})
	})
	s := New(src, tracker, nil, fastConfig(), testLogger())

	out := s.Fetch(context.Background(), "N_R", EntityState{}, testWindow)

	if out.Status != StatusPartial {
		t.Errorf("Status = %q, want partial", out.Status)
	}
	if out.RateLimitHits != 1 {
		t.Errorf("RateLimitHits = %d, want 1", out.RateLimitHits)
	}
	if got := tracker.Total(); got != 3 {
		t.Errorf("tracker.Total() = %d, want 3 (one per 429 response)", got)
	}
}

func TestStrategy_HighVolume(t *testing.T) {
	cfg := fastConfig()
	cfg.HighVolumeThreshold = 1000
	s := New(nil, nil, nil, cfg, testLogger())

	tests := []struct {
		n    int
		want bool
	}{
		{999, false},
		{1000, false},
		{1001, true},
	}
	for _, tt := range tests {
		if got := s.highVolume(tt.n); got != tt.want {
			t.Errorf("highVolume(%d) = %v, want %v", tt.n, got, tt.want)
		}
	}

	s = New(nil, nil, nil, fastConfig(), testLogger())
	if s.highVolume(5000) {
		t.Error("highVolume() = true with the check disabled")
	}
}

func TestFetch_NeverFails(t *testing.T) {
	patterns := map[string]func(call int) error{
		"always timeout":     func(int) error { return errTimeout },
		"always rate limit":  func(int) error { return errRateLimited },
		"always unsupported": func(int) error { return errUnsupported },
		"always transient":   func(int) error { return errTransient },
		"intermittent": func(call int) error {
			switch call % 4 {
			case 0:
				return errTimeout
			case 1:
				return errRateLimited
			case 2:
				return errTransient
			default:
				return nil
			}
		},
	}

	valid := map[Status]bool{StatusSuccess: true, StatusPartial: true, StatusBlacklisted: true}

	for name, pattern := range patterns {
		for _, slow := range []bool{false, true} {
			t.Run(fmt.Sprintf("%s/slow=%v", name, slow), func(t *testing.T) {
				src := &recordingSource{fn: func(ctx context.Context, call int, w Window) ([]client.Record, error) {
					if err := pattern(call); err != nil {
						return nil, err
					}
					return records("n", 1), nil
				}}
				s := New(src, ratelimit.NewTracker(testLogger()), nil, fastConfig(), testLogger())

				out := s.Fetch(context.Background(), "N_1", EntityState{Slow: slow}, testWindow)
				if !valid[out.Status] {
					t.Errorf("Status = %q, want a terminal status", out.Status)
				}
				if out.State.ChunkHours != 0 && out.State.ChunkHours < 0.25 {
					t.Errorf("ChunkHours = %v below floor", out.State.ChunkHours)
				}
			})
		}
	}
}

func TestFetch_CancelledKeepsCollected(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := &recordingSource{fn: func(c context.Context, call int, w Window) ([]client.Record, error) {
		if call == 1 {
			return records("k", 2), nil
		}
		cancel()
		<-c.Done()
		return nil, c.Err()
	}}
	s := New(src, nil, nil, fastConfig(), testLogger())

	out := s.Fetch(ctx, "N_K", EntityState{Slow: true}, testWindow)
	if out.Status != StatusCancelled {
		t.Errorf("Status = %q, want cancelled", out.Status)
	}
	if len(out.Records) != 2 {
		t.Errorf("len(Records) = %d, want 2", len(out.Records))
	}
}

func TestStrategy_ChunkTimeout(t *testing.T) {
	s := New(nil, nil, nil, DefaultConfig(), testLogger())

	tests := []struct {
		timeouts int
		retry    int
		want     time.Duration
	}{
		{timeouts: 0, retry: 0, want: 60 * time.Second},
		{timeouts: 0, retry: 1, want: 55 * time.Second},
		{timeouts: 5, retry: 0, want: 30 * time.Second},
		{timeouts: 10, retry: 2, want: 10 * time.Second},
		{timeouts: 100, retry: 0, want: 15 * time.Second},
		{timeouts: 100, retry: 2, want: 10 * time.Second},
	}

	for _, tt := range tests {
		if got := s.chunkTimeout(tt.timeouts, tt.retry); got != tt.want {
			t.Errorf("chunkTimeout(%d, %d) = %v, want %v", tt.timeouts, tt.retry, got, tt.want)
		}
	}
}
