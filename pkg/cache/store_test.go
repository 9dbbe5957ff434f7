package cache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// exerciseStore runs the behaviour every backend shares.
func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	ok, err := store.Has(ctx, "N_1")
	if err != nil {
		t.Fatalf("Has() error = %v", err)
	}
	if ok {
		t.Error("Has() on empty store = true")
	}

	for _, id := range []string{"N_2", "N_1", "N_2"} {
		if err := store.Put(ctx, id); err != nil {
			t.Fatalf("Put(%q) error = %v", id, err)
		}
	}

	ok, err = store.Has(ctx, "N_1")
	if err != nil || !ok {
		t.Errorf("Has(N_1) = %v, %v; want true, nil", ok, err)
	}

	ids, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if want := []string{"N_1", "N_2"}; !reflect.DeepEqual(ids, want) {
		t.Errorf("List() = %v, want %v", ids, want)
	}
}

func TestMemory(t *testing.T) {
	exerciseStore(t, NewMemory())
}

func TestMemory_Seeded(t *testing.T) {
	m := NewMemory("N_9")
	ok, _ := m.Has(context.Background(), "N_9")
	if !ok {
		t.Error("seeded id not found")
	}
}

func TestMemory_Closed(t *testing.T) {
	m := NewMemory()
	m.Close()

	if _, err := m.Has(context.Background(), "N_1"); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("Has() error = %v, want ErrStoreClosed", err)
	}
	if err := m.Put(context.Background(), "N_1"); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("Put() error = %v, want ErrStoreClosed", err)
	}
}

func TestFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "problematic.json")
	exerciseStore(t, OpenFile(path, zerolog.Nop()))

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		t.Fatalf("file is not a JSON array: %v", err)
	}
	if want := []string{"N_1", "N_2"}; !reflect.DeepEqual(ids, want) {
		t.Errorf("file contents = %v, want %v", ids, want)
	}
}

func TestFile_Reload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "problematic.json")
	ctx := context.Background()

	first := OpenFile(path, zerolog.Nop())
	if err := first.Put(ctx, "N_1"); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	first.Close()

	second := OpenFile(path, zerolog.Nop())
	ok, err := second.Has(ctx, "N_1")
	if err != nil || !ok {
		t.Errorf("Has(N_1) after reopen = %v, %v; want true, nil", ok, err)
	}
}

func TestFile_SurvivesBadContents(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "not json", content: "{{{ not json"},
		{name: "wrong shape", content: `{"id": "N_1"}`},
		{name: "empty", content: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "problematic.json")
			if err := os.WriteFile(path, []byte(tt.content), 0o600); err != nil {
				t.Fatal(err)
			}

			store := OpenFile(path, zerolog.Nop())
			ids, err := store.List(context.Background())
			if err != nil {
				t.Fatalf("List() error = %v", err)
			}
			if len(ids) != 0 {
				t.Errorf("List() = %v, want empty", ids)
			}

			if err := store.Put(context.Background(), "N_1"); err != nil {
				t.Errorf("Put() on recovered store error = %v", err)
			}
		})
	}
}

func TestFile_WriteFailureKeepsMemory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing-dir", "problematic.json")
	store := OpenFile(path, zerolog.Nop())

	if err := store.Put(context.Background(), "N_1"); err == nil {
		t.Fatal("Put() into missing directory succeeded")
	}
	ok, _ := store.Has(context.Background(), "N_1")
	if !ok {
		t.Error("id lost after write failure")
	}
}

func TestBadger(t *testing.T) {
	store, err := OpenBadger("", zerolog.Nop())
	if err != nil {
		t.Fatalf("OpenBadger() error = %v", err)
	}
	defer store.Close()

	exerciseStore(t, store)

	entries, err := store.Entries(context.Background())
	if err != nil {
		t.Fatalf("Entries() error = %v", err)
	}
	for _, e := range entries {
		if e.MarkedAt.IsZero() {
			t.Errorf("entry %s has no MarkedAt", e.ID)
		}
	}
}

func TestBadger_PutKeepsFirstMark(t *testing.T) {
	store, err := OpenBadger("", zerolog.Nop())
	if err != nil {
		t.Fatalf("OpenBadger() error = %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	store.Put(ctx, "N_1")
	before, _ := store.Entries(ctx)
	store.Put(ctx, "N_1")
	after, _ := store.Entries(ctx)

	if len(after) != 1 || !after[0].MarkedAt.Equal(before[0].MarkedAt) {
		t.Errorf("entries after second Put = %+v, want %+v", after, before)
	}
}

func TestBadger_Closed(t *testing.T) {
	store, err := OpenBadger("", zerolog.Nop())
	if err != nil {
		t.Fatalf("OpenBadger() error = %v", err)
	}
	store.Close()

	if _, err := store.List(context.Background()); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("List() error = %v, want ErrStoreClosed", err)
	}
	if err := store.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		cfg     Config
		want    any
		wantErr error
	}{
		{name: "default is memory", cfg: Config{}, want: &Memory{}},
		{name: "memory", cfg: Config{Backend: BackendMemory}, want: &Memory{}},
		{name: "file", cfg: Config{Backend: BackendFile, Path: filepath.Join(t.TempDir(), "p.json")}, want: &File{}},
		{name: "badger in memory", cfg: Config{Backend: BackendBadger}, want: &Badger{}},
		{name: "unknown", cfg: Config{Backend: "etcd"}, wantErr: ErrUnknownBackend},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := Open(ctx, tt.cfg, zerolog.Nop())
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Open() error = %v, want %v", err, tt.wantErr)
				}
				if store != nil {
					t.Error("Open() returned a store alongside an error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Open() error = %v", err)
			}
			defer store.Close()

			if reflect.TypeOf(store) != reflect.TypeOf(tt.want) {
				t.Errorf("Open() = %T, want %T", store, tt.want)
			}
		})
	}
}

func TestOpen_RedisUnreachable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	store, err := Open(ctx, Config{Backend: BackendRedis, RedisAddr: "127.0.0.1:1"}, zerolog.Nop())
	if err == nil {
		store.Close()
		t.Fatal("Open() against unreachable redis succeeded")
	}
	if store != nil {
		t.Error("Open() returned a non-nil store on error")
	}
}
