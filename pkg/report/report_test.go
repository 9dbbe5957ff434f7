package report

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Sternrassler/meraki-report/pkg/aggregate"
	"github.com/Sternrassler/meraki-report/pkg/client"
	"github.com/Sternrassler/meraki-report/pkg/collector"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

func testResult() *collector.Result {
	day := time.Date(2026, 10, 14, 0, 1, 0, 0, time.UTC)
	return &collector.Result{
		RunID:         "run-1",
		Days:          2,
		Organizations: []collector.Organization{{ID: "1", Name: "Alpha"}},
		Dashboard:     collector.DashboardStats{TotalNetworks: 3, TotalInventory: 2, TotalActiveNodes: 1},
		Filtered:      collector.FilterCounts{SystemsManager: 1},
		Clients: &aggregate.Report{
			TotalDeduped:  33,
			TotalRaw:      35,
			AverageUnique: 17.5,
			AverageRaw:    17.5,
			PerWindow: []aggregate.WindowCount{
				{Index: 0, Start: day, End: day.Add(time.Hour), Unique: 15, Raw: 15},
				{Index: 1, Start: day.AddDate(0, 0, -1), End: day, Unique: 20, Raw: 20},
			},
			Diagnostics: aggregate.Diagnostics{SlowEntities: []string{"N_2"}, Timeouts: 1},
			Complete:    true,
		},
		Inventory: []client.Record{{"serial": "Q-1"}, {"serial": "Q-2"}},
		Duration:  1500 * time.Millisecond,
	}
}

func TestBuild(t *testing.T) {
	generated := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	doc := Build(testResult(), generated, Options{})

	if doc.Clients.TotalUnique != 33 || doc.Clients.TotalRaw != 35 {
		t.Errorf("client totals = %d/%d, want 33/35", doc.Clients.TotalUnique, doc.Clients.TotalRaw)
	}
	if len(doc.Clients.PerDay) != 2 || doc.Clients.PerDay[1].Date != "2026-10-13" {
		t.Errorf("PerDay = %+v", doc.Clients.PerDay)
	}
	if doc.InventoryCount != 2 || doc.Inventory != nil {
		t.Errorf("inventory = %d/%v, want count only", doc.InventoryCount, doc.Inventory)
	}
	if doc.Duration != "1.5s" {
		t.Errorf("Duration = %q, want 1.5s", doc.Duration)
	}

	full := Build(testResult(), generated, Options{IncludeInventory: true})
	if len(full.Inventory) != 2 {
		t.Errorf("len(Inventory) = %d, want 2", len(full.Inventory))
	}
}

func TestBuild_NoClientReport(t *testing.T) {
	r := testResult()
	r.Clients = nil

	doc := Build(r, time.Now(), Options{})
	if doc.Clients.Days != 2 || doc.Clients.PerDay != nil {
		t.Errorf("Clients = %+v", doc.Clients)
	}
}

func TestFormatFor(t *testing.T) {
	tests := []struct {
		path    string
		want    Format
		wantErr bool
	}{
		{path: "report.json", want: FormatJSON},
		{path: "out/Report.JSON", want: FormatJSON},
		{path: "report.yaml", want: FormatYAML},
		{path: "report.yml", want: FormatYAML},
		{path: "report.pptx", wantErr: true},
		{path: "report", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, err := FormatFor(tt.path)
			if tt.wantErr {
				if !errors.Is(err, ErrUnsupportedFormat) {
					t.Errorf("FormatFor() error = %v, want ErrUnsupportedFormat", err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Errorf("FormatFor() = %q, %v; want %q", got, err, tt.want)
			}
		})
	}
}

func TestFileSink(t *testing.T) {
	doc := Build(testResult(), time.Now(), Options{IncludeInventory: true})

	tests := []struct {
		name   string
		file   string
		decode func([]byte, any) error
	}{
		{name: "json", file: "report.json", decode: json.Unmarshal},
		{name: "yaml", file: "report.yaml", decode: yaml.Unmarshal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), tt.file)
			sink, err := NewFileSink(path, zerolog.Nop())
			if err != nil {
				t.Fatalf("NewFileSink() error = %v", err)
			}
			if err := sink.Write(context.Background(), doc); err != nil {
				t.Fatalf("Write() error = %v", err)
			}

			data, err := os.ReadFile(path)
			if err != nil {
				t.Fatalf("ReadFile() error = %v", err)
			}

			var got map[string]any
			if err := tt.decode(data, &got); err != nil {
				t.Fatalf("output is not parseable: %v", err)
			}
			if got["run_id"] != "run-1" {
				t.Errorf("run_id = %v, want run-1", got["run_id"])
			}
			clients, ok := got["clients"].(map[string]any)
			if !ok {
				t.Fatalf("clients section missing: %v", got)
			}
			if total, ok := clients["total_unique"]; !ok || total == nil {
				t.Errorf("clients.total_unique missing")
			}
		})
	}
}

func TestFileSink_Unsupported(t *testing.T) {
	if _, err := NewFileSink("report.pptx", zerolog.Nop()); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("NewFileSink() error = %v, want ErrUnsupportedFormat", err)
	}
}

func TestWriterSink_CancelledContext(t *testing.T) {
	var buf bytes.Buffer
	sink := NewWriterSink(&buf, FormatJSON)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := sink.Write(ctx, Document{}); !errors.Is(err, context.Canceled) {
		t.Errorf("Write() error = %v, want context.Canceled", err)
	}
	if buf.Len() != 0 {
		t.Error("cancelled write produced output")
	}
}

func TestWriterSink_YAML(t *testing.T) {
	var buf bytes.Buffer
	sink := NewWriterSink(&buf, FormatYAML)

	if err := sink.Write(context.Background(), Build(testResult(), time.Now(), Options{})); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if !bytes.Contains(buf.Bytes(), []byte("total_unique: 33")) {
		t.Errorf("yaml output missing total_unique:\n%s", buf.String())
	}
}
