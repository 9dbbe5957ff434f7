package metrics

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRegistry(t *testing.T) {
	if Registry == nil {
		t.Error("Registry should not be nil")
	}

	if Registry != prometheus.DefaultRegisterer {
		t.Error("Registry should be the default Prometheus registerer")
	}
}

func testRegistry(t *testing.T) *prometheus.Registry {
	t.Helper()

	reg := prometheus.NewRegistry()
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meraki_collection_runs_total",
		Help: "Total collection runs by result",
	}, []string{"result"})
	other := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "go_unrelated",
		Help: "Not a meraki metric",
	})
	reg.MustRegister(runs, other)

	runs.WithLabelValues("complete").Add(2)
	other.Set(1)
	return reg
}

func TestSnapshot(t *testing.T) {
	data, err := Snapshot(testRegistry(t))
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}

	out := string(data)
	if !strings.Contains(out, `meraki_collection_runs_total{result="complete"} 2`) {
		t.Errorf("snapshot missing counter sample:\n%s", out)
	}
	if !strings.Contains(out, "# TYPE meraki_collection_runs_total counter") {
		t.Errorf("snapshot missing TYPE line:\n%s", out)
	}
	if strings.Contains(out, "go_unrelated") {
		t.Errorf("snapshot contains foreign metric:\n%s", out)
	}
}

func TestWriteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.prom")

	if err := WriteFile(path, testRegistry(t)); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !bytes.Contains(data, []byte("meraki_collection_runs_total")) {
		t.Errorf("file missing metric:\n%s", data)
	}
}

func TestWriteFile_MissingDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "metrics.prom")
	if err := WriteFile(path, testRegistry(t)); err == nil {
		t.Error("WriteFile() into missing directory succeeded")
	}
}
