package heatmap

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func sampleResult() *Result {
	return &Result{
		Level:   16,
		Columns: 8,
		Rows:    8,
		Map:     Map{"16_0_0": 1, "16_1_0": 0.87654321, "16_2_3": 0},
		Stats:   newStats(),
	}
}

func TestFileSink_RoundTrip(t *testing.T) {
	for _, format := range []string{FormatJSON, FormatJSONZstd} {
		t.Run(format, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "out", "slide_truth_16"+Extension(format))
			sink, err := NewSink(format, path, DefaultPrecision)
			if err != nil {
				t.Fatalf("NewSink: %v", err)
			}
			res := sampleResult()
			if err := sink.Write(context.Background(), res); err != nil {
				t.Fatalf("Write: %v", err)
			}

			got, err := ReadFile(path)
			if err != nil {
				t.Fatalf("ReadFile: %v", err)
			}
			want := Map{"16_0_0": 1, "16_1_0": 0.8765, "16_2_3": 0}
			if !reflect.DeepEqual(got, want) {
				t.Fatalf("got %v, want %v", got, want)
			}

			entries, _ := os.ReadDir(filepath.Dir(path))
			if len(entries) != 1 {
				t.Errorf("expected only the result file, found %d entries", len(entries))
			}
		})
	}
}

func TestFileSink_WriteError(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	res := sampleResult()
	sink := &FileSink{Path: filepath.Join(blocker, "result.json"), Precision: DefaultPrecision}
	err := sink.Write(context.Background(), res)
	if !errors.Is(err, ErrSinkWrite) {
		t.Fatalf("expected ErrSinkWrite, got %v", err)
	}
	if len(res.Map) != 3 || res.Map["16_1_0"] != 0.87654321 {
		t.Errorf("result changed after failed write: %v", res.Map)
	}

	// Retrying only the write step succeeds once the path is usable.
	sink.Path = filepath.Join(dir, "result.json")
	if err := sink.Write(context.Background(), res); err != nil {
		t.Fatalf("retry: %v", err)
	}
}

func TestNewSink_UnknownFormat(t *testing.T) {
	if _, err := NewSink("csv", "x.csv", 4); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}
