package main

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/vango-dev/nest/internal/errors"
	"github.com/vango-dev/nest/pkg/graph"
	"github.com/vango-dev/nest/pkg/remote"
	"github.com/vango-dev/nest/pkg/remote/memremote"
)

func TestParseValue(t *testing.T) {
	tests := []struct {
		in   string
		want any
	}{
		{`{"name":"Ann"}`, map[string]any{"name": "Ann"}},
		{`42`, float64(42)},
		{`true`, true},
		{`"quoted"`, "quoted"},
		{`plain text`, "plain text"},
		{`null`, nil},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := parseValue(tt.in); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("parseValue(%q) = %#v, want %#v", tt.in, got, tt.want)
			}
		})
	}
}

func TestLoadSeed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "seed.json")
	if err := os.WriteFile(path, []byte(`{"users":{"u1":{"name":"Ann"}}}`), 0644); err != nil {
		t.Fatal(err)
	}

	svc := memremote.New()
	defer svc.Close()

	size, err := loadSeed(svc, path)
	if err != nil {
		t.Fatalf("loadSeed() error = %v", err)
	}
	if size == 0 {
		t.Error("loadSeed() size = 0")
	}

	snap, err := svc.Get(context.Background(), remote.Ref("users/u1/name"))
	if err != nil {
		t.Fatal(err)
	}
	if snap.Value != "Ann" {
		t.Errorf("users/u1/name = %v, want Ann", snap.Value)
	}
}

func TestLoadSeedRejectsNonObject(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.json")
	if err := os.WriteFile(path, []byte(`[1,2]`), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := loadSeed(memremote.New(), path)
	if errors.CodeOf(err) != "N102" {
		t.Errorf("loadSeed() error = %v, want N102", err)
	}
}

func TestPrintGraphUnknownFormat(t *testing.T) {
	err := printGraph(graph.Graph{}, "svg")
	if errors.CodeOf(err) != "N111" {
		t.Errorf("printGraph() error = %v, want N111", err)
	}
}

func TestLoadUsesDefaults(t *testing.T) {
	opts := &globalOptions{dir: t.TempDir(), logLevel: "debug"}
	e, err := opts.load()
	if err != nil {
		t.Fatalf("load() error = %v", err)
	}
	if e.cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", e.cfg.LogLevel)
	}

	opts.logLevel = "loud"
	if _, err := opts.load(); errors.CodeOf(err) != "N102" {
		t.Errorf("load() error = %v, want N102", err)
	}
}

func TestFileSinkFromConfig(t *testing.T) {
	opts := &globalOptions{dir: t.TempDir()}
	e, err := opts.load()
	if err != nil {
		t.Fatal(err)
	}
	e.cfg.Snapshot.Dir = filepath.Join(opts.dir, "snaps")

	sink, err := e.sink()
	if err != nil {
		t.Fatalf("sink() error = %v", err)
	}
	info, err := sink.Save(context.Background(), map[string]any{"msgs": map[string]any{"m1": "hi"}})
	if err != nil {
		t.Fatal(err)
	}
	data, err := sink.Load(context.Background(), info.Name)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(data["msgs"], map[string]any{"m1": "hi"}) {
		t.Errorf("loaded %v", data)
	}
}
