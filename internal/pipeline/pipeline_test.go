package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldlens/inference-api/internal/config"
	"github.com/fieldlens/inference-api/internal/storage"
	"github.com/fieldlens/inference-api/internal/task"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

// stubRunner records every invocation and fabricates the file the command
// was asked to produce via its --out flag.
type stubRunner struct {
	calls      [][]string
	outContent string
	err        error
}

func (r *stubRunner) Run(ctx context.Context, name string, args ...string) error {
	r.calls = append(r.calls, append([]string{name}, args...))
	if r.err != nil {
		return r.err
	}
	for i, a := range args {
		if a == "--out" && i+1 < len(args) {
			if err := os.WriteFile(args[i+1], []byte(r.outContent), 0o644); err != nil {
				return err
			}
		}
	}
	return nil
}

// argsOf flattens a recorded call for substring assertions.
func argsOf(call []string) string {
	return strings.Join(call, " ")
}

// stubProjects satisfies the synchronizer with a canned latest artifact.
type stubProjects struct {
	latestKey string
	latestErr error
}

func (s *stubProjects) MarkProjectRunning(ctx context.Context, projectID string) error {
	return nil
}

func (s *stubProjects) RecordTaskCompletion(ctx context.Context, projectID string, taskType task.Type, result task.Result) error {
	return nil
}

func (s *stubProjects) LatestArtifact(ctx context.Context, projectID string, kind string) (string, error) {
	return s.latestKey, s.latestErr
}

func newTestPipeline(t *testing.T, runner CommandRunner, projects task.ProjectSynchronizer, cfg config.MLConfig) (*Pipeline, storage.Backend) {
	t.Helper()

	backend, err := storage.New(config.StorageConfig{
		Backend: config.StorageBackendLocal,
		Local:   config.LocalStorageConfig{RootDir: t.TempDir()},
	}, newTestLogger())
	require.NoError(t, err)

	return NewPipeline(backend, projects, runner, cfg, newTestLogger()), backend
}

func validInferencePayload(t *testing.T, mutate func(*InferenceParams)) json.RawMessage {
	t.Helper()

	params := InferenceParams{
		Images:       []string{"S2A_20250601", "S2A_20250901"},
		BBox:         []float64{10.5, 20.5, 30.5, 40.5},
		Model:        "models/ftw-v3.ckpt",
		ResizeFactor: 2,
		Padding:      64,
	}
	if mutate != nil {
		mutate(&params)
	}
	data, err := json.Marshal(params)
	require.NoError(t, err)
	return data
}

func TestInferenceParams_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*InferenceParams)
		wantErr string
	}{
		{
			name:    "one image",
			mutate:  func(p *InferenceParams) { p.Images = p.Images[:1] },
			wantErr: "list of two items",
		},
		{
			name:    "bbox wrong length",
			mutate:  func(p *InferenceParams) { p.BBox = []float64{1, 2, 3} },
			wantErr: "minX, minY, maxX, maxY",
		},
		{
			name:    "longitude out of range",
			mutate:  func(p *InferenceParams) { p.BBox = []float64{-181, 20, 30, 40} },
			wantErr: "longitude",
		},
		{
			name:    "latitude out of range",
			mutate:  func(p *InferenceParams) { p.BBox = []float64{10, 20, 30, 91} },
			wantErr: "latitude",
		},
		{
			name:    "min not less than max",
			mutate:  func(p *InferenceParams) { p.BBox = []float64{30, 20, 10, 40} },
			wantErr: "min values must be less than max",
		},
		{
			name:    "missing model",
			mutate:  func(p *InferenceParams) { p.Model = "" },
			wantErr: "model is required",
		},
		{
			name:    "non-positive resize factor",
			mutate:  func(p *InferenceParams) { p.ResizeFactor = 0 },
			wantErr: "resize factor",
		},
		{
			name:    "negative padding",
			mutate:  func(p *InferenceParams) { p.Padding = -1 },
			wantErr: "padding",
		},
		{
			name: "patch size not multiple of 32",
			mutate: func(p *InferenceParams) {
				size := 100
				p.PatchSize = &size
			},
			wantErr: "multiple of 32",
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			params := InferenceParams{
				Images:       []string{"a", "b"},
				BBox:         []float64{10.5, 20.5, 30.5, 40.5},
				Model:        "m",
				ResizeFactor: 2,
			}
			tc.mutate(&params)

			err := params.validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}

	valid := InferenceParams{
		Images:       []string{"a", "b"},
		BBox:         []float64{10.5, 20.5, 30.5, 40.5},
		Model:        "m",
		ResizeFactor: 2,
	}
	assert.NoError(t, valid.validate())
}

func TestHandleInference(t *testing.T) {
	t.Parallel()

	runner := &stubRunner{outContent: "raster"}
	pipe, backend := newTestPipeline(t, runner, &stubProjects{}, config.MLConfig{Command: "ftw"})

	result, err := pipe.HandleInference(context.Background(), "p1", validInferencePayload(t, nil))
	require.NoError(t, err)

	key, ok := result.ArtifactKey()
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(key, "projects/p1/results/inference_"), "got %q", key)
	assert.True(t, strings.HasSuffix(key, ".tif"), "got %q", key)
	assert.Equal(t, key, result["inference_key"])
	assert.Contains(t, result, "download_time_ms")
	assert.Contains(t, result, "inference_time_ms")

	exists, err := backend.Exists(context.Background(), key)
	require.NoError(t, err)
	assert.True(t, exists)

	require.Len(t, runner.calls, 2)
	download := argsOf(runner.calls[0])
	assert.Contains(t, download, "ftw inference download")
	assert.Contains(t, download, "--win_a S2A_20250601")
	assert.Contains(t, download, "--win_b S2A_20250901")
	assert.Contains(t, download, "--bbox 10.5,20.5,30.5,40.5")

	run := argsOf(runner.calls[1])
	assert.Contains(t, run, "ftw inference run")
	assert.Contains(t, run, "--model models/ftw-v3.ckpt")
	assert.Contains(t, run, "--resize_factor 2")
	assert.Contains(t, run, "--padding 64")
	assert.NotContains(t, run, "--patch_size")
	assert.NotContains(t, run, "--gpu")
}

func TestHandleInference_OptionalFlags(t *testing.T) {
	t.Parallel()

	gpu := 0
	runner := &stubRunner{outContent: "raster"}
	pipe, _ := newTestPipeline(t, runner, &stubProjects{}, config.MLConfig{Command: "ftw", GPU: &gpu})

	payload := validInferencePayload(t, func(p *InferenceParams) {
		size := 128
		p.PatchSize = &size
	})

	_, err := pipe.HandleInference(context.Background(), "p1", payload)
	require.NoError(t, err)

	require.Len(t, runner.calls, 2)
	run := argsOf(runner.calls[1])
	assert.Contains(t, run, "--patch_size 128")
	assert.Contains(t, run, "--gpu 0")
}

func TestHandleInference_InvalidParams(t *testing.T) {
	t.Parallel()

	runner := &stubRunner{outContent: "raster"}
	pipe, _ := newTestPipeline(t, runner, &stubProjects{}, config.MLConfig{Command: "ftw"})

	_, err := pipe.HandleInference(context.Background(), "p1", validInferencePayload(t, func(p *InferenceParams) {
		p.Model = ""
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model is required")
	assert.Empty(t, runner.calls)
}

func TestHandleInference_CommandFailure(t *testing.T) {
	t.Parallel()

	runner := &stubRunner{err: errors.New("command ftw failed: exit status 1: CUDA out of memory")}
	pipe, backend := newTestPipeline(t, runner, &stubProjects{}, config.MLConfig{Command: "ftw"})

	_, err := pipe.HandleInference(context.Background(), "p1", validInferencePayload(t, nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CUDA out of memory")

	keys, err := backend.List(context.Background(), "projects/p1")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestHandlePolygonize(t *testing.T) {
	t.Parallel()

	const geojson = `{"type":"FeatureCollection","features":[{"type":"Feature"},{"type":"Feature"},{"type":"Feature"}]}`

	runner := &stubRunner{outContent: geojson}
	projects := &stubProjects{latestKey: "projects/p1/results/inference_prev.tif"}
	pipe, backend := newTestPipeline(t, runner, projects, config.MLConfig{Command: "ftw"})

	// Seed the raster the polygonize step downloads.
	raster := t.TempDir() + "/inference_prev.tif"
	require.NoError(t, os.WriteFile(raster, []byte("raster"), 0o644))
	_, err := backend.Upload(context.Background(), raster, projects.latestKey)
	require.NoError(t, err)

	payload, err := json.Marshal(PolygonizeParams{Simplify: 15, MinSize: 500, CloseInteriors: true})
	require.NoError(t, err)

	result, err := pipe.HandlePolygonize(context.Background(), "p1", payload)
	require.NoError(t, err)

	key, ok := result.ArtifactKey()
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(key, "projects/p1/results/polygons_"), "got %q", key)
	assert.True(t, strings.HasSuffix(key, ".json"), "got %q", key)
	assert.Equal(t, key, result["polygon_key"])
	assert.Equal(t, 3, result["polygons_generated"])
	assert.Contains(t, result, "polygonize_time_ms")
	assert.Contains(t, result, "total_time_ms")

	exists, err := backend.Exists(context.Background(), key)
	require.NoError(t, err)
	assert.True(t, exists)

	require.Len(t, runner.calls, 1)
	call := argsOf(runner.calls[0])
	assert.Contains(t, call, "ftw inference polygonize")
	assert.Contains(t, call, "--simplify 15")
	assert.Contains(t, call, "--min_size 500")
	assert.Contains(t, call, "--close_interiors")
}

func TestHandlePolygonize_NoPriorInference(t *testing.T) {
	t.Parallel()

	runner := &stubRunner{}
	projects := &stubProjects{latestErr: errors.New("artifact not found")}
	pipe, _ := newTestPipeline(t, runner, projects, config.MLConfig{Command: "ftw"})

	_, err := pipe.HandlePolygonize(context.Background(), "p1", json.RawMessage(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no inference results found")
	assert.Empty(t, runner.calls)
}
