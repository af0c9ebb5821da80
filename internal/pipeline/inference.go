package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fieldlens/inference-api/internal/config"
	"github.com/fieldlens/inference-api/internal/storage"
	"github.com/fieldlens/inference-api/internal/task"
)

// Pipeline wires the external ML command to storage and the project
// synchronizer. One instance serves all workers.
type Pipeline struct {
	storage  storage.Backend
	projects task.ProjectSynchronizer
	runner   CommandRunner
	cfg      config.MLConfig
	logger   *slog.Logger
}

// NewPipeline creates the pipeline with its collaborators.
func NewPipeline(
	store storage.Backend,
	projects task.ProjectSynchronizer,
	runner CommandRunner,
	cfg config.MLConfig,
	logger *slog.Logger,
) *Pipeline {
	return &Pipeline{
		storage:  store,
		projects: projects,
		runner:   runner,
		cfg:      cfg,
		logger:   logger,
	}
}

// Register binds the pipeline's handlers to their task types.
func (p *Pipeline) Register(d *task.Dispatcher) {
	d.Register(task.TypeInference, p.HandleInference)
	d.Register(task.TypePolygonize, p.HandlePolygonize)
}

// InferenceParams is the type-specific portion of an inference submission.
type InferenceParams struct {
	Images       []string  `json:"images"`
	BBox         []float64 `json:"bbox"`
	Model        string    `json:"model"`
	ResizeFactor float64   `json:"resize_factor"`
	Padding      int       `json:"padding"`
	PatchSize    *int      `json:"patch_size,omitempty"`
}

func (params *InferenceParams) validate() error {
	if len(params.Images) != 2 {
		return fmt.Errorf("images must be a list of two items, got %d", len(params.Images))
	}
	if len(params.BBox) != 4 {
		return fmt.Errorf("bounding box must be in format [minX, minY, maxX, maxY]")
	}
	minLon, minLat, maxLon, maxLat := params.BBox[0], params.BBox[1], params.BBox[2], params.BBox[3]
	if minLon < -180 || maxLon > 180 {
		return fmt.Errorf("longitude values must be between -180 and 180 degrees in EPSG:4326")
	}
	if minLat < -90 || maxLat > 90 {
		return fmt.Errorf("latitude values must be between -90 and 90 degrees in EPSG:4326")
	}
	if minLon >= maxLon || minLat >= maxLat {
		return fmt.Errorf("invalid bounding box: min values must be less than max values")
	}
	if params.Model == "" {
		return fmt.Errorf("model is required")
	}
	if params.ResizeFactor <= 0 {
		return fmt.Errorf("resize factor must be a positive number")
	}
	if params.Padding < 0 {
		return fmt.Errorf("padding must be a positive integer or 0")
	}
	if params.PatchSize != nil && *params.PatchSize%32 != 0 {
		return fmt.Errorf("patch size must be a multiple of 32")
	}
	return nil
}

// HandleInference downloads and mosaics the requested imagery, runs the
// external inference command on it, and uploads the produced raster under
// projects/{project_id}/results/inference_{uid}.tif.
func (p *Pipeline) HandleInference(ctx context.Context, projectID string, payload json.RawMessage) (task.Result, error) {
	var params InferenceParams
	if err := json.Unmarshal(payload, &params); err != nil {
		return nil, fmt.Errorf("decode inference params: %w", err)
	}
	if err := params.validate(); err != nil {
		return nil, err
	}

	uid := uuid.New().String()
	workDir, err := os.MkdirTemp("", "fieldlens-inference-")
	if err != nil {
		return nil, fmt.Errorf("create temp workspace: %w", err)
	}
	defer func() { _ = os.RemoveAll(workDir) }()

	imageFile := filepath.Join(workDir, uid+".tif")
	inferenceFile := filepath.Join(workDir, uid+".inference.tif")

	bbox := joinFloats(params.BBox)

	downloadStart := time.Now()
	err = p.runner.Run(ctx, p.cfg.Command,
		"inference", "download",
		"--out", imageFile,
		"--win_a", params.Images[0],
		"--win_b", params.Images[1],
		"--bbox", bbox,
	)
	if err != nil {
		return nil, err
	}
	downloadMS := msSince(downloadStart)
	p.logger.Info("imagery download completed", "project_id", projectID, "download_time_ms", downloadMS)

	inferenceArgs := []string{
		"inference", "run", imageFile,
		"--overwrite",
		"--out", inferenceFile,
		"--model", params.Model,
		"--resize_factor", strconv.FormatFloat(params.ResizeFactor, 'f', -1, 64),
		"--padding", strconv.Itoa(params.Padding),
	}
	if params.PatchSize != nil {
		inferenceArgs = append(inferenceArgs, "--patch_size", strconv.Itoa(*params.PatchSize))
	}
	if p.cfg.GPU != nil {
		inferenceArgs = append(inferenceArgs, "--gpu", strconv.Itoa(*p.cfg.GPU))
	}

	inferenceStart := time.Now()
	if err := p.runner.Run(ctx, p.cfg.Command, inferenceArgs...); err != nil {
		return nil, err
	}
	inferenceMS := msSince(inferenceStart)
	p.logger.Info("ml inference completed", "project_id", projectID, "inference_time_ms", inferenceMS)

	resultKey := fmt.Sprintf("projects/%s/results/inference_%s.tif", projectID, uid)
	key, err := p.storage.Upload(ctx, inferenceFile, resultKey)
	if err != nil {
		return nil, err
	}

	return task.Result{
		task.ResultKeyInferenceFile: key,
		"inference_key":             key,
		"download_time_ms":          downloadMS,
		"inference_time_ms":         inferenceMS,
	}, nil
}

func joinFloats(values []float64) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.FormatFloat(v, 'f', -1, 64)
	}
	return strings.Join(parts, ",")
}

func msSince(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}
