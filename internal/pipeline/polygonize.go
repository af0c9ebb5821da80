package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/fieldlens/inference-api/internal/task"
)

// PolygonizeParams is the type-specific portion of a polygonize submission.
type PolygonizeParams struct {
	Simplify       float64 `json:"simplify"`
	MinSize        float64 `json:"min_size"`
	CloseInteriors bool    `json:"close_interiors"`
}

// HandlePolygonize fetches the project's latest inference raster, runs the
// external polygonize command on it, and uploads the produced GeoJSON under
// projects/{project_id}/results/polygons_{uid}.json.
func (p *Pipeline) HandlePolygonize(ctx context.Context, projectID string, payload json.RawMessage) (task.Result, error) {
	start := time.Now()

	var params PolygonizeParams
	if err := json.Unmarshal(payload, &params); err != nil {
		return nil, fmt.Errorf("decode polygonize params: %w", err)
	}

	inferenceKey, err := p.projects.LatestArtifact(ctx, projectID, string(task.TypeInference))
	if err != nil {
		return nil, fmt.Errorf("no inference results found for this project: %w", err)
	}

	uid := uuid.New().String()
	workDir, err := os.MkdirTemp("", "fieldlens-polygonize-")
	if err != nil {
		return nil, fmt.Errorf("create temp workspace: %w", err)
	}
	defer func() { _ = os.RemoveAll(workDir) }()

	inferenceFile := filepath.Join(workDir, uid+".inference.tif")
	polygonFile := filepath.Join(workDir, uid+".polygons.json")

	if err := p.storage.Download(ctx, inferenceKey, inferenceFile); err != nil {
		return nil, err
	}

	args := []string{
		"inference", "polygonize", inferenceFile,
		"--overwrite",
		"--out", polygonFile,
		"--simplify", strconv.FormatFloat(params.Simplify, 'f', -1, 64),
		"--min_size", strconv.FormatFloat(params.MinSize, 'f', -1, 64),
	}
	if params.CloseInteriors {
		args = append(args, "--close_interiors")
	}

	polygonizeStart := time.Now()
	if err := p.runner.Run(ctx, p.cfg.Command, args...); err != nil {
		return nil, err
	}
	polygonizeMS := msSince(polygonizeStart)

	polygonsGenerated, err := countFeatures(polygonFile)
	if err != nil {
		return nil, err
	}

	resultKey := fmt.Sprintf("projects/%s/results/polygons_%s.json", projectID, uid)
	key, err := p.storage.Upload(ctx, polygonFile, resultKey)
	if err != nil {
		return nil, err
	}

	totalMS := msSince(start)
	p.logger.Info("polygonization completed",
		"project_id", projectID,
		"polygonize_time_ms", polygonizeMS,
		"total_time_ms", totalMS,
		"polygons_generated", polygonsGenerated,
		"storage_key", key)

	return task.Result{
		task.ResultKeyPolygonFile: key,
		"polygon_key":             key,
		"polygonize_time_ms":      polygonizeMS,
		"total_time_ms":           totalMS,
		"polygons_generated":      polygonsGenerated,
	}, nil
}

// countFeatures reads the produced GeoJSON and counts its features.
func countFeatures(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read polygon output: %w", err)
	}
	var doc struct {
		Features []json.RawMessage `json:"features"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return 0, fmt.Errorf("parse polygon output: %w", err)
	}
	return len(doc.Features), nil
}
