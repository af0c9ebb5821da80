package task

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockSynchronizer records project synchronizer calls for assertions.
type mockSynchronizer struct {
	mu           sync.Mutex
	runningCalls []string
	completions  []completionCall
	latest       map[string]string
	markErr      error
	recordErr    error
}

type completionCall struct {
	projectID string
	taskType  Type
	key       string
}

func newMockSynchronizer() *mockSynchronizer {
	return &mockSynchronizer{latest: make(map[string]string)}
}

func (m *mockSynchronizer) MarkProjectRunning(ctx context.Context, projectID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.markErr != nil {
		return m.markErr
	}
	m.runningCalls = append(m.runningCalls, projectID)
	return nil
}

func (m *mockSynchronizer) RecordTaskCompletion(ctx context.Context, projectID string, taskType Type, result Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recordErr != nil {
		return m.recordErr
	}
	key, _ := result.ArtifactKey()
	m.completions = append(m.completions, completionCall{projectID: projectID, taskType: taskType, key: key})
	return nil
}

func (m *mockSynchronizer) LatestArtifact(ctx context.Context, projectID string, kind string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.latest[projectID+"/"+kind]
	if !ok {
		return "", errors.New("artifact not found")
	}
	return key, nil
}

func (m *mockSynchronizer) completionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.completions)
}

func newRecord(taskType Type, projectID string) Record {
	return Record{
		ID:        uuid.New(),
		ProjectID: projectID,
		Type:      taskType,
		Status:    StatusRunning,
		Payload:   json.RawMessage(`{}`),
	}
}

func TestDispatcher_Process(t *testing.T) {
	t.Parallel()

	t.Run("marks project running before handler", func(t *testing.T) {
		t.Parallel()

		projects := newMockSynchronizer()
		dispatcher := NewDispatcher(projects, newTestLogger())

		var sawRunning bool
		dispatcher.Register(TypeInference, func(ctx context.Context, projectID string, payload json.RawMessage) (Result, error) {
			projects.mu.Lock()
			sawRunning = len(projects.runningCalls) == 1
			projects.mu.Unlock()
			return Result{"metrics_only": true}, nil
		})

		result, err := dispatcher.Process(context.Background(), newRecord(TypeInference, "p1"))
		require.NoError(t, err)
		assert.True(t, sawRunning)
		assert.Equal(t, Result{"metrics_only": true}, result)
		// No artifact key in the result, so no completion call.
		assert.Equal(t, 0, projects.completionCount())
	})

	t.Run("artifact result triggers completion exactly once", func(t *testing.T) {
		t.Parallel()

		projects := newMockSynchronizer()
		dispatcher := NewDispatcher(projects, newTestLogger())
		dispatcher.Register(TypePolygonize, func(ctx context.Context, projectID string, payload json.RawMessage) (Result, error) {
			return Result{ResultKeyPolygonFile: "projects/p1/results/polygons_a.json"}, nil
		})

		_, err := dispatcher.Process(context.Background(), newRecord(TypePolygonize, "p1"))
		require.NoError(t, err)

		require.Equal(t, 1, projects.completionCount())
		assert.Equal(t, completionCall{
			projectID: "p1",
			taskType:  TypePolygonize,
			key:       "projects/p1/results/polygons_a.json",
		}, projects.completions[0])
	})

	t.Run("unknown task type fails but leaves project running", func(t *testing.T) {
		t.Parallel()

		projects := newMockSynchronizer()
		dispatcher := NewDispatcher(projects, newTestLogger())

		_, err := dispatcher.Process(context.Background(), newRecord(Type("bogus"), "p1"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no handler registered")

		// The pre-hook already ran; the project stays marked running.
		assert.Equal(t, []string{"p1"}, projects.runningCalls)
		assert.Equal(t, 0, projects.completionCount())
	})

	t.Run("mark running failure aborts dispatch", func(t *testing.T) {
		t.Parallel()

		projects := newMockSynchronizer()
		projects.markErr = errors.New("db down")
		dispatcher := NewDispatcher(projects, newTestLogger())

		handlerCalled := false
		dispatcher.Register(TypeInference, func(ctx context.Context, projectID string, payload json.RawMessage) (Result, error) {
			handlerCalled = true
			return nil, nil
		})

		_, err := dispatcher.Process(context.Background(), newRecord(TypeInference, "p1"))
		require.Error(t, err)
		assert.False(t, handlerCalled)
	})

	t.Run("handler error propagates", func(t *testing.T) {
		t.Parallel()

		projects := newMockSynchronizer()
		dispatcher := NewDispatcher(projects, newTestLogger())
		dispatcher.Register(TypeInference, func(ctx context.Context, projectID string, payload json.RawMessage) (Result, error) {
			return nil, errors.New("model file not found")
		})

		_, err := dispatcher.Process(context.Background(), newRecord(TypeInference, "p1"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "model file not found")
		assert.Equal(t, 0, projects.completionCount())
	})
}

func TestResult_ArtifactKey(t *testing.T) {
	t.Parallel()

	key, ok := Result{ResultKeyInferenceFile: "projects/p/results/a.tif"}.ArtifactKey()
	assert.True(t, ok)
	assert.Equal(t, "projects/p/results/a.tif", key)

	key, ok = Result{ResultKeyPolygonFile: "projects/p/results/b.json"}.ArtifactKey()
	assert.True(t, ok)
	assert.Equal(t, "projects/p/results/b.json", key)

	_, ok = Result{"other": "x"}.ArtifactKey()
	assert.False(t, ok)

	_, ok = Result{ResultKeyInferenceFile: ""}.ArtifactKey()
	assert.False(t, ok)

	_, ok = Result(nil).ArtifactKey()
	assert.False(t, ok)
}
