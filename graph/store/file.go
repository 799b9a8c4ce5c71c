package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/viant/afs"
	"github.com/viant/afs/file"
	"github.com/viant/afs/url"
)

const checkpointExt = ".json"

// FileStore is a CheckpointStorage that keeps one JSON document per
// checkpoint, named "<checkpoint_id>.json", under a base location.
//
// The base location is anything github.com/viant/afs can address: a local
// directory ("/var/lib/app/checkpoints"), a file:// URL, or mem:// for an
// in-process filesystem. Saving an existing ID replaces its record.
//
// Example:
//
//	st, err := store.NewFileStore(ctx, "./checkpoints")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	wf, err := graph.NewWorkflowBuilder(graph.WithCheckpointing(st)).
//	    SetStartExecutor(start).
//	    Build()
type FileStore struct {
	fs      afs.Service
	baseURL string
	mu      sync.Mutex
}

// NewFileStore creates the base location if needed and returns a store
// rooted there.
func NewFileStore(ctx context.Context, baseURL string) (*FileStore, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("base URL cannot be empty")
	}
	fs := afs.New()
	exists, err := fs.Exists(ctx, baseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to check checkpoint directory %s: %w", baseURL, err)
	}
	if !exists {
		if err := fs.Create(ctx, baseURL, file.DefaultDirOsMode, true); err != nil {
			return nil, fmt.Errorf("failed to create checkpoint directory %s: %w", baseURL, err)
		}
	}
	return &FileStore{fs: fs, baseURL: baseURL}, nil
}

// BaseURL returns the location checkpoints are written to.
func (f *FileStore) BaseURL() string { return f.baseURL }

func (f *FileStore) checkpointURL(id string) string {
	return url.Join(f.baseURL, id+checkpointExt)
}

// SaveCheckpoint implements CheckpointStorage.
func (f *FileStore) SaveCheckpoint(ctx context.Context, cp *WorkflowCheckpoint) (string, error) {
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	// Upload on its own: afs.Move onto a file URL creates a directory of
	// that name.
	target := f.checkpointURL(cp.CheckpointID)
	if err := f.fs.Upload(ctx, target, file.DefaultFileOsMode, bytes.NewReader(data)); err != nil {
		return "", fmt.Errorf("failed to write checkpoint %s: %w", cp.CheckpointID, err)
	}
	return cp.CheckpointID, nil
}

// LoadCheckpoint implements CheckpointStorage.
func (f *FileStore) LoadCheckpoint(ctx context.Context, id string) (*WorkflowCheckpoint, error) {
	target := f.checkpointURL(id)
	exists, err := f.fs.Exists(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("failed to check checkpoint %s: %w", id, err)
	}
	if !exists {
		return nil, ErrNotFound
	}
	return f.read(ctx, target)
}

func (f *FileStore) read(ctx context.Context, location string) (*WorkflowCheckpoint, error) {
	data, err := f.fs.DownloadWithURL(ctx, location)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint %s: %w", location, err)
	}
	cp, err := unmarshalCheckpoint(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", location, err)
	}
	return cp, nil
}

// ListCheckpointIDs implements CheckpointStorage.
func (f *FileStore) ListCheckpointIDs(ctx context.Context, workflowID string) ([]string, error) {
	cps, err := f.ListCheckpoints(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(cps))
	for i, cp := range cps {
		ids[i] = cp.CheckpointID
	}
	return ids, nil
}

// ListCheckpoints implements CheckpointStorage. Records that cannot be read
// are skipped; the result is ordered by timestamp.
func (f *FileStore) ListCheckpoints(ctx context.Context, workflowID string) ([]*WorkflowCheckpoint, error) {
	objects, err := f.fs.List(ctx, f.baseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}

	var result []*WorkflowCheckpoint
	for _, obj := range objects {
		if obj.IsDir() || !strings.HasSuffix(obj.Name(), checkpointExt) {
			continue
		}
		cp, err := f.read(ctx, obj.URL())
		if err != nil {
			continue
		}
		if workflowID != "" && cp.WorkflowID != workflowID {
			continue
		}
		result = append(result, cp)
	}
	sort.SliceStable(result, func(i, j int) bool {
		ti, tj := result[i].Time(), result[j].Time()
		if ti.Equal(tj) {
			return result[i].CheckpointID < result[j].CheckpointID
		}
		return ti.Before(tj)
	})
	return result, nil
}

// DeleteCheckpoint implements CheckpointStorage.
func (f *FileStore) DeleteCheckpoint(ctx context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	target := f.checkpointURL(id)
	exists, err := f.fs.Exists(ctx, target)
	if err != nil {
		return false, fmt.Errorf("failed to check checkpoint %s: %w", id, err)
	}
	if !exists {
		return false, nil
	}
	if err := f.fs.Delete(ctx, target); err != nil {
		return false, fmt.Errorf("failed to delete checkpoint %s: %w", id, err)
	}
	return true, nil
}
