package viz

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/roach88/vizq/internal/params"
	"github.com/roach88/vizq/internal/payload"
)

// Binding applies a bundle to the host visualization. Handlers call it
// before a change is committed; an error leaves history untouched.
type Binding interface {
	Apply(ctx context.Context, template string, b params.Bundle) error
}

// NopBinding accepts every bundle and does nothing.
type NopBinding struct{}

// Apply implements Binding.
func (NopBinding) Apply(context.Context, string, params.Bundle) error { return nil }

// FileBinding renders each applied bundle as canonical JSON at Path,
// replacing the file atomically so a host-side reader never sees a
// partial write.
type FileBinding struct {
	Path string

	mu sync.Mutex
}

// NewFileBinding creates a binding writing to path.
func NewFileBinding(path string) *FileBinding {
	return &FileBinding{Path: path}
}

// Apply implements Binding.
func (f *FileBinding) Apply(ctx context.Context, template string, b params.Bundle) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := payload.MarshalMap(payload.Map{
		"template":   template,
		"parameters": b.ToMap(),
	})
	if err != nil {
		return fmt.Errorf("render bundle: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	dir := filepath.Dir(f.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(f.Path)+".*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("write bundle: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync bundle: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close bundle: %w", err)
	}
	if err := os.Rename(tmpName, f.Path); err != nil {
		return fmt.Errorf("replace %s: %w", f.Path, err)
	}
	return nil
}

// RecordingBinding keeps every applied bundle in memory. It can be told to
// fail, which the scenario harness uses to simulate an unavailable host.
type RecordingBinding struct {
	mu      sync.Mutex
	applied []Applied
	failure error
}

// Applied is one call recorded by RecordingBinding.
type Applied struct {
	Template string
	Params   params.Bundle
}

// Apply implements Binding.
func (r *RecordingBinding) Apply(_ context.Context, template string, b params.Bundle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failure != nil {
		return r.failure
	}
	r.applied = append(r.applied, Applied{Template: template, Params: b})
	return nil
}

// FailWith makes subsequent Apply calls return err; nil restores success.
func (r *RecordingBinding) FailWith(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failure = err
}

// Applied returns a copy of the recorded calls.
func (r *RecordingBinding) Applied() []Applied {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Applied(nil), r.applied...)
}
