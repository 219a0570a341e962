package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// maxRecentAssets bounds the assets a Recorder keeps in memory. The asset log
// file, when set, keeps all of them.
const maxRecentAssets = 256

// Asset is one generated ad.
type Asset struct {
	ID         string    `json:"id"`
	SubjectRef string    `json:"subject_ref"`
	VideoRef   string    `json:"video_ref"`
	AudioRef   string    `json:"audio_ref"`
	CreatedAt  time.Time `json:"created_at"`
}

// Recorder keeps the most recent generated assets in memory and, when a
// path is set, appends every asset to a JSON lines file.
type Recorder struct {
	mu     sync.Mutex
	path   string
	assets []Asset
	now    func() time.Time
}

// NewRecorder creates a recorder. An empty path keeps assets in memory only.
func NewRecorder(path string) (*Recorder, error) {
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create asset log dir: %w", err)
		}
	}
	return &Recorder{path: path, now: time.Now}, nil
}

// RecordGeneratedAsset implements pipeline.AssetRecorder.
func (r *Recorder) RecordGeneratedAsset(ctx context.Context, subjectRef, videoRef, audioRef string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	a := Asset{
		ID:         uuid.NewString(),
		SubjectRef: subjectRef,
		VideoRef:   videoRef,
		AudioRef:   audioRef,
		CreatedAt:  r.now().UTC(),
	}
	if r.path != "" {
		if err := appendLine(r.path, a); err != nil {
			return err
		}
	}
	if len(r.assets) == maxRecentAssets {
		copy(r.assets, r.assets[1:])
		r.assets = r.assets[:len(r.assets)-1]
	}
	r.assets = append(r.assets, a)
	return nil
}

// Assets returns the most recent assets recorded by this process, oldest
// first.
func (r *Recorder) Assets() []Asset {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Asset(nil), r.assets...)
}

func appendLine(path string, a Asset) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open asset log: %w", err)
	}
	defer f.Close() //nolint:errcheck

	line, err := json.Marshal(a)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write asset log: %w", err)
	}
	return nil
}
