package media

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
)

// Store writes audio artifacts into a directory. File names are derived from
// the content so that identical audio always maps to the same reference.
type Store struct {
	dir string
}

// NewStore creates the directory if needed. A leading ~ is expanded; an empty
// dir uses a folder under the system temp dir.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "adreel", "audio")
	}
	expanded, err := homedir.Expand(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to expand audio dir: %w", err)
	}
	if err := os.MkdirAll(expanded, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audio dir: %w", err)
	}
	return &Store{dir: expanded}, nil
}

// Dir returns the directory audio is written to.
func (s *Store) Dir() string { return s.dir }

// Save writes data as <prefix>-<hash>.<ext> and returns the file path.
func (s *Store) Save(prefix, ext string, data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("refusing to save empty %s audio", prefix)
	}

	sum := sha256.Sum256(data)
	name := fmt.Sprintf("%s-%s.%s", sanitize(prefix), hex.EncodeToString(sum[:8]), strings.TrimPrefix(ext, "."))
	path := filepath.Join(s.dir, name)

	// Same name means same content
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}

	tmp, err := os.CreateTemp(s.dir, name+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("failed to create audio file: %w", err)
	}
	_, err = tmp.Write(data)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write audio file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to store audio file: %w", err)
	}
	return path, nil
}

func sanitize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "audio"
	}
	return b.String()
}

// SaveWAV wraps raw PCM in a WAV container, saves it and returns the path
// together with the audio duration.
func (s *Store) SaveWAV(prefix string, pcm []byte, format PCMFormat) (string, time.Duration, error) {
	if err := ValidatePCMData(pcm, format); err != nil {
		return "", 0, err
	}
	wav, err := EncodeWAV(pcm, format)
	if err != nil {
		return "", 0, err
	}
	path, err := s.Save(prefix, "wav", wav)
	if err != nil {
		return "", 0, err
	}
	return path, Duration(len(pcm), format), nil
}
