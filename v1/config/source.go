package config

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Source yields the raw key/value pairs a Config is built from.
type Source interface {
	Read(ctx context.Context) (map[string]string, error)
}

// EnvSource reads dotenv files and overlays the process environment on top.
// Variables already present in the environment win over file values. When
// Files is empty an optional ".env" in the working directory is read.
type EnvSource struct {
	Files []string
}

// Read implements Source. Files are re-read on every call so edits are picked
// up by a reload.
func (s EnvSource) Read(ctx context.Context) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	files, optional := s.Files, false
	if len(files) == 0 {
		files, optional = []string{".env"}, true
	}
	values := make(map[string]string)
	for _, f := range files {
		m, err := godotenv.Read(f)
		if err != nil {
			if optional && errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		for k, v := range m {
			values[k] = v
		}
	}
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			values[k] = v
		}
	}
	return values, nil
}

// MapSource serves a fixed set of values.
type MapSource map[string]string

// Read implements Source. The returned map is a copy.
func (s MapSource) Read(ctx context.Context) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out, nil
}
