package storage

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

const (
	blobExt = ".json"
	tempExt = ".tmp"
)

// FS stores each blob as a file under <dir>/<kind>/<id>.json.
type FS struct {
	fs  afero.Fs
	dir string
}

var _ Blobs = (*FS)(nil)

// NewFS creates the kind directories under dir on fs.
func NewFS(fs afero.Fs, dir string) (*FS, error) {
	for _, kind := range []Kind{KindRoom, KindHistory, KindIndex} {
		if err := fs.MkdirAll(filepath.Join(dir, string(kind)), 0755); err != nil {
			return nil, errors.WithMessagef(err, "creating %s directory", kind)
		}
	}
	return &FS{fs: fs, dir: dir}, nil
}

func (s *FS) path(kind Kind, id string) string {
	return filepath.Join(s.dir, string(kind), id+blobExt)
}

func (s *FS) Read(_ context.Context, kind Kind, id string) ([]byte, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(s.fs, s.path(kind, id))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, errors.WithMessagef(err, "reading %s/%s", kind, id)
	}
	return data, nil
}

// Write goes through a temporary file and a rename, so readers never see a
// partially written blob.
func (s *FS) Write(_ context.Context, kind Kind, id string, data []byte) error {
	if err := checkID(id); err != nil {
		return err
	}
	var final = s.path(kind, id)
	var next = final + tempExt

	if err := afero.WriteFile(s.fs, next, data, 0644); err != nil {
		_ = s.fs.Remove(next)
		return errors.WithMessagef(err, "writing %s/%s", kind, id)
	}
	if err := s.fs.Rename(next, final); err != nil {
		_ = s.fs.Remove(next)
		return errors.WithMessagef(err, "renaming %s/%s", kind, id)
	}
	return nil
}

func (s *FS) Remove(_ context.Context, kind Kind, id string) error {
	if err := checkID(id); err != nil {
		return err
	}
	err := s.fs.Remove(s.path(kind, id))
	if os.IsNotExist(err) {
		return ErrNotFound
	} else if err != nil {
		return errors.WithMessagef(err, "removing %s/%s", kind, id)
	}
	return nil
}

func (s *FS) List(_ context.Context, kind Kind) ([]string, error) {
	infos, err := afero.ReadDir(s.fs, filepath.Join(s.dir, string(kind)))
	if err != nil {
		return nil, errors.WithMessagef(err, "listing %s", kind)
	}

	var ids []string
	for _, info := range infos {
		name := info.Name()
		if info.IsDir() || !strings.HasSuffix(name, blobExt) {
			continue
		}
		if id := strings.TrimSuffix(name, blobExt); ValidID(id) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *FS) Close() error { return nil }
