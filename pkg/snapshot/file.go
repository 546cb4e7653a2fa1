package snapshot

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

// FileSink stores snapshots as files in a directory.
type FileSink struct {
	dir string
}

// NewFileSink creates the directory if needed.
func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &FileSink{dir: dir}, nil
}

// Dir returns the snapshot directory.
func (s *FileSink) Dir() string {
	return s.dir
}

// Save writes data to a new file. The file appears atomically.
func (s *FileSink) Save(ctx context.Context, data map[string]any) (Info, error) {
	b, err := Encode(data)
	if err != nil {
		return Info{}, err
	}
	name := NewName()
	path := filepath.Join(s.dir, name)

	tmp, err := os.CreateTemp(s.dir, ".snapshot-*")
	if err != nil {
		return Info{}, err
	}
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return Info{}, err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return Info{}, err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return Info{}, err
	}

	created, _ := ParseName(name)
	return Info{Name: name, Size: int64(len(b)), CreatedAt: created}, nil
}

// Load reads a snapshot file. An empty name loads the latest one.
func (s *FileSink) Load(ctx context.Context, name string) (map[string]any, error) {
	if name == "" {
		var err error
		if name, err = latest(ctx, s); err != nil {
			return nil, err
		}
	}
	b, err := os.ReadFile(filepath.Join(s.dir, filepath.Base(name)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return Decode(b)
}

// List returns the snapshot files, oldest first. Other files are ignored.
func (s *FileSink) List(ctx context.Context) ([]Info, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}

	var infos []Info
	for _, entry := range entries {
		if entry.IsDir() || !isSnapshotName(entry.Name()) {
			continue
		}
		fi, err := entry.Info()
		if err != nil {
			continue
		}
		created, _ := ParseName(entry.Name())
		infos = append(infos, Info{Name: entry.Name(), Size: fi.Size(), CreatedAt: created})
	}
	sortInfos(infos)
	return infos, nil
}
