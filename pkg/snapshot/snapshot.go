// Package snapshot stores cache dumps so a later process can seed its
// cache before the first remote events arrive.
//
// A snapshot is the JSON encoding of Engine.DumpSnapshot. Snapshots are
// named by ULID, so lexical order is creation order and the latest
// snapshot is the greatest name.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/oklog/ulid/v2"
)

// Ext is the file extension of snapshot objects.
const Ext = ".json"

// ErrNotFound is returned when a snapshot doesn't exist.
var ErrNotFound = errors.New("snapshot: not found")

// Sink is a snapshot storage backend.
type Sink interface {
	// Save stores data under a new name.
	Save(ctx context.Context, data map[string]any) (Info, error)

	// Load reads a snapshot. An empty name loads the latest one.
	Load(ctx context.Context, name string) (map[string]any, error)

	// List returns the stored snapshots, oldest first.
	List(ctx context.Context) ([]Info, error)
}

// Info describes a stored snapshot.
type Info struct {
	Name      string
	Size      int64
	CreatedAt time.Time
}

// String renders the info for terminals, e.g. "01J... 1.2 kB 3 minutes ago".
func (i Info) String() string {
	return fmt.Sprintf("%s %s %s", i.Name, humanize.Bytes(uint64(i.Size)), humanize.Time(i.CreatedAt))
}

// NewName returns a fresh snapshot name.
func NewName() string {
	return ulid.Make().String() + Ext
}

// ParseName returns the creation time encoded in a snapshot name.
func ParseName(name string) (time.Time, error) {
	id, err := ulid.ParseStrict(strings.TrimSuffix(name, Ext))
	if err != nil {
		return time.Time{}, fmt.Errorf("snapshot: bad name %q: %w", name, err)
	}
	return ulid.Time(id.Time()), nil
}

// Encode serializes a dump.
func Encode(data map[string]any) ([]byte, error) {
	if data == nil {
		data = map[string]any{}
	}
	return json.MarshalIndent(data, "", "  ")
}

// Decode parses a serialized dump.
func Decode(b []byte) (map[string]any, error) {
	var data map[string]any
	if err := json.Unmarshal(b, &data); err != nil {
		return nil, fmt.Errorf("snapshot: decode: %w", err)
	}
	if data == nil {
		data = map[string]any{}
	}
	return data, nil
}

func sortInfos(infos []Info) {
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
}

// latest returns the greatest snapshot name.
func latest(ctx context.Context, s Sink) (string, error) {
	infos, err := s.List(ctx)
	if err != nil {
		return "", err
	}
	if len(infos) == 0 {
		return "", ErrNotFound
	}
	return infos[len(infos)-1].Name, nil
}

func isSnapshotName(name string) bool {
	if !strings.HasSuffix(name, Ext) {
		return false
	}
	_, err := ParseName(name)
	return err == nil
}
