// Package storage persists module configuration blobs keyed by module id.
package storage

import (
    "errors"
    "fmt"
    "os"
    "path/filepath"
    "strings"
    "time"

    "github.com/JosefGst/fruitymesh/pkg/memkv"
    "github.com/JosefGst/fruitymesh/pkg/packet"
)

// ErrNotFound is returned by Load when nothing was saved for the id.
var ErrNotFound = errors.New("storage: not found")

// Store loads and saves opaque blobs. Implementations must be safe for
// concurrent use; the node calls them off its event loop.
type Store interface {
    Load(id packet.ModuleID) ([]byte, error)
    Save(id packet.ModuleID, blob []byte) error
}

func key(id packet.ModuleID) string { return fmt.Sprintf("module/%05d", uint16(id)) }

// Memory keeps blobs in a memkv store; contents are lost on exit.
type Memory struct {
    kv *memkv.Store
}

func NewMemory() *Memory {
    return &Memory{kv: memkv.New(memkv.Options{Shards: 1, SweepInterval: -1})}
}

func (m *Memory) Load(id packet.ModuleID) ([]byte, error) {
    b, ok := m.kv.Get(key(id))
    if !ok { return nil, ErrNotFound }
    return b, nil
}

func (m *Memory) Save(id packet.ModuleID, blob []byte) error {
    m.kv.Set(key(id), blob, 0)
    return nil
}

// Dir stores one file per module below a directory.
type Dir struct {
    root string
}

// NewDir creates root when missing.
func NewDir(root string) (*Dir, error) {
    if strings.TrimSpace(root) == "" { return nil, errors.New("storage: empty directory") }
    if err := os.MkdirAll(root, 0o755); err != nil { return nil, fmt.Errorf("storage: %w", err) }
    return &Dir{root: root}, nil
}

func (d *Dir) path(id packet.ModuleID) string { return filepath.Join(d.root, key(id)[len("module/"):]+".cfg") }

func (d *Dir) Load(id packet.ModuleID) ([]byte, error) {
    b, err := os.ReadFile(d.path(id))
    if errors.Is(err, os.ErrNotExist) { return nil, ErrNotFound }
    if err != nil { return nil, fmt.Errorf("storage: load %d: %w", id, err) }
    return b, nil
}

// Save writes to a temp file and renames it so a crash never leaves a torn blob.
func (d *Dir) Save(id packet.ModuleID, blob []byte) error {
    dst := d.path(id)
    tmp := fmt.Sprintf("%s.%d.tmp", dst, time.Now().UnixNano())
    if err := os.WriteFile(tmp, blob, 0o644); err != nil { return fmt.Errorf("storage: save %d: %w", id, err) }
    if err := os.Rename(tmp, dst); err != nil {
        _ = os.Remove(tmp)
        return fmt.Errorf("storage: save %d: %w", id, err)
    }
    return nil
}
