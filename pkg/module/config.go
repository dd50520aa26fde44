package module

import (
    "errors"
    "fmt"

    "github.com/fxamacker/cbor/v2"

    "github.com/JosefGst/fruitymesh/pkg/packet/codec"
)

// ErrConfigVersion marks a stored configuration written by another layout
// version; callers treat it like corruption.
var ErrConfigVersion = errors.New("module: config version mismatch")

type envelope struct {
    Version uint8           `cbor:"1,keyasint"`
    Body    cbor.RawMessage `cbor:"2,keyasint"`
}

// Config holds a module's persistent configuration of type T. It starts
// not loaded; Reset or a successful Apply make it available.
type Config[T any] struct {
    version  uint8
    defaults func() T
    val      T
    loaded   bool
    c        codec.Codec
}

func NewConfig[T any](version uint8, defaults func() T) *Config[T] {
    return &Config[T]{version: version, defaults: defaults, c: codec.MustCBOR()}
}

// Reset installs the defaults and marks the config loaded.
func (c *Config[T]) Reset() {
    c.val = c.defaults()
    c.loaded = true
}

// Apply decodes blob; on any error the previous value and state are kept.
func (c *Config[T]) Apply(blob []byte) error {
    var env envelope
    if err := c.c.Unmarshal(blob, &env); err != nil { return fmt.Errorf("module: decode config: %w", err) }
    if env.Version != c.version { return fmt.Errorf("%w: stored %d, want %d", ErrConfigVersion, env.Version, c.version) }
    v := c.defaults()
    if err := c.c.Unmarshal(env.Body, &v); err != nil { return fmt.Errorf("module: decode config body: %w", err) }
    c.val = v
    c.loaded = true
    return nil
}

func (c *Config[T]) Marshal() ([]byte, error) {
    body, err := c.c.Marshal(c.val)
    if err != nil { return nil, err }
    return c.c.Marshal(envelope{Version: c.version, Body: body})
}

// Unload returns the config to the pending state (used before a reload).
func (c *Config[T]) Unload() { c.loaded = false }

func (c *Config[T]) Loaded() bool { return c.loaded }
func (c *Config[T]) Get() T       { return c.val }
func (c *Config[T]) Set(v T)      { c.val = v }
