// Package registry owns the fixed table of module instances and drives
// their lifecycle and the fan-out of ticks, link events, packets and
// terminal commands, always in table order.
package registry

import (
    "errors"
    "fmt"
    "time"

    "go.uber.org/zap"

    "github.com/JosefGst/fruitymesh/pkg/module"
    "github.com/JosefGst/fruitymesh/pkg/packet"
    "github.com/JosefGst/fruitymesh/pkg/storage"
    "github.com/JosefGst/fruitymesh/pkg/transport"
)

var (
    ErrDuplicateModule = errors.New("registry: duplicate module id")
    ErrArenaExceeded   = errors.New("registry: module footprint exceeds arena budget")
    ErrUnknownModule   = errors.New("registry: unknown module")
)

// Loader starts an asynchronous configuration load for id. The result is
// reported back through Registry.ConfigLoaded on the node loop.
type Loader func(id packet.ModuleID)

type slot struct {
    mod     module.Module
    cfg     module.Configurable // nil when the module has no persistent config
    pending bool                // a load is outstanding
    loaded  bool                // OnConfigurationLoaded ran for the current load
}

// Registry is driven from the node loop only; it is not safe for
// concurrent use.
type Registry struct {
    slots     []slot
    footprint int
    budget    int
    loader    Loader
    log       *zap.Logger
}

// New validates the module set and constructs every instance in declared
// order. The table is allocated once with exact capacity and never grows.
func New(factories []module.Factory, depsFor func(module.Factory) module.Deps, budget int) (*Registry, error) {
    total := 0
    seen := make(map[packet.ModuleID]string, len(factories))
    for _, f := range factories {
        if prev, dup := seen[f.ID]; dup {
            return nil, fmt.Errorf("%w: %d (%s and %s)", ErrDuplicateModule, f.ID, prev, f.Name)
        }
        seen[f.ID] = f.Name
        if f.New == nil { return nil, fmt.Errorf("registry: module %s has no constructor", f.Name) }
        total += f.Footprint
    }
    if budget > 0 && total > budget {
        return nil, fmt.Errorf("%w: need %d bytes, budget %d", ErrArenaExceeded, total, budget)
    }

    r := &Registry{slots: make([]slot, 0, len(factories)), footprint: total, budget: budget, log: zap.L().Named("registry")}
    for _, f := range factories {
        m := f.New(depsFor(f))
        if m.ID() != f.ID {
            return nil, fmt.Errorf("registry: module %s reports id %d, declared %d", f.Name, m.ID(), f.ID)
        }
        s := slot{mod: m}
        if c, ok := m.(module.Configurable); ok { s.cfg = c }
        r.slots = append(r.slots, s)
    }
    r.log.Info("modules constructed", zap.Int("count", len(r.slots)), zap.Int("footprint", total), zap.Int("budget", budget))
    return r, nil
}

// Start requests configuration for every configurable module. Modules
// without persistent configuration are marked loaded immediately.
func (r *Registry) Start(loader Loader) {
    r.loader = loader
    for i := range r.slots {
        r.requestLoad(i)
    }
}

func (r *Registry) requestLoad(i int) {
    s := &r.slots[i]
    s.loaded = false
    if s.cfg == nil || r.loader == nil {
        if s.cfg != nil { s.cfg.DefaultConfig() }
        r.complete(i)
        return
    }
    s.pending = true
    r.loader(s.mod.ID())
}

func (r *Registry) complete(i int) {
    s := &r.slots[i]
    s.pending = false
    s.loaded = true
    s.mod.OnConfigurationLoaded()
}

// ConfigLoaded applies a finished load. storage.ErrNotFound and undecodable
// blobs fall back to defaults. Completions nobody asked for are ignored.
func (r *Registry) ConfigLoaded(id packet.ModuleID, blob []byte, err error) {
    i := r.index(id)
    if i < 0 {
        r.log.Warn("config for unknown module", zap.Uint16("module", uint16(id)))
        return
    }
    s := &r.slots[i]
    if !s.pending {
        r.log.Debug("stale config completion ignored", zap.String("module", s.mod.Name()))
        return
    }
    switch {
    case errors.Is(err, storage.ErrNotFound):
        r.log.Info("no stored config, using defaults", zap.String("module", s.mod.Name()))
        s.cfg.DefaultConfig()
    case err != nil:
        r.log.Warn("config load failed, using defaults", zap.String("module", s.mod.Name()), zap.Error(err))
        s.cfg.DefaultConfig()
    default:
        if aerr := s.cfg.ApplyConfig(blob); aerr != nil {
            r.log.Warn("stored config corrupt, using defaults", zap.String("module", s.mod.Name()), zap.Error(aerr))
            s.cfg.DefaultConfig()
        }
    }
    r.complete(i)
}

// Reload asks for the configuration of id again; OnConfigurationLoaded runs
// once more when it completes.
func (r *Registry) Reload(id packet.ModuleID) error {
    i := r.index(id)
    if i < 0 { return fmt.Errorf("%w: %d", ErrUnknownModule, id) }
    r.requestLoad(i)
    return nil
}

// Tick fans a timer tick out to every module.
func (r *Registry) Tick(elapsed time.Duration) {
    for i := range r.slots {
        r.slots[i].mod.OnTimerTick(elapsed)
    }
}

func (r *Registry) ConnectionEvent(ev transport.LinkEvent) {
    for i := range r.slots {
        r.slots[i].mod.OnConnectionEvent(ev)
    }
}

// Dispatch offers a locally consumed packet to every module.
func (r *Registry) Dispatch(from transport.ConnID, msg *packet.Message) {
    for i := range r.slots {
        r.slots[i].mod.OnMeshMessageReceived(from, msg)
    }
}

// DispatchCommand tries modules in order until one does not answer
// Unhandled.
func (r *Registry) DispatchCommand(tokens []string) module.CommandResult {
    if len(tokens) == 0 { return module.Unhandled }
    for i := range r.slots {
        if res := r.slots[i].mod.OnTerminalCommand(tokens); res != module.Unhandled {
            return res
        }
    }
    return module.Unhandled
}

func (r *Registry) index(id packet.ModuleID) int {
    for i := range r.slots {
        if r.slots[i].mod.ID() == id { return i }
    }
    return -1
}

// Lookup finds a module by id (linear search).
func (r *Registry) Lookup(id packet.ModuleID) (module.Module, bool) {
    if i := r.index(id); i >= 0 { return r.slots[i].mod, true }
    return nil, false
}

// LookupName finds a module by name (linear search).
func (r *Registry) LookupName(name string) (module.Module, bool) {
    for i := range r.slots {
        if r.slots[i].mod.Name() == name { return r.slots[i].mod, true }
    }
    return nil, false
}

// Modules returns the instances in table order.
func (r *Registry) Modules() []module.Module {
    out := make([]module.Module, len(r.slots))
    for i := range r.slots { out[i] = r.slots[i].mod }
    return out
}

// Ready reports whether every module has had its configuration loaded.
func (r *Registry) Ready() bool {
    for i := range r.slots {
        if !r.slots[i].loaded { return false }
    }
    return true
}

// Loaded reports whether id currently has its configuration loaded.
func (r *Registry) Loaded(id packet.ModuleID) bool {
    i := r.index(id)
    return i >= 0 && r.slots[i].loaded
}

func (r *Registry) Len() int        { return len(r.slots) }
func (r *Registry) Cap() int        { return cap(r.slots) }
func (r *Registry) Footprint() int  { return r.footprint }
