package config

import (
    "fmt"
    "time"
)

// MeshConfig tunes the router, the outbound path and the node loop.
type MeshConfig struct {
    MTU               int `mapstructure:"mtu"`
    TickIntervalMS    int `mapstructure:"tick_interval_ms"`
    DedupTTLMS        int `mapstructure:"dedup_ttl_ms"`
    DedupCapacity     int `mapstructure:"dedup_capacity"`
    OutboundQueue     int `mapstructure:"outbound_queue"`
    OutboundRateBytes int `mapstructure:"outbound_rate_bytes"` // 0 = unlimited
    LinkQueue         int `mapstructure:"link_queue"`
    StatsTTLMS        int `mapstructure:"stats_ttl_ms"`
}

func DefaultMesh() MeshConfig {
    return MeshConfig{
        MTU:            200,
        TickIntervalMS: 100,
        DedupTTLMS:     30000,
        DedupCapacity:  4096,
        OutboundQueue:  64,
        LinkQueue:      64,
        StatsTTLMS:     300000,
    }
}

func (m MeshConfig) TickInterval() time.Duration { return time.Duration(m.TickIntervalMS) * time.Millisecond }
func (m MeshConfig) DedupTTL() time.Duration     { return time.Duration(m.DedupTTLMS) * time.Millisecond }
func (m MeshConfig) StatsTTL() time.Duration     { return time.Duration(m.StatsTTLMS) * time.Millisecond }

func (m MeshConfig) validate() error {
    // header + module header + at least one payload byte
    if m.MTU < 11 || m.MTU > 65535 {
        return fmt.Errorf("invalid mesh.mtu: %d", m.MTU)
    }
    if m.TickIntervalMS <= 0 {
        return fmt.Errorf("invalid mesh.tick_interval_ms: %d", m.TickIntervalMS)
    }
    if m.DedupTTLMS <= 0 || m.DedupCapacity <= 0 {
        return fmt.Errorf("invalid mesh dedup settings: ttl=%dms capacity=%d", m.DedupTTLMS, m.DedupCapacity)
    }
    if m.OutboundQueue <= 0 {
        return fmt.Errorf("invalid mesh.outbound_queue: %d", m.OutboundQueue)
    }
    if m.OutboundRateBytes < 0 {
        return fmt.Errorf("invalid mesh.outbound_rate_bytes: %d", m.OutboundRateBytes)
    }
    return nil
}

// ModulesConfig selects the compiled-in modules and bounds their footprint.
type ModulesConfig struct {
    Enabled       []string `mapstructure:"enabled"`
    ArenaBytes    int      `mapstructure:"arena_bytes"`
    PingTimeoutMS int      `mapstructure:"ping_timeout_ms"`
}

func DefaultModules() ModulesConfig {
    return ModulesConfig{
        Enabled:       []string{"beacon", "status", "ping"},
        ArenaBytes:    16 * 1024,
        PingTimeoutMS: 5000,
    }
}

func (m ModulesConfig) PingTimeout() time.Duration { return time.Duration(m.PingTimeoutMS) * time.Millisecond }

func (m ModulesConfig) validate() error {
    if m.ArenaBytes <= 0 {
        return fmt.Errorf("invalid modules.arena_bytes: %d", m.ArenaBytes)
    }
    if m.PingTimeoutMS <= 0 {
        return fmt.Errorf("invalid modules.ping_timeout_ms: %d", m.PingTimeoutMS)
    }
    return nil
}
