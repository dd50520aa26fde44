package config

import "time"

// NetConfig contains dial/backoff tuning options.
type NetConfig struct {
    DialBackoffInitialMS int `mapstructure:"dial_backoff_initial_ms"`
    DialBackoffMaxMS     int `mapstructure:"dial_backoff_max_ms"`
    DialBackoffJitterMS  int `mapstructure:"dial_backoff_jitter_ms"`
}

func (n NetConfig) Backoff() (initial, max, jitter time.Duration) {
    return time.Duration(n.DialBackoffInitialMS) * time.Millisecond,
        time.Duration(n.DialBackoffMaxMS) * time.Millisecond,
        time.Duration(n.DialBackoffJitterMS) * time.Millisecond
}
