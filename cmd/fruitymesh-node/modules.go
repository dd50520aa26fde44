package main

import (
    "fmt"

    "github.com/JosefGst/fruitymesh/pkg/config"
    "github.com/JosefGst/fruitymesh/pkg/module"
    "github.com/JosefGst/fruitymesh/pkg/modules/beacon"
    "github.com/JosefGst/fruitymesh/pkg/modules/ping"
    "github.com/JosefGst/fruitymesh/pkg/modules/status"
)

// factories returns the enabled modules in configuration order.
func factories(c config.ModulesConfig) ([]module.Factory, error) {
    known := map[string]module.Factory{
        beacon.Name: beacon.Factory(),
        status.Name: status.Factory(),
        ping.Name:   ping.Factory(c.PingTimeout()),
    }
    out := make([]module.Factory, 0, len(c.Enabled))
    for _, name := range c.Enabled {
        f, ok := known[name]
        if !ok { return nil, fmt.Errorf("unknown module %q", name) }
        out = append(out, f)
    }
    return out, nil
}
