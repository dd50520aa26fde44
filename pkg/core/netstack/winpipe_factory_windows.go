//go:build windows

package netstack

import (
    "github.com/JosefGst/fruitymesh/pkg/transport"
    "github.com/JosefGst/fruitymesh/pkg/transport/winpipe"
)

func newWinPipeTransport() (transport.Transport, error) { return winpipe.New(), nil }

