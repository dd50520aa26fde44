package config

// TransportConfig describes one transport kind and its endpoints.
// Example YAML:
// transports:
//   - kind: udp
//     listen: [":7777"]
//     dial:
//       - address: "10.0.0.2:7777"
//         name: "gateway"
//   - kind: tcp
//     listen: [":7778"]
//   - kind: quic
//     listen: [":4433"]
//   - kind: winpipe
//     listen: ["\\\\.\\pipe\\fruitymesh"]
type TransportConfig struct {
    Kind   string           `mapstructure:"kind"`
    Listen []string         `mapstructure:"listen"`
    Dial   []PeerDialConfig `mapstructure:"dial"`
}

// PeerDialConfig describes a target to dial on startup.
type PeerDialConfig struct {
    Address string `mapstructure:"address"`
    Name    string `mapstructure:"name"`
}
