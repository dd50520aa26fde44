// Package module defines the capability every feature unit of a node
// implements, plus the helpers modules are built from.
//
// Every locally consumed packet is offered to every module in table order;
// a module checks Message.ModuleID itself and ignores traffic for others
// (or observes it, when it wants to coordinate with a sibling). Handlers
// run on the node loop and must return promptly: waiting for an answer is
// done by recording state and resuming from a later message or tick.
package module

import (
    "time"

    "go.uber.org/zap"

    "github.com/JosefGst/fruitymesh/pkg/packet"
    "github.com/JosefGst/fruitymesh/pkg/transport"
)

// CommandResult is the outcome of a terminal command.
type CommandResult uint8

const (
    // Unhandled means "not mine": the registry tries the next module.
    Unhandled CommandResult = iota
    Success
    Failure
)

func (r CommandResult) String() string {
    switch r {
    case Success:
        return "success"
    case Failure:
        return "failure"
    default:
        return "unhandled"
    }
}

// ConnectionEvent is a link coming up or going down.
type ConnectionEvent = transport.LinkEvent

// Module is the capability set the registry drives.
type Module interface {
    ID() packet.ModuleID
    Name() string

    // OnConfigurationLoaded runs once per (re)load, after persistent
    // configuration or its defaults became available.
    OnConfigurationLoaded()
    // OnTimerTick runs at the node's tick cadence with the time since the
    // previous tick.
    OnTimerTick(elapsed time.Duration)
    // OnConnectionEvent is informational; no ordering relative to message
    // delivery on the same link is promised.
    OnConnectionEvent(ev ConnectionEvent)
    // OnMeshMessageReceived sees every locally consumed packet. from is the
    // connection it arrived on (transport.ConnLocal for own traffic). msg
    // is shared with the other modules and must not be modified.
    OnMeshMessageReceived(from transport.ConnID, msg *packet.Message)
    // OnTerminalCommand handles an already tokenized command.
    OnTerminalCommand(tokens []string) CommandResult
}

// Configurable is implemented by modules with persistent configuration.
// The registry calls exactly one of DefaultConfig or a successful
// ApplyConfig before each OnConfigurationLoaded.
type Configurable interface {
    DefaultConfig()
    // ApplyConfig must leave the current configuration untouched on error.
    ApplyConfig(blob []byte) error
    MarshalConfig() ([]byte, error)
}

// Sender is the outbound path as modules see it. Calls never block; the
// sender field of every packet is the local node id.
type Sender interface {
    // Send emits a trigger.
    Send(dst packet.NodeID, id packet.ModuleID, action uint8, payload []byte, reliable bool) error
    // Reply emits an action-response.
    Reply(dst packet.NodeID, id packet.ModuleID, action uint8, payload []byte, reliable bool) error
    // Publish emits unsolicited module traffic.
    Publish(dst packet.NodeID, id packet.ModuleID, action uint8, payload []byte, reliable bool) error
}

// Persister saves configuration asynchronously; failures are logged by the
// implementation.
type Persister interface {
    Persist(id packet.ModuleID, blob []byte)
}

// NodeInfo is a read-only view of the node a module runs on.
type NodeInfo struct {
    Node      packet.NodeID
    Uptime    time.Duration
    Modules   []string
    Links     int
    Consumed  uint64
    Forwarded uint64
    Malformed uint64
    Duplicate uint64
    Known     []packet.NodeID // origins heard recently, ascending
}

// Inspector is implemented by the node. Info must only be called from
// module hooks.
type Inspector interface {
    Info() NodeInfo
}

// Deps is what a module instance receives at construction.
type Deps struct {
    Node   packet.NodeID
    MTU    int
    Log    *zap.Logger
    Out    Sender
    Store  Persister
    Info   Inspector
    Now    func() time.Time
}

// Factory declares a module type. Footprint is the per-instance size the
// registry reserves for it; New must not perform I/O.
type Factory struct {
    ID        packet.ModuleID
    Name      string
    Footprint int
    New       func(Deps) Module
}

// Base provides no-op defaults for every hook; modules embed it and
// override what they need.
type Base struct {
    id   packet.ModuleID
    name string
}

func NewBase(id packet.ModuleID, name string) Base { return Base{id: id, name: name} }

func (b Base) ID() packet.ModuleID                                  { return b.id }
func (b Base) Name() string                                         { return b.name }
func (Base) OnConfigurationLoaded()                                 {}
func (Base) OnTimerTick(time.Duration)                              {}
func (Base) OnConnectionEvent(ConnectionEvent)                      {}
func (Base) OnMeshMessageReceived(transport.ConnID, *packet.Message) {}
func (Base) OnTerminalCommand([]string) CommandResult               { return Unhandled }
