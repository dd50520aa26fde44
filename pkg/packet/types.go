package packet

// NodeID identifies a device in the mesh.
type NodeID uint16

// Broadcast addresses every node in the mesh. It is never a valid local id.
const Broadcast NodeID = 0

// ModuleID identifies a module type within one firmware build. It is both the
// wire identifier and the registry lookup key.
type ModuleID uint16

// MessageType tags every routed frame (first header byte).
type MessageType uint8

const (
    MsgUnknown        MessageType = iota
    MsgMeshData                   // generic mesh traffic, opaque body
    MsgHeartbeat                  // link liveness, opaque body
    MsgModuleTrigger              // module request ("trigger action")
    MsgModuleResponse             // module reply ("action response")
    MsgModuleGeneral              // unsolicited module traffic
    msgTypeEnd
)

func (t MessageType) String() string {
    switch t {
    case MsgMeshData:
        return "mesh-data"
    case MsgHeartbeat:
        return "heartbeat"
    case MsgModuleTrigger:
        return "module-trigger"
    case MsgModuleResponse:
        return "module-response"
    case MsgModuleGeneral:
        return "module-general"
    default:
        return "unknown"
    }
}

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool { return t > MsgUnknown && t < msgTypeEnd }

// IsModule reports whether frames of type t carry the module extension.
func (t MessageType) IsModule() bool {
    return t == MsgModuleTrigger || t == MsgModuleResponse || t == MsgModuleGeneral
}

// DefaultMTU is the largest frame a link carries unless configured otherwise.
const DefaultMTU = 200
