package main

import (
    "encoding/binary"
    "encoding/hex"
    "flag"
    "fmt"
    "log"
    "os"
    "path/filepath"
    "strings"

    "google.golang.org/protobuf/types/known/structpb"

    "github.com/JosefGst/fruitymesh/pkg/modules/beacon"
    "github.com/JosefGst/fruitymesh/pkg/modules/ping"
    "github.com/JosefGst/fruitymesh/pkg/modules/status"
    "github.com/JosefGst/fruitymesh/pkg/packet"
)

func main() {
    outDir := flag.String("out", "testdata/frame", "output directory for binary frames")
    src := flag.Uint("src", 1, "sender node id")
    dst := flag.Uint("dst", 2, "receiver node id")
    flag.Parse()
    if err := os.MkdirAll(*outDir, 0o755); err != nil { log.Fatal(err) }
    from, to := packet.NodeID(*src), packet.NodeID(*dst)
    seq := uint16(1)
    stamp := func(m packet.Message) packet.Message {
        m.Sender, m.Seq = from, seq
        seq++
        return m
    }

    // 1) ping request and its answer
    writeOut(*outDir, "ping_trigger.bin", mustFrame(stamp(packet.NewTrigger(to, ping.ID, ping.ActionPing, []byte{123}))))
    resp := packet.NewResponse(from, ping.ID, ping.ActionPing, []byte{123, ping.Marker})
    resp.Sender, resp.Seq = to, 1
    writeOut(*outDir, "ping_response.bin", mustFrame(resp))

    // 2) broadcast beacon
    var ctr [4]byte
    binary.LittleEndian.PutUint32(ctr[:], 1)
    writeOut(*outDir, "beacon_broadcast.bin", mustFrame(stamp(packet.NewGeneral(packet.Broadcast, beacon.ID, beacon.ActionBeacon, ctr[:]))))

    // 3) status request and a protobuf status body
    writeOut(*outDir, "status_trigger.bin", mustFrame(stamp(packet.NewTrigger(to, status.ID, status.ActionGet, nil))))
    doc, err := structpb.NewStruct(map[string]any{"node": float64(to), "up": 42.0, "links": 1.0})
    if err != nil { log.Fatal(err) }
    body, err := packet.EncodeBody(nil, packet.FormatProto, doc)
    if err != nil { log.Fatal(err) }
    sr := packet.NewResponse(from, status.ID, status.ActionGet, body)
    sr.Sender, sr.Seq = to, 2
    writeOut(*outDir, "status_response.bin", mustFrame(sr))

    // 4) generic mesh data at the MTU
    data := make([]byte, packet.MaxPayload(packet.MsgMeshData, packet.DefaultMTU))
    for i := range data { data[i] = byte(i) }
    writeOut(*outDir, "mesh_data_mtu.bin", mustFrame(stamp(packet.Message{Header: packet.Header{Type: packet.MsgMeshData, Receiver: to}, Payload: data})))

    // 5) truncated module frame, rejected by every node
    full := mustFrame(stamp(packet.NewTrigger(to, ping.ID, ping.ActionPing, nil)))
    writeOut(*outDir, "malformed_short.bin", full[:packet.HeaderSize+1])

    fmt.Println("Generated frames in", *outDir)
}

func mustFrame(m packet.Message) []byte {
    b, err := m.Encode(packet.DefaultMTU)
    if err != nil { log.Fatal(err) }
    return b
}

func writeOut(dir, name string, b []byte) {
    p := filepath.Join(dir, name)
    if err := os.WriteFile(p, b, 0o644); err != nil { log.Fatal(err) }
    fmt.Printf("%-24s %5d bytes  head: %s\n", name, len(b), shortHex(b, 16))
}

func shortHex(b []byte, n int) string {
    if len(b) == 0 { return "" }
    if n > len(b) { n = len(b) }
    enc := hex.EncodeToString(b[:n])
    if len(b) > n { enc += "..." }
    var out []string
    for i := 0; i < len(enc); i += 4 {
        j := i + 4
        if j > len(enc) { j = len(enc) }
        out = append(out, enc[i:j])
    }
    return strings.Join(out, " ")
}
