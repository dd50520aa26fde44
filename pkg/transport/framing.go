package transport

import (
    "bufio"
    "encoding/binary"
    "errors"
    "io"
    "sync"
    "time"
)

// MaxFrameSize bounds a single length-prefixed frame.
const MaxFrameSize = 1 << 16

var ErrFrameTooLarge = errors.New("transport: frame too large")

// FrameConn carries length-prefixed frames (u32 LE) over a byte stream.
// Zero-length frames are keepalives: they are written by WriteKeepalive and
// skipped by ReadFrame.
type FrameConn struct {
    mu  sync.Mutex
    rwc io.ReadWriteCloser
    br  *bufio.Reader
    bw  *bufio.Writer

    establishedAt time.Time
    lastSeen      time.Time
    seenMu        sync.Mutex
}

func NewFrameConn(rwc io.ReadWriteCloser) *FrameConn {
    return &FrameConn{rwc: rwc, br: bufio.NewReader(rwc), bw: bufio.NewWriter(rwc), establishedAt: time.Now()}
}

func (f *FrameConn) WriteFrame(b []byte) error {
    if len(b) > MaxFrameSize { return ErrFrameTooLarge }
    f.mu.Lock(); defer f.mu.Unlock()
    var lenbuf [4]byte
    binary.LittleEndian.PutUint32(lenbuf[:], uint32(len(b)))
    if _, err := f.bw.Write(lenbuf[:]); err != nil { return err }
    if _, err := f.bw.Write(b); err != nil { return err }
    if err := f.bw.Flush(); err != nil { return err }
    f.touch()
    return nil
}

// WriteKeepalive writes an empty frame.
func (f *FrameConn) WriteKeepalive() error {
    f.mu.Lock(); defer f.mu.Unlock()
    var lenbuf [4]byte
    if _, err := f.bw.Write(lenbuf[:]); err != nil { return err }
    return f.bw.Flush()
}

func (f *FrameConn) ReadFrame() ([]byte, error) {
    for {
        var lenbuf [4]byte
        if _, err := io.ReadFull(f.br, lenbuf[:]); err != nil { return nil, err }
        n := int(binary.LittleEndian.Uint32(lenbuf[:]))
        if n > MaxFrameSize { return nil, ErrFrameTooLarge }
        if n == 0 { continue }
        buf := make([]byte, n)
        if _, err := io.ReadFull(f.br, buf); err != nil { return nil, err }
        f.touch()
        return buf, nil
    }
}

func (f *FrameConn) Close() error { return f.rwc.Close() }

func (f *FrameConn) Quality() Quality {
    f.seenMu.Lock(); defer f.seenMu.Unlock()
    return Quality{EstablishedAt: f.establishedAt, LastSeen: f.lastSeen}
}

func (f *FrameConn) touch() {
    f.seenMu.Lock(); f.lastSeen = time.Now(); f.seenMu.Unlock()
}
