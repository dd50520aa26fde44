package module

import (
    "errors"
    "testing"
    "time"
)

type settings struct {
    Enabled  bool   `cbor:"1,keyasint"`
    Interval uint32 `cbor:"2,keyasint"`
}

func defaults() settings { return settings{Enabled: true, Interval: 1000} }

func TestConfigPendingUntilReset(t *testing.T) {
    c := NewConfig(1, defaults)
    if c.Loaded() { t.Fatalf("fresh config must be pending") }
    c.Reset()
    if !c.Loaded() || c.Get().Interval != 1000 { t.Fatalf("reset: %+v loaded=%v", c.Get(), c.Loaded()) }
    c.Unload()
    if c.Loaded() { t.Fatalf("unload") }
}

func TestConfigRoundTrip(t *testing.T) {
    a := NewConfig(2, defaults)
    a.Reset()
    a.Set(settings{Enabled: false, Interval: 250})
    blob, err := a.Marshal()
    if err != nil { t.Fatalf("marshal: %v", err) }

    b := NewConfig(2, defaults)
    if err := b.Apply(blob); err != nil { t.Fatalf("apply: %v", err) }
    if !b.Loaded() || b.Get() != (settings{Enabled: false, Interval: 250}) { t.Fatalf("got %+v", b.Get()) }
}

func TestConfigRejectsCorruptionAndVersion(t *testing.T) {
    old := NewConfig(1, defaults)
    old.Reset()
    blob, _ := old.Marshal()

    c := NewConfig(2, defaults)
    if err := c.Apply(blob); !errors.Is(err, ErrConfigVersion) { t.Fatalf("want version error, got %v", err) }
    if c.Loaded() { t.Fatalf("failed apply must keep pending state") }
    if err := c.Apply([]byte{0xff, 0x00, 0x13}); err == nil { t.Fatalf("garbage accepted") }
    if c.Loaded() { t.Fatalf("failed apply must keep pending state") }
}

type quiet struct{ Base }

func TestBaseDefaults(t *testing.T) {
    var m Module = quiet{NewBase(9, "quiet")}
    if m.ID() != 9 || m.Name() != "quiet" { t.Fatalf("identity %d %q", m.ID(), m.Name()) }
    m.OnTimerTick(time.Second)
    m.OnMeshMessageReceived(0, nil)
    if m.OnTerminalCommand([]string{"x"}) != Unhandled { t.Fatalf("base must not claim commands") }
    if Success.String() != "success" || Unhandled.String() != "unhandled" { t.Fatalf("strings") }
}
