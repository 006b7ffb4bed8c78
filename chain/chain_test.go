package chain

import (
	"bytes"
	"errors"
	"testing"

	"github.com/ashuang/camunits-sub002/framebuffer"
	"github.com/ashuang/camunits-sub002/unit"
)

// --- Test 1: End-to-end fixed frame ---
//
// Scenario: chain = [2x2 RGB source] built through the registry.
// Expected: one notification with bytes_used = 12 and the exact pixels.
func TestEndToEndFixedFrame(t *testing.T) {
	c := New(testRegistry(t))
	src, err := c.AddUnitByID("test.rgb_source")
	if err != nil {
		t.Fatalf("AddUnitByID: %v", err)
	}

	var got []byte
	var from *unit.Unit
	calls := 0
	if err := c.OnFrameReady("collector", func(ch *Chain, u *unit.Unit, buf *framebuffer.FrameBuffer) {
		calls++
		from = u
		got = append([]byte(nil), buf.Bytes()...)
		if ch != c {
			t.Error("handler received a different chain")
		}
	}); err != nil {
		t.Fatalf("OnFrameReady: %v", err)
	}

	if failed, err := c.AllUnitsStreamInit(); failed != nil || err != nil {
		t.Fatalf("AllUnitsStreamInit = %v, %v", failed, err)
	}
	ok, err := c.PumpOnce()
	if !ok || err != nil {
		t.Fatalf("PumpOnce = %v, %v", ok, err)
	}
	if calls != 1 || from != src {
		t.Fatalf("calls=%d from=%v", calls, from)
	}
	if len(got) != 2*2*3 || !bytes.Equal(got, knownPixels) {
		t.Fatalf("frame = %v, want %v", got, knownPixels)
	}

	// Source is drained: next pump is a quiet no-op.
	ok, err = c.PumpOnce()
	if ok || err != nil || calls != 1 {
		t.Fatalf("drained pump = %v, %v (calls=%d)", ok, err, calls)
	}
	t.Logf("✅ 2x2 RGB frame delivered intact (%d bytes)", len(got))
}

// --- Test 2: Processing order is insertion order ---
func TestOrderPreservedThroughIdentityChain(t *testing.T) {
	payloads := [][]byte{{1}, {2}, {3}, {4}, {5}}
	src := mustUnit(t, "test.src", &queueSource{format: rgb2x2, queue: append([][]byte(nil), payloads...)})
	stages := []*passthrough{{}, {}, {}}

	c := New(nil)
	mustAppend(t, c, src)
	for i, p := range stages {
		mustAppend(t, c, mustUnit(t, "filter.p"+string(rune('0'+i)), p))
	}

	var delivered [][]byte
	_ = c.OnFrameReady("collect", func(_ *Chain, _ *unit.Unit, buf *framebuffer.FrameBuffer) {
		delivered = append(delivered, append([]byte(nil), buf.Bytes()...))
	})
	if _, err := c.AllUnitsStreamInit(); err != nil {
		t.Fatalf("init: %v", err)
	}
	for {
		ok, err := c.PumpOnce()
		if err != nil {
			t.Fatalf("PumpOnce: %v", err)
		}
		if !ok {
			break
		}
	}

	if len(delivered) != len(payloads) {
		t.Fatalf("delivered %d frames, want %d", len(delivered), len(payloads))
	}
	for i := range payloads {
		if delivered[i][0] != payloads[i][0] {
			t.Fatalf("frame %d = %v, want %v", i, delivered[i][:1], payloads[i])
		}
		for s, p := range stages {
			if p.seen[i][0] != payloads[i][0] {
				t.Fatalf("stage %d saw %v at %d", s, p.seen[i][:1], i)
			}
		}
	}
	for i, u := range c.Units() {
		if i > 0 && u.Input() != c.Unit(i-1) {
			t.Fatalf("unit %d not wired to its predecessor", i)
		}
	}
}

// --- Test 3: Partial init, no rollback ---
//
// Scenario: unit k=2 fails stream init.
// Expected: exactly unit k returned, 0..k-1 streaming, shutdown returns all to idle.
func TestPartialInitFailure(t *testing.T) {
	boom := errors.New("device busy")
	units := []*unit.Unit{
		mustUnit(t, "test.src", &queueSource{format: rgb2x2}),
		mustUnit(t, "filter.a", &passthrough{}),
		mustUnit(t, "filter.b", &passthrough{initErr: boom}),
		mustUnit(t, "filter.c", &passthrough{}),
	}
	c := New(nil)
	mustAppend(t, c, units...)

	failed, err := c.AllUnitsStreamInit()
	if failed != units[2] {
		t.Fatalf("failed unit = %v, want %s", failed, units[2].ID())
	}
	if !errors.Is(err, unit.ErrStreamInit) || !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	for i, u := range units {
		want := unit.Idle
		if i < 2 {
			want = unit.Streaming
		}
		if u.State() != want {
			t.Errorf("unit %d state = %s, want %s", i, u.State(), want)
		}
	}
	if st := c.Status(); st.State != Partial {
		t.Errorf("chain state = %s, want PARTIAL", st.State)
	}

	if err := c.AllUnitsStreamShutdown(); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	for i, u := range units {
		if u.State() != unit.Idle {
			t.Errorf("unit %d state after shutdown = %s", i, u.State())
		}
	}
}

// --- Test 4: No data, no notification ---
func TestPumpWithoutDataIsNoop(t *testing.T) {
	c := New(nil)
	mustAppend(t, c, mustUnit(t, "test.src", &queueSource{format: rgb2x2}), mustUnit(t, "filter.a", &passthrough{}))
	notified := false
	_ = c.OnFrameReady("h", func(*Chain, *unit.Unit, *framebuffer.FrameBuffer) { notified = true })
	_, _ = c.AllUnitsStreamInit()

	for i := 0; i < 3; i++ {
		ok, err := c.PumpOnce()
		if ok || err != nil {
			t.Fatalf("PumpOnce = %v, %v", ok, err)
		}
	}
	if notified {
		t.Fatal("handler fired without a frame")
	}
}

func TestPumpIdleChainIsNoop(t *testing.T) {
	c := New(nil)
	if ok, err := c.PumpOnce(); ok || err != nil {
		t.Fatalf("empty chain pump = %v, %v", ok, err)
	}
	mustAppend(t, c, mustUnit(t, "test.src", &queueSource{format: rgb2x2, queue: [][]byte{{1}}}))
	if ok, err := c.PumpOnce(); ok || err != nil {
		t.Fatalf("idle chain pump = %v, %v", ok, err)
	}
}

func TestAddUnknownIdentifier(t *testing.T) {
	c := New(testRegistry(t))
	if _, err := c.AddUnitByID("input.nope"); !errors.Is(err, ErrUnknownUnitIdentifier) {
		t.Fatalf("err = %v, want ErrUnknownUnitIdentifier", err)
	}
	if c.Len() != 0 {
		t.Fatalf("chain length = %d after failed add", c.Len())
	}
}

// --- Test 5: Fault during streaming ---
func TestFaultDuringStreaming(t *testing.T) {
	boom := errors.New("decoder crashed")
	src := mustUnit(t, "test.src", &queueSource{format: rgb2x2, queue: [][]byte{{1}}})
	bad := mustUnit(t, "filter.bad", &passthrough{processErr: boom})
	tail := mustUnit(t, "filter.tail", &passthrough{})
	c := New(nil)
	mustAppend(t, c, src, bad, tail)
	_, _ = c.AllUnitsStreamInit()

	ok, err := c.PumpOnce()
	var fe *unit.FaultError
	if ok || !errors.As(err, &fe) || fe.UnitID != "filter.bad" {
		t.Fatalf("PumpOnce = %v, %v", ok, err)
	}

	st := c.Status()
	if st.State != Faulted || st.FaultedUnit != bad || !errors.Is(st.Err, boom) {
		t.Fatalf("status = %+v", st)
	}
	if src.State() != unit.Streaming || tail.State() != unit.Streaming {
		t.Fatalf("other units changed state: %s %s", src.State(), tail.State())
	}
	if c.Stats().Faults != 1 {
		t.Fatalf("faults = %d", c.Stats().Faults)
	}

	_ = c.AllUnitsStreamShutdown()
	if st := c.Status(); st.State != Idle {
		t.Fatalf("state after shutdown = %s", st.State)
	}
}

// --- Test 6: Format incompatibility blocks init only ---
func TestFormatIncompatible(t *testing.T) {
	src := mustUnit(t, "test.src", &queueSource{format: rgb2x2})
	grayOnly := mustUnit(t, "filter.gray", &passthrough{accept: []framebuffer.PixelFormat{framebuffer.PixelFormatGray}})
	c := New(nil)
	mustAppend(t, c, src, grayOnly)

	if c.StreamCapable() {
		t.Fatal("RGB → GRAY-only chain reported stream capable")
	}
	var fie *FormatIncompatibleError
	if !errors.As(c.Incompatibility(), &fie) || fie.Upstream != "test.src" || fie.Downstream != "filter.gray" {
		t.Fatalf("incompatibility = %v", c.Incompatibility())
	}

	failed, err := c.AllUnitsStreamInit()
	if failed != grayOnly || !errors.Is(err, ErrFormatIncompatible) {
		t.Fatalf("init = %v, %v", failed, err)
	}
	if src.State() != unit.Streaming {
		t.Fatal("source should remain streaming")
	}
	_ = c.AllUnitsStreamShutdown()

	if err := c.RemoveUnit(grayOnly); err != nil {
		t.Fatalf("RemoveUnit: %v", err)
	}
	if !c.StreamCapable() {
		t.Fatalf("still incompatible after removal: %v", c.Incompatibility())
	}
}

func TestTransformFirstIsIncompatible(t *testing.T) {
	c := New(nil)
	mustAppend(t, c, mustUnit(t, "filter.a", &passthrough{}))
	if c.StreamCapable() {
		t.Fatal("chain starting with a transform should not be stream capable")
	}
}

// --- Test 7: Control change re-negotiates ---
func TestControlChangeRenegotiates(t *testing.T) {
	src := mustUnit(t, "test.switch", switchable{})
	grayOnly := mustUnit(t, "filter.gray", &passthrough{accept: []framebuffer.PixelFormat{framebuffer.PixelFormatGray}})
	c := New(nil)
	mustAppend(t, c, src, grayOnly)

	if c.StreamCapable() {
		t.Fatal("expected incompatibility before control change")
	}
	if err := src.SetControl("mode", "gray"); err != nil {
		t.Fatalf("SetControl: %v", err)
	}
	if !c.StreamCapable() {
		t.Fatalf("still incompatible: %v", c.Incompatibility())
	}
	if f, _ := grayOnly.OutputFormat(); f.PixelFormat != framebuffer.PixelFormatGray {
		t.Fatalf("downstream did not see new input format: %v", f)
	}
}

// --- Test 8: Format change under a streaming unit ---
//
// Scenario: source restarted alone with a different format while its
// downstream unit keeps streaming.
// Expected: downstream is shut down implicitly and the chain is degraded
// until the next full init.
func TestImplicitShutdownOnFormatChange(t *testing.T) {
	src := mustUnit(t, "test.switch", switchable{})
	down := mustUnit(t, "filter.any", &passthrough{})
	c := New(nil)
	mustAppend(t, c, src, down)
	if _, err := c.AllUnitsStreamInit(); err != nil {
		t.Fatalf("init: %v", err)
	}

	_ = src.StreamShutdown()
	if down.State() != unit.Streaming {
		t.Fatal("downstream stopped although its input format did not change")
	}
	_ = src.SetControl("mode", "gray")
	_ = src.StreamInit()

	if down.State() != unit.Idle {
		t.Fatalf("downstream state = %s, want IDLE", down.State())
	}
	if st := c.Status(); st.State != Degraded {
		t.Fatalf("chain state = %s, want DEGRADED", st.State)
	}

	if _, err := c.AllUnitsStreamInit(); err != nil {
		t.Fatalf("re-init: %v", err)
	}
	if f := down.StreamInputFormat(); f.PixelFormat != framebuffer.PixelFormatGray {
		t.Fatalf("downstream restarted with %v", f)
	}
	if st := c.Status(); st.State != Streaming {
		t.Fatalf("chain state = %s, want STREAMING", st.State)
	}
}

// --- Test 9: Structural edits ---
func TestStructuralEdits(t *testing.T) {
	src := mustUnit(t, "test.src", &queueSource{format: rgb2x2})
	a := mustUnit(t, "filter.a", &passthrough{})
	b := mustUnit(t, "filter.b", &passthrough{})
	c := New(nil)

	var events []string
	c.OnEvent(func(ev Event) {
		if ev.Kind != UnitStatusChanged {
			events = append(events, ev.Kind.String()+":"+ev.Unit.ID())
		}
	})

	mustAppend(t, c, src, b)
	if err := c.InsertUnit(a, 1); err != nil {
		t.Fatalf("InsertUnit: %v", err)
	}
	if a.Input() != src || b.Input() != a {
		t.Fatal("insert did not rewire inputs")
	}

	if err := c.ReorderUnit(b, 1); err != nil {
		t.Fatalf("ReorderUnit: %v", err)
	}
	if c.Unit(1) != b || c.Unit(2) != a || a.Input() != b {
		t.Fatal("reorder did not rewire inputs")
	}

	_, _ = c.AllUnitsStreamInit()
	if err := c.RemoveUnit(a); !errors.Is(err, ErrChainStreaming) {
		t.Fatalf("RemoveUnit while streaming: %v", err)
	}
	if _, err := c.AddUnitByID("x.y"); !errors.Is(err, ErrUnknownUnitIdentifier) && !errors.Is(err, ErrChainStreaming) {
		t.Fatalf("AddUnitByID while streaming: %v", err)
	}
	_ = c.AllUnitsStreamShutdown()

	if err := c.RemoveUnit(b); err != nil {
		t.Fatalf("RemoveUnit: %v", err)
	}
	if a.Input() != src || b.Input() != nil {
		t.Fatal("remove did not rewire inputs")
	}
	if err := c.RemoveUnit(b); !errors.Is(err, ErrUnitNotInChain) {
		t.Fatalf("second remove: %v", err)
	}
	if c.FindUnit("filter.a") != a || c.IndexOf(a) != 1 {
		t.Fatal("FindUnit/IndexOf disagree")
	}

	want := []string{
		"unit-added:test.src", "unit-added:filter.b", "unit-added:filter.a",
		"unit-reordered:filter.b", "unit-removed:filter.b",
	}
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("events = %v, want %v", events, want)
		}
	}

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if c.Len() != 0 {
		t.Fatalf("Len after Close = %d", c.Len())
	}
}

// --- Test 10: Frame handlers ---
func TestFrameHandlers(t *testing.T) {
	c := New(nil)
	mustAppend(t, c, mustUnit(t, "test.src", &queueSource{format: rgb2x2, queue: [][]byte{{7}, {8}}}))

	var order []string
	var kept *framebuffer.FrameBuffer
	_ = c.OnFrameReady("first", func(_ *Chain, _ *unit.Unit, buf *framebuffer.FrameBuffer) {
		order = append(order, "first")
		kept = buf.Ref()
	})
	_ = c.OnFrameReady("second", func(*Chain, *unit.Unit, *framebuffer.FrameBuffer) {
		order = append(order, "second")
	})
	if err := c.OnFrameReady("first", nil); !errors.Is(err, ErrSubscriberExists) {
		t.Fatalf("duplicate handler: %v", err)
	}

	_, _ = c.AllUnitsStreamInit()
	_, _ = c.PumpOnce()
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("handler order = %v", order)
	}
	if kept.RefCount() != 1 || kept.Data[0] != 7 {
		t.Fatalf("retained buffer refs=%d data=%v", kept.RefCount(), kept.Data[:1])
	}
	kept.Release()

	if err := c.RemoveFrameHandler("first"); err != nil {
		t.Fatalf("RemoveFrameHandler: %v", err)
	}
	if err := c.RemoveFrameHandler("first"); !errors.Is(err, ErrSubscriberNotFound) {
		t.Fatalf("second remove: %v", err)
	}
	order = nil
	_, _ = c.PumpOnce()
	if len(order) != 1 || order[0] != "second" {
		t.Fatalf("after removal order = %v", order)
	}
}

// --- Test 11: Shutdown is best effort ---
func TestShutdownAggregatesErrors(t *testing.T) {
	e1, e2 := errors.New("close a"), errors.New("close b")
	a := mustUnit(t, "filter.a", &passthrough{shutdownErr: e1})
	b := mustUnit(t, "filter.b", &passthrough{shutdownErr: e2})
	c := New(nil)
	mustAppend(t, c, mustUnit(t, "test.src", &queueSource{format: rgb2x2}), a, b)
	_, _ = c.AllUnitsStreamInit()

	err := c.AllUnitsStreamShutdown()
	if !errors.Is(err, e1) || !errors.Is(err, e2) {
		t.Fatalf("err = %v, want both unit errors", err)
	}
	for _, u := range c.Units() {
		if u.State() != unit.Idle {
			t.Fatalf("%s still %s", u.ID(), u.State())
		}
	}
}

func TestTickIsBounded(t *testing.T) {
	queue := make([][]byte, maxFramesPerTick+4)
	for i := range queue {
		queue[i] = []byte{byte(i)}
	}
	c := New(nil)
	mustAppend(t, c, mustUnit(t, "test.src", &queueSource{format: rgb2x2, queue: queue}))
	_, _ = c.AllUnitsStreamInit()

	if n, err := c.Tick(); n != maxFramesPerTick || err != nil {
		t.Fatalf("first Tick = %d, %v", n, err)
	}
	if n, _ := c.Tick(); n != 4 {
		t.Fatalf("second Tick = %d, want 4", n)
	}
	if s := c.Stats(); s.Frames != uint64(len(queue)) {
		t.Fatalf("frames = %d", s.Frames)
	}
	if !c.NextEventTime().IsZero() || len(c.WaitHandles()) != 0 {
		t.Fatal("plain units should expose no timers or wait handles")
	}
}
