package filter

import (
	"testing"

	"github.com/ashuang/camunits-sub002/framebuffer"
	"github.com/ashuang/camunits-sub002/registry"
	"github.com/ashuang/camunits-sub002/unit"
)

func TestIdentitySharesBuffer(t *testing.T) {
	reg := registry.New()
	if err := reg.AddDriver(Driver()); err != nil {
		t.Fatal(err)
	}
	u, err := reg.Instantiate(IdentityID)
	if err != nil {
		t.Fatal(err)
	}

	f := framebuffer.MustFormat(framebuffer.PixelFormatGray, "", 4, 4, 0)
	u.HandleInputFormatChanged(&f)
	if got, ok := u.OutputFormat(); !ok || !got.Equal(f) {
		t.Fatalf("output format = %v, %v; want %s", got, ok, f)
	}

	// Stand-alone unit: give it an upstream so the requirement holds.
	src, err := unit.New("test.src", "src", srcHandler{f})
	if err != nil {
		t.Fatal(err)
	}
	if err := u.SetInput(src); err != nil {
		t.Fatal(err)
	}
	if err := u.StreamInit(); err != nil {
		t.Fatalf("StreamInit: %v", err)
	}

	in := framebuffer.New(16)
	out, err := u.Process(in)
	if err != nil {
		t.Fatal(err)
	}
	if out != in {
		t.Fatal("identity copied the buffer")
	}
	if in.RefCount() != 2 {
		t.Errorf("refcount = %d, want 2", in.RefCount())
	}
	out.Release()
	in.Release()
}

type srcHandler struct{ f framebuffer.Format }

func (s srcHandler) Setup(u *unit.Unit) error {
	u.AddOutputFormat(s.f)
	return nil
}

func (srcHandler) StreamInit(*unit.Unit, framebuffer.Format) error { return nil }
func (srcHandler) StreamShutdown(*unit.Unit) error                 { return nil }
func (srcHandler) Process(*unit.Unit, *framebuffer.FrameBuffer) (*framebuffer.FrameBuffer, error) {
	return nil, nil
}
