package codecache

import (
	"bytes"
	"errors"
	"testing"

	"github.com/7avi/CinderVM/pkg/bytecode"
	"github.com/7avi/CinderVM/pkg/jit"
)

func openTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := Open(DefaultConfig(t.TempDir()))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func testProgram(v int64) *bytecode.Program {
	return bytecode.NewProgram([]bytecode.Instruction{
		bytecode.PushInt(v),
		{Op: bytecode.OpReturn},
	}, 0)
}

func testArtifact() *jit.Artifact {
	return &jit.Artifact{
		Code:      []byte{0x55, 0x48, 0x89, 0xE5, 0x48, 0x89, 0xEC, 0x5D, 0xC3},
		Capacity:  152,
		CallSites: []jit.CallSite{{Site: 12, Native: 0x01}},
		TrapSites: []int{34},
		Memory:    1024,
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	c := openTestCache(t)

	id := Key(testProgram(7))
	want := testArtifact()
	if err := c.Put(id, want); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := c.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got.Code, want.Code) {
		t.Errorf("Code = %x, want %x", got.Code, want.Code)
	}
	if got.Capacity != want.Capacity {
		t.Errorf("Capacity = %d, want %d", got.Capacity, want.Capacity)
	}
	if len(got.CallSites) != 1 || got.CallSites[0] != want.CallSites[0] {
		t.Errorf("CallSites = %v, want %v", got.CallSites, want.CallSites)
	}
	if len(got.TrapSites) != 1 || got.TrapSites[0] != want.TrapSites[0] {
		t.Errorf("TrapSites = %v, want %v", got.TrapSites, want.TrapSites)
	}
	if got.Memory != want.Memory {
		t.Errorf("Memory = %d, want %d", got.Memory, want.Memory)
	}
}

func TestGetMissing(t *testing.T) {
	c := openTestCache(t)

	_, err := c.Get(Key(testProgram(1)))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get error = %v, want ErrNotFound", err)
	}
}

func TestKeyDistinguishesPrograms(t *testing.T) {
	a := Key(testProgram(1))
	b := Key(testProgram(2))
	if a == b {
		t.Error("distinct programs share a key")
	}
	if a != Key(testProgram(1)) {
		t.Error("same program hashes to different keys")
	}
}

func TestHasAndDelete(t *testing.T) {
	c := openTestCache(t)

	id := Key(testProgram(3))
	if c.Has(id) {
		t.Error("Has before Put = true")
	}
	if err := c.Put(id, testArtifact()); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !c.Has(id) {
		t.Error("Has after Put = false")
	}
	if err := c.Delete(id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if c.Has(id) {
		t.Error("Has after Delete = true")
	}

	// Deleting a missing entry is not an error.
	if err := c.Delete(id); err != nil {
		t.Errorf("second Delete: %v", err)
	}
}

func TestPutReplaces(t *testing.T) {
	c := openTestCache(t)

	id := Key(testProgram(4))
	if err := c.Put(id, testArtifact()); err != nil {
		t.Fatalf("Put: %v", err)
	}
	updated := testArtifact()
	updated.Code = []byte{0xC3}
	if err := c.Put(id, updated); err != nil {
		t.Fatalf("second Put: %v", err)
	}

	got, err := c.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got.Code, updated.Code) {
		t.Errorf("Code = %x, want %x", got.Code, updated.Code)
	}
}

func TestClosed(t *testing.T) {
	c, err := Open(DefaultConfig(t.TempDir()))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	id := Key(testProgram(5))
	if err := c.Put(id, testArtifact()); !errors.Is(err, ErrClosed) {
		t.Errorf("Put after Close error = %v, want ErrClosed", err)
	}
	if _, err := c.Get(id); !errors.Is(err, ErrClosed) {
		t.Errorf("Get after Close error = %v, want ErrClosed", err)
	}
	if c.Has(id) {
		t.Error("Has after Close = true")
	}
}

func TestReopenPersists(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig(dir)

	c, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	id := Key(testProgram(6))
	if err := c.Put(id, testArtifact()); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	c, err = Open(cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer c.Close()
	if !c.Has(id) {
		t.Error("artifact lost across reopen")
	}
}
