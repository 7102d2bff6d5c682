//go:build amd64 && (linux || darwin || freebsd)

package native

import "testing"

func TestEntryAddrStable(t *testing.T) {
	r := NewRegistry()
	r.Register(0x50, "noop", func(arg int64) int64 { return 0 })

	a1, err := r.EntryAddr(0x50)
	if err != nil {
		t.Fatalf("EntryAddr: %v", err)
	}
	if a1 == 0 {
		t.Fatal("EntryAddr returned 0")
	}
	a2, err := r.EntryAddr(0x50)
	if err != nil {
		t.Fatalf("EntryAddr: %v", err)
	}
	if a1 != a2 {
		t.Errorf("EntryAddr not stable: %#x then %#x", a1, a2)
	}
}
