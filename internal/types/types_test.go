package types

import (
	"errors"
	"testing"
)

func TestHashProgramDeterministic(t *testing.T) {
	a := HashProgram([]byte{1, 2, 3})
	b := HashProgram([]byte{1, 2, 3})
	if a != b {
		t.Error("same input hashed to different ids")
	}
	if a == HashProgram([]byte{1, 2, 4}) {
		t.Error("different inputs hashed to same id")
	}
}

func TestProgramIDBase58RoundTrip(t *testing.T) {
	id := HashProgram([]byte("hello"))
	back, err := ProgramIDFromBase58(id.String())
	if err != nil {
		t.Fatalf("ProgramIDFromBase58: %v", err)
	}
	if back != id {
		t.Errorf("round trip = %s, want %s", back, id)
	}
}

func TestProgramIDFromBytes(t *testing.T) {
	id := HashProgram([]byte("x"))
	back, err := ProgramIDFromBytes(id.Bytes())
	if err != nil {
		t.Fatalf("ProgramIDFromBytes: %v", err)
	}
	if back != id {
		t.Errorf("round trip mismatch")
	}

	if _, err := ProgramIDFromBytes([]byte{1, 2, 3}); !errors.Is(err, ErrInvalidProgramID) {
		t.Errorf("short input error = %v, want ErrInvalidProgramID", err)
	}
}
