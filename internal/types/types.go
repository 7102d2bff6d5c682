// Package types defines identity types shared across CinderVM packages.
package types

import (
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
	"github.com/zeebo/blake3"
)

// ProgramIDSize is the byte length of a program identifier.
const ProgramIDSize = 32

// ErrInvalidProgramID is returned when a program ID has invalid length.
var ErrInvalidProgramID = errors.New("invalid program id: must be 32 bytes")

// ProgramID is the blake3 hash of a program's canonical binary encoding.
// It identifies a program's content, independent of how it was authored.
type ProgramID [ProgramIDSize]byte

// HashProgram computes the ProgramID of an encoded program.
func HashProgram(encoded []byte) ProgramID {
	return ProgramID(blake3.Sum256(encoded))
}

// ProgramIDFromBytes creates a ProgramID from a byte slice.
func ProgramIDFromBytes(b []byte) (ProgramID, error) {
	var id ProgramID
	if len(b) != ProgramIDSize {
		return id, ErrInvalidProgramID
	}
	copy(id[:], b)
	return id, nil
}

// ProgramIDFromBase58 parses a base58-encoded program ID.
func ProgramIDFromBase58(s string) (ProgramID, error) {
	data, err := base58.Decode(s)
	if err != nil {
		return ProgramID{}, fmt.Errorf("base58 decode: %w", err)
	}
	return ProgramIDFromBytes(data)
}

// String returns the base58 rendering of the program ID.
func (id ProgramID) String() string {
	return base58.Encode(id[:])
}

// Bytes returns the program ID as a byte slice.
func (id ProgramID) Bytes() []byte {
	return id[:]
}
