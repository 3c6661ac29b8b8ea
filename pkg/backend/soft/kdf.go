package soft

import (
	"crypto"
	"encoding/binary"
	"fmt"

	"github.com/awnumar/memguard"
)

// x963KDF implements the ANSI X9.63 key derivation function:
// K(i) = H(Z || counter_i || sharedInfo), counter starting at 1.
func x963KDF(h crypto.Hash, z, sharedInfo []byte, length int) ([]byte, error) {
	if !h.Available() {
		return nil, fmt.Errorf("hash %v not available", h)
	}
	out := make([]byte, 0, length+h.Size())
	var counter [4]byte
	for i := uint32(1); len(out) < length; i++ {
		binary.BigEndian.PutUint32(counter[:], i)
		md := h.New()
		md.Write(z)
		md.Write(counter[:])
		md.Write(sharedInfo)
		out = md.Sum(out)
	}
	memguard.WipeBytes(out[length:])
	return out[:length], nil
}
