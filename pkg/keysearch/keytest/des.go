package keytest

import (
	"bytes"
	"crypto/cipher"
	"crypto/des"
	"encoding/binary"
	"fmt"
	"math/bits"

	"github.com/coinbase/cb-keysearch-go/pkg/keysearch"
)

// BlockSize is the DES block size in bytes.
const BlockSize = des.BlockSize

// parityMask clears the low (parity) bit of every key byte.
const parityMask uint64 = 0xFEFEFEFEFEFEFEFE

// KeyBytes formats key as a DES key block: big-endian bytes with odd parity.
func KeyBytes(key uint64) [8]byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], key)
	for i, b := range k {
		b &^= 1
		if bits.OnesCount8(b)%2 == 0 {
			b |= 1
		}
		k[i] = b
	}
	return k
}

// Equivalent reports whether a and b select the same DES key schedule.
func Equivalent(a, b uint64) bool {
	return a&parityMask == b&parityMask
}

func newCipher(key uint64) cipher.Block {
	k := KeyBytes(key)
	// des.NewCipher only fails on a wrong key length.
	c, err := des.NewCipher(k[:])
	if err != nil {
		panic(fmt.Sprintf("keytest: des key schedule: %v", err))
	}
	return c
}

// Pad zero-pads in to a multiple of BlockSize. The input is not modified.
func Pad(in []byte) []byte {
	n := len(in)
	if rem := n % BlockSize; rem != 0 {
		n += BlockSize - rem
	}
	out := make([]byte, n)
	copy(out, in)
	return out
}

// Encrypt encrypts the block-aligned buffer src with key in ECB mode.
func Encrypt(key uint64, src []byte) ([]byte, error) {
	return ecb(key, src, true)
}

// Decrypt decrypts the block-aligned buffer src with key in ECB mode.
func Decrypt(key uint64, src []byte) ([]byte, error) {
	return ecb(key, src, false)
}

func ecb(key uint64, src []byte, encrypt bool) ([]byte, error) {
	if len(src)%BlockSize != 0 {
		return nil, fmt.Errorf("keytest: buffer length %d is not a multiple of %d", len(src), BlockSize)
	}
	dst := make([]byte, len(src))
	ecbInto(newCipher(key), dst, src, encrypt)
	return dst, nil
}

func ecbInto(c cipher.Block, dst, src []byte, encrypt bool) {
	for i := 0; i+BlockSize <= len(src); i += BlockSize {
		if encrypt {
			c.Encrypt(dst[i:i+BlockSize], src[i:i+BlockSize])
		} else {
			c.Decrypt(dst[i:i+BlockSize], src[i:i+BlockSize])
		}
	}
}

// NewProblem pads text, encrypts it with key and returns the search input.
// hint is the keyword for the heuristic and may be empty.
func NewProblem(text []byte, key uint64, hint []byte) (keysearch.Problem, error) {
	plain := Pad(text)
	if len(plain) == 0 {
		return keysearch.Problem{}, fmt.Errorf("keytest: empty message")
	}
	if len(plain) > keysearch.MaxMessageLen {
		return keysearch.Problem{}, fmt.Errorf("%w: %d bytes padded (max %d)", keysearch.ErrMessageTooLong, len(plain), keysearch.MaxMessageLen)
	}
	if len(hint) > keysearch.MaxMessageLen {
		return keysearch.Problem{}, fmt.Errorf("%w: hint of %d bytes", keysearch.ErrMessageTooLong, len(hint))
	}
	ct, err := Encrypt(key, plain)
	if err != nil {
		return keysearch.Problem{}, err
	}
	return keysearch.Problem{
		Ciphertext: ct,
		Plaintext:  plain,
		Hint:       append([]byte(nil), hint...),
	}, nil
}

// DES tests candidate keys against a DES-ECB ciphertext.
type DES struct {
	Detector Detector
}

// NewDES returns a DES tester. A nil detector selects English().
func NewDES(d Detector) DES {
	if d == nil {
		d = English()
	}
	return DES{Detector: d}
}

// ForProblem builds the tester a worker uses for p: a keyword detector when
// the problem carries a hint, the English detector otherwise.
func ForProblem(p keysearch.Problem) DES {
	if len(p.Hint) > 0 {
		return NewDES(Keyword(p.Hint))
	}
	return NewDES(English())
}

// Heuristic decrypts ciphertext with key and asks the detector whether the
// result looks like plaintext.
func (d DES) Heuristic(key uint64, ciphertext []byte) bool {
	if len(ciphertext) == 0 || len(ciphertext)%BlockSize != 0 {
		return false
	}
	buf := make([]byte, len(ciphertext))
	ecbInto(newCipher(key), buf, ciphertext, false)
	det := d.Detector
	if det == nil {
		det = English()
	}
	return det.Detect(buf)
}

// Confirm re-encrypts plaintext with key and compares it with ciphertext.
func (d DES) Confirm(key uint64, plaintext, ciphertext []byte) bool {
	if len(plaintext) == 0 || len(plaintext) != len(ciphertext) || len(plaintext)%BlockSize != 0 {
		return false
	}
	buf := make([]byte, len(plaintext))
	ecbInto(newCipher(key), buf, plaintext, true)
	return bytes.Equal(buf, ciphertext)
}

// Recover decrypts the problem's ciphertext with key and strips the zero
// padding.
func Recover(key uint64, p keysearch.Problem) ([]byte, error) {
	out, err := Decrypt(key, p.Ciphertext)
	if err != nil {
		return nil, err
	}
	return bytes.TrimRight(out, "\x00"), nil
}

var _ keysearch.KeyTester = DES{}
