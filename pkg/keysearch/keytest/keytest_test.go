package keytest

import (
	"encoding/hex"
	"math/bits"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coinbase/cb-keysearch-go/pkg/keysearch"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

func TestKnownVector(t *testing.T) {
	const key = 0x133457799BBCDFF1
	pt := mustHex(t, "0123456789abcdef")
	want := mustHex(t, "85e813540f0ab405")

	ct, err := Encrypt(key, pt)
	require.NoError(t, err)
	require.Equal(t, want, ct)

	back, err := Decrypt(key, ct)
	require.NoError(t, err)
	require.Equal(t, pt, back)

	require.True(t, DES{}.Confirm(key, pt, ct))
	require.False(t, DES{}.Confirm(key+2, pt, ct))
}

func TestKeyBytesOddParity(t *testing.T) {
	for _, k := range []uint64{0, 1, 777, 0x133457799BBCDFF1, ^uint64(0)} {
		kb := KeyBytes(k)
		for i, b := range kb {
			require.Equal(t, 1, bits.OnesCount8(b)%2, "key %#x byte %d", k, i)
			// Only the parity bit may differ from the raw key.
			require.Equal(t, byte(k>>(56-8*uint(i)))&^1, b&^1)
		}
	}
}

func TestEquivalentKeys(t *testing.T) {
	require.True(t, Equivalent(776, 777))
	require.False(t, Equivalent(776, 778))
	require.Equal(t, KeyBytes(776), KeyBytes(777))
}

func TestPad(t *testing.T) {
	require.Len(t, Pad([]byte("abc")), 8)
	require.Len(t, Pad(make([]byte, 16)), 16)
	require.Empty(t, Pad(nil))
	in := []byte("hello world")
	out := Pad(in)
	require.Equal(t, []byte("hello world\x00\x00\x00\x00\x00"), out)
	require.Equal(t, "hello world", string(in))
}

func TestEncryptRejectsUnaligned(t *testing.T) {
	_, err := Encrypt(1, []byte("abc"))
	require.Error(t, err)
}

func TestNewProblemRoundTrip(t *testing.T) {
	p, err := NewProblem([]byte("the quick brown fox"), 4242, []byte("fox"))
	require.NoError(t, err)
	require.Len(t, p.Plaintext, 24)
	require.Len(t, p.Ciphertext, 24)
	require.Equal(t, []byte("fox"), p.Hint)

	got, err := Recover(4242, p)
	require.NoError(t, err)
	require.Equal(t, "the quick brown fox", string(got))

	tester := ForProblem(p)
	require.True(t, tester.Heuristic(4242, p.Ciphertext))
	require.True(t, tester.Confirm(4242, p.Plaintext, p.Ciphertext))
	require.False(t, tester.Confirm(4244, p.Plaintext, p.Ciphertext))
}

func TestNewProblemBounds(t *testing.T) {
	_, err := NewProblem(nil, 1, nil)
	require.Error(t, err)

	_, err = NewProblem(make([]byte, keysearch.MaxMessageLen+1), 1, nil)
	require.ErrorIs(t, err, keysearch.ErrMessageTooLong)

	p, err := NewProblem(make([]byte, keysearch.MaxMessageLen), 1, nil)
	require.NoError(t, err)
	require.Len(t, p.Ciphertext, keysearch.MaxMessageLen)
}

func TestKeywordDetector(t *testing.T) {
	d := Keyword([]byte("secret"))
	require.True(t, d.Detect([]byte("my secret\x00\x00")))
	require.True(t, d.Detect([]byte("\x00\x00secret")))
	require.False(t, d.Detect([]byte("my secre")))
	require.False(t, Keyword(nil).Detect([]byte("anything")))
}

func TestEnglishDetector(t *testing.T) {
	d := English()
	require.True(t, d.Detect([]byte("\xff\xfe the \x01\x02\x03\x04\x05\x06")))
	require.True(t, d.Detect([]byte("The \x00\x01\x02\x03\x04\x05\x06\x07")))
	require.True(t, d.Detect([]byte("plain ascii text")))
	require.False(t, d.Detect([]byte{0x00, 0x01, 0x02, 0x9f, 0xff, 0x80, 'a', 'b'}))
	require.False(t, d.Detect(nil))
}

func TestPrintableRatio(t *testing.T) {
	require.Zero(t, PrintableRatio(nil))
	require.InDelta(t, 1.0, PrintableRatio([]byte("abc\n\t")), 1e-9)
	require.InDelta(t, 0.5, PrintableRatio([]byte{'a', 0x00}), 1e-9)
}

func TestHeuristicRejectsBadLength(t *testing.T) {
	d := NewDES(nil)
	require.False(t, d.Heuristic(1, nil))
	require.False(t, d.Heuristic(1, []byte("abc")))
	require.False(t, d.Confirm(1, []byte("abcdefgh"), []byte("abc")))
}

func TestDESFindsPlantedKeyInSmallRange(t *testing.T) {
	const planted = 777
	p, err := NewProblem([]byte("attack at dawn"), planted, []byte("dawn"))
	require.NoError(t, err)
	tester := ForProblem(p)

	var found []uint64
	for k := uint64(0); k < 1024; k++ {
		if tester.Heuristic(k, p.Ciphertext) && tester.Confirm(k, p.Plaintext, p.Ciphertext) {
			found = append(found, k)
		}
	}
	require.NotEmpty(t, found)
	for _, k := range found {
		require.True(t, Equivalent(k, planted), "confirmed unrelated key %d", k)
	}
}

func TestFixed(t *testing.T) {
	f := Fixed{Key: 9, FalsePositives: map[uint64]bool{3: true}}
	require.True(t, f.Heuristic(9, nil))
	require.True(t, f.Confirm(9, nil, nil))
	require.True(t, f.Heuristic(3, nil))
	require.False(t, f.Confirm(3, nil, nil))
	require.False(t, f.Heuristic(4, nil))

	require.False(t, None{}.Heuristic(9, nil))
	require.False(t, None{}.Confirm(9, nil, nil))
}
