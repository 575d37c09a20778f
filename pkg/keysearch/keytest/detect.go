package keytest

import "bytes"

// Detector decides whether a decrypted buffer looks like the expected
// plaintext. Implementations must be safe for concurrent use and must not
// retain buf.
type Detector interface {
	Detect(buf []byte) bool
}

// DetectorFunc adapts a function to Detector.
type DetectorFunc func(buf []byte) bool

func (f DetectorFunc) Detect(buf []byte) bool { return f(buf) }

// Keyword matches buffers that contain kw anywhere, including across embedded
// zero bytes.
func Keyword(kw []byte) Detector {
	kw = append([]byte(nil), kw...)
	return DetectorFunc(func(buf []byte) bool {
		return len(kw) > 0 && bytes.Contains(buf, kw)
	})
}

var englishMarkers = [][]byte{
	[]byte(" the "),
	[]byte("the "),
	[]byte(" the"),
	[]byte("The "),
	[]byte(" The"),
}

// PrintableRatio returns the fraction of bytes in buf that are printable ASCII,
// tab or newline.
func PrintableRatio(buf []byte) float64 {
	if len(buf) == 0 {
		return 0
	}
	n := 0
	for _, c := range buf {
		if (c >= 32 && c <= 126) || c == '\n' || c == '\t' {
			n++
		}
	}
	return float64(n) / float64(len(buf))
}

// English matches buffers that contain a form of "the" or are more than 85%
// printable.
func English() Detector {
	return DetectorFunc(func(buf []byte) bool {
		for _, m := range englishMarkers {
			if bytes.Contains(buf, m) {
				return true
			}
		}
		return PrintableRatio(buf) > 0.85
	})
}
