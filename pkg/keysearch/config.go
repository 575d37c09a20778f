package keysearch

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Defaults carried over from the original adaptive search.
const (
	DefaultInitialChunk  uint64  = 100000
	DefaultMinChunk      uint64  = 10000
	DefaultPollInterval  uint64  = 5000
	DefaultFactor        float64 = 1.5
	DefaultGrowthDivisor uint64  = 10
	DefaultRangeBits     uint    = 56
)

// Config is the search configuration surface. All fields are plain scalars;
// nothing is persisted between runs.
type Config struct {
	// StartKey is the first key of the search range.
	StartKey uint64

	// RangeBits expresses the range size as 1<<RangeBits. It is ignored when
	// RangeCount is non-zero.
	RangeBits uint

	// RangeCount expresses the range size as an absolute number of keys.
	RangeCount uint64

	// InitialChunk is the first block size handed out.
	InitialChunk uint64

	// MinChunk is the lower bound for every block size. InitialChunk is raised
	// to MinChunk when smaller.
	MinChunk uint64

	// Factor is the multiplicative growth applied after each assignment. 1
	// disables growth and recovers static partitioning.
	Factor float64

	// GrowthDivisor controls when growth stops: blocks grow only while smaller
	// than remaining/(workers*GrowthDivisor).
	GrowthDivisor uint64

	// PollInterval is the number of keys each scan unit tests between checks
	// of the termination flag.
	PollInterval uint64

	// Timeout is the optional wall-clock limit. Zero means no limit.
	Timeout time.Duration
}

// DefaultConfig returns the configuration of the original adaptive search with
// a 56-bit range starting at zero.
func DefaultConfig() Config {
	return Config{
		RangeBits:     DefaultRangeBits,
		InitialChunk:  DefaultInitialChunk,
		MinChunk:      DefaultMinChunk,
		Factor:        DefaultFactor,
		GrowthDivisor: DefaultGrowthDivisor,
		PollInterval:  DefaultPollInterval,
	}
}

// Size returns the number of keys to search.
func (c Config) Size() (uint64, error) {
	if c.RangeCount > 0 {
		return c.RangeCount, nil
	}
	if c.RangeBits >= 64 {
		return 0, fmt.Errorf("%w: got %d", ErrRangeBits, c.RangeBits)
	}
	return uint64(1) << c.RangeBits, nil
}

// Range returns the half-open search range [StartKey, StartKey+Size).
func (c Config) Range() (KeyRange, error) {
	size, err := c.Size()
	if err != nil {
		return KeyRange{}, err
	}
	return RangeFrom(c.StartKey, size)
}

// Validate reports the first invalid setting. It does not modify c; see
// Normalize for defaulting.
func (c Config) Validate() error {
	if _, err := c.Range(); err != nil {
		return err
	}
	if c.Factor < 1 {
		return fmt.Errorf("%w: got %v", ErrInvalidFactor, c.Factor)
	}
	if c.PollInterval == 0 {
		return ErrInvalidPoll
	}
	if c.Timeout < 0 {
		return fmt.Errorf("keysearch: timeout must not be negative: %v", c.Timeout)
	}
	return nil
}

// Normalize fills zero chunk settings with defaults and raises InitialChunk
// to MinChunk.
func (c Config) Normalize() Config {
	if c.MinChunk == 0 {
		c.MinChunk = 1
	}
	if c.InitialChunk == 0 {
		c.InitialChunk = DefaultInitialChunk
	}
	if c.InitialChunk < c.MinChunk {
		c.InitialChunk = c.MinChunk
	}
	if c.GrowthDivisor == 0 {
		c.GrowthDivisor = DefaultGrowthDivisor
	}
	return c
}

// ParseKey parses a decimal key.
func ParseKey(s string) (uint64, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidNumber, s)
	}
	return v, nil
}

// ParseRange interprets s the way the original command line did: values up to
// 63 are a power-of-two exponent, larger values an absolute key count. Zero is
// rejected.
func ParseRange(s string) (uint64, error) {
	v, err := ParseKey(s)
	if err != nil {
		return 0, err
	}
	if v == 0 {
		return 0, ErrZeroRange
	}
	if v <= 63 {
		return uint64(1) << v, nil
	}
	return v, nil
}
