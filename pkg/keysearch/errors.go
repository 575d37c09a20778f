package keysearch

import "errors"

var (
	// ErrZeroRange indicates an empty search range.
	ErrZeroRange = errors.New("keysearch: range must not be empty")

	// ErrRangeBits indicates a power-of-two exponent that does not fit in a
	// 64-bit key.
	ErrRangeBits = errors.New("keysearch: range exponent must be below 64")

	// ErrRangeOverflow indicates a range whose upper bound exceeds the key space.
	ErrRangeOverflow = errors.New("keysearch: range exceeds 64-bit key space")

	// ErrInvalidFactor indicates an adaptation factor below 1.
	ErrInvalidFactor = errors.New("keysearch: adaptation factor must be >= 1")

	// ErrInvalidPoll indicates a zero poll interval.
	ErrInvalidPoll = errors.New("keysearch: poll interval must be positive")

	// ErrInvalidNumber indicates a malformed numeric argument.
	ErrInvalidNumber = errors.New("keysearch: invalid numeric argument")

	// ErrNoWorkers indicates that every worker was lost while work remained.
	ErrNoWorkers = errors.New("keysearch: no active workers left")

	// ErrMalformedMessage indicates a frame that does not decode.
	ErrMalformedMessage = errors.New("keysearch: malformed message")

	// ErrMessageTooLong indicates a plaintext above MaxMessageLen.
	ErrMessageTooLong = errors.New("keysearch: message too long")

	// ErrNilTransport indicates a missing transport.
	ErrNilTransport = errors.New("keysearch: transport must not be nil")

	// ErrNilTester indicates a missing key tester.
	ErrNilTester = errors.New("keysearch: key tester must not be nil")
)
