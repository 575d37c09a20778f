// Package keytest provides the KeyTester collaborators used by the workers.
//
// DES implements the heuristic/confirmation pair over single-DES in ECB mode:
// a numeric key is written big-endian into the 8-byte key block and its
// parity bits are fixed, then every 8-byte block of the buffer is processed
// independently. The heuristic decrypts the ciphertext and hands the result
// to a Detector; confirmation re-encrypts the known plaintext and compares it
// with the ciphertext byte for byte.
//
// Because DES ignores the low bit of every key byte, keys that differ only in
// those bits are equivalent. Equivalent reports whether two numeric keys share
// a key schedule.
//
// Fixed is a deterministic KeyTester for tests and demos: it confirms exactly
// one key and can be told to raise heuristic false positives.
package keytest
