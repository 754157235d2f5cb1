// Package testfs provides small on-disk fixture helpers for the
// replication integration tests: writing a pattern-filled source file
// while hashing it in the same pass, comparing two files byte-for-byte,
// and corrupting a destination copy to simulate the write-then-flush
// corruption window a crash-consistency test needs to hit. The write
// loop uses a bounded 1MiB fill buffer written repeatedly rather than
// held fully in memory, so multi-gigabyte fixtures stay cheap.
package testfs

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"testing"
)

const writeBufSize = 1 << 20 // 1MiB, matching hashpipe's read buffer size

// WriteSlide creates a size-byte file at path filled with pattern,
// computing its SHA-256 digest in the same pass, and returns the hex
// digest. Named for the domain's typical payload (a whole-slide image).
func WriteSlide(path string, size int64, pattern byte) (string, error) {
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	bufSize := writeBufSize
	if int64(bufSize) > size {
		bufSize = int(size)
	}
	buf := bytes.Repeat([]byte{pattern}, bufSize)

	h := sha256.New()
	remaining := size
	for remaining > 0 {
		n := int64(len(buf))
		if remaining < n {
			n = remaining
		}
		if _, err := f.Write(buf[:n]); err != nil {
			return "", err
		}
		if _, err := h.Write(buf[:n]); err != nil {
			return "", err
		}
		remaining -= n
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// AssertBytesEqual fails t unless the files at pathA and pathB hold
// identical content.
func AssertBytesEqual(t *testing.T, pathA, pathB string) {
	t.Helper()
	a, err := os.ReadFile(pathA)
	if err != nil {
		t.Fatalf("read %s: %v", pathA, err)
	}
	b, err := os.ReadFile(pathB)
	if err != nil {
		t.Fatalf("read %s: %v", pathB, err)
	}
	if !bytes.Equal(a, b) {
		t.Fatalf("%s and %s differ (%d bytes vs %d bytes)", pathA, pathB, len(a), len(b))
	}
}

// AssertHash fails t unless the file at path hashes to expected.
func AssertHash(t *testing.T, path, expected string) {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		t.Fatalf("hash %s: %v", path, err)
	}
	got := hex.EncodeToString(h.Sum(nil))
	if got != expected {
		t.Fatalf("%s: hash mismatch, got %s want %s", path, got, expected)
	}
}

// CorruptByte flips every bit of the byte at offset in the file at path, simulating
// disk corruption that occurs between a write and its flush-to-platter.
func CorruptByte(path string, offset int64) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	var b [1]byte
	if _, err := f.ReadAt(b[:], offset); err != nil {
		return err
	}
	b[0] ^= 0xFF
	_, err = f.WriteAt(b[:], offset)
	return err
}
