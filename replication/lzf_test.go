package replication

import (
	"bytes"
	"testing"
)

func TestLZFDecompression(t *testing.T) {
	tests := []struct {
		name            string
		compressed      []byte
		uncompressedLen int
		expected        []byte
		shouldError     bool
	}{
		{
			name:            "empty data",
			compressed:      []byte{},
			uncompressedLen: 0,
			expected:        []byte{},
		},
		{
			name:            "simple literal",
			compressed:      []byte{0x05, 'h', 'e', 'l', 'l', 'o', '!'},
			uncompressedLen: 6,
			expected:        []byte("hello!"),
		},
		{
			name:            "overlapping back reference",
			compressed:      []byte{0x00, 'a', 0x60, 0x00},
			uncompressedLen: 6,
			expected:        []byte("aaaaaa"),
		},
		{
			name:            "repeated block",
			compressed:      []byte{0x02, 'a', 'b', 'c', 0x80, 0x02},
			uncompressedLen: 9,
			expected:        []byte("abcabcabc"),
		},
		{
			name:            "truncated literal",
			compressed:      []byte{0x05, 'h', 'e', 'l'},
			uncompressedLen: 6,
			shouldError:     true,
		},
		{
			name:            "reference before start",
			compressed:      []byte{0x00, 'a', 0x20, 0x05},
			uncompressedLen: 4,
			shouldError:     true,
		},
		{
			name:            "length mismatch",
			compressed:      []byte{0x01, 'h', 'i'},
			uncompressedLen: 5,
			shouldError:     true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := lzfDecompress(tt.compressed, tt.uncompressedLen)
			if tt.shouldError {
				if err == nil {
					t.Errorf("Expected error but got %q", result)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if !bytes.Equal(result, tt.expected) {
				t.Errorf("lzfDecompress() = %q, want %q", result, tt.expected)
			}
		})
	}
}
