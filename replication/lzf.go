package replication

import "errors"

var errLZFCorrupt = errors.New("corrupt LZF data")

// lzfDecompress expands an LZF block as written by Redis for compressed
// RDB strings. A control byte below 32 starts a literal run of ctrl+1
// bytes; anything else is a back reference whose length sits in the top
// three bits (7 meaning an extra length byte follows).
func lzfDecompress(in []byte, outLen int) ([]byte, error) {
	out := make([]byte, 0, outLen)

	for i := 0; i < len(in); {
		ctrl := int(in[i])
		i++

		if ctrl < 32 {
			n := ctrl + 1
			if i+n > len(in) || len(out)+n > outLen {
				return nil, errLZFCorrupt
			}
			out = append(out, in[i:i+n]...)
			i += n
			continue
		}

		n := ctrl >> 5
		if n == 7 {
			if i >= len(in) {
				return nil, errLZFCorrupt
			}
			n += int(in[i])
			i++
		}
		n += 2

		if i >= len(in) {
			return nil, errLZFCorrupt
		}
		back := len(out) - ((ctrl&0x1f)<<8 | int(in[i])) - 1
		i++
		if back < 0 || len(out)+n > outLen {
			return nil, errLZFCorrupt
		}

		// byte by byte: the source may overlap what is being written
		for k := 0; k < n; k++ {
			out = append(out, out[back+k])
		}
	}

	if len(out) != outLen {
		return nil, errLZFCorrupt
	}
	return out, nil
}
