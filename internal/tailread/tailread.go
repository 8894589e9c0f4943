// Package tailread reads the final complete line of a file without scanning
// it from the front. The index refresh path uses it to pick up a run's stop
// document from the end of its append log, so refresh cost tracks the number
// of changed files rather than their sizes.
package tailread

import (
	"bytes"
	"io"
)

const blockSize = 4096

// LastLine returns the last non-empty newline-terminated line of the reader,
// without its trailing newline. Bytes after the final newline belong to an
// append still in flight and are ignored, as are trailing blank lines. A
// file with no such line returns (nil, nil).
func LastLine(r io.ReaderAt, size int64) ([]byte, error) {
	var suffix []byte
	buf := make([]byte, blockSize)
	off := size
	for {
		if line, ok := lastComplete(suffix, off == 0); ok {
			return line, nil
		}
		n := int64(blockSize)
		if n > off {
			n = off
		}
		off -= n
		if m, err := r.ReadAt(buf[:n], off); err != nil && int64(m) < n {
			return nil, err
		}
		suffix = append(append([]byte{}, buf[:n]...), suffix...)
	}
}

// lastComplete extracts the last non-empty complete line from a suffix of
// the file. whole reports that the suffix starts at offset zero, so a line
// touching the suffix's front edge cannot extend further back. ok is false
// when more of the file is needed to decide.
func lastComplete(suffix []byte, whole bool) ([]byte, bool) {
	end := bytes.LastIndexByte(suffix, '\n')
	if end < 0 {
		// No terminator seen yet: either a partial append or, once the whole
		// file is in hand, no complete line at all.
		if whole {
			return nil, true
		}
		return nil, false
	}

	content := suffix[:end]
	for {
		i := bytes.LastIndexByte(content, '\n')
		line := content[i+1:]
		if len(line) > 0 {
			if i < 0 && !whole {
				return nil, false
			}
			return line, true
		}
		if i < 0 {
			// Nothing but newlines so far.
			if whole {
				return nil, true
			}
			return nil, false
		}
		content = content[:i]
	}
}
