// Package rpcwire is the length-delimited encoding/gob framing shared
// by the RPC server (internal/rpcserver) and the monitor client
// (internal/monitorclient), per spec §4.J/§6. It is the functional
// analog of gleipnir-interface/src/unixtransport.rs's tarpc transport:
// a 4-byte big-endian length prefix followed by one encoded value,
// using encoding/gob in place of bincode since neither tarpc nor
// bincode have a Go ecosystem equivalent.
package rpcwire

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
)

// maxFrameSize bounds a single frame, guarding against a peer sending a
// bogus length prefix that would otherwise trigger an unbounded
// allocation.
const maxFrameSize = 16 << 20 // 16 MiB

// WriteFrame gob-encodes v and writes it to w as one length-prefixed
// frame.
func WriteFrame(w io.Writer, v any) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return fmt.Errorf("rpcwire: encode frame: %w", err)
	}

	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(buf.Len()))
	if _, err := w.Write(lenPrefix[:]); err != nil {
		return fmt.Errorf("rpcwire: write length prefix: %w", err)
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("rpcwire: write frame body: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame from r and gob-decodes it
// into v, which must be a pointer.
func ReadFrame(r io.Reader, v any) error {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return err // EOF propagates as-is so callers can detect a clean disconnect
	}

	size := binary.BigEndian.Uint32(lenPrefix[:])
	if size > maxFrameSize {
		return fmt.Errorf("rpcwire: frame size %d exceeds limit %d", size, maxFrameSize)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return fmt.Errorf("rpcwire: read frame body: %w", err)
	}

	if err := gob.NewDecoder(bytes.NewReader(body)).Decode(v); err != nil {
		return fmt.Errorf("rpcwire: decode frame: %w", err)
	}
	return nil
}
