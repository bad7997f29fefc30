package backend

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

var (
	// MagicBytes opens every framed record file.
	MagicBytes = []byte("RCR1")

	ErrInvalidMagic   = errors.New("not a framed record")
	ErrHeaderTooLarge = errors.New("record header too large")
)

// MaxHeaderSize bounds the encoded RecordHeader.
const MaxHeaderSize = 64 * 1024

// RecordHeader describes the payload of a framed record file. The record
// itself carries no sync metadata; everything the store needs lives here.
type RecordHeader struct {
	RecordType  string `json:"record_type"`
	Owner       string `json:"owner"`
	WrittenAt   string `json:"written_at"`
	Encoding    string `json:"encoding"`
	Length      int64  `json:"length"`
	ContentHash string `json:"content_hash"`
}

// WriteFramed writes header and body as one framed record:
//
//	"RCR1" | header length (uint32, big-endian) | JSON header | body
func WriteFramed(w io.Writer, header *RecordHeader, body io.Reader) error {
	hdr, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("encoding record header: %w", err)
	}
	if len(hdr) > MaxHeaderSize {
		return ErrHeaderTooLarge
	}

	prelude := make([]byte, len(MagicBytes)+4, len(MagicBytes)+4+len(hdr))
	copy(prelude, MagicBytes)
	binary.BigEndian.PutUint32(prelude[len(MagicBytes):], uint32(len(hdr))) //nolint:gosec // bounded by MaxHeaderSize
	prelude = append(prelude, hdr...)

	if _, err := w.Write(prelude); err != nil {
		return fmt.Errorf("writing record header: %w", err)
	}
	if _, err := io.Copy(w, body); err != nil {
		return fmt.Errorf("writing record body: %w", err)
	}
	return nil
}

// ReadFramed parses the header of a framed record and leaves r positioned at
// the start of the body, which is returned as is.
func ReadFramed(r io.Reader) (*RecordHeader, io.Reader, error) {
	var prelude [8]byte
	if _, err := io.ReadFull(r, prelude[:]); err != nil {
		return nil, nil, fmt.Errorf("reading record prelude: %w", err)
	}
	if !bytes.Equal(prelude[:4], MagicBytes) {
		return nil, nil, ErrInvalidMagic
	}

	size := binary.BigEndian.Uint32(prelude[4:])
	if size > MaxHeaderSize {
		return nil, nil, ErrHeaderTooLarge
	}

	hdr := make([]byte, size)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, nil, fmt.Errorf("reading record header: %w", err)
	}

	header := new(RecordHeader)
	if err := json.Unmarshal(hdr, header); err != nil {
		return nil, nil, fmt.Errorf("decoding record header: %w", err)
	}
	return header, r, nil
}

// IsFramed reports whether data starts with the framed record magic bytes.
// Files written before framing was introduced hold the raw payload.
func IsFramed(data []byte) bool {
	return len(data) >= len(MagicBytes) && bytes.Equal(data[:len(MagicBytes)], MagicBytes)
}
