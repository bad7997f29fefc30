package backend

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/wolfeidau/replicache/telemetry"
)

// InstrumentedBackend records latency, outcome and bytes for every operation
// of the wrapped Backend. The location label is usually "local" or "network".
type InstrumentedBackend struct {
	backend  Backend
	location string
}

// NewInstrumentedBackend wraps b, labelling its metrics with location.
func NewInstrumentedBackend(b Backend, location string) *InstrumentedBackend {
	return &InstrumentedBackend{backend: b, location: location}
}

func (ib *InstrumentedBackend) observe(ctx context.Context, op string, start time.Time, err error, n int64) {
	telemetry.RecordBackendOp(ctx, ib.location, op, outcome(err), time.Since(start), n)
}

func (ib *InstrumentedBackend) Write(ctx context.Context, key string, r io.Reader) error {
	start := time.Now()
	body := &meteredReader{r: r}
	err := ib.backend.Write(ctx, key, body)
	ib.observe(ctx, "write", start, err, body.n)
	return err
}

// Read records the operation when the returned reader is closed, so the byte
// count covers what the caller actually consumed.
func (ib *InstrumentedBackend) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	start := time.Now()
	rc, err := ib.backend.Read(ctx, key)
	if err != nil {
		ib.observe(ctx, "read", start, err, 0)
		return nil, err
	}
	return &meteredReader{r: rc, closer: rc, onClose: func(n int64) {
		ib.observe(ctx, "read", start, nil, n)
	}}, nil
}

func (ib *InstrumentedBackend) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := ib.backend.Delete(ctx, key)
	ib.observe(ctx, "delete", start, err, 0)
	return err
}

func (ib *InstrumentedBackend) Exists(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	ok, err := ib.backend.Exists(ctx, key)
	ib.observe(ctx, "exists", start, err, 0)
	return ok, err
}

func (ib *InstrumentedBackend) List(ctx context.Context, prefix string) ([]string, error) {
	start := time.Now()
	keys, err := ib.backend.List(ctx, prefix)
	ib.observe(ctx, "list", start, err, 0)
	return keys, err
}

// Backup copies key aside on the wrapped backend, natively when it supports
// BackupBackend.
func (ib *InstrumentedBackend) Backup(ctx context.Context, key string) error {
	start := time.Now()
	err := Backup(ctx, ib.backend, key)
	ib.observe(ctx, "backup", start, err, 0)
	return err
}

// Unwrap returns the wrapped backend.
func (ib *InstrumentedBackend) Unwrap() Backend {
	return ib.backend
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}

// meteredReader counts bytes passing through r. When closer is set, Close
// closes it and reports the count to onClose once.
type meteredReader struct {
	r       io.Reader
	closer  io.Closer
	onClose func(n int64)
	n       int64
}

func (m *meteredReader) Read(p []byte) (int, error) {
	n, err := m.r.Read(p)
	m.n += int64(n)
	return n, err
}

func (m *meteredReader) Close() error {
	var err error
	if m.closer != nil {
		err = m.closer.Close()
	}
	if m.onClose != nil {
		m.onClose(m.n)
		m.onClose = nil
	}
	return err
}

var (
	_ Backend       = (*InstrumentedBackend)(nil)
	_ BackupBackend = (*InstrumentedBackend)(nil)
)
