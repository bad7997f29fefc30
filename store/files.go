package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/wolfeidau/replicache"
	"github.com/wolfeidau/replicache/backend"
)

// Files implements RecordStore on a pair of backends.
type Files struct {
	local          backend.Backend
	network        backend.Backend
	compressor     *Compressor
	networkTimeout time.Duration
	logger         *slog.Logger
	now            func() time.Time
}

// FilesOption configures Files.
type FilesOption func(*Files)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) FilesOption {
	return func(f *Files) {
		f.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) FilesOption {
	return func(f *Files) {
		f.now = now
	}
}

// WithNetworkTimeout bounds every Network operation. Zero disables the bound.
func WithNetworkTimeout(d time.Duration) FilesOption {
	return func(f *Files) {
		f.networkTimeout = d
	}
}

// NewFiles creates a record store over the given Local and Network backends.
func NewFiles(local, network backend.Backend, opts ...FilesOption) (*Files, error) {
	compressor, err := NewCompressor()
	if err != nil {
		return nil, err
	}
	f := &Files{
		local:      local,
		network:    network,
		compressor: compressor,
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Close releases compression resources.
func (f *Files) Close() {
	f.compressor.Close()
}

func (f *Files) backendFor(ctx context.Context, loc Location) (backend.Backend, context.Context, context.CancelFunc) {
	if loc == Network {
		if f.networkTimeout > 0 {
			ctx, cancel := context.WithTimeout(ctx, f.networkTimeout)
			return f.network, ctx, cancel
		}
		return f.network, ctx, func() {}
	}
	return f.local, ctx, func() {}
}

// Read returns the decoded payload of the record at loc.
func (f *Files) Read(ctx context.Context, loc Location, key replicache.Key) ([]byte, error) {
	raw, err := f.readRaw(ctx, loc, key)
	if err != nil {
		return nil, err
	}
	return f.decode(raw)
}

func (f *Files) readRaw(ctx context.Context, loc Location, key replicache.Key) ([]byte, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	b, ctx, cancel := f.backendFor(ctx, loc)
	defer cancel()

	rc, err := b.Read(ctx, key.Path())
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading %s record %s: %w", loc, key, err)
	}
	defer func() { _ = rc.Close() }()

	raw, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("reading %s record %s: %w", loc, key, err)
	}
	return raw, nil
}

func (f *Files) decode(raw []byte) ([]byte, error) {
	if !backend.IsFramed(raw) {
		// written before framing was introduced
		return raw, nil
	}

	header, body, err := backend.ReadFramed(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("reading frame: %w", err)
	}
	payload, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("reading frame body: %w", err)
	}

	data, err := f.compressor.Decode(payload, header.Encoding, header.Length)
	if err != nil {
		return nil, err
	}
	if header.ContentHash != "" && replicache.HashBytes(data).String() != header.ContentHash {
		return nil, ErrCorrupted
	}
	return data, nil
}

// Write frames data and stores it at loc, optionally backing up the prior record.
func (f *Files) Write(ctx context.Context, loc Location, key replicache.Key, data []byte, backup bool) error {
	if err := key.Validate(); err != nil {
		return err
	}

	payload, encoding := f.compressor.Encode(data)
	header := &backend.RecordHeader{
		RecordType:  key.RecordType,
		Owner:       key.Owner,
		WrittenAt:   f.now().UTC().Format(time.RFC3339Nano),
		Encoding:    encoding,
		Length:      int64(len(data)),
		ContentHash: replicache.HashBytes(data).String(),
	}

	var buf bytes.Buffer
	if err := backend.WriteFramed(&buf, header, bytes.NewReader(payload)); err != nil {
		return fmt.Errorf("framing record %s: %w", key, err)
	}

	b, ctx, cancel := f.backendFor(ctx, loc)
	defer cancel()

	if backup {
		if err := backend.Backup(ctx, b, key.Path()); err != nil {
			return fmt.Errorf("backing up %s record %s: %w", loc, key, err)
		}
	}

	if err := b.Write(ctx, key.Path(), &buf); err != nil {
		return fmt.Errorf("writing %s record %s: %w", loc, key, err)
	}
	return nil
}

// Delete removes the record at loc.
func (f *Files) Delete(ctx context.Context, loc Location, key replicache.Key) error {
	if err := key.Validate(); err != nil {
		return err
	}
	b, ctx, cancel := f.backendFor(ctx, loc)
	defer cancel()

	if err := b.Delete(ctx, key.Path()); err != nil {
		return fmt.Errorf("deleting %s record %s: %w", loc, key, err)
	}
	return nil
}

// List returns every record key of owner at loc. Files that are not records,
// such as backups, are skipped.
func (f *Files) List(ctx context.Context, loc Location, owner string) ([]replicache.Key, error) {
	b, ctx, cancel := f.backendFor(ctx, loc)
	defer cancel()

	paths, err := b.List(ctx, replicache.OwnerPrefix(owner))
	if err != nil {
		return nil, fmt.Errorf("listing %s records of %s: %w", loc, owner, err)
	}

	keys := make([]replicache.Key, 0, len(paths))
	for _, p := range paths {
		if !strings.HasSuffix(p, replicache.RecordExt) {
			continue
		}
		key, err := replicache.ParseKeyPath(p)
		if err != nil {
			f.logger.Debug("skipping unrecognised file", "location", loc, "path", p, "error", err)
			continue
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// Hash returns the content hash of the record at loc, taken from the frame
// header when present.
func (f *Files) Hash(ctx context.Context, loc Location, key replicache.Key) (replicache.Hash, error) {
	raw, err := f.readRaw(ctx, loc, key)
	if err != nil {
		return replicache.Hash{}, err
	}
	if backend.IsFramed(raw) {
		header, _, err := backend.ReadFramed(bytes.NewReader(raw))
		if err != nil {
			return replicache.Hash{}, fmt.Errorf("reading frame: %w", err)
		}
		if header.ContentHash != "" {
			return replicache.ParseHash(header.ContentHash)
		}
	}
	data, err := f.decode(raw)
	if err != nil {
		return replicache.Hash{}, err
	}
	return replicache.HashBytes(data), nil
}

var _ RecordStore = (*Files)(nil)
