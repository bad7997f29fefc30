package replicache

import "errors"

var (
	// ErrLocalWrite is returned when the Local leg of a write fails. Local is
	// authoritative for own data so the whole write fails with it.
	ErrLocalWrite = errors.New("local write failed")

	// ErrNetworkUnavailable is returned by strict reads when the Network
	// store cannot be reached.
	ErrNetworkUnavailable = errors.New("network store unavailable")

	// ErrNetworkWrite wraps a failed Network leg. It is logged and journaled,
	// never returned from a write.
	ErrNetworkWrite = errors.New("network write failed")

	// ErrNotOwner is returned when writing a key owned by another identity.
	ErrNotOwner = errors.New("record is not owned by the active identity")

	// ErrCacheInconsistency is reported when a record was persisted but the
	// cache entry could not be committed. The entry is evicted.
	ErrCacheInconsistency = errors.New("cache entry inconsistent with store")

	// ErrSyncTimeout is returned by a bounded wait on a sync task that has
	// not finished.
	ErrSyncTimeout = errors.New("sync did not complete before timeout")
)
