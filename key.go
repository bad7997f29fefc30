// Package replicache holds the types shared by every layer of the replicated
// record cache: record keys, content hashes and the error taxonomy.
package replicache

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
)

// RecordExt is the file extension used for serialized records.
const RecordExt = ".rec"

// emptyPart marks an omitted optional key part in a record path. It is
// escaped by url.QueryEscape so it never collides with a real value.
const emptyPart = "@"

// ErrInvalidKey is returned when a key is missing required parts or contains
// a part that would escape its owner directory.
var ErrInvalidKey = errors.New("invalid record key")

// Key identifies one record per store location.
type Key struct {
	Owner      string
	RecordType string
	Subject    string
	Period     string
}

// Validate checks that the key can be mapped to a record path.
func (k Key) Validate() error {
	if k.Owner == "" {
		return fmt.Errorf("%w: owner is required", ErrInvalidKey)
	}
	if k.RecordType == "" {
		return fmt.Errorf("%w: record type is required", ErrInvalidKey)
	}
	for _, part := range []string{k.Owner, k.RecordType, k.Subject, k.Period} {
		if part == "." || part == ".." {
			return fmt.Errorf("%w: %q is not a valid key part", ErrInvalidKey, part)
		}
	}
	return nil
}

// Path returns the deterministic slash separated path of the record relative
// to a store root: owner/recordType/subject/period.rec.
func (k Key) Path() string {
	return path.Join(
		escapePart(k.Owner),
		escapePart(k.RecordType),
		escapePart(k.Subject),
		escapePart(k.Period)+RecordExt,
	)
}

// OwnerPrefix returns the path prefix, including the trailing slash, holding
// every record of owner.
func OwnerPrefix(owner string) string {
	return escapePart(owner) + "/"
}

// String returns a compact human readable form of the key for logs.
func (k Key) String() string {
	var b strings.Builder
	b.WriteString(k.Owner)
	b.WriteByte('/')
	b.WriteString(k.RecordType)
	if k.Subject != "" {
		b.WriteByte('/')
		b.WriteString(k.Subject)
	}
	if k.Period != "" {
		b.WriteByte('@')
		b.WriteString(k.Period)
	}
	return b.String()
}

// ParseKeyPath is the inverse of Key.Path.
func ParseKeyPath(p string) (Key, error) {
	if !strings.HasSuffix(p, RecordExt) {
		return Key{}, fmt.Errorf("%w: %q has no %s extension", ErrInvalidKey, p, RecordExt)
	}
	parts := strings.Split(strings.TrimSuffix(p, RecordExt), "/")
	if len(parts) != 4 {
		return Key{}, fmt.Errorf("%w: %q does not have four parts", ErrInvalidKey, p)
	}

	var values [4]string
	for i, part := range parts {
		v, err := unescapePart(part)
		if err != nil {
			return Key{}, fmt.Errorf("%w: %q: %v", ErrInvalidKey, p, err)
		}
		values[i] = v
	}

	k := Key{Owner: values[0], RecordType: values[1], Subject: values[2], Period: values[3]}
	if err := k.Validate(); err != nil {
		return Key{}, err
	}
	return k, nil
}

func escapePart(s string) string {
	if s == "" {
		return emptyPart
	}
	return url.QueryEscape(s)
}

func unescapePart(s string) (string, error) {
	if s == emptyPart {
		return "", nil
	}
	return url.QueryUnescape(s)
}
