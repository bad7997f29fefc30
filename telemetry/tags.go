// Package telemetry provides metrics and request tagging for the replicated
// cache and its admin endpoints.
package telemetry

import (
	"context"
	"net/http"
)

type contextKey string

// requestTagsKey is the context key for request tags holder.
const requestTagsKey contextKey = "request_tags"

// CacheResult represents the outcome of a cache lookup.
type CacheResult string

const (
	CacheHit      CacheResult = "hit"
	CacheMiss     CacheResult = "miss"
	CacheNegative CacheResult = "negative"
)

// RequestTags holds mutable request metadata that handlers can set for logging.
type RequestTags struct {
	RequestID string
	Endpoint  string
	Cache     string
}

// InjectTags creates a new request with an empty RequestTags in context.
// Call this in middleware before handlers run.
func InjectTags(r *http.Request, requestID string) *http.Request {
	tags := &RequestTags{RequestID: requestID}
	return r.WithContext(context.WithValue(r.Context(), requestTagsKey, tags))
}

// GetTags retrieves the request tags from context.
// Returns nil if not in a request context with logging middleware.
func GetTags(r *http.Request) *RequestTags {
	if tags, ok := r.Context().Value(requestTagsKey).(*RequestTags); ok {
		return tags
	}
	return nil
}

// SetEndpoint sets the endpoint name for logging and metrics.
func SetEndpoint(r *http.Request, endpoint string) {
	if tags := GetTags(r); tags != nil {
		tags.Endpoint = endpoint
	}
}

// SetCache sets the cache name a request operated on.
func SetCache(r *http.Request, cache string) {
	if tags := GetTags(r); tags != nil {
		tags.Cache = cache
	}
}
