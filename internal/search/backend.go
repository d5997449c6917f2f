// Package search talks to the document index that stores uploaded reports.
package search

import (
	"context"
	"errors"
)

var (
	// ErrIndexExists is returned by CreateIndex when another writer created
	// the index first.
	ErrIndexExists = errors.New("index already exists")
	// ErrDocumentNotFound is returned by GetDocument for an unknown id.
	ErrDocumentNotFound = errors.New("document not found")
)

// Backend is the subset of the search engine API the service uses. Errors
// other than the sentinels above are classified *apperr.Error values with
// source search-backend.
type Backend interface {
	IndexExists(ctx context.Context, index string) (bool, error)
	CreateIndex(ctx context.Context, index string, body []byte) error
	IndexDocument(ctx context.Context, index, id string, doc []byte, refresh bool) error
	GetDocument(ctx context.Context, index, id string) ([]byte, error)
	// Search runs a raw query body and returns the raw response.
	Search(ctx context.Context, index string, body []byte) ([]byte, error)
	Count(ctx context.Context, index string) (int64, error)
	ClusterHealth(ctx context.Context) (string, error)
}
