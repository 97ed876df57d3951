// Package source defines the contract for remote item collections.
package source

import (
	"context"
	"io"
	"iter"

	"github.com/rcliao/delta-backup/internal/model"
)

// RemoteSource enumerates and fetches items of one remote collection.
//
// Errors should be classified with the backuperr constructors: Auth when
// credentials are rejected, Throttled (with the server's retry-after hint)
// when rate limited, Transient for network failures and Gone when an item
// disappeared between listing and fetch. Unclassified errors are treated as
// transient.
type RemoteSource interface {
	// ListItems lazily yields the candidates of scope. Iteration stops at
	// the first error. Calling ListItems again restarts from the beginning.
	ListItems(ctx context.Context, scope string) iter.Seq2[model.Candidate, error]

	// FetchContent opens the current content of key. The caller closes it.
	FetchContent(ctx context.Context, key model.ItemKey) (io.ReadCloser, error)

	// RefreshCredential obtains a fresh credential after an Auth error.
	RefreshCredential(ctx context.Context) error
}
