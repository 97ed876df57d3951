package backup

import (
	"bytes"
	"context"
	"io"
	"iter"
	"slices"
	"sync"
	"time"

	"github.com/rcliao/delta-backup/internal/backuperr"
	"github.com/rcliao/delta-backup/internal/model"
)

var baseTime = time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

type fakeItem struct {
	tag     string
	content []byte
	mod     time.Time
}

// fakeSource is a scripted RemoteSource.
type fakeSource struct {
	mu    sync.Mutex
	scope string
	items map[string]*fakeItem

	// fetchErrs[id] are returned, in order, by the next fetches of id.
	fetchErrs map[string][]error
	// truncate serves content one byte short for the listed ids.
	truncate map[string]bool
	// listErrs are returned by successive ListItems calls after listErrAfter items.
	listErrs     []error
	listErrAfter int
	// authExpired rejects every fetch until RefreshCredential is called;
	// authBroken rejects every fetch regardless.
	authExpired bool
	authBroken  bool
	refreshErr  error
	// block makes fetches wait for ctx cancellation.
	block   bool
	blocked chan struct{}
	// hold makes fetches wait until it is closed, then give ctx up to a
	// second to be cancelled before serving content regardless.
	hold chan struct{}

	listCalls int
	fetches   map[string]int
	refreshes int
}

func newFakeSource(scope string) *fakeSource {
	return &fakeSource{
		scope:     scope,
		items:     map[string]*fakeItem{},
		fetchErrs: map[string][]error{},
		truncate:  map[string]bool{},
		fetches:   map[string]int{},
		blocked:   make(chan struct{}, 64),
	}
}

func (f *fakeSource) set(id, tag, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[id] = &fakeItem{tag: tag, content: []byte(content), mod: baseTime}
}

func (f *fakeSource) fetchCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches[id]
}

func (f *fakeSource) totalFetches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.fetches {
		n += c
	}
	return n
}

func (f *fakeSource) ListItems(ctx context.Context, scope string) iter.Seq2[model.Candidate, error] {
	f.mu.Lock()
	f.listCalls++
	var listErr error
	if len(f.listErrs) > 0 {
		listErr, f.listErrs = f.listErrs[0], f.listErrs[1:]
	}
	ids := make([]string, 0, len(f.items))
	for id := range f.items {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	cands := make([]model.Candidate, 0, len(ids))
	for _, id := range ids {
		it := f.items[id]
		cands = append(cands, model.Candidate{
			Key:          model.ItemKey{Scope: scope, ID: id},
			Tag:          model.Tag(it.tag),
			Size:         int64(len(it.content)),
			LastModified: it.mod,
			Path:         id,
		})
	}
	after := f.listErrAfter
	f.mu.Unlock()

	return func(yield func(model.Candidate, error) bool) {
		for i, c := range cands {
			if listErr != nil && i == after {
				yield(model.Candidate{}, listErr)
				return
			}
			if !yield(c, nil) {
				return
			}
		}
		if listErr != nil && after >= len(cands) {
			yield(model.Candidate{}, listErr)
		}
	}
}

func (f *fakeSource) FetchContent(ctx context.Context, key model.ItemKey) (io.ReadCloser, error) {
	if f.hold != nil {
		<-f.hold
		select {
		case <-ctx.Done():
		case <-time.After(time.Second):
		}
	}
	f.mu.Lock()
	f.fetches[key.ID]++
	if f.block {
		f.mu.Unlock()
		f.blocked <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	}
	defer f.mu.Unlock()

	if f.authBroken || f.authExpired {
		return nil, backuperr.Auth("fetch", io.ErrUnexpectedEOF)
	}
	if errs := f.fetchErrs[key.ID]; len(errs) > 0 {
		f.fetchErrs[key.ID] = errs[1:]
		return nil, errs[0]
	}
	it, ok := f.items[key.ID]
	if !ok {
		return nil, backuperr.Gone("fetch", io.EOF).WithKey(key)
	}
	body := it.content
	if f.truncate[key.ID] && len(body) > 0 {
		body = body[:len(body)-1]
	}
	return io.NopCloser(bytes.NewReader(slices.Clone(body))), nil
}

func (f *fakeSource) RefreshCredential(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	if f.refreshErr != nil {
		return f.refreshErr
	}
	f.authExpired = false
	return nil
}
