package backup

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/rcliao/delta-backup/internal/backuperr"
	"github.com/rcliao/delta-backup/internal/logfields"
	"github.com/rcliao/delta-backup/internal/retry"
)

// credentials serializes credential refreshes across workers. Every
// successful refresh bumps gen; an operation that failed on an older
// generation retries with the current credential instead of refreshing again.
type credentials struct {
	mu  sync.Mutex
	gen uint64
	err error
}

func (c *credentials) generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

func (c *credentials) refresh(ctx context.Context, seen uint64, fn func(context.Context) error) (gen uint64, refreshed bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.gen, false, c.err
	}
	if c.gen != seen {
		return c.gen, false, nil
	}
	if err := fn(ctx); err != nil {
		c.err = err
		return c.gen, false, err
	}
	c.gen++
	return c.gen, true, nil
}

// recoverAuth spends the operation's single credential refresh. It returns
// an Auth error, which aborts the run, when the refresh was already spent or
// the refresh itself failed.
func (o *Orchestrator) recoverAuth(ctx context.Context, op string, st retry.State, cause error, log *slog.Logger) (retry.State, error) {
	if st.AuthRefreshed {
		return st, backuperr.Auth(op, fmt.Errorf("rejected again after credential refresh: %w", cause))
	}
	gen, refreshed, err := o.cred.refresh(ctx, st.CredentialGen, o.src.RefreshCredential)
	if err != nil {
		return st, backuperr.Auth("refresh credential", err)
	}
	if refreshed {
		o.metrics.IncCredentialRefresh(o.scope)
		log.Info("credential refreshed", "generation", gen)
	} else {
		log.Debug("credential already refreshed by another worker", "generation", gen, logfields.Error(cause))
	}
	return st.WithAuthRefresh(gen), nil
}
