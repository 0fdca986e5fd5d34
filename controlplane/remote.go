package controlplane

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/aponysus/rerun/policy"
)

// Query scopes a remote lookup to one repository and CI job.
type Query struct {
	RepoName string
	JobName  string
}

// EntrySource fetches the raw flaky-test entries for a query.
type EntrySource interface {
	// FetchEntries returns the entries for q.
	// If the service knows nothing about q, it must return ErrPolicyNotFound.
	FetchEntries(ctx context.Context, q Query) ([]policy.Entry, error)
}

// RemoteProvider fetches entries from an EntrySource and caches them.
type RemoteProvider struct {
	source           EntrySource
	cache            *EntryCache
	cacheTTL         time.Duration
	negativeCacheTTL time.Duration
	logger           *slog.Logger
}

// RemoteProviderOption configures a RemoteProvider.
type RemoteProviderOption func(*RemoteProvider)

// WithCacheTTL sets the TTL for successful lookups. Default is 1 minute.
func WithCacheTTL(ttl time.Duration) RemoteProviderOption {
	return func(p *RemoteProvider) {
		p.cacheTTL = ttl
	}
}

// WithNegativeCacheTTL sets the TTL for not-found lookups. Default is 10 seconds.
func WithNegativeCacheTTL(ttl time.Duration) RemoteProviderOption {
	return func(p *RemoteProvider) {
		p.negativeCacheTTL = ttl
	}
}

// WithLogger sets the provider logger.
func WithLogger(l *slog.Logger) RemoteProviderOption {
	return func(p *RemoteProvider) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewRemoteProvider creates a new RemoteProvider.
func NewRemoteProvider(source EntrySource, opts ...RemoteProviderOption) *RemoteProvider {
	p := &RemoteProvider{
		source:           source,
		cache:            NewEntryCache(),
		cacheTTL:         1 * time.Minute,
		negativeCacheTTL: 10 * time.Second,
		logger:           slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Entries returns the entries for q, checking the cache first. Fetch errors are
// not cached.
func (p *RemoteProvider) Entries(ctx context.Context, q Query) ([]policy.Entry, error) {
	entries, foundInCache, isNegative := p.cache.Get(q)
	if foundInCache {
		if isNegative {
			return nil, ErrPolicyNotFound
		}
		return entries, nil
	}

	if p.source == nil {
		return nil, ErrProviderUnavailable
	}

	entries, err := p.source.FetchEntries(ctx, q)
	if err != nil {
		if errors.Is(err, ErrPolicyNotFound) {
			p.cache.SetMissing(q, p.negativeCacheTTL)
			return nil, ErrPolicyNotFound
		}
		return nil, err
	}

	p.cache.Set(q, entries, p.cacheTTL)
	return entries, nil
}

// LoadInto fetches the entries for q and installs them in store.
//
// A failed lookup leaves the store without remote entries: tests are then
// flagged by static markers only and everything else runs once. The error is
// returned for the caller to log; it should not stop the run.
func (p *RemoteProvider) LoadInto(ctx context.Context, store *Store, q Query) error {
	entries, err := p.Entries(ctx, q)
	if err != nil {
		_ = store.Update(nil)
		if errors.Is(err, ErrPolicyNotFound) {
			p.logger.Info("no flaky tests registered", "repo", q.RepoName, "job", q.JobName)
			return nil
		}
		p.logger.Warn("flaky test lookup failed; running without remote policies",
			"repo", q.RepoName, "job", q.JobName, "error", err)
		return err
	}

	if err := store.Update(entries); err != nil {
		p.logger.Warn("some flaky test entries were rejected", "error", err)
	}
	p.logger.Info("loaded flaky tests", "repo", q.RepoName, "job", q.JobName, "count", store.Len())
	return nil
}
