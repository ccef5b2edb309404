package ics

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	appLog "assistcal/internal/log"
	"assistcal/internal/model"
)

// Feed is one subscribed ICS URL.
type Feed struct {
	ID   string
	Name string
	URL  string
}

// FetchResult is the body of one feed, fresh or from the disk cache.
type FetchResult struct {
	Feed      Feed
	Body      []byte
	FromCache bool
}

// cacheEntry holds the HTTP validators of a cached body.
type cacheEntry struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Fetcher downloads feeds with conditional requests and keeps the last good
// body on disk, so a feed that is down still yields its previous content.
type Fetcher struct {
	client   *http.Client
	cacheDir string
}

// NewFetcher creates a Fetcher caching under cacheDir. A zero timeout
// means 15 seconds.
func NewFetcher(cacheDir string, timeout time.Duration) *Fetcher {
	if cacheDir == "" {
		cacheDir = "./var/ics-cache"
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Fetcher{
		client:   &http.Client{Timeout: timeout},
		cacheDir: cacheDir,
	}
}

// Fetch downloads one feed, honoring ETag and Last-Modified. Network
// failures and non-OK statuses fall back to the cached body when there is
// one.
func (f *Fetcher) Fetch(ctx context.Context, feed Feed) (FetchResult, error) {
	if feed.URL == "" {
		return FetchResult{}, errors.New("feed URL is empty")
	}

	cachePath := f.cachePath(feed.URL)
	if err := os.MkdirAll(cachePath, 0o700); err != nil {
		return FetchResult{}, err
	}
	meta, _ := loadMeta(cachePath)
	cached, _ := os.ReadFile(filepath.Join(cachePath, "body.ics"))

	fallback := func(reason error) (FetchResult, error) {
		if len(cached) == 0 {
			return FetchResult{}, reason
		}
		appLog.Error("ics fetch failed, using cached body", reason, "feed", feed.ID, "url", redactURL(feed.URL))
		return FetchResult{Feed: feed, Body: cached, FromCache: true}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feed.URL, nil)
	if err != nil {
		return FetchResult{}, err
	}
	if len(cached) > 0 {
		if meta.ETag != "" {
			req.Header.Set("If-None-Match", meta.ETag)
		}
		if meta.LastModified != "" {
			req.Header.Set("If-Modified-Since", meta.LastModified)
		}
	}

	appLog.Debug("ics fetch start", "feed", feed.ID, "url", redactURL(feed.URL))
	resp, err := f.client.Do(req)
	if err != nil {
		return fallback(err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fallback(err)
		}
		next := cacheEntry{
			URL:          feed.URL,
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
		}
		if err := saveCache(cachePath, next, body); err != nil {
			appLog.Error("ics cache save failed", err, "feed", feed.ID)
		}
		appLog.Info("ics fetch success", "feed", feed.ID, "bytes", len(body))
		return FetchResult{Feed: feed, Body: body}, nil

	case http.StatusNotModified:
		if len(cached) == 0 {
			return FetchResult{}, errors.New("304 Not Modified without a cached body")
		}
		appLog.Debug("ics feed not modified", "feed", feed.ID)
		return FetchResult{Feed: feed, Body: cached, FromCache: true}, nil

	default:
		return fallback(fmt.Errorf("unexpected status %s", resp.Status))
	}
}

func (f *Fetcher) cachePath(u string) string {
	sum := sha256.Sum256([]byte(u))
	return filepath.Join(f.cacheDir, hex.EncodeToString(sum[:8]))
}

func loadMeta(cachePath string) (cacheEntry, error) {
	var meta cacheEntry
	data, err := os.ReadFile(filepath.Join(cachePath, "meta.json"))
	if err != nil {
		return meta, err
	}
	err = json.Unmarshal(data, &meta)
	return meta, err
}

// saveCache writes the body before the metadata so the validators never
// describe a body that is not on disk.
func saveCache(cachePath string, meta cacheEntry, body []byte) error {
	if err := os.WriteFile(filepath.Join(cachePath, "body.ics"), body, 0o600); err != nil {
		return err
	}
	meta.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(&meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(cachePath, "meta.json"), data, 0o600)
}

// redactURL keeps only scheme and host; feed URLs usually embed secrets.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "ics://...(redacted)"
	}
	return u.Scheme + "://" + u.Host + "/...(redacted)"
}

// Subscription is a read-only calendar backed by a Feed. It serves the
// events of the last successful Refresh.
type Subscription struct {
	feed    Feed
	fetcher *Fetcher
	loc     *time.Location

	mu      sync.RWMutex
	events  []model.Event
	loaded  bool
	fetched time.Time
}

// NewSubscription binds feed to fetcher. Floating times decode in loc.
func NewSubscription(feed Feed, fetcher *Fetcher, loc *time.Location) *Subscription {
	return &Subscription{feed: feed, fetcher: fetcher, loc: loc}
}

func (s *Subscription) ID() string { return s.feed.ID }

// Refresh downloads and decodes the feed. On failure the previous events
// are kept.
func (s *Subscription) Refresh(ctx context.Context) error {
	res, err := s.fetcher.Fetch(ctx, s.feed)
	if err != nil {
		return fmt.Errorf("subscription %s: %w", s.feed.ID, err)
	}
	events, err := Decode(res.Body, DecodeOptions{SourceID: s.feed.ID, Location: s.loc})
	if err != nil {
		return fmt.Errorf("subscription %s: %w", s.feed.ID, err)
	}

	s.mu.Lock()
	s.events = events
	s.loaded = true
	s.fetched = time.Now()
	s.mu.Unlock()
	return nil
}

// Events returns the cached events, refreshing once if nothing has been
// loaded yet.
func (s *Subscription) Events(ctx context.Context) ([]model.Event, error) {
	s.mu.RLock()
	loaded := s.loaded
	s.mu.RUnlock()
	if !loaded {
		if err := s.Refresh(ctx); err != nil {
			return nil, err
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Event, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.Clone()
	}
	return out, nil
}

// LastRefresh reports when the feed was last decoded successfully.
func (s *Subscription) LastRefresh() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fetched
}

// RefreshAll refreshes every subscription, logging failures. It returns
// the number that succeeded.
func RefreshAll(ctx context.Context, subs []*Subscription) int {
	ok := 0
	for _, s := range subs {
		if err := s.Refresh(ctx); err != nil {
			appLog.Error("subscription refresh failed", err, "feed", s.feed.ID)
			continue
		}
		ok++
	}
	return ok
}
