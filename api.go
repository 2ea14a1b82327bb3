package main

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

var (
	// ErrEmptyResponse is returned when the API answers with an error object or no entries
	ErrEmptyResponse = errors.New("empty response")
	// ErrNotFound is returned for content that no longer exists
	ErrNotFound = errors.New("not found")
)

// ContentSource fetches raw content for the sync pipeline. Errors for single
// units are yielded alongside a nil RawSource; the sequence keeps going after them.
type ContentSource interface {
	// Favorites yields the user's favorite posts, page by page
	Favorites(ctx context.Context) iter.Seq2[RawSource, error]
	// ByIDs yields the posts with the given ids in completion order
	ByIDs(ctx context.Context, ids []string) iter.Seq2[RawSource, error]
}

// fetcher is a rate limited HTTP client shared by the content sources
type fetcher struct {
	client    *http.Client
	limiter   *rate.Limiter
	userAgent string
	cookie    string
}

func newFetcher(cfg FetchConfig, cookie string) *fetcher {
	limit := rate.Inf
	if cfg.Rate > 0 {
		limit = rate.Limit(cfg.Rate)
	}
	return &fetcher{
		client: &http.Client{
			Timeout: cfg.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				// Limit redirects to 10
				if len(via) >= 10 {
					return fmt.Errorf("too many redirects")
				}
				return nil
			},
		},
		limiter:   rate.NewLimiter(limit, 1),
		userAgent: cfg.UserAgent,
		cookie:    cookie,
	}
}

// get fetches url and returns the whole body
func (f *fetcher) get(ctx context.Context, url string, header http.Header) ([]byte, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for key, values := range header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}
	if f.cookie != "" {
		req.Header.Set("Cookie", f.cookie)
	}

	slog.Debug("Fetching", "url", url)
	res, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode == http.StatusTooManyRequests {
		slog.Error("Rate limit exceeded (429)", "url", url)
		return nil, fmt.Errorf("rate limit exceeded (429)")
	}
	if res.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP error %d", res.StatusCode)
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return body, nil
}

// APISource reads favorites and posts from the JSON API
type APISource struct {
	fetcher *fetcher
	api     APIConfig
	workers int
}

// NewAPISource creates an API content source from the configuration
func NewAPISource(cfg *Config) *APISource {
	return &APISource{
		fetcher: newFetcher(cfg.Fetch, ""),
		api:     cfg.API,
		workers: cfg.Fetch.Workers,
	}
}

// apiSign signs a request URL with the application secret
func apiSign(secret, url string) string {
	sum := md5.Sum([]byte(secret + url))
	return hex.EncodeToString(sum[:])
}

// getJSON fetches a signed API URL and decodes the response, keeping numbers as json.Number.
// An error object in the response is reported as ErrEmptyResponse.
func (s *APISource) getJSON(ctx context.Context, url string) (any, error) {
	header := http.Header{}
	if s.api.Secret != "" {
		header.Set("apisign", apiSign(s.api.Secret, url))
	}
	body, err := s.fetcher.get(ctx, url, header)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var data any
	if err := dec.Decode(&data); err != nil {
		return nil, fmt.Errorf("failed to decode JSON: %w", err)
	}

	if obj, ok := data.(map[string]any); ok {
		if apiErr, ok := obj["error"]; ok && apiErr != nil {
			msg := stringField(asMap(apiErr), "message")
			return nil, fmt.Errorf("%w: api error %q", ErrEmptyResponse, msg)
		}
		if inner, ok := obj["data"]; ok {
			return inner, nil
		}
	}
	return data, nil
}

func (s *APISource) favoritesURL(page int) string {
	return fmt.Sprintf("%s/favorites/entries/userkey/%s/appkey/%s/page/%d",
		s.api.BaseURL, s.api.UserKey, s.api.AppKey, page)
}

func (s *APISource) entryURL(id string) string {
	return fmt.Sprintf("%s/entries/index/%s/appkey/%s", s.api.BaseURL, id, s.api.AppKey)
}

func (s *APISource) unfavoriteURL(id string) string {
	return fmt.Sprintf("%s/entries/favorite/%s/userkey/%s/appkey/%s",
		s.api.BaseURL, id, s.api.UserKey, s.api.AppKey)
}

// Unfavorite removes a post from the user's favorites on the site. The endpoint
// toggles the favorite; a post that was not a favorite is toggled back and
// reported as ErrNotFound.
func (s *APISource) Unfavorite(ctx context.Context, id string) error {
	data, err := s.getJSON(ctx, s.unfavoriteURL(id))
	if err != nil {
		return fmt.Errorf("unfavoriting %s: %w", id, err)
	}
	if !boolField(asMap(data), "user_favorite") {
		slog.Debug("Removed from favorites", "id", id)
		return nil
	}
	if _, err := s.getJSON(ctx, s.unfavoriteURL(id)); err != nil {
		return fmt.Errorf("restoring favorite %s: %w", id, err)
	}
	return fmt.Errorf("%w: %s is not in favorites", ErrNotFound, id)
}

// Favorites yields one APIPage per favorites page until the API runs out of entries
func (s *APISource) Favorites(ctx context.Context) iter.Seq2[RawSource, error] {
	return func(yield func(RawSource, error) bool) {
		for page := 1; ; page++ {
			if ctx.Err() != nil {
				return
			}
			data, err := s.getJSON(ctx, s.favoritesURL(page))
			if err != nil {
				if !errors.Is(err, ErrEmptyResponse) {
					yield(nil, fmt.Errorf("fetching favorites page %d: %w", page, err))
				}
				slog.Debug("Favorites exhausted", "page", page, "reason", err)
				return
			}

			entries := pageEntries(data)
			if len(entries) == 0 {
				slog.Debug("Favorites exhausted", "page", page)
				return
			}
			slog.Info("Fetched favorites page", "page", page, "entries", len(entries))
			if !yield(entries, nil) {
				return
			}
		}
	}
}

// ByIDs fetches single entries concurrently
func (s *APISource) ByIDs(ctx context.Context, ids []string) iter.Seq2[RawSource, error] {
	return fetchConcurrently(ctx, ids, s.workers, func(ctx context.Context, id string) (RawSource, error) {
		data, err := s.getJSON(ctx, s.entryURL(id))
		if err != nil {
			return nil, err
		}
		entry := asMap(data)
		if entry == nil {
			return nil, ErrEmptyResponse
		}
		return entry, nil
	})
}

func pageEntries(data any) APIPage {
	list, ok := data.([]any)
	if !ok {
		return nil
	}
	page := make(APIPage, 0, len(list))
	for _, v := range list {
		if entry := asMap(v); entry != nil {
			page = append(page, entry)
		}
	}
	return page
}

type fetchResult struct {
	id  string
	raw RawSource
	err error
}

// fetchConcurrently runs fetch for every id on a pool of workers and yields the
// results as they complete. Stopping the iteration cancels the outstanding fetches.
func fetchConcurrently(ctx context.Context, ids []string, workers int, fetch func(context.Context, string) (RawSource, error)) iter.Seq2[RawSource, error] {
	return func(yield func(RawSource, error) bool) {
		if len(ids) == 0 {
			return
		}
		if workers <= 0 {
			workers = 1
		}
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		workChan := make(chan string)
		resultChan := make(chan fetchResult)
		var wg sync.WaitGroup

		// Start workers
		for range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for id := range workChan {
					start := time.Now()
					raw, err := fetch(ctx, id)
					slog.Debug("Fetched item", "id", id, "duration", time.Since(start), "error", err)
					select {
					case resultChan <- fetchResult{id: id, raw: raw, err: err}:
					case <-ctx.Done():
						return
					}
				}
			}()
		}

		// Send work to workers
		go func() {
			defer close(workChan)
			for _, id := range ids {
				select {
				case workChan <- strings.TrimSpace(id):
				case <-ctx.Done():
					return
				}
			}
		}()

		// Wait for all workers to complete
		go func() {
			wg.Wait()
			close(resultChan)
		}()

		for result := range resultChan {
			var err error
			if result.err != nil {
				err = fmt.Errorf("fetching %s: %w", result.id, result.err)
			}
			if !yield(result.raw, err) {
				cancel()
				return
			}
		}
	}
}
