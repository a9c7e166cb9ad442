package photos

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// maxPhotoBytes bounds a single fetched photo. Anything larger is refused so
// a mislabeled storage object cannot blow up a batched model call.
const maxPhotoBytes = 8 << 20

type cachedPhoto struct {
	data []byte
	mime string
}

// Fetcher retrieves case and candidate photos over HTTP. Fetched bytes are
// cached briefly so one matching request does not re-download the same
// candidate covers that the previous request just hydrated.
type Fetcher struct {
	baseURL string
	http    *http.Client
	cache   *gocache.Cache
}

// NewFetcher creates a photo fetcher. timeout bounds each individual fetch;
// a slow candidate photo delays only itself, never the whole request.
func NewFetcher(baseURL string, timeout, cacheTTL time.Duration) *Fetcher {
	return &Fetcher{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		cache:   gocache.New(cacheTTL, 2*cacheTTL),
	}
}

// Resolve turns a storage path into a fetchable URL. Absolute URLs pass
// through unchanged.
func (f *Fetcher) Resolve(pathOrURL string) string {
	if strings.HasPrefix(pathOrURL, "http://") || strings.HasPrefix(pathOrURL, "https://") {
		return pathOrURL
	}
	return f.baseURL + "/" + strings.TrimLeft(pathOrURL, "/")
}

// Fetch returns the photo bytes and MIME type for a storage path or URL.
func (f *Fetcher) Fetch(ctx context.Context, pathOrURL string) ([]byte, string, error) {
	url := f.Resolve(pathOrURL)

	if hit, ok := f.cache.Get(url); ok {
		cached := hit.(cachedPhoto)
		return cached.data, cached.mime, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create photo request: %w", err)
	}

	resp, err := f.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("failed to fetch photo: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("photo fetch returned status %d for %s", resp.StatusCode, url)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxPhotoBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("failed to read photo body: %w", err)
	}
	if len(data) > maxPhotoBytes {
		return nil, "", fmt.Errorf("photo exceeds %d bytes: %s", maxPhotoBytes, url)
	}

	mime := resp.Header.Get("Content-Type")
	if mime == "" || !strings.HasPrefix(mime, "image/") {
		mime = "image/jpeg"
	}

	f.cache.Set(url, cachedPhoto{data: data, mime: mime}, gocache.DefaultExpiration)
	return data, mime, nil
}
