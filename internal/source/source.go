// Package source downloads receipt images referenced by URL.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"path"
	"strings"
	"syscall"

	"cloud.google.com/go/storage"

	"github.com/meowmung/meowmung-ledger/internal/receipt"
)

// DefaultMaxBytes caps a downloaded image.
const DefaultMaxBytes = 50 << 20

var (
	// ErrUnsupportedType is returned for URLs whose extension is not an accepted image type.
	ErrUnsupportedType = errors.New("unsupported file type")

	// ErrFetchFailed is returned when an image cannot be downloaded.
	ErrFetchFailed = errors.New("image download failed")

	// ErrHostNotAllowed is returned for URLs outside the configured hosts.
	ErrHostNotAllowed = errors.New("host not allowed")
)

// Extensions lists the accepted file extensions.
var Extensions = []string{".jpeg", ".jpg", ".png", ".gif", ".webp", ".heic", ".heif", ".pdf"}

// Image is a downloaded file.
type Image struct {
	Data        []byte
	ContentType string
}

// ObjectStore reads objects from a bucket store.
type ObjectStore interface {
	Open(ctx context.Context, bucket, object string) (io.ReadCloser, string, error)
}

// GCS reads objects from Google Cloud Storage.
type GCS struct {
	client *storage.Client
}

// NewGCS wraps a storage client.
func NewGCS(client *storage.Client) *GCS {
	return &GCS{client: client}
}

// Open returns a reader for gs://bucket/object and its content type.
func (g *GCS) Open(ctx context.Context, bucket, object string) (io.ReadCloser, string, error) {
	r, err := g.client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("getting GCS object reader for gs://%s/%s: %w", bucket, object, err)
	}
	return r, r.Attrs.ContentType, nil
}

// Fetcher downloads images over HTTP(S) and, when a store is configured, gs://.
type Fetcher struct {
	client   *http.Client
	store    ObjectStore
	maxBytes int64
	hosts    []string
}

// NewFetcher creates a Fetcher. store may be nil to disable gs:// URLs; a
// maxBytes of zero or less uses DefaultMaxBytes.
func NewFetcher(client *http.Client, store ObjectStore, maxBytes int64) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Fetcher{client: client, store: store, maxBytes: maxBytes}
}

// SetAllowedHosts restricts HTTP(S) downloads, redirects included, to the
// given hosts and their subdomains. An empty list allows any host.
func (f *Fetcher) SetAllowedHosts(hosts []string) {
	f.hosts = f.hosts[:0]
	for _, h := range hosts {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			f.hosts = append(f.hosts, strings.TrimPrefix(h, "."))
		}
	}
}

func (f *Fetcher) allowed(host string) bool {
	if len(f.hosts) == 0 {
		return true
	}
	host = strings.ToLower(host)
	for _, h := range f.hosts {
		if host == h || strings.HasSuffix(host, "."+h) {
			return true
		}
	}
	return false
}

// Fetch downloads rawURL. Every failure wraps receipt.ErrInvalidImage.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Image, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("%w: %w: parsing url: %w", receipt.ErrInvalidImage, ErrFetchFailed, err)
	}

	ext := strings.ToLower(path.Ext(u.Path))
	if !supported(ext) {
		return nil, fmt.Errorf("%w: %w: %q", receipt.ErrInvalidImage, ErrUnsupportedType, ext)
	}

	var (
		body        io.ReadCloser
		contentType string
	)
	switch u.Scheme {
	case "http", "https":
		body, contentType, err = f.openHTTP(ctx, u.String())
	case "gs":
		if f.store == nil {
			err = fmt.Errorf("gs:// urls are not enabled")
			break
		}
		body, contentType, err = f.store.Open(ctx, u.Host, strings.TrimPrefix(u.Path, "/"))
	default:
		err = fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if err != nil {
		slog.Error("Image download failed", "url", rawURL, "error", err)
		return nil, fmt.Errorf("%w: %w: %w", receipt.ErrInvalidImage, ErrFetchFailed, err)
	}
	defer body.Close()

	data, err := io.ReadAll(io.LimitReader(body, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %w: reading body: %w", receipt.ErrInvalidImage, ErrFetchFailed, err)
	}
	if int64(len(data)) > f.maxBytes {
		return nil, fmt.Errorf("%w: %w: image exceeds %d bytes", receipt.ErrInvalidImage, ErrFetchFailed, f.maxBytes)
	}

	if contentType == "" || contentType == "application/octet-stream" {
		contentType = mime.TypeByExtension(ext)
	}
	slog.Debug("Downloaded image", "url", rawURL, "size", len(data), "content_type", contentType)
	return &Image{Data: data, ContentType: contentType}, nil
}

func (f *Fetcher) openHTTP(ctx context.Context, rawURL string) (io.ReadCloser, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("creating request: %w", err)
	}
	if !f.allowed(req.URL.Hostname()) {
		return nil, "", fmt.Errorf("%w: %s", ErrHostNotAllowed, req.URL.Hostname())
	}

	client := *f.client
	client.CheckRedirect = func(next *http.Request, via []*http.Request) error {
		if !f.allowed(next.URL.Hostname()) {
			return fmt.Errorf("redirect: %w: %s", ErrHostNotAllowed, next.URL.Hostname())
		}
		if f.client.CheckRedirect != nil {
			return f.client.CheckRedirect(next, via)
		}
		if len(via) >= 10 {
			return errors.New("stopped after 10 redirects")
		}
		return nil
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("downloading %s: %w", rawURL, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, "", fmt.Errorf("downloading %s: status %d", rawURL, resp.StatusCode)
	}
	return resp.Body, resp.Header.Get("Content-Type"), nil
}

func supported(ext string) bool {
	for _, e := range Extensions {
		if e == ext {
			return true
		}
	}
	return false
}

// DenyPrivateAddresses is a net.Dialer Control function that refuses
// connections to loopback, private, link-local and unspecified addresses.
// It runs after name resolution, so DNS names pointing inside are caught too.
func DenyPrivateAddresses(network, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("parsing dial address: %w", err)
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return fmt.Errorf("parsing dial address: %w", err)
	}
	addr = addr.Unmap()
	if addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() || addr.IsUnspecified() || addr.IsMulticast() {
		return fmt.Errorf("%w: %s is not a public address", ErrHostNotAllowed, addr)
	}
	return nil
}
