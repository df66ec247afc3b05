// Package fetch validates resource links and downloads resource bodies to
// local temporary files, skipping unchanged resources when asked to.
package fetch

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/brainless/datastorer/internal/catalog"
	"github.com/brainless/datastorer/internal/ingesterr"
	"github.com/brainless/datastorer/internal/log"
)

var allowedSchemes = map[string]bool{
	"http":  true,
	"https": true,
	"ftp":   true,
}

var httpErrorMessages = map[int]string{
	http.StatusMultipleChoices:     "300 Multiple Choices not implemented",
	http.StatusUseProxy:            "305 Use Proxy not implemented",
	http.StatusInternalServerError: "Internal server error on the remote server",
	http.StatusBadGateway:          "Bad gateway",
	http.StatusServiceUnavailable:  "Service unavailable",
	http.StatusGatewayTimeout:      "Gateway timeout",
	http.StatusMethodNotAllowed:    "405 Method Not Allowed",
}

// Options controls a single fetch.
type Options struct {
	MaxContentLength int64
	// DataFormats is the format/MIME allow-list; ["all"] accepts anything.
	DataFormats []string
	// CheckModified skips the download when the Last-Modified fingerprint
	// matches the one stored on the resource.
	CheckModified bool
}

// Result describes a downloaded resource.
type Result struct {
	Length  int64
	Hash    string
	Headers http.Header
	Path    string
}

// ContentType returns the response content type without parameters.
func (r *Result) ContentType() string {
	return cleanContentType(r.Headers.Get("Content-Type"))
}

// Fetcher downloads catalog resources.
type Fetcher struct {
	siteURL    string
	updater    catalog.ResourceUpdater
	transports map[string]Transport
	tempDir    string
	now        func() time.Time
}

// NewFetcher creates a fetcher. updater receives best-effort metadata
// writes and may be nil.
func NewFetcher(siteURL string, timeout time.Duration, updater catalog.ResourceUpdater) *Fetcher {
	web := newHTTPTransport(timeout)
	return &Fetcher{
		siteURL: strings.TrimRight(siteURL, "/"),
		updater: updater,
		transports: map[string]Transport{
			"http":  web,
			"https": web,
			"ftp":   &ftpTransport{timeout: timeout},
		},
		now: time.Now,
	}
}

// SetTempDir changes where downloads are written; empty means os.TempDir.
func (f *Fetcher) SetTempDir(dir string) {
	f.tempDir = dir
}

// CheckLink validates the resource URL and performs the existence check.
// It returns the parsed URL and the response headers.
func (f *Fetcher) CheckLink(ctx context.Context, rawURL string) (*url.URL, http.Header, error) {
	u, err := parseLink(rawURL)
	if err != nil {
		return nil, nil, err
	}

	resp, err := f.transports[u.Scheme].Head(ctx, u)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, nil, ingesterr.Wrap(ingesterr.LinkCheckFailed, err, "Connection timed out")
		}
		return nil, nil, ingesterr.Wrap(ingesterr.LinkCheckFailed, err, "Error during request")
	}
	if resp.StatusCode >= 400 || resp.StatusCode < 200 || resp.StatusCode == http.StatusMultipleChoices || resp.StatusCode == http.StatusUseProxy {
		msg, ok := httpErrorMessages[resp.StatusCode]
		if ok {
			msg = "Server returned error: " + msg
		} else {
			msg = fmt.Sprintf("URL unobtainable: Server returned HTTP %d", resp.StatusCode)
		}
		return nil, nil, &ingesterr.Error{Kind: ingesterr.LinkCheckFailed, Message: msg, Status: resp.StatusCode}
	}
	return u, resp.Header, nil
}

// Fetch validates, checks and downloads the resource. The caller owns the
// returned file and must remove it.
//
// A NotModified error means the stored header fingerprint matched and
// nothing was downloaded; callers treat it as a successful skip.
func (f *Fetcher) Fetch(ctx context.Context, res *catalog.Resource, opts Options) (*Result, error) {
	logger := log.WithResource(res.ID)

	link := res.URL
	if res.URLType == "upload" && !strings.HasPrefix(link, "http") {
		link = f.siteURL + link
	}

	u, headers, err := f.CheckLink(ctx, link)
	if err != nil {
		return nil, err
	}

	headerHash := ""
	if lm := headers.Get("Last-Modified"); lm != "" {
		headerHash = sha1Hex([]byte(lm))
	}

	stored := res.ParseHash()
	if opts.CheckModified && headerHash != "" && stored.Header != nil && *stored.Header == headerHash {
		return nil, ingesterr.New(ingesterr.NotModified, "Resource %s not modified", res.ID)
	}

	ct := cleanContentType(headers.Get("Content-Type"))
	changed := false
	if res.Mimetype != ct {
		changed = true
		res.Mimetype = ct
	}

	// The advertised size is recorded in case of an error; the real check
	// happens against the streamed length.
	if cl := headers.Get("Content-Length"); cl != "" {
		advertised, err := strconv.ParseInt(strings.TrimSpace(cl), 10, 64)
		if err == nil {
			if res.Size != advertised {
				changed = true
				res.Size = advertised
			}
			if advertised >= opts.MaxContentLength {
				if changed {
					f.updateResource(ctx, res)
				}
				logger.Warnf("Resource too large to download: %d > max (%d). url=%s", advertised, opts.MaxContentLength, link)
				return nil, ingesterr.New(ingesterr.TooLarge,
					"Content-length %d exceeds maximum allowed value %d", advertised, opts.MaxContentLength)
			}
		}
	}

	if !formatAccepted(opts.DataFormats, strings.ToLower(res.Format), ct) {
		if changed {
			f.updateResource(ctx, res)
		}
		logger.Warnf("Resource wrong type to download: %s / %s. url=%s", res.Format, ct, link)
		return nil, ingesterr.New(ingesterr.UnsupportedFormat,
			"Of content type %q which is not a recognised data file for download", ct)
	}

	body, getHeaders, err := f.transports[u.Scheme].Get(ctx, u)
	if err != nil {
		return nil, ingesterr.Wrap(ingesterr.DownloadFailed, err, "Error downloading")
	}
	defer body.Close()
	for k, v := range getHeaders {
		if headers.Get(k) == "" {
			headers[k] = v
		}
	}

	length, hash, path, err := f.save(body, opts.MaxContentLength)
	if err != nil {
		return nil, ingesterr.Wrap(ingesterr.DownloadFailed, err, "Error with the download")
	}

	if res.Size != length {
		changed = true
		res.Size = length
	}

	// The advertised length may be missing or wrong, so the streamed length
	// is checked again.
	if length >= opts.MaxContentLength {
		os.Remove(path)
		if changed {
			f.updateResource(ctx, res)
		}
		logger.Warnf("Resource found to be too large to archive: %d > max (%d). url=%s", length, opts.MaxContentLength, link)
		return nil, ingesterr.New(ingesterr.TooLarge,
			"Content-length after streaming reached maximum allowed value of %d", opts.MaxContentLength)
	}

	if length == 0 {
		os.Remove(path)
		if changed {
			f.updateResource(ctx, res)
		}
		logger.Warnf("Resource found was zero length - not archiving. url=%s", link)
		return nil, ingesterr.New(ingesterr.EmptyResource, "Content-length after streaming was zero")
	}

	if stored.Content != hash || (stored.Header == nil && headerHash != "") {
		pair := catalog.HashPair{Content: hash}
		if headerHash != "" {
			pair.Header = &headerHash
		}
		res.SetHash(pair)
		changed = true
	}
	if changed {
		f.updateResource(ctx, res)
	}

	logger.Infof("Resource downloaded: url=%s file=%s length=%d hash=%s", link, path, length, hash)

	return &Result{
		Length:  length,
		Hash:    hash,
		Headers: headers,
		Path:    path,
	}, nil
}

// save streams body into a temp file, stopping once max bytes were read.
func (f *Fetcher) save(body io.Reader, max int64) (int64, string, string, error) {
	file, err := os.CreateTemp(f.tempDir, "datastorer-*")
	if err != nil {
		return 0, "", "", fmt.Errorf("failed to create temp file: %w", err)
	}
	defer file.Close()

	hasher := sha1.New()
	length, err := io.Copy(io.MultiWriter(file, hasher), io.LimitReader(body, max))
	if err != nil {
		os.Remove(file.Name())
		return 0, "", "", err
	}
	return length, hex.EncodeToString(hasher.Sum(nil)), file.Name(), nil
}

// updateResource is a best-effort metadata write.
func (f *Fetcher) updateResource(ctx context.Context, res *catalog.Resource) {
	if f.updater == nil {
		return
	}
	res.LastModified = catalog.Timestamp(f.now())
	if err := f.updater.ResourceUpdate(ctx, res); err != nil {
		log.WithResource(res.ID).Warnf("Failed to update resource metadata: %v", err)
	}
}

// parseLink validates scheme and query string of a resource URL.
func parseLink(rawURL string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, ingesterr.Wrap(ingesterr.LinkInvalid, err, "Invalid URL")
	}
	if !allowedSchemes[strings.ToLower(u.Scheme)] {
		return nil, ingesterr.New(ingesterr.LinkInvalid, "Invalid url scheme")
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if strings.ContainsAny(u.RawQuery, "/:") {
		return nil, ingesterr.New(ingesterr.LinkInvalid, "Invalid URL")
	}
	if u.Host == "" {
		return nil, ingesterr.New(ingesterr.LinkInvalid, "Invalid URL")
	}
	return u, nil
}

func formatAccepted(formats []string, format, contentType string) bool {
	for _, f := range formats {
		f = strings.ToLower(f)
		if f == "all" || f == format || f == contentType {
			return true
		}
	}
	return false
}

func cleanContentType(ct string) string {
	ct = strings.ToLower(strings.TrimSpace(ct))
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	return ct
}

func sha1Hex(b []byte) string {
	sum := sha1.Sum(b)
	return hex.EncodeToString(sum[:])
}

func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
