// Package registry talks to npm-style package registries: metadata lookups
// with failover across a registry chain, and tarball downloads with digest
// verification against a local content cache.
package registry

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/stevedore-pm/stevedore/pkg/cache"
	"github.com/stevedore-pm/stevedore/pkg/errors"
	"github.com/stevedore-pm/stevedore/pkg/httputil"
	"github.com/stevedore-pm/stevedore/pkg/integrity"
)

// Well-known public registries used for failover.
const (
	WellKnownNPM  = "https://registry.npmjs.org"
	WellKnownYarn = "https://registry.yarnpkg.com"
)

// DefaultMaxAttempts is the attempt budget for a single fetch or download.
const DefaultMaxAttempts = 3

// Registries returns the failover chain for a primary registry URL. The
// chain always starts with primary. A well-known public host gets its mirror
// appended (2 entries); any custom host gets both public fallbacks appended
// (3 entries) for sequential failover when it is unreachable.
func Registries(primary string) []string {
	switch registryHost(primary) {
	case registryHost(WellKnownNPM):
		return []string{primary, WellKnownYarn}
	case registryHost(WellKnownYarn):
		return []string{primary, WellKnownNPM}
	default:
		return []string{primary, WellKnownNPM, WellKnownYarn}
	}
}

func registryHost(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return strings.ToLower(raw)
	}
	return strings.ToLower(u.Hostname())
}

// Options configures a Client. Zero values get sensible defaults.
type Options struct {
	Registry    string        // primary registry URL; default WellKnownNPM
	Registries  []string      // explicit failover chain; overrides Registry when set
	Timeout     time.Duration // per-attempt timeout; default httputil.DefaultTimeout
	MaxAttempts int           // attempt budget per operation; default DefaultMaxAttempts
	RetryDelay  time.Duration // initial backoff between attempts; default 500ms
	Cache       *cache.Content
	Logger      *log.Logger
}

// Client issues registry requests for one install run. It owns the run's
// cancellation signal: Cancel aborts every in-flight request and rejects any
// attempt started afterwards. A Client is safe for concurrent use.
type Client struct {
	http        *http.Client
	registries  []string
	timeout     time.Duration
	maxAttempts int
	retryDelay  time.Duration
	cache       *cache.Content
	logger      *log.Logger

	runCtx context.Context
	cancel context.CancelFunc
}

// NewClient creates a Client for one install run.
func NewClient(opts Options) *Client {
	if opts.Registry == "" {
		opts.Registry = WellKnownNPM
	}
	if opts.Timeout <= 0 {
		opts.Timeout = httputil.DefaultTimeout
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 500 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard)
	}
	if len(opts.Registries) == 0 {
		opts.Registries = Registries(opts.Registry)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	return &Client{
		http:        httputil.NewHTTPClient(),
		registries:  opts.Registries,
		timeout:     opts.Timeout,
		maxAttempts: opts.MaxAttempts,
		retryDelay:  opts.RetryDelay,
		cache:       opts.Cache,
		logger:      opts.Logger,
		runCtx:      runCtx,
		cancel:      cancel,
	}
}

// Registries returns the failover chain this client queries.
func (c *Client) Registries() []string { return c.registries }

// Cancel aborts every pending request and rejects all future ones.
// It is idempotent.
func (c *Client) Cancel() { c.cancel() }

func (c *Client) cancelled() error {
	if c.runCtx.Err() != nil {
		return errors.New(errors.ErrCodeCancelled, "install run cancelled")
	}
	return nil
}

// attemptContext derives the context for one request attempt: the caller's
// context bounded by the per-attempt timeout, and additionally cancelled when
// the run's Cancel fires.
func (c *Client) attemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	actx, cancelAttempt := context.WithTimeout(ctx, c.timeout)
	stop := context.AfterFunc(c.runCtx, cancelAttempt)
	return actx, func() {
		stop()
		cancelAttempt()
	}
}

// FetchJSON issues a GET for url and decodes the response body as JSON into v,
// retrying transient failures up to maxAttempts total attempts. Pass
// maxAttempts <= 0 for the client default.
func (c *Client) FetchJSON(ctx context.Context, rawURL string, v any, maxAttempts int) error {
	data, err := c.fetchBytes(ctx, rawURL, maxAttempts)
	if err != nil {
		return err
	}
	if err := jsonUnmarshal(data, v); err != nil {
		return errors.Wrap(errors.ErrCodeParse, err, "malformed JSON from %s", rawURL)
	}
	return nil
}

// FetchModuleInfo fetches and normalizes package metadata, trying each
// registry in the failover chain. Failover happens only for transport
// failures; metadata and not-found errors surface immediately.
func (c *Client) FetchModuleInfo(ctx context.Context, name string) (*ModuleInfo, error) {
	var lastErr error
	for _, reg := range c.registries {
		data, err := c.fetchBytes(ctx, reg+"/"+escapeName(name), c.maxAttempts)
		if err != nil {
			switch errors.GetCode(err) {
			case errors.ErrCodeNetwork, errors.ErrCodeTimeout:
				c.logger.Debug("registry unreachable, trying next", "registry", reg, "err", err)
				lastErr = err
				continue
			case errors.ErrCodeNotFound:
				return nil, errors.Wrap(errors.ErrCodePackageNotFound, err, "package %s not found", name)
			}
			return nil, err
		}
		info, err := ParseModuleInfo(data)
		if err != nil {
			return nil, err
		}
		return info, nil
	}
	return nil, errors.Wrap(errors.ErrCodePackageNotFound, lastErr, "no registry could serve %s", name)
}

// escapeName percent-encodes a package name for use as a URL path segment,
// keeping the npm convention of encoding the scope separator.
func escapeName(name string) string {
	return strings.ReplaceAll(url.PathEscape(name), "/", "%2F")
}

// fetchBytes performs a GET with the retry wrapper and returns the body.
func (c *Client) fetchBytes(ctx context.Context, rawURL string, maxAttempts int) ([]byte, error) {
	if maxAttempts <= 0 {
		maxAttempts = c.maxAttempts
	}
	var data []byte
	err := httputil.Retry(ctx, maxAttempts, c.retryDelay, func() error {
		var err error
		data, err = c.fetchOnce(ctx, rawURL)
		return err
	})
	return data, err
}

// fetchOnce is a single attempt: request, status check, full body read.
func (c *Client) fetchOnce(ctx context.Context, rawURL string) ([]byte, error) {
	if err := c.cancelled(); err != nil {
		return nil, err
	}
	actx, done := c.attemptContext(ctx)
	defer done()

	req, err := http.NewRequestWithContext(actx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeNetwork, err, "build request for %s", rawURL)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, c.classify(err, rawURL)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp.StatusCode, rawURL); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, c.classify(err, rawURL)
	}
	return data, nil
}

// Download streams the tarball at rawURL into the content cache under
// destName, verifying it against expectedDigest when non-empty. A digest
// mismatch is treated like a failed attempt and shares the same attempt
// budget as network failures; the partial file is discarded before the next
// attempt. A previously cached, digest-valid file is reused without a fetch.
// Returns the local file path.
func (c *Client) Download(ctx context.Context, rawURL, destName, expectedDigest string, maxAttempts int) (string, error) {
	if c.cache == nil {
		return "", errors.New(errors.ErrCodeInternal, "client has no content cache")
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	unlock := c.cache.Lock(destName)
	defer unlock()

	final := c.cache.Path(destName)
	if expectedDigest != "" && c.cache.Valid(destName, expectedDigest) {
		c.logger.Debug("content cache hit", "name", destName)
		return final, nil
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := c.cancelled(); err != nil {
			return "", err
		}
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", errors.Wrap(errors.ErrCodeCancelled, ctx.Err(), "download cancelled: %s", destName)
			case <-time.After(c.retryDelay):
			}
		}

		staging := final + "." + uuid.NewString() + ".part"
		err := c.downloadOnce(ctx, rawURL, staging)
		if err != nil {
			_ = os.Remove(staging)
			lastErr = err
			if !retryable(err) {
				return "", err
			}
			continue
		}

		if expectedDigest != "" && !integrity.DigestMatches(staging, expectedDigest) {
			_ = os.Remove(staging)
			lastErr = errors.New(errors.ErrCodeDigestMismatch,
				"digest mismatch for %s (expected %s)", destName, expectedDigest)
			c.logger.Debug("digest mismatch, retrying", "name", destName, "attempt", attempt+1)
			continue
		}

		if err := os.Rename(staging, final); err != nil {
			_ = os.Remove(staging)
			return "", errors.Wrap(errors.ErrCodeInternal, err, "store %s", destName)
		}
		return final, nil
	}
	return "", lastErr
}

// downloadOnce is a single download attempt streaming the body to path.
func (c *Client) downloadOnce(ctx context.Context, rawURL, path string) error {
	actx, done := c.attemptContext(ctx)
	defer done()

	req, err := http.NewRequestWithContext(actx, http.MethodGet, rawURL, nil)
	if err != nil {
		return errors.Wrap(errors.ErrCodeNetwork, err, "build request for %s", rawURL)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return c.classify(err, rawURL)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp.StatusCode, rawURL); err != nil {
		return err
	}

	out, err := os.Create(path)
	if err != nil {
		return errors.Wrap(errors.ErrCodeInternal, err, "create %s", path)
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		return c.classify(err, rawURL)
	}
	return out.Close()
}

// classify maps a transport error to the install error taxonomy. Timeouts and
// connection resets come back wrapped as retryable; a fired run cancellation
// always wins over whatever error the aborted request produced.
func (c *Client) classify(err error, rawURL string) error {
	if c.runCtx.Err() != nil {
		return errors.Wrap(errors.ErrCodeCancelled, err, "request cancelled: %s", rawURL)
	}
	if stderrors.Is(err, context.Canceled) {
		return errors.Wrap(errors.ErrCodeCancelled, err, "request cancelled: %s", rawURL)
	}
	var ne net.Error
	if stderrors.Is(err, context.DeadlineExceeded) || (stderrors.As(err, &ne) && ne.Timeout()) {
		return &httputil.RetryableError{
			Err: errors.Wrap(errors.ErrCodeTimeout, err, "request timed out: %s", rawURL),
		}
	}
	if httputil.ShouldRetry(err) {
		return &httputil.RetryableError{
			Err: errors.Wrap(errors.ErrCodeNetwork, err, "request failed: %s", rawURL),
		}
	}
	return errors.Wrap(errors.ErrCodeNetwork, err, "request failed: %s", rawURL)
}

func retryable(err error) bool {
	if stderrors.As(err, new(*httputil.RetryableError)) || httputil.ShouldRetry(err) {
		return true
	}
	return errors.Is(err, errors.ErrCodeDigestMismatch)
}

func checkStatus(code int, rawURL string) error {
	switch {
	case code == http.StatusOK:
		return nil
	case code == http.StatusNotFound:
		return errors.New(errors.ErrCodeNotFound, "not found: %s", rawURL)
	default:
		return errors.New(errors.ErrCodeNetwork, "unexpected status %d from %s", code, rawURL)
	}
}

func jsonUnmarshal(data []byte, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("empty response body")
	}
	return json.Unmarshal(data, v)
}
