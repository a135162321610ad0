package network

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/chronofetch/chronofetch/internal/budget"
	"github.com/chronofetch/chronofetch/internal/clock"
	"github.com/chronofetch/chronofetch/internal/domain"
	"github.com/chronofetch/chronofetch/internal/infra/logger"
	"github.com/h2non/filetype"
	"github.com/vfaronov/httpheader"
	"golang.org/x/time/rate"
)

// Policy is the retry and timeout behavior of one provider's executor.
type Policy struct {
	MaxAttempts   int
	BaseBackoff   time.Duration
	Multiplier    float64
	MaxBackoff    time.Duration
	Timeout       time.Duration
	InsecureRetry bool
	Headers       map[string]string
	UserAgent     string
}

// Executor runs every outbound request for one provider: breaker gate,
// pacing, bounded retries with backoff and Retry-After, and budget-counted
// streaming for artifact downloads.
type Executor struct {
	key      string
	client   *http.Client
	insecure *http.Client
	limiter  *Limiter
	breaker  *Breaker
	policy   Policy
	global   *rate.Limiter
	acct     *budget.Accountant
	clk      clock.Clock
	log      *logger.Logger
}

func NewExecutor(key string, policy Policy, limiter *Limiter, breaker *Breaker, global *rate.Limiter, acct *budget.Accountant, clk clock.Clock, log *logger.Logger) *Executor {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = 8
	transport.ResponseHeaderTimeout = policy.Timeout

	insecureTransport := transport.Clone()
	insecureTransport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}

	return &Executor{
		key:      key,
		client:   &http.Client{Transport: transport},
		insecure: &http.Client{Transport: insecureTransport},
		limiter:  limiter,
		breaker:  breaker,
		policy:   policy,
		global:   global,
		acct:     acct,
		clk:      clk,
		log:      log,
	}
}

func (e *Executor) Key() string { return e.key }

// Do runs one GET with the full retry policy and returns the response with
// its body still open. The caller must close the body; closing also releases
// the per-attempt timeout. 4xx responses other than 429 come back as a
// ClientError without the body.
func (e *Executor) Do(ctx context.Context, url string, hdr map[string]string) (*http.Response, error) {
	return e.do(ctx, url, hdr, e.policy.Timeout)
}

// do is Do with an explicit per-attempt timeout. Zero disables it: artifact
// downloads are bounded by the worker deadline instead, since a large file
// legitimately outlives timeout_s.
func (e *Executor) do(ctx context.Context, url string, hdr map[string]string, attemptTimeout time.Duration) (*http.Response, error) {
	probe, err := e.breaker.Allow()
	if err != nil {
		return nil, err
	}
	// abandon gives an unresolved probe slot back before an early return, so
	// a request that dies with its context cannot wedge the breaker half-open.
	abandon := func(err error) error {
		if probe {
			e.breaker.Release()
		}
		return err
	}

	client := e.client
	insecureUsed := false
	var lastErr *domain.TaskError

	for attempt := 1; attempt <= e.policy.MaxAttempts; attempt++ {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, abandon(err)
		}
		if e.global != nil {
			if err := e.global.Wait(ctx); err != nil {
				return nil, abandon(err)
			}
		}

		var reqCtx context.Context
		var cancel context.CancelFunc
		if attemptTimeout > 0 {
			reqCtx, cancel = context.WithTimeout(ctx, attemptTimeout)
		} else {
			reqCtx, cancel = context.WithCancel(ctx)
		}
		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
		if err != nil {
			cancel()
			return nil, abandon(domain.ClientFailure(e.key, 0))
		}
		e.setHeaders(req, hdr)

		resp, err := client.Do(req)
		if err != nil {
			cancel()
			if ctx.Err() != nil {
				return nil, abandon(ctx.Err())
			}
			if isTLSVerification(err) {
				if e.policy.InsecureRetry && !insecureUsed {
					insecureUsed = true
					client = e.insecure
					e.log.Warn("[HTTP] %s: TLS verification failed, retrying once without verification", e.key)
					continue
				}
				return nil, abandon(domain.NewTaskError(domain.KindClientError, e.key, err))
			}
			lastErr = domain.NewTaskError(domain.KindTransient, e.key, err)
			e.log.Debug("[HTTP] %s attempt %d/%d: %v", e.key, attempt, e.policy.MaxAttempts, err)
			if err := e.clk.Sleep(ctx, e.backoff(attempt)); err != nil {
				return nil, abandon(err)
			}
			continue
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			e.breaker.Success()
			resp.Body = &cancelOnClose{rc: resp.Body, cancel: cancel}
			return resp, nil

		case resp.StatusCode == http.StatusTooManyRequests:
			delay := e.retryAfter(resp)
			resp.Body.Close()
			cancel()
			lastErr = domain.NewTaskError(domain.KindRateLimited, e.key, fmt.Errorf("HTTP 429"))
			e.log.Debug("[HTTP] %s rate limited, waiting %s (attempt %d/%d)", e.key, delay, attempt, e.policy.MaxAttempts)
			if err := e.clk.Sleep(ctx, delay); err != nil {
				return nil, abandon(err)
			}

		case resp.StatusCode >= 500:
			resp.Body.Close()
			cancel()
			lastErr = domain.NewTaskError(domain.KindTransient, e.key, fmt.Errorf("HTTP %d", resp.StatusCode))
			if err := e.clk.Sleep(ctx, e.backoff(attempt)); err != nil {
				return nil, abandon(err)
			}

		default:
			code := resp.StatusCode
			resp.Body.Close()
			cancel()
			// A definite response from the provider; the circuit stays
			// healthy even though this call failed.
			e.breaker.Success()
			return nil, domain.ClientFailure(e.key, code)
		}
	}

	if lastErr == nil {
		lastErr = domain.NewTaskError(domain.KindTransient, e.key, errors.New("no attempts made"))
	}
	lastErr.Exhausted = true
	e.breaker.Trip()
	return nil, lastErr
}

// FetchBytes GETs a metadata or search payload and returns the body. A body
// that resets mid-read gets one fresh attempt on top of Do's own retries.
func (e *Executor) FetchBytes(ctx context.Context, url string, hdr map[string]string) ([]byte, error) {
	return retry.DoWithData(
		func() ([]byte, error) {
			resp, err := e.Do(ctx, url, hdr)
			if err != nil {
				return nil, retry.Unrecoverable(err)
			}
			defer resp.Body.Close()

			data, err := io.ReadAll(resp.Body)
			if err != nil {
				return nil, fmt.Errorf("reading body from %s: %w", url, err)
			}
			return data, nil
		},
		retry.Attempts(2),
		retry.Delay(200*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
}

// GetJSON fetches and decodes a JSON payload.
func (e *Executor) GetJSON(ctx context.Context, url string, hdr map[string]string, v any) error {
	data, err := e.FetchBytes(ctx, url, hdr)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding %s: %w", url, err)
	}
	return nil
}

// Download streams url to dest under budget control. The content class comes
// from the destination extension; bytes are checked against the limits chunk
// by chunk and the partial file is deleted on any failure. Returns the bytes
// written on success.
func (e *Executor) Download(ctx context.Context, url, dest, workID string, hdr map[string]string) (int64, error) {
	class := budget.ClassForFile(dest)

	resp, err := e.do(ctx, url, hdr, 0)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.ContentLength > 0 {
		if err := e.acct.Reserve(class, workID, resp.ContentLength); err != nil {
			return 0, domain.NewTaskError(domain.KindBudgetExceeded, e.key, err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return 0, domain.NewTaskError(domain.KindIOError, e.key, err)
	}
	f, err := os.Create(dest)
	if err != nil {
		return 0, domain.NewTaskError(domain.KindIOError, e.key, err)
	}

	written, err := e.stream(ctx, resp.Body, f, class, workID)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = domain.NewTaskError(domain.KindIOError, e.key, cerr)
	}
	if err == nil {
		err = e.validate(dest)
	}
	if err != nil {
		os.Remove(dest)
		e.acct.Release(class, workID, written)
		return 0, err
	}

	e.acct.Account(class, workID, 0)
	return written, nil
}

// stream copies body to f, committing each chunk to the budget before it
// counts. The violating chunk is never written.
func (e *Executor) stream(ctx context.Context, body io.Reader, f *os.File, class budget.Class, workID string) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		n, rerr := body.Read(buf)
		if n > 0 {
			if err := e.acct.Stream(class, workID, int64(n)); err != nil {
				return written, domain.NewTaskError(domain.KindBudgetExceeded, e.key, err)
			}
			if _, werr := f.Write(buf[:n]); werr != nil {
				return written, domain.NewTaskError(domain.KindIOError, e.key, werr)
			}
			written += int64(n)
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			if ctx.Err() != nil {
				return written, ctx.Err()
			}
			return written, domain.NewTaskError(domain.KindTransient, e.key, rerr)
		}
	}
}

// validate rejects bundled documents whose magic bytes do not match their
// extension. Providers under load often serve an HTML error page with a 200
// and a .pdf name.
func (e *Executor) validate(dest string) error {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(dest)), ".")
	if ext != "pdf" && ext != "epub" {
		return nil
	}

	f, err := os.Open(dest)
	if err != nil {
		return domain.NewTaskError(domain.KindIOError, e.key, err)
	}
	defer f.Close()

	head := make([]byte, 262)
	n, _ := io.ReadFull(f, head)
	kind, err := filetype.Match(head[:n])
	if err != nil || kind == filetype.Unknown {
		return domain.NewTaskError(domain.KindTransient, e.key,
			fmt.Errorf("downloaded %s is not a recognized binary format", filepath.Base(dest)))
	}

	got := kind.Extension
	if ext == "epub" {
		// EPUBs are ZIP containers.
		if got != "zip" && got != "epub" {
			return domain.NewTaskError(domain.KindTransient, e.key,
				fmt.Errorf("expected epub, server sent %s", got))
		}
		return nil
	}
	if got != ext {
		return domain.NewTaskError(domain.KindTransient, e.key,
			fmt.Errorf("expected %s, server sent %s", ext, got))
	}
	return nil
}

func (e *Executor) setHeaders(req *http.Request, extra map[string]string) {
	if e.policy.UserAgent != "" {
		req.Header.Set("User-Agent", e.policy.UserAgent)
	}
	for k, v := range e.policy.Headers {
		req.Header.Set(k, v)
	}
	for k, v := range extra {
		req.Header.Set(k, v)
	}
}

// retryAfter reads the 429 Retry-After header, seconds or HTTP-date, against
// the current wall time. Missing or malformed headers fall back to the
// attempt backoff; everything is capped at MaxBackoff.
func (e *Executor) retryAfter(resp *http.Response) time.Duration {
	at := httpheader.RetryAfter(resp.Header)
	if at.IsZero() {
		return e.backoff(1)
	}
	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}
	if delay > e.policy.MaxBackoff {
		delay = e.policy.MaxBackoff
	}
	return delay
}

// backoff returns the exponential delay for the given attempt with jitter.
func (e *Executor) backoff(attempt int) time.Duration {
	d := time.Duration(float64(e.policy.BaseBackoff) * math.Pow(e.policy.Multiplier, float64(attempt-1)))
	if d > e.policy.MaxBackoff {
		d = e.policy.MaxBackoff
	}
	return d + clock.Jitter(d/4)
}

func isTLSVerification(err error) bool {
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return true
	}
	var authErr x509.UnknownAuthorityError
	if errors.As(err, &authErr) {
		return true
	}
	var hostErr x509.HostnameError
	return errors.As(err, &hostErr)
}

// cancelOnClose ties the per-attempt timeout to the response body so the
// timer is released exactly when the caller finishes reading.
type cancelOnClose struct {
	rc     io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Read(p []byte) (int, error) { return c.rc.Read(p) }

func (c *cancelOnClose) Close() error {
	err := c.rc.Close()
	c.cancel()
	return err
}
