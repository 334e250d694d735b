package fetch

import (
	"context"
	"fmt"
	"mime"
	"regexp"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/time/rate"

	"github.com/google/fledge-shim-sub000/internal/infrastructure/resilience"
)

// OptInHeader must be present and equal to "true" (case-insensitive) on
// every response; its absence means the endpoint has not consented to
// participating in on-device auctions.
const OptInHeader = "X-Allow-FLEDGE"

var (
	scriptMIME = regexp.MustCompile(`^(text|application)/(x-)?(javascript|ecmascript)$`)
	jsonMIME   = regexp.MustCompile(`^application/json$`)
)

// NetworkError reports that no usable HTTP response arrived.
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ValidationError reports that a response arrived but failed a check the
// server operator can diagnose. Data carries the offending response bytes
// where they help diagnosis.
type ValidationError struct {
	URL     string
	Message string
	Data    []byte
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("fetch %s: %s", e.URL, e.Message)
}

// Config holds fetch client settings.
type Config struct {
	Timeout    time.Duration
	RetryMax   int
	MaxBodyKiB int64
}

// DefaultConfig returns production-ready fetch configuration.
func DefaultConfig() Config {
	return Config{
		Timeout:    30 * time.Second,
		RetryMax:   3,
		MaxBodyKiB: 1024,
	}
}

// Client fetches and validates untrusted endpoint responses.
type Client struct {
	resty   *resty.Client
	limiter *rate.Limiter
	breaker *resilience.Breaker
	maxBody int64
}

// New creates a fetch client over a retrying transport with a circuit
// breaker in front of it.
func New(cfg Config) *Client {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = cfg.RetryMax
	retryClient.RetryWaitMin = 500 * time.Millisecond
	retryClient.RetryWaitMax = 10 * time.Second
	retryClient.Logger = nil

	restyClient := resty.New().
		SetTimeout(cfg.Timeout).
		SetHeader("User-Agent", "fledge-shim/"+"1.0").
		SetTransport(retryClient.HTTPClient.Transport)

	breaker := resilience.New("fetch", resilience.Settings{
		MaxRequests: 5,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts resilience.Counts) bool {
			return counts.ConsecutiveFailures >= 10 ||
				(counts.Requests >= 20 && float64(counts.TotalFailures)/float64(counts.Requests) > 0.7)
		},
	})

	maxBody := cfg.MaxBodyKiB * 1024
	if maxBody <= 0 {
		maxBody = 1 << 20
	}

	return &Client{
		resty:   restyClient,
		limiter: rate.NewLimiter(rate.Inf, 0),
		breaker: breaker,
		maxBody: maxBody,
	}
}

// SetRateLimit bounds outbound request rate; rate.Inf disables the bound.
func (c *Client) SetRateLimit(limit rate.Limit, burst int) {
	c.limiter = rate.NewLimiter(limit, burst)
}

// FetchScript retrieves a JavaScript resource and returns its text.
func (c *Client) FetchScript(ctx context.Context, url string) (string, error) {
	body, err := c.fetch(ctx, url, scriptMIME, "JavaScript")
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// FetchJSON retrieves a JSON resource and returns its parsed value.
func (c *Client) FetchJSON(ctx context.Context, url string) (any, error) {
	body, err := c.fetch(ctx, url, jsonMIME, "JSON")
	if err != nil {
		return nil, err
	}
	var value any
	if err := sonic.Unmarshal(body, &value); err != nil {
		return nil, &ValidationError{URL: url, Message: "response body is not valid JSON", Data: body}
	}
	return value, nil
}

func (c *Client) fetch(ctx context.Context, url string, mimeClass *regexp.Regexp, className string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &NetworkError{URL: url, Err: err}
	}

	// An open breaker reads as a network failure: no response arrived.
	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.resty.R().SetContext(ctx).Get(url)
	})
	if err != nil {
		return nil, &NetworkError{URL: url, Err: err}
	}
	resp := result.(*resty.Response)

	if resp.IsError() {
		return nil, &ValidationError{URL: url, Message: fmt.Sprintf("unexpected status %s", resp.Status())}
	}

	if int64(len(resp.Body())) > c.maxBody {
		return nil, &ValidationError{URL: url, Message: fmt.Sprintf("response body exceeds %d bytes", c.maxBody)}
	}

	optIn := resp.Header().Get(OptInHeader)
	if !strings.EqualFold(optIn, "true") {
		return nil, &ValidationError{URL: url, Message: fmt.Sprintf("%s header missing or not \"true\"", OptInHeader)}
	}

	contentType := resp.Header().Get("Content-Type")
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, &ValidationError{URL: url, Message: fmt.Sprintf("unparseable Content-Type %q", contentType)}
	}
	if !mimeClass.MatchString(mediaType) {
		return nil, &ValidationError{
			URL:     url,
			Message: fmt.Sprintf("Content-Type %q is not a %s type", mediaType, className),
		}
	}

	return resp.Body(), nil
}
