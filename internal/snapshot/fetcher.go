package snapshot

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"tracksure/internal/track"

	"github.com/gofiber/fiber/v2"
)

// Fetcher performs the two REST snapshot reads.
type Fetcher interface {
	FetchAlerts(ctx context.Context, deviceID string) ([]track.Record, error)
	FetchLocations(ctx context.Context, deviceID string, limit int) ([]track.Record, error)
}

// HTTPFetcher reads the feed's REST endpoints with fiber's client agent.
type HTTPFetcher struct {
	baseURL string
	token   string
	timeout time.Duration
}

func NewHTTPFetcher(baseURL, token string, timeout time.Duration) *HTTPFetcher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPFetcher{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		timeout: timeout,
	}
}

func (f *HTTPFetcher) FetchAlerts(ctx context.Context, deviceID string) ([]track.Record, error) {
	q := url.Values{}
	if deviceID != "" {
		q.Set("deviceId", deviceID)
	}
	return f.get(ctx, "/api/alerts", q)
}

func (f *HTTPFetcher) FetchLocations(ctx context.Context, deviceID string, limit int) ([]track.Record, error) {
	q := url.Values{}
	q.Set("deviceId", deviceID)
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return f.get(ctx, "/api/locations", q)
}

// get checks ctx only before sending. The agent has no context support, so a
// request on the wire is bounded by the timeout alone.
func (f *HTTPFetcher) get(ctx context.Context, path string, q url.Values) ([]track.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	target := f.baseURL + path
	if len(q) > 0 {
		target += "?" + q.Encode()
	}

	agent := fiber.Get(target)
	agent.Timeout(f.timeout)
	if f.token != "" {
		agent.Set(fiber.HeaderAuthorization, "Bearer "+f.token)
	}

	code, body, errs := agent.Bytes()
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	if code != fiber.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", code)
	}
	return track.DecodeRecords(body)
}
