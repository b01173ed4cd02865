package climapulse

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jpalmerr/climapulse/internal/poller"
)

// Fetcher performs one fetch attempt against endpoint.
//
// The source bounds ctx with its timeout and cancels it on [Source.Stop].
// Implementations should return a *[FetchError] so the degraded reason is
// precise; any other error is reported as "timeout" if it wraps
// context.DeadlineExceeded and "network" otherwise.
type Fetcher interface {
	Fetch(ctx context.Context, endpoint string) (Reading, error)
}

// FetcherFunc adapts a function to the [Fetcher] interface.
type FetcherFunc func(ctx context.Context, endpoint string) (Reading, error)

// Fetch calls f.
func (f FetcherFunc) Fetch(ctx context.Context, endpoint string) (Reading, error) {
	return f(ctx, endpoint)
}

// httpFetcher is the default [Fetcher]: a GET against the endpoint, decoded
// by the poller package.
type httpFetcher struct {
	client   *poller.Client
	headers  map[string]string
	timeout  time.Duration
	sensorID string
}

func newHTTPFetcher(headers map[string]string, timeout time.Duration, sensorID string) *httpFetcher {
	return &httpFetcher{
		client:   poller.NewClient(),
		headers:  headers,
		timeout:  timeout,
		sensorID: sensorID,
	}
}

func (f *httpFetcher) Fetch(ctx context.Context, endpoint string) (Reading, error) {
	resp := f.client.Fetch(ctx, http.MethodGet, endpoint, f.headers, f.timeout)
	if resp.Error != nil {
		if errors.Is(resp.Error, context.DeadlineExceeded) {
			return Reading{}, &FetchError{Kind: KindTimeout, Err: resp.Error}
		}
		return Reading{}, &FetchError{Kind: KindNetwork, Err: resp.Error}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Reading{}, &FetchError{
			Kind:       KindHTTPStatus,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status %d", resp.StatusCode),
		}
	}

	sample, err := poller.Decode(resp.Body, f.sensorID)
	if err != nil {
		return Reading{}, decodeError(err)
	}

	return Reading{
		Temperature: sample.Temperature,
		Humidity:    sample.Humidity,
		Timestamp:   sample.Timestamp,
		SensorID:    sample.SensorID,
		Origin:      OriginRemote,
	}, nil
}

func (f *httpFetcher) Close() {
	f.client.Close()
}
