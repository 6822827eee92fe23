package bucket

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrUnknownBucket and ErrBucketDeleted are the two terminal, non-retryable
// outcomes of a fetch that mean "the producer must re-run" (SPEC_FULL.md
// §4.4/§7 "bucket fetch error"). Anything else (timeouts, connection
// refused) is a transport error and is retried with backoff before being
// surfaced to the caller.
var (
	ErrUnknownBucket = errors.New("bucket: unknown bucket (404)")
	ErrBucketDeleted = errors.New("bucket: bucket deleted (410)")
)

// Client fetches bucket byte streams, and raw source-from-urls files, over
// HTTP, retrying transport-level failures with exponential backoff per
// SPEC_FULL.md §7 "Transport error... retried with exponential backoff up to
// a bound."
type Client struct {
	HTTP       *http.Client
	MaxElapsed time.Duration
}

func NewClient() *Client {
	return &Client{
		HTTP:       &http.Client{Timeout: 30 * time.Second},
		MaxElapsed: 10 * time.Second,
	}
}

// Fetch retrieves the full body of url and returns it as a ReadCloser the
// caller frames with ReadFrame. A 404/410 response is reported immediately
// as ErrUnknownBucket/ErrBucketDeleted without retrying — those are
// semantic, not transport, failures.
func (c *Client) Fetch(url string) (io.ReadCloser, error) {
	var body io.ReadCloser
	op := func() error {
		resp, err := c.HTTP.Get(url)
		if err != nil {
			return err // network-level: retry
		}
		switch resp.StatusCode {
		case http.StatusOK:
			body = resp.Body
			return nil
		case http.StatusNotFound:
			resp.Body.Close()
			return backoff.Permanent(ErrUnknownBucket)
		case http.StatusGone:
			resp.Body.Close()
			return backoff.Permanent(ErrBucketDeleted)
		default:
			resp.Body.Close()
			return backoff.Permanent(fmt.Errorf("bucket fetch %s: unexpected status %d", url, resp.StatusCode))
		}
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = c.MaxElapsed
	if err := backoff.Retry(op, b); err != nil {
		return nil, err
	}
	return body, nil
}
