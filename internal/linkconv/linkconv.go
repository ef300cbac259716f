// Package linkconv asks a conversion service for a mirror of an uploaded file
// and polls until the mirror is ready or the time budget runs out.
package linkconv

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
)

const (
	DefaultPollInterval = 5 * time.Second
	maxPollErrors       = 3
	gigabyte            = 1 << 30
)

var (
	ErrBudgetExceeded = errors.Base("conversion budget exceeded")
	ErrRejected       = errors.Base("conversion rejected")
)

// Budget scales the polling time with file size: Base + PerGB per gigabyte,
// never more than Max.
type Budget struct {
	Base  time.Duration
	PerGB time.Duration
	Max   time.Duration
}

func (b Budget) For(sizeBytes int64) time.Duration {
	d := b.Base + time.Duration(float64(b.PerGB)*float64(sizeBytes)/gigabyte)
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

type convertRequest struct {
	URL  string `json:"url"`
	Size int64  `json:"size"`
}

type convertJob struct {
	ID string `json:"id"`
}

type convertStatus struct {
	Status string `json:"status"`
	URL    string `json:"url"`
	Error  string `json:"error,omitempty"`
}

type Client struct {
	client   *http.Client
	endpoint string
	budget   Budget
	poll     time.Duration
}

func New(endpoint string, budget Budget, poll time.Duration) *Client {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	return &Client{
		client:   &http.Client{Timeout: 20 * time.Second},
		endpoint: strings.TrimRight(endpoint, "/"),
		budget:   budget,
		poll:     poll,
	}
}

// Convert submits link and waits for the mirror URL.
func (c *Client) Convert(ctx context.Context, link string, sizeHint int64) (string, error) {
	budget := c.budget.For(sizeHint)
	pollCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	id, err := c.submit(pollCtx, link, sizeHint)
	if err != nil {
		return "", c.budgetErr(ctx, pollCtx, budget, err)
	}

	log := zerolog.Ctx(ctx)
	failures := 0
	for {
		st, err := c.status(pollCtx, id)
		switch {
		case err != nil:
			if pollCtx.Err() != nil {
				return "", c.budgetErr(ctx, pollCtx, budget, err)
			}
			failures++
			if failures >= maxPollErrors {
				return "", errors.Errorf("polling conversion %s: %w", id, err)
			}
			log.Debug().Err(err).Str("job", id).Msg("conversion poll failed")
		case st.Status == "done":
			if st.URL == "" {
				return "", errors.Errorf("%w: job %s finished without a URL", ErrRejected, id)
			}
			return st.URL, nil
		case st.Status == "failed":
			return "", errors.Errorf("%w: job %s: %s", ErrRejected, id, st.Error)
		default:
			failures = 0
		}

		t := time.NewTimer(c.poll)
		select {
		case <-pollCtx.Done():
			t.Stop()
			return "", c.budgetErr(ctx, pollCtx, budget, pollCtx.Err())
		case <-t.C:
		}
	}
}

func (c *Client) budgetErr(parent, pollCtx context.Context, budget time.Duration, err error) error {
	if parent.Err() == nil && errors.Is(pollCtx.Err(), context.DeadlineExceeded) {
		return errors.Errorf("%w after %s", ErrBudgetExceeded, budget)
	}
	return err
}

func (c *Client) submit(ctx context.Context, link string, size int64) (string, error) {
	body, err := json.Marshal(convertRequest{URL: link, Size: size})
	if err != nil {
		return "", errors.Errorf("encoding conversion request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/convert", bytes.NewReader(body))
	if err != nil {
		return "", errors.Errorf("building conversion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var job convertJob
	if err := c.do(req, &job); err != nil {
		return "", err
	}
	if job.ID == "" {
		return "", errors.Errorf("%w: service returned no job id", ErrRejected)
	}
	return job.ID, nil
}

func (c *Client) status(ctx context.Context, id string) (*convertStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/convert/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, errors.Errorf("building status request: %w", err)
	}
	var st convertStatus
	if err := c.do(req, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return errors.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.Errorf("%s %s: %s", req.Method, req.URL.Path, statusText(resp.StatusCode, msg))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Errorf("decoding %s response: %w", req.URL.Path, err)
	}
	return nil
}

func statusText(code int, body []byte) string {
	s := strings.TrimSpace(string(body))
	if s == "" {
		return fmt.Sprintf("status %d", code)
	}
	return fmt.Sprintf("status %d: %s", code, s)
}
