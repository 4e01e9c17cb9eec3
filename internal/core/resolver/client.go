// Package resolver looks up canonical account ids for legacy names.
//
// Client talks to a profile service that accepts a JSON array of names and
// answers with the profiles it knows:
//
//	POST ["Notch","jeb_"]
//	[{"id":"069a79f444e94726a5befca90e38aaf5","name":"Notch"}]
//
// Names the service does not know are simply absent from the answer.
package resolver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/zeusync/keeper/internal/core/observability/log"
)

const (
	DefaultURL = "https://api.mojang.com/profiles/minecraft"
	// MaxBatchSize is the largest batch the profile service accepts.
	MaxBatchSize = 100
)

type Config struct {
	URL         string
	BatchSize   int
	Concurrency int
	// Timeout bounds each HTTP request.
	Timeout time.Duration
	// RateDelay is the pause between two batch dispatches.
	RateDelay time.Duration
}

func DefaultConfig() Config {
	return Config{
		URL:         DefaultURL,
		BatchSize:   MaxBatchSize,
		Concurrency: 1,
		Timeout:     10 * time.Second,
		RateDelay:   100 * time.Millisecond,
	}
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client. Its timeout is kept as is.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// Client resolves names in batches. It is safe for concurrent use.
type Client struct {
	cfg    Config
	http   *http.Client
	logger log.Log
}

func New(cfg Config, logger log.Log, opts ...Option) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("resolver: url must not be empty")
	}
	if cfg.BatchSize <= 0 || cfg.BatchSize > MaxBatchSize {
		cfg.BatchSize = MaxBatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if logger == nil {
		logger = log.NewNop()
	}

	c := &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger.With(log.String("component", "resolver")),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type profile struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Resolve returns canonical ids keyed by the requested names. Failed batches
// do not stop the others; their errors are joined and returned along with
// everything that did resolve.
func (c *Client) Resolve(ctx context.Context, names []string) (map[string]string, error) {
	batches := split(dedupe(names), c.cfg.BatchSize)

	var (
		mu   sync.Mutex
		out  = make(map[string]string, len(names))
		errs []error
	)

	g := errgroup.Group{}
	g.SetLimit(c.cfg.Concurrency)

	for i, batch := range batches {
		if i > 0 && c.cfg.RateDelay > 0 {
			if err := sleep(ctx, c.cfg.RateDelay); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				break
			}
		}

		g.Go(func() error {
			got, err := c.fetch(ctx, batch)
			mu.Lock()
			defer mu.Unlock()
			for name, id := range got {
				out[name] = id
			}
			if err != nil {
				c.logger.Warn("Batch failed",
					log.Int("batch", i),
					log.Int("names", len(batch)),
					log.Error(err))
				errs = append(errs, fmt.Errorf("batch %d: %w", i, err))
			}
			return nil
		})
	}
	_ = g.Wait()

	c.logger.Debug("Resolved names",
		log.Int("requested", len(names)),
		log.Int("resolved", len(out)),
		log.Int("batches", len(batches)))
	return out, errors.Join(errs...)
}

func (c *Client) fetch(ctx context.Context, batch []string) (map[string]string, error) {
	body, err := json.Marshal(batch)
	if err != nil {
		return nil, fmt.Errorf("resolver: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("resolver: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("resolver: request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNoContent:
		return nil, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, ErrTooManyRequests
	case resp.StatusCode != http.StatusOK:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w %d: %s", ErrUnexpectedStatus, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var profiles []profile
	if err := json.NewDecoder(resp.Body).Decode(&profiles); err != nil {
		return nil, fmt.Errorf("resolver: decode response: %w", err)
	}

	requested := make(map[string]string, len(batch))
	for _, name := range batch {
		requested[strings.ToLower(name)] = name
	}

	out := make(map[string]string, len(profiles))
	for _, p := range profiles {
		name, ok := requested[strings.ToLower(p.Name)]
		if !ok {
			continue
		}
		id, err := uuid.Parse(p.ID)
		if err != nil {
			c.logger.Warn("Skipping malformed id", log.String("name", p.Name), log.String("id", p.ID))
			continue
		}
		out[name] = id.String()
	}
	return out, nil
}

func dedupe(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, name := range names {
		if _, ok := seen[name]; ok || name == "" {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}

func split(names []string, size int) [][]string {
	var out [][]string
	for len(names) > 0 {
		n := min(size, len(names))
		out = append(out, names[:n])
		names = names[n:]
	}
	return out
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
