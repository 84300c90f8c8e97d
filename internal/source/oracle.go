package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/arbguard/internal/domain"
	"github.com/alanyoungcy/arbguard/internal/retry"
)

// OracleConfig describes one HTTP price oracle.
type OracleConfig struct {
	ID     string
	URL    string
	APIKey string
	// Feeds maps token → oracle feed id.
	Feeds        map[string]string
	PollInterval time.Duration
	// NominalLiquidity is the weight given to oracle quotes; oracles report
	// no depth of their own.
	NominalLiquidity decimal.Decimal
}

// oracleResponse is the body of GET {url}/v1/feeds/{feed}.
type oracleResponse struct {
	Feed      string          `json:"feed"`
	Price     decimal.Decimal `json:"price"`
	UpdatedAt int64           `json:"updated_at"` // unix seconds
}

// OracleSource polls an HTTP oracle for each configured feed.
type OracleSource struct {
	cfg        OracleConfig
	httpClient *http.Client
	policy     retry.Policy
	t          *tracker
	lc         lifecycle
	logger     *slog.Logger
}

// NewOracleSource creates an oracle adapter. A nil httpClient uses a client
// with the policy's call timeout.
func NewOracleSource(cfg OracleConfig, httpClient *http.Client, policy retry.Policy, opts ...Option) *OracleSource {
	o := defaultOptions()
	for _, fn := range opts {
		fn(&o)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: policy.CallTimeout}
	}
	logger := o.logger.With(slog.String("component", "source"), slog.String("source", cfg.ID))
	o.logger = logger
	return &OracleSource{
		cfg:        cfg,
		httpClient: httpClient,
		policy:     policy,
		t:          newTracker(cfg.ID, o),
		logger:     logger,
	}
}

func (s *OracleSource) ID() string              { return s.cfg.ID }
func (s *OracleSource) Kind() domain.SourceKind { return domain.SourceKindOracle }
func (s *OracleSource) Healthy() bool           { return s.t.healthy() }
func (s *OracleSource) LastError() error        { return s.t.err() }

func (s *OracleSource) GetPrice(token string) (domain.Quote, bool) { return s.t.price(token) }

func (s *OracleSource) GetLiquidity(token string) (decimal.Decimal, bool) {
	return s.t.liquidity(token)
}

func (s *OracleSource) ValidatePrice(token string, candidate decimal.Decimal) bool {
	return s.t.validate(token, candidate)
}

// Start polls every feed each PollInterval until stopped.
func (s *OracleSource) Start(ctx context.Context) error {
	return s.lc.run(ctx, func(ctx context.Context) {
		s.logger.InfoContext(ctx, "oracle source started", slog.Int("feeds", len(s.cfg.Feeds)))
		s.pollAll(ctx)

		ticker := time.NewTicker(s.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.logger.Info("oracle source stopped")
				return
			case <-ticker.C:
				s.pollAll(ctx)
			}
		}
	})
}

// Stop halts polling and waits for the loop to exit.
func (s *OracleSource) Stop() error {
	s.lc.stop()
	return nil
}

func (s *OracleSource) pollAll(ctx context.Context) {
	tokens := make([]string, 0, len(s.cfg.Feeds))
	for token := range s.cfg.Feeds {
		tokens = append(tokens, token)
	}
	sort.Strings(tokens)

	failures := 0
	var lastErr error
	for _, token := range tokens {
		q, err := s.fetch(ctx, token, s.cfg.Feeds[token])
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			lastErr = err
			s.logger.DebugContext(ctx, "oracle fetch failed",
				slog.String("token", token),
				slog.String("error", err.Error()),
			)
			continue
		}
		s.t.record(ctx, q)
	}
	// The venue is degraded only when nothing could be read.
	if failures > 0 && failures == len(tokens) {
		s.t.markDegraded(fmt.Errorf("%w: %v", domain.ErrSourceUnavailable, lastErr))
	}
}

func (s *OracleSource) fetch(ctx context.Context, token, feed string) (domain.Quote, error) {
	endpoint := strings.TrimRight(s.cfg.URL, "/") + "/v1/feeds/" + url.PathEscape(feed)

	start := s.t.opts.now()
	var body oracleResponse
	err := retry.Do(ctx, s.policy, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")
		if s.cfg.APIKey != "" {
			req.Header.Set("X-API-Key", s.cfg.APIKey)
		}

		resp, err := s.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return err
		}
		switch {
		case resp.StatusCode == http.StatusOK:
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("oracle status %d", resp.StatusCode)
		default:
			return retry.Permanent(fmt.Errorf("oracle status %d: %s", resp.StatusCode, strings.TrimSpace(string(data))))
		}
		if err := json.Unmarshal(data, &body); err != nil {
			return retry.Permanent(fmt.Errorf("decode oracle response: %w", err))
		}
		return nil
	})
	if err != nil {
		return domain.Quote{}, fmt.Errorf("source: oracle feed %s: %w", feed, err)
	}
	now := s.t.opts.now()

	if !body.Price.IsPositive() {
		return domain.Quote{}, fmt.Errorf("source: oracle feed %s: non-positive price %s", feed, body.Price)
	}
	observed := now
	if body.UpdatedAt > 0 {
		observed = time.Unix(body.UpdatedAt, 0).UTC()
	}
	return domain.Quote{
		SourceID:   s.cfg.ID,
		Token:      token,
		Price:      body.Price,
		Liquidity:  s.cfg.NominalLiquidity,
		ObservedAt: observed,
		LatencyMs:  now.Sub(start).Milliseconds(),
	}, nil
}
