package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/arbguard/internal/domain"
)

// StaticRiskGate answers from fixed allow and deny lists. A denied token is
// unsafe; when the allow list is non-empty every token outside it is unsafe.
type StaticRiskGate struct {
	allow map[string]struct{}
	deny  map[string]struct{}
}

// NewStaticRiskGate builds a StaticRiskGate. Token matching is
// case-insensitive.
func NewStaticRiskGate(allow, deny []string) *StaticRiskGate {
	return &StaticRiskGate{allow: toSet(allow), deny: toSet(deny)}
}

func toSet(tokens []string) map[string]struct{} {
	out := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		if t = strings.ToUpper(strings.TrimSpace(t)); t != "" {
			out[t] = struct{}{}
		}
	}
	return out
}

// IsSafe implements domain.RiskGate.
func (g *StaticRiskGate) IsSafe(_ context.Context, token string) (domain.RiskAssessment, error) {
	key := strings.ToUpper(token)
	if _, denied := g.deny[key]; denied {
		return domain.RiskAssessment{Token: token, Safe: false, RiskLevel: domain.RiskLevelHigh, Reasons: []string{"deny list"}}, nil
	}
	if len(g.allow) > 0 {
		if _, ok := g.allow[key]; !ok {
			return domain.RiskAssessment{Token: token, Safe: false, RiskLevel: domain.RiskLevelUnknown, Reasons: []string{"not on allow list"}}, nil
		}
	}
	return domain.RiskAssessment{Token: token, Safe: true, RiskLevel: domain.RiskLevelLow}, nil
}

// HTTPRiskGate asks a remote scoring service. It issues
// GET {base}/{token} and expects {"safe": bool, "risk_level": string,
// "reasons": [string]}.
type HTTPRiskGate struct {
	base   string
	client *http.Client
}

// NewHTTPRiskGate creates an HTTPRiskGate with the given request timeout.
func NewHTTPRiskGate(baseURL string, timeout time.Duration) *HTTPRiskGate {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPRiskGate{
		base:   strings.TrimRight(baseURL, "/"),
		client: &http.Client{Timeout: timeout},
	}
}

// IsSafe implements domain.RiskGate.
func (g *HTTPRiskGate) IsSafe(ctx context.Context, token string) (domain.RiskAssessment, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.base+"/"+url.PathEscape(token), nil)
	if err != nil {
		return domain.RiskAssessment{}, fmt.Errorf("risk: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return domain.RiskAssessment{}, fmt.Errorf("risk: %s: %w", token, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return domain.RiskAssessment{}, fmt.Errorf("risk: read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return domain.RiskAssessment{}, fmt.Errorf("risk: %s: HTTP %d: %s", token, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out struct {
		Safe      bool     `json:"safe"`
		RiskLevel string   `json:"risk_level"`
		Reasons   []string `json:"reasons"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return domain.RiskAssessment{}, fmt.Errorf("risk: decode %s: %w", token, err)
	}
	level := domain.RiskLevel(strings.ToLower(out.RiskLevel))
	if level == "" {
		level = domain.RiskLevelUnknown
	}
	return domain.RiskAssessment{Token: token, Safe: out.Safe, RiskLevel: level, Reasons: out.Reasons}, nil
}

// CachedRiskGate memoizes successful assessments per token for a TTL.
// Errors are never cached.
type CachedRiskGate struct {
	next   domain.RiskGate
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]cachedAssessment
}

type cachedAssessment struct {
	a       domain.RiskAssessment
	expires time.Time
}

// NewCachedRiskGate wraps next.
func NewCachedRiskGate(next domain.RiskGate, ttl time.Duration, logger *slog.Logger) *CachedRiskGate {
	return &CachedRiskGate{
		next:    next,
		ttl:     ttl,
		now:     time.Now,
		logger:  logger.With(slog.String("component", "risk_gate")),
		entries: make(map[string]cachedAssessment),
	}
}

// IsSafe implements domain.RiskGate.
func (g *CachedRiskGate) IsSafe(ctx context.Context, token string) (domain.RiskAssessment, error) {
	now := g.now()
	g.mu.Lock()
	if e, ok := g.entries[token]; ok && now.Before(e.expires) {
		g.mu.Unlock()
		return e.a, nil
	}
	g.mu.Unlock()

	a, err := g.next.IsSafe(ctx, token)
	if err != nil {
		g.logger.WarnContext(ctx, "risk check failed",
			slog.String("token", token),
			slog.String("error", err.Error()),
		)
		return domain.RiskAssessment{}, err
	}
	if !a.Safe {
		g.logger.InfoContext(ctx, "token flagged unsafe",
			slog.String("token", token),
			slog.String("risk_level", string(a.RiskLevel)),
		)
	}

	g.mu.Lock()
	g.entries[token] = cachedAssessment{a: a, expires: now.Add(g.ttl)}
	g.mu.Unlock()
	return a, nil
}

// Invalidate drops the cached verdict for token.
func (g *CachedRiskGate) Invalidate(token string) {
	g.mu.Lock()
	delete(g.entries, token)
	g.mu.Unlock()
}
