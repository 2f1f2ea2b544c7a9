// Package gitlabapi is the thin wrapper over gitlab.com/gitlab-org/api/client-go
// that internal/executor's GitLab fetchers page through. Construction
// mirrors the teacher's GitLabProvider (internal/repository/gitlab.go):
// gitlab.NewClient with an optional gitlab.WithBaseURL for self-hosted
// instances.
package gitlabapi

import (
	"context"
	"fmt"

	gitlab "gitlab.com/gitlab-org/api/client-go"
	"golang.org/x/time/rate"

	"github.com/scmsync/scmsync/internal/config"
)

// defaultRPS caps outbound GitLab API calls absent an explicit
// config override, staying under the default self-hosted rate limit
// (600 req/min per user) for one worker process at 480 req/min. The
// limiter belongs to one Client, so several workers sharing one token
// each draw their own 8/s.
const defaultRPS = 8

// Client wraps the generated GitLab SDK client with the project-key
// addressing scmsync's executors use (namespace/path, matching the
// teacher's nameWithNS convention), plus a token-bucket limiter so a
// backfill against many repos can't trip the remote's own rate limit.
type Client struct {
	raw     *gitlab.Client
	limiter *rate.Limiter
}

// New builds a Client from GitLabConfig. PrivateToken is used as a
// fallback when Token is unset, matching the legacy PRIVATE-TOKEN
// header some self-hosted instances still require.
func New(cfg config.GitLabConfig) (*Client, error) {
	token := cfg.Token
	if token == "" {
		token = cfg.PrivateToken
	}
	var opts []gitlab.ClientOptionFunc
	if cfg.BaseURL != "" {
		opts = append(opts, gitlab.WithBaseURL(cfg.BaseURL))
	}
	raw, err := gitlab.NewClient(token, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating GitLab client: %w", err)
	}
	rps := cfg.RateLimitPerSecond
	if rps <= 0 {
		rps = defaultRPS
	}
	return &Client{raw: raw, limiter: rate.NewLimiter(rate.Limit(rps), rps)}, nil
}

// wait blocks until the token bucket allows one more outbound request,
// or ctx is cancelled first.
func (c *Client) wait(ctx context.Context) error {
	return c.limiter.Wait(ctx)
}
