// Package rest implements the client for the hpc-access portal REST API.
package rest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/bihealth/hpc-access-cli/api/records"
	"github.com/bihealth/hpc-access-cli/internal/config"
)

// Collection endpoints below the portal base URL. All of them speak DRF
// pagination ({"results": [...], "next": <url or null>}).
const (
	endpointUsers    = "adminsec/api/hpcuser/"
	endpointGroups   = "adminsec/api/hpcgroup/"
	endpointProjects = "adminsec/api/hpcproject/"
)

// Client is a rate-limited, retrying client for the hpc-access REST API.
type Client struct {
	baseURL    *url.URL
	token      config.Secret
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger

	// backoffFactory builds the retry policy for one logical request.
	// Tests inject a faster one.
	backoffFactory func() backoff.BackOff
}

// NewClient creates a client for the given portal configuration.
func NewClient(cfg config.HpcAccessConfig, logger *zap.Logger) (*Client, error) {
	base, err := url.Parse(cfg.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid hpc-access server URL: %w", err)
	}
	return &Client{
		baseURL:    base,
		token:      cfg.APIToken,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
		logger:     logger.Named("rest"),
		backoffFactory: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxElapsedTime = 2 * time.Minute
			b.MaxInterval = 30 * time.Second
			return b
		},
	}, nil
}

// Close releases idle connections held by the client.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}

// LoadUsers fetches all user records from the portal.
func (c *Client) LoadUsers(ctx context.Context) ([]*records.HpcUser, error) {
	return loadPaginated[records.HpcUser](ctx, c, endpointUsers)
}

// LoadGroups fetches all group records from the portal.
func (c *Client) LoadGroups(ctx context.Context) ([]*records.HpcGroup, error) {
	return loadPaginated[records.HpcGroup](ctx, c, endpointGroups)
}

// LoadProjects fetches all project records from the portal.
func (c *Client) LoadProjects(ctx context.Context) ([]*records.HpcProject, error) {
	return loadPaginated[records.HpcProject](ctx, c, endpointProjects)
}

// UpdateUserResourcesUsed patches the measured storage usage of a user.
func (c *Client) UpdateUserResourcesUsed(ctx context.Context, user *records.HpcUser) error {
	used := user.ResourcesUsed
	if used == nil {
		used = &records.ResourceDataUser{}
	}
	path := fmt.Sprintf("%s%s/", endpointUsers, user.UUID)
	return c.patchResourcesUsed(ctx, path, used)
}

// UpdateGroupResourcesUsed patches the measured storage usage of a group.
func (c *Client) UpdateGroupResourcesUsed(ctx context.Context, group *records.HpcGroup) error {
	used := group.ResourcesUsed
	if used == nil {
		used = &records.ResourceData{}
	}
	path := fmt.Sprintf("%s%s/", endpointGroups, group.UUID)
	return c.patchResourcesUsed(ctx, path, used)
}

// UpdateProjectResourcesUsed patches the measured storage usage of a project.
func (c *Client) UpdateProjectResourcesUsed(ctx context.Context, project *records.HpcProject) error {
	used := project.ResourcesUsed
	if used == nil {
		used = &records.ResourceData{}
	}
	path := fmt.Sprintf("%s%s/", endpointProjects, project.UUID)
	return c.patchResourcesUsed(ctx, path, used)
}

// page is one DRF pagination page.
type page[T any] struct {
	Results []*T    `json:"results"`
	Next    *string `json:"next"`
}

// loadPaginated walks a paginated collection starting at path, following
// the absolute "next" URLs the portal hands out.
func loadPaginated[T any](ctx context.Context, c *Client, path string) ([]*T, error) {
	pageURL, err := c.baseURL.Parse(path)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint path %q: %w", path, err)
	}

	var result []*T
	for pageURL != nil {
		body, err := c.do(ctx, http.MethodGet, pageURL.String(), nil)
		if err != nil {
			return nil, err
		}
		var p page[T]
		if err := json.Unmarshal(body, &p); err != nil {
			return nil, fmt.Errorf("failed to decode page from %s: %w", pageURL, err)
		}
		result = append(result, p.Results...)

		pageURL = nil
		if p.Next != nil && *p.Next != "" {
			next, err := c.baseURL.Parse(*p.Next)
			if err != nil {
				return nil, fmt.Errorf("invalid next URL %q: %w", *p.Next, err)
			}
			pageURL = next
		}
	}
	return result, nil
}

func (c *Client) patchResourcesUsed(ctx context.Context, path string, used any) error {
	target, err := c.baseURL.Parse(path)
	if err != nil {
		return fmt.Errorf("invalid endpoint path %q: %w", path, err)
	}
	payload, err := json.Marshal(map[string]any{"resources_used": used})
	if err != nil {
		return fmt.Errorf("failed to marshal resources_used: %w", err)
	}
	_, err = c.do(ctx, http.MethodPatch, target.String(), payload)
	return err
}

// do executes one request with rate limiting and retries and returns the
// response body.
func (c *Client) do(ctx context.Context, method, target string, payload []byte) ([]byte, error) {
	var body []byte

	operation := func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}

		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, reader)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create HTTP request: %w", err))
		}
		req.Header.Set("Authorization", "Token "+c.token.Reveal())
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		start := time.Now()
		resp, err := c.httpClient.Do(req)
		if err != nil {
			c.logger.Warn("network error talking to hpc-access, retrying",
				zap.String("url", target), zap.Error(err))
			return fmt.Errorf("failed to execute HTTP request: %w", err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response body: %w", err)
		}
		if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
			return c.handleAPIError(resp.StatusCode, target, respBody)
		}

		c.logger.Debug("hpc-access request complete",
			zap.String("method", method),
			zap.String("url", target),
			zap.Int("status", resp.StatusCode),
			zap.Duration("duration", time.Since(start)))
		body = respBody
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(c.backoffFactory(), ctx)); err != nil {
		return nil, err
	}
	return body, nil
}

func (c *Client) handleAPIError(statusCode int, target string, body []byte) error {
	c.logger.Error("hpc-access API returned error status",
		zap.Int("status", statusCode), zap.String("url", target),
		zap.ByteString("response", body))
	err := fmt.Errorf("hpc-access API error: status %d, body: %s", statusCode, string(body))

	switch statusCode {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable,
		http.StatusBadGateway, http.StatusInternalServerError:
		return err // Transient, retry.
	default:
		return backoff.Permanent(err)
	}
}
