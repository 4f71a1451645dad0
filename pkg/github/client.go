package github

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/go-github/v68/github"
	"golang.org/x/oauth2"
)

const (
	// DefaultBaseURL is the default GitHub API base URL
	DefaultBaseURL = "https://api.github.com"

	// TokenEnv is the environment variable for GitHub token
	TokenEnv = "GITHUB_TOKEN"

	// SlamTokenEnv takes precedence over TokenEnv when both are set
	SlamTokenEnv = "SLAM_GITHUB_TOKEN"

	// DefaultTimeout is the default HTTP timeout
	DefaultTimeout = 30 * time.Second
)

// ClientOption configures a Client
type ClientOption func(*Client)

// WithBaseURL sets a custom base URL for the GitHub API
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		c.baseURL = baseURL
	}
}

// WithTimeout sets a custom HTTP timeout
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.timeout = timeout
	}
}

// WithHTTPClient sets the HTTP client whose transport carries API calls.
// The token is layered on top of its transport.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = client
	}
}

// Client implements hosting.Client on top of the GitHub REST API.
//
// Calls are not retried or rate limited here; wrap the client with
// hosting.NewThrottled for that.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration

	once         sync.Once
	githubClient *github.Client
}

// NewClient creates a new GitHub API client with the given token
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:      token,
		baseURL:    DefaultBaseURL,
		timeout:    DefaultTimeout,
		httpClient: &http.Client{},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// GetTokenFromEnv returns the token from SLAM_GITHUB_TOKEN or GITHUB_TOKEN,
// in that order, and the name of the variable it came from.
func GetTokenFromEnv() (token, source string) {
	for _, name := range []string{SlamTokenEnv, TokenEnv} {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			return v, name
		}
	}
	return "", ""
}

// NewClientFromEnv creates a new client using token from environment variables
func NewClientFromEnv(opts ...ClientOption) (*Client, error) {
	token, _ := GetTokenFromEnv()
	if token == "" {
		return nil, fmt.Errorf("%s or %s environment variable is required", SlamTokenEnv, TokenEnv)
	}

	return NewClient(token, opts...), nil
}

// GetToken returns the client's authentication token
func (c *Client) GetToken() string {
	return c.token
}

// GitHubClient returns the underlying go-github client (lazy-loaded)
func (c *Client) GitHubClient() *github.Client {
	c.once.Do(func() {
		base := *c.httpClient
		httpClient := &base
		if c.token != "" {
			ctx := context.WithValue(context.Background(), oauth2.HTTPClient, &base)
			ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: c.token})
			httpClient = oauth2.NewClient(ctx, ts)
		}
		httpClient.Timeout = c.timeout
		c.githubClient = github.NewClient(httpClient)

		// Custom base URL (GitHub Enterprise or tests)
		if c.baseURL != DefaultBaseURL && c.baseURL != "" {
			baseURL := c.baseURL
			if !strings.HasSuffix(baseURL, "/") {
				baseURL += "/"
			}
			if parsedURL, err := url.Parse(baseURL); err == nil {
				c.githubClient.BaseURL = parsedURL
			}
		}
	})
	return c.githubClient
}
