// Package carbon fetches the grid marginal-emissions signal used by the
// charge scheduler. The upstream API speaks token auth: a basic-auth
// login yields a bearer token, expired tokens come back as 401.
package carbon

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// Config holds carbon API client configuration
type Config struct {
	BaseURL     string
	Username    string
	Password    string
	Region      string // Balancing authority, e.g. PSCO
	SignalType  string // co2_moer
	HTTPTimeout time.Duration
}

// DefaultConfig returns default carbon client configuration
func DefaultConfig() Config {
	return Config{
		SignalType:  "co2_moer",
		HTTPTimeout: 10 * time.Second,
	}
}

// Client talks to the carbon intensity API. Safe for concurrent use.
type Client struct {
	config     Config
	httpClient *http.Client
	mu         sync.Mutex
	token      string
}

// New creates a new carbon API client
func New(config Config) *Client {
	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: config.HTTPTimeout,
		},
	}
}

// SignalIndex returns the current marginal-emissions percentile for the
// configured region, 0 to 100. The second return is false when the
// signal is unavailable; the scheduler treats that as no signal rather
// than an error.
func (c *Client) SignalIndex() (int, bool) {
	value, err := c.fetchIndex()
	if err != nil {
		log.Printf("[carbon] Signal unavailable: %v", err)
		return 0, false
	}
	return value, true
}

func (c *Client) fetchIndex() (int, error) {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()

	if token == "" {
		var err error
		if token, err = c.login(); err != nil {
			return 0, err
		}
	}

	value, status, err := c.getIndex(token)
	if err != nil {
		return 0, err
	}
	if status == http.StatusUnauthorized {
		// Token expired, re-login once and retry.
		if token, err = c.login(); err != nil {
			return 0, err
		}
		value, status, err = c.getIndex(token)
		if err != nil {
			return 0, err
		}
	}
	if status != http.StatusOK {
		return 0, fmt.Errorf("index request returned %d", status)
	}
	return value, nil
}

// login exchanges basic-auth credentials for a bearer token
func (c *Client) login() (string, error) {
	req, err := http.NewRequest(http.MethodGet, c.config.BaseURL+"/login", nil)
	if err != nil {
		return "", fmt.Errorf("create login request: %w", err)
	}
	req.SetBasicAuth(c.config.Username, c.config.Password)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("login request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("login returned %d: %s", resp.StatusCode, string(body))
	}

	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("parse login response: %w", err)
	}
	if out.Token == "" {
		return "", fmt.Errorf("login response carried no token")
	}

	c.mu.Lock()
	c.token = out.Token
	c.mu.Unlock()
	return out.Token, nil
}

// getIndex fetches the current signal index value. A 401 status is
// returned to the caller for the re-login path, not treated as an error.
func (c *Client) getIndex(token string) (int, int, error) {
	q := url.Values{}
	q.Set("ba", c.config.Region)
	q.Set("signal_type", c.config.SignalType)

	req, err := http.NewRequest(http.MethodGet, c.config.BaseURL+"/index?"+q.Encode(), nil)
	if err != nil {
		return 0, 0, fmt.Errorf("create index request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, 0, fmt.Errorf("index request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return 0, resp.StatusCode, nil
	}

	var out struct {
		Value float64 `json:"value"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, 0, fmt.Errorf("parse index response: %w", err)
	}
	return int(out.Value), http.StatusOK, nil
}
