// Package compute drives Proxmox VE through its REST API: cloning templates,
// sizing and configuring the clone, and power control.
package compute

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/luthermonson/go-proxmox"
	"github.com/rs/zerolog"

	"vpsd/pkg/config"
)

const (
	defaultPort         = "8006"
	defaultPollInterval = 2 * time.Second
	defaultTaskWait     = time.Hour
	requestTimeout      = 30 * time.Second
)

// Client is a Proxmox VE API client authenticated with an API token.
type Client struct {
	baseURL      string
	api          *proxmox.Client
	pollInterval time.Duration
	logger       zerolog.Logger
}

type options struct {
	http         *http.Client
	pollInterval time.Duration
}

// Option customises a Client.
type Option func(*options)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *options) { o.http = hc }
}

// WithPollInterval sets how often asynchronous tasks are polled.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) { o.pollInterval = d }
}

// NewFromConfig builds a Client for the configured host.
func NewFromConfig(cfg config.ProxmoxConfig, logger zerolog.Logger) (*Client, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.InsecureTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return New(cfg.Host, cfg.TokenID, cfg.TokenSecret, logger,
		WithHTTPClient(&http.Client{Timeout: requestTimeout, Transport: transport}))
}

// New returns a Client for host, which may be a bare hostname, host:port or a full URL.
func New(host, tokenID, tokenSecret string, logger zerolog.Logger, opts ...Option) (*Client, error) {
	host = strings.TrimRight(strings.TrimSpace(host), "/")
	if host == "" {
		return nil, errors.New("proxmox host is required")
	}
	if tokenID == "" || tokenSecret == "" {
		return nil, errors.New("proxmox token id and secret are required")
	}

	if !strings.HasPrefix(host, "http://") && !strings.HasPrefix(host, "https://") {
		if _, _, err := net.SplitHostPort(host); err != nil {
			host = net.JoinHostPort(host, defaultPort)
		}
		host = "https://" + host
	}

	o := options{
		http:         &http.Client{Timeout: requestTimeout},
		pollInterval: defaultPollInterval,
	}
	for _, opt := range opts {
		opt(&o)
	}

	baseURL := host + "/api2/json"
	return &Client{
		baseURL: baseURL,
		api: proxmox.NewClient(baseURL,
			proxmox.WithHTTPClient(o.http),
			proxmox.WithAPIToken(tokenID, tokenSecret),
		),
		pollInterval: o.pollInterval,
		logger:       logger.With().Str("component", "compute").Logger(),
	}, nil
}

// post sends a request that may start an asynchronous task and waits for the
// task to finish. Requests answered without a task id complete immediately.
func (c *Client) post(ctx context.Context, path string, body any) error {
	var upid proxmox.UPID
	if err := c.api.Post(ctx, path, body, &upid); err != nil {
		return err
	}
	return c.wait(ctx, upid)
}

func (c *Client) put(ctx context.Context, path string, body any) error {
	var upid proxmox.UPID
	if err := c.api.Put(ctx, path, body, &upid); err != nil {
		return err
	}
	return c.wait(ctx, upid)
}

func (c *Client) delete(ctx context.Context, path string) error {
	var upid proxmox.UPID
	if err := c.api.Delete(ctx, path, &upid); err != nil {
		return err
	}
	return c.wait(ctx, upid)
}

// wait polls the task until it stops, failing unless it exited OK. The wait
// is bounded by the deadline of ctx.
func (c *Client) wait(ctx context.Context, upid proxmox.UPID) error {
	if upid == "" {
		return nil
	}

	limit := defaultTaskWait
	if deadline, ok := ctx.Deadline(); ok {
		limit = time.Until(deadline)
	}

	task := proxmox.NewTask(upid, c.api)
	if err := task.Wait(ctx, c.pollInterval, limit); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("wait for task %s: %w", upid, ctxErr)
		}
		if errors.Is(err, proxmox.ErrTimeout) {
			return fmt.Errorf("wait for task %s: %w", upid, context.DeadlineExceeded)
		}
		return fmt.Errorf("poll task %s: %w", upid, err)
	}
	if task.IsFailed {
		return fmt.Errorf("task %s failed: %s", upid, task.ExitStatus)
	}
	return nil
}
