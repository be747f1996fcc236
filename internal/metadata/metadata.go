// Package metadata reads facts about the instance the process runs on from
// the provider's link-local metadata service.
package metadata

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"bootimage/internal/logging"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// Flavor selects the metadata dialect.
type Flavor string

const (
	FlavorGoogle Flavor = "google"
	FlavorYandex Flavor = "yandex"
	FlavorEC2    Flavor = "ec2"
)

const (
	googleBaseURL = "http://169.254.169.254/computeMetadata/v1/"
	ec2BaseURL    = "http://169.254.169.254/latest/"

	ec2TokenTTL = "21600"

	// DefaultTimeout bounds every metadata request.
	DefaultTimeout = 3 * time.Second
)

// Instance describes the local instance.
type Instance struct {
	// ID is what the provider API expects when referring to the instance:
	// the instance name on GCE, the instance ID elsewhere.
	ID      string
	Name    string
	Zone    string
	Region  string
	Project string
}

// Service resolves the local instance.
type Service interface {
	Instance(ctx context.Context) (*Instance, error)
}

// StatusError is returned for any non-200 answer.
type StatusError struct {
	Path       string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("did not get success result from metadata server for path %s, instead got %d", e.Path, e.StatusCode)
}

// Client talks to the metadata service.
type Client struct {
	flavor  Flavor
	baseURL string
	http    *retryablehttp.Client
}

// New returns a client for flavor at the well-known link-local address.
func New(flavor Flavor, timeout time.Duration) *Client {
	base := googleBaseURL
	if flavor == FlavorEC2 {
		base = ec2BaseURL
	}
	return NewWithBaseURL(flavor, base, timeout)
}

// NewWithBaseURL returns a client for a metadata service at baseURL.
func NewWithBaseURL(flavor Flavor, baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	hc := retryablehttp.NewClient()
	hc.HTTPClient.Timeout = timeout
	hc.RetryMax = 2
	hc.RetryWaitMin = 100 * time.Millisecond
	hc.RetryWaitMax = 500 * time.Millisecond
	hc.CheckRetry = retryTransportErrors
	hc.Logger = leveledLogger{logging.Logger().Named("metadata").Sugar()}

	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return &Client{flavor: flavor, baseURL: baseURL, http: hc}
}

// retryTransportErrors retries connection failures only. Any HTTP answer,
// including an error status, is final.
func retryTransportErrors(ctx context.Context, _ *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	return err != nil, nil
}

// Get returns the body stored at path.
func (c *Client) Get(ctx context.Context, path string) (string, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build metadata request: %w", err)
	}

	switch c.flavor {
	case FlavorGoogle, FlavorYandex:
		req.Header.Set("Metadata-Flavor", "Google")
	case FlavorEC2:
		token, err := c.ec2Token(ctx)
		if err != nil {
			return "", err
		}
		if token != "" {
			req.Header.Set("X-aws-ec2-metadata-token", token)
		}
	}

	return c.do(req, path)
}

// ec2Token fetches an IMDSv2 session token. Instances that only serve
// IMDSv1 answer with an error status; requests then go without a token.
func (c *Client) ec2Token(ctx context.Context) (string, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+"api/token", nil)
	if err != nil {
		return "", fmt.Errorf("failed to build metadata token request: %w", err)
	}
	req.Header.Set("X-aws-ec2-metadata-token-ttl-seconds", ec2TokenTTL)

	token, err := c.do(req, "api/token")
	var se *StatusError
	if errors.As(err, &se) {
		logging.Logger().Debug("IMDSv2 token unavailable, falling back to IMDSv1", zap.Int("status", se.StatusCode))
		return "", nil
	}
	return token, err
}

func (c *Client) do(req *retryablehttp.Request, path string) (string, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to query metadata path %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &StatusError{Path: path, StatusCode: resp.StatusCode}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read metadata path %s: %w", path, err)
	}
	return strings.TrimSpace(string(body)), nil
}

// Instance resolves the local instance.
func (c *Client) Instance(ctx context.Context) (*Instance, error) {
	switch c.flavor {
	case FlavorGoogle:
		return c.googleInstance(ctx)
	case FlavorYandex:
		return c.yandexInstance(ctx)
	case FlavorEC2:
		return c.ec2Instance(ctx)
	default:
		return nil, fmt.Errorf("unsupported metadata flavor: %s", c.flavor)
	}
}

// googleInstance uses the hostname attribute rather than the system
// hostname: users may rename the host, but GCE refers to instances by the
// name they were created with.
func (c *Client) googleInstance(ctx context.Context) (*Instance, error) {
	fqdn, err := c.Get(ctx, "instance/hostname")
	if err != nil {
		return nil, err
	}
	zone, err := c.Get(ctx, "instance/zone")
	if err != nil {
		return nil, err
	}
	project, err := c.Get(ctx, "project/project-id")
	if err != nil {
		return nil, err
	}

	name := strings.SplitN(fqdn, ".", 2)[0]
	zone = lastSegment(zone)
	return &Instance{
		ID:      name,
		Name:    name,
		Zone:    zone,
		Region:  gceRegion(zone),
		Project: project,
	}, nil
}

func (c *Client) yandexInstance(ctx context.Context) (*Instance, error) {
	id, err := c.Get(ctx, "instance/id")
	if err != nil {
		return nil, err
	}
	name, err := c.Get(ctx, "instance/name")
	if err != nil {
		return nil, err
	}
	zone, err := c.Get(ctx, "instance/zone")
	if err != nil {
		return nil, err
	}
	zone = lastSegment(zone)
	return &Instance{
		ID:     id,
		Name:   name,
		Zone:   zone,
		Region: gceRegion(zone),
	}, nil
}

func (c *Client) ec2Instance(ctx context.Context) (*Instance, error) {
	id, err := c.Get(ctx, "meta-data/instance-id")
	if err != nil {
		return nil, err
	}
	az, err := c.Get(ctx, "meta-data/placement/availability-zone")
	if err != nil {
		return nil, err
	}
	if az == "" {
		return nil, fmt.Errorf("metadata server returned an empty availability zone")
	}
	return &Instance{
		ID:     id,
		Name:   id,
		Zone:   az,
		Region: az[:len(az)-1],
	}, nil
}

func lastSegment(s string) string {
	parts := strings.Split(s, "/")
	return parts[len(parts)-1]
}

// gceRegion strips the zone letter: us-central1-a -> us-central1.
func gceRegion(zone string) string {
	if i := strings.LastIndex(zone, "-"); i > 0 {
		return zone[:i]
	}
	return zone
}

// leveledLogger adapts zap to retryablehttp.LeveledLogger.
type leveledLogger struct {
	s *zap.SugaredLogger
}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.s.Errorw(msg, kv...) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.s.Debugw(msg, kv...) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.s.Debugw(msg, kv...) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.s.Warnw(msg, kv...) }
