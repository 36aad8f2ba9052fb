package export

import (
	"context"
	"errors"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/ZhiquAI/zhiyue3.0-sub004/errs"
	"github.com/ZhiquAI/zhiyue3.0-sub004/retry"
)

// DefaultHTTPTimeout bounds one delivery request.
const DefaultHTTPTimeout = 30 * time.Second

var errEmptyExportURL = errors.New("export url must not be empty")

// HTTPConfig holds HTTP sink settings.
type HTTPConfig struct {
	// URL is the endpoint the bundle is POSTed to.
	URL string `yaml:"url" env:"EXPORT_URL"`
	// AuthToken is sent as a bearer token when set.
	AuthToken string `yaml:"auth_token" env:"EXPORT_AUTH_TOKEN"`
	// Timeout bounds one request.
	Timeout time.Duration `yaml:"timeout" env:"EXPORT_TIMEOUT"`
	// Retry governs redelivery of retryable failures.
	Retry retry.Policy `yaml:"-"`
}

// SetDefaults fills unset fields.
func (c *HTTPConfig) SetDefaults() {
	if c.Timeout == 0 {
		c.Timeout = DefaultHTTPTimeout
	}
	if c.Retry == (retry.Policy{}) {
		c.Retry = retry.DefaultPolicy()
	}
}

// Validate checks the config for invalid values.
func (c HTTPConfig) Validate() error {
	if c.URL == "" {
		return errEmptyExportURL
	}
	return c.Retry.Validate()
}

// HTTPSink POSTs bundles to a collection endpoint, retrying retryable
// failures per the configured policy.
type HTTPSink struct {
	url    string
	client *resty.Client
	policy retry.Policy
}

// NewHTTPSink creates an HTTP sink.
func NewHTTPSink(cfg HTTPConfig) (*HTTPSink, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errs.Wrap(errs.KindValidation, "export.http", err)
	}

	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetHeader("User-Agent", "gradeflow/1.0")
	if cfg.AuthToken != "" {
		client.SetAuthToken(cfg.AuthToken)
	}

	return &HTTPSink{
		url:    cfg.URL,
		client: client,
		policy: cfg.Retry,
	}, nil
}

// Deliver implements Sink. Transport failures and retryable statuses are
// retried; validation and permission responses surface immediately.
func (s *HTTPSink) Deliver(ctx context.Context, bundle Bundle) error {
	return retry.Do(ctx, s.policy, func() error {
		resp, err := s.client.R().
			SetContext(ctx).
			SetHeader("Content-Type", "application/json").
			SetBody(bundle).
			Post(s.url)
		if err != nil {
			return errs.Wrap(errs.KindTransient, "export.http", err)
		}
		return errs.FromHTTPStatus("export.http", resp.StatusCode())
	})
}
