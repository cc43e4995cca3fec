package validation

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ssgrim/daylight-rotator/internal/logging"
	"github.com/ssgrim/daylight-rotator/pkg/rotation"
)

// DefaultTimeout bounds every probe that does not set its own timeout.
const DefaultTimeout = 5 * time.Second

// HTTPProbeConfig describes how to present a credential to an HTTP endpoint.
type HTTPProbeConfig struct {
	// URL is the endpoint to call.
	URL string

	// Method is GET or HEAD. Defaults to GET.
	Method string

	// AcceptedStatusCodes are the codes that prove the credential works.
	// Empty means any 2xx.
	AcceptedStatusCodes []int

	// DeniedStatusCodes are the codes that prove the credential is rejected.
	// Defaults to 401 and 403.
	DeniedStatusCodes []int

	// CredentialHeader carries the credential, formatted with CredentialFormat.
	CredentialHeader string

	// CredentialFormat is a printf format with one %s for the value.
	CredentialFormat string

	// CredentialQuery, when set, passes the credential as a query parameter
	// instead of a header.
	CredentialQuery string

	// Headers are extra request headers.
	Headers map[string]string

	// Timeout bounds the whole request.
	Timeout time.Duration
}

// DefaultHTTPProbeConfig returns a config that sends the credential as a
// bearer token with a GET.
func DefaultHTTPProbeConfig() HTTPProbeConfig {
	return HTTPProbeConfig{
		Method:            http.MethodGet,
		DeniedStatusCodes: []int{http.StatusUnauthorized, http.StatusForbidden},
		CredentialHeader:  "Authorization",
		CredentialFormat:  "Bearer %s",
		Timeout:           DefaultTimeout,
	}
}

// HTTPClient is the interface for making HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPProbe validates a credential by calling an endpoint that requires it.
type HTTPProbe struct {
	name   string
	config HTTPProbeConfig
	client HTTPClient
}

// NewHTTPProbe creates a probe. Zero fields in config take the defaults.
func NewHTTPProbe(name string, config HTTPProbeConfig) (*HTTPProbe, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("http probe %s: url is required", name)
	}
	u, err := url.Parse(config.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("http probe %s: invalid url %q", name, config.URL)
	}

	defaults := DefaultHTTPProbeConfig()
	config.Method = strings.ToUpper(config.Method)
	switch config.Method {
	case "":
		config.Method = defaults.Method
	case http.MethodGet, http.MethodHead:
	default:
		return nil, fmt.Errorf("http probe %s: method must be GET or HEAD, got %s", name, config.Method)
	}
	if len(config.DeniedStatusCodes) == 0 {
		config.DeniedStatusCodes = defaults.DeniedStatusCodes
	}
	if config.CredentialQuery == "" {
		if config.CredentialHeader == "" {
			config.CredentialHeader = defaults.CredentialHeader
			if config.CredentialFormat == "" {
				config.CredentialFormat = defaults.CredentialFormat
			}
		}
		if config.CredentialFormat == "" {
			config.CredentialFormat = "%s"
		}
		if strings.Count(config.CredentialFormat, "%s") != 1 {
			return nil, fmt.Errorf("http probe %s: credential format must contain exactly one %%s", name)
		}
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}

	return &HTTPProbe{
		name:   name,
		config: config,
		client: &http.Client{Timeout: config.Timeout},
	}, nil
}

// SetClient sets a custom HTTP client (for testing).
func (p *HTTPProbe) SetClient(client HTTPClient) {
	p.client = client
}

// Name returns the probe name.
func (p *HTTPProbe) Name() string {
	return p.name
}

// Validate implements rotation.Validator.
func (p *HTTPProbe) Validate(ctx context.Context, secretID string, payload rotation.Payload) error {
	value := payload.Value()
	redact := func(s string) string {
		return logging.Redact(s, []string{value, url.QueryEscape(value)})
	}

	ctx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	req, err := p.buildRequest(ctx, value)
	if err != nil {
		return rotation.Errorf(rotation.ErrValidationUnreachable, secretID,
			"building probe request: %s", redact(err.Error()))
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return rotation.Errorf(rotation.ErrValidationUnreachable, secretID,
			"probe %s: %s", p.name, redact(err.Error()))
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	return p.classify(secretID, resp.StatusCode)
}

func (p *HTTPProbe) buildRequest(ctx context.Context, value string) (*http.Request, error) {
	target := p.config.URL
	if p.config.CredentialQuery != "" {
		u, err := url.Parse(target)
		if err != nil {
			return nil, err
		}
		q := u.Query()
		q.Set(p.config.CredentialQuery, value)
		u.RawQuery = q.Encode()
		target = u.String()
	}

	req, err := http.NewRequestWithContext(ctx, p.config.Method, target, nil)
	if err != nil {
		return nil, err
	}
	for key, v := range p.config.Headers {
		req.Header.Set(key, v)
	}
	if p.config.CredentialHeader != "" {
		req.Header.Set(p.config.CredentialHeader, fmt.Sprintf(p.config.CredentialFormat, value))
	}
	return req, nil
}

func (p *HTTPProbe) classify(secretID string, status int) error {
	switch {
	case containsCode(p.config.DeniedStatusCodes, status):
		return rotation.Errorf(rotation.ErrValidationFailed, secretID,
			"probe %s denied the credential with status %d", p.name, status)
	case len(p.config.AcceptedStatusCodes) > 0 && containsCode(p.config.AcceptedStatusCodes, status):
		return nil
	case len(p.config.AcceptedStatusCodes) == 0 && status >= 200 && status < 300:
		return nil
	case status >= 500:
		return rotation.Errorf(rotation.ErrValidationUnreachable, secretID,
			"probe %s returned status %d", p.name, status)
	}
	return rotation.Errorf(rotation.ErrValidationFailed, secretID,
		"probe %s returned unexpected status %d", p.name, status)
}

func containsCode(codes []int, code int) bool {
	for _, c := range codes {
		if c == code {
			return true
		}
	}
	return false
}
