package validation

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssgrim/daylight-rotator/pkg/rotation"
)

const probeKey = "AIzaSyD-rotated-key-0123456789abcdef"

type failingClient struct {
	err error
}

func (c *failingClient) Do(req *http.Request) (*http.Response, error) {
	return nil, c.err
}

type stubClient struct {
	status int
	last   *http.Request
}

func (c *stubClient) Do(req *http.Request) (*http.Response, error) {
	c.last = req
	return &http.Response{
		StatusCode: c.status,
		Body:       io.NopCloser(strings.NewReader("")),
		Header:     make(http.Header),
	}, nil
}

func TestNewHTTPProbe_Defaults(t *testing.T) {
	t.Parallel()

	p, err := NewHTTPProbe("geo", HTTPProbeConfig{URL: "https://maps.example.com/ping"})
	require.NoError(t, err)

	assert.Equal(t, "geo", p.Name())
	assert.Equal(t, http.MethodGet, p.config.Method)
	assert.Equal(t, []int{401, 403}, p.config.DeniedStatusCodes)
	assert.Equal(t, "Authorization", p.config.CredentialHeader)
	assert.Equal(t, "Bearer %s", p.config.CredentialFormat)
	assert.Equal(t, DefaultTimeout, p.config.Timeout)
}

func TestNewHTTPProbe_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		config HTTPProbeConfig
	}{
		{"missing url", HTTPProbeConfig{}},
		{"relative url", HTTPProbeConfig{URL: "/ping"}},
		{"post method", HTTPProbeConfig{URL: "https://x.example.com", Method: "post"}},
		{"format without verb", HTTPProbeConfig{URL: "https://x.example.com", CredentialHeader: "X-Key", CredentialFormat: "static"}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewHTTPProbe("p", tt.config)
			assert.Error(t, err)
		})
	}
}

func TestHTTPProbe_Classification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		accepted []int
		denied   []int
		status   int
		wantKind rotation.ErrorKind
	}{
		{"200 accepted by default", nil, nil, 200, ""},
		{"204 accepted by default", nil, nil, 204, ""},
		{"401 denied", nil, nil, 401, rotation.ErrValidationFailed},
		{"403 denied", nil, nil, 403, rotation.ErrValidationFailed},
		{"404 is a failure", nil, nil, 404, rotation.ErrValidationFailed},
		{"429 is a failure", nil, nil, 429, rotation.ErrValidationFailed},
		{"500 is unreachable", nil, nil, 500, rotation.ErrValidationUnreachable},
		{"503 is unreachable", nil, nil, 503, rotation.ErrValidationUnreachable},
		{"custom accepted list", []int{200, 404}, nil, 404, ""},
		{"2xx outside custom list", []int{200}, nil, 202, rotation.ErrValidationFailed},
		{"custom denied overrides accepted", []int{200, 402}, []int{402}, 402, rotation.ErrValidationFailed},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			p, err := NewHTTPProbe("svc", HTTPProbeConfig{
				URL:                 srv.URL,
				AcceptedStatusCodes: tt.accepted,
				DeniedStatusCodes:   tt.denied,
			})
			require.NoError(t, err)

			err = p.Validate(context.Background(), "svc/key", mustPayload(t, `{"apiKey":"`+probeKey+`"}`))
			if tt.wantKind == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, rotation.KindOf(err))
			assert.NotContains(t, err.Error(), probeKey)
		})
	}
}

func TestHTTPProbe_HeaderInjection(t *testing.T) {
	t.Parallel()

	var gotAuth, gotExtra, gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("X-Api-Key")
		gotExtra = r.Header.Get("Accept")
		gotMethod = r.Method
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p, err := NewHTTPProbe("svc", HTTPProbeConfig{
		URL:              srv.URL,
		Method:           "head",
		CredentialHeader: "X-Api-Key",
		CredentialFormat: "key=%s",
		Headers:          map[string]string{"Accept": "application/json"},
	})
	require.NoError(t, err)

	require.NoError(t, p.Validate(context.Background(), "svc", mustPayload(t, `{"apiKey":"`+probeKey+`"}`)))
	assert.Equal(t, "key="+probeKey, gotAuth)
	assert.Equal(t, "application/json", gotExtra)
	assert.Equal(t, http.MethodHead, gotMethod)
}

func TestHTTPProbe_QueryInjection(t *testing.T) {
	t.Parallel()

	var gotKey, gotOther, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.URL.Query().Get("key")
		gotOther = r.URL.Query().Get("address")
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p, err := NewHTTPProbe("geocoding", HTTPProbeConfig{
		URL:             srv.URL + "/maps/api/geocode/json?address=Berlin",
		CredentialQuery: "key",
	})
	require.NoError(t, err)

	require.NoError(t, p.Validate(context.Background(), "geo", mustPayload(t, `{"apiKey":"`+probeKey+`"}`)))
	assert.Equal(t, probeKey, gotKey)
	assert.Equal(t, "Berlin", gotOther)
	assert.Empty(t, gotAuth)
}

func TestHTTPProbe_TransportErrorIsRedacted(t *testing.T) {
	t.Parallel()

	p, err := NewHTTPProbe("geocoding", HTTPProbeConfig{
		URL:             "https://maps.example.com/geocode",
		CredentialQuery: "key",
	})
	require.NoError(t, err)
	p.SetClient(&failingClient{err: errors.New(`Get "https://maps.example.com/geocode?key=` + probeKey + `": dial tcp: no such host`)})

	err = p.Validate(context.Background(), "geo", mustPayload(t, `{"apiKey":"`+probeKey+`"}`))
	require.Error(t, err)
	assert.Equal(t, rotation.ErrValidationUnreachable, rotation.KindOf(err))
	assert.NotContains(t, err.Error(), probeKey)
	assert.Contains(t, err.Error(), "[REDACTED]")
}

func TestHTTPProbe_Timeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	p, err := NewHTTPProbe("slow", HTTPProbeConfig{URL: srv.URL, Timeout: 50 * time.Millisecond})
	require.NoError(t, err)

	start := time.Now()
	err = p.Validate(context.Background(), "slow", mustPayload(t, `{"token":"`+probeKey+`"}`))
	assert.Equal(t, rotation.ErrValidationUnreachable, rotation.KindOf(err))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestHTTPProbe_StubClient(t *testing.T) {
	t.Parallel()

	p, err := NewHTTPProbe("svc", HTTPProbeConfig{URL: "https://api.example.com/me"})
	require.NoError(t, err)
	client := &stubClient{status: http.StatusOK}
	p.SetClient(client)

	require.NoError(t, p.Validate(context.Background(), "svc", mustPayload(t, `{"token":"`+probeKey+`"}`)))
	require.NotNil(t, client.last)
	assert.Equal(t, "Bearer "+probeKey, client.last.Header.Get("Authorization"))
	_, hasDeadline := client.last.Context().Deadline()
	assert.True(t, hasDeadline)
}
