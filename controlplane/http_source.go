package controlplane

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/aponysus/rerun/policy"
)

// DefaultAPIURL is the flaky-test endpoint used when none is configured.
const DefaultAPIURL = "https://api.aviator.co/api/v1/flaky-tests"

//go:embed flaky_tests.schema.json
var responseSchemaJSON []byte

var (
	responseSchemaOnce sync.Once
	responseSchema     *jsonschema.Schema
	responseSchemaErr  error
)

func compiledResponseSchema() (*jsonschema.Schema, error) {
	responseSchemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource("flaky_tests.schema.json", bytes.NewReader(responseSchemaJSON)); err != nil {
			responseSchemaErr = err
			return
		}
		responseSchema, responseSchemaErr = c.Compile("flaky_tests.schema.json")
	})
	return responseSchema, responseSchemaErr
}

// Response is the wire shape of the flaky-test endpoint.
type Response struct {
	FlakyTests []policy.Entry `json:"flaky_tests"`
}

// HTTPSource fetches entries from the flaky-test HTTP endpoint.
type HTTPSource struct {
	URL    string
	Token  string
	Client *http.Client

	// MaxBodyBytes caps the response size. Zero means 8 MiB.
	MaxBodyBytes int64
}

// NewHTTPSource returns a source for endpoint authenticated with token.
func NewHTTPSource(endpoint, token string, timeout time.Duration) *HTTPSource {
	if endpoint == "" {
		endpoint = DefaultAPIURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPSource{
		URL:    endpoint,
		Token:  token,
		Client: &http.Client{Timeout: timeout},
	}
}

// FetchEntries issues GET <url>?repo_name=..&job_name=.. with a bearer token.
func (s *HTTPSource) FetchEntries(ctx context.Context, q Query) ([]policy.Entry, error) {
	u, err := url.Parse(s.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid url %q: %v", ErrPolicyFetchFailed, s.URL, err)
	}
	params := u.Query()
	params.Set("repo_name", q.RepoName)
	params.Set("job_name", q.JobName)
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPolicyFetchFailed, err)
	}
	req.Header.Set("Authorization", "Bearer "+s.Token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	limit := s.MaxBodyBytes
	if limit <= 0 {
		limit = 8 << 20
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrProviderUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrPolicyNotFound
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: http %d", ErrProviderUnavailable, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, fmt.Errorf("%w: http %d: %s", ErrPolicyFetchFailed, resp.StatusCode, snippet(body))
	}

	return DecodeResponse(body)
}

// DecodeResponse validates body against the response schema and returns its
// entries. Entries without a test name are dropped.
func DecodeResponse(body []byte) ([]policy.Entry, error) {
	schema, err := compiledResponseSchema()
	if err != nil {
		return nil, fmt.Errorf("%w: compile schema: %v", ErrPolicyFetchFailed, err)
	}

	var raw any
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrPolicyFetchFailed, err)
	}
	if err := schema.Validate(raw); err != nil {
		return nil, fmt.Errorf("%w: invalid response: %v", ErrPolicyFetchFailed, err)
	}

	var out Response
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrPolicyFetchFailed, err)
	}

	entries := out.FlakyTests[:0]
	for _, e := range out.FlakyTests {
		if strings.TrimSpace(e.TestName) == "" {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
