// Package jira provides a minimal client for the Jira REST API.
package jira

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/itchyny/gojq"
	"go.uber.org/zap"

	"github.com/simplesurance/automerger/internal/amerr"
	"github.com/simplesurance/automerger/internal/logfields"
)

const DefaultHTTPClientTimeout = time.Minute

const loggerName = "jira_client"

// ErrNoTransition is returned when an issue can not be transitioned into the
// resolved status.
var ErrNoTransition = errors.New("no transition to resolved status available")

type Config struct {
	URL      string
	User     string
	Password string
	// ResolvedStatus is the name of the status issues are transitioned
	// to by Resolve.
	ResolvedStatus string
	// TransitionQuery is a jq expression that is run on the response of
	// the transitions endpoint and returns the ID of the transition that
	// resolves the issue. The target status name is available as
	// $status.
	TransitionQuery string
}

type Client struct {
	baseURL        string
	user           string
	password       string
	resolvedStatus string

	transitionQuery *gojq.Code
	statusQuery     *gojq.Code

	client *http.Client
	logger *zap.Logger
}

// Issue is a jira issue.
type Issue struct {
	Key    string
	Status string
}

// HTTPError is returned when the API responded with an unexpected status
// code.
type HTTPError struct {
	Body   []byte
	Status int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http request failed with StatusCode: %d, response: %q", e.Status, string(e.Body))
}

func compileQuery(query string, variables ...string) (*gojq.Code, error) {
	q, err := gojq.Parse(query)
	if err != nil {
		return nil, fmt.Errorf("parsing jq query %q failed: %w", query, err)
	}

	code, err := gojq.Compile(q, gojq.WithVariables(variables))
	if err != nil {
		return nil, fmt.Errorf("compiling jq query %q failed: %w", query, err)
	}

	return code, nil
}

func New(cfg *Config) (*Client, error) {
	transitionQuery, err := compileQuery(cfg.TransitionQuery, "$status")
	if err != nil {
		return nil, err
	}

	statusQuery, err := compileQuery(".fields.status.name")
	if err != nil {
		return nil, err
	}

	return &Client{
		baseURL:         strings.TrimSuffix(cfg.URL, "/"),
		user:            cfg.User,
		password:        cfg.Password,
		resolvedStatus:  cfg.ResolvedStatus,
		transitionQuery: transitionQuery,
		statusQuery:     statusQuery,
		client: &http.Client{
			Timeout: DefaultHTTPClientTimeout,
		},
		logger: zap.L().Named(loggerName),
	}, nil
}

// do sends a request to the API and decodes the JSON response into a generic
// value.
// Network errors and 5xx responses are returned as amerr.RetryableError.
func (c *Client) do(ctx context.Context, method, path string, reqBody any) (any, error) {
	var body io.Reader

	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return nil, err
		}

		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}

	req.SetBasicAuth(c.user, c.password)
	req.Header.Set("Accept", "application/json")
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}

		return nil, amerr.NewRetryableAnytimeError(err)
	}

	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, amerr.NewRetryableAnytimeError(fmt.Errorf("reading response body failed: %w", err))
	}

	if resp.StatusCode >= 500 && resp.StatusCode < 600 {
		return nil, amerr.NewRetryableAnytimeError(&HTTPError{Body: respBody, Status: resp.StatusCode})
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &HTTPError{Body: respBody, Status: resp.StatusCode}
	}

	if len(bytes.TrimSpace(respBody)) == 0 {
		return nil, nil
	}

	var result any
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("decoding response body failed: %w", err)
	}

	return result, nil
}

func issuePath(key string) string {
	return "/rest/api/2/issue/" + url.PathEscape(key)
}

// runQuery runs code on input and returns the first result as string.
// If the query returns no result, an empty string is returned.
func runQuery(code *gojq.Code, input any, vars ...any) (string, error) {
	iter := code.Run(input, vars...)

	for {
		v, ok := iter.Next()
		if !ok {
			return "", nil
		}

		if err, isErr := v.(error); isErr {
			return "", err
		}

		switch val := v.(type) {
		case nil:
			continue
		case string:
			return val, nil
		default:
			return fmt.Sprint(val), nil
		}
	}
}

// GetIssue returns the issue with the given key.
func (c *Client) GetIssue(ctx context.Context, key string) (*Issue, error) {
	resp, err := c.do(ctx, http.MethodGet, issuePath(key)+"?fields=status", nil)
	if err != nil {
		return nil, err
	}

	status, err := runQuery(c.statusQuery, resp)
	if err != nil {
		return nil, fmt.Errorf("extracting status from issue %s failed: %w", key, err)
	}

	return &Issue{Key: key, Status: status}, nil
}

// AddComment adds a comment to an issue.
func (c *Client) AddComment(ctx context.Context, key, comment string) error {
	_, err := c.do(ctx, http.MethodPost, issuePath(key)+"/comment", map[string]string{"body": comment})
	return err
}

// Resolve transitions the issue into the resolved status.
// If the issue is already in the resolved status, nothing is done.
func (c *Client) Resolve(ctx context.Context, key string) error {
	logger := c.logger.With(logfields.Ticket(key))

	issue, err := c.GetIssue(ctx, key)
	if err != nil {
		return err
	}

	if strings.EqualFold(issue.Status, c.resolvedStatus) {
		logger.Debug("issue is already resolved", logfields.Event("jira_issue_already_resolved"))
		return nil
	}

	transitions, err := c.do(ctx, http.MethodGet, issuePath(key)+"/transitions", nil)
	if err != nil {
		return err
	}

	id, err := runQuery(c.transitionQuery, transitions, c.resolvedStatus)
	if err != nil {
		return fmt.Errorf("evaluating transition query failed: %w", err)
	}

	if id == "" {
		return fmt.Errorf("%s: %w (status: %q)", key, ErrNoTransition, issue.Status)
	}

	_, err = c.do(ctx, http.MethodPost, issuePath(key)+"/transitions", map[string]any{
		"transition": map[string]string{"id": id},
	})
	if err != nil {
		return err
	}

	logger.Info(
		"issue resolved",
		logfields.Event("jira_issue_resolved"),
		zap.String("jira_transition_id", id),
		zap.String("jira_previous_status", issue.Status),
	)

	return nil
}
