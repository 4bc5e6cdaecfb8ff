package jenkins

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	crumbIssuerURL     = "/crumbIssuer/api/json"
	createNodeURL      = "/computer/doCreateItem"
	deleteNodeURL      = "/computer/%s/doDelete"
	toggleOfflineURL   = "/computer/%s/toggleOffline"
	nodeInformationURL = "/computer/%s/api/json"

	defaultTimeout = 30 * time.Second
)

// Jenkins talks to the node management endpoints of a Jenkins master.
// A Jenkins value is not safe for concurrent use.
type Jenkins struct {
	MasterBaseAPI string
	MasterUser    string
	MasterToken   string

	httpClient *http.Client
	logger     zerolog.Logger
	metrics    *ClientMetrics

	crumbFetched bool
	crumbField   string
	crumb        string
}

// Option configures a Jenkins client.
type Option func(*Jenkins)

// WithLogger sets the logger used for request tracing.
func WithLogger(logger zerolog.Logger) Option {
	return func(j *Jenkins) {
		j.logger = logger
	}
}

// WithMetrics records request counts and latency in m.
func WithMetrics(m *ClientMetrics) Option {
	return func(j *Jenkins) {
		j.metrics = m
	}
}

// WithHTTPClient replaces the default http client.
func WithHTTPClient(c *http.Client) Option {
	return func(j *Jenkins) {
		j.httpClient = c
	}
}

// New returns a client for the master at masterBaseAPI using basic auth.
func New(masterBaseAPI string, masterUser string, masterToken string, opts ...Option) *Jenkins {
	j := &Jenkins{
		MasterBaseAPI: strings.TrimSuffix(masterBaseAPI, "/"),
		MasterUser:    masterUser,
		MasterToken:   masterToken,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
			// Jenkins answers form posts with a redirect to the computer page;
			// send decides which redirects count as success.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(j)
	}
	j.logger = j.logger.With().Str("client", "jenkins").Logger()
	return j
}

// NodeExists reports whether a node called name is registered.
func (jenkins *Jenkins) NodeExists(ctx context.Context, name string) (bool, error) {
	response, err := jenkins.do(ctx, "node exists", http.MethodGet, nodeInformationURL, name, url.Values{"depth": {"0"}}, nil)
	if err != nil {
		if IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	response.Body.Close()
	return true, nil
}

// GetNodeStatus fetches the current state of the named node.
func (jenkins *Jenkins) GetNodeStatus(ctx context.Context, name string) (*NodeStatus, error) {
	response, err := jenkins.do(ctx, "node status", http.MethodGet, nodeInformationURL, name, nil, nil)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()
	var ns NodeStatus
	if err := json.NewDecoder(response.Body).Decode(&ns); err != nil {
		return nil, &Error{Op: "node status", StatusCode: response.StatusCode, Err: fmt.Errorf("failed to parse node status json output: %w", err)}
	}
	return &ns, nil
}

// CreateNode registers a permanent agent described by spec.
func (jenkins *Jenkins) CreateNode(ctx context.Context, spec NodeSpec) error {
	inner, err := json.Marshal(spec.form())
	if err != nil {
		return fmt.Errorf("encoding node %s: %w", spec.Name, err)
	}
	form := url.Values{
		"name": {spec.Name},
		"type": {nodeType},
		"json": {string(inner)},
	}
	response, err := jenkins.do(ctx, "create node", http.MethodPost, createNodeURL, "", nil, form)
	if err != nil {
		return err
	}
	response.Body.Close()
	return nil
}

// DeleteNode removes the named node from the master.
func (jenkins *Jenkins) DeleteNode(ctx context.Context, name string) error {
	response, err := jenkins.do(ctx, "delete node", http.MethodPost, deleteNodeURL, name, nil, url.Values{})
	if err != nil {
		return err
	}
	response.Body.Close()
	return nil
}

// ToggleOffline flips the temporary offline flag of the named node.
// message is recorded as the offline cause and ignored when bringing the node back.
func (jenkins *Jenkins) ToggleOffline(ctx context.Context, name string, message string) error {
	form := url.Values{}
	if message != "" {
		form.Set("offlineMessage", message)
	}
	response, err := jenkins.do(ctx, "toggle offline", http.MethodPost, toggleOfflineURL, name, nil, form)
	if err != nil {
		return err
	}
	response.Body.Close()
	return nil
}

// fetchCrumb acquires a CSRF protection token for mutating requests.
// Masters without CSRF protection answer 404, which is remembered as "no crumb".
func (jenkins *Jenkins) fetchCrumb(ctx context.Context) error {
	if jenkins.crumbFetched {
		return nil
	}
	response, err := jenkins.send(ctx, "crumb", http.MethodGet, crumbIssuerURL, crumbIssuerURL, nil, nil)
	if err != nil {
		if IsNotFound(err) {
			jenkins.crumbFetched = true
			return nil
		}
		return err
	}
	defer response.Body.Close()
	crumbResp := struct {
		Crumb             string `json:"crumb"`
		CrumbRequestField string `json:"crumbRequestField"`
	}{}
	if err := json.NewDecoder(response.Body).Decode(&crumbResp); err != nil {
		return &Error{Op: "crumb", StatusCode: response.StatusCode, Err: fmt.Errorf("cannot unmarshal crumb response: %w", err)}
	}
	jenkins.crumb = crumbResp.Crumb
	jenkins.crumbField = crumbResp.CrumbRequestField
	jenkins.crumbFetched = true
	return nil
}

// do builds the URL for a node endpoint and executes the request once.
// Mutating requests carry the CSRF crumb when the master issues one.
func (jenkins *Jenkins) do(ctx context.Context, op, method, pathFormat, name string, query url.Values, form url.Values) (*http.Response, error) {
	path := pathFormat
	if strings.Contains(pathFormat, "%s") {
		if name == "" {
			return nil, ErrEmptyNodeName
		}
		path = fmt.Sprintf(pathFormat, url.PathEscape(name))
	}
	if method == http.MethodPost {
		if err := jenkins.fetchCrumb(ctx); err != nil {
			return nil, err
		}
	}
	return jenkins.send(ctx, op, method, path, pathFormat, query, form)
}

func (jenkins *Jenkins) send(ctx context.Context, op, method, path, handler string, query url.Values, form url.Values) (*http.Response, error) {
	// A request we cannot build is our bug, not a Jenkins failure.
	request, err := jenkins.newRequest(ctx, method, path, query, form)
	if err != nil {
		return nil, fmt.Errorf("building %s request: %w", op, err)
	}
	jenkins.logger.Debug().Str("method", method).Str("path", path).Msg("jenkins request")

	start := time.Now()
	response, err := jenkins.httpClient.Do(request)
	if err != nil {
		return nil, &Error{Op: op, Err: err}
	}
	jenkins.measure(method, handler, response.StatusCode, start)

	if !accepted(method, response.StatusCode) {
		defer response.Body.Close()
		if event := jenkins.logger.Debug(); event.Enabled() {
			buffer := new(bytes.Buffer)
			_, _ = buffer.ReadFrom(io.LimitReader(response.Body, 64<<10))
			event.Msgf("jenkins response:\n %v", buffer.String())
		}
		return nil, &Error{Op: op, StatusCode: response.StatusCode, Err: fmt.Errorf("jenkins returned %s", response.Status)}
	}
	return response, nil
}

// accepted reports whether code means success. Only form posts may be
// answered with a redirect; a redirected read usually points at a login
// page or another scheme and says nothing about the node.
func accepted(method string, code int) bool {
	if code >= 200 && code < 300 {
		return true
	}
	return method == http.MethodPost && code >= 300 && code < 400
}

func (jenkins *Jenkins) newRequest(ctx context.Context, method, path string, query url.Values, form url.Values) (*http.Request, error) {
	requestURL := jenkins.MasterBaseAPI + path
	if len(query) > 0 {
		requestURL = requestURL + "?" + query.Encode()
	}
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	request, err := http.NewRequestWithContext(ctx, method, requestURL, body)
	if err != nil {
		return nil, err
	}
	request.SetBasicAuth(jenkins.MasterUser, jenkins.MasterToken)
	if form != nil {
		request.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if method == http.MethodPost && jenkins.crumbField != "" && jenkins.crumb != "" {
		request.Header.Set(jenkins.crumbField, jenkins.crumb)
	}
	return request, nil
}

// measure records metrics about the provided method, path template, and code.
// start needs to be recorded before doing the request.
func (jenkins *Jenkins) measure(method, handler string, code int, start time.Time) {
	if jenkins.metrics == nil {
		return
	}
	jenkins.metrics.RequestLatency.WithLabelValues(method, handler).Observe(time.Since(start).Seconds())
	jenkins.metrics.Requests.WithLabelValues(method, handler, fmt.Sprintf("%d", code)).Inc()
}
