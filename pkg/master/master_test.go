package master

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devsbb/jenkins-node-registrar/pkg/config"
	"github.com/devsbb/jenkins-node-registrar/pkg/jenkins"
)

// jenkinsStub keeps nodes in memory. createNode can be swapped to inject failures.
type jenkinsStub struct {
	url, username, password string

	nodes      []jenkins.NodeSpec
	offline    map[string]bool
	toggles    []string
	createNode func(ctx context.Context, spec jenkins.NodeSpec) error
}

func newJenkinsStub() *jenkinsStub {
	stub := &jenkinsStub{offline: map[string]bool{}}
	stub.createNode = stub.create
	return stub
}

func (s *jenkinsStub) factory(url, username, password string) Client {
	s.url, s.username, s.password = url, username, password
	return s
}

func (s *jenkinsStub) NodeExists(_ context.Context, name string) (bool, error) {
	for _, node := range s.nodes {
		if node.Name == name {
			return true, nil
		}
	}
	return false, nil
}

func (s *jenkinsStub) create(_ context.Context, spec jenkins.NodeSpec) error {
	s.nodes = append(s.nodes, spec)
	return nil
}

func (s *jenkinsStub) CreateNode(ctx context.Context, spec jenkins.NodeSpec) error {
	return s.createNode(ctx, spec)
}

func (s *jenkinsStub) DeleteNode(_ context.Context, name string) error {
	for i, node := range s.nodes {
		if node.Name == name {
			s.nodes = append(s.nodes[:i], s.nodes[i+1:]...)
			return nil
		}
	}
	return &jenkins.Error{Op: "delete node", StatusCode: http.StatusNotFound, Err: errors.New("404 Not Found")}
}

func (s *jenkinsStub) GetNodeStatus(ctx context.Context, name string) (*jenkins.NodeStatus, error) {
	exists, _ := s.NodeExists(ctx, name)
	if !exists {
		return nil, &jenkins.Error{Op: "node status", StatusCode: http.StatusNotFound, Err: errors.New("404 Not Found")}
	}
	return &jenkins.NodeStatus{DisplayName: name, TemporarilyOffline: s.offline[name], Offline: s.offline[name]}, nil
}

func (s *jenkinsStub) ToggleOffline(_ context.Context, name string, _ string) error {
	s.toggles = append(s.toggles, name)
	s.offline[name] = !s.offline[name]
	return nil
}

type logLine struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

func logLines(t *testing.T, buf *bytes.Buffer) []logLine {
	t.Helper()
	var lines []logLine
	scanner := bufio.NewScanner(bytes.NewReader(buf.Bytes()))
	for scanner.Scan() {
		var line logLine
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
		lines = append(lines, line)
	}
	return lines
}

type fixture struct {
	settings *viper.Viper
	jenkins  *jenkinsStub
	logs     *bytes.Buffer
	delays   []time.Duration
	metrics  *jenkins.ClientMetrics
	master   *Master
}

func newFixture() *fixture {
	f := &fixture{
		settings: viper.New(),
		jenkins:  newJenkinsStub(),
		logs:     &bytes.Buffer{},
		metrics:  jenkins.NewMetrics(prometheus.NewRegistry()),
	}
	f.settings.Set(config.UsernameKey, "admin")
	f.settings.Set(config.PasswordKey, "sekret")
	f.master = New(f.settings, f.jenkins.factory,
		WithLogger(zerolog.New(f.logs).Level(zerolog.DebugLevel)),
		WithMetrics(f.metrics),
		WithSleep(func(_ context.Context, d time.Duration) error {
			f.delays = append(f.delays, d)
			return nil
		}),
	)
	return f
}

func TestUsername(t *testing.T) {
	f := newFixture()

	assert.Equal(t, "admin", f.master.Username())
}

func TestPasswordFromConfig(t *testing.T) {
	f := newFixture()

	assert.Equal(t, "sekret", f.master.Password())
}

func TestPasswordFromGeneratedPassword(t *testing.T) {
	f := newFixture()
	f.settings.Set(config.PasswordKey, "")
	f.settings.Set(config.GeneratedPasswordKey, "aodlaod")

	assert.Equal(t, "aodlaod", f.master.Password())
}

func TestURL(t *testing.T) {
	f := newFixture()
	assert.Equal(t, config.DefaultURL, f.master.URL())

	f.settings.Set(config.URLKey, "https://ci.example.com/")
	assert.Equal(t, "https://ci.example.com/", f.master.URL())
}

func TestAddNode(t *testing.T) {
	f := newFixture()

	require.NoError(t, f.master.AddNode(context.Background(), "slave-0", 1, []string{"python"}))

	require.Len(t, f.jenkins.nodes, 1)
	node := f.jenkins.nodes[0]
	assert.Equal(t, "slave-0", node.Name)
	assert.Equal(t, 2, node.NumExecutors)
	assert.Equal(t, "slave-0", node.Description)
	assert.Equal(t, []string{"python"}, node.Labels)

	assert.Equal(t, config.DefaultURL, f.jenkins.url)
	assert.Equal(t, "admin", f.jenkins.username)
	assert.Equal(t, "sekret", f.jenkins.password)
}

func TestAddNodeUsesConfiguredRemoteFS(t *testing.T) {
	f := newFixture()
	f.settings.Set(config.RemoteFSKey, "/srv/jenkins")

	require.NoError(t, f.master.AddNode(context.Background(), "slave-0", 4, nil))

	require.Len(t, f.jenkins.nodes, 1)
	assert.Equal(t, "/srv/jenkins", f.jenkins.nodes[0].RemoteFS)
	assert.Equal(t, 8, f.jenkins.nodes[0].NumExecutors)
}

func TestAddNodeExists(t *testing.T) {
	f := newFixture()
	f.jenkins.nodes = []jenkins.NodeSpec{{Name: "slave-0", NumExecutors: 1, Description: "slave-0"}}

	require.NoError(t, f.master.AddNode(context.Background(), "slave-0", 1, []string{"python"}))

	assert.Len(t, f.jenkins.nodes, 1)
	lines := logLines(t, f.logs)
	require.NotEmpty(t, lines)
	assert.Equal(t, logLine{Level: "debug", Message: "Node exists - not adding"}, lines[len(lines)-1])
}

func TestAddNodeTransientFailure(t *testing.T) {
	f := newFixture()
	tries := 0
	f.jenkins.createNode = func(ctx context.Context, spec jenkins.NodeSpec) error {
		tries++
		if tries == 1 {
			return &jenkins.Error{Op: "create node", StatusCode: http.StatusInternalServerError, Err: errors.New("error")}
		}
		return f.jenkins.create(ctx, spec)
	}

	require.NoError(t, f.master.AddNode(context.Background(), "slave-0", 1, []string{"python"}))

	assert.Len(t, f.jenkins.nodes, 1)
	assert.Equal(t, 2, tries)
	assert.Equal(t, []time.Duration{2 * time.Second}, f.delays)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.RequestRetries))
}

func TestAddNodeRetryGiveUp(t *testing.T) {
	f := newFixture()
	tries := 0
	f.jenkins.createNode = func(context.Context, jenkins.NodeSpec) error {
		tries++
		return &jenkins.Error{Op: "create node", Err: errors.New("error")}
	}

	err := f.master.AddNode(context.Background(), "slave-0", 1, nil)

	require.Error(t, err)
	var apiErr *jenkins.Error
	assert.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 3, tries)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, f.delays)
	assert.Empty(t, f.jenkins.nodes)
}

func TestAddNodeOtherErrorsAreNotRetried(t *testing.T) {
	f := newFixture()
	boom := errors.New("boom")
	tries := 0
	f.jenkins.createNode = func(context.Context, jenkins.NodeSpec) error {
		tries++
		return boom
	}

	err := f.master.AddNode(context.Background(), "slave-0", 1, nil)

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, tries)
	assert.Empty(t, f.delays)
}

func TestAddNodeStopsRetryingWhenCancelled(t *testing.T) {
	f := newFixture()
	ctx, cancel := context.WithCancel(context.Background())
	tries := 0
	f.jenkins.createNode = func(context.Context, jenkins.NodeSpec) error {
		tries++
		cancel()
		return &jenkins.Error{Op: "create node", Err: context.Canceled}
	}

	err := f.master.AddNode(ctx, "slave-0", 1, nil)

	require.Error(t, err)
	assert.Equal(t, 1, tries)
	assert.Empty(t, f.delays)
}

func TestAddNodeSpurious(t *testing.T) {
	f := newFixture()
	f.jenkins.createNode = func(context.Context, jenkins.NodeSpec) error { return nil }

	require.NoError(t, f.master.AddNode(context.Background(), "slave-0", 1, []string{"python"}))

	lines := logLines(t, f.logs)
	require.NotEmpty(t, lines)
	assert.Equal(t, logLine{Level: "warn", Message: "Failed to create node 'slave-0'"}, lines[len(lines)-1])
}

func TestDeleteNode(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	require.NoError(t, f.master.AddNode(ctx, "slave-0", 1, []string{"python"}))
	require.NoError(t, f.master.DeleteNode(ctx, "slave-0"))

	assert.Empty(t, f.jenkins.nodes)
}

func TestDeleteNodeNotPresent(t *testing.T) {
	f := newFixture()

	require.NoError(t, f.master.DeleteNode(context.Background(), "slave-0"))

	assert.Empty(t, f.jenkins.nodes)
	lines := logLines(t, f.logs)
	require.NotEmpty(t, lines)
	assert.Equal(t, logLine{Level: "info", Message: "Node 'slave-0' does not exist - not deleting"}, lines[len(lines)-1])
}

func TestSetNodeOfflineAndOnline(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	require.NoError(t, f.master.AddNode(ctx, "slave-0", 1, nil))

	require.NoError(t, f.master.SetNodeOffline(ctx, "slave-0", "spot interruption"))
	require.NoError(t, f.master.SetNodeOffline(ctx, "slave-0", "spot interruption"))
	assert.Equal(t, []string{"slave-0"}, f.jenkins.toggles)

	status, err := f.master.NodeStatus(ctx, "slave-0")
	require.NoError(t, err)
	assert.False(t, status.Online())

	require.NoError(t, f.master.SetNodeOnline(ctx, "slave-0"))
	require.NoError(t, f.master.SetNodeOnline(ctx, "slave-0"))
	assert.Equal(t, []string{"slave-0", "slave-0"}, f.jenkins.toggles)
}

func TestNodeStatusUnknownNode(t *testing.T) {
	f := newFixture()

	_, err := f.master.NodeStatus(context.Background(), "slave-0")

	assert.True(t, jenkins.IsNotFound(err))
}

func TestEmptyHostIsRejected(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	assert.ErrorIs(t, f.master.AddNode(ctx, "", 1, nil), ErrEmptyHost)
	assert.ErrorIs(t, f.master.DeleteNode(ctx, ""), ErrEmptyHost)
	assert.ErrorIs(t, f.master.SetNodeOffline(ctx, "", "spot interruption"), ErrEmptyHost)
	assert.ErrorIs(t, f.master.SetNodeOnline(ctx, ""), ErrEmptyHost)
	_, err := f.master.NodeStatus(ctx, "")
	assert.ErrorIs(t, err, ErrEmptyHost)

	assert.Empty(t, f.jenkins.nodes)
	assert.Empty(t, f.jenkins.toggles)
	assert.Empty(t, f.delays)
	assert.Equal(t, float64(0), testutil.ToFloat64(f.metrics.RequestRetries))
}

func TestAddNodeRetryIsLoggedForNode(t *testing.T) {
	f := newFixture()
	tries := 0
	f.jenkins.createNode = func(ctx context.Context, spec jenkins.NodeSpec) error {
		tries++
		if tries == 1 {
			return &jenkins.Error{Op: "create node", StatusCode: http.StatusBadGateway, Err: errors.New("502 Bad Gateway")}
		}
		return f.jenkins.create(ctx, spec)
	}

	require.NoError(t, f.master.AddNode(context.Background(), "slave-0", 1, nil))

	var retried []map[string]interface{}
	scanner := bufio.NewScanner(bytes.NewReader(f.logs.Bytes()))
	for scanner.Scan() {
		var line map[string]interface{}
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
		if line["message"] == "Retrying 'add node' 2 more times (delay=2s)" {
			retried = append(retried, line)
		}
	}
	require.Len(t, retried, 1)
	assert.Equal(t, "info", retried[0]["level"])
	assert.Equal(t, "slave-0", retried[0]["node"])
}
