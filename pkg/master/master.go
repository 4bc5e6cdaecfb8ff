// Package master registers and removes agent nodes on the Jenkins master
// using the admin credentials found in the service configuration.
package master

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/devsbb/jenkins-node-registrar/pkg/config"
	"github.com/devsbb/jenkins-node-registrar/pkg/jenkins"
)

const (
	addNodeRetries   = 2
	addNodeBaseDelay = 2 * time.Second
)

// ErrEmptyHost is returned when a node operation is given no host name.
var ErrEmptyHost = errors.New("host must not be empty")

// Settings is the read-only key-value view of the service configuration.
// *viper.Viper satisfies it.
type Settings interface {
	GetString(key string) string
}

// Client is the part of the Jenkins API the master drives.
type Client interface {
	NodeExists(ctx context.Context, name string) (bool, error)
	CreateNode(ctx context.Context, spec jenkins.NodeSpec) error
	DeleteNode(ctx context.Context, name string) error
	GetNodeStatus(ctx context.Context, name string) (*jenkins.NodeStatus, error)
	ToggleOffline(ctx context.Context, name string, message string) error
}

// ClientFactory builds a Jenkins client for the given master and credentials.
type ClientFactory func(url, username, password string) Client

// Master encapsulates operations on the Jenkins master.
type Master struct {
	settings  Settings
	newClient ClientFactory
	logger    zerolog.Logger
	metrics   *jenkins.ClientMetrics
	sleep     func(ctx context.Context, d time.Duration) error
}

// Option configures a Master.
type Option func(*Master)

// WithLogger sets the logger for node operations.
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Master) {
		m.logger = logger
	}
}

// WithMetrics counts retried operations in metrics.
func WithMetrics(metrics *jenkins.ClientMetrics) Option {
	return func(m *Master) {
		m.metrics = metrics
	}
}

// WithSleep replaces the function used to wait between retries.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(m *Master) {
		m.sleep = sleep
	}
}

// New returns a Master reading credentials from settings and building
// clients with newClient.
func New(settings Settings, newClient ClientFactory, opts ...Option) *Master {
	m := &Master{
		settings:  settings,
		newClient: newClient,
		logger:    zerolog.Nop(),
		sleep:     sleepContext,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Username returns the admin username as set in the config.
func (m *Master) Username() string {
	return m.settings.GetString(config.UsernameKey)
}

// Password returns the admin password from the config, or the generated
// one when no password was configured.
func (m *Master) Password() string {
	password := m.settings.GetString(config.PasswordKey)
	if password == "" {
		password = m.settings.GetString(config.GeneratedPasswordKey)
	}
	return password
}

// URL returns the configured master address.
func (m *Master) URL() string {
	if url := m.settings.GetString(config.URLKey); url != "" {
		return url
	}
	return config.DefaultURL
}

// AddNode registers host as an agent with twice executors executor slots.
// Adding a node that already exists does nothing. Jenkins API failures are
// retried; the last one is returned once the retries are used up.
func (m *Master) AddNode(ctx context.Context, host string, executors int, labels []string) error {
	if host == "" {
		return ErrEmptyHost
	}
	client := m.makeClient()
	logger := m.logger.With().Str("node", host).Logger()

	return m.retry(ctx, logger, "add node", addNodeRetries, addNodeBaseDelay, func() error {
		exists, err := client.NodeExists(ctx, host)
		if err != nil {
			return err
		}
		if exists {
			logger.Debug().Msg("Node exists - not adding")
			return nil
		}

		logger.Info().Msgf("Adding node '%s' to Jenkins master", host)

		err = client.CreateNode(ctx, jenkins.NodeSpec{
			Name:         host,
			NumExecutors: executors * 2,
			Description:  host,
			RemoteFS:     m.settings.GetString(config.RemoteFSKey),
			Labels:       labels,
		})
		if err != nil {
			return err
		}

		exists, err = client.NodeExists(ctx, host)
		if err != nil {
			return err
		}
		if !exists {
			logger.Warn().Msgf("Failed to create node '%s'", host)
		}
		return nil
	})
}

// DeleteNode removes host from the master. Deleting an unknown node does nothing.
func (m *Master) DeleteNode(ctx context.Context, host string) error {
	if host == "" {
		return ErrEmptyHost
	}
	client := m.makeClient()
	logger := m.logger.With().Str("node", host).Logger()

	exists, err := client.NodeExists(ctx, host)
	if err != nil {
		return fmt.Errorf("checking node %s: %w", host, err)
	}
	if !exists {
		logger.Info().Msgf("Node '%s' does not exist - not deleting", host)
		return nil
	}
	logger.Debug().Msgf("Node '%s' exists", host)
	if err := client.DeleteNode(ctx, host); err != nil {
		return fmt.Errorf("deleting node %s: %w", host, err)
	}
	return nil
}

// NodeStatus returns what the master reports about host.
func (m *Master) NodeStatus(ctx context.Context, host string) (*jenkins.NodeStatus, error) {
	if host == "" {
		return nil, ErrEmptyHost
	}
	status, err := m.makeClient().GetNodeStatus(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("getting status of node %s: %w", host, err)
	}
	return status, nil
}

// SetNodeOffline marks host temporarily offline with reason, unless it
// already is.
func (m *Master) SetNodeOffline(ctx context.Context, host string, reason string) error {
	return m.setOnline(ctx, host, false, reason)
}

// SetNodeOnline brings a temporarily offline host back, unless it already is online.
func (m *Master) SetNodeOnline(ctx context.Context, host string) error {
	return m.setOnline(ctx, host, true, "")
}

func (m *Master) setOnline(ctx context.Context, host string, online bool, reason string) error {
	if host == "" {
		return ErrEmptyHost
	}
	client := m.makeClient()
	logger := m.logger.With().Str("node", host).Logger()

	status, err := client.GetNodeStatus(ctx, host)
	if err != nil {
		return fmt.Errorf("getting status of node %s: %w", host, err)
	}
	// toggleOffline only flips the temporary flag; a disconnected agent
	// stays offline whatever we do.
	if status.TemporarilyOffline != online {
		if online {
			logger.Info().Msgf("Node '%s' is already online", host)
		} else {
			logger.Info().Msgf("Node '%s' is already offline", host)
		}
		return nil
	}
	if online {
		logger.Info().Msgf("Marking node '%s' as online", host)
	} else {
		logger.Info().Str("reason", reason).Msgf("Marking node '%s' as offline", host)
	}
	if err := client.ToggleOffline(ctx, host, reason); err != nil {
		return fmt.Errorf("toggling node %s: %w", host, err)
	}
	return nil
}

func (m *Master) makeClient() Client {
	return m.newClient(m.URL(), m.Username(), m.Password())
}
