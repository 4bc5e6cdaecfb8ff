package main

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/devsbb/jenkins-node-registrar/pkg/config"
	"github.com/devsbb/jenkins-node-registrar/pkg/jenkins"
	"github.com/devsbb/jenkins-node-registrar/pkg/master"
	"github.com/devsbb/jenkins-node-registrar/pkg/nodeinfo"
)

const (
	configFlag       = "config"
	envFileFlag      = "env-file"
	fromMetadataFlag = "from-metadata"

	pushJobName = "jenkins_node_registrar"
)

// app carries what every subcommand needs once flags have been parsed.
type app struct {
	settings *viper.Viper
	logger   zerolog.Logger
	registry *prometheus.Registry
	metrics  *jenkins.ClientMetrics

	newMetadataSource func(url string) nodeinfo.MetadataSource
	masterOptions     []master.Option
}

func newApp(logger zerolog.Logger) *app {
	registry := prometheus.NewRegistry()
	return &app{
		logger:   logger,
		registry: registry,
		metrics:  jenkins.NewMetrics(registry),
		newMetadataSource: func(url string) nodeinfo.MetadataSource {
			return nodeinfo.NewMetadataSource(url)
		},
	}
}

func newRootCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:               "jenkins-node-registrar",
		Short:             "Register and remove agent nodes on a Jenkins master",
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
	}

	flags := cmd.PersistentFlags()
	flags.String(configFlag, "", "YAML file with the service configuration")
	flags.String(envFileFlag, ".env", "File with environment variables to load, if present")
	flags.Bool(fromMetadataFlag, false, "Use the EC2 instance hostname when no host is given")
	config.AddFlags(flags)

	cmd.AddCommand(
		newAddNodeCmd(a),
		newDeleteNodeCmd(a),
		newNodeStatusCmd(a),
		newOfflineCmd(a),
		newOnlineCmd(a),
	)
	return cmd
}

// setup loads the configuration in order of increasing precedence:
// defaults, config file, environment (including the env file), flags.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	flags := cmd.Flags()

	envFile, _ := flags.GetString(envFileFlag)
	if err := config.LoadDotEnv(envFile); err != nil {
		return err
	}

	settings, err := config.New()
	if err != nil {
		return err
	}
	configFile, _ := flags.GetString(configFlag)
	if err := config.ReadFile(settings, configFile); err != nil {
		return err
	}
	if err := config.BindFlags(settings, flags); err != nil {
		return err
	}
	if err := config.Validate(settings); err != nil {
		return err
	}

	level, err := zerolog.ParseLevel(settings.GetString(config.LogLevelKey))
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	a.logger = a.logger.Level(level)
	a.settings = settings
	return nil
}

func (a *app) master() *master.Master {
	newClient := func(url, username, password string) master.Client {
		return jenkins.New(url, username, password,
			jenkins.WithLogger(a.logger),
			jenkins.WithMetrics(a.metrics),
		)
	}
	opts := append([]master.Option{
		master.WithLogger(a.logger),
		master.WithMetrics(a.metrics),
	}, a.masterOptions...)
	return master.New(a.settings, newClient, opts...)
}

// host picks the node name from the arguments, or from instance metadata
// when --from-metadata is set.
func (a *app) host(cmd *cobra.Command, args []string) (string, error) {
	explicit := ""
	if len(args) > 0 {
		explicit = args[0]
	}
	var source nodeinfo.MetadataSource
	if fromMetadata, _ := cmd.Flags().GetBool(fromMetadataFlag); fromMetadata {
		source = a.newMetadataSource(a.settings.GetString(config.MetadataURLKey))
	}
	host, err := nodeinfo.ResolveHost(explicit, source)
	if err != nil {
		return "", err
	}
	return host, nil
}

// pushMetrics sends the client metrics to the Pushgateway, if one is configured.
func (a *app) pushMetrics() {
	if a.settings == nil {
		return
	}
	url := a.settings.GetString(config.PushgatewayURLKey)
	if url == "" {
		return
	}
	if err := push.New(url, pushJobName).Gatherer(a.registry).Push(); err != nil {
		a.logger.Warn().Err(err).Str("pushgateway", url).Msg("Failed to push metrics")
	}
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
