package config

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// DefaultURL is the address of the master when none is configured.
const DefaultURL = "http://localhost:8080/"

// Keys of the service configuration.
const (
	URLKey               = "url"
	UsernameKey          = "username"
	PasswordKey          = "password"
	GeneratedPasswordKey = "_generated-password"
	RemoteFSKey          = "remote-fs"
	LogLevelKey          = "log-level"
	PushgatewayURLKey    = "pushgateway-url"
	MetadataURLKey       = "metadata-url"
)

const (
	// EC2 Instance Metadata is configurable mainly for testing purposes
	instanceMetadataURLConfigKey = "INSTANCE_METADATA_URL"
	defaultInstanceMetadataURL   = "http://169.254.169.254"
	jenkinsMasterURLKey          = "JENKINS_MASTER_URL"
	jenkinsMasterAPIUserKey      = "JENKINS_MASTER_API_USER"
	jenkinsMasterAPITokenKey     = "JENKINS_MASTER_API_TOKEN"
	jenkinsGeneratedPasswordKey  = "JENKINS_MASTER_GENERATED_PASSWORD"
	jenkinsNodeRemoteFSKey       = "JENKINS_NODE_REMOTE_FS"
	pushgatewayURLEnvKey         = "PUSHGATEWAY_URL"
	logLevelEnvKey               = "LOG_LEVEL"

	defaultUsername = "admin"
	defaultRemoteFS = "/var/lib/jenkins"
	defaultLogLevel = "info"
)

var envKeys = map[string]string{
	URLKey:               jenkinsMasterURLKey,
	UsernameKey:          jenkinsMasterAPIUserKey,
	PasswordKey:          jenkinsMasterAPITokenKey,
	GeneratedPasswordKey: jenkinsGeneratedPasswordKey,
	RemoteFSKey:          jenkinsNodeRemoteFSKey,
	LogLevelKey:          logLevelEnvKey,
	PushgatewayURLKey:    pushgatewayURLEnvKey,
	MetadataURLKey:       instanceMetadataURLConfigKey,
}

// flagKeys are the keys that can be overridden on the command line.
var flagKeys = []string{
	URLKey,
	UsernameKey,
	PasswordKey,
	RemoteFSKey,
	LogLevelKey,
	PushgatewayURLKey,
	MetadataURLKey,
}

// New returns a store with defaults applied and environment variables bound.
func New() (*viper.Viper, error) {
	v := viper.New()
	v.SetDefault(URLKey, DefaultURL)
	v.SetDefault(UsernameKey, defaultUsername)
	v.SetDefault(PasswordKey, "")
	v.SetDefault(GeneratedPasswordKey, "")
	v.SetDefault(RemoteFSKey, defaultRemoteFS)
	v.SetDefault(LogLevelKey, defaultLogLevel)
	v.SetDefault(PushgatewayURLKey, "")
	v.SetDefault(MetadataURLKey, defaultInstanceMetadataURL)

	for key, env := range envKeys {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("binding %s to %s: %w", key, env, err)
		}
	}
	return v, nil
}

// AddFlags registers the command line overrides on flags.
func AddFlags(flags *pflag.FlagSet) {
	flags.String(URLKey, DefaultURL, "The URL of Jenkins master")
	flags.String(UsernameKey, defaultUsername, "The admin user of Jenkins master")
	flags.String(PasswordKey, "", "The admin password or API token of Jenkins master")
	flags.String(RemoteFSKey, defaultRemoteFS, "Root directory of new agents")
	flags.String(LogLevelKey, defaultLogLevel, "Log level (debug, info, warn, error)")
	flags.String(PushgatewayURLKey, "", "Prometheus Pushgateway to push client metrics to")
	flags.String(MetadataURLKey, defaultInstanceMetadataURL, "The URL of EC2 instance metadata. This shouldn't need to be changed unless you are testing.")
}

// BindFlags makes flags registered with AddFlags take precedence over the
// config file and the environment when they are set explicitly.
func BindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for _, key := range flagKeys {
		flag := flags.Lookup(key)
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("binding flag %s: %w", key, err)
		}
	}
	return nil
}

// ReadFile merges the YAML config file at path into v. An empty path is ignored.
func ReadFile(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("reading config %s: %w", path, err)
	}
	return nil
}

// LoadDotEnv loads environment variables from path if the file exists.
func LoadDotEnv(path string) error {
	err := godotenv.Load(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

// Validate checks that a master can be reached with the configured credentials.
func Validate(settings interface{ GetString(string) string }) error {
	if settings.GetString(URLKey) == "" {
		return fmt.Errorf("jenkins master url is required")
	}

	if settings.GetString(UsernameKey) == "" {
		return fmt.Errorf("jenkins master api user is required")
	}

	if settings.GetString(PasswordKey) == "" && settings.GetString(GeneratedPasswordKey) == "" {
		return fmt.Errorf("jenkins master password or generated password is required")
	}

	return nil
}
