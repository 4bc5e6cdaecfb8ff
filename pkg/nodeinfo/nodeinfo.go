// Package nodeinfo works out which host name a node should be registered under.
package nodeinfo

import (
	"errors"

	"github.com/aws/aws-node-termination-handler/pkg/ec2metadata"
)

// imdsTries is how many times the metadata service is queried before giving up.
const imdsTries = 3

// ErrNoHost is returned when neither an explicit host nor instance metadata is available.
var ErrNoHost = errors.New("no host given and none found in instance metadata")

// MetadataSource exposes the metadata of the instance we run on.
// *ec2metadata.Service satisfies it.
type MetadataSource interface {
	GetNodeMetadata() ec2metadata.NodeMetadata
}

// NewMetadataSource returns a client for the EC2 instance metadata service at url.
func NewMetadataSource(url string) *ec2metadata.Service {
	return ec2metadata.New(url, imdsTries)
}

// ResolveHost returns explicit when set. Otherwise the local hostname of the
// instance is used, then its instance ID. source may be nil.
func ResolveHost(explicit string, source MetadataSource) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if source == nil {
		return "", ErrNoHost
	}
	metadata := source.GetNodeMetadata()
	if metadata.LocalHostname != "" {
		return metadata.LocalHostname, nil
	}
	if metadata.InstanceID != "" {
		return metadata.InstanceID, nil
	}
	return "", ErrNoHost
}
