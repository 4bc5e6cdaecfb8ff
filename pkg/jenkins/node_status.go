package jenkins

import "strings"

// NodeStatus is the subset of /computer/<name>/api/json we care about.
type NodeStatus struct {
	Offline            bool   `json:"offline"`
	OfflineCauseReason string `json:"offlineCauseReason"`
	TemporarilyOffline bool   `json:"temporarilyOffline"`
	NumExecutors       int    `json:"numExecutors"`
	DisplayName        string `json:"displayName"`
	Description        string `json:"description"`
}

// Online reports whether the node accepts builds.
func (s NodeStatus) Online() bool {
	return !s.Offline && !s.TemporarilyOffline
}

// NodeSpec describes a permanent agent to create on the master.
type NodeSpec struct {
	Name         string
	NumExecutors int
	Description  string
	RemoteFS     string
	Labels       []string
	// Exclusive nodes only run jobs whose label expression matches.
	Exclusive bool
}

const (
	nodeType        = "hudson.slaves.DumbSlave$DescriptorImpl"
	jnlpLauncher    = "hudson.slaves.JNLPLauncher"
	alwaysRetention = "hudson.slaves.RetentionStrategy$Always"
	// DefaultRemoteFS is the agent root directory used when none is given.
	DefaultRemoteFS = "/var/lib/jenkins"
)

type staplerClass struct {
	StaplerClass string `json:"stapler-class"`
}

type nodeProperties struct {
	StaplerClassBag string `json:"stapler-class-bag"`
}

type createNodeForm struct {
	NodeDescription   string         `json:"nodeDescription"`
	NumExecutors      int            `json:"numExecutors"`
	RemoteFS          string         `json:"remoteFS"`
	LabelString       string         `json:"labelString"`
	Mode              string         `json:"mode"`
	RetentionStrategy staplerClass   `json:"retentionStrategy"`
	NodeProperties    nodeProperties `json:"nodeProperties"`
	Launcher          staplerClass   `json:"launcher"`
}

func (spec NodeSpec) form() createNodeForm {
	mode := "NORMAL"
	if spec.Exclusive {
		mode = "EXCLUSIVE"
	}
	remoteFS := spec.RemoteFS
	if remoteFS == "" {
		remoteFS = DefaultRemoteFS
	}
	return createNodeForm{
		NodeDescription:   spec.Description,
		NumExecutors:      spec.NumExecutors,
		RemoteFS:          remoteFS,
		LabelString:       strings.Join(spec.Labels, " "),
		Mode:              mode,
		RetentionStrategy: staplerClass{StaplerClass: alwaysRetention},
		NodeProperties:    nodeProperties{StaplerClassBag: "true"},
		Launcher:          staplerClass{StaplerClass: jnlpLauncher},
	}
}
