package memcached

import (
	"strings"
)

// Node state markers used in NodeStatus.Detail.
const (
	NodeOn  = "ON"
	NodeOff = "OFF"
)

type NodeState struct {
	Server ServerSpec `json:"server"`
	Up     bool       `json:"up"`
}

// NodeStatus is derived on demand from a probe of every configured node.
// Total always equals the number of configured servers.
type NodeStatus struct {
	Total int         `json:"total"`
	Down  int         `json:"down"`
	Nodes []NodeState `json:"nodes"`

	// One "host:port ON|OFF" line per configured node.
	Detail string `json:"detail"`
}

// NewNodeStatus builds the status report from per node probe results; a node
// without a result is reported down.
func NewNodeStatus(servers []ServerSpec, up []bool) NodeStatus {
	status := NodeStatus{
		Total: len(servers),
		Nodes: make([]NodeState, len(servers)),
	}

	var detail strings.Builder
	for i, server := range servers {
		isUp := i < len(up) && up[i]
		status.Nodes[i] = NodeState{Server: server, Up: isUp}

		detail.WriteString(server.Address())
		if isUp {
			detail.WriteString(" " + NodeOn + "\n")
		} else {
			detail.WriteString(" " + NodeOff + "\n")
			status.Down++
		}
	}
	status.Detail = detail.String()

	return status
}

// Healthy returns true when every configured node answered.
func (s NodeStatus) Healthy() bool {
	return s.Down == 0
}

func (s NodeStatus) String() string {
	return s.Detail
}
