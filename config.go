package mcbp

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ClusterNode is one entry of the configuration node list. Only the
// fields this driver routes on are modeled; the rest of the
// configuration document is opaque to the session.
type ClusterNode struct {
	Hostname string            `json:"hostname,omitempty"`
	ThisNode bool              `json:"thisNode,omitempty"`
	Services map[string]uint16 `json:"services,omitempty"`
}

// KVAddress returns the host:port of the node's data service, or empty
// when the node does not run one.
func (n ClusterNode) KVAddress() string {
	port, ok := n.Services["kv"]
	if !ok {
		return ""
	}
	return fmt.Sprintf("%s:%d", n.Hostname, port)
}

// ClusterConfig is the bucket or cluster configuration pushed by the
// server. Rev orders configurations; the session only ever replaces a
// stored configuration with a strictly newer one.
type ClusterConfig struct {
	Rev      int64         `json:"rev"`
	RevEpoch int64         `json:"revEpoch,omitempty"`
	Name     string        `json:"name,omitempty"`
	Nodes    []ClusterNode `json:"nodesExt,omitempty"`
}

// ParseClusterConfig decodes a configuration document. The server
// substitutes the placeholder $HOST for the address the client
// connected to; endpoint is that address (host only, no port).
func ParseClusterConfig(data []byte, endpoint string) (*ClusterConfig, error) {
	if endpoint != "" {
		data = []byte(strings.ReplaceAll(string(data), "$HOST", endpoint))
	}
	var config ClusterConfig
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("mcbp: parsing cluster config: %w", err)
	}
	return &config, nil
}

// blankConfiguration builds the synthetic rev=0 configuration stored
// when the server refuses GCCCP: a single-node view of the connected
// endpoint.
func blankConfiguration(hostname string, kvPort uint16) *ClusterConfig {
	return &ClusterConfig{
		Rev: 0,
		Nodes: []ClusterNode{
			{
				Hostname: hostname,
				ThisNode: true,
				Services: map[string]uint16{"kv": kvPort},
			},
		},
	}
}

// KVAddresses returns the data-service address of every node that runs
// one, in node-list order.
func (c *ClusterConfig) KVAddresses() []string {
	addrs := make([]string, 0, len(c.Nodes))
	for _, node := range c.Nodes {
		if addr := node.KVAddress(); addr != "" {
			addrs = append(addrs, addr)
		}
	}
	return addrs
}

// IndexForThisNode returns the node-list index of the node marked as
// local, or -1 when none is marked.
func (c *ClusterConfig) IndexForThisNode() int {
	for i, node := range c.Nodes {
		if node.ThisNode {
			return i
		}
	}
	return -1
}
