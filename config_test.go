package mcbp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseClusterConfig(t *testing.T) {
	data := []byte(`{
		"rev": 42,
		"name": "travel-sample",
		"nodesExt": [
			{"hostname": "$HOST", "thisNode": true, "services": {"kv": 11210, "mgmt": 8091}},
			{"hostname": "node2.example.com", "services": {"kv": 11210}},
			{"hostname": "node3.example.com", "services": {"mgmt": 8091}}
		]
	}`)

	config, err := ParseClusterConfig(data, "10.0.0.5")
	require.NoError(t, err)

	assert.Equal(t, int64(42), config.Rev)
	assert.Equal(t, "travel-sample", config.Name)
	require.Len(t, config.Nodes, 3)
	assert.Equal(t, "10.0.0.5", config.Nodes[0].Hostname, "$HOST must be substituted")
	assert.Equal(t, 0, config.IndexForThisNode())

	// the third node runs no data service
	assert.Equal(t, []string{"10.0.0.5:11210", "node2.example.com:11210"}, config.KVAddresses())
}

func TestParseClusterConfigRejectsGarbage(t *testing.T) {
	_, err := ParseClusterConfig([]byte("not json"), "")
	assert.Error(t, err)
}

func TestBlankConfiguration(t *testing.T) {
	config := blankConfiguration("10.0.0.5", 11210)

	assert.Equal(t, int64(0), config.Rev)
	require.Len(t, config.Nodes, 1)
	assert.True(t, config.Nodes[0].ThisNode)
	assert.Equal(t, "10.0.0.5", config.Nodes[0].Hostname)
	assert.Equal(t, []string{"10.0.0.5:11210"}, config.KVAddresses())
	assert.Equal(t, 0, config.IndexForThisNode())
}

func TestIndexForThisNodeAbsent(t *testing.T) {
	config := &ClusterConfig{Nodes: []ClusterNode{{Hostname: "a"}, {Hostname: "b"}}}
	assert.Equal(t, -1, config.IndexForThisNode())
}
