package internal

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJumpHashRange(t *testing.T) {
	for buckets := 1; buckets <= 16; buckets++ {
		for key := uint64(0); key < 1000; key++ {
			b := JumpHash(key, buckets)
			assert.GreaterOrEqual(t, b, 0)
			assert.Less(t, b, buckets)
		}
	}
}

func TestJumpHashZeroBuckets(t *testing.T) {
	assert.Equal(t, 0, JumpHash(42, 0))
	assert.Equal(t, 0, JumpHash(42, -1))
}

func TestSelectNodeDeterministic(t *testing.T) {
	first := SelectNode("airline_10", 4)
	for i := 0; i < 100; i++ {
		assert.Equal(t, first, SelectNode("airline_10", 4))
	}
}

func TestSelectNodeDistribution(t *testing.T) {
	const nodes = 4
	const keys = 4000
	counts := make([]int, nodes)
	for i := 0; i < keys; i++ {
		counts[SelectNode(fmt.Sprintf("key-%d", i), nodes)]++
	}
	for node, count := range counts {
		// roughly even: every node should see 25% +/- 10 points
		assert.InDelta(t, keys/nodes, count, keys*0.10, "node %d", node)
	}
}

func TestJumpHashMinimalMovement(t *testing.T) {
	// Growing the cluster by one node relocates only a small share of
	// the keyspace.
	const keys = 2000
	moved := 0
	for i := 0; i < keys; i++ {
		key := fmt.Sprintf("key-%d", i)
		if SelectNode(key, 4) != SelectNode(key, 5) {
			moved++
		}
	}
	assert.Less(t, moved, keys/2, "jump hash must not reshuffle most keys")
}
