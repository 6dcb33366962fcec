package utilities

import (
	"os"
	"strconv"
	"sync"

	"github.com/bwmarrin/snowflake"
	"github.com/segmentio/ksuid"
)

var (
	nodeOnce sync.Once
	node     *snowflake.Node
)

// NewKSUID generates a new globally unique KSUID string.
func NewKSUID() string {
	return ksuid.New().String()
}

// NewSnowflakeID generates a snowflake ID string using a node ID from
// the environment variable SNOWFLAKE_NODE. The node is created once per
// process so IDs from concurrent callers never collide. If node setup
// fails it falls back to a KSUID string.
func NewSnowflakeID() string {
	nodeOnce.Do(func() { node = nodeFromEnv() })
	if node == nil {
		return NewKSUID()
	}
	return node.Generate().String()
}

// nodeFromEnv builds the node named by SNOWFLAKE_NODE, using node 1 when
// the variable is unset or out of range.
func nodeFromEnv() *snowflake.Node {
	nodeID := int64(1)
	if v, err := strconv.ParseInt(os.Getenv("SNOWFLAKE_NODE"), 10, 64); err == nil {
		nodeID = v
	}
	n, err := snowflake.NewNode(nodeID)
	if err != nil {
		n, _ = snowflake.NewNode(1)
	}
	return n
}
