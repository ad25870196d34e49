package database

import (
	"fmt"

	"github.com/gocql/gocql"

	"securecall-backend/pkg/config"
)

// Cassandra wraps the gocql session used for the call-event message log
type Cassandra struct {
	Session *gocql.Session
}

// NewCassandra creates a new Cassandra session
func NewCassandra(cfg *config.CassandraConfig) (*Cassandra, error) {
	cluster := gocql.NewCluster(cfg.Hosts...)
	cluster.Keyspace = cfg.Keyspace
	cluster.Timeout = cfg.Timeout

	switch cfg.Consistency {
	case "ONE":
		cluster.Consistency = gocql.One
	case "LOCAL_QUORUM":
		cluster.Consistency = gocql.LocalQuorum
	default:
		cluster.Consistency = gocql.Quorum
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create cassandra session: %w", err)
	}

	return &Cassandra{Session: session}, nil
}

// Close closes the Cassandra session
func (c *Cassandra) Close() {
	c.Session.Close()
}
