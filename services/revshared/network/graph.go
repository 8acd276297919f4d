package network

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"revshare/services/revshared/domain"
)

// GraphClient is the minimal read contract against the referral graph store.
type GraphClient interface {
	ExecuteRead(ctx context.Context, cypher string, params map[string]any) ([]map[string]any, error)
	Close(ctx context.Context) error
}

// GraphOptions configures the Neo4j client.
type GraphOptions struct {
	URI            string
	Database       string
	Username       string
	Password       string
	MaxConnections int
}

// ErrMissingURI indicates the graph URI is not provided.
var ErrMissingURI = errors.New("graph URI is required")

// NewNeo4jClient establishes a Bolt connection using the official driver.
func NewNeo4jClient(ctx context.Context, opts GraphOptions) (GraphClient, error) {
	if opts.URI == "" {
		return nil, ErrMissingURI
	}
	auth := neo4j.NoAuth()
	if opts.Username != "" {
		auth = neo4j.BasicAuth(opts.Username, opts.Password, "")
	}
	driver, err := neo4j.NewDriverWithContext(opts.URI, auth, func(c *neo4j.Config) {
		if opts.MaxConnections > 0 {
			c.MaxConnectionPoolSize = opts.MaxConnections
		}
	})
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("verify graph connectivity: %w", err)
	}
	return &neo4jClient{driver: driver, database: opts.Database}, nil
}

type neo4jClient struct {
	driver   neo4j.DriverWithContext
	database string
}

func (c *neo4jClient) ExecuteRead(ctx context.Context, cypher string, params map[string]any) ([]map[string]any, error) {
	session := c.driver.NewSession(ctx, neo4j.SessionConfig{
		DatabaseName: c.database,
		AccessMode:   neo4j.AccessModeRead,
	})
	defer session.Close(ctx)

	res, err := session.Run(ctx, cypher, params)
	if err != nil {
		return nil, err
	}
	var records []map[string]any
	for res.Next(ctx) {
		rec := res.Record()
		record := make(map[string]any, len(rec.Keys))
		for _, key := range rec.Keys {
			value, _ := rec.Get(key)
			record[key] = value
		}
		records = append(records, record)
	}
	if err := res.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func (c *neo4jClient) Close(ctx context.Context) error {
	return c.driver.Close(ctx)
}

// referrersQuery expects (:Partner)-[:REFERRED {level, active, created_at}]->(:Partner)
// with created_at stored as epoch milliseconds. Only level 1 relationships are
// read; deeper levels come from walking them.
const referrersQuery = `
MATCH (r:Partner)-[e:REFERRED]->(p:Partner {id: $referred})
WHERE e.level = 1 AND e.active = true AND e.created_at < $as_of
RETURN r.id AS referrer_id, e.created_at AS created_at
ORDER BY referrer_id`

// GraphEdgeSource reads referral edges from a graph database.
type GraphEdgeSource struct {
	client GraphClient
}

// NewGraphEdgeSource wraps a graph client as an EdgeSource.
func NewGraphEdgeSource(client GraphClient) *GraphEdgeSource {
	return &GraphEdgeSource{client: client}
}

// ActiveReferrers implements EdgeSource.
func (g *GraphEdgeSource) ActiveReferrers(ctx context.Context, referredID string, asOf time.Time) ([]domain.ReferralEdge, error) {
	if g == nil || g.client == nil {
		return nil, fmt.Errorf("graph client not configured")
	}
	rows, err := g.client.ExecuteRead(ctx, referrersQuery, map[string]any{
		"referred": referredID,
		"as_of":    asOf.UTC().UnixMilli(),
	})
	if err != nil {
		return nil, fmt.Errorf("query graph referrers: %w", err)
	}
	edges := make([]domain.ReferralEdge, 0, len(rows))
	for _, row := range rows {
		referrer, ok := row["referrer_id"].(string)
		if !ok || referrer == "" {
			return nil, fmt.Errorf("%w: graph edge into %s missing referrer_id", domain.ErrDataIntegrity, referredID)
		}
		edge := domain.ReferralEdge{ReferrerID: referrer, ReferredID: referredID, Level: 1, Active: true}
		if created, ok := row["created_at"].(int64); ok {
			edge.CreatedAt = time.UnixMilli(created).UTC()
		}
		edges = append(edges, edge)
	}
	sort.Slice(edges, func(i, j int) bool { return edges[i].ReferrerID < edges[j].ReferrerID })
	return edges, nil
}
