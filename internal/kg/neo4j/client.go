package neo4j

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/connect3/backend/internal/entity"
	"github.com/connect3/backend/pkg/circuitbreaker"
	"github.com/connect3/backend/pkg/config"
	"github.com/connect3/backend/pkg/logger"
	"github.com/connect3/backend/pkg/retry"
)

// Client maintains the affiliation graph:
//
//	(:Entity {id, type})-[:AFFILIATED_WITH]->(:Institution {id})
//	(:Entity {type: "event"})-[:HOSTED_BY]->(:Entity {type: "organisation"})
type Client struct {
	driver      neo4j.DriverWithContext
	database    string
	cb          *circuitbreaker.CircuitBreaker
	retryConfig retry.Config
}

// Affiliation links an entity to the institutions it belongs to and,
// for events, to the organisation hosting it.
type Affiliation struct {
	Ref          entity.Ref
	Name         string
	Institutions []string
	HostedBy     *entity.Ref
}

func NewClient(ctx context.Context, cfg config.Neo4jConfig) (*Client, error) {
	driver, err := neo4j.NewDriverWithContext(
		cfg.URI,
		neo4j.BasicAuth(cfg.Username, cfg.Password, ""),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}

	if err := driver.VerifyConnectivity(ctx); err != nil {
		return nil, fmt.Errorf("failed to verify connectivity: %w", err)
	}

	database := cfg.Database
	if database == "" {
		database = "neo4j"
	}

	cb := circuitbreaker.NewCircuitBreaker("neo4j", circuitbreaker.Config{
		MaxRequests:      3,
		Interval:         time.Minute,
		Timeout:          20 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Logger:           logger.GetLogger(),
	})

	logger.Info("Neo4j client initialized", zap.String("uri", cfg.URI), zap.String("database", database))

	return &Client{
		driver:      driver,
		database:    database,
		cb:          cb,
		retryConfig: retry.ProviderConfig(logger.GetLogger()),
	}, nil
}

func (c *Client) Close(ctx context.Context) error {
	return c.driver.Close(ctx)
}

func (c *Client) executeWithRetry(ctx context.Context, mode neo4j.AccessMode, operation func(neo4j.SessionWithContext) error) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			session := c.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: c.database, AccessMode: mode})
			defer session.Close(ctx)
			return operation(session)
		})
	})
}

func (c *Client) EnsureConstraints(ctx context.Context) error {
	statements := []string{
		`CREATE CONSTRAINT entity_id IF NOT EXISTS FOR (e:Entity) REQUIRE e.id IS UNIQUE`,
		`CREATE CONSTRAINT institution_id IF NOT EXISTS FOR (i:Institution) REQUIRE i.id IS UNIQUE`,
	}
	return c.executeWithRetry(ctx, neo4j.AccessModeWrite, func(session neo4j.SessionWithContext) error {
		for _, stmt := range statements {
			if _, err := session.Run(ctx, stmt, nil); err != nil {
				return fmt.Errorf("failed to create constraint: %w", err)
			}
		}
		return nil
	})
}

func (c *Client) UpsertAffiliation(ctx context.Context, a Affiliation) error {
	institutions := NormaliseInstitutions(a.Institutions)

	err := c.executeWithRetry(ctx, neo4j.AccessModeWrite, func(session neo4j.SessionWithContext) error {
		query := `
			MERGE (e:Entity {id: $id})
			SET e.type = $type,
			    e.name = $name,
			    e.updated_at = timestamp()
			WITH e
			OPTIONAL MATCH (e)-[old:AFFILIATED_WITH]->(:Institution)
			DELETE old
			WITH DISTINCT e
			UNWIND $institutions AS inst
			MERGE (i:Institution {id: inst})
			MERGE (e)-[:AFFILIATED_WITH]->(i)
		`
		if _, err := session.Run(ctx, query, map[string]interface{}{
			"id":           a.Ref.ID,
			"type":         string(a.Ref.Type),
			"name":         a.Name,
			"institutions": institutions,
		}); err != nil {
			return fmt.Errorf("failed to upsert affiliation: %w", err)
		}

		if a.HostedBy == nil {
			return nil
		}

		hostQuery := `
			MERGE (e:Entity {id: $id})
			MERGE (h:Entity {id: $host_id})
			ON CREATE SET h.type = $host_type
			MERGE (e)-[:HOSTED_BY]->(h)
		`
		if _, err := session.Run(ctx, hostQuery, map[string]interface{}{
			"id":        a.Ref.ID,
			"host_id":   a.HostedBy.ID,
			"host_type": string(a.HostedBy.Type),
		}); err != nil {
			return fmt.Errorf("failed to link host: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	logger.Debug("Affiliation upserted in KG",
		zap.String("entity", a.Ref.String()),
		zap.Strings("institutions", institutions),
	)
	return nil
}

// FilterByScope returns the subset of refs affiliated with any of the
// institutions, directly or through a hosting organisation. Order of refs
// is preserved.
func (c *Client) FilterByScope(ctx context.Context, refs []entity.Ref, institutions []string) ([]entity.Ref, error) {
	institutions = NormaliseInstitutions(institutions)
	if len(refs) == 0 || len(institutions) == 0 {
		return refs, nil
	}

	ids := make([]string, 0, len(refs))
	for _, r := range refs {
		ids = append(ids, r.ID)
	}

	inScope := make(map[string]struct{})
	err := c.executeWithRetry(ctx, neo4j.AccessModeRead, func(session neo4j.SessionWithContext) error {
		query := `
			UNWIND $ids AS id
			MATCH (e:Entity {id: id})
			WHERE EXISTS {
			        MATCH (e)-[:AFFILIATED_WITH]->(i:Institution) WHERE i.id IN $institutions
			      }
			   OR EXISTS {
			        MATCH (e)-[:HOSTED_BY]->(:Entity)-[:AFFILIATED_WITH]->(i:Institution) WHERE i.id IN $institutions
			      }
			RETURN DISTINCT e.id AS id
		`

		result, err := session.Run(ctx, query, map[string]interface{}{
			"ids":          ids,
			"institutions": institutions,
		})
		if err != nil {
			return fmt.Errorf("failed to filter by scope: %w", err)
		}

		for result.Next(ctx) {
			id, _ := result.Record().Get("id")
			if s, ok := id.(string); ok {
				inScope[s] = struct{}{}
			}
		}

		if err = result.Err(); err != nil {
			return fmt.Errorf("error iterating results: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	kept := make([]entity.Ref, 0, len(refs))
	for _, r := range refs {
		if _, ok := inScope[r.ID]; ok {
			kept = append(kept, r)
		}
	}

	logger.Debug("Scope filter applied",
		zap.Strings("institutions", institutions),
		zap.Int("candidates", len(refs)),
		zap.Int("kept", len(kept)),
	)

	return kept, nil
}

// NormaliseInstitutions lowercases, trims and de-duplicates institution ids.
func NormaliseInstitutions(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
