// Package graph mirrors the active communication topology into Dgraph so observers
// can query who may talk to whom with graph queries.
package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dgraph-io/dgo/v230"
	"github.com/dgraph-io/dgo/v230/protos/api"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/psychesim/dynamics/internal/models"
)

// Config holds mirror configuration
type Config struct {
	AlphaURL string        `yaml:"alpha_url"`
	Timeout  time.Duration `yaml:"timeout"`
}

// DefaultConfig returns default mirror configuration
func DefaultConfig() *Config {
	return &Config{AlphaURL: "localhost:9080", Timeout: 5 * time.Second}
}

// Validate checks the mirror settings
func (c *Config) Validate() error {
	if strings.TrimSpace(c.AlphaURL) == "" {
		return models.NewConfigurationError("graph.alpha_url", "is required")
	}
	if c.Timeout <= 0 {
		return models.NewConfigurationError("graph.timeout", "must be positive")
	}
	return nil
}

// Mirror writes the active edge set of a session into Dgraph
type Mirror struct {
	client  *dgo.Dgraph
	conn    *grpc.ClientConn
	timeout time.Duration
}

// NewMirror connects to a Dgraph alpha and installs the schema
func NewMirror(config *Config) (*Mirror, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	conn, err := grpc.NewClient(config.AlphaURL, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Dgraph: %w", err)
	}

	m := &Mirror{
		client:  dgo.NewDgraphClient(api.NewDgraphClient(conn)),
		conn:    conn,
		timeout: config.Timeout,
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.Timeout)
	defer cancel()
	if err := m.initSchema(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return m, nil
}

func (m *Mirror) initSchema(ctx context.Context) error {
	schema := `
		type Agent {
			agent.name: string
			routes_to: [Agent]
		}

		type Topology {
			topology.session: string
			topology.mode: string
			topology.stagnation: float
			topology.updated: datetime
		}

		agent.name: string @index(exact) @upsert .
		routes_to: [uid] @reverse .

		topology.session: string @index(exact) @upsert .
		topology.mode: string @index(exact) .
		topology.stagnation: float .
		topology.updated: datetime .
	`
	return m.client.Alter(ctx, &api.Operation{Schema: schema})
}

// Snapshot is the topology state mirrored for one session
type Snapshot struct {
	Session     string
	Mode        models.Mode
	Stagnation  float64
	Connections []models.Connection
	Updated     time.Time
}

// Sync replaces the mirrored routes with the snapshot's connections in one upsert
func (m *Mirror) Sync(ctx context.Context, snap Snapshot) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	txn := m.client.NewTxn()
	defer txn.Discard(ctx)

	if _, err := txn.Do(ctx, buildUpsert(snap)); err != nil {
		return fmt.Errorf("failed to mirror topology: %w", err)
	}
	return nil
}

// buildUpsert renders the upsert block: look up every agent and the session node,
// drop their current routes, then write names, routes and session metadata
func buildUpsert(snap Snapshot) *api.Request {
	agents := agentNames(snap.Connections)
	vars := make(map[string]string, len(agents))

	var query strings.Builder
	query.WriteString("query {\n")
	for i, name := range agents {
		v := "a" + strconv.Itoa(i)
		vars[name] = v
		fmt.Fprintf(&query, "\t%s as var(func: eq(agent.name, %s))\n", v, strconv.Quote(name))
	}
	fmt.Fprintf(&query, "\tt as var(func: eq(topology.session, %s))\n", strconv.Quote(snap.Session))
	query.WriteString("}")

	var del strings.Builder
	for _, name := range agents {
		fmt.Fprintf(&del, "uid(%s) <routes_to> * .\n", vars[name])
	}

	var set strings.Builder
	for _, name := range agents {
		fmt.Fprintf(&set, "uid(%s) <agent.name> %s .\n", vars[name], strconv.Quote(name))
		fmt.Fprintf(&set, "uid(%s) <dgraph.type> \"Agent\" .\n", vars[name])
	}
	for _, c := range snap.Connections {
		fmt.Fprintf(&set, "uid(%s) <routes_to> uid(%s) (type=%s) .\n",
			vars[c.From], vars[c.To], strconv.Quote(string(c.Type)))
	}
	fmt.Fprintf(&set, "uid(t) <topology.session> %s .\n", strconv.Quote(snap.Session))
	fmt.Fprintf(&set, "uid(t) <topology.mode> %s .\n", strconv.Quote(string(snap.Mode)))
	fmt.Fprintf(&set, "uid(t) <topology.stagnation> \"%s\" .\n", strconv.FormatFloat(snap.Stagnation, 'f', -1, 64))
	fmt.Fprintf(&set, "uid(t) <topology.updated> %s .\n", strconv.Quote(snap.Updated.UTC().Format(time.RFC3339)))
	set.WriteString("uid(t) <dgraph.type> \"Topology\" .\n")

	return &api.Request{
		Query: query.String(),
		Mutations: []*api.Mutation{
			{DelNquads: []byte(del.String())},
			{SetNquads: []byte(set.String())},
		},
		CommitNow: true,
	}
}

func agentNames(conns []models.Connection) []string {
	seen := make(map[string]bool)
	var names []string
	for _, c := range conns {
		for _, n := range []string{c.From, c.To} {
			if !seen[n] {
				seen[n] = true
				names = append(names, n)
			}
		}
	}
	sort.Strings(names)
	return names
}

// Routes returns the mirrored edges
func (m *Mirror) Routes(ctx context.Context) ([]models.Connection, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	query := `{
		agents(func: type(Agent)) {
			agent.name
			routes_to @facets(type) {
				agent.name
			}
		}
	}`

	resp, err := m.client.NewReadOnlyTxn().Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query routes: %w", err)
	}

	var result struct {
		Agents []struct {
			Name     string `json:"agent.name"`
			RoutesTo []struct {
				Name string `json:"agent.name"`
				Type string `json:"routes_to|type"`
			} `json:"routes_to"`
		} `json:"agents"`
	}
	if err := json.Unmarshal(resp.Json, &result); err != nil {
		return nil, fmt.Errorf("failed to parse routes: %w", err)
	}

	var conns []models.Connection
	for _, a := range result.Agents {
		for _, r := range a.RoutesTo {
			conns = append(conns, models.Connection{From: a.Name, To: r.Name, Type: models.EdgeType(r.Type), Strength: 1})
		}
	}
	return conns, nil
}

// Close closes the gRPC connection
func (m *Mirror) Close() error {
	return m.conn.Close()
}
