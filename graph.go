package engram

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sort"
)

// bfsNodeCap bounds traversal on dense graphs.
const bfsNodeCap = 100

// suggestionFloor is the minimum cosine similarity for a suggested
// connection.
const suggestionFloor = 0.5

// TraversalOptions filter graph expansion.
type TraversalOptions struct {
	// MaxDepth in undirected hops. Values below 1 mean 1.
	MaxDepth int
	// ConnectionTypes restricts traversal to these edge types. Empty
	// means all.
	ConnectionTypes []string
	// MinStrength ignores edges weaker than this.
	MinStrength float64
}

// ConnectionGraph stores and traverses typed, weighted edges between
// memories. Edges are persisted under both endpoints so traversal reads
// are a single prefix scan per node; the record itself preserves
// direction.
type ConnectionGraph struct {
	store  Storage
	embed  Embedder
	logger *slog.Logger
}

// GraphOption configures a ConnectionGraph.
type GraphOption func(*ConnectionGraph)

// WithGraphLogger sets the structured logger.
func WithGraphLogger(l *slog.Logger) GraphOption {
	return func(g *ConnectionGraph) { g.logger = l }
}

// WithGraphEmbedder enables SuggestConnections.
func WithGraphEmbedder(e Embedder) GraphOption {
	return func(g *ConnectionGraph) { g.embed = e }
}

// NewConnectionGraph creates a graph over the given storage.
func NewConnectionGraph(store Storage, opts ...GraphOption) *ConnectionGraph {
	g := &ConnectionGraph{
		store:  store,
		logger: nopLogger,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// AddConnection persists an edge under both endpoint keys. Re-adding the
// same (source, target) pair overwrites the previous edge.
func (g *ConnectionGraph) AddConnection(ctx context.Context, conn Connection) error {
	if conn.SourceID == "" || conn.TargetID == "" {
		return fmt.Errorf("add connection: missing endpoint: %w", ErrInvalidArgument)
	}
	if conn.SourceID == conn.TargetID {
		return fmt.Errorf("add connection: self loop: %w", ErrInvalidArgument)
	}
	if conn.Strength < 0 || conn.Strength > 1 {
		return fmt.Errorf("add connection: strength %v out of range: %w", conn.Strength, ErrInvalidArgument)
	}
	if conn.Type == "" {
		conn.Type = "related"
	}
	if err := SetJSON(ctx, g.store, ConnectionKey(conn.SourceID, conn.TargetID), conn, 0); err != nil {
		return fmt.Errorf("add connection: %w", err)
	}
	if err := SetJSON(ctx, g.store, ConnectionKey(conn.TargetID, conn.SourceID), conn, 0); err != nil {
		return fmt.Errorf("add connection: %w", err)
	}
	return nil
}

// RemoveConnection deletes the edge between two memories, reporting
// whether it existed.
func (g *ConnectionGraph) RemoveConnection(ctx context.Context, sourceID, targetID string) (bool, error) {
	a, err := g.store.Delete(ctx, ConnectionKey(sourceID, targetID))
	if err != nil {
		return false, fmt.Errorf("remove connection: %w", err)
	}
	b, err := g.store.Delete(ctx, ConnectionKey(targetID, sourceID))
	if err != nil {
		return a, fmt.Errorf("remove connection: %w", err)
	}
	return a || b, nil
}

// Connections returns all edges incident to a memory. Records that
// vanish or fail to decode mid-scan are skipped.
func (g *ConnectionGraph) Connections(ctx context.Context, memoryID string) ([]Connection, error) {
	keys, err := g.store.List(ctx, ConnectionPrefix(memoryID))
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	conns := make([]Connection, 0, len(keys))
	for _, key := range keys {
		c, ok, err := GetJSON[Connection](ctx, g.store, key)
		if err != nil || !ok {
			continue
		}
		conns = append(conns, c)
	}
	return conns, nil
}

// FindConnectedMemories expands breadth-first from startID through the
// filtered, undirected edge set. The result includes the start node at
// depth 0 and is capped at 100 visited nodes. Edges to memories that no
// longer exist are skipped.
func (g *ConnectionGraph) FindConnectedMemories(ctx context.Context, userID, agentID, startID string, opts TraversalOptions) ([]ConnectedMemory, error) {
	if _, ok, err := getMemory(ctx, g.store, userID, agentID, startID); err != nil {
		return nil, err
	} else if !ok {
		return nil, fmt.Errorf("memory %s: %w", startID, ErrNotFound)
	}
	maxDepth := opts.MaxDepth
	if maxDepth < 1 {
		maxDepth = 1
	}

	visited := map[string]bool{startID: true}
	out := []ConnectedMemory{{MemoryID: startID, Depth: 0}}
	frontier := []string{startID}

	for depth := 1; depth <= maxDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, id := range frontier {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			conns, err := g.Connections(ctx, id)
			if err != nil {
				return nil, err
			}
			for _, conn := range conns {
				if !edgeAllowed(conn, opts) {
					continue
				}
				other := otherEnd(conn, id)
				if other == "" || visited[other] {
					continue
				}
				if len(visited) >= bfsNodeCap {
					g.logger.Debug("traversal node cap reached", "start_id", startID)
					return out, nil
				}
				if _, ok, err := getMemory(ctx, g.store, userID, agentID, other); err != nil {
					return nil, err
				} else if !ok {
					// Dangling edge left behind by a deletion.
					continue
				}
				visited[other] = true
				out = append(out, ConnectedMemory{MemoryID: other, Depth: depth})
				next = append(next, other)
			}
		}
		frontier = next
	}
	return out, nil
}

// FindPath returns the first shortest path between two memories found by
// BFS, inclusive of both ends, or nil when none exists within maxDepth.
// A path from a memory to itself is just that memory.
func (g *ConnectionGraph) FindPath(ctx context.Context, userID, agentID, sourceID, targetID string, maxDepth int) ([]string, error) {
	if sourceID == targetID {
		return []string{sourceID}, nil
	}
	if maxDepth < 1 {
		maxDepth = 1
	}

	parent := map[string]string{sourceID: ""}
	frontier := []string{sourceID}

	for depth := 1; depth <= maxDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, id := range frontier {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			conns, err := g.Connections(ctx, id)
			if err != nil {
				return nil, err
			}
			for _, conn := range conns {
				other := otherEnd(conn, id)
				if other == "" {
					continue
				}
				if _, seen := parent[other]; seen {
					continue
				}
				if len(parent) >= bfsNodeCap {
					return nil, nil
				}
				if other != targetID {
					if _, ok, err := getMemory(ctx, g.store, userID, agentID, other); err != nil {
						return nil, err
					} else if !ok {
						continue
					}
				}
				parent[other] = id
				if other == targetID {
					return rebuildPath(parent, targetID), nil
				}
				next = append(next, other)
			}
		}
		frontier = next
	}
	return nil, nil
}

func rebuildPath(parent map[string]string, targetID string) []string {
	var rev []string
	for id := targetID; id != ""; id = parent[id] {
		rev = append(rev, id)
	}
	slices.Reverse(rev)
	return rev
}

// FindClusters computes connected components over the given edges and
// returns those with at least two members, largest first. AvgStrength is
// the mean of incident-edge strengths across all member nodes, rounded
// to three decimals.
func FindClusters(conns []Connection) []Cluster {
	adj := make(map[string][]string)
	incident := make(map[string][]float64)
	for _, c := range conns {
		if c.SourceID == "" || c.TargetID == "" {
			continue
		}
		adj[c.SourceID] = append(adj[c.SourceID], c.TargetID)
		adj[c.TargetID] = append(adj[c.TargetID], c.SourceID)
		incident[c.SourceID] = append(incident[c.SourceID], c.Strength)
		incident[c.TargetID] = append(incident[c.TargetID], c.Strength)
	}

	nodes := make([]string, 0, len(adj))
	for id := range adj {
		nodes = append(nodes, id)
	}
	sort.Strings(nodes)

	visited := make(map[string]bool, len(adj))
	var clusters []Cluster
	for _, start := range nodes {
		if visited[start] {
			continue
		}
		// Iterative DFS keeps deep components off the call stack.
		var members []string
		stack := []string{start}
		visited[start] = true
		for len(stack) > 0 {
			id := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			members = append(members, id)
			for _, next := range adj[id] {
				if !visited[next] {
					visited[next] = true
					stack = append(stack, next)
				}
			}
		}
		if len(members) < 2 {
			continue
		}
		sort.Strings(members)

		var sum float64
		var count int
		for _, id := range members {
			for _, s := range incident[id] {
				sum += s
				count++
			}
		}
		clusters = append(clusters, Cluster{
			Size:        len(members),
			Members:     members,
			AvgStrength: round3(sum / float64(count)),
		})
	}

	sort.Slice(clusters, func(i, j int) bool {
		if clusters[i].Size != clusters[j].Size {
			return clusters[i].Size > clusters[j].Size
		}
		return clusters[i].Members[0] < clusters[j].Members[0]
	})
	return clusters
}

// GraphInsights aggregates degree, edge, and cluster statistics over one
// agent's memory graph.
func (g *ConnectionGraph) GraphInsights(ctx context.Context, userID, agentID string) (*GraphInsights, error) {
	memories, err := listMemories(ctx, g.store, userID, agentID)
	if err != nil {
		return nil, err
	}

	// Both-direction storage yields each edge twice; dedupe by
	// (source, target, type).
	type edgeKey struct{ src, tgt, typ string }
	seen := make(map[edgeKey]bool)
	var edges []Connection
	for i := range memories {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		conns, err := g.Connections(ctx, memories[i].ID)
		if err != nil {
			return nil, err
		}
		for _, c := range conns {
			k := edgeKey{src: c.SourceID, tgt: c.TargetID, typ: c.Type}
			if seen[k] {
				continue
			}
			seen[k] = true
			edges = append(edges, c)
		}
	}

	insights := &GraphInsights{
		TotalMemories:    len(memories),
		TotalConnections: len(edges),
		Degrees:          make(map[string]int),
	}
	var strongest *Connection
	for i := range edges {
		e := &edges[i]
		insights.Degrees[e.SourceID]++
		insights.Degrees[e.TargetID]++
		if strongest == nil || e.Strength > strongest.Strength {
			strongest = e
		}
	}
	if strongest != nil {
		c := *strongest
		insights.Strongest = &c
	}
	if len(memories) > 0 {
		var total int
		for _, d := range insights.Degrees {
			total += d
		}
		insights.AvgDegree = float64(total) / float64(len(memories))
	}
	// Deterministic winner on degree ties: smallest id.
	var bestDegree int
	for id, d := range insights.Degrees {
		if d > bestDegree || (d == bestDegree && (insights.MostConnectedID == "" || id < insights.MostConnectedID)) {
			bestDegree = d
			insights.MostConnectedID = id
		}
	}
	insights.Clusters = FindClusters(edges)
	return insights, nil
}

// SuggestConnections proposes semantic-similarity edges from a memory to
// its nearest unconnected neighbours. Suggestions are returned, not
// persisted. Requires an embedder.
func (g *ConnectionGraph) SuggestConnections(ctx context.Context, userID, agentID, memoryID string, limit int) ([]Connection, error) {
	if g.embed == nil {
		return nil, &ErrConfig{Component: "graph", Message: "embedder not configured"}
	}
	if limit < 1 {
		limit = 5
	}
	target, ok, err := getMemory(ctx, g.store, userID, agentID, memoryID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("memory %s: %w", memoryID, ErrNotFound)
	}

	connected := make(map[string]bool)
	conns, err := g.Connections(ctx, memoryID)
	if err != nil {
		return nil, err
	}
	for _, c := range conns {
		connected[otherEnd(c, memoryID)] = true
	}

	memories, err := listMemories(ctx, g.store, userID, agentID)
	if err != nil {
		return nil, err
	}
	var candidates []Memory
	for _, m := range memories {
		if m.ID == memoryID || connected[m.ID] {
			continue
		}
		candidates = append(candidates, m)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	texts := make([]string, 0, len(candidates)+1)
	texts = append(texts, target.Content)
	for _, m := range candidates {
		texts = append(texts, m.Content)
	}
	vecs, err := g.embed.Embed(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("suggest connections: %w", err)
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("suggest connections: embedder returned %d vectors for %d texts", len(vecs), len(texts))
	}

	type scored struct {
		id  string
		sim float64
	}
	var ranked []scored
	for i, m := range candidates {
		sim := cosineSimilarity(vecs[0], vecs[i+1])
		if sim >= suggestionFloor {
			ranked = append(ranked, scored{id: m.ID, sim: sim})
		}
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].sim != ranked[j].sim {
			return ranked[i].sim > ranked[j].sim
		}
		return ranked[i].id < ranked[j].id
	})
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}

	out := make([]Connection, len(ranked))
	for i, r := range ranked {
		out[i] = Connection{
			SourceID: memoryID,
			TargetID: r.id,
			Type:     "semantic-similarity",
			Strength: round3(r.sim),
		}
	}
	return out, nil
}

func edgeAllowed(c Connection, opts TraversalOptions) bool {
	if opts.MinStrength > 0 && c.Strength < opts.MinStrength {
		return false
	}
	if len(opts.ConnectionTypes) > 0 && !slices.Contains(opts.ConnectionTypes, c.Type) {
		return false
	}
	return true
}

// otherEnd returns the opposite endpoint of an edge relative to id, or ""
// when id is not an endpoint.
func otherEnd(c Connection, id string) string {
	switch id {
	case c.SourceID:
		return c.TargetID
	case c.TargetID:
		return c.SourceID
	}
	return ""
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
