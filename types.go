package engram

// --- Domain types (storage records) ---

// MemoryType classifies how a memory is used and how lifecycle rules treat it.
type MemoryType string

const (
	MemoryWorking    MemoryType = "working"
	MemoryEpisodic   MemoryType = "episodic"
	MemorySemantic   MemoryType = "semantic"
	MemoryProcedural MemoryType = "procedural"
)

// ValidMemoryType reports whether t is one of the four recognised types.
func ValidMemoryType(t MemoryType) bool {
	switch t {
	case MemoryWorking, MemoryEpisodic, MemorySemantic, MemoryProcedural:
		return true
	}
	return false
}

// Memory is a durable extracted fact. Identity is `id`, unique within a
// (userId, agentId) pair. Resonance starts at 1.0 and decays over time;
// deletion is gated on it dropping below the configured threshold.
type Memory struct {
	ID               string         `json:"id"`
	UserID           string         `json:"user_id"`
	AgentID          string         `json:"agent_id"`
	Content          string         `json:"content"`
	Type             MemoryType     `json:"type"`
	Importance       float64        `json:"importance"` // [0,1]
	Resonance        float64        `json:"resonance"`  // [0,1], initially 1.0
	AccessCount      int            `json:"access_count"`
	CreatedAt        int64          `json:"created_at"`       // ms epoch
	UpdatedAt        int64          `json:"updated_at"`       // ms epoch, >= CreatedAt
	LastAccessedAt   int64          `json:"last_accessed_at"` // ms epoch; 0 = use CreatedAt
	Keywords         []string       `json:"keywords,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	SourceMessageIDs []string       `json:"source_message_ids,omitempty"`
	BatchID          string         `json:"batch_id,omitempty"`
}

// MemoryMessage is an inbound conversational unit. Immutable once created.
type MemoryMessage struct {
	ID        string `json:"id"`
	AgentID   string `json:"agent_id"`
	Role      string `json:"role"` // "user", "assistant", or "system"
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"` // ms epoch
}

// ExtractionRule is a user-defined regex pattern that mines memories out of
// messages at zero LLM cost. Rules are owned per (userId, agentId); their
// lifetime is independent of the memories they spawn.
type ExtractionRule struct {
	ID             string     `json:"id"`
	Pattern        string     `json:"pattern"` // regex; first capture group becomes the content
	Type           MemoryType `json:"type"`
	Importance     float64    `json:"importance"` // [0,1]
	Tags           []string   `json:"tags,omitempty"`
	IsActive       bool       `json:"is_active"`
	NeverDecay     bool       `json:"never_decay,omitempty"`
	CustomHalfLife float64    `json:"custom_half_life,omitempty"` // days
	Reinforceable  bool       `json:"reinforceable,omitempty"`
}

// DecayRule selects memories by a safe condition expression and applies a
// per-day exponential decay rate to them. The first matching enabled rule
// wins for a given memory.
type DecayRule struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	Condition     string  `json:"condition"`      // safe expression, see decayexpr.go
	DecayRate     float64 `json:"decay_rate"`     // [0,1] per day
	MinImportance float64 `json:"min_importance"` // [0,1] resonance floor
	NeverDecay    bool    `json:"never_decay"`
	Enabled       bool    `json:"enabled"`
}

// BatchMetadata records the outcome of one batch decision. Written exactly
// once per decision, including skipped and failed batches.
type BatchMetadata struct {
	BatchID           string   `json:"batch_id"`
	SourceMessageIDs  []string `json:"source_message_ids"`
	StartTime         int64    `json:"start_time"` // ms epoch
	EndTime           int64    `json:"end_time"`   // ms epoch
	MessagesProcessed int      `json:"messages_processed"`
	MemoriesCreated   int      `json:"memories_created"`
	ExtractionMethods []string `json:"extraction_methods"`
	Error             string   `json:"error,omitempty"`
}

// Connection is a directed edge between two memories. Graph traversal
// treats edges as undirected; direction is preserved as data.
type Connection struct {
	SourceID string         `json:"source_id"`
	TargetID string         `json:"target_id"`
	Type     string         `json:"type"`
	Strength float64        `json:"strength"` // [0,1]
	Metadata map[string]any `json:"metadata,omitempty"`
}

// CostRecord is one append-only entry of extraction spend for an agent.
type CostRecord struct {
	AgentID           string         `json:"agent_id"`
	ExtractorType     string         `json:"extractor_type"`
	Cost              float64        `json:"cost"` // USD
	MemoriesExtracted int            `json:"memories_extracted"`
	MessagesProcessed int            `json:"messages_processed"`
	DurationMs        int64          `json:"duration_ms,omitempty"`
	CreatedAt         int64          `json:"created_at"` // ms epoch
	Metadata          map[string]any `json:"metadata,omitempty"`
}

// Evolution records a lifecycle change applied to a memory (deletion,
// promotion). Kept append-only next to the memories they describe.
type Evolution struct {
	ID         string         `json:"id"`
	MemoryID   string         `json:"memory_id"`
	AgentID    string         `json:"agent_id"`
	ChangeType string         `json:"change_type"` // "deletion" or "promotion"
	Reason     string         `json:"reason,omitempty"`
	CreatedAt  int64          `json:"created_at"` // ms epoch
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// --- Reports ---

// DecayRuleResult aggregates the effect of one decay rule over a pass.
type DecayRuleResult struct {
	RuleID           string  `json:"rule_id"`
	RuleName         string  `json:"rule_name"`
	MemoriesAffected int     `json:"memories_affected"`
	AvgDecayApplied  float64 `json:"avg_decay_applied"`
}

// DecayReport summarises one decay pass over an agent's memories.
type DecayReport struct {
	Processed   int               `json:"processed"`
	Updated     int               `json:"updated"`
	Deleted     int               `json:"deleted"`
	Timestamp   int64             `json:"timestamp"` // ms epoch
	RuleResults []DecayRuleResult `json:"rule_results,omitempty"`
}

// LifecycleResult summarises one full lifecycle pass
// (decay, promotion, cleanup, limit enforcement).
type LifecycleResult struct {
	Decay     DecayReport `json:"decay"`
	Promoted  int         `json:"promoted"`
	Cleaned   int         `json:"cleaned"`
	Trimmed   int         `json:"trimmed"`
	Timestamp int64       `json:"timestamp"` // ms epoch
}

// --- Graph types ---

// ConnectedMemory is one node reached by graph traversal.
// Depth 0 is the start node itself.
type ConnectedMemory struct {
	MemoryID string `json:"memory_id"`
	Depth    int    `json:"depth"`
}

// Cluster is one connected component of the memory graph.
type Cluster struct {
	Size        int      `json:"size"`
	Members     []string `json:"members"` // sorted memory ids
	AvgStrength float64  `json:"avg_strength"`
}

// GraphInsights aggregates structural statistics over an agent's memory graph.
type GraphInsights struct {
	TotalMemories    int            `json:"total_memories"`
	TotalConnections int            `json:"total_connections"`
	Degrees          map[string]int `json:"degrees,omitempty"`
	AvgDegree        float64        `json:"avg_degree"`
	MostConnectedID  string         `json:"most_connected_id,omitempty"`
	Strongest        *Connection    `json:"strongest,omitempty"`
	Clusters         []Cluster      `json:"clusters,omitempty"`
}

// --- Message constructors ---

func UserMemoryMessage(agentID, content string) MemoryMessage {
	return MemoryMessage{ID: NewID(), AgentID: agentID, Role: "user", Content: content, Timestamp: NowUnixMilli()}
}

func AssistantMemoryMessage(agentID, content string) MemoryMessage {
	return MemoryMessage{ID: NewID(), AgentID: agentID, Role: "assistant", Content: content, Timestamp: NowUnixMilli()}
}
