package api

// PolicyRule is one entry of the serialized rule list.
//
// Pattern is a path glob by default. The prefixes "proc:" and "uid:" select
// a process name glob or a numeric uid instead.
type PolicyRule struct {
	Name     string   `json:"name,omitempty" yaml:"name,omitempty"`
	Pattern  string   `json:"pattern" yaml:"pattern"`
	Action   string   `json:"action" yaml:"action"`
	Priority int      `json:"priority" yaml:"priority"`
	Ops      []string `json:"ops,omitempty" yaml:"ops,omitempty"`

	// DelayMS is the wait requested by delay rules. Zero uses the default.
	DelayMS int `json:"delay_ms,omitempty" yaml:"delay_ms,omitempty"`

	// MinOps and MinBytes restrict the rule to processes whose activity
	// inside the rate window reached the threshold.
	MinOps   int   `json:"min_ops,omitempty" yaml:"min_ops,omitempty"`
	MinBytes int64 `json:"min_bytes,omitempty" yaml:"min_bytes,omitempty"`
}

// PolicyDocument is the on-disk and on-wire rule container.
type PolicyDocument struct {
	Rules []PolicyRule `json:"rules" yaml:"rules"`
}
