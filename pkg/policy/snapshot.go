package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/jingkaihe/fsguard/pkg/api"
)

// Snapshot is an immutable, versioned rule set. Rules are held in
// evaluation order: descending priority, ties in submission order.
type Snapshot struct {
	version   uint64
	createdAt time.Time
	digest    string
	source    []api.PolicyRule
	rules     []Rule
}

func (s *Snapshot) Version() uint64      { return s.version }
func (s *Snapshot) CreatedAt() time.Time { return s.createdAt }
func (s *Snapshot) Digest() string       { return s.digest }
func (s *Snapshot) Len() int             { return len(s.rules) }

// Rule returns the i-th rule in evaluation order.
func (s *Snapshot) Rule(i int) Rule { return s.rules[i] }

// Rules returns a copy of the normalized rules in submission order.
func (s *Snapshot) Rules() []api.PolicyRule {
	out := make([]api.PolicyRule, len(s.source))
	for i, r := range s.source {
		r.Ops = append([]string(nil), r.Ops...)
		out[i] = r
	}
	return out
}

func (s *Snapshot) String() string {
	return fmt.Sprintf("policy v%d (%d rules, %s)", s.version, len(s.rules), shortDigest(s.digest))
}

// Build validates rules and compiles them into a snapshot with the given
// version. Nothing is published; Store.Reload does that.
func Build(version uint64, rules []api.PolicyRule, allowEmpty bool) (*Snapshot, error) {
	if len(rules) == 0 && !allowEmpty {
		return nil, newError(KindEmptyRuleSet, -1, "", ErrEmptyRuleSet, "")
	}

	source := make([]api.PolicyRule, len(rules))
	compiled := make([]Rule, len(rules))
	for i, in := range rules {
		source[i] = normalizeRule(in)
		r, perr := compileRule(i, source[i])
		if perr != nil {
			return nil, perr
		}
		compiled[i] = r
	}
	if perr := checkConflicts(source); perr != nil {
		return nil, perr
	}

	sort.SliceStable(compiled, func(i, j int) bool {
		return compiled[i].priority > compiled[j].priority
	})

	digest, err := digestRules(source)
	if err != nil {
		return nil, err
	}

	return &Snapshot{
		version:   version,
		createdAt: time.Now().UTC(),
		digest:    digest,
		source:    source,
		rules:     compiled,
	}, nil
}

// checkConflicts rejects rules that share a priority and a selector (pattern
// and operation set) but ask for different actions.
func checkConflicts(rules []api.PolicyRule) *Error {
	type key struct {
		priority int
		pattern  string
		ops      string
		minOps   int
		minBytes int64
	}
	seen := make(map[key]int, len(rules))
	for i, r := range rules {
		k := key{r.Priority, r.Pattern, fmt.Sprint(r.Ops), r.MinOps, r.MinBytes}
		if j, ok := seen[k]; ok {
			if rules[j].Action != r.Action {
				return newError(KindConflictingPriority, i, r.Name, ErrConflictingPriority,
					"priority %d on %q is also used by rule %d with action %s", r.Priority, r.Pattern, j, rules[j].Action)
			}
			continue
		}
		seen[k] = i
	}
	return nil
}

func digestRules(rules []api.PolicyRule) (string, error) {
	data, err := json.Marshal(rules)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func shortDigest(d string) string {
	if len(d) > 12 {
		return d[:12]
	}
	return d
}
