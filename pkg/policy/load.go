package policy

import (
	"bytes"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/jingkaihe/fsguard/internal/errx"
	"github.com/jingkaihe/fsguard/pkg/api"
)

// Parse decodes a rule list. YAML and JSON are both accepted, either as a
// document with a top-level "rules" key or as a bare list.
func Parse(data []byte) ([]api.PolicyRule, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}

	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, errx.Wrap(ErrParsePolicy, err)
	}
	if len(node.Content) == 0 {
		return nil, nil
	}

	root := node.Content[0]
	if root.Kind == yaml.SequenceNode {
		var rules []api.PolicyRule
		if err := root.Decode(&rules); err != nil {
			return nil, errx.Wrap(ErrParsePolicy, err)
		}
		return rules, nil
	}

	var doc api.PolicyDocument
	if err := root.Decode(&doc); err != nil {
		return nil, errx.Wrap(ErrParsePolicy, err)
	}
	return doc.Rules, nil
}

// LoadFile reads and parses a policy file.
func LoadFile(path string) ([]api.PolicyRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errx.Wrap(ErrReadPolicy, err)
	}
	return Parse(data)
}

// Marshal renders rules as a YAML policy document.
func Marshal(rules []api.PolicyRule) ([]byte, error) {
	return yaml.Marshal(api.PolicyDocument{Rules: rules})
}
