// internal/rulesetfile/rulesetfile.go

// Package rulesetfile reads sampling rule configurations from YAML files.
// Files are the operator-facing format of the ruleset apply command; the
// engine re-validates everything, this package only handles shape.
package rulesetfile

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/millrun/samplegate/internal/sampling"
	"github.com/millrun/samplegate/internal/types"
)

// File is the on-disk document shape.
//
//	scope:
//	  part_type: turbo-blade
//	  process: cnc
//	  step: deburr
//	rules:
//	  - kind: every_nth
//	    value: 5
//	fallback:
//	  threshold: 2
//	  duration: 3
//	  rules:
//	    - kind: first_n
//	      value: 100
type File struct {
	Scope     ScopeDoc     `yaml:"scope"`
	Rules     []RuleDoc    `yaml:"rules"`
	Fallback  *FallbackDoc `yaml:"fallback"`
	FullReset bool         `yaml:"full_reset"`
}

type ScopeDoc struct {
	PartType string `yaml:"part_type"`
	Process  string `yaml:"process"`
	Step     string `yaml:"step"`
}

type RuleDoc struct {
	Kind  string `yaml:"kind"`
	Value int64  `yaml:"value"`
	// Order is optional; rules without one evaluate in list order.
	Order int `yaml:"order"`
}

type FallbackDoc struct {
	Threshold int64     `yaml:"threshold"`
	Duration  int64     `yaml:"duration"`
	Rules     []RuleDoc `yaml:"rules"`
}

// Load reads and parses a rule configuration file into an update request.
func Load(path string) (*sampling.UpdateRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	req, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return req, nil
}

// Parse decodes a YAML document into an update request. Unknown fields are
// rejected so a typo like "treshold" fails loudly instead of applying a
// half-configured fallback.
func Parse(data []byte) (*sampling.UpdateRequest, error) {
	var file File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("invalid yaml: %w", err)
	}

	req := &sampling.UpdateRequest{
		Scope: types.ScopeKey{
			PartType: file.Scope.PartType,
			Process:  file.Scope.Process,
			Step:     file.Scope.Step,
		},
		FullReset: file.FullReset,
	}

	rules, err := convertRules(file.Rules)
	if err != nil {
		return nil, err
	}
	req.Rules = rules

	if file.Fallback != nil {
		fallbackRules, err := convertRules(file.Fallback.Rules)
		if err != nil {
			return nil, fmt.Errorf("fallback: %w", err)
		}
		req.Fallback = &sampling.FallbackSpec{
			Threshold: file.Fallback.Threshold,
			Duration:  file.Fallback.Duration,
			Rules:     fallbackRules,
		}
	}

	return req, nil
}

func convertRules(docs []RuleDoc) ([]sampling.RuleSpec, error) {
	specs := make([]sampling.RuleSpec, 0, len(docs))
	for i, doc := range docs {
		kind, err := types.ParseRuleKind(doc.Kind)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i+1, err)
		}
		specs = append(specs, sampling.RuleSpec{
			Kind:  kind,
			Value: doc.Value,
			Order: doc.Order,
		})
	}
	return specs, nil
}
