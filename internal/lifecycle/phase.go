// Package lifecycle derives requirement state from its subtasks and review
// levels. Every function is pure: callers pass the current time explicitly
// and receive a new snapshot.
package lifecycle

import (
	"strings"

	"reqline/internal/domain"
)

// KeywordTable maps a delivery phase to the substrings that identify it.
// Phase precedence is fixed by the classifier, not by the table.
type KeywordTable map[domain.Phase][]string

// DefaultKeywords is the built-in table, English plus the original labels.
func DefaultKeywords() KeywordTable {
	return KeywordTable{
		domain.PhasePrototype:   {"prototype design", "原型设计"},
		domain.PhaseUI:          {"visual design", "UI design", "视觉设计", "UI设计"},
		domain.PhaseDevelopment: {"development", "frontend", "backend", "data", "开发", "前端", "后端", "数据"},
		domain.PhaseTesting:     {"testing", "测试"},
		domain.PhaseAcceptance:  {"acceptance", "product acceptance", "验收", "产品验收"},
	}
}

type rule struct {
	phase    domain.Phase
	keywords []string
}

// Classifier maps free-text subtask names to delivery phases.
type Classifier struct {
	rules         []rule
	caseSensitive bool
}

var defaultClassifier = NewClassifier(DefaultKeywords(), false)

// DefaultClassifier returns the classifier built from DefaultKeywords.
func DefaultClassifier() Classifier {
	return defaultClassifier
}

// NewClassifier builds a classifier from table. Phases missing from table
// never match; unknown phases in table are ignored.
func NewClassifier(table KeywordTable, caseSensitive bool) Classifier {
	c := Classifier{caseSensitive: caseSensitive}
	for _, phase := range domain.DeliveryPhases {
		var kws []string
		for _, kw := range table[phase] {
			kw = strings.TrimSpace(kw)
			if kw == "" {
				continue
			}
			if !caseSensitive {
				kw = strings.ToLower(kw)
			}
			kws = append(kws, kw)
		}
		if len(kws) > 0 {
			c.rules = append(c.rules, rule{phase: phase, keywords: kws})
		}
	}
	return c
}

// Classify returns the first phase, in delivery order, whose keywords occur
// in name. Unmatched names are PhaseOther.
func (c Classifier) Classify(name string) domain.Phase {
	if !c.caseSensitive {
		name = strings.ToLower(name)
	}
	for _, r := range c.rules {
		for _, kw := range r.keywords {
			if strings.Contains(name, kw) {
				return r.phase
			}
		}
	}
	return domain.PhaseOther
}

// Classify uses the default keyword table.
func Classify(name string) domain.Phase {
	return defaultClassifier.Classify(name)
}
