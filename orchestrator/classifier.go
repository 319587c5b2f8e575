/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

package orchestrator

import (
	"strings"

	"github.com/PivotLLM/Switchboard/config"
	"github.com/PivotLLM/Switchboard/global"
)

// Classifier picks the handler name for a task
type Classifier interface {
	Classify(task global.Task) string
}

// ClassifierFunc adapts a function to Classifier
type ClassifierFunc func(task global.Task) string

// Classify calls f(task)
func (f ClassifierFunc) Classify(task global.Task) string {
	return f(task)
}

// KeywordClassifier routes a task to the first rule with a keyword found in
// its title or description. Matching is case-insensitive.
type KeywordClassifier struct {
	rules    []config.ClassifierRule
	fallback string
}

// NewKeywordClassifier builds a classifier from configured rules
func NewKeywordClassifier(cfg config.Classifier) *KeywordClassifier {
	k := &KeywordClassifier{fallback: cfg.Default}
	if k.fallback == "" {
		k.fallback = global.DefaultHandler
	}
	for _, rule := range cfg.Rules {
		lowered := config.ClassifierRule{Handler: rule.Handler}
		for _, kw := range rule.Keywords {
			if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" {
				lowered.Keywords = append(lowered.Keywords, kw)
			}
		}
		k.rules = append(k.rules, lowered)
	}
	return k
}

// Classify returns the handler name for task
func (k *KeywordClassifier) Classify(task global.Task) string {
	text := strings.ToLower(task.Title + " " + task.Description)
	for _, rule := range k.rules {
		for _, kw := range rule.Keywords {
			if strings.Contains(text, kw) {
				return rule.Handler
			}
		}
	}
	return k.fallback
}
