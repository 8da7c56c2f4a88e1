// Package modelhint resolves which upstream model serves a mode.
//
// The hint is part of every fingerprint, so resolution depends only on the
// mode and the configuration: changing a configured model invalidates the
// entries produced by the previous one.
package modelhint

import (
	"strings"

	"github.com/medlearn/aicache/pkg/config"
)

// Resolver maps modes to model hints.
type Resolver struct {
	modes    map[string]string
	families map[string]string
	fallback string
}

// New creates a Resolver from the models section of the configuration.
func New(cfg config.ModelsConfig) *Resolver {
	r := &Resolver{
		modes:    make(map[string]string, len(cfg.Modes)),
		families: make(map[string]string, len(cfg.Families)),
		fallback: cfg.Default,
	}
	for k, v := range cfg.Modes {
		r.modes[k] = v
	}
	for k, v := range cfg.Families {
		r.families[k] = v
	}
	return r
}

// Resolve returns the model hint for mode.
// An exact mode entry wins, then the mode's family, then the default.
func (r *Resolver) Resolve(mode string) string {
	if m, ok := r.modes[mode]; ok {
		return m
	}
	if m, ok := r.families[Family(mode)]; ok {
		return m
	}
	return r.fallback
}

// Family returns the family prefix of a mode: the part before the first
// '.', ':' or '-'. "quiz.mcq" and "quiz-hard" both belong to "quiz".
func Family(mode string) string {
	if i := strings.IndexAny(mode, ".:-"); i >= 0 {
		return mode[:i]
	}
	return mode
}
