package modelhint

import (
	"testing"

	"github.com/medlearn/aicache/pkg/config"
)

func TestResolve(t *testing.T) {
	r := New(config.ModelsConfig{
		Default:  "claude-haiku-4-5",
		Families: map[string]string{"review": "claude-sonnet-4-5"},
		Modes:    map[string]string{"review.figure": "claude-opus-4-1"},
	})

	cases := map[string]string{
		"summary":       "claude-haiku-4-5",
		"review":        "claude-sonnet-4-5",
		"review-essay":  "claude-sonnet-4-5",
		"review.figure": "claude-opus-4-1",
		"reviewer":      "claude-haiku-4-5",
	}
	for mode, want := range cases {
		if got := r.Resolve(mode); got != want {
			t.Errorf("Resolve(%q) = %q, want %q", mode, got, want)
		}
	}
}

func TestResolveIgnoresLaterConfigMutation(t *testing.T) {
	cfg := config.ModelsConfig{Modes: map[string]string{"quiz": "a"}}
	r := New(cfg)
	cfg.Modes["quiz"] = "b"
	if got := r.Resolve("quiz"); got != "a" {
		t.Errorf("expected resolver to keep its own copy, got %q", got)
	}
}

func TestFamily(t *testing.T) {
	cases := map[string]string{
		"quiz":      "quiz",
		"quiz.mcq":  "quiz",
		"quiz:hard": "quiz",
		"quiz-hard": "quiz",
		"":          "",
	}
	for in, want := range cases {
		if got := Family(in); got != want {
			t.Errorf("Family(%q) = %q, want %q", in, got, want)
		}
	}
}
