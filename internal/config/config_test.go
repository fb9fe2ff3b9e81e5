package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("Expected default port 8080, got %q", cfg.Port)
	}
	if !cfg.Engines.STTEnabled {
		t.Error("Expected STT enabled by default")
	}
	if cfg.Pipeline.HistoryLimit != 4 {
		t.Errorf("Expected history limit 4, got %d", cfg.Pipeline.HistoryLimit)
	}
	if cfg.Pipeline.RecallMinScore != 0.6 {
		t.Errorf("Expected recall min score 0.6, got %v", cfg.Pipeline.RecallMinScore)
	}
	if cfg.RecallDSN != "" {
		t.Errorf("Expected recall disabled by default, got %q", cfg.RecallDSN)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("STT_ENABLED", "false")
	t.Setenv("GENERATE_TIMEOUT", "5s")
	t.Setenv("RECALL_TOP_K", "7")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Port != "9090" {
		t.Errorf("Expected port 9090, got %q", cfg.Port)
	}
	if cfg.Engines.STTEnabled {
		t.Error("Expected STT disabled")
	}
	if cfg.Engines.GenerateTimeout != 5*time.Second {
		t.Errorf("Expected 5s generate timeout, got %v", cfg.Engines.GenerateTimeout)
	}
	if cfg.Pipeline.RecallTopK != 7 {
		t.Errorf("Expected recall top k 7, got %d", cfg.Pipeline.RecallTopK)
	}
}

func TestLoadInvalidValuesFallBack(t *testing.T) {
	t.Setenv("HISTORY_LIMIT", "not-a-number")
	t.Setenv("TRANSCRIBE_TIMEOUT", "-3s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Pipeline.HistoryLimit != 4 {
		t.Errorf("Expected fallback history limit 4, got %d", cfg.Pipeline.HistoryLimit)
	}
	if cfg.Engines.TranscribeTimeout != 15*time.Second {
		t.Errorf("Expected fallback transcribe timeout, got %v", cfg.Engines.TranscribeTimeout)
	}
}

func TestValidateRejectsEmptyEndpoint(t *testing.T) {
	t.Setenv("LLM_ENDPOINT", "")

	if _, err := Load(); err == nil {
		t.Fatal("Expected validation error for empty LLM endpoint")
	}
}
