package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	Load()

	if Cfg.ListenAddr != ":8000" {
		t.Errorf("ListenAddr = %q, want :8000", Cfg.ListenAddr)
	}
	if Cfg.QueueLimit != 50 {
		t.Errorf("QueueLimit = %d, want 50", Cfg.QueueLimit)
	}
	if Cfg.ConnectTimeout != 15*time.Second {
		t.Errorf("ConnectTimeout = %v, want 15s", Cfg.ConnectTimeout)
	}
	if len(Cfg.HeavyCommands) != 3 {
		t.Errorf("HeavyCommands = %v, want 3 entries", Cfg.HeavyCommands)
	}
	if len(Cfg.EmptyReplyMarkers) != 1 || Cfg.EmptyReplyMarkers[0] != "!empty" {
		t.Errorf("EmptyReplyMarkers = %v, want [!empty]", Cfg.EmptyReplyMarkers)
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("ROUTERD_QUEUE_LIMIT", "7")
	t.Setenv("ROUTERD_BACKOFF_MAX", "2m")
	t.Setenv("ROUTERD_AUTH_DISABLED", "true")
	t.Setenv("ROUTERD_EMPTY_REPLY_MARKERS", "!empty,UNKNOWNREPLY")
	Load()

	if Cfg.QueueLimit != 7 {
		t.Errorf("QueueLimit = %d, want 7", Cfg.QueueLimit)
	}
	if Cfg.BackoffMax != 2*time.Minute {
		t.Errorf("BackoffMax = %v, want 2m", Cfg.BackoffMax)
	}
	if !Cfg.AuthDisabled {
		t.Error("AuthDisabled = false, want true")
	}
	if len(Cfg.EmptyReplyMarkers) != 2 {
		t.Errorf("EmptyReplyMarkers = %v, want 2 entries", Cfg.EmptyReplyMarkers)
	}
}
