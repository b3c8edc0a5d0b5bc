package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("HTTP_ADDRESS", "")
	t.Setenv("AVATAR_MAX_IDLE_TIME", "")
	t.Setenv("QUEUE_MIN_INTERVAL", "")
	t.Setenv("CAPTURE_SAMPLE_RATE", "")
	t.Setenv("MIRROR_MIC", "")

	cfg := Load()
	if cfg.HTTPAddress != ":8080" {
		t.Fatalf("HTTPAddress = %q", cfg.HTTPAddress)
	}
	if cfg.AvatarMaxIdleTime != 5*time.Minute {
		t.Fatalf("AvatarMaxIdleTime = %v", cfg.AvatarMaxIdleTime)
	}
	if cfg.QueueMinInterval != 50*time.Millisecond {
		t.Fatalf("QueueMinInterval = %v", cfg.QueueMinInterval)
	}
	if cfg.CaptureRate != 24000 || cfg.CaptureBlock != 2048 {
		t.Fatalf("capture defaults = %d/%d", cfg.CaptureRate, cfg.CaptureBlock)
	}
	if !cfg.MirrorMic {
		t.Fatal("MirrorMic should default to true")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("AVATAR_MAX_IDLE_TIME", "90")
	t.Setenv("AVATAR_MAX_SESSION_LENGTH", "10m")
	t.Setenv("AVATAR_HANDLE_SILENCE", "false")
	t.Setenv("ICE_SERVERS", "stun:a.example:3478, stun:b.example:3478")
	t.Setenv("VAD_THRESHOLD", "0.7")

	cfg := Load()
	if cfg.AvatarMaxIdleTime != 90*time.Second {
		t.Fatalf("bare seconds not accepted: %v", cfg.AvatarMaxIdleTime)
	}
	if cfg.AvatarMaxSessionLength != 10*time.Minute {
		t.Fatalf("AvatarMaxSessionLength = %v", cfg.AvatarMaxSessionLength)
	}
	if cfg.AvatarHandleSilence {
		t.Fatal("AvatarHandleSilence override ignored")
	}
	if len(cfg.ICEServers) != 2 || cfg.ICEServers[1] != "stun:b.example:3478" {
		t.Fatalf("ICEServers = %v", cfg.ICEServers)
	}
	if cfg.VADThreshold != 0.7 {
		t.Fatalf("VADThreshold = %v", cfg.VADThreshold)
	}
}
