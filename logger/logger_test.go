package logger

import (
	"io"
	"os"
	"sync/atomic"
	"testing"
)

func TestWithComponent(t *testing.T) {
	log := Logger()
	entry := log.WithComponent("test")
	if v, ok := entry.Entry.Data["component"]; !ok || v != "test" {
		t.Fatalf("component field missing: %v", entry.Entry.Data)
	}
}

func TestConfigureInvalidLevel(t *testing.T) {
	// Ensure environment variables do not override the provided level
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("invalid", "json", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid level")
	}
}

func TestWithEnv(t *testing.T) {
	os.Setenv("FOO", "bar")
	log := Logger()
	entry := log.WithEnv("FOO")
	if v, ok := entry.Entry.Data["FOO"]; !ok || v != "bar" {
		t.Fatalf("env field not set: %v", entry.Entry.Data)
	}
}

func TestIncrementCounters(t *testing.T) {
	feedBase := atomic.LoadInt64(&feedReads)
	pollBase := atomic.LoadInt64(&pollReads)
	pubBase := atomic.LoadInt64(&publishes)

	IncrementFeedRead(128)
	IncrementPollRead(256)
	IncrementPublish(64)

	if got := atomic.LoadInt64(&feedReads); got != feedBase+1 {
		t.Fatalf("feed reads = %d, want %d", got, feedBase+1)
	}
	if got := atomic.LoadInt64(&pollReads); got != pollBase+1 {
		t.Fatalf("poll reads = %d, want %d", got, pollBase+1)
	}
	if got := atomic.LoadInt64(&publishes); got != pubBase+1 {
		t.Fatalf("publishes = %d, want %d", got, pubBase+1)
	}
}

func TestWarnRouting(t *testing.T) {
	feedBase := atomic.LoadInt64(&warnsFeed)
	pollBase := atomic.LoadInt64(&warnsPoll)

	log := Logger()
	log.SetOutput(io.Discard)
	log.WithComponent("mexc-feed").Warn("dropped message")
	log.WithComponent("tradeogre-poll").Warn("request failed")

	if got := atomic.LoadInt64(&warnsFeed); got != feedBase+1 {
		t.Fatalf("feed warns = %d, want %d", got, feedBase+1)
	}
	if got := atomic.LoadInt64(&warnsPoll); got != pollBase+1 {
		t.Fatalf("poll warns = %d, want %d", got, pollBase+1)
	}
}
