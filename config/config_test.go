package config

import (
	"os"
	"testing"

	"bookflow/models"
)

// writeTempConfig creates a minimal configuration file required for LoadConfig
// and returns its path.
func writeTempConfig(t *testing.T) string {
	t.Helper()
	content := `bookflow:
  name: "TestApp"
  version: "1.0"
channels:
  update_buffer: 16
aggregator:
  threshold_usdt: 5.0
  tick_interval: 1s
  pair_throttle: 1s
server:
  listen_addr: ":8080"
tokens:
  - btc
  - ETH
exchanges:
  - name: MEXC
    url: "wss://wbs.mexc.com/raw/ws"
    kind: websocket
  - name: TradeOgre
    url: "https://tradeogre.com/api/v1"
    kind: http
    options:
      endpoint_template: "$URL/orders/$TOKEN-USDT"
      polling_interval_seconds: 5
`
	f, err := os.CreateTemp("", "cfg-*.yml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close temp file: %v", err)
	}
	return f.Name()
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("LISTEN_ADDR", "")
	path := writeTempConfig(t)
	defer os.Remove(path)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Bookflow.Name != "TestApp" {
		t.Errorf("unexpected name: %s", cfg.Bookflow.Name)
	}
	if cfg.Channels.UpdateBuffer != 16 {
		t.Errorf("unexpected update buffer: %d", cfg.Channels.UpdateBuffer)
	}
	if cfg.Tokens[0] != "BTC" || cfg.Tokens[1] != "ETH" {
		t.Errorf("tokens not normalized: %v", cfg.Tokens)
	}
	if len(cfg.Exchanges) != 2 {
		t.Fatalf("expected 2 exchanges, got %d", len(cfg.Exchanges))
	}
	mexc := cfg.Exchanges[0]
	if mexc.Options.PingIntervalSeconds != models.DefaultPingIntervalSeconds {
		t.Errorf("descriptor defaults not applied: %+v", mexc.Options)
	}
	if mexc.Options.MaxReconnectAttempts != models.DefaultMaxReconnectAttempts {
		t.Errorf("descriptor defaults not applied: %+v", mexc.Options)
	}
}

func TestLoadConfigMissingBuffer(t *testing.T) {
	content := `bookflow:
  name: "TestApp"
  version: "1.0"
server:
  listen_addr: ":8080"
`
	f, err := os.CreateTemp("", "cfg-*.yml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close temp file: %v", err)
	}
	defer os.Remove(f.Name())

	if _, err := LoadConfig(f.Name()); err == nil {
		t.Fatalf("expected validation error for missing update_buffer")
	}
}

func TestLoadConfigDuplicateExchange(t *testing.T) {
	content := `bookflow:
  name: "TestApp"
  version: "1.0"
channels:
  update_buffer: 16
server:
  listen_addr: ":8080"
exchanges:
  - name: MEXC
    url: "wss://wbs.mexc.com/raw/ws"
    kind: websocket
  - name: mexc
    url: "wss://wbs.mexc.com/raw/ws"
    kind: websocket
`
	f, err := os.CreateTemp("", "cfg-*.yml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close temp file: %v", err)
	}
	defer os.Remove(f.Name())

	if _, err := LoadConfig(f.Name()); err == nil {
		t.Fatalf("expected validation error for duplicate exchange")
	}
}

func TestIsValidExchangeName(t *testing.T) {
	cases := []struct {
		name  string
		valid bool
	}{
		{"MEXC", true},
		{"Trade-Ogre", true},
		{"coin_ex", true},
		{"", false},
		{"-lead", false},
		{"bad name", false},
	}
	for _, c := range cases {
		if got := IsValidExchangeName(c.name); got != c.valid {
			t.Errorf("IsValidExchangeName(%q) = %v, want %v", c.name, got, c.valid)
		}
	}
}

func TestDefaultExchanges(t *testing.T) {
	defs := DefaultExchanges()
	if len(defs) != 3 {
		t.Fatalf("expected 3 default exchanges, got %d", len(defs))
	}
	for _, d := range defs {
		if d.Options.MaxReconnectAttempts != models.DefaultMaxReconnectAttempts {
			t.Errorf("%s: defaults not applied: %+v", d.Name, d.Options)
		}
	}
	if defs[2].Kind != models.KindHTTP || defs[2].Options.EndpointTemplate == "" {
		t.Errorf("poll venue misconfigured: %+v", defs[2])
	}
}
