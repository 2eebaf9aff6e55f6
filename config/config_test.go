package config

import "testing"

func TestDeriveWSURL(t *testing.T) {
	cases := []struct {
		base string
		want string
	}{
		{"https://jupyter.example.com", "wss://jupyter.example.com"},
		{"http://localhost:8888", "ws://localhost:8888"},
		{"ws://already-ws", "ws://already-ws"},
	}
	for _, c := range cases {
		if got := deriveWSURL(c.base); got != c.want {
			t.Errorf("deriveWSURL(%q) = %q, want %q", c.base, got, c.want)
		}
	}
}

func TestFromEnv_RequiresBaseURL(t *testing.T) {
	t.Setenv("JUPYTER_BASE_URL", "")
	if _, err := FromEnv(); err == nil {
		t.Fatal("expected error when JUPYTER_BASE_URL is unset")
	}
}

func TestFromEnv_DerivesWSURLWhenUnset(t *testing.T) {
	t.Setenv("JUPYTER_BASE_URL", "https://jupyter.example.com")
	t.Setenv("JUPYTER_WS_URL", "")
	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("from env: %v", err)
	}
	if cfg.WSURL != "wss://jupyter.example.com" {
		t.Fatalf("unexpected derived ws url: %q", cfg.WSURL)
	}
	if cfg.Username != "anonymous" {
		t.Fatalf("expected default username, got %q", cfg.Username)
	}
	if cfg.ReconnectLimit != 7 {
		t.Fatalf("expected default reconnect limit 7, got %d", cfg.ReconnectLimit)
	}
}
