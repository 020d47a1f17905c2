package app

import (
	"strings"
	"testing"
	"time"
)

func TestLoadConfig_Env(t *testing.T) {
	t.Setenv("CHATSYNC_USER_ID", "u1")
	t.Setenv("CHATSYNC_CHANNELS", " general, ,random ")
	t.Setenv("CHATSYNC_HISTORY_SOURCE", "POSTGRES")
	t.Setenv("CHATSYNC_CACHE_MAX_BYTES", "64MiB")
	t.Setenv("CHATSYNC_FETCH_TIMEOUT", "3s")
	t.Setenv("CHATSYNC_PAGE_SIZE", "-4")

	cfg := LoadConfig()
	if cfg.UserID != "u1" || cfg.HistorySource != SourcePostgres {
		t.Fatalf("user=%q source=%q", cfg.UserID, cfg.HistorySource)
	}
	if strings.Join(cfg.Channels, "|") != "general|random" {
		t.Fatalf("channels=%v", cfg.Channels)
	}
	if cfg.CacheMaxBytes != 64<<20 {
		t.Fatalf("cache max bytes=%d want=%d", cfg.CacheMaxBytes, 64<<20)
	}
	if cfg.FetchTimeout != 3*time.Second {
		t.Fatalf("fetch timeout=%v", cfg.FetchTimeout)
	}
	if cfg.PageSize != 25 {
		t.Fatalf("page size=%d want default 25", cfg.PageSize)
	}
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{name: "memory ok", cfg: Config{UserID: "u", HistorySource: SourceMemory}},
		{name: "missing user", cfg: Config{HistorySource: SourceMemory}, wantErr: "CHATSYNC_USER_ID"},
		{name: "postgres without url", cfg: Config{UserID: "u", HistorySource: SourcePostgres}, wantErr: "CHATSYNC_DATABASE_URL"},
		{name: "ws without url", cfg: Config{UserID: "u", HistorySource: SourceWS}, wantErr: "CHATSYNC_WS_URL"},
		{name: "unknown source", cfg: Config{UserID: "u", HistorySource: "redis"}, wantErr: "unknown"},
		{name: "bad channel", cfg: Config{UserID: "u", HistorySource: SourceMemory, Channels: []string{"a.b"}}, wantErr: "invalid channel id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("err=%v want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err=%v want containing %q", err, tt.wantErr)
			}
		})
	}
}
