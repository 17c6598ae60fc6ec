package config

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		want    *Config
		wantErr bool
	}{
		{
			name:    "missing api key",
			env:     map[string]string{},
			wantErr: true,
		},
		{
			name: "api key only, defaults applied",
			env:  map[string]string{"API_KEY": "test-key"},
			want: &Config{
				APIKey:       "test-key",
				DatabasePath: "./data/feednotify.db",
				ListenAddr:   ":5000",
				LogLevel:     "info",
			},
		},
		{
			name: "all values set",
			env: map[string]string{
				"API_KEY":        "key",
				"DATABASE_PATH":  "/tmp/feednotify.db",
				"LISTEN_ADDR":    ":8080",
				"LOG_LEVEL":      "debug",
				"REDIS_ADDR":     "localhost:6379",
				"REDIS_PASSWORD": "secret",
			},
			want: &Config{
				APIKey:        "key",
				DatabasePath:  "/tmp/feednotify.db",
				ListenAddr:    ":8080",
				LogLevel:      "debug",
				RedisAddr:     "localhost:6379",
				RedisPassword: "secret",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Clear relevant env vars
			for _, key := range []string{"API_KEY", "DATABASE_PATH", "LISTEN_ADDR", "LOG_LEVEL", "REDIS_ADDR", "REDIS_PASSWORD"} {
				t.Setenv(key, "")
			}
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			got, err := Load()
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Load() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
