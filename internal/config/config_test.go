package config

import (
	"testing"
	"time"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func TestFromEnv_Defaults(t *testing.T) {
	cfg, err := FromEnv(envMap(nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	def := Default()
	if cfg.ListenAddr != def.ListenAddr {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, def.ListenAddr)
	}
	if cfg.StoreBackend != BackendPostgres {
		t.Errorf("StoreBackend = %q, want %q", cfg.StoreBackend, BackendPostgres)
	}
	if cfg.RedisAddr == "" || cfg.NATSURL == "" {
		t.Errorf("expected redis and nats enabled by default, got %q / %q", cfg.RedisAddr, cfg.NATSURL)
	}
}

func TestFromEnv_Overrides(t *testing.T) {
	cfg, err := FromEnv(envMap(map[string]string{
		"LISTEN_ADDR":      ":9090",
		"WORKER_POOL_SIZE": "8",
		"SEND_QUEUE_SIZE":  "32",
		"READ_TIMEOUT":     "3s",
		"STORE_BACKEND":    "memory",
		"REDIS_ADDR":       "",
		"NATS_URL":         "",
		"JWT_SECRET":       "s3cret",
		"LOG_PRETTY":       "true",
		"SERVER_NAME":      "edge-7",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.WorkerPoolSize != 8 {
		t.Errorf("WorkerPoolSize = %d", cfg.WorkerPoolSize)
	}
	if cfg.SendQueueSize != 32 {
		t.Errorf("SendQueueSize = %d", cfg.SendQueueSize)
	}
	if cfg.ReadTimeout != 3*time.Second {
		t.Errorf("ReadTimeout = %s", cfg.ReadTimeout)
	}
	if cfg.StoreBackend != BackendMemory {
		t.Errorf("StoreBackend = %q", cfg.StoreBackend)
	}
	if cfg.RedisAddr != "" || cfg.NATSURL != "" {
		t.Errorf("empty REDIS_ADDR/NATS_URL should disable, got %q / %q", cfg.RedisAddr, cfg.NATSURL)
	}
	if cfg.JWTSecret != "s3cret" || !cfg.LogPretty || cfg.ServerName != "edge-7" {
		t.Errorf("unexpected config: %+v", cfg)
	}
}

func TestFromEnv_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"non-numeric pool", map[string]string{"WORKER_POOL_SIZE": "lots"}},
		{"zero connections", map[string]string{"MAX_CONNECTIONS": "0"}},
		{"bad duration", map[string]string{"WRITE_TIMEOUT": "ten"}},
		{"bad bool", map[string]string{"LOG_PRETTY": "sometimes"}},
		{"unknown backend", map[string]string{"STORE_BACKEND": "sqlite"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := FromEnv(envMap(tt.env)); err == nil {
				t.Fatal("expected an error")
			}
		})
	}
}
