package config_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/artpar/tokenmeter/config"
)

func TestHolder_Get(t *testing.T) {
	path := writeConfig(t, validConfig())

	h, err := config.NewHolder(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewHolder error: %v", err)
	}
	defer h.Stop()

	got := h.Get()
	if got == nil {
		t.Fatal("Get returned nil")
	}
	if got.Quota.PremiumDaily != 1000 {
		t.Errorf("PremiumDaily = %d, want 1000", got.Quota.PremiumDaily)
	}
}

func TestHolder_Reload(t *testing.T) {
	path := writeConfig(t, validConfig())

	h, err := config.NewHolder(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewHolder error: %v", err)
	}
	defer h.Stop()

	newContent := `
quota:
  premium_daily: 2000
providers:
  - name: gemini
    free_monthly: 500
`
	if err := os.WriteFile(path, []byte(newContent), 0644); err != nil {
		t.Fatalf("write new config: %v", err)
	}

	if err := h.Reload(); err != nil {
		t.Fatalf("Reload error: %v", err)
	}

	cfg := h.Get()
	if cfg.Quota.PremiumDaily != 2000 {
		t.Errorf("reloaded PremiumDaily = %d, want 2000", cfg.Quota.PremiumDaily)
	}
	if cfg.Providers[0].FreeMonthly != 500 {
		t.Errorf("reloaded FreeMonthly = %d, want 500", cfg.Providers[0].FreeMonthly)
	}
}

func TestHolder_OnChangeAndOnReload(t *testing.T) {
	path := writeConfig(t, validConfig())

	h, err := config.NewHolder(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewHolder error: %v", err)
	}
	defer h.Stop()

	var (
		mu          sync.Mutex
		receivedCfg *config.Config
		reloadErrs  []error
	)
	h.OnChange(func(cfg *config.Config) {
		mu.Lock()
		receivedCfg = cfg
		mu.Unlock()
	})
	h.OnReload(func(err error) {
		mu.Lock()
		reloadErrs = append(reloadErrs, err)
		mu.Unlock()
	})

	if err := os.WriteFile(path, []byte("quota:\n  premium_daily: 4000\n"), 0644); err != nil {
		t.Fatalf("write new config: %v", err)
	}
	if err := h.Reload(); err != nil {
		t.Fatalf("Reload error: %v", err)
	}

	if err := os.WriteFile(path, []byte("database:\n  driver: mysql\n"), 0644); err != nil {
		t.Fatalf("write invalid config: %v", err)
	}
	if err := h.Reload(); err == nil {
		t.Fatal("Reload should fail for invalid config")
	}

	mu.Lock()
	defer mu.Unlock()
	if receivedCfg == nil {
		t.Fatal("OnChange callback was not called")
	}
	if receivedCfg.Quota.PremiumDaily != 4000 {
		t.Errorf("callback received PremiumDaily = %d, want 4000", receivedCfg.Quota.PremiumDaily)
	}
	if len(reloadErrs) != 2 {
		t.Fatalf("OnReload calls = %d, want 2", len(reloadErrs))
	}
	if reloadErrs[0] != nil {
		t.Errorf("first reload error = %v, want nil", reloadErrs[0])
	}
	if reloadErrs[1] == nil {
		t.Error("second reload should report an error")
	}
}

func TestHolder_ReloadInvalidConfig(t *testing.T) {
	path := writeConfig(t, validConfig())

	h, err := config.NewHolder(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewHolder error: %v", err)
	}
	defer h.Stop()

	invalidContent := `
default_provider: anthropic
`
	if err := os.WriteFile(path, []byte(invalidContent), 0644); err != nil {
		t.Fatalf("write invalid config: %v", err)
	}

	if err := h.Reload(); err == nil {
		t.Error("Reload should fail for invalid config")
	}

	cfg := h.Get()
	if cfg.DefaultProvider != "gemini" {
		t.Errorf("should keep old config, got DefaultProvider = %s", cfg.DefaultProvider)
	}
}

func TestHolder_WatchFile(t *testing.T) {
	path := writeConfig(t, validConfig())

	h, err := config.NewHolder(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewHolder error: %v", err)
	}
	defer h.Stop()

	var mu sync.Mutex
	var callCount int
	h.OnChange(func(cfg *config.Config) {
		mu.Lock()
		callCount++
		mu.Unlock()
	})

	if err := h.WatchFile(); err != nil {
		t.Fatalf("WatchFile error: %v", err)
	}

	if err := os.WriteFile(path, []byte("quota:\n  premium_daily: 3000\n"), 0644); err != nil {
		t.Fatalf("write new config: %v", err)
	}

	// Wait for file watcher to trigger
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.Get().Quota.PremiumDaily == 3000 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	mu.Lock()
	if callCount == 0 {
		t.Error("file watcher did not trigger reload")
	}
	mu.Unlock()

	if got := h.Get().Quota.PremiumDaily; got != 3000 {
		t.Errorf("after file watch, PremiumDaily = %d, want 3000", got)
	}
}

func TestHolder_ConcurrentAccess(t *testing.T) {
	path := writeConfig(t, validConfig())

	h, err := config.NewHolder(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewHolder error: %v", err)
	}
	defer h.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if h.Get() == nil {
					t.Error("concurrent Get returned nil")
				}
			}
		}()
	}
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = h.Reload()
		}()
	}
	wg.Wait()
}

func TestReloadableFields(t *testing.T) {
	assertContains(t, config.ReloadableFields(), "providers", "quota.premium_daily", "cache.ttl")
	assertContains(t, config.NonReloadableFields(), "server.port", "database.dsn", "cache.backend")
}

// Helpers

func assertContains(t *testing.T, fields []string, want ...string) {
	t.Helper()
	set := make(map[string]bool, len(fields))
	for _, f := range fields {
		set[f] = true
	}
	for _, w := range want {
		if !set[w] {
			t.Errorf("%s missing from %v", w, fields)
		}
	}
}

func validConfig() string {
	return `
database:
  driver: memory
quota:
  premium_daily: 1000
providers:
  - name: gemini
    free_monthly: 100
    rate_limit: 10
    window: 1m
`
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}
