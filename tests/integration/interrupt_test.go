package integration

import (
	"net/http"
	"testing"

	"github.com/any-hub/any-cache/internal/config"
	"github.com/any-hub/any-cache/internal/engine"
	"github.com/any-hub/any-cache/internal/server"
)

func TestInterruptedUpstreamIsNotCached(t *testing.T) {
	upstream := newUpstreamStub(t)
	root := t.TempDir()
	cfg := siteConfig(upstream.URL, "on")
	eng := newTestEngine(t, engine.ModeCache, root)
	s := newStack(t, cfg, server.Engines{config.ModeCache: eng})

	s.do(t, http.MethodGet, "site.cache.local", "/broken", nil, nil)

	if stats := eng.Stats(); stats.Dict.Valid != 0 || stats.Dict.Init != 0 {
		t.Fatalf("interrupted capture must not leave a live entry: %+v", stats.Dict)
	}

	// 失效条目被清理前，同一 key 的新请求只能旁路。
	resp, _ := s.do(t, http.MethodGet, "site.cache.local", "/broken", nil, nil)
	if state := resp.Header.Get(cacheStateHeader); state != "BYPASS" {
		t.Fatalf("expected BYPASS while the invalid entry is pending, got %s", state)
	}

	s.keeper.Tick()
	if stats := eng.Stats(); stats.Dict.Entries != 0 {
		t.Fatalf("housekeeping should drop the invalid entry, got %+v", stats.Dict)
	}

	resp, _ = s.do(t, http.MethodGet, "site.cache.local", "/broken", nil, nil)
	if state := resp.Header.Get(cacheStateHeader); state != "MISS" {
		t.Fatalf("capture should be retried after cleanup, got %s", state)
	}
	if upstream.Hits("/broken") != 3 {
		t.Fatalf("expected 3 upstream fetches, got %d", upstream.Hits("/broken"))
	}
}
