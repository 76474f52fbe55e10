package app

import (
	"context"
	"testing"

	"fluidsim/internal/config"
	"fluidsim/internal/pkg/logger"
)

func TestNewPipeline(t *testing.T) {
	cfg, err := config.Parse([]string{
		"STORAGE_LOCAL_ROOT=" + t.TempDir(),
		"BUILD_CACHE_ROOT=" + t.TempDir(),
	})
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}

	p, err := NewPipeline(context.Background(), cfg, logger.Discard())
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	if p.Storage.Provider() != "localfs" {
		t.Errorf("provider = %s", p.Storage.Provider())
	}
	if _, ok := p.Builder.Executable(); ok {
		t.Error("empty cache should have no executable")
	}
	if p.Builder.SourceDir() != cfg.BuildCache.Root+"/source" {
		t.Errorf("SourceDir = %s", p.Builder.SourceDir())
	}
}

func TestNewPipelineRejectsBadStorage(t *testing.T) {
	cfg, err := config.Parse([]string{"STORAGE_PROVIDER=gdrive"})
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	if _, err := NewPipeline(context.Background(), cfg, logger.Discard()); err == nil {
		t.Error("expected missing gdrive credentials to fail")
	}
}
