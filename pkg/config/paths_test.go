package config

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestPathsUseProjectDir(t *testing.T) {
	if !strings.Contains(GetConfigDir(), "upstream") {
		t.Errorf("config dir %q missing project directory", GetConfigDir())
	}
	if !strings.Contains(GetCacheDir(), "upstream") {
		t.Errorf("cache dir %q missing project directory", GetCacheDir())
	}
}

func TestDerivedPaths(t *testing.T) {
	if got := GetDefaultConfigPath(); filepath.Base(got) != "config.yaml" {
		t.Errorf("default config path %q should end in config.yaml", got)
	}
	if got := GetCheckpointCacheDir(); filepath.Base(got) != "ckpt" {
		t.Errorf("checkpoint cache %q should end in ckpt", got)
	}
}
