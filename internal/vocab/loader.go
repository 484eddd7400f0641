package vocab

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadDirectory loads one vocabulary per YAML file in dir. Each file is decoded on top of the
// built-in vocabulary, so maps (commands, responses, intent_flows) are merged key by key while
// lists (dictionary, patterns, interrupts, channels, tokens) replace the defaults when present.
// The tenant id defaults to the file name without extension.
func LoadDirectory(dir string, logger *slog.Logger) ([]*Vocabulary, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		logger.Debug("vocabulary directory does not exist, skipping", "dir", dir)
		return nil, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read vocabulary dir: %w", err)
	}

	var out []*Vocabulary
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}
		path := filepath.Join(dir, name)
		v, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		logger.Info("loaded tenant vocabulary", "tenant_id", v.TenantID, "path", path,
			"patterns", len(v.Patterns), "responses", len(v.Responses))
		out = append(out, v)
	}
	return out, nil
}

// LoadFile loads and compiles a single vocabulary file.
func LoadFile(path string) (*Vocabulary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read vocabulary file %s: %w", path, err)
	}
	base := filepath.Base(path)
	v := Default(strings.TrimSuffix(base, filepath.Ext(base)))
	if err := yaml.Unmarshal(data, v); err != nil {
		return nil, fmt.Errorf("parse vocabulary file %s: %w", path, err)
	}
	if err := v.Compile(); err != nil {
		return nil, fmt.Errorf("compile vocabulary file %s: %w", path, err)
	}
	return v, nil
}
