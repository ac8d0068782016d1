// pkg/tenants/memory.go
package tenants

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// memProvider seeds the registry from TENANT_SEED_JSON or a YAML file.
// Used for dev and for single-tenant deployments without a database.
type memProvider struct {
	log      *zap.SugaredLogger
	seedJSON string
	filePath string
}

func NewMemoryProvider(log *zap.SugaredLogger, seedJSON, filePath string) Provider {
	return &memProvider{log: log, seedJSON: seedJSON, filePath: filePath}
}

func (m *memProvider) Load(ctx context.Context, reg *Registry) error {
	entries, err := m.read()
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		// sensible localhost default so local bring-up works untouched
		entries = []TenantConfig{{
			AppID:         "dev",
			MasterKey:     os.Getenv("MASTER_KEY"),
			JavascriptKey: os.Getenv("JAVASCRIPT_KEY"),
		}}
		m.log.Warnw("no tenant seed configured, registering dev tenant", "appId", "dev")
	}
	for i := range entries {
		t := entries[i]
		reg.Upsert(&t)
		if err := reg.SetState(t.AppID, StateStarting); err != nil {
			return err
		}
		if err := reg.SetState(t.AppID, StateOK); err != nil {
			return err
		}
	}
	return nil
}

func (m *memProvider) Reload(ctx context.Context, reg *Registry) error {
	return m.Load(ctx, reg)
}

func (m *memProvider) read() ([]TenantConfig, error) {
	if m.seedJSON != "" {
		var entries []TenantConfig
		if err := json.Unmarshal([]byte(m.seedJSON), &entries); err != nil {
			return nil, fmt.Errorf("parse TENANT_SEED_JSON: %w", err)
		}
		return entries, nil
	}
	if m.filePath != "" {
		raw, err := os.ReadFile(m.filePath)
		if err != nil {
			return nil, fmt.Errorf("read tenant config file: %w", err)
		}
		var doc struct {
			Tenants []TenantConfig `yaml:"tenants"`
		}
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("parse tenant config file: %w", err)
		}
		return doc.Tenants, nil
	}
	return nil, nil
}
