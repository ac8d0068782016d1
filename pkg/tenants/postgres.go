// pkg/tenants/postgres.go
package tenants

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// pgProvider loads tenant configuration from PostgreSQL.
type pgProvider struct {
	dbPool *pgxpool.Pool
	log    *zap.SugaredLogger
}

// NewPostgresProvider constructs a PostgreSQL-backed tenant provider.
func NewPostgresProvider(dbPool *pgxpool.Pool, log *zap.SugaredLogger) Provider {
	return &pgProvider{dbPool: dbPool, log: log}
}

// EnsureSchema creates required tables if they do not already exist.
// Safe to call repeatedly (idempotent).
func EnsureSchema(ctx context.Context, dbPool *pgxpool.Pool) error {
	_, err := dbPool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS tenants (
  app_id text PRIMARY KEY,
  master_key text NOT NULL,
  readonly_master_key text,
  maintenance_key text,
  master_key_ips text[] DEFAULT '{}',
  maintenance_key_ips text[] DEFAULT '{}',
  client_key text,
  javascript_key text,
  windows_key text,
  rest_api_key text,
  allow_origins text[] DEFAULT '{}',
  allow_headers text[] DEFAULT '{}',
  rate_limits jsonb DEFAULT '[]'::jsonb,
  idempotency jsonb,
  oauth_issuer text,
  jwks_url text,
  created_at timestamptz NOT NULL DEFAULT NOW(),
  updated_at timestamptz NOT NULL DEFAULT NOW()
);
ALTER TABLE tenants ADD COLUMN IF NOT EXISTS maintenance_key text;
ALTER TABLE tenants ADD COLUMN IF NOT EXISTS maintenance_key_ips text[] DEFAULT '{}';
ALTER TABLE tenants ADD COLUMN IF NOT EXISTS oauth_issuer text;
ALTER TABLE tenants ADD COLUMN IF NOT EXISTS jwks_url text;
`)
	return err
}

func (p *pgProvider) Load(ctx context.Context, reg *Registry) error {
	rows, err := p.dbPool.Query(ctx, `
SELECT app_id, master_key, COALESCE(readonly_master_key,''), COALESCE(maintenance_key,''),
       master_key_ips, maintenance_key_ips,
       COALESCE(client_key,''), COALESCE(javascript_key,''), COALESCE(windows_key,''), COALESCE(rest_api_key,''),
       allow_origins, allow_headers, rate_limits, idempotency,
       COALESCE(oauth_issuer,''), COALESCE(jwks_url,'')
FROM tenants`)
	if err != nil {
		return fmt.Errorf("load tenants: %w", err)
	}
	defer rows.Close()

	var loaded int
	for rows.Next() {
		var t TenantConfig
		var rateLimits []byte
		var idem []byte
		if err := rows.Scan(
			&t.AppID, &t.MasterKey, &t.ReadonlyMasterKey, &t.MaintenanceKey,
			&t.MasterKeyIPs, &t.MaintenanceKeyIPs,
			&t.ClientKey, &t.JavascriptKey, &t.WindowsKey, &t.RestAPIKey,
			&t.AllowOrigins, &t.AllowHeaders, &rateLimits, &idem,
			&t.OAuthIssuer, &t.JWKSURL,
		); err != nil {
			return fmt.Errorf("scan tenant: %w", err)
		}
		if len(rateLimits) > 0 {
			if err := json.Unmarshal(rateLimits, &t.RateLimits); err != nil {
				p.log.Errorw("tenant rate_limits unparseable, tenant marked error", "appId", t.AppID, "err", err)
				reg.Upsert(&t)
				_ = reg.SetState(t.AppID, StateError)
				continue
			}
		}
		if len(idem) > 0 {
			var opts IdempotencyOptions
			if err := json.Unmarshal(idem, &opts); err != nil {
				p.log.Errorw("tenant idempotency unparseable, tenant marked error", "appId", t.AppID, "err", err)
				reg.Upsert(&t)
				_ = reg.SetState(t.AppID, StateError)
				continue
			}
			t.Idempotency = &opts
		}
		reg.Upsert(&t)
		if err := reg.SetState(t.AppID, StateStarting); err != nil {
			return err
		}
		if err := reg.SetState(t.AppID, StateOK); err != nil {
			return err
		}
		loaded++
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("load tenants: %w", err)
	}
	p.log.Infow("tenants loaded", "count", loaded)
	return nil
}

func (p *pgProvider) Reload(ctx context.Context, reg *Registry) error {
	return p.Load(ctx, reg)
}

// SeedFromEnv inserts tenants from a JSON seed blob, for first bring-up
// against an empty database. Existing rows win.
func SeedFromEnv(ctx context.Context, dbPool *pgxpool.Pool, seed string) error {
	if seed == "" {
		return nil
	}
	var entries []TenantConfig
	if err := json.Unmarshal([]byte(seed), &entries); err != nil {
		return fmt.Errorf("parse seed: %w", err)
	}
	for _, t := range entries {
		rl, err := json.Marshal(t.RateLimits)
		if err != nil {
			return err
		}
		var idem []byte
		if t.Idempotency != nil {
			if idem, err = json.Marshal(t.Idempotency); err != nil {
				return err
			}
		}
		if _, err := dbPool.Exec(ctx, `
INSERT INTO tenants (app_id, master_key, readonly_master_key, maintenance_key,
                     master_key_ips, maintenance_key_ips,
                     client_key, javascript_key, windows_key, rest_api_key,
                     allow_origins, allow_headers, rate_limits, idempotency,
                     oauth_issuer, jwks_url)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
ON CONFLICT (app_id) DO NOTHING`,
			t.AppID, t.MasterKey, t.ReadonlyMasterKey, t.MaintenanceKey,
			t.MasterKeyIPs, t.MaintenanceKeyIPs,
			t.ClientKey, t.JavascriptKey, t.WindowsKey, t.RestAPIKey,
			t.AllowOrigins, t.AllowHeaders, rl, idem,
			t.OAuthIssuer, t.JWKSURL,
		); err != nil {
			return fmt.Errorf("seed tenant %s: %w", t.AppID, err)
		}
	}
	return nil
}
