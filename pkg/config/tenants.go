package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/settld-labs/settld/pkg/delivery"
	"github.com/settld-labs/settld/pkg/quota"
	"github.com/settld-labs/settld/pkg/ratelimit"
)

// TenantProfile is one tenant's deployment-side configuration: delivery
// destinations plus optional rate and quota overrides.
type TenantProfile struct {
	TenantID     string              `yaml:"tenantId" json:"tenantId"`
	Destinations []DestinationConfig `yaml:"destinations,omitempty" json:"destinations,omitempty"`
	RateLimit    *RateLimitConfig    `yaml:"rateLimit,omitempty" json:"rateLimit,omitempty"`
	Quotas       *QuotaConfig        `yaml:"quotas,omitempty" json:"quotas,omitempty"`
}

// DestinationConfig mirrors delivery.Destination in YAML form.
type DestinationConfig struct {
	DestinationID string   `yaml:"destinationId" json:"destinationId"`
	Kind          string   `yaml:"kind" json:"kind"`
	URL           string   `yaml:"url,omitempty" json:"url,omitempty"`
	Secret        string   `yaml:"secret,omitempty" json:"secret,omitempty"`
	Bucket        string   `yaml:"bucket,omitempty" json:"bucket,omitempty"`
	Prefix        string   `yaml:"prefix,omitempty" json:"prefix,omitempty"`
	ArtifactTypes []string `yaml:"artifactTypes,omitempty" json:"artifactTypes,omitempty"`
	Disabled      bool     `yaml:"disabled,omitempty" json:"disabled,omitempty"`
}

// RateLimitConfig overrides the deployment-wide request budget.
type RateLimitConfig struct {
	RPM   int `yaml:"rpm" json:"rpm"`
	Burst int `yaml:"burst" json:"burst"`
}

// QuotaConfig overrides daily usage ceilings. Zero means unlimited.
type QuotaConfig struct {
	IngestEventsPerDay  int64 `yaml:"ingestEventsPerDay,omitempty" json:"ingestEventsPerDay,omitempty"`
	EvidenceBytesPerDay int64 `yaml:"evidenceBytesPerDay,omitempty" json:"evidenceBytesPerDay,omitempty"`
	DeliveriesPerDay    int64 `yaml:"deliveriesPerDay,omitempty" json:"deliveriesPerDay,omitempty"`
	AgentRunsPerDay     int64 `yaml:"agentRunsPerDay,omitempty" json:"agentRunsPerDay,omitempty"`
}

// Destination converts the YAML form to the delivery type. The file says
// disabled, the wire type says enabled; flipping here keeps an absent key
// meaning "on".
func (c DestinationConfig) Destination(tenantID string) delivery.Destination {
	return delivery.Destination{
		TenantID:      tenantID,
		DestinationID: c.DestinationID,
		Kind:          c.Kind,
		URL:           c.URL,
		Secret:        c.Secret,
		Bucket:        c.Bucket,
		Prefix:        c.Prefix,
		ArtifactTypes: c.ArtifactTypes,
		Enabled:       !c.Disabled,
	}
}

func (p *TenantProfile) validate() error {
	if p.TenantID == "" {
		return fmt.Errorf("config: tenant profile missing tenantId")
	}
	for _, d := range p.Destinations {
		if d.DestinationID == "" {
			return fmt.Errorf("config: tenant %s: destination missing destinationId", p.TenantID)
		}
		switch d.Kind {
		case delivery.DestinationWebhook:
			if d.URL == "" {
				return fmt.Errorf("config: tenant %s: webhook destination %s has no url", p.TenantID, d.DestinationID)
			}
		case delivery.DestinationS3:
			if d.Bucket == "" {
				return fmt.Errorf("config: tenant %s: s3 destination %s has no bucket", p.TenantID, d.DestinationID)
			}
		default:
			return fmt.Errorf("config: tenant %s: destination %s has unknown kind %q", p.TenantID, d.DestinationID, d.Kind)
		}
	}
	return nil
}

// LoadTenantProfile loads tenant_<id>.yaml from the profiles directory.
func LoadTenantProfile(dir, tenantID string) (*TenantProfile, error) {
	path := filepath.Join(dir, fmt.Sprintf("tenant_%s.yaml", tenantID))
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: load tenant %q: %w", tenantID, err)
	}
	var p TenantProfile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("config: parse tenant %q: %w", tenantID, err)
	}
	if p.TenantID == "" {
		p.TenantID = tenantID
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// LoadAllTenants loads every tenant_*.yaml in the directory. A missing
// directory is an empty deployment, not an error.
func LoadAllTenants(dir string) (map[string]*TenantProfile, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "tenant_*.yaml"))
	if err != nil {
		return nil, err
	}
	profiles := make(map[string]*TenantProfile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		var p TenantProfile
		if err := yaml.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		if p.TenantID == "" {
			base := filepath.Base(path)
			p.TenantID = strings.TrimSuffix(strings.TrimPrefix(base, "tenant_"), ".yaml")
		}
		if err := p.validate(); err != nil {
			return nil, err
		}
		profiles[p.TenantID] = &p
	}
	return profiles, nil
}

// DestinationMap flattens profiles into the per-tenant destination map the
// delivery worker consumes.
func DestinationMap(profiles map[string]*TenantProfile) map[string][]delivery.Destination {
	out := make(map[string][]delivery.Destination, len(profiles))
	for id, p := range profiles {
		for _, d := range p.Destinations {
			out[id] = append(out[id], d.Destination(id))
		}
	}
	return out
}

// LimitsFunc resolves per-tenant quota ceilings, falling back to the
// deployment defaults from env.
func (c *Config) LimitsFunc(profiles map[string]*TenantProfile) func(tenantID string) quota.Limits {
	base := quota.Limits{
		IngestEventsPerDay:  c.QuotaIngestEventsPerDay,
		EvidenceBytesPerDay: c.QuotaEvidenceBytesPerDay,
	}
	return func(tenantID string) quota.Limits {
		p, ok := profiles[tenantID]
		if !ok || p.Quotas == nil {
			return base
		}
		l := base
		if p.Quotas.IngestEventsPerDay > 0 {
			l.IngestEventsPerDay = p.Quotas.IngestEventsPerDay
		}
		if p.Quotas.EvidenceBytesPerDay > 0 {
			l.EvidenceBytesPerDay = p.Quotas.EvidenceBytesPerDay
		}
		if p.Quotas.DeliveriesPerDay > 0 {
			l.DeliveriesPerDay = p.Quotas.DeliveriesPerDay
		}
		if p.Quotas.AgentRunsPerDay > 0 {
			l.AgentRunsPerDay = p.Quotas.AgentRunsPerDay
		}
		return l
	}
}

// PolicyFunc resolves the per-tenant rate limit policy.
func (c *Config) PolicyFunc(profiles map[string]*TenantProfile) func(tenantID string) ratelimit.Policy {
	base := ratelimit.Policy{RPM: c.RateLimitRPM, Burst: c.RateLimitBurst}
	return func(tenantID string) ratelimit.Policy {
		if p, ok := profiles[tenantID]; ok && p.RateLimit != nil {
			return ratelimit.Policy{RPM: p.RateLimit.RPM, Burst: p.RateLimit.Burst}
		}
		return base
	}
}
