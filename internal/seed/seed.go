// Package seed loads YAML rule packs and persists them through the
// repository so a fresh deployment starts with a working rule set.
// Rules that fail validation are skipped and logged; one bad rule does
// not block the rest of the pack.
package seed

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ComplianceValidator checks that a compliance rule compiles before it
// is saved. The compliance engine satisfies this.
type ComplianceValidator interface {
	ValidateRule(rule *domain.ComplianceRule) error
}

// DetectionValidator checks a detection rule before it is saved. The
// detection engine satisfies this.
type DetectionValidator interface {
	ValidateRule(rule *domain.DetectionRule) error
}

// Pack is a YAML rule pack: the tenant it belongs to plus the rules
// seeded for it. Rule IDs in a pack are stable so re-applying the same
// pack updates rules in place instead of duplicating them.
type Pack struct {
	TenantID        string                   `yaml:"tenantId"`
	ComplianceRules []*domain.ComplianceRule `yaml:"complianceRules"`
	DetectionRules  []*domain.DetectionRule  `yaml:"detectionRules"`
}

// Result reports what Apply did with a pack.
type Result struct {
	ComplianceLoaded int
	DetectionLoaded  int
	Skipped          int
}

// LoadFile reads and parses a YAML rule pack.
func LoadFile(path string) (*Pack, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rule pack: %w", err)
	}

	var pack Pack
	if err := yaml.Unmarshal(data, &pack); err != nil {
		return nil, fmt.Errorf("failed to parse rule pack: %w", err)
	}
	if pack.TenantID == "" {
		return nil, fmt.Errorf("rule pack tenantId is required")
	}

	return &pack, nil
}

// Apply validates and saves every rule in the pack. Invalid rules are
// counted in Result.Skipped and logged. A nil validator skips the
// corresponding compile check; structural validation always runs.
func (p *Pack) Apply(ctx context.Context, repo domain.Repository, compliance ComplianceValidator, detection DetectionValidator) (*Result, error) {
	if p.TenantID == "" {
		return nil, fmt.Errorf("rule pack tenantId is required")
	}

	result := &Result{}
	now := time.Now().UTC()

	for _, rule := range p.ComplianceRules {
		if rule == nil {
			result.Skipped++
			continue
		}
		p.complianceDefaults(rule, now)

		if err := rule.Validate(); err != nil {
			slog.Error("Skipping invalid compliance rule", "rule_id", rule.ID, "error", err)
			result.Skipped++
			continue
		}
		if compliance != nil {
			if err := compliance.ValidateRule(rule); err != nil {
				slog.Error("Skipping compliance rule that does not compile", "rule_id", rule.ID, "error", err)
				result.Skipped++
				continue
			}
		}

		if err := repo.SaveComplianceRule(ctx, p.TenantID, rule); err != nil {
			return result, fmt.Errorf("failed to save compliance rule %s: %w", rule.ID, err)
		}
		result.ComplianceLoaded++
	}

	for _, rule := range p.DetectionRules {
		if rule == nil {
			result.Skipped++
			continue
		}
		p.detectionDefaults(rule)

		if err := rule.Validate(); err != nil {
			slog.Error("Skipping invalid detection rule", "rule_id", rule.ID, "error", err)
			result.Skipped++
			continue
		}
		if detection != nil {
			if err := detection.ValidateRule(rule); err != nil {
				slog.Error("Skipping invalid detection rule", "rule_id", rule.ID, "error", err)
				result.Skipped++
				continue
			}
		}

		if err := repo.SaveDetectionRule(ctx, p.TenantID, rule); err != nil {
			return result, fmt.Errorf("failed to save detection rule %s: %w", rule.ID, err)
		}
		result.DetectionLoaded++
	}

	slog.Info("Applied rule pack",
		"tenant_id", p.TenantID,
		"compliance_rules", result.ComplianceLoaded,
		"detection_rules", result.DetectionLoaded,
		"skipped", result.Skipped)

	return result, nil
}

// ApplyFile loads the pack at path and applies it.
func ApplyFile(ctx context.Context, repo domain.Repository, compliance ComplianceValidator, detection DetectionValidator, path string) (*Result, error) {
	pack, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	return pack.Apply(ctx, repo, compliance, detection)
}

func (p *Pack) complianceDefaults(rule *domain.ComplianceRule, now time.Time) {
	if rule.TenantID == "" {
		rule.TenantID = p.TenantID
	}
	if rule.Version == "" {
		rule.Version = "1"
	}
	if rule.EffectiveDate.IsZero() {
		rule.EffectiveDate = now
	}
}

func (p *Pack) detectionDefaults(rule *domain.DetectionRule) {
	if rule.TenantID == "" {
		rule.TenantID = p.TenantID
	}
}
