// Package compliance implements the regulatory rule engine. Rules are
// compiled once at load time and evaluated in parallel against
// portfolio state; each evaluation is isolated so one broken rule
// cannot sink a sweep.
package compliance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/expr"
)

// Engine is the compliance rule evaluation engine.
type Engine struct {
	mu         sync.RWMutex
	compiled   map[string]*CompiledRule
	source     domain.PortfolioSource
	celEnv     *cel.Env
	maxWorkers int
}

// CompiledRule holds a rule with its pre-compiled expressions. Native
// rules carry expression trees; CEL rules carry a program.
type CompiledRule struct {
	Rule    *domain.ComplianceRule
	Expr    expr.Node
	Warn    expr.Node
	Program cel.Program
}

// NewEngine creates a compliance engine. The portfolio source supplies
// evaluation-context data; it may be nil when callers provide all
// fields through the request context.
func NewEngine(source domain.PortfolioSource, maxWorkers int) (*Engine, error) {
	if maxWorkers <= 0 {
		maxWorkers = 10
	}

	env, err := newCELEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		compiled:   make(map[string]*CompiledRule),
		source:     source,
		celEnv:     env,
		maxWorkers: maxWorkers,
	}, nil
}

// ValidateRule compiles a rule without mutating loaded engine rules.
func (e *Engine) ValidateRule(rule *domain.ComplianceRule) error {
	if rule == nil {
		return fmt.Errorf("rule is required")
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	_, err := e.compileRule(rule)
	return err
}

// LoadRule compiles and loads a rule into the engine.
func (e *Engine) LoadRule(rule *domain.ComplianceRule) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	compiled, err := e.compileRule(rule)
	if err != nil {
		return err
	}

	e.compiled[rule.ID] = compiled

	return nil
}

// LoadRules compiles and loads the active rules from the slice.
func (e *Engine) LoadRules(rules []*domain.ComplianceRule) error {
	for _, rule := range rules {
		if rule.IsActive {
			if err := e.LoadRule(rule); err != nil {
				return err
			}
		}
	}
	return nil
}

// UnloadRule removes a rule from the engine if it is loaded.
func (e *Engine) UnloadRule(ruleID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.compiled, ruleID)
}

// ReloadRules clears all existing rules and loads new ones. This
// enables hot-reloading of rules from the database.
func (e *Engine) ReloadRules(rules []*domain.ComplianceRule) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	newRules := make(map[string]*CompiledRule)

	for _, rule := range rules {
		if !rule.IsActive {
			continue
		}

		compiled, err := e.compileRule(rule)
		if err != nil {
			return err
		}
		newRules[rule.ID] = compiled
	}

	e.compiled = newRules

	return nil
}

// ReloadTenantRules replaces one tenant's rules, leaving every other
// tenant's loaded rules untouched. Nothing is swapped if any rule
// fails to compile.
func (e *Engine) ReloadTenantRules(tenantID string, rules []*domain.ComplianceRule) error {
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	incoming := make(map[string]*CompiledRule)
	for _, rule := range rules {
		if !rule.IsActive {
			continue
		}
		compiled, err := e.compileRule(rule)
		if err != nil {
			return err
		}
		incoming[rule.ID] = compiled
	}

	for id, compiled := range e.compiled {
		if compiled.Rule.TenantID == tenantID {
			delete(e.compiled, id)
		}
	}
	for id, compiled := range incoming {
		e.compiled[id] = compiled
	}

	return nil
}

// RulesCount returns the number of loaded rules.
func (e *Engine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiled)
}

// GetLoadedRules returns the currently loaded rule definitions.
func (e *Engine) GetLoadedRules() []*domain.ComplianceRule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rules := make([]*domain.ComplianceRule, 0, len(e.compiled))
	for _, compiled := range e.compiled {
		rules = append(rules, compiled.Rule)
	}
	return rules
}

// Close cleans up the engine.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.compiled = make(map[string]*CompiledRule)
	return nil
}

// EvaluateInput identifies the portfolio to sweep and any
// request-scoped context values.
type EvaluateInput struct {
	TenantID    string
	PortfolioID string

	// RuleIDs restricts the sweep to a subset of loaded rules.
	// Empty means all rules for the tenant.
	RuleIDs []string

	// Context supplies extra fields (for example netCapital) and can
	// shadow portfolio state for what-if runs.
	Context map[string]interface{}
}

// EvaluateAll evaluates the tenant's loaded rules in parallel and
// returns one result per rule.
func (e *Engine) EvaluateAll(ctx context.Context, input *EvaluateInput) ([]*domain.ComplianceResult, error) {
	if input.TenantID == "" {
		return nil, fmt.Errorf("tenantID is required")
	}

	wanted := make(map[string]bool, len(input.RuleIDs))
	for _, id := range input.RuleIDs {
		wanted[id] = true
	}

	e.mu.RLock()
	rules := make([]*CompiledRule, 0, len(e.compiled))
	for _, rule := range e.compiled {
		if rule.Rule.TenantID != input.TenantID {
			continue
		}
		if len(wanted) > 0 && !wanted[rule.Rule.ID] {
			continue
		}
		rules = append(rules, rule)
	}
	e.mu.RUnlock()

	if len(rules) == 0 {
		return nil, nil
	}

	var portfolio *domain.Portfolio
	var positions []*domain.Position
	if e.source != nil && input.PortfolioID != "" {
		var err error
		portfolio, err = e.source.GetPortfolio(ctx, input.TenantID, input.PortfolioID)
		if err != nil {
			return nil, fmt.Errorf("failed to load portfolio %s: %w", input.PortfolioID, err)
		}
		positions, err = e.source.GetPositions(ctx, input.TenantID, input.PortfolioID)
		if err != nil {
			return nil, fmt.Errorf("failed to load positions for %s: %w", input.PortfolioID, err)
		}
	}

	base := NewEvaluationContext(portfolio, positions, input.Context)

	// Parallel evaluation using worker pool pattern
	results := make([]*domain.ComplianceResult, len(rules))
	var wg sync.WaitGroup

	// Limit concurrency with semaphore
	sem := make(chan struct{}, e.maxWorkers)

	for i, rule := range rules {
		wg.Add(1)
		go func(idx int, r *CompiledRule) {
			defer wg.Done()

			sem <- struct{}{}        // Acquire
			defer func() { <-sem }() // Release

			results[idx] = e.evaluateRule(ctx, r, base, input.PortfolioID)
		}(i, rule)
	}

	wg.Wait()

	return results, nil
}

// evaluateRule evaluates a single rule and returns the result. Any
// evaluation error becomes a breach verdict so a failing rule is
// visible instead of silently dropped.
func (e *Engine) evaluateRule(ctx context.Context, cr *CompiledRule, base *EvaluationContext, portfolioID string) *domain.ComplianceResult {
	start := time.Now()

	result := &domain.ComplianceResult{
		ID:          uuid.New().String(),
		TenantID:    cr.Rule.TenantID,
		RuleID:      cr.Rule.ID,
		RuleCode:    cr.Rule.Code,
		PortfolioID: portfolioID,
		EvaluatedAt: time.Now().UTC(),
	}

	ec := base.ForRule(cr.Rule.Parameters)

	outcome, err := e.run(ctx, cr, ec)
	if err != nil {
		result.Status = domain.StatusBreach
		result.Severity = domain.SeverityHigh
		result.Message = fmt.Sprintf("evaluation error: %v", err)
		result.EvaluationTimeMs = time.Since(start).Milliseconds()
		return result
	}

	switch {
	case !outcome.Satisfied:
		result.Status = domain.StatusBreach
	case cr.Warn != nil:
		warnOut, warnErr := Evaluate(cr.Warn, ec)
		switch {
		case warnErr != nil:
			result.Status = domain.StatusWarning
			outcome.Message = fmt.Sprintf("warn check failed: %v", warnErr)
		case !warnOut.Satisfied:
			result.Status = domain.StatusWarning
			outcome = warnOut
		default:
			result.Status = domain.StatusCompliant
		}
	default:
		result.Status = domain.StatusCompliant
	}

	result.Severity = severityFor(result.Status, cr.Rule.Jurisdiction)
	result.Message = outcome.Message
	result.ActualValue = outcome.Actual
	result.ExpectedValue = outcome.Expected
	result.EvaluationTimeMs = time.Since(start).Milliseconds()

	return result
}

func (e *Engine) run(ctx context.Context, cr *CompiledRule, ec *EvaluationContext) (Outcome, error) {
	if cr.Program != nil {
		return e.runCEL(ctx, cr, ec)
	}
	return Evaluate(cr.Expr, ec)
}

// severityFor maps a verdict to its reporting severity. SEC and FINRA
// breaches report high; other jurisdictions report medium.
func severityFor(status domain.ComplianceStatus, jurisdiction string) domain.Severity {
	switch status {
	case domain.StatusBreach:
		if jurisdiction == domain.JurisdictionSEC || jurisdiction == domain.JurisdictionFINRA {
			return domain.SeverityHigh
		}
		return domain.SeverityMedium
	case domain.StatusWarning:
		return domain.SeverityMedium
	default:
		return domain.SeverityLow
	}
}

func (e *Engine) compileRule(rule *domain.ComplianceRule) (*CompiledRule, error) {
	if err := rule.Validate(); err != nil {
		return nil, fmt.Errorf("invalid rule %s: %w", rule.ID, err)
	}

	if rule.Dialect == domain.DialectCEL {
		program, err := e.compileCEL(rule)
		if err != nil {
			return nil, err
		}
		return &CompiledRule{Rule: rule, Program: program}, nil
	}

	node, err := expr.Compile(rule.RuleExpression)
	if err != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", rule.ID, err)
	}

	compiled := &CompiledRule{Rule: rule, Expr: node}

	if rule.WarnExpression != "" {
		warn, err := expr.Compile(rule.WarnExpression)
		if err != nil {
			return nil, fmt.Errorf("failed to compile warn expression for rule %s: %w", rule.ID, err)
		}
		compiled.Warn = warn
	}

	return compiled, nil
}
