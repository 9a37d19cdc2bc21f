// Package pipespec parses declarative pipeline definitions from YAML and
// turns them into registrable step definitions.
package pipespec

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/salespipe-labs/salespipe-go/internal/domain"
)

const SchemaV1 = "salespipe.pipeline.v1"

type Document struct {
	Schema   string     `yaml:"schema"`
	Pipeline string     `yaml:"pipeline"`
	Steps    []StepSpec `yaml:"steps"`
}

type StepSpec struct {
	Name           string      `yaml:"name"`
	DependsOn      []string    `yaml:"depends_on"`
	Action         string      `yaml:"action"`
	IdempotencyKey string      `yaml:"idempotency_key"`
	Retry          RetrySpec   `yaml:"retry"`
	Checks         []CheckSpec `yaml:"checks"`
}

type RetrySpec struct {
	MaxAttempts int         `yaml:"max_attempts"`
	Backoff     BackoffSpec `yaml:"backoff"`
}

type BackoffSpec struct {
	Type       string  `yaml:"type"`
	Initial    string  `yaml:"initial"`
	Max        string  `yaml:"max"`
	Multiplier float64 `yaml:"multiplier"`
}

type CheckSpec struct {
	ID       string `yaml:"id"`
	Type     string `yaml:"type"`
	Severity string `yaml:"severity"`

	MinRows *int64 `yaml:"min_rows,omitempty"`
	MaxRows *int64 `yaml:"max_rows,omitempty"`

	Column      string   `yaml:"column,omitempty"`
	MaxNullRate *float64 `yaml:"max_null_rate,omitempty"`

	Columns []string `yaml:"columns,omitempty"`

	UpstreamStep string `yaml:"upstream_step,omitempty"`
	KeyColumn    string `yaml:"key_column,omitempty"`
}

// Parse decodes a pipeline document. Unknown fields are rejected so typos in
// operator-authored YAML fail loudly instead of silently defaulting.
func Parse(data []byte) (Document, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return Document{}, fmt.Errorf("decode pipeline spec: %w", err)
	}
	if err := doc.Validate(); err != nil {
		return Document{}, err
	}
	return doc, nil
}

// Validate checks document shape. Graph-level issues (unknown dependencies,
// cycles) are reported by the registry at seal time.
func (d Document) Validate() error {
	issues := &ValidationError{}

	if strings.TrimSpace(d.Schema) != SchemaV1 {
		issues.Add(fmt.Sprintf("schema must be %q", SchemaV1))
	}
	if strings.TrimSpace(d.Pipeline) == "" {
		issues.Add("pipeline name is required")
	}
	if len(d.Steps) == 0 {
		issues.Add("steps must be non-empty")
		return issues.OrNil()
	}

	for i, step := range d.Steps {
		name := strings.TrimSpace(step.Name)
		if name == "" {
			issues.Add(fmt.Sprintf("step[%d] name is required", i))
			name = fmt.Sprintf("step[%d]", i)
		}
		if strings.TrimSpace(step.Action) == "" {
			issues.Add(fmt.Sprintf("step[%s] action is required", name))
		}
		if step.Retry.MaxAttempts < 0 {
			issues.Add(fmt.Sprintf("step[%s] retry.max_attempts must be >= 0", name))
		}
		if _, err := parseBackoff(step.Retry.Backoff); err != nil {
			issues.Add(fmt.Sprintf("step[%s] %v", name, err))
		}
		for j, check := range step.Checks {
			if err := check.toDomain().Validate(); err != nil {
				issues.Add(fmt.Sprintf("step[%s] checks[%d]: %v", name, j, err))
			}
		}
	}

	return issues.OrNil()
}

// Definitions resolves action names against the catalog and produces
// registrable step definitions in document order.
func (d Document) Definitions(catalog map[string]domain.Action) ([]domain.StepDefinition, error) {
	issues := &ValidationError{}

	defs := make([]domain.StepDefinition, 0, len(d.Steps))
	for _, step := range d.Steps {
		action, ok := catalog[strings.TrimSpace(step.Action)]
		if !ok {
			issues.Add(fmt.Sprintf("step[%s] action unknown: %q", step.Name, step.Action))
			continue
		}

		backoff, err := parseBackoff(step.Retry.Backoff)
		if err != nil {
			issues.Add(fmt.Sprintf("step[%s] %v", step.Name, err))
			continue
		}
		maxAttempts := step.Retry.MaxAttempts
		if maxAttempts == 0 {
			maxAttempts = 1
		}

		checks := make([]domain.CheckSpec, 0, len(step.Checks))
		for _, check := range step.Checks {
			checks = append(checks, check.toDomain())
		}

		defs = append(defs, domain.StepDefinition{
			Name:           strings.TrimSpace(step.Name),
			DependsOn:      trimAll(step.DependsOn),
			IdempotencyKey: strings.TrimSpace(step.IdempotencyKey),
			Checks:         checks,
			Retry: domain.RetryPolicy{
				MaxAttempts: maxAttempts,
				Backoff:     backoff,
			},
			Action: action,
		})
	}

	if err := issues.OrNil(); err != nil {
		return nil, err
	}
	return defs, nil
}

func (c CheckSpec) toDomain() domain.CheckSpec {
	severity := domain.Severity(strings.ToLower(strings.TrimSpace(c.Severity)))
	if severity == "" {
		severity = domain.SeverityBlocking
	}
	return domain.CheckSpec{
		ID:           strings.TrimSpace(c.ID),
		Type:         strings.ToLower(strings.TrimSpace(c.Type)),
		Severity:     severity,
		MinRows:      c.MinRows,
		MaxRows:      c.MaxRows,
		Column:       strings.TrimSpace(c.Column),
		MaxNullRate:  c.MaxNullRate,
		Columns:      trimAll(c.Columns),
		UpstreamStep: strings.TrimSpace(c.UpstreamStep),
		KeyColumn:    strings.TrimSpace(c.KeyColumn),
	}
}

func parseBackoff(spec BackoffSpec) (domain.Backoff, error) {
	out := domain.Backoff{
		Type:       strings.ToLower(strings.TrimSpace(spec.Type)),
		Multiplier: spec.Multiplier,
	}
	switch out.Type {
	case "", "fixed", "exponential":
	default:
		return domain.Backoff{}, fmt.Errorf("retry.backoff.type unsupported: %q", spec.Type)
	}
	if out.Type == "exponential" && out.Multiplier <= 1 {
		return domain.Backoff{}, fmt.Errorf("retry.backoff.multiplier must be > 1 for exponential backoff")
	}

	var err error
	out.Initial, err = parseDuration("retry.backoff.initial", spec.Initial)
	if err != nil {
		return domain.Backoff{}, err
	}
	out.Max, err = parseDuration("retry.backoff.max", spec.Max)
	if err != nil {
		return domain.Backoff{}, err
	}
	if out.Max > 0 && out.Initial > out.Max {
		return domain.Backoff{}, fmt.Errorf("retry.backoff.initial must be <= max")
	}
	return out, nil
}

func parseDuration(field, value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %v", field, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must be >= 0", field)
	}
	return d, nil
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		if v := strings.TrimSpace(item); v != "" {
			out = append(out, v)
		}
	}
	return out
}
