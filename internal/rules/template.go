package rules

import (
	"errors"
	"fmt"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Template is the closed set of rule shapes a rule instance can use. Each
// variant knows how to express itself as an evaluator expression, so no
// caller needs to switch on the concrete type.
type Template interface {
	Kind() string
	Expression() string
	Validate(points map[string]PointBinding) error
	template()
}

const (
	KindExpression = "expression"
	KindRange      = "range"
	KindStale      = "stale"
)

type ExpressionTemplate struct {
	Source string `yaml:"expression" json:"expression"`
}

func (ExpressionTemplate) Kind() string         { return KindExpression }
func (t ExpressionTemplate) Expression() string { return t.Source }
func (ExpressionTemplate) template()            {}

func (t ExpressionTemplate) Validate(map[string]PointBinding) error {
	if t.Source == "" {
		return errors.New("expression template requires expression")
	}
	return nil
}

// RangeTemplate faults when the latest value of Point leaves [Min, Max].
type RangeTemplate struct {
	Point string   `yaml:"point" json:"point"`
	Min   *float64 `yaml:"min" json:"min,omitempty"`
	Max   *float64 `yaml:"max" json:"max,omitempty"`
}

func (RangeTemplate) Kind() string { return KindRange }
func (RangeTemplate) template()    {}

func (t RangeTemplate) Expression() string {
	cond := "false"
	switch {
	case t.Min != nil && t.Max != nil:
		cond = fmt.Sprintf("%s < %s || %s > %s", t.Point, formatFloat(*t.Min), t.Point, formatFloat(*t.Max))
	case t.Min != nil:
		cond = fmt.Sprintf("%s < %s", t.Point, formatFloat(*t.Min))
	case t.Max != nil:
		cond = fmt.Sprintf("%s > %s", t.Point, formatFloat(*t.Max))
	}
	return fmt.Sprintf("({value: %s, faulted: %s})", t.Point, cond)
}

func (t RangeTemplate) Validate(points map[string]PointBinding) error {
	if _, ok := points[t.Point]; !ok {
		return fmt.Errorf("range template references unknown point %q", t.Point)
	}
	if t.Min == nil && t.Max == nil {
		return errors.New("range template requires min or max")
	}
	if t.Min != nil && t.Max != nil && *t.Min > *t.Max {
		return fmt.Errorf("range template min %v greater than max %v", *t.Min, *t.Max)
	}
	return nil
}

// StaleTemplate faults when Point has stopped reporting for Multiplier
// estimated sampling periods.
type StaleTemplate struct {
	Point      string  `yaml:"point" json:"point"`
	Multiplier float64 `yaml:"multiplier" json:"multiplier,omitempty"`
}

func (StaleTemplate) Kind() string { return KindStale }
func (StaleTemplate) template()    {}

func (t StaleTemplate) Expression() string {
	return fmt.Sprintf("stale(%q, %s)", t.Point, formatFloat(t.Multiplier))
}

func (t StaleTemplate) Validate(points map[string]PointBinding) error {
	if _, ok := points[t.Point]; !ok {
		return fmt.Errorf("stale template references unknown point %q", t.Point)
	}
	if t.Multiplier < 0 {
		return errors.New("stale template multiplier cannot be negative")
	}
	return nil
}

// TemplateSpec wraps a Template for YAML decoding; the variant is selected
// by the kind field.
type TemplateSpec struct {
	Template
}

func (s *TemplateSpec) UnmarshalYAML(node *yaml.Node) error {
	var head struct {
		Kind string `yaml:"kind"`
	}
	if err := node.Decode(&head); err != nil {
		return err
	}
	switch head.Kind {
	case KindExpression, "":
		var t ExpressionTemplate
		if err := node.Decode(&t); err != nil {
			return err
		}
		s.Template = t
	case KindRange:
		var t RangeTemplate
		if err := node.Decode(&t); err != nil {
			return err
		}
		s.Template = t
	case KindStale:
		var t StaleTemplate
		if err := node.Decode(&t); err != nil {
			return err
		}
		s.Template = t
	default:
		return fmt.Errorf("line %d: unknown template kind %q", node.Line, head.Kind)
	}
	return nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
