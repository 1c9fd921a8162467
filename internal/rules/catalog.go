package rules

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"willow/internal/expression"
	"willow/internal/timeseries"
)

// PointBinding binds a telemetry point to a variable name inside the rule
// expression. Buffer overrides the default buffer settings for that point.
type PointBinding struct {
	ID     string                `yaml:"id" json:"id"`
	Name   string                `yaml:"name" json:"name"`
	Binary bool                  `yaml:"binary" json:"binary"`
	Unit   string                `yaml:"unit" json:"unit,omitempty"`
	Buffer *timeseries.Overrides `yaml:"buffer" json:"buffer,omitempty"`
}

// Settings resolves the effective buffer settings for the point.
func (p PointBinding) Settings(defaults timeseries.Settings) timeseries.Settings {
	if p.Buffer == nil {
		return defaults
	}
	return p.Buffer.Apply(defaults)
}

type ImpactScoreDef struct {
	FieldID    string `yaml:"field_id" json:"field_id"`
	Name       string `yaml:"name" json:"name"`
	Unit       string `yaml:"unit" json:"unit"`
	Expression string `yaml:"expression" json:"expression"`
}

type Dependency struct {
	Relationship string `yaml:"relationship" json:"relationship"`
	InsightID    string `yaml:"insight_id" json:"insight_id"`
}

// RuleInstance is a rule bound to specific points on a twin. It is the unit
// of evaluation: one actor and one insight exist per rule instance.
type RuleInstance struct {
	ID            string             `yaml:"id" json:"id"`
	RuleID        string             `yaml:"rule_id" json:"rule_id"`
	RuleName      string             `yaml:"rule_name" json:"rule_name"`
	Description   string             `yaml:"description" json:"description"`
	EquipmentID   string             `yaml:"equipment_id" json:"equipment_id"`
	TwinLocations []string           `yaml:"twin_locations" json:"twin_locations"`
	RuleTags      []string           `yaml:"rule_tags" json:"rule_tags"`
	Feeds         []string           `yaml:"feeds" json:"feeds"`
	FedBy         []string           `yaml:"fed_by" json:"fed_by"`
	Dependencies  []Dependency       `yaml:"dependencies" json:"dependencies"`
	Sync          *bool              `yaml:"sync_enabled" json:"sync_enabled,omitempty"`
	Template      TemplateSpec       `yaml:"template" json:"template"`
	Points        []PointBinding     `yaml:"points" json:"points"`
	Parameters    map[string]float64 `yaml:"parameters" json:"parameters"`
	ImpactScores  []ImpactScoreDef   `yaml:"impact_scores" json:"impact_scores"`
}

func (r *RuleInstance) SyncEnabled() bool {
	return r.Sync == nil || *r.Sync
}

func (r *RuleInstance) Expression() string {
	if r.Template.Template == nil {
		return ""
	}
	return r.Template.Expression()
}

func (r *RuleInstance) PointIDs() []string {
	out := make([]string, 0, len(r.Points))
	for _, p := range r.Points {
		out = append(out, p.ID)
	}
	return out
}

func (r *RuleInstance) Validate() error {
	if r.ID == "" {
		return errors.New("rule instance id is required")
	}
	if r.RuleID == "" {
		return fmt.Errorf("rule instance %s: rule_id is required", r.ID)
	}
	if r.Template.Template == nil {
		return fmt.Errorf("rule instance %s: template is required", r.ID)
	}
	if len(r.Points) == 0 {
		return fmt.Errorf("rule instance %s: at least one point is required", r.ID)
	}
	byName := make(map[string]PointBinding, len(r.Points))
	ids := make(map[string]struct{}, len(r.Points))
	for _, p := range r.Points {
		if p.ID == "" {
			return fmt.Errorf("rule instance %s: point id is required", r.ID)
		}
		if err := expression.ValidName(p.Name); err != nil {
			return fmt.Errorf("rule instance %s point %s: %w", r.ID, p.ID, err)
		}
		if _, dup := byName[p.Name]; dup {
			return fmt.Errorf("rule instance %s: duplicate point name %q", r.ID, p.Name)
		}
		if _, dup := ids[p.ID]; dup {
			return fmt.Errorf("rule instance %s: duplicate point id %q", r.ID, p.ID)
		}
		byName[p.Name] = p
		ids[p.ID] = struct{}{}
	}
	if err := r.Template.Validate(byName); err != nil {
		return fmt.Errorf("rule instance %s: %w", r.ID, err)
	}
	fields := make(map[string]struct{}, len(r.ImpactScores))
	for _, def := range r.ImpactScores {
		if def.FieldID == "" || def.Expression == "" {
			return fmt.Errorf("rule instance %s: impact score requires field_id and expression", r.ID)
		}
		if _, dup := fields[def.FieldID]; dup {
			return fmt.Errorf("rule instance %s: duplicate impact score %q", r.ID, def.FieldID)
		}
		fields[def.FieldID] = struct{}{}
	}
	return nil
}

type Catalog struct {
	RuleInstances []RuleInstance `yaml:"rule_instances" json:"rule_instances"`

	byID    map[string]*RuleInstance
	byPoint map[string][]string
}

func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

func Parse(data []byte) (*Catalog, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, errors.New("rule catalog is empty")
	}
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode rule catalog: %w", err)
	}
	if err := c.index(); err != nil {
		return nil, err
	}
	return &c, nil
}

func New(instances ...RuleInstance) (*Catalog, error) {
	c := &Catalog{RuleInstances: instances}
	if err := c.index(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Catalog) index() error {
	c.byID = make(map[string]*RuleInstance, len(c.RuleInstances))
	c.byPoint = make(map[string][]string)
	for i := range c.RuleInstances {
		ri := &c.RuleInstances[i]
		if err := ri.Validate(); err != nil {
			return err
		}
		if _, dup := c.byID[ri.ID]; dup {
			return fmt.Errorf("duplicate rule instance id %q", ri.ID)
		}
		c.byID[ri.ID] = ri
		for _, p := range ri.Points {
			c.byPoint[p.ID] = append(c.byPoint[p.ID], ri.ID)
		}
	}
	for _, ids := range c.byPoint {
		sort.Strings(ids)
	}
	return nil
}

func (c *Catalog) Get(id string) (*RuleInstance, bool) {
	if c == nil {
		return nil, false
	}
	ri, ok := c.byID[id]
	return ri, ok
}

// Subscribers returns the rule instance ids bound to a point.
func (c *Catalog) Subscribers(pointID string) []string {
	if c == nil {
		return nil
	}
	return c.byPoint[pointID]
}

func (c *Catalog) IDs() []string {
	if c == nil {
		return nil
	}
	out := make([]string, 0, len(c.byID))
	for id := range c.byID {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.RuleInstances)
}
