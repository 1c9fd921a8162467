package rules

import (
	"strings"
	"testing"
	"time"

	"willow/internal/timeseries"
)

const sampleCatalog = `
rule_instances:
  - id: ri-ahu-1
    rule_id: supply-temp-high
    rule_name: Supply air temperature high
    description: Supply air temperature above setpoint
    equipment_id: ahu-1
    twin_locations: [site-1, building-a]
    rule_tags: [hvac]
    template:
      kind: range
      point: sat
      max: 25
    points:
      - id: pt-sat
        name: sat
        buffer:
          max_time_to_keep: 2h
          compression:
            enabled: true
            tolerance: 0.2
    impact_scores:
      - field_id: energy
        name: Wasted energy
        unit: kWh
        expression: "sat > 25 ? (sat - 25) * 1.5 : 0"
  - id: ri-ahu-2
    rule_id: fan-stale
    sync_enabled: false
    template:
      kind: stale
      point: fan
      multiplier: 5
    points:
      - id: pt-fan
        name: fan
        binary: true
      - id: pt-sat
        name: sat
  - id: ri-ahu-3
    rule_id: custom
    template:
      expression: "avg('sat', 600) - params.offset > 0"
    parameters:
      offset: 3
    points:
      - id: pt-sat
        name: sat
`

func TestParseCatalog(t *testing.T) {
	c, err := Parse([]byte(sampleCatalog))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if c.Len() != 3 {
		t.Fatalf("expected 3 rule instances, got %d", c.Len())
	}

	ri, ok := c.Get("ri-ahu-1")
	if !ok {
		t.Fatalf("ri-ahu-1 missing")
	}
	if _, isRange := ri.Template.Template.(RangeTemplate); !isRange {
		t.Fatalf("expected range template, got %T", ri.Template.Template)
	}
	if got := ri.Expression(); got != "({value: sat, faulted: sat > 25})" {
		t.Fatalf("unexpected range expression %q", got)
	}
	if !ri.SyncEnabled() {
		t.Fatalf("sync should default to enabled")
	}
	settings := ri.Points[0].Settings(timeseries.DefaultSettings())
	if settings.MaxTimeToKeep != 2*time.Hour || !settings.Compression.Enabled || settings.Compression.Tolerance != 0.2 {
		t.Fatalf("unexpected settings %+v", settings)
	}
	if settings.PeriodAlpha != timeseries.DefaultSettings().PeriodAlpha {
		t.Fatalf("defaults not applied")
	}

	stale, _ := c.Get("ri-ahu-2")
	if stale.SyncEnabled() {
		t.Fatalf("sync should be disabled")
	}
	if got := stale.Expression(); got != `stale("fan", 5)` {
		t.Fatalf("unexpected stale expression %q", got)
	}

	custom, _ := c.Get("ri-ahu-3")
	if custom.Template.Kind() != KindExpression {
		t.Fatalf("expected expression kind, got %s", custom.Template.Kind())
	}

	subs := c.Subscribers("pt-sat")
	if strings.Join(subs, ",") != "ri-ahu-1,ri-ahu-2,ri-ahu-3" {
		t.Fatalf("unexpected subscribers %v", subs)
	}
	if len(c.Subscribers("pt-unknown")) != 0 {
		t.Fatalf("expected no subscribers")
	}
}

func TestParseCatalogRejects(t *testing.T) {
	cases := map[string]string{
		"unknown kind": `
rule_instances:
  - id: a
    rule_id: r
    template: {kind: magic}
    points: [{id: p, name: x}]
`,
		"missing rule id": `
rule_instances:
  - id: a
    template: {expression: "x > 1"}
    points: [{id: p, name: x}]
`,
		"bad point name": `
rule_instances:
  - id: a
    rule_id: r
    template: {expression: "1"}
    points: [{id: p, name: "zone-temp"}]
`,
		"range unknown point": `
rule_instances:
  - id: a
    rule_id: r
    template: {kind: range, point: y, max: 1}
    points: [{id: p, name: x}]
`,
		"duplicate id": `
rule_instances:
  - id: a
    rule_id: r
    template: {expression: "x"}
    points: [{id: p, name: x}]
  - id: a
    rule_id: r
    template: {expression: "x"}
    points: [{id: p, name: x}]
`,
		"empty": "   ",
	}
	for name, doc := range cases {
		if _, err := Parse([]byte(doc)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestPointOverridesCanDisableDefaults(t *testing.T) {
	doc := `
rule_instances:
  - id: ri-1
    rule_id: r
    template: {kind: range, point: sat, max: 25}
    points:
      - id: pt-sat
        name: sat
        buffer:
          compression: {enabled: false, kalman: false, tolerance: 0}
      - id: pt-rat
        name: rat
`
	c, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	defaults := timeseries.DefaultSettings()
	defaults.Compression.Enabled = true
	defaults.Compression.Kalman = true
	defaults.Compression.Tolerance = 0.5

	ri, _ := c.Get("ri-1")
	got := ri.Points[0].Settings(defaults)
	if got.Compression.Enabled || got.Compression.Kalman || got.Compression.Tolerance != 0 {
		t.Fatalf("override not applied: %+v", got.Compression)
	}
	if inherited := ri.Points[1].Settings(defaults); inherited.Compression != defaults.Compression {
		t.Fatalf("point without overrides should inherit defaults: %+v", inherited.Compression)
	}
}
