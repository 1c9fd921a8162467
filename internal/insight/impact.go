package insight

import (
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"

	"willow/internal/actor"
	"willow/internal/rules"
)

const (
	FieldFaultedCount     = "faulted_count"
	FieldTotalFaultedTime = "total_faulted_time"
)

type ImpactScore struct {
	ID        string  `json:"id"`
	InsightID string  `json:"insight_id"`
	FieldID   string  `json:"field_id"`
	Name      string  `json:"name"`
	Unit      string  `json:"unit"`
	Score     float64 `json:"score"`
	BaseScore float64 `json:"base_score"`
}

// NewImpactScore builds a score whose id is derived from the insight and
// field, so recomputation overwrites instead of duplicating. Non-finite
// scores are stored as zero.
func NewImpactScore(insightID, fieldID, name, unit string, score float64) (ImpactScore, error) {
	if insightID == "" {
		return ImpactScore{}, fmt.Errorf("%w: InsightId", ErrMissingField)
	}
	if fieldID == "" {
		return ImpactScore{}, fmt.Errorf("%w: FieldId", ErrMissingField)
	}
	score = finite(score)
	return ImpactScore{
		ID:        insightID + "_" + fieldID,
		InsightID: insightID,
		FieldID:   fieldID,
		Name:      name,
		Unit:      unit,
		Score:     score,
		BaseScore: ToBaseUnit(score, unit),
	}, nil
}

// UpdateImpactScores recomputes the built-in scores and the rule's own
// impact expressions from the actor.
func (i *Insight) UpdateImpactScores(a *actor.State, ri *rules.RuleInstance) error {
	var faultedTime float64
	for _, o := range i.Occurrences {
		if o.IsFaulted {
			faultedTime += o.Duration().Hours()
		}
	}
	scores := []struct {
		field, name, unit string
		value             float64
	}{
		{FieldFaultedCount, "Faulted count", "count", float64(a.FaultedCount)},
		{FieldTotalFaultedTime, "Total faulted time", "h", faultedTime},
	}
	if ri != nil {
		for _, def := range ri.ImpactScores {
			scores = append(scores, struct {
				field, name, unit string
				value             float64
			}{def.FieldID, def.Name, def.Unit, a.ImpactValues[def.FieldID]})
		}
	}
	for _, s := range scores {
		score, err := NewImpactScore(i.ID, s.field, s.name, s.unit, s.value)
		if err != nil {
			return err
		}
		i.upsertScore(score)
	}
	return nil
}

func (i *Insight) upsertScore(score ImpactScore) {
	for k := range i.ImpactScores {
		if i.ImpactScores[k].ID == score.ID {
			i.ImpactScores[k] = score
			return
		}
	}
	i.ImpactScores = append(i.ImpactScores, score)
}

func (i *Insight) ImpactScore(fieldID string) (ImpactScore, bool) {
	for _, s := range i.ImpactScores {
		if s.FieldID == fieldID {
			return s, true
		}
	}
	return ImpactScore{}, false
}

// unitFactors maps a unit to its multiplier into the canonical unit of its
// dimension: kWh for energy, kW for power, hours for time, m³ for volume.
var unitFactors = map[string]decimal.Decimal{
	"wh":    decimal.RequireFromString("0.001"),
	"kwh":   decimal.NewFromInt(1),
	"mwh":   decimal.NewFromInt(1000),
	"gwh":   decimal.NewFromInt(1000000),
	"j":     decimal.NewFromInt(1).Div(decimal.NewFromInt(3600000)),
	"kj":    decimal.NewFromInt(1).Div(decimal.NewFromInt(3600)),
	"mj":    decimal.NewFromInt(1).Div(decimal.RequireFromString("3.6")),
	"btu":   decimal.RequireFromString("0.00029307107"),
	"w":     decimal.RequireFromString("0.001"),
	"kw":    decimal.NewFromInt(1),
	"mw":    decimal.NewFromInt(1000),
	"s":     decimal.NewFromInt(1).Div(decimal.NewFromInt(3600)),
	"min":   decimal.NewFromInt(1).Div(decimal.NewFromInt(60)),
	"h":     decimal.NewFromInt(1),
	"hr":    decimal.NewFromInt(1),
	"d":     decimal.NewFromInt(24),
	"day":   decimal.NewFromInt(24),
	"l":     decimal.RequireFromString("0.001"),
	"m3":    decimal.NewFromInt(1),
	"m³":    decimal.NewFromInt(1),
	"gal":   decimal.RequireFromString("0.003785411784"),
	"cents": decimal.RequireFromString("0.01"),
}

// ToBaseUnit converts value to the canonical unit for its dimension. Unknown
// units convert 1:1. Non-finite input yields zero.
func ToBaseUnit(value float64, unit string) float64 {
	value = finite(value)
	factor, ok := unitFactors[strings.ToLower(strings.TrimSpace(unit))]
	if !ok {
		return value
	}
	out, _ := decimal.NewFromFloat(value).Mul(factor).Float64()
	return finite(out)
}

func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
