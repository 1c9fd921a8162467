package insight

import (
	"errors"
	"fmt"
	"time"

	"willow/internal/rules"
)

// ErrMissingField is returned when a required identifier is empty. It signals
// a programming error in the caller rather than a runtime condition.
var ErrMissingField = errors.New("required field is missing")

type Status string

const (
	StatusNew        Status = "New"
	StatusOpen       Status = "Open"
	StatusInProgress Status = "InProgress"
	StatusResolved   Status = "Resolved"
	StatusIgnored    Status = "Ignored"
	StatusDeleted    Status = "Deleted"
)

func (s Status) Valid() bool {
	switch s {
	case StatusNew, StatusOpen, StatusInProgress, StatusResolved, StatusIgnored, StatusDeleted:
		return true
	}
	return false
}

type Occurrence struct {
	ID        string    `json:"id"`
	InsightID string    `json:"insight_id"`
	Started   time.Time `json:"started"`
	Ended     time.Time `json:"ended"`
	IsFaulted bool      `json:"is_faulted"`
	IsValid   bool      `json:"is_valid"`
	Text      string    `json:"text"`
}

func NewOccurrence(insightID string, started, ended time.Time, faulted, valid bool, text string) (Occurrence, error) {
	if insightID == "" {
		return Occurrence{}, fmt.Errorf("%w: InsightId", ErrMissingField)
	}
	return Occurrence{
		ID:        fmt.Sprintf("%s_%d", insightID, started.UnixNano()),
		InsightID: insightID,
		Started:   started,
		Ended:     ended,
		IsFaulted: faulted,
		IsValid:   valid,
		Text:      text,
	}, nil
}

func (o Occurrence) Duration() time.Duration {
	return o.Ended.Sub(o.Started)
}

type Dependency struct {
	Relationship string `json:"relationship"`
	InsightID    string `json:"insight_id"`
}

// Insight is the durable fault record for one rule instance. It owns its
// occurrences, impact scores and dependencies by value; the sync bookkeeping
// fields survive recomputation from the actor.
type Insight struct {
	ID                     string        `json:"id"`
	RuleID                 string        `json:"rule_id"`
	RuleName               string        `json:"rule_name"`
	EquipmentID            string        `json:"equipment_id"`
	Text                   string        `json:"text"`
	Status                 Status        `json:"status"`
	IsFaulty               bool          `json:"is_faulty"`
	IsValid                bool          `json:"is_valid"`
	FaultedCount           int64         `json:"faulted_count"`
	LastFaultedDate        time.Time     `json:"last_faulted_date"`
	SyncEnabled            bool          `json:"sync_enabled"`
	LastSyncDateUTC        time.Time     `json:"last_sync_date_utc"`
	NextAllowedSyncDateUTC time.Time     `json:"next_allowed_sync_date_utc"`
	CommandInsightID       string        `json:"command_insight_id"`
	LastFoldedSeq          int64         `json:"last_folded_seq"`
	MaxOccurrences         int           `json:"max_occurrences"`
	Feeds                  []string      `json:"feeds"`
	FedBy                  []string      `json:"fed_by"`
	Points                 []string      `json:"points"`
	TwinLocations          []string      `json:"twin_locations"`
	RuleTags               []string      `json:"rule_tags"`
	Dependencies           []Dependency  `json:"dependencies"`
	Occurrences            []Occurrence  `json:"occurrences"`
	ImpactScores           []ImpactScore `json:"impact_scores"`
	CreatedDate            time.Time     `json:"created_date"`
	UpdatedDate            time.Time     `json:"updated_date"`
}

const DefaultMaxOccurrences = 500

func New(id, ruleID string) (*Insight, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: Id", ErrMissingField)
	}
	if ruleID == "" {
		return nil, fmt.Errorf("%w: RuleId", ErrMissingField)
	}
	return &Insight{
		ID:             id,
		RuleID:         ruleID,
		Status:         StatusNew,
		SyncEnabled:    true,
		MaxOccurrences: DefaultMaxOccurrences,
	}, nil
}

// FromRuleInstance creates the insight for a rule instance.
func FromRuleInstance(ri *rules.RuleInstance, now time.Time) (*Insight, error) {
	if ri == nil {
		return nil, fmt.Errorf("%w: rule instance", ErrMissingField)
	}
	ins, err := New(ri.ID, ri.RuleID)
	if err != nil {
		return nil, err
	}
	ins.CreatedDate = now
	ins.ApplyRuleInstance(ri)
	return ins, nil
}

// ApplyRuleInstance refreshes the metadata copied from the rule instance.
// Array-valued fields are replaced wholesale.
func (i *Insight) ApplyRuleInstance(ri *rules.RuleInstance) {
	i.RuleID = ri.RuleID
	i.RuleName = ri.RuleName
	i.EquipmentID = ri.EquipmentID
	i.SyncEnabled = ri.SyncEnabled()
	i.Feeds = cloneStrings(ri.Feeds)
	i.FedBy = cloneStrings(ri.FedBy)
	i.Points = ri.PointIDs()
	i.TwinLocations = cloneStrings(ri.TwinLocations)
	i.RuleTags = cloneStrings(ri.RuleTags)
	i.Dependencies = make([]Dependency, 0, len(ri.Dependencies))
	for _, d := range ri.Dependencies {
		i.Dependencies = append(i.Dependencies, Dependency{Relationship: d.Relationship, InsightID: d.InsightID})
	}
}

// CanResolve reports whether a currently healthy insight is still open on
// the Command side and should be resolved there.
func (i *Insight) CanResolve() bool {
	if i.IsFaulty {
		return false
	}
	switch i.Status {
	case StatusInProgress, StatusOpen, StatusNew:
		return true
	}
	return false
}

// CanReOpen reports whether a faulty insight was closed on the Command side
// and should be reopened.
func (i *Insight) CanReOpen() bool {
	if !i.IsFaulty {
		return false
	}
	switch i.Status {
	case StatusResolved, StatusIgnored, StatusDeleted:
		return true
	}
	return false
}

func (i *Insight) HasValidOccurrence() bool {
	for _, o := range i.Occurrences {
		if o.IsValid {
			return true
		}
	}
	return false
}

// HasOverlappingOccurrences reports whether any occurrence starts before its
// predecessor ended. Folding never produces this; a true result means the
// data was corrupted elsewhere.
func (i *Insight) HasOverlappingOccurrences() bool {
	for k := 1; k < len(i.Occurrences); k++ {
		if i.Occurrences[k].Started.Before(i.Occurrences[k-1].Ended) {
			return true
		}
	}
	return false
}

func (i *Insight) CurrentOccurrence() (Occurrence, bool) {
	if len(i.Occurrences) == 0 {
		return Occurrence{}, false
	}
	return i.Occurrences[len(i.Occurrences)-1], true
}

func cloneStrings(in []string) []string {
	if in == nil {
		return []string{}
	}
	return append([]string(nil), in...)
}
