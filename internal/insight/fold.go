package insight

import (
	"errors"
	"time"

	"willow/internal/actor"
	"willow/internal/rules"
)

var ErrOverlappingOccurrences = errors.New("insight has overlapping occurrences")

const (
	textHealthy      = "Healthy"
	textFaulted      = "Faulted"
	textInsufficient = "Insufficient data"
)

// UpdateOccurrences folds the actor outputs produced since the last fold into
// the occurrence timeline. Consecutive outputs with the same faulted/valid
// pair extend the current occurrence; a change starts a new one. It returns
// the number of outputs folded. ErrOverlappingOccurrences is returned, after
// the fold is applied, if the resulting timeline is inconsistent.
func (i *Insight) UpdateOccurrences(a *actor.State, ri *rules.RuleInstance, now time.Time) (int, error) {
	points := a.Points(i.LastFoldedSeq)
	for _, p := range points {
		n := len(i.Occurrences)
		if n > 0 && i.Occurrences[n-1].IsFaulted == p.Faulted && i.Occurrences[n-1].IsValid == p.IsValid {
			last := &i.Occurrences[n-1]
			if p.EndTime.After(last.Ended) {
				last.Ended = p.EndTime
			}
			if !p.IsValid && p.Error != "" {
				last.Text = p.Error
			}
		} else {
			started := p.Timestamp
			if n > 0 && started.Before(i.Occurrences[n-1].Ended) {
				started = i.Occurrences[n-1].Ended
			}
			ended := p.EndTime
			if ended.Before(started) {
				ended = started
			}
			occ, err := NewOccurrence(i.ID, started, ended, p.Faulted, p.IsValid, occurrenceText(p, ri))
			if err != nil {
				return 0, err
			}
			i.Occurrences = append(i.Occurrences, occ)
		}
		i.LastFoldedSeq = p.Seq
	}
	if len(points) > 0 {
		i.refresh(a, ri, now)
	}
	i.trim()
	if i.HasOverlappingOccurrences() {
		return len(points), ErrOverlappingOccurrences
	}
	return len(points), nil
}

func (i *Insight) refresh(a *actor.State, ri *rules.RuleInstance, now time.Time) {
	cur, _ := i.CurrentOccurrence()
	i.IsFaulty = cur.IsFaulted
	i.IsValid = cur.IsValid
	i.Text = cur.Text
	i.FaultedCount = a.FaultedCount
	for k := len(i.Occurrences) - 1; k >= 0; k-- {
		if i.Occurrences[k].IsFaulted {
			i.LastFaultedDate = i.Occurrences[k].Ended
			break
		}
	}
	if ri != nil && ri.Description != "" && i.IsFaulty {
		i.Text = ri.Description
	}
	i.UpdatedDate = now
}

// trim drops the oldest occurrences beyond MaxOccurrences. For insights that
// sync, only occurrences that ended before the last sync may go.
func (i *Insight) trim() {
	limit := i.MaxOccurrences
	if limit <= 0 || len(i.Occurrences) <= limit {
		return
	}
	drop := 0
	for drop < len(i.Occurrences)-limit {
		o := i.Occurrences[drop]
		if i.SyncEnabled && (i.LastSyncDateUTC.IsZero() || o.Ended.After(i.LastSyncDateUTC)) {
			break
		}
		drop++
	}
	if drop > 0 {
		i.Occurrences = append(i.Occurrences[:0:0], i.Occurrences[drop:]...)
	}
}

func occurrenceText(p actor.OutputValue, ri *rules.RuleInstance) string {
	switch {
	case !p.IsValid && p.Error != "":
		return p.Error
	case !p.IsValid:
		return textInsufficient
	case p.Faulted:
		if ri != nil && ri.Description != "" {
			return ri.Description
		}
		return textFaulted
	default:
		return textHealthy
	}
}
