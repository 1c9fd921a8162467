package insight

import (
	"fmt"
	"time"
)

const (
	// HeartbeatInterval is the longest a valid insight goes without a sync.
	HeartbeatInterval = 6 * time.Hour
	// SyncRatio is the fraction of the current occurrence's length that must
	// elapse since the last sync before a stable insight syncs again.
	SyncRatio = 0.25
)

// ShouldSync decides whether the insight should be pushed to Command. The
// checks form a priority cascade and must be evaluated in this order.
func (i *Insight) ShouldSync(now time.Time) bool {
	if !i.SyncEnabled {
		return false
	}
	if !i.HasValidOccurrence() {
		return false
	}
	if i.LastSyncDateUTC.IsZero() {
		return true
	}
	if !i.IsValid {
		return false
	}
	if i.IsFaulty {
		return true
	}
	since := now.Sub(i.LastSyncDateUTC)
	if since > HeartbeatInterval {
		return true
	}
	cur, ok := i.CurrentOccurrence()
	if !ok {
		return false
	}
	span := cur.Duration()
	if span <= 0 {
		return since > 0
	}
	return since.Seconds()/span.Seconds() > SyncRatio
}

// SyncAllowed reports whether a previous failed sync has backed off long
// enough for another attempt.
func (i *Insight) SyncAllowed(now time.Time) bool {
	return i.NextAllowedSyncDateUTC.IsZero() || !now.Before(i.NextAllowedSyncDateUTC)
}

// NextStatus is the status to request from Command for this sync.
func (i *Insight) NextStatus() Status {
	switch {
	case i.CanReOpen():
		return StatusOpen
	case i.CanResolve():
		return StatusResolved
	case i.LastSyncDateUTC.IsZero():
		return StatusNew
	}
	return i.Status
}

// InsightSynced records a successful sync.
func (i *Insight) InsightSynced(status Status, commandID string, now time.Time) error {
	if !status.Valid() {
		return fmt.Errorf("unknown insight status %q", status)
	}
	i.Status = status
	if commandID != "" {
		i.CommandInsightID = commandID
	}
	i.LastSyncDateUTC = now
	i.NextAllowedSyncDateUTC = time.Time{}
	i.UpdatedDate = now
	return nil
}

// SyncFailed defers the next attempt by delay.
func (i *Insight) SyncFailed(now time.Time, delay time.Duration) {
	i.NextAllowedSyncDateUTC = now.Add(delay)
}
