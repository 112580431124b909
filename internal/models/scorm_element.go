package models

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Well-known SCORM keys.
const (
	KeySuspendData      = "cmi.suspend_data"
	KeyCompletionStatus = "cmi.completion_status"
	KeyScoreRaw         = "cmi.score.raw"
	KeyScoreMax         = "cmi.score.max"
	KeyScoreScaled      = "cmi.score.scaled"
	// KeyEndTime is written by the exam runtime when it ends an attempt on the
	// student's behalf. Its value is an ISO 8601 timestamp.
	KeyEndTime = "x.end_time"
)

// ScormElement is one immutable fact in an attempt's log.
//
// Patch and PatchBaseID are only ever set by suspend data compaction, which
// replaces Value with an edit script against the full value of PatchBaseID.
// ValueHash always identifies the value as it was originally received.
type ScormElement struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	AttemptID   uint      `gorm:"not null;index:idx_element_lookup,priority:1;uniqueIndex:idx_element_identity,priority:1" json:"attempt_id"`
	Key         string    `gorm:"size:200;not null;index:idx_element_lookup,priority:2;uniqueIndex:idx_element_identity,priority:2" json:"key"`
	Value       string    `gorm:"type:text;not null" json:"value"`
	ValueHash   string    `gorm:"size:64;not null;uniqueIndex:idx_element_identity,priority:5" json:"-"`
	Time        time.Time `gorm:"not null;index:idx_element_lookup,priority:3;uniqueIndex:idx_element_identity,priority:3" json:"time"`
	Counter     int       `gorm:"not null;default:0;uniqueIndex:idx_element_identity,priority:4" json:"counter"`
	Patch       bool      `gorm:"not null;default:false" json:"-"`
	PatchBaseID *uint     `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewScormElement prepares an element for insertion, normalising its time to
// UTC and fingerprinting its value.
func NewScormElement(attemptID uint, key, value string, t time.Time, counter int) ScormElement {
	return ScormElement{
		AttemptID: attemptID,
		Key:       key,
		Value:     value,
		ValueHash: HashValue(value),
		Time:      t.UTC(),
		Counter:   counter,
	}
}

// HashValue returns the fingerprint used in the element identity index.
func HashValue(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

// CompareElements orders elements by (Time, Counter). It returns -1, 0 or 1.
// This is the only ordering used for "current value", cache guards and compaction.
func CompareElements(a, b ScormElement) int {
	switch {
	case a.Time.Before(b.Time):
		return -1
	case a.Time.After(b.Time):
		return 1
	case a.Counter < b.Counter:
		return -1
	case a.Counter > b.Counter:
		return 1
	default:
		return 0
	}
}

// NewerThan reports whether e sorts strictly after other. Every element is
// newer than a missing one.
func (e ScormElement) NewerThan(other *ScormElement) bool {
	if other == nil {
		return true
	}
	return CompareElements(e, *other) > 0
}
