package dto

import "time"

// CMIStateResponse is the resolved value of every key of an attempt at a point in time.
type CMIStateResponse struct {
	AttemptID uint              `json:"attempt_id"`
	At        *time.Time        `json:"at"`
	Values    map[string]string `json:"values"`
}

// TimelineEntry is one resolved element in a key's history.
type TimelineEntry struct {
	ElementID uint      `json:"element_id"`
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	Time      time.Time `json:"time"`
	Counter   int       `json:"counter"`
}

// TimelineResponse lists the resolved history of one key.
type TimelineResponse struct {
	AttemptID uint            `json:"attempt_id"`
	Key       string          `json:"key"`
	Entries   []TimelineEntry `json:"entries"`
}
