// Package web provides the HTTP surface: subject event ingestion and status
// queries. Campaign authoring stays off the network.
package web

import "time"

// TrackEventRequest is the body of POST /events/track.
type TrackEventRequest struct {
	SubjectID  string         `json:"subject_id"  validate:"required"`
	CampaignID string         `json:"campaign_id" validate:"required"`
	Type       string         `json:"type"        validate:"required"`
	Data       map[string]any `json:"data,omitempty"`
	Timestamp  *time.Time     `json:"timestamp,omitempty"`
}
