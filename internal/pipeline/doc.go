package pipeline

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Doc is the stored-message view that leaves the store. Every field is a
// JSON scalar so it can be embedded in queue payloads as-is.
type Doc struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	From           string `json:"from,omitempty"`
	Role           string `json:"role"`
	Text           Text   `json:"text"`
	Status         string `json:"status"`
	CreatedAt      string `json:"createdAt"`
	UpdatedAt      string `json:"updatedAt"`
	TraceID        string `json:"traceId,omitempty"`
}

// FormatID renders a store id as a Doc id.
func FormatID(id uint) string {
	return strconv.FormatUint(uint64(id), 10)
}

// ParseID parses a Doc id back into a store id.
func ParseID(s string) (uint, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("%w: invalid id %q", ErrMalformed, s)
	}
	return uint(n), nil
}

// FormatTime renders a timestamp in RFC 3339 with UTC offset.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// FollowUp tracks a scheduled re-entry of a work package.
type FollowUp struct {
	Attempt     int    `json:"attempt"`
	ScheduledAt string `json:"scheduledAt"`
}

// WorkPackage is what the preparer hands to the responder.
type WorkPackage struct {
	CurrentMessage Doc       `json:"currentMessage"`
	History        []Doc     `json:"history"`
	FollowUp       *FollowUp `json:"followUp,omitempty"`
}

// Attempt returns the follow-up attempt number, zero for the first pass.
func (w WorkPackage) Attempt() int {
	if w.FollowUp == nil {
		return 0
	}
	return w.FollowUp.Attempt
}

// Encode marshals the work package.
func (w WorkPackage) Encode() ([]byte, error) {
	if w.History == nil {
		w.History = []Doc{}
	}
	return json.Marshal(w)
}

// DecodeWorkPackage unmarshals a work package.
func DecodeWorkPackage(data []byte) (WorkPackage, error) {
	var w WorkPackage
	if err := json.Unmarshal(data, &w); err != nil {
		return WorkPackage{}, fmt.Errorf("%w: work package: %v", ErrMalformed, err)
	}
	return w, nil
}
