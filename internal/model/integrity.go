package model

import "time"

// IntegrityKind is a proctoring signal reported by the presentation layer.
type IntegrityKind string

const (
	IntegrityFocusLost        IntegrityKind = "FOCUS_LOST"
	IntegrityVisibilityHidden IntegrityKind = "VISIBILITY_HIDDEN"
	IntegrityFullscreenExit   IntegrityKind = "FULLSCREEN_EXIT"
	IntegrityWindowResized    IntegrityKind = "WINDOW_RESIZED"
	IntegrityCopyAttempted    IntegrityKind = "COPY_ATTEMPTED"
	IntegrityPasteAttempted   IntegrityKind = "PASTE_ATTEMPTED"
	IntegrityContextMenu      IntegrityKind = "CONTEXT_MENU"
	IntegrityDevtoolsOpened   IntegrityKind = "DEVTOOLS_OPENED"
	IntegrityNetworkOffline   IntegrityKind = "NETWORK_OFFLINE"
)

// IntegrityKinds is the bounded set of accepted kinds.
var IntegrityKinds = []IntegrityKind{
	IntegrityFocusLost,
	IntegrityVisibilityHidden,
	IntegrityFullscreenExit,
	IntegrityWindowResized,
	IntegrityCopyAttempted,
	IntegrityPasteAttempted,
	IntegrityContextMenu,
	IntegrityDevtoolsOpened,
	IntegrityNetworkOffline,
}

// Valid reports whether k is in the accepted set.
func (k IntegrityKind) Valid() bool {
	for _, known := range IntegrityKinds {
		if k == known {
			return true
		}
	}
	return false
}

// IntegrityEvent is one stored proctoring signal. It never affects scoring.
type IntegrityEvent struct {
	Seq        int           `json:"seq"`
	Kind       IntegrityKind `json:"kind"`
	OccurredAt time.Time     `json:"occurred_at"`
	Detail     string        `json:"detail,omitempty"`
}

// IntegritySummary is what a reviewer sees about a session's signals.
type IntegritySummary struct {
	Total        int                   `json:"total"`
	Stored       int                   `json:"stored"`
	DroppedCount int                   `json:"dropped_count"`
	Counts       map[IntegrityKind]int `json:"counts"`
	Sealed       bool                  `json:"sealed"`
}
