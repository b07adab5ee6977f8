package events

import (
	"encoding/json"

	"github.com/apex-build/sheetext-host/internal/extensions"
	"github.com/apex-build/sheetext-host/internal/extensions/spreadsheetapi"
)

// truncatePayload replaces an oversized selectionChanged range payload
// with a truncated marker before broadcast (every other event kind passes
// through unchanged), sharing
// extensions.MaxRangeCells with the ApiDispatcher's own getRange/setRange
// cap so both halves of the spec's payload-size governance agree on one
// number (spec §2.2/§4.7). It reports whether truncation happened.
func truncatePayload(event *Event) bool {
	if event.Kind != KindSelectionChanged {
		return false
	}
	r, ok := event.Payload.(spreadsheetapi.Range)
	if !ok {
		return false
	}
	rows := r.EndRow - r.StartRow + 1
	cols := r.EndCol - r.StartCol + 1
	if rows*cols <= extensions.MaxRangeCells {
		return false
	}
	event.Payload = map[string]interface{}{
		"sheet":     r.Sheet,
		"startRow":  r.StartRow,
		"startCol":  r.StartCol,
		"endRow":    r.EndRow,
		"endCol":    r.EndCol,
		"truncated": true,
	}
	return true
}

// payloadSizeEstimate returns the marshaled byte size of payload, used
// only for the broadcast-size metric; a marshal failure is reported as 0
// rather than panicking the broadcaster.
func payloadSizeEstimate(payload interface{}) int {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0
	}
	return len(data)
}
