package syncengine

import "encoding/json"

// PhaseResult counts per-item outcomes within one push phase.
type PhaseResult struct {
	Success int `json:"success"`
	Errors  int `json:"errors"`
}

func (r *PhaseResult) add(other PhaseResult) {
	r.Success += other.Success
	r.Errors += other.Errors
}

// PushResult aggregates the fixed-order push phases.
type PushResult struct {
	Streams           PhaseResult `json:"streams"`
	Locations         PhaseResult `json:"locations"`
	Entries           PhaseResult `json:"entries"`
	Attachments       PhaseResult `json:"attachments"`
	EntryDeletes      PhaseResult `json:"entry_deletes"`
	LocationDeletes   PhaseResult `json:"location_deletes"`
	AttachmentDeletes PhaseResult `json:"attachment_deletes"`
	StreamDeletes     PhaseResult `json:"stream_deletes"`
}

// Total folds every phase into one count pair.
func (r PushResult) Total() PhaseResult {
	total := PhaseResult{}
	for _, phase := range []PhaseResult{
		r.Streams, r.Locations, r.Entries, r.Attachments,
		r.EntryDeletes, r.LocationDeletes, r.AttachmentDeletes, r.StreamDeletes,
	} {
		total.add(phase)
	}
	return total
}

// PullKindResult counts per-row outcomes for one entity kind during a pull.
type PullKindResult struct {
	Applied int `json:"applied"`
	Deleted int `json:"deleted"`
	Skipped int `json:"skipped"`
}

// Total reports how many remote rows produced a local effect.
func (r PullKindResult) Total() int {
	return r.Applied + r.Deleted
}

// PullResult aggregates the pull phases in dependency order.
type PullResult struct {
	Streams     PullKindResult `json:"streams"`
	Locations   PullKindResult `json:"locations"`
	Entries     PullKindResult `json:"entries"`
	Attachments PullKindResult `json:"attachments"`
	// ReflaggedStreams counts locally clean streams re-marked dirty because
	// the remote listing did not contain them.
	ReflaggedStreams int `json:"reflagged_streams"`
	// PrefetchRefs lists binary references of newly pulled attachments,
	// handed to the background prefetch queue.
	PrefetchRefs []string `json:"-"`
}

// SyncResult is the structured outcome of one coordinator cycle. Ran is false
// when the cycle was refused by the single-flight gate or a precondition.
type SyncResult struct {
	Ran              bool       `json:"ran"`
	Push             PushResult `json:"push"`
	Pull             PullResult `json:"pull"`
	StartedAtSeconds int64      `json:"started_at_s"`
	DurationMillis   int64      `json:"duration_ms"`
	Failed           bool       `json:"failed"`
}

// CountsJSON renders the result for the audit log. Serialization failures
// degrade to an empty object rather than failing the cycle.
func (r SyncResult) CountsJSON() string {
	encoded, err := json.Marshal(r)
	if err != nil {
		return "{}"
	}
	return string(encoded)
}
