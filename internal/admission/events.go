package admission

import "encoding/json"

// legacyEnvelope is the older inbound shape: {event: "<string>", payload: {repository: {...}}}.
type legacyEnvelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

type legacyPayload struct {
	Repository *repositoryRef `json:"repository"`
}

// envelopeMessage is the newer shape: {event: {type, data: {...}}}.
type envelopeMessage struct {
	Event envelopeEvent `json:"event"`
}

type envelopeEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type envelopeData struct {
	Repository   *repositoryRef `json:"repository"`
	RepositoryID string         `json:"repositoryId"`
	IngestStatus string         `json:"ingestStatus"`
	Event        *nestedEvent   `json:"event"`
}

type nestedEvent struct {
	RepositoryID string `json:"repositoryId"`
	Status       string `json:"status"`
}

type repositoryRef struct {
	ID           string `json:"id"`
	IngestStatus string `json:"ingestStatus"`
}

// NormalizedEvent is the tagged-variant result of parsing either inbound
// shape: a uniform {name, repositoryId, ingestStatus} regardless of which
// envelope the message arrived in. Normalize returns ok=false (with a zero
// NormalizedEvent) when the message is malformed or has no usable
// repository id, and the message should be dropped.
type NormalizedEvent struct {
	Name         string
	RepositoryID string
	IngestStatus string
}

// Normalize centralizes all shape tolerance for inbound admission
// messages. It checks for the legacy shape first (event as a string) and
// otherwise decodes the envelope shape (event as an object). Within the envelope
// shape, repository id/ingestStatus are resolved in the documented
// preference order: event.data.repository.{id,ingestStatus}, then
// top-level event.data.{repositoryId,ingestStatus}, then nested
// event.data.event.{repositoryId,status}.
func Normalize(raw []byte) (NormalizedEvent, bool) {
	var probe struct {
		Event json.RawMessage `json:"event"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return NormalizedEvent{}, false
	}
	if len(probe.Event) == 0 {
		return NormalizedEvent{}, false
	}

	// If event is a JSON string, this is the legacy shape.
	var asString string
	if err := json.Unmarshal(probe.Event, &asString); err == nil {
		var legacy legacyEnvelope
		if err := json.Unmarshal(raw, &legacy); err != nil {
			return NormalizedEvent{}, false
		}
		var payload legacyPayload
		_ = json.Unmarshal(legacy.Payload, &payload)
		if payload.Repository == nil || payload.Repository.ID == "" {
			return NormalizedEvent{}, false
		}
		return NormalizedEvent{
			Name:         asString,
			RepositoryID: payload.Repository.ID,
			IngestStatus: payload.Repository.IngestStatus,
		}, true
	}

	// Otherwise event is an object: the envelope shape.
	var env envelopeMessage
	if err := json.Unmarshal(raw, &env); err != nil {
		return NormalizedEvent{}, false
	}
	if env.Event.Type == "" {
		return NormalizedEvent{}, false
	}
	var data envelopeData
	_ = json.Unmarshal(env.Event.Data, &data)

	repoID, ingestStatus := "", ""
	switch {
	case data.Repository != nil && data.Repository.ID != "":
		repoID = data.Repository.ID
		ingestStatus = data.Repository.IngestStatus
	case data.RepositoryID != "":
		repoID = data.RepositoryID
		ingestStatus = data.IngestStatus
	case data.Event != nil && data.Event.RepositoryID != "":
		repoID = data.Event.RepositoryID
		ingestStatus = data.Event.Status
	}
	if repoID == "" {
		return NormalizedEvent{}, false
	}
	return NormalizedEvent{Name: env.Event.Type, RepositoryID: repoID, IngestStatus: ingestStatus}, true
}
