package model

import (
	"encoding/json"
	"time"
)

type RegionInfo struct {
	Origin      string `json:"origin,omitempty"`
	Destination string `json:"destination,omitempty"`
}

// ConfirmationDecision records what a confirm evaluated and matched.
type ConfirmationDecision struct {
	PMin        float64   `json:"p_min"`
	RPMMin      float64   `json:"rpm_min"`
	Source      string    `json:"source"`
	PArrive     float64   `json:"p_arrive"`
	RPM         float64   `json:"rpm"`
	DraftID     string    `json:"draft_id,omitempty"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	DecidedAt   time.Time `json:"decided_at"`
}

type EnrichmentNote struct {
	Updated int       `json:"updated"`
	Failed  int       `json:"failed"`
	At      time.Time `json:"at"`
}

// TripMeta is the provenance carried on a trip. Keys written by other
// producers are kept in Extra and written back unchanged.
type TripMeta struct {
	Region       *RegionInfo
	Price        *float64
	Confirmation *ConfirmationDecision
	Enrichment   *EnrichmentNote
	Extra        map[string]json.RawMessage
}

const (
	metaRegion       = "region_info"
	metaPrice        = "price"
	metaConfirmation = "confirmation_decision"
	metaEnrichment   = "enrichment"
)

func (m TripMeta) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Extra)+4)
	for k, v := range m.Extra {
		out[k] = v
	}
	if m.Region != nil {
		out[metaRegion] = m.Region
	}
	if m.Price != nil {
		out[metaPrice] = *m.Price
	}
	if m.Confirmation != nil {
		out[metaConfirmation] = m.Confirmation
	}
	if m.Enrichment != nil {
		out[metaEnrichment] = m.Enrichment
	}
	return json.Marshal(out)
}

func (m *TripMeta) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*m = TripMeta{}
	take := func(key string, dst any) error {
		v, ok := raw[key]
		if !ok {
			return nil
		}
		delete(raw, key)
		if string(v) == "null" {
			return nil
		}
		return json.Unmarshal(v, dst)
	}
	if err := take(metaRegion, &m.Region); err != nil {
		return err
	}
	if err := take(metaPrice, &m.Price); err != nil {
		return err
	}
	if err := take(metaConfirmation, &m.Confirmation); err != nil {
		return err
	}
	if err := take(metaEnrichment, &m.Enrichment); err != nil {
		return err
	}
	if len(raw) > 0 {
		m.Extra = raw
	}
	return nil
}
