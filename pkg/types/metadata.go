package types

import (
	"encoding/json"
	"fmt"
)

// Known metadata keys. Extra fields may not reuse them.
const (
	MetaKeyType       = "type"
	MetaKeySource     = "source"
	MetaKeyAgentID    = "agentId"
	MetaKeySessionID  = "sessionId"
	MetaKeyTags       = "tags"
	MetaKeyImportance = "importance"
)

// MemoryMetadata is the structured blob stored alongside an entry.
// Extra holds free-form fields; they are flattened next to the known
// fields when serialized.
type MemoryMetadata struct {
	Type       string         `json:"-"`
	Source     string         `json:"-"`
	AgentID    string         `json:"-"`
	SessionID  string         `json:"-"`
	Tags       []string       `json:"-"`
	Importance *float64       `json:"-"`
	Extra      map[string]any `json:"-"`
}

// IsKnownMetadataKey reports whether key is one of the fixed metadata fields.
func IsKnownMetadataKey(key string) bool {
	switch key {
	case MetaKeyType, MetaKeySource, MetaKeyAgentID, MetaKeySessionID, MetaKeyTags, MetaKeyImportance:
		return true
	}
	return false
}

func (m MemoryMetadata) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Extra)+6)
	for k, v := range m.Extra {
		out[k] = v
	}
	out[MetaKeyType] = m.Type
	if m.Source != "" {
		out[MetaKeySource] = m.Source
	}
	if m.AgentID != "" {
		out[MetaKeyAgentID] = m.AgentID
	}
	if m.SessionID != "" {
		out[MetaKeySessionID] = m.SessionID
	}
	tags := m.Tags
	if tags == nil {
		tags = []string{}
	}
	out[MetaKeyTags] = tags
	if m.Importance != nil {
		out[MetaKeyImportance] = *m.Importance
	}
	return json.Marshal(out)
}

func (m *MemoryMetadata) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*m = MemoryMetadata{}
	for k, v := range raw {
		var err error
		switch k {
		case MetaKeyType:
			err = json.Unmarshal(v, &m.Type)
		case MetaKeySource:
			err = json.Unmarshal(v, &m.Source)
		case MetaKeyAgentID:
			err = json.Unmarshal(v, &m.AgentID)
		case MetaKeySessionID:
			err = json.Unmarshal(v, &m.SessionID)
		case MetaKeyTags:
			err = json.Unmarshal(v, &m.Tags)
		case MetaKeyImportance:
			if string(v) == "null" {
				continue
			}
			var f float64
			err = json.Unmarshal(v, &f)
			m.Importance = &f
		default:
			var x any
			err = json.Unmarshal(v, &x)
			if m.Extra == nil {
				m.Extra = make(map[string]any)
			}
			m.Extra[k] = x
		}
		if err != nil {
			return fmt.Errorf("metadata field %q: %w", k, err)
		}
	}
	return nil
}

// HasTag reports whether tag is present.
func (m MemoryMetadata) HasTag(tag string) bool {
	for _, t := range m.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// MetadataPatch is a partial metadata update. Non-nil pointer fields
// replace the current value; Extra keys are merged and a nil value
// removes the key.
type MetadataPatch struct {
	Type       *string        `json:"type,omitempty"`
	Source     *string        `json:"source,omitempty"`
	AgentID    *string        `json:"agentId,omitempty"`
	SessionID  *string        `json:"sessionId,omitempty"`
	Tags       *[]string      `json:"tags,omitempty"`
	Importance *float64       `json:"importance,omitempty"`
	Extra      map[string]any `json:"extra,omitempty"`
}

// Apply returns a copy of m with the patch merged in.
func (p MetadataPatch) Apply(m MemoryMetadata) MemoryMetadata {
	out := m
	if p.Type != nil {
		out.Type = *p.Type
	}
	if p.Source != nil {
		out.Source = *p.Source
	}
	if p.AgentID != nil {
		out.AgentID = *p.AgentID
	}
	if p.SessionID != nil {
		out.SessionID = *p.SessionID
	}
	if p.Tags != nil {
		out.Tags = append([]string(nil), (*p.Tags)...)
	}
	if p.Importance != nil {
		v := *p.Importance
		out.Importance = &v
	}
	if len(p.Extra) > 0 {
		merged := make(map[string]any, len(m.Extra)+len(p.Extra))
		for k, v := range m.Extra {
			merged[k] = v
		}
		for k, v := range p.Extra {
			if v == nil {
				delete(merged, k)
				continue
			}
			merged[k] = v
		}
		out.Extra = merged
	}
	return out
}
