package memory

import (
	"encoding/json"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/xiy/agent-memstore/pkg/types"
)

const (
	maxTypeLen       = 64
	maxRefLen        = 256
	maxTags          = 64
	maxTagLen        = 128
	maxExtraKeys     = 32
	maxMetadataBytes = 64 << 10
	maxContentBytes  = 4 << 20
)

func validateContent(op, content string) error {
	if strings.TrimSpace(content) == "" {
		return validationf(op, "content must not be empty")
	}
	if len(content) > maxContentBytes {
		return validationf(op, "content exceeds %d bytes", maxContentBytes)
	}
	if !utf8.ValidString(content) {
		return validationf(op, "content is not valid UTF-8")
	}
	return nil
}

// normalizeMetadata checks the structural shape and returns a cleaned copy.
func normalizeMetadata(op string, m types.MemoryMetadata) (types.MemoryMetadata, error) {
	out := m
	out.Type = strings.TrimSpace(m.Type)
	if out.Type == "" {
		return out, validationf(op, "metadata.type is required")
	}
	if len(out.Type) > maxTypeLen {
		return out, validationf(op, "metadata.type exceeds %d characters", maxTypeLen)
	}
	for name, v := range map[string]string{"source": m.Source, "agentId": m.AgentID, "sessionId": m.SessionID} {
		if len(v) > maxRefLen {
			return out, validationf(op, "metadata.%s exceeds %d characters", name, maxRefLen)
		}
	}

	if len(m.Tags) > maxTags {
		return out, validationf(op, "metadata.tags has more than %d entries", maxTags)
	}
	out.Tags = make([]string, 0, len(m.Tags))
	seen := make(map[string]struct{}, len(m.Tags))
	for _, tag := range m.Tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			return out, validationf(op, "metadata.tags must not contain empty values")
		}
		if len(tag) > maxTagLen {
			return out, validationf(op, "metadata tag %q exceeds %d characters", tag, maxTagLen)
		}
		if _, dup := seen[tag]; dup {
			continue
		}
		seen[tag] = struct{}{}
		out.Tags = append(out.Tags, tag)
	}

	if m.Importance != nil {
		v := *m.Importance
		if math.IsNaN(v) || v < 0 || v > 1 {
			return out, validationf(op, "metadata.importance must be within [0, 1]")
		}
	}

	if len(m.Extra) > maxExtraKeys {
		return out, validationf(op, "metadata has more than %d extra fields", maxExtraKeys)
	}
	for k := range m.Extra {
		if strings.TrimSpace(k) == "" {
			return out, validationf(op, "metadata extra field names must not be empty")
		}
		if types.IsKnownMetadataKey(k) {
			return out, validationf(op, "metadata extra field %q shadows a known field", k)
		}
	}

	b, err := json.Marshal(out)
	if err != nil {
		return out, validationf(op, "metadata is not serializable: %v", err)
	}
	if len(b) > maxMetadataBytes {
		return out, validationf(op, "metadata exceeds %d bytes", maxMetadataBytes)
	}
	return out, nil
}
