package snapshot

import (
	"encoding/json"
	"fmt"
)

const maxLoggedImage = 100

// Redact returns a copy of fields suitable for logging: long "image" strings are shortened to
// their first 50 and last 20 characters, and "raw_image" is replaced by its length.
func Redact(fields map[string]json.RawMessage) map[string]json.RawMessage {
	clean := make(map[string]json.RawMessage, len(fields))
	for k, v := range fields {
		clean[k] = v
	}
	if raw, ok := clean["image"]; ok {
		var image string
		if json.Unmarshal(raw, &image) == nil && len(image) > maxLoggedImage {
			clean["image"] = quote(fmt.Sprintf("%s...[%d chars]...%s", image[:50], len(image), image[len(image)-20:]))
		}
	}
	if raw, ok := clean["raw_image"]; ok {
		clean["raw_image"] = quote(fmt.Sprintf("[RAW_IMG_DATA %d chars]", len(raw)))
	}
	return clean
}

// String renders the entry for log lines with image data redacted.
func (e *Entry) String() string {
	encoded, err := json.Marshal(Redact(e.Fields))
	if err != nil {
		return fmt.Sprintf("<%s: %s>", e.ID, err)
	}
	return string(encoded)
}

func quote(s string) json.RawMessage {
	encoded, _ := json.Marshal(s)
	return encoded
}
