package journal

import "encoding/json"

// EncodeTags serializes a tag list into the text column representation.
// A nil or empty slice encodes to "[]" so the column never stores NULL.
func EncodeTags(tags []string) (string, error) {
	if len(tags) == 0 {
		return "[]", nil
	}
	encoded, err := json.Marshal(tags)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

// DecodeTags parses the text column representation back into a tag list.
// Empty input decodes to an empty slice.
func DecodeTags(raw string) ([]string, error) {
	if raw == "" || raw == "[]" {
		return []string{}, nil
	}
	var tags []string
	if err := json.Unmarshal([]byte(raw), &tags); err != nil {
		return nil, err
	}
	return tags, nil
}
