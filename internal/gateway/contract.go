package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"

	"taxdesk/backend/internal/severity"
)

var errTrailingData = errors.New("trailing data after reply object")

// ExtractJSONObject strips markdown code fences and any prose around the
// outermost JSON object in a model reply.
func ExtractJSONObject(answer string) string {
	candidate := strings.TrimSpace(answer)
	if strings.HasPrefix(candidate, "```") {
		candidate = strings.TrimSpace(strings.TrimPrefix(candidate, "```json"))
		candidate = strings.TrimSpace(strings.TrimPrefix(candidate, "```"))
		candidate = strings.TrimSpace(strings.TrimSuffix(candidate, "```"))
	}
	if !strings.HasPrefix(candidate, "{") {
		start := strings.Index(candidate, "{")
		end := strings.LastIndex(candidate, "}")
		if start >= 0 && end > start {
			candidate = strings.TrimSpace(candidate[start : end+1])
		}
	}
	return candidate
}

// DecodeStrict decodes a reply object into dst, rejecting unknown fields and
// trailing data.
func DecodeStrict(answer string, dst any) error {
	decoder := json.NewDecoder(bytes.NewReader([]byte(ExtractJSONObject(answer))))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return err
	}
	if decoder.More() {
		return errTrailingData
	}
	return nil
}

func parseReply(raw string) (Reply, error) {
	var payload struct {
		Content  *string `json:"content"`
		Severity *string `json:"severity"`
	}
	if err := DecodeStrict(raw, &payload); err != nil {
		return Reply{}, contractViolation(raw, "reply is not a {content, severity} object")
	}
	if payload.Content == nil || strings.TrimSpace(*payload.Content) == "" {
		return Reply{}, contractViolation(raw, "reply content is empty")
	}
	if payload.Severity == nil {
		return Reply{}, contractViolation(raw, "reply severity is missing")
	}
	tier, err := severity.Classify(*payload.Severity)
	if err != nil {
		return Reply{}, contractViolation(raw, err.Error())
	}
	return Reply{Content: strings.TrimSpace(*payload.Content), Severity: tier}, nil
}
