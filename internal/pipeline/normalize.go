package pipeline

import (
	"math"
	"regexp"
	"strings"

	"github.com/apphub-oss/tagging-service/internal/models"
)

var nonAlnumRun = regexp.MustCompile(`[^a-z0-9]+`)

// normalizeKey lowercases, collapses runs of non-alphanumeric characters to
// a single underscore, and trims leading/trailing underscores.
func normalizeKey(key string) string {
	lower := strings.ToLower(strings.TrimSpace(key))
	collapsed := nonAlnumRun.ReplaceAllString(lower, "_")
	return strings.Trim(collapsed, "_")
}

func normalizeValue(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

// normalizeConfidence clamps to [0,1]; NaN becomes absent, negatives clamp
// to 0, values above 1 clamp to 1.
func normalizeConfidence(c *float64) *float64 {
	if c == nil {
		return nil
	}
	v := *c
	if math.IsNaN(v) {
		return nil
	}
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	return &v
}

// NormalizeTags normalizes a repository tag list: lowercase value, key
// transform, drop empty key/value, dedup by key:value, clamp confidence.
// NormalizeTags(NormalizeTags(x)) == NormalizeTags(x) for any input.
func NormalizeTags(tags []models.TagPayload) []models.TagPayload {
	seen := make(map[string]bool, len(tags))
	out := make([]models.TagPayload, 0, len(tags))
	for _, t := range tags {
		key := normalizeKey(t.Key)
		value := normalizeValue(t.Value)
		if key == "" || value == "" {
			continue
		}
		dedupKey := key + ":" + value
		if seen[dedupKey] {
			continue
		}
		seen[dedupKey] = true
		out = append(out, models.TagPayload{
			Key:        key,
			Value:      value,
			Confidence: normalizeConfidence(t.Confidence),
		})
	}
	return out
}

// NormalizeFileTags normalizes each file's tag list and drops any file
// whose tag list becomes empty after normalization.
func NormalizeFileTags(files []models.FileTagPayload) []models.FileTagPayload {
	out := make([]models.FileTagPayload, 0, len(files))
	for _, f := range files {
		tags := NormalizeTags(f.Tags)
		if len(tags) == 0 {
			continue
		}
		out = append(out, models.FileTagPayload{Path: f.Path, Tags: tags})
	}
	return out
}
