package pipeline

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apphub-oss/tagging-service/internal/models"
)

func TestNormalizeTagsLowercasesAndCollapsesKeys(t *testing.T) {
	out := NormalizeTags([]models.TagPayload{
		{Key: "Language  Primary", Value: "  Go  "},
	})
	require.Len(t, out, 1)
	assert.Equal(t, "language_primary", out[0].Key)
	assert.Equal(t, "go", out[0].Value)
}

func TestNormalizeTagsDropsEmptyKeyOrValue(t *testing.T) {
	out := NormalizeTags([]models.TagPayload{
		{Key: "", Value: "go"},
		{Key: "language", Value: "   "},
		{Key: "!!!", Value: "go"},
	})
	assert.Empty(t, out)
}

func TestNormalizeTagsDedupesByKeyAndValue(t *testing.T) {
	out := NormalizeTags([]models.TagPayload{
		{Key: "language", Value: "go"},
		{Key: "Language", Value: "GO"},
	})
	assert.Len(t, out, 1)
}

func TestNormalizeTagsIsIdempotent(t *testing.T) {
	in := []models.TagPayload{
		{Key: "Language", Value: "Go", Confidence: ptr(0.93)},
		{Key: "framework", Value: "chi"},
	}
	once := NormalizeTags(in)
	twice := NormalizeTags(once)
	assert.Equal(t, once, twice)
}

func TestNormalizeConfidenceClamps(t *testing.T) {
	out := NormalizeTags([]models.TagPayload{
		{Key: "a", Value: "b", Confidence: ptr(1.5)},
		{Key: "c", Value: "d", Confidence: ptr(-0.5)},
		{Key: "e", Value: "f", Confidence: ptr(math.NaN())},
	})
	require.Len(t, out, 3)
	assert.Equal(t, 1.0, *out[0].Confidence)
	assert.Equal(t, 0.0, *out[1].Confidence)
	assert.Nil(t, out[2].Confidence)
}

func TestNormalizeFileTagsDropsFilesWithNoSurvivingTags(t *testing.T) {
	out := NormalizeFileTags([]models.FileTagPayload{
		{Path: "a.go", Tags: []models.TagPayload{{Key: "!!!", Value: "x"}}},
		{Path: "b.go", Tags: []models.TagPayload{{Key: "lang", Value: "go"}}},
	})
	require.Len(t, out, 1)
	assert.Equal(t, "b.go", out[0].Path)
}

func ptr(f float64) *float64 { return &f }
