package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/apphub-oss/tagging-service/internal/models"
)

func TestDiffRepositoryTagsApplyAlwaysEqualsNew(t *testing.T) {
	newTags := []models.TagPayload{{Key: "language", Value: "go"}}
	diff := DiffRepositoryTags(newTags, nil)
	assert.Equal(t, newTags, diff.Apply)
}

func TestDiffRepositoryTagsRemovesOwnedTagsNotInNew(t *testing.T) {
	newTags := []models.TagPayload{{Key: "language", Value: "go"}}
	existing := []models.ExistingTag{
		{Key: "language", Value: "python", Source: models.TaggingServiceSource},
		{Key: "language", Value: "go", Source: models.TaggingServiceSource},
	}
	diff := DiffRepositoryTags(newTags, existing)
	assert.Len(t, diff.Remove, 1)
	assert.Equal(t, "python", diff.Remove[0].Value)
}

func TestDiffRepositoryTagsNeverRemovesForeignSourcedTags(t *testing.T) {
	newTags := []models.TagPayload{{Key: "language", Value: "go"}}
	existing := []models.ExistingTag{
		{Key: "owner", Value: "platform-team", Source: "manual"},
	}
	diff := DiffRepositoryTags(newTags, existing)
	assert.Empty(t, diff.Remove)
}

func TestDiffRepositoryTagsTreatsEmptySourceAsOwned(t *testing.T) {
	newTags := []models.TagPayload{{Key: "language", Value: "go"}}
	existing := []models.ExistingTag{
		{Key: "legacy", Value: "tag", Source: ""},
	}
	diff := DiffRepositoryTags(newTags, existing)
	assert.Len(t, diff.Remove, 1)
}

func TestDiffFileTagsNeverRemoves(t *testing.T) {
	diff := DiffFileTags([]models.TagPayload{{Key: "lang", Value: "go"}})
	assert.Len(t, diff.Apply, 1)
}
