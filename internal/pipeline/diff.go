package pipeline

import "github.com/apphub-oss/tagging-service/internal/models"

// RepositoryDiff is the reconciliation result for repository-scoped tags:
// apply always equals the full normalized new set; remove is whatever
// source-owned existing tag is no longer present in new, keyed on
// (key,value).
type RepositoryDiff struct {
	Apply  []models.TagPayload
	Remove []models.TagPayload
}

// DiffRepositoryTags computes apply = new, remove = existing \ new, where
// existing has already been filtered to tags sourced by this service (or
// with no source at all). The pair (key,value) is the diff identity: for
// diff(new, existing).apply = new and diff(new, existing).remove is a
// subset of existing \ new, setwise by (key,value).
func DiffRepositoryTags(newTags []models.TagPayload, existing []models.ExistingTag) RepositoryDiff {
	ownedExisting := make([]models.TagPayload, 0, len(existing))
	for _, e := range existing {
		if e.Source == "" || e.Source == models.TaggingServiceSource {
			ownedExisting = append(ownedExisting, models.TagPayload{Key: e.Key, Value: e.Value})
		}
	}

	newSet := make(map[string]bool, len(newTags))
	for _, t := range newTags {
		newSet[tagKey(t.Key, t.Value)] = true
	}

	remove := make([]models.TagPayload, 0)
	seenRemove := make(map[string]bool)
	for _, e := range ownedExisting {
		k := tagKey(e.Key, e.Value)
		if newSet[k] || seenRemove[k] {
			continue
		}
		seenRemove[k] = true
		remove = append(remove, e)
	}

	return RepositoryDiff{Apply: newTags, Remove: remove}
}

// FileDiff is the reconciliation result for file-scoped tags. The explorer
// does not return prior tags, so remove is always empty: apply = new,
// remove = empty set.
type FileDiff struct {
	Apply []models.TagPayload
}

// DiffFileTags returns apply = new tags for the file; there is nothing to
// remove because the file explorer has no notion of prior tag ownership.
func DiffFileTags(newTags []models.TagPayload) FileDiff {
	return FileDiff{Apply: newTags}
}

func tagKey(key, value string) string {
	return key + "\x00" + value
}
