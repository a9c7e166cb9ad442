package match

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"case-triage-pipeline/llm"
	"case-triage-pipeline/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	animals []models.Animal
	err     error
}

func (f *fakeStore) RecentStrayAnimals(ctx context.Context, limit int) ([]models.Animal, error) {
	if f.err != nil {
		return nil, f.err
	}
	if len(f.animals) > limit {
		return f.animals[:limit], nil
	}
	return f.animals, nil
}

type fakeFetcher struct {
	failing map[string]bool
}

func (f *fakeFetcher) Fetch(ctx context.Context, pathOrURL string) ([]byte, string, error) {
	if f.failing[pathOrURL] {
		return nil, "", errors.New("fetch failed")
	}
	return []byte(pathOrURL), "image/jpeg", nil
}

type fakeModel struct {
	response string
	err      error

	calls          int
	candidateCount int
}

func (f *fakeModel) Screen(ctx context.Context, image []byte, mime string) (string, error) {
	return "", errors.New("not used")
}

func (f *fakeModel) MatchBatch(ctx context.Context, query llm.Image, candidates []llm.Image) (string, error) {
	f.calls++
	f.candidateCount = len(candidates)
	return f.response, f.err
}

func (f *fakeModel) Caption(ctx context.Context, image []byte, mime string) (string, error) {
	return "", errors.New("not used")
}

func (f *fakeModel) SourceName() string { return "Fake" }

func stray(id, animalType, cover string) models.Animal {
	return models.Animal{
		ID:            id,
		Type:          animalType,
		CoverPhotoURL: cover,
		Status:        "stray",
		UpdatedAt:     time.Now(),
	}
}

func TestFindMatchesRemapsCandidateNumbers(t *testing.T) {
	// The second animal's photo fails to hydrate, so the model sees only two
	// candidates and its 1-based labels must remap past the gap.
	store := &fakeStore{animals: []models.Animal{
		stray("animal-a", models.AnimalTypeDog, "photo-a"),
		stray("animal-b", models.AnimalTypeDog, "photo-b"),
		stray("animal-c", models.AnimalTypeDog, "photo-c"),
	}}
	fetcher := &fakeFetcher{failing: map[string]bool{"photo-b": true}}
	model := &fakeModel{response: `[
		{"candidateNumber": 2, "score": 0.9, "reason": "same markings"},
		{"candidateNumber": 1, "score": 0.4, "reason": "similar coat"}
	]`}

	m := NewMatcher(store, fetcher, model, Options{})
	matches, err := m.FindMatches(context.Background(), Query{Image: llm.Image{Data: []byte("q")}})
	require.NoError(t, err)
	require.Len(t, matches, 2)

	assert.Equal(t, 2, model.candidateCount)
	// Candidate 2 of the hydrated pool is animal-c, not animal-b.
	assert.Equal(t, "animal-c", matches[0].CandidateID)
	assert.Equal(t, 0.9, matches[0].Score)
	assert.Equal(t, "animal-a", matches[1].CandidateID)
}

func TestFindMatchesFiltersType(t *testing.T) {
	store := &fakeStore{animals: []models.Animal{
		stray("cat-1", models.AnimalTypeCat, "photo-1"),
		stray("dog-1", models.AnimalTypeDog, "photo-2"),
		stray("mystery-1", models.AnimalTypeUnknown, "photo-3"),
	}}
	model := &fakeModel{response: `[
		{"candidateNumber": 1, "score": 0.8, "reason": "match"},
		{"candidateNumber": 2, "score": 0.6, "reason": "maybe"}
	]`}

	m := NewMatcher(store, &fakeFetcher{}, model, Options{})
	matches, err := m.FindMatches(context.Background(), Query{
		Image:      llm.Image{Data: []byte("q")},
		AnimalType: models.AnimalTypeCat,
	})
	require.NoError(t, err)
	require.Len(t, matches, 2)

	// Dog is excluded; unknown-typed animals stay in the pool.
	assert.Equal(t, "cat-1", matches[0].CandidateID)
	assert.Equal(t, "mystery-1", matches[1].CandidateID)
}

func TestFindMatchesSkipsAnimalsWithoutCoverPhoto(t *testing.T) {
	store := &fakeStore{animals: []models.Animal{
		stray("no-photo", models.AnimalTypeDog, ""),
		stray("with-photo", models.AnimalTypeDog, "photo-1"),
	}}
	model := &fakeModel{response: `[{"candidateNumber": 1, "score": 0.7, "reason": "r"}]`}

	m := NewMatcher(store, &fakeFetcher{}, model, Options{})
	matches, err := m.FindMatches(context.Background(), Query{Image: llm.Image{Data: []byte("q")}})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "with-photo", matches[0].CandidateID)
	assert.Equal(t, 1, model.candidateCount)
}

func TestFindMatchesCapsCandidates(t *testing.T) {
	var animals []models.Animal
	for i := 0; i < 20; i++ {
		animals = append(animals, stray(fmt.Sprintf("animal-%d", i), models.AnimalTypeDog, fmt.Sprintf("photo-%d", i)))
	}
	store := &fakeStore{animals: animals}
	model := &fakeModel{response: `[]`}

	m := NewMatcher(store, &fakeFetcher{}, model, Options{CandidateCap: 12})
	_, err := m.FindMatches(context.Background(), Query{Image: llm.Image{Data: []byte("q")}})
	require.NoError(t, err)
	assert.Equal(t, 12, model.candidateCount)
}

func TestFindMatchesNoHydratedCandidatesSkipsModel(t *testing.T) {
	store := &fakeStore{animals: []models.Animal{
		stray("animal-a", models.AnimalTypeDog, "photo-a"),
	}}
	fetcher := &fakeFetcher{failing: map[string]bool{"photo-a": true}}
	model := &fakeModel{response: `[]`}

	m := NewMatcher(store, fetcher, model, Options{})
	matches, err := m.FindMatches(context.Background(), Query{Image: llm.Image{Data: []byte("q")}})
	require.NoError(t, err)
	assert.Nil(t, matches)
	assert.Zero(t, model.calls, "model must not be called with zero candidates")
}

func TestFindMatchesNoCandidatesAtAll(t *testing.T) {
	model := &fakeModel{}
	m := NewMatcher(&fakeStore{}, &fakeFetcher{}, model, Options{})
	matches, err := m.FindMatches(context.Background(), Query{Image: llm.Image{Data: []byte("q")}})
	require.NoError(t, err)
	assert.Nil(t, matches)
	assert.Zero(t, model.calls)
}

func TestFindMatchesRadiusFilter(t *testing.T) {
	near := stray("near", models.AnimalTypeDog, "photo-near")
	near.LastSeenLatitude, near.LastSeenLongitude = 52.52, 13.405
	far := stray("far", models.AnimalTypeDog, "photo-far")
	far.LastSeenLatitude, far.LastSeenLongitude = 48.8566, 2.3522

	store := &fakeStore{animals: []models.Animal{near, far}}
	model := &fakeModel{response: `[{"candidateNumber": 1, "score": 0.9, "reason": "r"}]`}

	m := NewMatcher(store, &fakeFetcher{}, model, Options{RadiusKm: 50})
	matches, err := m.FindMatches(context.Background(), Query{
		Image:       llm.Image{Data: []byte("q")},
		Latitude:    52.50,
		Longitude:   13.40,
		HasLocation: true,
	})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "near", matches[0].CandidateID)
	assert.InDelta(t, 2.3, matches[0].DistanceKm, 1.5)
}

func TestPickTopMatch(t *testing.T) {
	testCases := []struct {
		name      string
		matches   []models.Match
		threshold float64
		wantID    string
		wantOK    bool
	}{
		{
			name:      "empty list",
			matches:   nil,
			threshold: 0.8,
		},
		{
			name:      "score above threshold",
			matches:   []models.Match{{CandidateID: "a", Score: 0.95}},
			threshold: 0.8,
			wantID:    "a",
			wantOK:    true,
		},
		{
			name:      "score exactly at threshold",
			matches:   []models.Match{{CandidateID: "a", Score: 0.8}},
			threshold: 0.8,
			wantID:    "a",
			wantOK:    true,
		},
		{
			name:      "score below threshold",
			matches:   []models.Match{{CandidateID: "a", Score: 0.79}},
			threshold: 0.8,
		},
		{
			name: "only the top entry is considered",
			matches: []models.Match{
				{CandidateID: "a", Score: 0.5},
				{CandidateID: "b", Score: 0.9},
			},
			threshold: 0.8,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			id, ok := PickTopMatch(tc.matches, tc.threshold)
			assert.Equal(t, tc.wantOK, ok)
			assert.Equal(t, tc.wantID, id)
		})
	}
}
