package match

import (
	"context"
	"sync"
	"time"

	"case-triage-pipeline/llm"
	"case-triage-pipeline/models"
	"case-triage-pipeline/parser"

	"github.com/apex/log"
	"github.com/golang/geo/s2"
)

const earthRadiusKm = 6371.01

// candidateStore is the slice of the database the matcher reads.
type candidateStore interface {
	RecentStrayAnimals(ctx context.Context, limit int) ([]models.Animal, error)
}

// photoFetcher hydrates candidate cover photos.
type photoFetcher interface {
	Fetch(ctx context.Context, pathOrURL string) ([]byte, string, error)
}

// Options tune candidate selection.
type Options struct {
	// RecentLimit bounds the scan of recently seen strays.
	RecentLimit int
	// CandidateCap bounds how many candidates enter the batched model call.
	CandidateCap int
	// RadiusKm, when positive, drops candidates last seen farther than this
	// from the query location.
	RadiusKm float64
	// FetchTimeout bounds each individual candidate photo fetch.
	FetchTimeout time.Duration
}

// Query is one visual matching request.
type Query struct {
	Image llm.Image
	// AnimalType, when set to a concrete type, keeps only candidates of that
	// type or of unknown type.
	AnimalType string
	// Latitude/Longitude are the query location; used only when HasLocation.
	Latitude    float64
	Longitude   float64
	HasLocation bool
}

// Matcher ranks recent stray animals against a query photo with a single
// batched model call.
type Matcher struct {
	store  candidateStore
	photos photoFetcher
	model  llm.Client
	opts   Options
}

func NewMatcher(store candidateStore, photos photoFetcher, model llm.Client, opts Options) *Matcher {
	if opts.RecentLimit <= 0 {
		opts.RecentLimit = 30
	}
	if opts.CandidateCap <= 0 {
		opts.CandidateCap = 12
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 10 * time.Second
	}
	return &Matcher{store: store, photos: photos, model: model, opts: opts}
}

type hydrated struct {
	animal models.Animal
	image  llm.Image
}

// FindMatches returns up to parser.MaxMatches ranked matches for the query,
// best first. An empty result is a normal outcome, not an error: no
// candidates, no hydratable photos, or the model found no resemblance.
func (m *Matcher) FindMatches(ctx context.Context, q Query) ([]models.Match, error) {
	animals, err := m.store.RecentStrayAnimals(ctx, m.opts.RecentLimit)
	if err != nil {
		return nil, err
	}

	candidates := m.filter(animals, q)
	if len(candidates) == 0 {
		return nil, nil
	}

	pool := m.hydrate(ctx, candidates)
	if len(pool) == 0 {
		return nil, nil
	}

	images := make([]llm.Image, len(pool))
	for i, h := range pool {
		images[i] = h.image
	}

	response, err := m.model.MatchBatch(ctx, q.Image, images)
	if err != nil {
		return nil, err
	}

	ranked, err := parser.ParseMatches(response, len(pool))
	if err != nil {
		return nil, err
	}

	matches := make([]models.Match, 0, len(ranked))
	for _, r := range ranked {
		// Candidate numbers are 1-based prompt labels over the hydrated pool,
		// not animal IDs. Remap through the pool to recover identity.
		a := pool[r.CandidateNumber-1].animal
		match := models.Match{
			CandidateID:       a.ID,
			Score:             r.Score,
			Reason:            r.Reason,
			Type:              a.Type,
			CoverPhotoURL:     a.CoverPhotoURL,
			LastSeenLatitude:  a.LastSeenLatitude,
			LastSeenLongitude: a.LastSeenLongitude,
		}
		if q.HasLocation {
			match.DistanceKm = distanceKm(q.Latitude, q.Longitude, a.LastSeenLatitude, a.LastSeenLongitude)
		}
		matches = append(matches, match)
	}
	return matches, nil
}

// filter applies the cheap structural filters before any photo is fetched.
func (m *Matcher) filter(animals []models.Animal, q Query) []models.Animal {
	out := make([]models.Animal, 0, len(animals))
	for _, a := range animals {
		if a.CoverPhotoURL == "" {
			continue
		}
		if q.AnimalType != "" && q.AnimalType != models.AnimalTypeUnknown {
			if a.Type != q.AnimalType && a.Type != models.AnimalTypeUnknown {
				continue
			}
		}
		if m.opts.RadiusKm > 0 && q.HasLocation {
			if distanceKm(q.Latitude, q.Longitude, a.LastSeenLatitude, a.LastSeenLongitude) > m.opts.RadiusKm {
				continue
			}
		}
		out = append(out, a)
		if len(out) == m.opts.CandidateCap {
			break
		}
	}
	return out
}

// hydrate fetches candidate cover photos concurrently. A failed fetch drops
// only that candidate; recency order is preserved in the result.
func (m *Matcher) hydrate(ctx context.Context, candidates []models.Animal) []hydrated {
	results := make([]*hydrated, len(candidates))
	var wg sync.WaitGroup
	for i, a := range candidates {
		wg.Add(1)
		go func(i int, a models.Animal) {
			defer wg.Done()
			fetchCtx, cancel := context.WithTimeout(ctx, m.opts.FetchTimeout)
			defer cancel()
			data, mime, err := m.photos.Fetch(fetchCtx, a.CoverPhotoURL)
			if err != nil {
				log.Warnf("skipping candidate %s, photo fetch failed: %v", a.ID, err)
				return
			}
			results[i] = &hydrated{animal: a, image: llm.Image{Data: data, Mime: mime}}
		}(i, a)
	}
	wg.Wait()

	pool := make([]hydrated, 0, len(candidates))
	for _, r := range results {
		if r != nil {
			pool = append(pool, *r)
		}
	}
	return pool
}

// PickTopMatch returns the best candidate ID when its score clears the
// threshold. Matches are already sorted best-first.
func PickTopMatch(matches []models.Match, threshold float64) (string, bool) {
	if len(matches) == 0 {
		return "", false
	}
	if matches[0].Score >= threshold {
		return matches[0].CandidateID, true
	}
	return "", false
}

func distanceKm(lat1, lng1, lat2, lng2 float64) float64 {
	p1 := s2.LatLngFromDegrees(lat1, lng1)
	p2 := s2.LatLngFromDegrees(lat2, lng2)
	return p1.Distance(p2).Radians() * earthRadiusKm
}
