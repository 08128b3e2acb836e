package geo

import (
	"context"
	"errors"
	"log"
	"math"
	"net/url"
	"sort"

	"golang.org/x/sync/errgroup"
)

// MirrorCandidate is one possible source for a resource plus its
// resolved geolocation. Transient, computed per selection.
type MirrorCandidate struct {
	URL      string
	Location *Location
	Distance float64 // km to the policy home point, +Inf when unresolved

	// order preserves declaration position for deterministic
	// tie-breaking and for the fail-open fallback.
	order int
}

// Policy ranks candidates. The default prefers the smallest
// great-circle distance to the home coordinates.
type Policy struct {
	HomeLatitude  float64
	HomeLongitude float64
}

// ErrNoCandidates is returned when selection is invoked with an empty
// candidate list.
var ErrNoCandidates = errors.New("no mirror candidates")

// Selector ranks mirror candidates using a geolocation resolver. A nil
// resolver disables ranking entirely and declaration order wins.
type Selector struct {
	resolver Resolver
	logger   *log.Logger
}

func NewSelector(resolver Resolver, logger *log.Logger) *Selector {
	return &Selector{resolver: resolver, logger: logger}
}

// Select picks the best source URL. Resolution failures are absorbed:
// candidates that cannot be resolved rank after resolved ones, and when
// nothing resolves the declaration order decides. Inputs are never
// mutated.
func (s *Selector) Select(ctx context.Context, urls []string, policy Policy) (MirrorCandidate, error) {
	if len(urls) == 0 {
		return MirrorCandidate{}, ErrNoCandidates
	}

	candidates := make([]MirrorCandidate, len(urls))
	for i, u := range urls {
		candidates[i] = MirrorCandidate{URL: u, Distance: math.Inf(1), order: i}
	}

	if s.resolver != nil && len(candidates) > 1 {
		g, gctx := errgroup.WithContext(ctx)
		for i := range candidates {
			i := i
			g.Go(func() error {
				host := hostOf(candidates[i].URL)
				if host == "" {
					return nil
				}
				loc, err := s.resolver.Resolve(gctx, host)
				if err != nil {
					if s.logger != nil {
						s.logger.Printf("geo: resolve %s: %v", host, err)
					}
					return nil // fail-open, never block selection
				}
				candidates[i].Location = &loc
				candidates[i].Distance = haversineKm(
					policy.HomeLatitude, policy.HomeLongitude,
					loc.Latitude, loc.Longitude,
				)
				return nil
			})
		}
		_ = g.Wait()
	}

	sort.SliceStable(candidates, func(a, b int) bool {
		if candidates[a].Distance != candidates[b].Distance {
			return candidates[a].Distance < candidates[b].Distance
		}
		return candidates[a].order < candidates[b].order
	})
	return candidates[0], nil
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

const earthRadiusKm = 6371.0

func haversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	rad := func(d float64) float64 { return d * math.Pi / 180 }
	dLat := rad(lat2 - lat1)
	dLon := rad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rad(lat1))*math.Cos(rad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(a))
}
