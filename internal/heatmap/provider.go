package heatmap

import (
	"context"
	"errors"

	"github.com/sells-group/localrank/internal/geogrid"
	"github.com/sells-group/localrank/internal/matcher"
	"github.com/sells-group/localrank/internal/resilience"
	"github.com/sells-group/localrank/pkg/google"
)

// Provider returns the ranked local listings a searcher at a coordinate
// would see for keyword.
type Provider interface {
	Query(ctx context.Context, keyword string, at geogrid.Coordinate, depth int) ([]matcher.Candidate, error)
	// Configured reports whether the provider has credentials.
	Configured() bool
}

// GoogleProvider answers queries with Places Text Search biased to a small
// circle around each point.
type GoogleProvider struct {
	client       google.Client
	biasRadiusM  float64
	languageCode string
}

// NewGoogleProvider wraps a Places client.
func NewGoogleProvider(client google.Client, biasRadiusM float64, languageCode string) *GoogleProvider {
	if biasRadiusM <= 0 {
		biasRadiusM = 1000
	}
	return &GoogleProvider{client: client, biasRadiusM: biasRadiusM, languageCode: languageCode}
}

// Configured implements Provider.
func (g *GoogleProvider) Configured() bool {
	return g.client != nil && g.client.Configured()
}

// Query implements Provider. API errors with retryable statuses come back
// as resilience.TransientError.
func (g *GoogleProvider) Query(ctx context.Context, keyword string, at geogrid.Coordinate, depth int) ([]matcher.Candidate, error) {
	resp, err := g.client.NearbyTextSearch(ctx, google.NearbySearchRequest{
		TextQuery:    keyword,
		Center:       google.LatLng{Latitude: at.Lat, Longitude: at.Lng},
		RadiusMeters: g.biasRadiusM,
		PageSize:     depth,
		LanguageCode: g.languageCode,
	})
	if err != nil {
		var apiErr *google.APIError
		if errors.As(err, &apiErr) && resilience.IsTransientHTTPStatus(apiErr.StatusCode) {
			return nil, resilience.NewTransientError(err, apiErr.StatusCode)
		}
		return nil, err
	}

	places := resp.Places
	if depth > 0 && len(places) > depth {
		places = places[:depth]
	}
	out := make([]matcher.Candidate, len(places))
	for i, p := range places {
		out[i] = matcher.Candidate{
			Title:  p.DisplayName.Text,
			Domain: p.WebsiteURI,
			Rank:   i + 1,
		}
	}
	return out, nil
}
