// Package google is a minimal client for the Google Places Text Search API
// used to sample local ranking at a coordinate.
package google

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
)

const (
	defaultBaseURL = "https://places.googleapis.com/v1"

	// MaxPageSize is the largest page the Text Search endpoint returns.
	MaxPageSize = 20

	fieldMask = "places.id,places.displayName,places.websiteUri,places.formattedAddress,places.location,places.rating,places.userRatingCount"
)

// ErrMissingAPIKey is returned when a request is attempted without credentials.
var ErrMissingAPIKey = eris.New("google: missing API key")

// Client performs Google Places API operations.
type Client interface {
	// NearbyTextSearch runs a text query biased to a circle around a point.
	// Results come back in the order Google ranks them.
	NearbyTextSearch(ctx context.Context, req NearbySearchRequest) (*SearchResponse, error)
	// Configured reports whether the client holds an API key.
	Configured() bool
}

// NearbySearchRequest describes one geo-biased text search.
type NearbySearchRequest struct {
	TextQuery    string
	Center       LatLng
	RadiusMeters float64
	PageSize     int
	LanguageCode string
}

// SearchResponse is the response from Places Text Search.
type SearchResponse struct {
	Places []Place `json:"places"`
}

// Place represents a place returned by the API.
type Place struct {
	ID               string      `json:"id"`
	DisplayName      DisplayName `json:"displayName"`
	WebsiteURI       string      `json:"websiteUri"`
	FormattedAddress string      `json:"formattedAddress"`
	Location         *LatLng     `json:"location,omitempty"`
	Rating           float64     `json:"rating"`
	UserRatingCount  int         `json:"userRatingCount"`
}

// DisplayName holds the place's display name.
type DisplayName struct {
	Text string `json:"text"`
}

// LatLng is a WGS 84 coordinate.
type LatLng struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// APIError is a non-2xx answer from the API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("google: unexpected status %d: %s", e.StatusCode, e.Body)
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewClient creates a Google Places API client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *httpClient) Configured() bool {
	return c.apiKey != ""
}

type circle struct {
	Center LatLng  `json:"center"`
	Radius float64 `json:"radius"`
}

type locationBias struct {
	Circle circle `json:"circle"`
}

type searchTextRequest struct {
	TextQuery    string       `json:"textQuery"`
	PageSize     int          `json:"pageSize,omitempty"`
	LanguageCode string       `json:"languageCode,omitempty"`
	LocationBias locationBias `json:"locationBias"`
}

func (c *httpClient) NearbyTextSearch(ctx context.Context, req NearbySearchRequest) (*SearchResponse, error) {
	if c.apiKey == "" {
		return nil, ErrMissingAPIKey
	}

	pageSize := req.PageSize
	if pageSize <= 0 || pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}

	body, err := json.Marshal(searchTextRequest{
		TextQuery:    req.TextQuery,
		PageSize:     pageSize,
		LanguageCode: req.LanguageCode,
		LocationBias: locationBias{Circle: circle{Center: req.Center, Radius: req.RadiusMeters}},
	})
	if err != nil {
		return nil, eris.Wrap(err, "google: marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/places:searchText", bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "google: create request")
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Goog-Api-Key", c.apiKey)
	httpReq.Header.Set("X-Goog-FieldMask", fieldMask)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, eris.Wrap(err, "google: send request")
	}
	defer resp.Body.Close() //nolint:errcheck

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "google: read response")
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var result SearchResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, eris.Wrap(err, "google: unmarshal response")
	}

	return &result, nil
}
