package security

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/ocx/assurance/internal/core"
)

// HTTPGeoResolver resolves addresses with an ip-api compatible JSON
// endpoint. Results are cached in memory.
type HTTPGeoResolver struct {
	urlFormat string
	client    *http.Client
	cacheTTL  time.Duration
	cache     sync.Map // ip -> *geoCacheEntry
	now       func() time.Time
}

type geoCacheEntry struct {
	loc       *core.GeoLocation
	expiresAt time.Time
}

type geoResponse struct {
	Status      string  `json:"status"`
	Country     string  `json:"country"`
	CountryCode string  `json:"countryCode"`
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
}

// NewHTTPGeoResolver builds a resolver. urlFormat takes the address as its
// only verb, e.g. "http://ip-api.com/json/%s".
func NewHTTPGeoResolver(urlFormat string, client *http.Client) *HTTPGeoResolver {
	if client == nil {
		client = &http.Client{Timeout: 3 * time.Second}
	}
	return &HTTPGeoResolver{
		urlFormat: urlFormat,
		client:    client,
		cacheTTL:  time.Hour,
		now:       time.Now,
	}
}

// Resolve returns the location of ip. Private and unparseable addresses
// resolve to nil without a lookup.
func (g *HTTPGeoResolver) Resolve(ctx context.Context, ip string) (*core.GeoLocation, error) {
	if isPrivateIP(ip) {
		return nil, nil
	}

	if cached, ok := g.cache.Load(ip); ok {
		entry := cached.(*geoCacheEntry)
		if g.now().Before(entry.expiresAt) {
			return entry.loc, nil
		}
		g.cache.Delete(ip)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf(g.urlFormat, url.PathEscape(ip)), nil)
	if err != nil {
		return nil, err
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("geo lookup: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("geo lookup: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, fmt.Errorf("geo lookup: %w", err)
	}

	var geo geoResponse
	if err := json.Unmarshal(body, &geo); err != nil {
		return nil, fmt.Errorf("geo lookup: %w", err)
	}
	if geo.Status != "success" {
		slog.Warn("[Geo] Resolution returned non-success", "status", geo.Status)
		return nil, nil
	}

	country := geo.CountryCode
	if country == "" {
		country = geo.Country
	}
	loc := &core.GeoLocation{Lat: geo.Lat, Lon: geo.Lon, Country: country}
	g.cache.Store(ip, &geoCacheEntry{loc: loc, expiresAt: g.now().Add(g.cacheTTL)})
	return loc, nil
}
