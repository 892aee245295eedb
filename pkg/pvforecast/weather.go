package pvforecast

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/common"
	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/config"
	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/log"
	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/types"
)

const weatherCacheTTL = 2 * time.Hour

// Weather fetches hourly cloud cover and temperature for the site. Forecasts
// are cached for two hours; cloudiness does not need a tighter loop.
type Weather struct {
	baseURL string
	lat     float64
	lon     float64
	client  *http.Client

	mu      sync.Mutex
	fetched time.Time
	samples []types.WeatherSample
}

// ConfiguredWeather sets up flags for the weather source. The site
// coordinates come from the layered configuration, which is only loaded
// during lflag.Configure, so they are read through the getter.
func ConfiguredWeather(get func() config.WeatherConfig) *Weather {
	w := &Weather{client: common.HTTPClient(30 * time.Second)}
	baseURL := lflag.String("weather-api-url", "https://api.open-meteo.com/v1/forecast", "URL for the weather forecast API")
	lflag.Do(func() {
		cfg := get()
		w.baseURL = *baseURL
		w.lat = cfg.Latitude
		w.lon = cfg.Longitude
	})
	return w
}

// NewWeather creates a weather source with an explicit endpoint.
func NewWeather(baseURL string, lat, lon float64) *Weather {
	return &Weather{baseURL: baseURL, lat: lat, lon: lon, client: common.HTTPClient(30 * time.Second)}
}

type weatherResponse struct {
	Hourly struct {
		Time        []string  `json:"time"`
		CloudCover  []float64 `json:"cloud_cover"`
		Temperature []float64 `json:"temperature_2m"`
	} `json:"hourly"`
}

// Hourly returns the hourly forecast starting today. Results come from cache
// when fresher than two hours.
func (w *Weather) Hourly(ctx context.Context) ([]types.WeatherSample, error) {
	w.mu.Lock()
	if !w.fetched.IsZero() && time.Since(w.fetched) < weatherCacheTTL {
		samples := w.samples
		w.mu.Unlock()
		return samples, nil
	}
	w.mu.Unlock()

	u := fmt.Sprintf("%s?latitude=%.4f&longitude=%.4f&hourly=cloud_cover,temperature_2m&forecast_days=2&timezone=auto",
		w.baseURL, w.lat, w.lon)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch weather: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("weather api status %d: %s", resp.StatusCode, body)
	}

	var parsed weatherResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode weather: %w", err)
	}

	samples := make([]types.WeatherSample, 0, len(parsed.Hourly.Time))
	for i, tstr := range parsed.Hourly.Time {
		ts, err := time.ParseInLocation("2006-01-02T15:04", tstr, time.Local)
		if err != nil {
			return nil, fmt.Errorf("parse weather time %q: %w", tstr, err)
		}
		sample := types.WeatherSample{Timestamp: ts}
		if i < len(parsed.Hourly.CloudCover) {
			sample.CloudCoverPct = parsed.Hourly.CloudCover[i]
		}
		if i < len(parsed.Hourly.Temperature) {
			sample.TempC = parsed.Hourly.Temperature[i]
		}
		samples = append(samples, sample)
	}

	w.mu.Lock()
	w.samples = samples
	w.fetched = time.Now()
	w.mu.Unlock()

	log.Ctx(ctx).Debug("fetched weather forecast", "hours", len(samples))
	return samples, nil
}

// At returns the sample covering t, or nil when the forecast has no hour
// for it.
func (w *Weather) At(ctx context.Context, t time.Time) (*types.WeatherSample, error) {
	samples, err := w.Hourly(ctx)
	if err != nil {
		return nil, err
	}
	hour := t.Truncate(time.Hour)
	for i := range samples {
		if samples[i].Timestamp.Equal(hour) {
			return &samples[i], nil
		}
	}
	return nil, nil
}
