// Package pse talks to the Polish TSO's open data API: day-ahead CSDAC
// prices, the Kompas peak-hour labels and the price forecast feed.
package pse

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/common"
	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/log"
	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/types"
)

// PSE publishes everything in Polish local time.
var plLocation = func() *time.Location {
	loc, err := time.LoadLocation("Europe/Warsaw")
	if err != nil {
		panic(fmt.Errorf("failed to load Europe/Warsaw location: %w", err))
	}
	return loc
}()

const (
	cacheTTL  = 15 * time.Minute
	dtimeLayout = "2006-01-02 15:04"
)

// Client fetches PSE market data. Responses are cached per business date for
// 15 minutes; day-ahead data does not change more often than that.
type Client struct {
	pricesURL   string
	kompasURL   string
	forecastURL string
	client      *http.Client

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	fetched time.Time
	prices  []types.PricePoint
	peaks   []types.PeakHour
}

// Configured sets up flags for the PSE client and returns the instance.
func Configured() *Client {
	c := &Client{
		client: common.HTTPClient(30 * time.Second),
		cache:  map[string]cacheEntry{},
	}
	pricesURL := lflag.String("pse-prices-url", "https://api.raporty.pse.pl/api/csdac-pln", "URL for the PSE day-ahead price API")
	kompasURL := lflag.String("pse-kompas-url", "https://api.raporty.pse.pl/api/pdgobco", "URL for the PSE Kompas peak-hour API")
	forecastURL := lflag.String("pse-forecast-url", "", "URL for the PSE price forecast API (optional)")

	lflag.Do(func() {
		c.pricesURL = *pricesURL
		c.kompasURL = *kompasURL
		c.forecastURL = *forecastURL
	})

	return c
}

// New creates a client with explicit endpoints. Used by tests and by callers
// that configure outside of flags.
func New(pricesURL, kompasURL, forecastURL string) *Client {
	return &Client{
		pricesURL:   pricesURL,
		kompasURL:   kompasURL,
		forecastURL: forecastURL,
		client:      common.HTTPClient(30 * time.Second),
		cache:       map[string]cacheEntry{},
	}
}

// Validate ensures the configured endpoints parse.
func (c *Client) Validate() error {
	if c.pricesURL == "" {
		return fmt.Errorf("pse-prices-url is required")
	}
	for _, u := range []string{c.pricesURL, c.kompasURL, c.forecastURL} {
		if u == "" {
			continue
		}
		if _, err := url.Parse(u); err != nil {
			return fmt.Errorf("failed to parse pse url (%s): %w", u, err)
		}
	}
	return nil
}

// envelope is the {"value": [...]} wrapper every PSE endpoint uses.
type envelope struct {
	Value json.RawMessage `json:"value"`
}

type priceRow struct {
	DTime    string  `json:"dtime"`
	CSDACPLN float64 `json:"csdac_pln"`
}

type kompasRow struct {
	DTime string `json:"udtczas"`
	Code  int    `json:"znacznik"`
}

// GetDayAheadPrices returns the published market prices for the business
// date, one point per 15-minute interval, in PLN/MWh. The final retail price
// and band are left for the tariff engine.
func (c *Client) GetDayAheadPrices(ctx context.Context, day time.Time) ([]types.PricePoint, error) {
	key := "prices:" + day.In(plLocation).Format("2006-01-02")
	if cached, ok := c.cached(key); ok {
		return cached.prices, nil
	}

	raw, err := c.get(ctx, c.pricesURL, day)
	if err != nil {
		return nil, fmt.Errorf("fetch day-ahead prices: %w", err)
	}
	var rows []priceRow
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("parse day-ahead prices: %w", err)
	}

	points := make([]types.PricePoint, 0, len(rows))
	for _, row := range rows {
		ts, err := time.ParseInLocation(dtimeLayout, row.DTime, plLocation)
		if err != nil {
			return nil, fmt.Errorf("parse interval start %q: %w", row.DTime, err)
		}
		points = append(points, types.PricePoint{TSStart: ts, MarketPLNPerMWH: row.CSDACPLN})
	}
	sort.Slice(points, func(i, j int) bool { return points[i].TSStart.Before(points[j].TSStart) })

	c.store(key, cacheEntry{prices: points})
	log.Ctx(ctx).Debug("fetched day-ahead prices",
		"date", day.Format("2006-01-02"), "points", len(points))
	return points, nil
}

// GetPeakHours returns the Kompas hourly labels for the business date.
// Unknown codes fall back to the normal label.
func (c *Client) GetPeakHours(ctx context.Context, day time.Time) ([]types.PeakHour, error) {
	if c.kompasURL == "" {
		return nil, nil
	}
	key := "kompas:" + day.In(plLocation).Format("2006-01-02")
	if cached, ok := c.cached(key); ok {
		return cached.peaks, nil
	}

	raw, err := c.get(ctx, c.kompasURL, day)
	if err != nil {
		return nil, fmt.Errorf("fetch peak hours: %w", err)
	}
	var rows []kompasRow
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("parse peak hours: %w", err)
	}

	peaks := make([]types.PeakHour, 0, len(rows))
	for _, row := range rows {
		ts, err := time.ParseInLocation(dtimeLayout, row.DTime, plLocation)
		if err != nil {
			return nil, fmt.Errorf("parse peak hour %q: %w", row.DTime, err)
		}
		peaks = append(peaks, types.PeakHour{HourStart: ts, Label: labelFromCode(row.Code)})
	}
	sort.Slice(peaks, func(i, j int) bool { return peaks[i].HourStart.Before(peaks[j].HourStart) })

	c.store(key, cacheEntry{peaks: peaks})
	log.Ctx(ctx).Debug("fetched peak-hour labels",
		"date", day.Format("2006-01-02"), "hours", len(peaks))
	return peaks, nil
}

// GetPriceForecast returns forecast market prices when a forecast endpoint is
// configured; otherwise it returns nil without error so callers can treat the
// feed as optional.
func (c *Client) GetPriceForecast(ctx context.Context, day time.Time) ([]types.PricePoint, error) {
	if c.forecastURL == "" {
		return nil, nil
	}
	key := "forecast:" + day.In(plLocation).Format("2006-01-02")
	if cached, ok := c.cached(key); ok {
		return cached.prices, nil
	}

	raw, err := c.get(ctx, c.forecastURL, day)
	if err != nil {
		return nil, fmt.Errorf("fetch price forecast: %w", err)
	}
	var rows []priceRow
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("parse price forecast: %w", err)
	}

	points := make([]types.PricePoint, 0, len(rows))
	for _, row := range rows {
		ts, err := time.ParseInLocation(dtimeLayout, row.DTime, plLocation)
		if err != nil {
			return nil, fmt.Errorf("parse forecast interval %q: %w", row.DTime, err)
		}
		points = append(points, types.PricePoint{TSStart: ts, MarketPLNPerMWH: row.CSDACPLN})
	}
	sort.Slice(points, func(i, j int) bool { return points[i].TSStart.Before(points[j].TSStart) })

	c.store(key, cacheEntry{prices: points})
	return points, nil
}

func labelFromCode(code int) types.PeakLabel {
	switch code {
	case 1:
		return types.PeakLabelRecommendedSaving
	case 2:
		return types.PeakLabelRequiredReduction
	case 3:
		return types.PeakLabelRecommendedUse
	default:
		return types.PeakLabelNormal
	}
}

func (c *Client) cached(key string) (cacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.cache[key]
	if !ok || time.Since(entry.fetched) > cacheTTL {
		return cacheEntry{}, false
	}
	return entry, true
}

func (c *Client) store(key string, entry cacheEntry) {
	entry.fetched = time.Now()
	c.mu.Lock()
	c.cache[key] = entry
	c.mu.Unlock()
}

// get fetches one endpoint filtered to the business date and unwraps the
// {"value": [...]} envelope.
func (c *Client) get(ctx context.Context, base string, day time.Time) (json.RawMessage, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("$filter", fmt.Sprintf("business_date eq '%s'", day.In(plLocation).Format("2006-01-02")))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("unexpected status %d from %s: %s", resp.StatusCode, u.Host, body)
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return env.Value, nil
}
