package pse

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/types"
)

func TestGetDayAheadPrices(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		assert.Contains(t, r.URL.Query().Get("$filter"), "2025-06-10")
		fmt.Fprint(w, `{"value":[
			{"dtime":"2025-06-10 00:15","csdac_pln":412.50},
			{"dtime":"2025-06-10 00:00","csdac_pln":405.00},
			{"dtime":"2025-06-10 00:30","csdac_pln":398.20}
		]}`)
	}))
	defer srv.Close()

	c := New(srv.URL, "", "")
	day := time.Date(2025, 6, 10, 0, 0, 0, 0, plLocation)

	points, err := c.GetDayAheadPrices(context.Background(), day)
	require.NoError(t, err)
	require.Len(t, points, 3)

	// sorted by interval start regardless of feed order
	assert.Equal(t, 405.00, points[0].MarketPLNPerMWH)
	assert.Equal(t, 412.50, points[1].MarketPLNPerMWH)
	assert.Equal(t, day, points[0].TSStart)
	assert.Equal(t, day.Add(15*time.Minute), points[1].TSStart)

	// second call within the TTL hits the cache
	_, err = c.GetDayAheadPrices(context.Background(), day)
	require.NoError(t, err)
	assert.Equal(t, 1, hits)
}

func TestGetPeakHours(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"value":[
			{"udtczas":"2025-06-10 17:00","znacznik":2},
			{"udtczas":"2025-06-10 12:00","znacznik":3},
			{"udtczas":"2025-06-10 16:00","znacznik":1},
			{"udtczas":"2025-06-10 03:00","znacznik":0},
			{"udtczas":"2025-06-10 04:00","znacznik":9}
		]}`)
	}))
	defer srv.Close()

	c := New("http://unused", srv.URL, "")
	day := time.Date(2025, 6, 10, 0, 0, 0, 0, plLocation)

	peaks, err := c.GetPeakHours(context.Background(), day)
	require.NoError(t, err)
	require.Len(t, peaks, 5)

	byHour := map[int]types.PeakLabel{}
	for _, p := range peaks {
		byHour[p.HourStart.Hour()] = p.Label
	}
	assert.Equal(t, types.PeakLabelNormal, byHour[3])
	assert.Equal(t, types.PeakLabelRecommendedUse, byHour[12])
	assert.Equal(t, types.PeakLabelRecommendedSaving, byHour[16])
	assert.Equal(t, types.PeakLabelRequiredReduction, byHour[17])
	// unknown codes degrade to normal
	assert.Equal(t, types.PeakLabelNormal, byHour[4])
}

func TestGetPeakHoursUnconfigured(t *testing.T) {
	c := New("http://unused", "", "")
	peaks, err := c.GetPeakHours(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Nil(t, peaks)
}

func TestGetPriceForecastOptional(t *testing.T) {
	c := New("http://unused", "", "")
	points, err := c.GetPriceForecast(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Nil(t, points)
}

func TestGetDayAheadPricesUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(srv.URL, "", "")
	_, err := c.GetDayAheadPrices(context.Background(), time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestValidate(t *testing.T) {
	require.NoError(t, New("https://api.raporty.pse.pl/api/csdac-pln", "", "").Validate())
	assert.Error(t, New("", "", "").Validate())
}
