// Package weather shows current conditions for a configured city via the
// Open-Meteo APIs (no API key required).
//
// Required config.toml keys ([weather]):
//
//	city   city name, forward-geocoded to coordinates on first call
//
// Optional:
//
//	units  "imperial" (F, mph, default) or "metric" (C, km/h)
package weather

import (
	"context"
	"fmt"
	"math"
	"net/url"
	"sync"

	"github.com/flapboard/flapboard/board"
	"github.com/flapboard/flapboard/config"
	"github.com/flapboard/flapboard/integrations/httpx"
	"github.com/flapboard/flapboard/scheduler"
)

const (
	geocodingURL = "https://geocoding-api.open-meteo.com/v1/search"
	forecastURL  = "https://api.open-meteo.com/v1/forecast"
)

// wmoCondition maps WMO weather interpretation codes to a short condition
// string and a board color tag. Strings are kept short enough to share a
// Note row with a leading tag.
var wmoConditions = map[int]struct {
	cond string
	tag  string
}{
	0:  {"CLEAR", "[Y]"},
	1:  {"MOSTLY CLEAR", "[Y]"},
	2:  {"PARTLY CLOUDY", "[O]"},
	3:  {"OVERCAST", "[W]"},
	45: {"FOG", "[W]"},
	48: {"RIME FOG", "[W]"},
	51: {"LIGHT DRIZZLE", "[B]"},
	53: {"DRIZZLE", "[B]"},
	55: {"HEAVY DRIZZLE", "[B]"},
	56: {"FRZ DRIZZLE", "[V]"},
	57: {"HVY FRZ DRZL", "[V]"},
	61: {"LIGHT RAIN", "[B]"},
	63: {"RAIN", "[B]"},
	65: {"HEAVY RAIN", "[B]"},
	66: {"FRZ RAIN", "[V]"},
	67: {"HVY FRZ RAIN", "[V]"},
	71: {"LIGHT SNOW", "[W]"},
	73: {"SNOW", "[W]"},
	75: {"HEAVY SNOW", "[W]"},
	77: {"SNOW GRAINS", "[W]"},
	80: {"LIGHT SHOWERS", "[B]"},
	81: {"SHOWERS", "[B]"},
	82: {"HEAVY SHOWERS", "[B]"},
	85: {"SNOW SHOWERS", "[W]"},
	86: {"HVY SNOW SHWR", "[W]"},
	95: {"THUNDERSTORM", "[R]"},
	96: {"STORM + HAIL", "[R]"},
	99: {"STORM + HAIL", "[R]"},
}

type integration struct {
	cfg *config.Config

	// Geocoding result cached for the process lifetime; the canonical city
	// name from the API is what templates display, regardless of what was
	// typed into config.toml.
	mu        sync.Mutex
	lat, lon  float64
	canonical string
	geocoded  bool

	geocodingURL string
	forecastURL  string
}

// New returns the integration constructor for the registry.
func New(cfg *config.Config) scheduler.Constructor {
	return func() (*scheduler.Integration, error) {
		if _, err := cfg.Get("weather", "city"); err != nil {
			return nil, &scheduler.MissingDependenciesError{
				Integration: "weather",
				Reason:      "set [weather] city in config.toml",
			}
		}
		w := &integration{cfg: cfg, geocodingURL: geocodingURL, forecastURL: forecastURL}
		return &scheduler.Integration{
			Vars: map[string]scheduler.VariablesFunc{
				"get_variables": w.getVariables,
			},
		}, nil
	}
}

func (w *integration) geocode(ctx context.Context, city string) (lat, lon float64, name string, err error) {
	var out struct {
		Results []struct {
			Latitude  float64 `json:"latitude"`
			Longitude float64 `json:"longitude"`
			Name      string  `json:"name"`
		} `json:"results"`
	}
	q := url.Values{"name": {city}, "count": {"1"}, "format": {"json"}}
	if err := httpx.GetJSON(ctx, nil, w.geocodingURL, q, &out); err != nil {
		return 0, 0, "", fmt.Errorf("%w: weather geocoding: %v", scheduler.ErrDataUnavailable, err)
	}
	if len(out.Results) == 0 {
		return 0, 0, "", fmt.Errorf("%w: weather: city not found, check the [weather] city setting", scheduler.ErrDataUnavailable)
	}
	r := out.Results[0]
	return r.Latitude, r.Longitude, r.Name, nil
}

func wmoCondition(code int) string {
	c, ok := wmoConditions[code]
	if !ok {
		return "[K] UNKNOWN"
	}
	return c.tag + " " + c.cond
}

func fmtTemp(v float64, units string) string {
	suffix := "F"
	if units == "metric" {
		suffix = "C"
	}
	return fmt.Sprintf("%d%s", int(math.Round(v)), suffix)
}

func fmtWind(v float64, units string) string {
	suffix := "MPH"
	if units == "metric" {
		suffix = "KMH"
	}
	return fmt.Sprintf("%d%s", int(math.Round(v)), suffix)
}

// getVariables fetches current weather and returns the template variables:
// city, condition, temp, feels_like, high, low, wind, precip. Every value is
// a single option, the data is always current with nothing to randomise.
func (w *integration) getVariables(ctx context.Context) (board.Variables, error) {
	city, err := w.cfg.Get("weather", "city")
	if err != nil {
		return nil, err
	}
	units := w.cfg.GetOptional("weather", "units", "imperial")

	w.mu.Lock()
	if !w.geocoded {
		lat, lon, canonical, err := w.geocode(ctx, city)
		if err != nil {
			w.mu.Unlock()
			return nil, err
		}
		w.lat, w.lon, w.canonical, w.geocoded = lat, lon, canonical, true
	}
	lat, lon, canonical := w.lat, w.lon, w.canonical
	w.mu.Unlock()

	tempUnit, windUnit := "fahrenheit", "mph"
	if units == "metric" {
		tempUnit, windUnit = "celsius", "kmh"
	}

	var out struct {
		Current struct {
			Temperature  float64  `json:"temperature_2m"`
			FeelsLike    float64  `json:"apparent_temperature"`
			WeatherCode  int      `json:"weather_code"`
			WindSpeed    float64  `json:"wind_speed_10m"`
			PrecipChance *float64 `json:"precipitation_probability"`
		} `json:"current"`
		Daily struct {
			TempMax []float64 `json:"temperature_2m_max"`
			TempMin []float64 `json:"temperature_2m_min"`
		} `json:"daily"`
	}
	q := url.Values{
		"latitude":         {fmt.Sprintf("%g", lat)},
		"longitude":        {fmt.Sprintf("%g", lon)},
		"current":          {"temperature_2m,apparent_temperature,weather_code,wind_speed_10m,precipitation_probability"},
		"daily":            {"temperature_2m_max,temperature_2m_min"},
		"temperature_unit": {tempUnit},
		"wind_speed_unit":  {windUnit},
		"forecast_days":    {"1"},
		"timezone":         {"auto"},
	}
	if err := httpx.GetJSON(ctx, nil, w.forecastURL, q, &out); err != nil {
		return nil, fmt.Errorf("weather forecast: %w", err)
	}
	if len(out.Daily.TempMax) == 0 || len(out.Daily.TempMin) == 0 {
		return nil, fmt.Errorf("weather forecast: empty daily range")
	}

	precip := "0%"
	if out.Current.PrecipChance != nil {
		precip = fmt.Sprintf("%d%%", int(math.Round(*out.Current.PrecipChance)))
	}

	return board.Variables{
		"city":       {{canonical}},
		"condition":  {{wmoCondition(out.Current.WeatherCode)}},
		"temp":       {{fmtTemp(out.Current.Temperature, units)}},
		"feels_like": {{fmtTemp(out.Current.FeelsLike, units)}},
		"high":       {{fmtTemp(out.Daily.TempMax[0], units)}},
		"low":        {{fmtTemp(out.Daily.TempMin[0], units)}},
		"wind":       {{fmtWind(out.Current.WindSpeed, units)}},
		"precip":     {{precip}},
	}, nil
}
