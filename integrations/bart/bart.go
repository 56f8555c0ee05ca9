// Package bart shows real-time BART departure estimates for a configured
// origin station. Line colors are derived from the BART routes API on first
// call and cached for the process lifetime.
//
// Required config.toml keys ([bart]):
//
//	api_key    free at https://api.bart.gov/api/register.aspx
//	station    originating station code (e.g. MLPT)
//	line1_dest destination abbreviation for line 1 (e.g. DALY)
//
// Optional:
//
//	line2_dest second destination abbreviation
package bart

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/flapboard/flapboard/board"
	"github.com/flapboard/flapboard/config"
	"github.com/flapboard/flapboard/integrations/httpx"
	"github.com/flapboard/flapboard/scheduler"
)

const apiBase = "https://api.bart.gov/api"

// departuresCacheTTL bounds how stale a last-known-good departure set may be
// before a transient API failure becomes a data-unavailable drop.
const departuresCacheTTL = 5 * time.Minute

// lineColorTag maps BART API color names to board color tags. There is no
// beige flap; white is closest.
var lineColorTag = map[string]string{
	"RED":    "[R]",
	"ORANGE": "[O]",
	"YELLOW": "[Y]",
	"GREEN":  "[G]",
	"BLUE":   "[B]",
	"PURPLE": "[V]",
	"WHITE":  "[W]",
	"BEIGE":  "[W]",
}

// cols is the board width departure lines are packed to.
const cols = 15

type integration struct {
	cfg *config.Config

	mu         sync.Mutex
	destColors map[string][]string // dest abbr -> color tags; nil = not yet built
	lastGood   *httpx.CacheEntry

	apiBase string
}

// New returns the integration constructor for the registry.
func New(cfg *config.Config) scheduler.Constructor {
	return func() (*scheduler.Integration, error) {
		for _, key := range []string{"api_key", "station", "line1_dest"} {
			if _, err := cfg.Get("bart", key); err != nil {
				return nil, &scheduler.MissingDependenciesError{
					Integration: "bart",
					Reason:      fmt.Sprintf("set [bart] %s in config.toml", key),
				}
			}
		}
		b := &integration{cfg: cfg, apiBase: apiBase}
		return &scheduler.Integration{
			Vars: map[string]scheduler.VariablesFunc{
				"get_variables": b.getVariables,
			},
		}, nil
	}
}

// stringOrList absorbs the BART API habit of returning a single object where
// a list is documented.
type stringOrList []string

func (s *stringOrList) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*s = []string{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

type route struct {
	Number string `json:"number"`
	Color  string `json:"color"`
}

type routeList []route

func (r *routeList) UnmarshalJSON(data []byte) error {
	var one route
	if err := json.Unmarshal(data, &one); err == nil {
		*r = []route{one}
		return nil
	}
	var many []route
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*r = many
	return nil
}

// fetchDestColors builds dest abbr -> color tags from the routes API: one
// routes listing, then routeinfo per route, keeping only routes that serve
// the origin station. Routes are walked in ascending number order so
// multi-color destinations get a deterministic tag order.
func (b *integration) fetchDestColors(ctx context.Context, apiKey, origin string) (map[string][]string, error) {
	var listing struct {
		Root struct {
			Routes struct {
				Route routeList `json:"route"`
			} `json:"routes"`
		} `json:"root"`
	}
	q := url.Values{"cmd": {"routes"}, "key": {apiKey}, "json": {"y"}}
	if err := httpx.GetJSON(ctx, nil, b.apiBase+"/route.aspx", q, &listing); err != nil {
		return nil, err
	}

	routes := append(routeList(nil), listing.Root.Routes.Route...)
	sort.Slice(routes, func(i, j int) bool {
		ni, _ := strconv.Atoi(routes[i].Number)
		nj, _ := strconv.Atoi(routes[j].Number)
		return ni < nj
	})

	origin = strings.ToUpper(origin)
	colorMap := make(map[string][]string)
	for _, rt := range routes {
		tag := lineColorTag[strings.ToUpper(rt.Color)]
		if tag == "" {
			continue
		}

		var info struct {
			Root struct {
				Routes struct {
					Route struct {
						Destination string `json:"destination"`
						Config      struct {
							Station stringOrList `json:"station"`
						} `json:"config"`
					} `json:"route"`
				} `json:"routes"`
			} `json:"root"`
		}
		q := url.Values{"cmd": {"routeinfo"}, "route": {rt.Number}, "key": {apiKey}, "json": {"y"}}
		if err := httpx.GetJSON(ctx, nil, b.apiBase+"/route.aspx", q, &info); err != nil {
			return nil, err
		}

		serves := false
		for _, st := range info.Root.Routes.Route.Config.Station {
			if strings.ToUpper(st) == origin {
				serves = true
				break
			}
		}
		if !serves {
			continue
		}

		dest := strings.ToUpper(info.Root.Routes.Route.Destination)
		if dest == "" {
			continue
		}
		if !contains(colorMap[dest], tag) {
			colorMap[dest] = append(colorMap[dest], tag)
		}
	}
	return colorMap, nil
}

func contains(s []string, v string) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

// noServiceLine returns the placeholder for a destination with no current
// trains, colored when the destination is known.
func noServiceLine(dest string, colorMap map[string][]string) string {
	if tags := colorMap[strings.ToUpper(dest)]; len(tags) > 0 {
		return tags[0] + " NO SERVICE"
	}
	return "NO SERVICE"
}

// formatMinutes renders a BART minutes value zero-padded to two digits so
// departure columns align; arriving trains ("Leaving") show as "00".
func formatMinutes(mins string) string {
	if mins == "Leaving" {
		return "00"
	}
	if n, err := strconv.Atoi(mins); err == nil {
		return fmt.Sprintf("%02d", n)
	}
	return mins
}

type estimate struct {
	Minutes string `json:"minutes"`
	Color   string `json:"color"`
}

// buildLine packs departure times after a color tag, e.g. "[G] 08 14 31",
// stopping before the line would exceed the board width.
func buildLine(colorTag string, estimates []estimate) string {
	base := colorTag + " "
	var parts []string
	for _, est := range estimates {
		t := formatMinutes(est.Minutes)
		if board.DisplayLen(base+strings.Join(append(parts, t), " ")) > cols {
			break
		}
		parts = append(parts, t)
	}
	if len(parts) == 0 {
		return base + "--"
	}
	return base + strings.Join(parts, " ")
}

// getVariables fetches departures and returns the template variables:
// station, line1, and line2 when a second destination is configured. On a
// transient API failure the last-known-good set is served if fresh enough;
// otherwise the data is reported unavailable and the message dropped.
func (b *integration) getVariables(ctx context.Context) (board.Variables, error) {
	apiKey, err := b.cfg.Get("bart", "api_key")
	if err != nil {
		return nil, err
	}
	station, err := b.cfg.Get("bart", "station")
	if err != nil {
		return nil, err
	}
	dest1, err := b.cfg.Get("bart", "line1_dest")
	if err != nil {
		return nil, err
	}
	destFilters := []string{dest1}
	if dest2 := b.cfg.GetOptional("bart", "line2_dest", ""); dest2 != "" {
		destFilters = append(destFilters, dest2)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.destColors == nil {
		colorMap, err := b.fetchDestColors(ctx, apiKey, station)
		if err != nil {
			log.Printf("Warning: could not build BART color cache: %v", err)
			colorMap = map[string][]string{}
		}
		b.destColors = colorMap
	}

	var out struct {
		Root struct {
			Station []struct {
				Name string `json:"name"`
				ETD  []struct {
					Abbreviation string     `json:"abbreviation"`
					Estimate     []estimate `json:"estimate"`
				} `json:"etd"`
			} `json:"station"`
		} `json:"root"`
	}
	q := url.Values{"cmd": {"etd"}, "orig": {station}, "key": {apiKey}, "json": {"y"}}
	if err := httpx.GetJSON(ctx, nil, b.apiBase+"/etd.aspx", q, &out); err != nil {
		log.Printf("BART: departures request failed: %v", err)
		if b.lastGood != nil && b.lastGood.Valid(departuresCacheTTL) {
			return b.lastGood.Value, nil
		}
		return nil, fmt.Errorf("%w: BART departures request failed: %v", scheduler.ErrDataUnavailable, err)
	}
	if len(out.Root.Station) == 0 {
		return nil, fmt.Errorf("%w: BART: no station data", scheduler.ErrDataUnavailable)
	}

	stationData := out.Root.Station[0]
	variables := board.Variables{
		"station": {{stationData.Name}},
	}
	for i, dest := range destFilters {
		line := noServiceLine(dest, b.destColors)
		for _, etd := range stationData.ETD {
			if !strings.EqualFold(dest, etd.Abbreviation) {
				continue
			}
			if len(etd.Estimate) > 0 {
				tag := lineColorTag[strings.ToUpper(etd.Estimate[0].Color)]
				if tag == "" {
					tag = "[ ]"
				}
				line = buildLine(tag, etd.Estimate)
			}
			break
		}
		variables[fmt.Sprintf("line%d", i+1)] = [][]string{{line}}
	}

	b.lastGood = httpx.NewCacheEntry(variables)
	return variables, nil
}
