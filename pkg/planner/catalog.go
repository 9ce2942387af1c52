package planner

import (
	"fmt"
	"sort"
	"strings"
)

// Resource is a stable category of retrievable data. Path is an endpoint
// template: "{start}" and "{end}" expand to the unit's range bounds,
// "{date}" to the single day of a 1-day unit. Snapshot resources (MaxSpanDays
// 0) have a fixed path.
type Resource struct {
	Name        string
	Path        string
	MaxSpanDays int
	Priority    int
	Intraday    bool
}

// Snapshot reports whether the resource is fetched once, without a date range.
func (r Resource) Snapshot() bool {
	return r.MaxSpanDays == 0
}

// Endpoint resolves the API path for a unit of this resource. It fails on a
// unit that does not fit the resource's template; the orchestrator treats
// that as a local reject and consumes no quota for it.
func (r Resource) Endpoint(u Unit) (string, error) {
	if u.Resource != r.Name {
		return "", fmt.Errorf("unit %s does not belong to resource %s", u, r.Name)
	}
	if r.Snapshot() {
		if !u.Snapshot() {
			return "", fmt.Errorf("snapshot resource %s given ranged unit %s", r.Name, u)
		}
		return r.Path, nil
	}
	if u.Snapshot() {
		return "", fmt.Errorf("time-series resource %s given snapshot unit", r.Name)
	}
	if u.End.Before(u.Start) {
		return "", fmt.Errorf("unit %s has inverted range", u)
	}
	path := r.Path
	if strings.Contains(path, "{date}") {
		if !u.Start.Equal(u.End) {
			return "", fmt.Errorf("resource %s takes single-day units, got %s", r.Name, u)
		}
		return strings.ReplaceAll(path, "{date}", u.StartKey()), nil
	}
	path = strings.ReplaceAll(path, "{start}", u.StartKey())
	path = strings.ReplaceAll(path, "{end}", u.EndKey())
	return path, nil
}

// catalog lists every supported resource in fetch priority order: cheap,
// broad-coverage resources first so an interrupted run has already captured
// the highest-value data. Span maxima follow the Fitbit Web API limits per
// endpoint family.
var catalog = []Resource{
	{Name: "profile", Path: "/user/-/profile.json", Priority: 10},
	{Name: "devices", Path: "/user/-/devices.json", Priority: 10},

	{Name: "activity-summary", Path: "/user/-/activities/date/{start}/{end}.json", MaxSpanDays: 90, Priority: 20},
	{Name: "steps", Path: "/user/-/activities/steps/date/{start}/{end}.json", MaxSpanDays: 90, Priority: 21},
	{Name: "calories", Path: "/user/-/activities/calories/date/{start}/{end}.json", MaxSpanDays: 90, Priority: 21},
	{Name: "distance", Path: "/user/-/activities/distance/date/{start}/{end}.json", MaxSpanDays: 90, Priority: 21},

	{Name: "sleep-logs", Path: "/user/-/sleep/date/{start}/{end}.json", MaxSpanDays: 100, Priority: 30},
	{Name: "sleep-goal", Path: "/user/-/sleep/goal.json", Priority: 30},

	{Name: "heart-rate", Path: "/user/-/activities/heart/date/{start}/{end}.json", MaxSpanDays: 90, Priority: 40},
	{Name: "hrv", Path: "/user/-/hrv/date/{start}/{end}.json", MaxSpanDays: 30, Priority: 41},

	{Name: "weight", Path: "/user/-/body/weight/date/{start}/{end}.json", MaxSpanDays: 90, Priority: 50},
	{Name: "body-fat", Path: "/user/-/body/fat/date/{start}/{end}.json", MaxSpanDays: 90, Priority: 50},
	{Name: "bmi", Path: "/user/-/body/bmi/date/{start}/{end}.json", MaxSpanDays: 90, Priority: 50},
	{Name: "body-goals", Path: "/user/-/body/log/weight/goal.json", Priority: 51},

	{Name: "food-logs", Path: "/user/-/foods/log/date/{date}.json", MaxSpanDays: 1, Priority: 60},
	{Name: "water-logs", Path: "/user/-/foods/log/water/date/{date}.json", MaxSpanDays: 1, Priority: 60},
	{Name: "nutrition-goals", Path: "/user/-/foods/log/goal.json", Priority: 61},

	{Name: "spo2", Path: "/user/-/spo2/date/{date}.json", MaxSpanDays: 1, Priority: 70},
	{Name: "breathing-rate", Path: "/user/-/br/date/{date}.json", MaxSpanDays: 1, Priority: 70},
	{Name: "skin-temperature", Path: "/user/-/temp/skin/date/{date}.json", MaxSpanDays: 1, Priority: 70},
	{Name: "core-temperature", Path: "/user/-/temp/core/date/{date}.json", MaxSpanDays: 1, Priority: 70},
	{Name: "cardio-score", Path: "/user/-/cardioscore/date/{date}.json", MaxSpanDays: 1, Priority: 70},

	{Name: "glucose", Path: "/user/-/glucose/date/{date}.json", MaxSpanDays: 1, Priority: 80},

	{Name: "badges", Path: "/user/-/badges.json", Priority: 90},
	{Name: "friends", Path: "/user/-/friends.json", Priority: 90},

	// Intraday resources cost one request per day and are opt-in.
	{Name: "steps-intraday", Path: "/user/-/activities/steps/date/{date}/1d/1min.json", MaxSpanDays: 1, Priority: 100, Intraday: true},
	{Name: "calories-intraday", Path: "/user/-/activities/calories/date/{date}/1d/1min.json", MaxSpanDays: 1, Priority: 100, Intraday: true},
	{Name: "heart-intraday", Path: "/user/-/activities/heart/date/{date}/1d/1sec.json", MaxSpanDays: 1, Priority: 100, Intraday: true},
}

// Resources returns the catalog in deterministic priority order. Intraday
// resources are included only when requested.
func Resources(includeIntraday bool) []Resource {
	out := make([]Resource, 0, len(catalog))
	for _, r := range catalog {
		if r.Intraday && !includeIntraday {
			continue
		}
		out = append(out, r)
	}
	sortResources(out)
	return out
}

// Lookup returns the named resource from the catalog.
func Lookup(name string) (Resource, error) {
	for _, r := range catalog {
		if r.Name == name {
			return r, nil
		}
	}
	return Resource{}, fmt.Errorf("unknown resource %q", name)
}

// Select resolves a list of resource names against the catalog, preserving
// catalog priority order rather than argument order.
func Select(names []string) ([]Resource, error) {
	out := make([]Resource, 0, len(names))
	for _, name := range names {
		r, err := Lookup(name)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	sortResources(out)
	return out, nil
}

func sortResources(rs []Resource) {
	sort.SliceStable(rs, func(i, j int) bool {
		if rs[i].Priority != rs[j].Priority {
			return rs[i].Priority < rs[j].Priority
		}
		return rs[i].Name < rs[j].Name
	})
}
