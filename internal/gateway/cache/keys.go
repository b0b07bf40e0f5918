package cache

import "fmt"

// Cache key layout. Every writer and reader of an entry type goes through
// these helpers.
const (
	FrontpagePlansKey = "plans:frontpage"
	preloadMarkerKey  = "preload:in-progress"
	preloadManifest   = "preload:manifest"
)

func PlanKey(id string) string {
	return "plan:" + id
}

func PlansByTypeKey(planType string) string {
	return "plans:type:" + planType
}

func UsageKey(apiKeyID, month string) string {
	return fmt.Sprintf("usage:%s:%s", apiKeyID, month)
}

func StatsMonthsKey(months int, anchor string) string {
	return fmt.Sprintf("admin:stats:months:%d:%s", months, anchor)
}

func StatsYearKey(year int) string {
	return fmt.Sprintf("admin:stats:year:%d", year)
}
