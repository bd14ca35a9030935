package proxypool

// DefaultRegion is used when a platform has no preferred region.
const DefaultRegion = "global"

// platformRegions maps platform names to their preferred egress region.
// Marketplace platforms route through US residential ranges; social platforms
// tolerate any origin.
var platformRegions = map[string]string{
	"amazon":    "us",
	"ebay":      "us",
	"facebook":  DefaultRegion,
	"instagram": DefaultRegion,
}

// RegionForPlatform resolves the preferred region for a platform. Unmapped
// platforms default to the global pool.
func RegionForPlatform(platform string) string {
	if region, ok := platformRegions[platform]; ok {
		return region
	}
	return DefaultRegion
}
