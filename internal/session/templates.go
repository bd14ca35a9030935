package session

import "math/rand/v2"

// Viewport is the browser window geometry attached to a session.
type Viewport struct {
	Width            int     `json:"width"`
	Height           int     `json:"height"`
	DevicePixelRatio float64 `json:"device_pixel_ratio"`
}

// Template is the platform-specific seed for a new session: the user agent
// and header set a fresh session starts from. Missing user-agent or header
// data makes session creation fail hard, so custom templates must fill both.
type Template struct {
	UserAgent string
	Headers   map[string]string
}

const (
	uaWindowsChrome = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	uaMacChrome     = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	uaMobileSafari  = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1"
)

func baseHeaders() map[string]string {
	return map[string]string{
		"Accept":                    "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8",
		"Accept-Language":           "en-US,en;q=0.5",
		"Accept-Encoding":           "gzip, deflate, br",
		"DNT":                       "1",
		"Connection":                "keep-alive",
		"Upgrade-Insecure-Requests": "1",
	}
}

func secFetchHeaders() map[string]string {
	h := baseHeaders()
	h["Sec-Fetch-Dest"] = "document"
	h["Sec-Fetch-Mode"] = "navigate"
	h["Sec-Fetch-Site"] = "none"
	return h
}

// defaultTemplates maps platform names to session seeds. Unmapped platforms
// use the "default" entry.
var defaultTemplates = map[string]Template{
	"default":   {UserAgent: uaWindowsChrome, Headers: baseHeaders()},
	"amazon":    {UserAgent: uaWindowsChrome, Headers: baseHeaders()},
	"facebook":  {UserAgent: uaMacChrome, Headers: secFetchHeaders()},
	"instagram": {UserAgent: uaMobileSafari, Headers: secFetchHeaders()},
}

// commonViewports are the desktop geometries new sessions sample from.
var commonViewports = [...][2]int{
	{1920, 1080},
	{1366, 768},
	{1440, 900},
	{1536, 864},
}

func randomViewport() Viewport {
	vp := commonViewports[rand.IntN(len(commonViewports))]
	return Viewport{
		Width:            vp[0],
		Height:           vp[1],
		DevicePixelRatio: 1 + rand.Float64(),
	}
}
