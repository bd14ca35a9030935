// Package fingerprint generates the opaque browser-identity blob attached to
// new sessions. The dispatch core stores and replays the blob without ever
// interpreting it; only the downstream transport cares about its contents.
package fingerprint

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	mathrand "math/rand/v2"
)

var webglVendors = []struct {
	vendor   string
	renderer string
}{
	{"Google Inc. (NVIDIA)", "ANGLE (NVIDIA, NVIDIA GeForce RTX 3060 Direct3D11 vs_5_0 ps_5_0, D3D11)"},
	{"Google Inc. (Intel)", "ANGLE (Intel, Intel(R) UHD Graphics 630 Direct3D11 vs_5_0 ps_5_0, D3D11)"},
	{"Google Inc. (AMD)", "ANGLE (AMD, AMD Radeon RX 6700 XT Direct3D11 vs_5_0 ps_5_0, D3D11)"},
	{"Apple Inc.", "Apple M2"},
}

var timezones = []string{
	"America/New_York",
	"America/Chicago",
	"America/Los_Angeles",
	"Europe/London",
	"Europe/Berlin",
}

// profile is the serialized shape of one generated identity.
type profile struct {
	Platform      string  `json:"platform"`
	CanvasSeed    string  `json:"canvas_seed"`
	WebGLVendor   string  `json:"webgl_vendor"`
	WebGLRenderer string  `json:"webgl_renderer"`
	AudioNoise    float64 `json:"audio_noise"`
	Timezone      string  `json:"timezone"`
	HardwareCores int     `json:"hardware_cores"`
}

// Generator produces randomized fingerprint profiles.
type Generator struct{}

// NewGenerator creates a Generator.
func NewGenerator() *Generator {
	return &Generator{}
}

// Generate returns a fresh profile blob for the platform.
func (Generator) Generate(platform string) ([]byte, error) {
	seed := make([]byte, 16)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("fingerprint: canvas seed: %w", err)
	}
	gpu := webglVendors[mathrand.IntN(len(webglVendors))]
	p := profile{
		Platform:      platform,
		CanvasSeed:    hex.EncodeToString(seed),
		WebGLVendor:   gpu.vendor,
		WebGLRenderer: gpu.renderer,
		AudioNoise:    mathrand.Float64() * 1e-4,
		Timezone:      timezones[mathrand.IntN(len(timezones))],
		HardwareCores: []int{4, 8, 12, 16}[mathrand.IntN(4)],
	}
	blob, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("fingerprint: marshal profile: %w", err)
	}
	return blob, nil
}
