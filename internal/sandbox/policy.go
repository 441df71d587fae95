package sandbox

import (
	"fmt"
	"os"
	"slices"

	"github.com/docker/go-units"
)

// Policy defines resource limits for sandbox execution.
type Policy struct {
	Image     string // Default image when a profile names none
	Images    []string
	User      string // uid:gid inside the container; empty picks one
	Memory    int64  // bytes, 0 means no limit
	NanoCPUs  int64
	PidsLimit int64
	Network   bool // Whether network access is allowed

	MaxOutputBytes int
}

const defaultMaxOutputBytes = 1 << 20

// DefaultPolicy returns safe defaults for code execution.
func DefaultPolicy() Policy {
	return Policy{
		Image:          "sandbox-runner",
		Memory:         256 * units.MiB,
		NanoCPUs:       1e9,
		PidsLimit:      128,
		Network:        false,
		MaxOutputBytes: defaultMaxOutputBytes,
	}
}

// ParseMemory converts a human size such as "256m" into bytes.
func ParseMemory(s string) (int64, error) {
	if s == "" || s == "0" {
		return 0, nil
	}
	n, err := units.RAMInBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid memory limit %q: %w", s, err)
	}
	return n, nil
}

// ImageFor returns the image a profile runs in.
func (p Policy) ImageFor(profile Profile) string {
	if profile.Image != "" {
		return profile.Image
	}
	return p.Image
}

// IsImageAllowed checks if an image may be used. The default image is always
// allowed; an empty allowlist permits only the default.
func (p Policy) IsImageAllowed(image string) bool {
	return image == p.Image || slices.Contains(p.Images, image)
}

// containerUser picks a non-root identity. The host identity is preferred so
// files left in the workspace stay removable; root maps to nobody.
func (p Policy) containerUser() string {
	if p.User != "" {
		return p.User
	}
	uid, gid := os.Getuid(), os.Getgid()
	if uid <= 0 {
		return "65534:65534"
	}
	return fmt.Sprintf("%d:%d", uid, gid)
}

func (p Policy) outputLimit() int {
	if p.MaxOutputBytes <= 0 {
		return defaultMaxOutputBytes
	}
	return p.MaxOutputBytes
}
