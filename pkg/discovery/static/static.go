package static

import (
	"strings"

	"github.com/amirimatin/go-replset/pkg/conn"
	"github.com/amirimatin/go-replset/pkg/discovery"
)

type staticSeeds struct {
	seeds []string
}

func (s *staticSeeds) Seeds() []string { return append([]string(nil), s.seeds...) }

// New returns a Discovery that always returns the given seeds.
func New(seeds ...string) discovery.Discovery {
	cleaned := make([]string, 0, len(seeds))
	for _, v := range seeds {
		v = strings.TrimSpace(v)
		if v != "" {
			cleaned = append(cleaned, v)
		}
	}
	return &staticSeeds{seeds: cleaned}
}

// Parse converts a comma-separated list into []string seeds.
func Parse(csv string) []string {
	if csv == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ParseAddrs converts a comma-separated "host:port" list into addresses.
// Malformed entries fail the whole parse rather than being dropped, so a
// typo in a seed list is caught at startup.
func ParseAddrs(csv string) ([]conn.Addr, error) {
	seeds := Parse(csv)
	out := make([]conn.Addr, 0, len(seeds))
	for _, s := range seeds {
		a, err := conn.ParseAddr(s)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}
