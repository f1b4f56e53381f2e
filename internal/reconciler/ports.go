// ports.go assigns each guard a unique Prometheus port inside the
// configured window.
package reconciler

import (
	"fmt"
	"net"
)

// PortProber reports whether a TCP port can currently be bound. Injected so
// tests can simulate externally-occupied ports.
type PortProber func(port int) bool

// ProbePort is the default prober: try to bind, then release.
func ProbePort(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}

// AssignPorts gives every desired market a distinct free port in
// [base, base+rng]. A market keeps its previous port when that port is still
// inside the window and still free; everyone else gets the first free port
// scanning forward from base. The caller's prober must report ports bound by
// its own running guards as free, or every loop would reassign them.
func AssignPorts(desired []string, prev map[string]int, base, rng int, free PortProber) (map[string]int, error) {
	taken := make(map[int]bool)
	out := make(map[string]int, len(desired))

	// First pass: sticky assignments, so a market never loses its port to a
	// newcomer scanning from base.
	for _, market := range desired {
		p, ok := prev[market]
		if !ok || p < base || p > base+rng || taken[p] || !free(p) {
			continue
		}
		out[market] = p
		taken[p] = true
	}

	for _, market := range desired {
		if _, done := out[market]; done {
			continue
		}
		assigned := false
		for p := base; p <= base+rng; p++ {
			if taken[p] || !free(p) {
				continue
			}
			out[market] = p
			taken[p] = true
			assigned = true
			break
		}
		if !assigned {
			return nil, fmt.Errorf("no free port for %s in [%d, %d]", market, base, base+rng)
		}
	}
	return out, nil
}
