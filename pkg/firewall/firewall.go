package firewall

import (
	"bufio"
	"io"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	compute "google.golang.org/api/compute/v1"

	"gcetools/pkg/network"
)

// Most source/destination ranges gce takes on a single rule.
const MaxRanges = 256

const (
	Ingress = "INGRESS"
	Egress  = "EGRESS"

	// Every protocol, the api takes the literal string.
	AllProtocols = "all"
)

// Rule parameters as they come out of config.
type Rule struct {
	Name     string
	Network  string
	Priority int64
}

// Ingress rule letting everything in from anywhere.
func AllowAllIngress(r Rule) *compute.Firewall {
	return &compute.Firewall{
		Name:         r.Name,
		Network:      r.Network,
		Direction:    Ingress,
		Priority:     r.Priority,
		SourceRanges: []string{"0.0.0.0/0"},
		Allowed:      []*compute.FirewallAllowed{{IPProtocol: AllProtocols}},
	}
}

// Egress rule dropping all traffic to the given destination ranges.
func DenyEgress(r Rule, ranges []string) (*compute.Firewall, error) {
	if len(ranges) == 0 {
		return nil, errors.Newf("deny rule %s has no destination ranges", r.Name)
	}
	if len(ranges) > MaxRanges {
		return nil, errors.Newf("deny rule %s has %d ranges, at most %d allowed", r.Name, len(ranges), MaxRanges)
	}
	return &compute.Firewall{
		Name:              r.Name,
		Network:           r.Network,
		Direction:         Egress,
		Priority:          r.Priority,
		DestinationRanges: ranges,
		Denied:            []*compute.FirewallDenied{{IPProtocol: AllProtocols}},
	}, nil
}

// ReadIPList takes the first whitespace separated field of every line,
// anything after it is treated as a comment. Blank lines and lines
// starting with # are skipped.
func ReadIPList(r io.Reader) ([]string, error) {
	var out []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
			continue
		}
		out = append(out, fields[0])
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, "reading ip list")
	}
	return out, nil
}

func LoadIPList(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadIPList(f)
}

// Cap truncates ranges to max entries, the bool says if anything got
// dropped.
func Cap(ranges []string, max int) ([]string, bool) {
	if max <= 0 || len(ranges) <= max {
		return ranges, false
	}
	return ranges[:max], true
}

// Collapse merges the list down to the minimal set of covering blocks,
// bare addresses count as /32s. Handy for getting a long list under
// the per rule limit without dropping anything.
func Collapse(ranges []string) ([]string, error) {
	lits := make([]string, len(ranges))
	for i, r := range ranges {
		if !strings.Contains(r, "/") {
			r += "/32"
		}
		lits[i] = r
	}
	merged, err := network.CollapseStrings(lits)
	if err != nil {
		return nil, err
	}
	return network.Strings(merged), nil
}
