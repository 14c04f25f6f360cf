// Package ranges reads the provider's published ip range feed
// (cloud.json) and narrows it down to the regions asked for.
package ranges

import (
	"encoding/json"
	"io"
	"os"
	"sort"

	"github.com/cockroachdb/errors"

	"gcetools/pkg/network"
)

const DefaultFeedURL = "https://www.gstatic.com/ipranges/cloud.json"

type Feed struct {
	SyncToken    string  `json:"syncToken"`
	CreationTime string  `json:"creationTime"`
	Prefixes     []Entry `json:"prefixes"`
}

// One published range. Exactly one of the two prefix fields is set.
type Entry struct {
	IPv4Prefix string `json:"ipv4Prefix,omitempty"`
	IPv6Prefix string `json:"ipv6Prefix,omitempty"`
	Service    string `json:"service"`
	Scope      string `json:"scope"`
}

func Decode(r io.Reader) (*Feed, error) {
	var f Feed
	if err := json.NewDecoder(r).Decode(&f); err != nil {
		return nil, errors.Wrap(err, "decoding range feed")
	}
	return &f, nil
}

func Load(path string) (*Feed, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()
	return Decode(fh)
}

// IPv4 prefixes whose scope is one of scopes, in feed order.
func (f Feed) IPv4(scopes []string) []string {
	want := make(map[string]bool, len(scopes))
	for _, s := range scopes {
		want[s] = true
	}

	var out []string
	for _, e := range f.Prefixes {
		if e.IPv4Prefix == "" || !want[e.Scope] {
			continue
		}
		out = append(out, e.IPv4Prefix)
	}
	return out
}

// Every scope mentioned in the feed, sorted.
func (f Feed) Scopes() []string {
	seen := map[string]bool{}
	var out []string
	for _, e := range f.Prefixes {
		if e.Scope == "" || seen[e.Scope] {
			continue
		}
		seen[e.Scope] = true
		out = append(out, e.Scope)
	}
	sort.Strings(out)
	return out
}

// Filter then collapse. Returns the raw count too since that's what
// gets reported alongside the merged result.
func (f Feed) Merged(scopes []string) ([]network.Prefix, int, error) {
	raw := f.IPv4(scopes)
	merged, err := network.CollapseStrings(raw)
	if err != nil {
		return nil, len(raw), err
	}
	return merged, len(raw), nil
}
