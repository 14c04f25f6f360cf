package network

import (
	"encoding/binary"
	"fmt"
	"math/bits"
	"net"
	"sort"
	"strings"

	"github.com/3th1nk/cidr"
)

// An ipv4 block. Addr is the network address as a plain integer so
// everything below is integer compares and no host enumeration.
type Prefix struct {
	Addr uint32
	Len  int
}

// Prefix literal as handed to us by a feed/user, not validated yet.
type UserPrefix string

type MalformedPrefixError struct {
	Literal string
	Reason  string
}

func (e *MalformedPrefixError) Error() string {
	return fmt.Sprintf("malformed prefix %q: %s", e.Literal, e.Reason)
}

func (p Prefix) String() string {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], p.Addr)
	return fmt.Sprintf("%s/%d", net.IP(b[:]), p.Len)
}

// Number of addresses in the block. uint64 since a /0 doesn't fit.
func (p Prefix) Size() uint64 {
	return uint64(1) << (32 - p.Len)
}

func (p Prefix) First() uint64 {
	return uint64(p.Addr)
}

func (p Prefix) Last() uint64 {
	return p.First() + p.Size() - 1
}

func (p Prefix) Contains(q Prefix) bool {
	return p.First() <= q.First() && q.Last() <= p.Last()
}

// Two equal length blocks are siblings if p is the lower half of a
// block one bit shorter and q is the upper half.
func (p Prefix) Sibling(q Prefix) bool {
	if p.Len != q.Len || p.Len == 0 {
		return false
	}
	return p.First()%(2*p.Size()) == 0 && q.First() == p.First()+p.Size()
}

func (p Prefix) Parent() Prefix {
	if p.Len == 0 {
		return p
	}
	l := p.Len - 1
	return Prefix{Addr: p.Addr &^ uint32(p.Size()), Len: l}
}

func (up UserPrefix) ToPrefix() (Prefix, error) {
	lit := strings.TrimSpace(string(up))
	bad := func(reason string) (Prefix, error) {
		return Prefix{}, &MalformedPrefixError{Literal: string(up), Reason: reason}
	}

	slash := strings.IndexByte(lit, '/')
	if slash < 0 {
		return bad("missing prefix length")
	}
	if strings.Contains(lit, ":") {
		return bad("not an ipv4 prefix")
	}

	c, err := cidr.Parse(lit)
	if err != nil {
		return bad(err.Error())
	}

	start, end := c.IPRange()
	s4, e4 := start.To4(), end.To4()
	if s4 == nil || e4 == nil {
		return bad("not an ipv4 prefix")
	}

	// Whatever is left of the slash has to be the network address
	// itself, 10.0.0.1/24 is a host not a block.
	if addr := net.ParseIP(lit[:slash]).To4(); addr == nil || !addr.Equal(s4) {
		return bad("host bits set")
	}

	first := binary.BigEndian.Uint32(s4)
	last := binary.BigEndian.Uint32(e4)
	size := uint64(last) - uint64(first) + 1

	return Prefix{Addr: first, Len: 32 - bits.TrailingZeros64(size)}, nil
}

func ParsePrefix(s string) (Prefix, error) {
	return UserPrefix(s).ToPrefix()
}

// Parse every literal, first bad one wins and nothing is returned.
func ParsePrefixes(lits []string) ([]Prefix, error) {
	out := make([]Prefix, 0, len(lits))
	for _, l := range lits {
		p, err := ParsePrefix(l)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// Collapse returns the minimal set of disjoint blocks covering
// exactly the same addresses as the input, ascending by address.
//
// Sorted by (addr, len) a block is either inside the block on top of
// the stack or entirely after it, so containment only ever has to be
// checked against the top. Siblings end up next to each other on the
// stack and get folded into their parent until nothing changes.
func Collapse(prefixes []Prefix) []Prefix {
	sorted := make([]Prefix, len(prefixes))
	copy(sorted, prefixes)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Addr != sorted[j].Addr {
			return sorted[i].Addr < sorted[j].Addr
		}
		return sorted[i].Len < sorted[j].Len
	})

	stack := make([]Prefix, 0, len(sorted))
	for _, p := range sorted {
		if n := len(stack); n > 0 && p.First() <= stack[n-1].Last() {
			continue
		}
		stack = append(stack, p)
		for n := len(stack); n >= 2 && stack[n-2].Sibling(stack[n-1]); n = len(stack) {
			parent := stack[n-2].Parent()
			stack = append(stack[:n-2], parent)
		}
	}
	return stack
}

func CollapseStrings(lits []string) ([]Prefix, error) {
	ps, err := ParsePrefixes(lits)
	if err != nil {
		return nil, err
	}
	return Collapse(ps), nil
}

func Strings(ps []Prefix) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.String()
	}
	return out
}
