package scanning

import (
	"fmt"
	"math/rand/v2"
	"slices"
	"strconv"
	"strings"

	"github.com/anstrom/portsweep/internal/errors"
)

const (
	MinPort = 1
	MaxPort = 65535

	expectedPortRangeParts = 2
)

// portPresets are named port sets accepted by ParsePortSpec.
var portPresets = map[string]string{
	"all": "1-65535",
	"web": "80,443,3000,5000,8000,8008,8080,8443,8888,9000",
	"top": "21,22,23,25,53,80,110,111,135,139,143,443,445,465,587,993,995," +
		"1433,1521,1723,2049,3306,3389,5432,5900,6379,8080,8443,9200,27017",
}

// PortRange is an ascending set of unique ports in [1, 65535].
type PortRange []uint16

// NewPortRange validates, deduplicates and sorts ports.
func NewPortRange(ports ...int) (PortRange, error) {
	seen := make(map[int]struct{}, len(ports))
	out := make(PortRange, 0, len(ports))
	for _, p := range ports {
		if p < MinPort || p > MaxPort {
			return nil, errors.NewScanError(errors.CodeValidation,
				fmt.Sprintf("invalid port: %d (must be %d-%d)", p, MinPort, MaxPort))
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, uint16(p))
	}
	slices.Sort(out)
	return out, nil
}

// MustPortRange is NewPortRange for constant input; it panics on error.
func MustPortRange(ports ...int) PortRange {
	r, err := NewPortRange(ports...)
	if err != nil {
		panic(err)
	}
	return r
}

// FullRange returns every port from 1 to 65535.
func FullRange() PortRange {
	r := make(PortRange, 0, MaxPort)
	for p := MinPort; p <= MaxPort; p++ {
		r = append(r, uint16(p))
	}
	return r
}

// ParsePortSpec parses specs such as "22,80,8000-8100" or a preset name
// ("top", "web", "all"). Entries may be mixed: "web,22".
func ParsePortSpec(spec string) (PortRange, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, errors.NewScanError(errors.CodeValidation, "no ports specified")
	}

	var ports []int
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if preset, ok := portPresets[strings.ToLower(part)]; ok {
			r, err := ParsePortSpec(preset)
			if err != nil {
				return nil, err
			}
			for _, p := range r {
				ports = append(ports, int(p))
			}
			continue
		}
		parsed, err := parsePortPart(part)
		if err != nil {
			return nil, err
		}
		ports = append(ports, parsed...)
	}
	if len(ports) == 0 {
		return nil, errors.NewScanError(errors.CodeValidation, "no ports specified")
	}
	return NewPortRange(ports...)
}

func parsePortPart(part string) ([]int, error) {
	if !strings.Contains(part, "-") {
		p, err := strconv.Atoi(part)
		if err != nil {
			return nil, errors.NewScanError(errors.CodeValidation, fmt.Sprintf("invalid port: %s", part))
		}
		return []int{p}, nil
	}

	bounds := strings.Split(part, "-")
	if len(bounds) != expectedPortRangeParts {
		return nil, errors.NewScanError(errors.CodeValidation, fmt.Sprintf("invalid port range format: %s", part))
	}
	start, err := strconv.Atoi(strings.TrimSpace(bounds[0]))
	if err != nil {
		return nil, errors.NewScanError(errors.CodeValidation, fmt.Sprintf("invalid start port: %s", bounds[0]))
	}
	end, err := strconv.Atoi(strings.TrimSpace(bounds[1]))
	if err != nil {
		return nil, errors.NewScanError(errors.CodeValidation, fmt.Sprintf("invalid end port: %s", bounds[1]))
	}
	if start < MinPort || end > MaxPort {
		return nil, errors.NewScanError(errors.CodeValidation,
			fmt.Sprintf("invalid port range: %s (must be %d-%d)", part, MinPort, MaxPort))
	}
	if start > end {
		return nil, errors.NewScanError(errors.CodeValidation,
			fmt.Sprintf("invalid port range: %s (start after end)", part))
	}

	out := make([]int, 0, end-start+1)
	for p := start; p <= end; p++ {
		out = append(out, p)
	}
	return out, nil
}

// Len returns the number of ports.
func (r PortRange) Len() int {
	return len(r)
}

// Validate checks that r is strictly ascending with no port 0. Ranges built
// by NewPortRange or ParsePortSpec always pass.
func (r PortRange) Validate() *errors.ScanError {
	for i, p := range r {
		if p < MinPort {
			return errors.NewScanError(errors.CodeValidation,
				fmt.Sprintf("invalid port: %d (must be %d-%d)", p, MinPort, MaxPort))
		}
		if i > 0 && p <= r[i-1] {
			return errors.NewScanError(errors.CodeValidation,
				fmt.Sprintf("ports must be unique and ascending: %d follows %d", p, r[i-1]))
		}
	}
	return nil
}

// Contains reports whether port is in the range.
func (r PortRange) Contains(port uint16) bool {
	_, found := slices.BinarySearch(r, port)
	return found
}

// String renders the range compactly, e.g. "22,80-82,443".
func (r PortRange) String() string {
	var b strings.Builder
	for i := 0; i < len(r); {
		j := i
		for j+1 < len(r) && r[j+1] == r[j]+1 {
			j++
		}
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		if i == j {
			b.WriteString(strconv.Itoa(int(r[i])))
		} else {
			fmt.Fprintf(&b, "%d-%d", r[i], r[j])
		}
		i = j + 1
	}
	return b.String()
}

// PortSequence yields every port of a range exactly once. It is consumed
// by Next and cannot be restarted. A PortSequence is not safe for
// concurrent use.
type PortSequence struct {
	ports []uint16
	pos   int
	rng   *rand.Rand
	seed  int64
	order Order
}

// Generate returns a sequence over r. Shuffled order performs the
// Fisher-Yates swap lazily, one position per Next call, so the cost of
// shuffling is paid only for ports actually dispatched. A zero seed picks
// a random one.
func Generate(r PortRange, order Order, seed int64) *PortSequence {
	seq := &PortSequence{
		ports: slices.Clone(r),
		order: order,
	}
	if order == OrderShuffled {
		for seed == 0 {
			seed = rand.Int64()
		}
		seq.seed = seed
		seq.rng = rand.New(rand.NewPCG(uint64(seed), uint64(seed)>>1|1))
	}
	return seq
}

// Next returns the next port, or false once the range is exhausted.
func (s *PortSequence) Next() (uint16, bool) {
	if s.pos >= len(s.ports) {
		return 0, false
	}
	if s.rng != nil {
		j := s.pos + s.rng.IntN(len(s.ports)-s.pos)
		s.ports[s.pos], s.ports[j] = s.ports[j], s.ports[s.pos]
	}
	p := s.ports[s.pos]
	s.pos++
	return p, true
}

// Remaining returns how many ports have not been yielded yet.
func (s *PortSequence) Remaining() int {
	return len(s.ports) - s.pos
}

// Len returns the total size of the sequence.
func (s *PortSequence) Len() int {
	return len(s.ports)
}

// Seed returns the shuffle seed, or zero for sequential order.
func (s *PortSequence) Seed() int64 {
	return s.seed
}

// Order returns the dispatch order.
func (s *PortSequence) Order() Order {
	return s.order
}
