package scheduler

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ChuLiYu/procsim/internal/process"
)

// Policy orders the ready queue. It is fixed for a session.
type Policy int

const (
	// ShortestRemainingTime serves the least remaining work first.
	ShortestRemainingTime Policy = iota
	// StaticPriority serves the lowest priority value first.
	StaticPriority
)

func (p Policy) String() string {
	switch p {
	case ShortestRemainingTime:
		return "shortest-remaining-time"
	case StaticPriority:
		return "static-priority"
	default:
		return "unknown"
	}
}

// ParsePolicy accepts the canonical names plus the short aliases used in
// configuration files.
func ParsePolicy(name string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "shortest-remaining-time", "srt", "sjf":
		return ShortestRemainingTime, nil
	case "static-priority", "priority":
		return StaticPriority, nil
	default:
		return 0, fmt.Errorf("unknown scheduling policy %q", name)
	}
}

func (p Policy) key(proc *process.Process) int64 {
	if p == StaticPriority {
		return int64(proc.Priority)
	}
	return proc.RemainingTime
}

// sort orders queue in place. Equal keys keep their current relative order.
func (p Policy) sort(queue []*process.Process) {
	sort.SliceStable(queue, func(i, j int) bool {
		return p.key(queue[i]) < p.key(queue[j])
	})
}
