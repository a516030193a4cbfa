// Package generator produces random process parameters for the simulation
// loop. All randomness comes from an injected *rand.Rand so a seed fully
// determines a run.
package generator

import (
	"fmt"
	"math/rand"
	"sync"
)

// Names is the pool of display names handed out before synthetic names.
var Names = []string{
	// browsers
	"Chrome", "Firefox", "Edge", "Safari", "Opera",
	// editors
	"VSCode", "PyCharm", "Eclipse", "IntelliJ", "Sublime",
	// communication
	"Discord", "Slack", "Teams", "Zoom", "Skype",
	// media
	"Spotify", "VLC", "iTunes", "Photoshop", "Premiere",
	// office
	"Word", "Excel", "PowerPoint", "Outlook", "OneNote",
	// development
	"Docker", "Git", "Node", "Python", "Java",
	// databases
	"MySQL", "PostgreSQL", "MongoDB", "Redis", "SQLite",
	// utilities
	"FileExplorer", "Terminal", "Calculator", "Notepad", "Paint",
	// games
	"Steam", "Epic", "Minecraft", "League", "Valorant",
	// system
	"Antivirus", "Backup", "Update", "Monitor", "TaskManager",
}

// Config bounds generated values. Validated by internal/config.
type Config struct {
	MinBurst  int64
	MaxBurst  int64
	MinMemory int
	MaxMemory int
}

// Stats describes the name pool and ranges.
type Stats struct {
	NamesTotal     int
	NamesUsed      int
	NamesAvailable int
	SyntheticNames int
	BurstRange     [2]int64
	MemoryRange    [2]int
}

// Generator hands out names and random parameters.
type Generator struct {
	mu        sync.Mutex
	cfg       Config
	rng       *rand.Rand
	pool      map[string]bool
	used      map[string]bool
	synthetic int
}

// New creates a generator drawing from rng.
func New(cfg Config, rng *rand.Rand) *Generator {
	pool := make(map[string]bool, len(Names))
	for _, n := range Names {
		pool[n] = true
	}
	return &Generator{
		cfg:  cfg,
		rng:  rng,
		pool: pool,
		used: make(map[string]bool),
	}
}

// NextName returns a name not currently in use. When the pool is exhausted
// it falls back to ProcessNNNN, skipping names still in use.
func (g *Generator) NextName() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	available := make([]string, 0, len(Names))
	for _, n := range Names {
		if !g.used[n] {
			available = append(available, n)
		}
	}
	if len(available) > 0 {
		name := available[g.rng.Intn(len(available))]
		g.used[name] = true
		return name
	}

	for {
		g.synthetic++
		name := fmt.Sprintf("Process%04d", g.synthetic)
		if !g.used[name] {
			g.used[name] = true
			return name
		}
	}
}

// Reserve marks name as in use, for names chosen outside the generator.
func (g *Generator) Reserve(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.used[name] = true
}

// InUse reports whether name is currently handed out.
func (g *Generator) InUse(name string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.used[name]
}

// ReleaseName returns name to the pool. Unknown names are ignored.
func (g *Generator) ReleaseName(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.used, name)
}

// NextBurstTime draws from the lower half of the range 70% of the time and
// from the upper half otherwise.
func (g *Generator) NextBurstTime() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	lo, hi := g.cfg.MinBurst, g.cfg.MaxBurst
	mid := (lo + hi) / 2
	if g.rng.Float64() < 0.7 {
		return lo + g.rng.Int63n(mid-lo+1)
	}
	return mid + g.rng.Int63n(hi-mid+1)
}

// NextPriority draws from N(5, 2), truncated and clamped to [1, 10].
func (g *Generator) NextPriority() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	p := int(g.rng.NormFloat64()*2 + 5)
	return max(1, min(10, p))
}

// NextMemoryRequirement uses the same 70/30 split as NextBurstTime.
func (g *Generator) NextMemoryRequirement() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	lo, hi := g.cfg.MinMemory, g.cfg.MaxMemory
	mid := (lo + hi) / 2
	if g.rng.Float64() < 0.7 {
		return lo + g.rng.Intn(mid-lo+1)
	}
	return mid + g.rng.Intn(hi-mid+1)
}

// Reset returns every name to the pool.
func (g *Generator) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.used = make(map[string]bool)
	g.synthetic = 0
}

// Stats summarises the pool.
func (g *Generator) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	usedFromPool := 0
	for n := range g.used {
		if g.pool[n] {
			usedFromPool++
		}
	}
	return Stats{
		NamesTotal:     len(Names),
		NamesUsed:      usedFromPool,
		NamesAvailable: len(Names) - usedFromPool,
		SyntheticNames: len(g.used) - usedFromPool,
		BurstRange:     [2]int64{g.cfg.MinBurst, g.cfg.MaxBurst},
		MemoryRange:    [2]int{g.cfg.MinMemory, g.cfg.MaxMemory},
	}
}
