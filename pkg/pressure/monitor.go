// The pressure monitor shrinks the thumbnail cache when the host is short on memory.
// Moderate pressure keeps a configurable fraction of the nominal budget and evicts down to it. Critical pressure
// keeps only the pinned (visible) thumbnails, or nothing at all if pinning is disabled. The nominal budget is
// restored on a normal signal, or once no signal was received for the recovery interval.

package pressure

import (
	"flag"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nobletooth/folio/pkg/cache"
	"github.com/nobletooth/folio/pkg/utils"
)

var (
	moderateBudgetRatio = flag.Float64("pressure_moderate_budget_ratio", 0.5,
		"Fraction of the nominal cache budget kept under moderate memory pressure.")
	recoveryInterval = flag.Duration("pressure_recovery_interval", 30*time.Second,
		"Time without a pressure signal after which the nominal cache budget is restored; 0 waits for a normal signal.")
)

// Level is a memory pressure level.
type Level int

const (
	LevelNormal Level = iota
	LevelModerate
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelNormal:
		return "normal"
	case LevelModerate:
		return "moderate"
	case LevelCritical:
		return "critical"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// ParseLevel parses the textual form of a pressure level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "normal":
		return LevelNormal, nil
	case "moderate":
		return LevelModerate, nil
	case "critical":
		return LevelCritical, nil
	default:
		return LevelNormal, fmt.Errorf("unknown pressure level %q", s)
	}
}

// Options configures a Monitor.
type Options struct {
	ModerateBudgetRatio float64       // In (0, 1].
	RecoveryInterval    time.Duration // Zero disables time based recovery.
}

// OptionsFromFlags builds Options from the command line flags.
func OptionsFromFlags() Options {
	return Options{ModerateBudgetRatio: *moderateBudgetRatio, RecoveryInterval: *recoveryInterval}
}

// Monitor applies memory pressure signals to a cache layer.
type Monitor struct {
	store cache.Layer
	opts  Options

	mux      sync.Mutex
	level    Level
	recovery *time.Timer
	signals  uint64 // Bumped on every signal; a recovery timer only fires for the signal that armed it.
}

// NewMonitor creates a Monitor acting on `store`.
func NewMonitor(store cache.Layer, opts Options) *Monitor {
	if opts.ModerateBudgetRatio <= 0 || opts.ModerateBudgetRatio > 1 {
		utils.RaiseInvariant("pressure", "invalid_moderate_budget_ratio",
			"Moderate budget ratio must be in (0, 1].", "ratio", opts.ModerateBudgetRatio)
		opts.ModerateBudgetRatio = 0.5
	}
	pressureLevel.Set(float64(LevelNormal))
	return &Monitor{store: store, opts: opts}
}

// OnPressureSignal shrinks or restores the cache budget according to `level`.
func (m *Monitor) OnPressureSignal(level Level) {
	m.mux.Lock()
	defer m.mux.Unlock()

	pressureSignals.WithLabelValues(level.String()).Inc()
	m.signals++
	if m.recovery != nil {
		m.recovery.Stop()
		m.recovery = nil
	}

	switch level {
	case LevelNormal:
		m.recoverLocked("signal")
		return
	case LevelModerate:
		budget := int64(float64(m.store.Stats().NominalBudget) * m.opts.ModerateBudgetRatio)
		m.store.SetBudget(budget)
		evicted := m.store.EvictToBudget()
		slog.Info("Moderate memory pressure, shrunk the thumbnail cache.", "budget", budget, "evicted", evicted)
	case LevelCritical:
		// Only the pinned thumbnails survive; PinnedBytes is 0 when pinning is disabled.
		budget := m.store.PinnedBytes()
		m.store.SetBudget(budget)
		evicted := m.store.EvictUnpinned() + m.store.EvictToBudget()
		slog.Warn("Critical memory pressure, dropped unpinned thumbnails.", "budget", budget, "evicted", evicted)
	default:
		utils.RaiseInvariant("pressure", "unknown_pressure_level", "Unknown memory pressure level.",
			"level", int(level))
		return
	}
	m.level = level
	pressureLevel.Set(float64(level))

	if m.opts.RecoveryInterval > 0 {
		armedBy := m.signals
		m.recovery = time.AfterFunc(m.opts.RecoveryInterval, func() {
			m.mux.Lock()
			defer m.mux.Unlock()
			if m.signals == armedBy {
				m.recoverLocked("timer")
			}
		})
	}
}

// Level returns the level of the last applied signal.
func (m *Monitor) Level() Level {
	m.mux.Lock()
	defer m.mux.Unlock()
	return m.level
}

// Stop disarms the recovery timer.
func (m *Monitor) Stop() {
	m.mux.Lock()
	defer m.mux.Unlock()
	m.signals++
	if m.recovery != nil {
		m.recovery.Stop()
		m.recovery = nil
	}
}

func (m *Monitor) recoverLocked(reason string) {
	m.recovery = nil
	if m.level == LevelNormal {
		return
	}
	m.store.ResetBudget()
	slog.Info("Memory pressure subsided, restored the thumbnail cache budget.", "from", m.level.String(),
		"reason", reason)
	m.level = LevelNormal
	pressureLevel.Set(float64(LevelNormal))
}
