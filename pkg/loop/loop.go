package loop

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sashagrib/minifarm/pkg/crops"
	"github.com/sashagrib/minifarm/pkg/farm"
	"github.com/sashagrib/minifarm/pkg/state"
)

// DefaultTickInterval keeps countdowns smooth to the eye. The interval is
// not a correctness requirement: every tick recomputes from absolute times.
const DefaultTickInterval = 300 * time.Millisecond

// PlotState is the presentation-level state of one plot.
type PlotState int

const (
	PlotStateEmpty PlotState = iota
	PlotStateGrowing
	PlotStateReady
)

func (s PlotState) String() string {
	switch s {
	case PlotStateEmpty:
		return "empty"
	case PlotStateGrowing:
		return "growing"
	case PlotStateReady:
		return "ready"
	}
	return "unknown"
}

// PlotView is the derived, render-ready view of one plot. Countdown is
// empty when the plot is not counting down (empty, ready, or the crop's
// timing is indeterminate).
type PlotView struct {
	Index     int
	State     PlotState
	CropKey   string
	Stage     string
	Countdown string
}

// Renderer consumes view changes. UpdatePlot is called only when a plot's
// view differs from the last one rendered; PlotReady fires exactly once
// per growth cycle when the countdown crosses zero.
type Renderer interface {
	UpdatePlot(view PlotView)
	PlotReady(index int)
}

// Reconciler recomputes every displayed countdown from the Store snapshot
// and the server-aligned clock on a fixed tick, independent of network
// activity.
type Reconciler struct {
	store      *state.Store
	calculator *crops.Calculator
	renderer   Renderer
	clock      clockwork.Clock
	interval   time.Duration
	// fired maps plot index to the planted timestamp of the growth cycle
	// whose ready transition has already fired. An entry is invalidated by
	// a new planted timestamp (replant) or by the crop disappearing.
	fired map[int]farm.Timestamp
	last  map[int]PlotView
}

type NewReconcilerOptions struct {
	Store      *state.Store
	Calculator *crops.Calculator
	Renderer   Renderer
	Clock      clockwork.Clock
	Interval   time.Duration
}

func NewReconciler(opts NewReconcilerOptions) *Reconciler {
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	c := opts.Clock
	if c == nil {
		c = clockwork.NewRealClock()
	}
	return &Reconciler{
		store:      opts.Store,
		calculator: opts.Calculator,
		renderer:   opts.Renderer,
		clock:      c,
		interval:   interval,
		fired:      make(map[int]farm.Timestamp),
		last:       make(map[int]PlotView),
	}
}

// Run ticks until the context is canceled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			r.tick()
		}
	}
}

func (r *Reconciler) tick() {
	snapshot := r.store.Snapshot()
	if snapshot == nil {
		return
	}

	owned := snapshot.FieldsOwned
	if owned > farm.MaxFields {
		owned = farm.MaxFields
	}

	seen := make(map[int]bool, owned)
	for index := 0; index < owned; index++ {
		seen[index] = true
		plot, _ := snapshot.Plot(index)
		plot.Index = index
		view, ready := r.computeView(plot)

		if plot.Empty() {
			delete(r.fired, index)
		}
		if ready {
			planted := plot.PlantedAt()
			if r.fired[index] != planted {
				r.fired[index] = planted
				r.renderer.PlotReady(index)
			}
		}

		if r.last[index] != view {
			r.last[index] = view
			r.renderer.UpdatePlot(view)
		}
	}

	// Plots outside the owned range are no longer displayed.
	for index := range r.last {
		if !seen[index] {
			delete(r.last, index)
			delete(r.fired, index)
		}
	}
}

// computeView is a pure function of (plot, aligned now). ready reports a
// determinate zero remaining, the trigger for the one-time transition.
func (r *Reconciler) computeView(plot farm.Plot) (PlotView, bool) {
	view := PlotView{Index: plot.Index, State: PlotStateEmpty}
	if plot.Empty() {
		return view, false
	}

	view.CropKey = plot.CropKey
	view.State = PlotStateGrowing

	remaining, ok := r.calculator.Remaining(plot)
	if !ok {
		// Unknown crop or unparseable planted time: the plot renders as
		// growing but non-countable, with the server's stage label if any.
		view.Stage = plot.Stage
		return view, false
	}

	if stage, ok := r.calculator.Stage(plot); ok {
		view.Stage = stage
	}

	if remaining <= 0 {
		view.State = PlotStateReady
		return view, true
	}

	view.Countdown = crops.FormatRemaining(remaining)
	return view, false
}
