package batch

// Observer receives run lifecycle events. Implementations must not block:
// events are delivered synchronously from the run's goroutines.
type Observer interface {
	// OnSnapshot is called after every contributing update (item settle,
	// speed sample, status change).
	OnSnapshot(snap Snapshot)
	// OnItemDone is called once per item when it settles. Failed items
	// carry their final error, skipped items their Skipped flag.
	OnItemDone(runID string, result ItemResult)
	// OnRunDone is called exactly once when the run reaches a terminal
	// status.
	OnRunDone(summary Summary)
}

// ObserverFuncs adapts plain functions to the Observer interface. Nil
// functions are skipped, so callers subscribe only to what they need.
type ObserverFuncs struct {
	Snapshot func(Snapshot)
	ItemDone func(string, ItemResult)
	RunDone  func(Summary)
}

// OnSnapshot implements Observer.
func (o ObserverFuncs) OnSnapshot(snap Snapshot) {
	if o.Snapshot != nil {
		o.Snapshot(snap)
	}
}

// OnItemDone implements Observer.
func (o ObserverFuncs) OnItemDone(runID string, result ItemResult) {
	if o.ItemDone != nil {
		o.ItemDone(runID, result)
	}
}

// OnRunDone implements Observer.
func (o ObserverFuncs) OnRunDone(summary Summary) {
	if o.RunDone != nil {
		o.RunDone(summary)
	}
}

type observers []Observer

func (os observers) snapshot(snap Snapshot) {
	for _, o := range os {
		o.OnSnapshot(snap)
	}
}

func (os observers) itemDone(runID string, result ItemResult) {
	for _, o := range os {
		o.OnItemDone(runID, result)
	}
}

func (os observers) runDone(summary Summary) {
	for _, o := range os {
		o.OnRunDone(summary)
	}
}
