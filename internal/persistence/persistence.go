package persistence

// Store bundles the two store interfaces so the engine
// can depend on a single abstraction.
type Store interface {
	InstanceStore
	HistoryStore
}
