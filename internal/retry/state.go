package retry

// State is the retry bookkeeping of one remote operation. It is passed and
// returned by value so no retry state outlives, or is shared beyond, the
// operation it belongs to.
type State struct {
	// Attempt counts retries already performed (0 before the first retry).
	Attempt int
	// AuthRefreshed is set once the single credential refresh was spent.
	AuthRefreshed bool
	// CredentialGen is the credential generation the operation last used.
	CredentialGen uint64
}

// Next returns the state for the following retry.
func (s State) Next() State {
	s.Attempt++
	return s
}

// WithAuthRefresh returns the state after a credential refresh to generation gen.
func (s State) WithAuthRefresh(gen uint64) State {
	s.AuthRefreshed = true
	s.CredentialGen = gen
	return s
}
