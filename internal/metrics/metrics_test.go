package metrics

import "testing"

func TestRegisterIsIdempotent(t *testing.T) {
	// MustRegister panics on duplicates; once.Do must prevent that.
	Register()
	Register()

	IncQueued()
	IncReplay("success")
	IncReplay("dropped")
	IncDrain()
	SetPending(3)
	IncCacheLookup("hit")
}
