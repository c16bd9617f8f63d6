package emz

// Etale is a named record published by one peer and received by subscribers:
// an ordered list of opaque byte parts plus the emission and receipt
// timestamps. TOut and TIn are -1 before the first receipt. Fields are
// read-only from outside this package; Ehypha is the sole mutator.
type Etale struct {
	Parts  [][]byte
	TOut   int64
	TIn    int64
	paused bool
}

func newEtale() *Etale {
	return &Etale{TOut: -1, TIn: -1}
}

// Paused reports whether incoming updates for this etale are currently
// ignored.
func (e *Etale) Paused() bool { return e.paused }

// receive overwrites Parts, TOut and TIn together; it takes no lock, so
// callers must not read the etale concurrently. It is a no-op if the etale is paused:
// a paused etale keeps its last-received value until explicitly resumed.
func (e *Etale) receive(parts [][]byte, tOut, tIn int64) {
	if e.paused {
		return
	}
	e.Parts = parts
	e.TOut = tOut
	e.TIn = tIn
}
