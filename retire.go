package hotswap

// retirement keeps a superseded module mapped until every token that was
// handed out from it has been released by its callers.
type retirement struct {
	handle *moduleHandle
	tokens []*Token
}

func newRetirement(h *moduleHandle) *retirement {
	return &retirement{handle: h}
}

// file takes over the table's ownership of a superseded token.
func (r *retirement) file(tok *Token) {
	r.tokens = append(r.tokens, tok)
}

// eligible reports whether the record is the only owner of all its tokens.
//
// A caller can only gain ownership of a token by cloning it out of the table
// or out of a token it already owns, so once a count is observed at 1 it
// stays there. Counts read as higher only delay retirement.
func (r *retirement) eligible() bool {
	for _, tok := range r.tokens {
		if !tok.soleOwner() {
			return false
		}
	}
	return true
}

// retire releases the module and drops the tokens. It panics with a
// *RetirementViolation if any token is still owned elsewhere.
func (r *retirement) retire() error {
	for _, tok := range r.tokens {
		if n := tok.Owners(); n != 1 {
			panic(&RetirementViolation{
				Generation: r.handle.gen,
				Name:       tok.name,
				Owners:     n,
			})
		}
	}

	for _, tok := range r.tokens {
		tok.Release()
	}
	r.tokens = nil
	return r.handle.release()
}

// retirementQueue holds records oldest first. It is only touched by the
// supervisor goroutine.
type retirementQueue struct {
	records []*retirement
}

func (q *retirementQueue) push(r *retirement) {
	q.records = append(q.records, r)
}

func (q *retirementQueue) len() int { return len(q.records) }

// sweep retires every eligible record and removes it from the queue
// regardless of release errors. done is called for each retired record.
func (q *retirementQueue) sweep(done func(r *retirement, err error)) int {
	kept := q.records[:0]
	retired := 0
	for _, r := range q.records {
		if !r.eligible() {
			kept = append(kept, r)
			continue
		}
		err := r.retire()
		retired++
		if done != nil {
			done(r, err)
		}
	}
	clear(q.records[len(kept):])
	q.records = kept
	return retired
}
