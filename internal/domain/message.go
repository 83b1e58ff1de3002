package domain

import "time"

// Principal is the opaque, stable identifier of an authenticated chat
// participant. It is supplied at handshake time by the identity provider
// and never changes for the lifetime of a connection.
type Principal string

// Message is a single chat message exchanged between exactly two principals.
type Message struct {
	ID        string    `json:"id"`
	From      Principal `json:"from"`
	To        Principal `json:"to"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

// Pair returns the unordered pair key for the two participants of m.
// Messages A->B and B->A share the same pair key.
func (m Message) Pair() PairKey {
	return NewPairKey(m.From, m.To)
}

// PairKey identifies the unordered pair of principals a message belongs to.
type PairKey struct {
	A, B Principal
}

// NewPairKey builds a canonical pair key: the lexicographically smaller
// principal always comes first, so {a,b} and {b,a} compare equal.
func NewPairKey(a, b Principal) PairKey {
	if b < a {
		a, b = b, a
	}
	return PairKey{A: a, B: b}
}

// HistoryEntry is a message annotated with the caller's perspective. Self is
// true when the authenticated caller was the sender.
type HistoryEntry struct {
	Message
	Self bool `json:"self"`
}
