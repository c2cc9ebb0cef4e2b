package model

import (
	"fmt"
	"strings"
)

// LifeSpan is the retention class of a cache entry. Each class has its own
// storage budget. The order matters: a longer LifeSpan wins on promotion.
type LifeSpan int

const (
	ShortTerm LifeSpan = iota
	LongTerm
	Eternal
)

// LifeSpans lists every class in ascending order.
var LifeSpans = []LifeSpan{ShortTerm, LongTerm, Eternal}

func (l LifeSpan) String() string {
	switch l {
	case ShortTerm:
		return "shortterm"
	case LongTerm:
		return "longterm"
	case Eternal:
		return "eternal"
	}
	return fmt.Sprintf("lifespan(%d)", int(l))
}

// Valid reports whether l is one of the known classes.
func (l LifeSpan) Valid() bool {
	return l >= ShortTerm && l <= Eternal
}

// Longest returns the longer-lived of l and other.
func (l LifeSpan) Longest(other LifeSpan) LifeSpan {
	if other > l {
		return other
	}
	return l
}

// LifeSpanFromStorage maps the persisted TYPE column back to a LifeSpan.
// Unknown codes fall back to ShortTerm so they get evicted first.
func LifeSpanFromStorage(code int) LifeSpan {
	l := LifeSpan(code)
	if !l.Valid() {
		return ShortTerm
	}
	return l
}

// ToStorage returns the code stored in the TYPE column.
func (l LifeSpan) ToStorage() int {
	return int(l)
}

// ParseLifeSpan parses the names returned by String.
func ParseLifeSpan(s string) (LifeSpan, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "shortterm", "short", "":
		return ShortTerm, nil
	case "longterm", "long":
		return LongTerm, nil
	case "eternal":
		return Eternal, nil
	}
	return ShortTerm, fmt.Errorf("unknown lifespan %q", s)
}
