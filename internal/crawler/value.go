package crawler

import "fmt"

// Token terminates processing of the current seed without producing children.
type Token int

// Control tokens a fetch routine may yield.
const (
	// TokenPolling re-queues the seed unchanged; it is not a failure.
	TokenPolling Token = iota + 1
	// TokenSuccess acknowledges the seed.
	TokenSuccess
	// TokenFailure acknowledges the seed as failed.
	TokenFailure
)

func (t Token) String() string {
	switch t {
	case TokenPolling:
		return "polling"
	case TokenSuccess:
		return "success"
	case TokenFailure:
		return "failure"
	default:
		return fmt.Sprintf("token(%d)", int(t))
	}
}

// ValueKind tags which member of Value is populated.
type ValueKind int

// Value kinds. KindUnknown is the zero value and marks a malformed yield.
const (
	KindUnknown ValueKind = iota
	KindSeed
	KindItem
	KindToken
)

// Value is what a fetch routine yields: a child seed, a sink item, or a token.
type Value struct {
	Kind  ValueKind
	Seed  *Seed
	Item  *SinkItem
	Token Token
}

// SeedValue wraps a discovered child seed.
func SeedValue(s *Seed) Value {
	return Value{Kind: KindSeed, Seed: s}
}

// ItemValue wraps extracted data for a sink.
func ItemValue(item SinkItem) Value {
	return Value{Kind: KindItem, Item: &item}
}

// TokenValue wraps a control token.
func TokenValue(t Token) Value {
	return Value{Kind: KindToken, Token: t}
}

// Valid reports whether v carries the member its Kind names.
func (v Value) Valid() bool {
	switch v.Kind {
	case KindSeed:
		return v.Seed != nil
	case KindItem:
		return v.Item != nil && v.Item.Sink != ""
	case KindToken:
		return v.Token >= TokenPolling && v.Token <= TokenFailure
	default:
		return false
	}
}
