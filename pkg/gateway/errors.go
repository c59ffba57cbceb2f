package gateway

import "fmt"

// ErrorKind is the closed enumeration of server-reported failure kinds.
// Kinds are decoded once at the gateway boundary; anything the server
// reports that is not recognized maps to ErrorKindUnknown.
type ErrorKind int

const (
	ErrorKindUnknown ErrorKind = iota
	ErrorKindBadOrExpiredNonce
	ErrorKindNotEnoughMoney
	ErrorKindMaxFields
	ErrorKindPlotBusy
	ErrorKindNoFieldAccess
	ErrorKindUnknownSeed
	ErrorKindNoSeeds
	ErrorKindUnknownItem
	ErrorKindNoItems
	ErrorKindCannotSellItem
	ErrorKindNotReady
	ErrorKindNothingToHarvest
	ErrorKindBadIndex
	ErrorKindRateLimited
	ErrorKindUnauthorized
	ErrorKindUserBlocked
	ErrorKindPlayerNotFound
)

var errorKindNames = map[ErrorKind]string{
	ErrorKindUnknown:           "unknown",
	ErrorKindBadOrExpiredNonce: "bad_or_expired_nonce",
	ErrorKindNotEnoughMoney:    "not_enough_money",
	ErrorKindMaxFields:         "max_fields",
	ErrorKindPlotBusy:          "plot_busy",
	ErrorKindNoFieldAccess:     "no_field_access",
	ErrorKindUnknownSeed:       "unknown_seed",
	ErrorKindNoSeeds:           "no_seeds",
	ErrorKindUnknownItem:       "unknown_item",
	ErrorKindNoItems:           "no_items",
	ErrorKindCannotSellItem:    "cannot_sell_item",
	ErrorKindNotReady:          "not_ready",
	ErrorKindNothingToHarvest:  "nothing_to_harvest",
	ErrorKindBadIndex:          "bad_index",
	ErrorKindRateLimited:       "rate_limited",
	ErrorKindUnauthorized:      "unauthorized",
	ErrorKindUserBlocked:       "user_blocked",
	ErrorKindPlayerNotFound:    "player_not_found",
}

var errorKindsByName = func() map[string]ErrorKind {
	byName := make(map[string]ErrorKind, len(errorKindNames))
	for kind, name := range errorKindNames {
		byName[name] = kind
	}
	return byName
}()

func (k ErrorKind) String() string {
	if name, ok := errorKindNames[k]; ok {
		return name
	}
	return "unknown"
}

// ParseErrorKind maps a wire error string to its kind.
func ParseErrorKind(name string) ErrorKind {
	if kind, ok := errorKindsByName[name]; ok {
		return kind
	}
	return ErrorKindUnknown
}

// ActionError is a structured failure reported by the server for an
// action submission. The local state is still accurate when the kind is
// a domain rule; only ErrorKindBadOrExpiredNonce implies a resync.
type ActionError struct {
	Kind ErrorKind
	Raw  string
}

func (e *ActionError) Error() string {
	if e.Raw != "" && e.Kind == ErrorKindUnknown {
		return fmt.Sprintf("action failed: %s", e.Raw)
	}
	return fmt.Sprintf("action failed: %s", e.Kind)
}

// BlockedError is fatal to the current view: the account is blocked and
// the presentation layer must navigate away rather than retry.
type BlockedError struct {
	Reason string
}

func (e *BlockedError) Error() string {
	if e.Reason == "" {
		return "account blocked"
	}
	return fmt.Sprintf("account blocked: %s", e.Reason)
}
