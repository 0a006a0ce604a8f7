package detect

// Reason explains why a repeated statement was not batched. It is reported,
// never raised.
type Reason string

const (
	ReasonNone            Reason = ""
	ReasonNotSelect       Reason = "not-select"
	ReasonLimit           Reason = "limit"
	ReasonGrouping        Reason = "grouping"
	ReasonAggregate       Reason = "aggregate"
	ReasonLocking         Reason = "locking"
	ReasonNoKeyPredicate  Reason = "no-key-predicate"
	ReasonKeyNotProjected Reason = "key-not-projected"
	ReasonNonIntegerKey   Reason = "non-integer-key"
	ReasonManyParams      Reason = "many-params-differ"
	ReasonCallSite        Reason = "call-site"
)
