package broadcast

type options struct {
	forwardDuplicates bool
}

type forwardDuplicatesOption bool

func (o forwardDuplicatesOption) apply(opts *options) {
	opts.forwardDuplicates = bool(o)
}

// WithForwardDuplicates sets whether a value that was already recorded is
// forwarded again. Defaults to true.
//
// Forwarding duplicates makes a cycle of nodes forward a value to one another
// indefinitely, so should only be enabled when the fanout has no cycles.
func WithForwardDuplicates(enabled bool) Option {
	return forwardDuplicatesOption(enabled)
}

type Option interface {
	apply(*options)
}
