package audit

import "time"

// WithNow overrides the clock stamping audit rows.
func WithNow(now func() time.Time) Options {
	return func(o *options) {
		o.now = now
	}
}
