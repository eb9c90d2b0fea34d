package mfa

import "time"

// nowUTC is swapped out by tests that need a fixed verification instant.
var nowUTC = func() time.Time {
	return time.Now().UTC()
}
