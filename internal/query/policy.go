package query

import "time"

// Policy bounds how long a read's cached data is served.
type Policy struct {
	// Stale is the age below which cached data is returned without a refetch.
	Stale time.Duration

	// Lifetime is the age beyond which cached data is never returned.
	Lifetime time.Duration

	// Poll is the refresh interval while the read is watched. Zero disables
	// polling.
	Poll time.Duration
}

// RetryPolicy bounds refetch attempts. The delay before attempt n+1 is
// min(Base*2^n, Max).
type RetryPolicy struct {
	Attempts int
	Base     time.Duration
	Max      time.Duration
}

// Config holds the policy of every read.
type Config struct {
	Balance      Policy
	ChainStats   Policy
	Transactions Policy
	Retry        RetryPolicy

	// TransactionsLimit is the page size polled for the latest transactions.
	TransactionsLimit int
}

// DefaultConfig returns the read policies of the explorer UI.
func DefaultConfig() Config {
	return Config{
		Balance:      Policy{Stale: 5 * time.Second, Lifetime: 30 * time.Second, Poll: 15 * time.Second},
		ChainStats:   Policy{Stale: 10 * time.Second, Lifetime: 30 * time.Second, Poll: 12 * time.Second},
		Transactions: Policy{Stale: 10 * time.Second, Lifetime: 60 * time.Second, Poll: 20 * time.Second},
		Retry:        RetryPolicy{Attempts: 3, Base: time.Second, Max: 10 * time.Second},

		TransactionsLimit: 10,
	}
}
