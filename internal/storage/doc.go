// Package storage persists dispatch-batch reports so operators can query
// the outcome of fire-and-forget sends after the fact. It is optional: a
// disabled driver yields a nil Store and callers skip persistence.
package storage
