// Package store defines the run repository that records pipeline run totals.
// Implementations live in other packages; this package must not import
// database drivers or concrete clients.
package store
