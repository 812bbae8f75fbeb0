// Package postgres implements the persistence contracts against PostgreSQL
// using database/sql and lib/pq.
package postgres
