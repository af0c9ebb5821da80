// Package postgres implements the project synchronizer on a PostgreSQL
// database. Task workers use it to flip a project's status around handler
// execution and to persist references to produced artifacts.
package postgres
