// Package stores persists the agent's session journal in SQLite.
//
// SQLiteStore implements engine.Journal: goals, plans, step results, world
// modifications and controller events are written as the controller runs,
// and can be read back per goal for the history commands. The schema is
// managed with golang-migrate from embedded migrations.
package stores
