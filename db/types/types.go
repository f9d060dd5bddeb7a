package types

// Migration is a single schema change identified by ID. SQL holds both directions
// separated by the "-- +migrate Up" / "-- +migrate Down" markers.
type Migration struct {
	ID     string
	SQL    string
	Prefix string
}
