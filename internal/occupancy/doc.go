// Package occupancy owns the cart's occupancy grid.
//
// Responsibilities: ray-cast updates from sonar readings, obstacle
// confirmation, append-only grid growth, immutable snapshots for the planner
// and readers, and gob+gzip snapshot persistence.
// Key types: Map, Snapshot, Coord, CellState, MapSnapshot.
//
// Single writer: Update, Restore and growth take the write lock. Snapshot and
// the read accessors take the read lock, so the web monitor and persistence may
// read from other goroutines while the control loop writes.
//
// No SQL/database code is allowed in this package; stores are injected
// through SnapshotStore.
package occupancy
