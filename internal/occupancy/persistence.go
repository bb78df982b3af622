package occupancy

import (
	"bytes"
	"compress/gzip"
	"encoding/gob"
	"fmt"
	"time"

	"github.com/banshee-data/cartnav/internal/monitoring"
)

// MapSnapshot matches the map_snapshots table. GridBlob holds the gob+gzip
// encoded cell states and hit counters.
type MapSnapshot struct {
	SnapshotID     *int64 // set by the database after insert
	RunID          string
	TakenUnixNanos int64
	Width          int
	Height         int
	CellSize       float64
	GridBlob       []byte
	ConfirmedCount int
	SnapshotReason string // 'periodic', 'shutdown', 'manual'
}

// SnapshotStore persists MapSnapshot records. Implemented by db.DB.
type SnapshotStore interface {
	InsertMapSnapshot(s *MapSnapshot) (int64, error)
}

// gridPayload is the gob-encoded body of GridBlob.
type gridPayload struct {
	Width  int
	Height int
	States []CellState
	Hits   []uint32
}

// serializeGrid compresses the grid using gob encoding and gzip compression.
func serializeGrid(p gridPayload) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	enc := gob.NewEncoder(gz)
	if err := enc.Encode(p); err != nil {
		gz.Close()
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// deserializeGrid decompresses and decodes a gob+gzip grid blob.
func deserializeGrid(blob []byte) (gridPayload, error) {
	var p gridPayload
	if len(blob) == 0 {
		return p, fmt.Errorf("empty grid blob")
	}
	gz, err := gzip.NewReader(bytes.NewReader(blob))
	if err != nil {
		return p, fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer gz.Close()

	dec := gob.NewDecoder(gz)
	if err := dec.Decode(&p); err != nil {
		return p, fmt.Errorf("failed to decode grid cells: %w", err)
	}
	if len(p.States) != p.Width*p.Height || len(p.Hits) != len(p.States) {
		return p, fmt.Errorf("grid blob size mismatch: %dx%d with %d states, %d hits",
			p.Width, p.Height, len(p.States), len(p.Hits))
	}
	return p, nil
}

// EncodeSnapshot builds a MapSnapshot record from an in-memory snapshot.
func EncodeSnapshot(snap *Snapshot, runID, reason string) (*MapSnapshot, error) {
	blob, err := serializeGrid(gridPayload{
		Width:  snap.Width,
		Height: snap.Height,
		States: snap.states,
		Hits:   snap.hits,
	})
	if err != nil {
		return nil, err
	}
	return &MapSnapshot{
		RunID:          runID,
		TakenUnixNanos: time.Now().UnixNano(),
		Width:          snap.Width,
		Height:         snap.Height,
		CellSize:       snap.CellSize,
		GridBlob:       blob,
		ConfirmedCount: snap.Counts()[ConfirmedObstacle],
		SnapshotReason: reason,
	}, nil
}

// DecodeSnapshot turns a persisted record back into a Snapshot.
func DecodeSnapshot(rec *MapSnapshot) (*Snapshot, error) {
	if rec == nil {
		return nil, fmt.Errorf("nil map snapshot")
	}
	p, err := deserializeGrid(rec.GridBlob)
	if err != nil {
		return nil, err
	}
	return NewSnapshot(p.Width, p.Height, rec.CellSize, p.States, p.Hits)
}

// Persist serializes the current grid and writes it via store.
func (m *Map) Persist(store SnapshotStore, runID, reason string) error {
	if m == nil || store == nil {
		return nil
	}
	rec, err := EncodeSnapshot(m.Snapshot(), runID, reason)
	if err != nil {
		return err
	}
	id, err := store.InsertMapSnapshot(rec)
	if err != nil {
		return err
	}
	rec.SnapshotID = &id
	monitoring.Logf("[occupancy] persisted map snapshot %d: run=%s %dx%d confirmed=%d reason=%s",
		id, runID, rec.Width, rec.Height, rec.ConfirmedCount, reason)
	return nil
}

// Restore merges a persisted snapshot into the map. The grid grows to cover
// the snapshot, and each cell takes the higher of the two states and hit
// counts, so restoring never lowers a cell.
func (m *Map) Restore(rec *MapSnapshot) error {
	snap, err := DecodeSnapshot(rec)
	if err != nil {
		return err
	}
	if snap.CellSize != m.cfg.CellSize {
		return fmt.Errorf("snapshot cell size %v does not match map cell size %v", snap.CellSize, m.cfg.CellSize)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	w, h := snap.Width, snap.Height
	if m.cfg.MaxExtent > 0 {
		w = min(w, m.cfg.MaxExtent)
		h = min(h, m.cfg.MaxExtent)
	}
	m.resize(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := Coord{X: x, Y: y}
			st := snap.State(c)
			if st > m.states[y][x] {
				if st == ConfirmedObstacle {
					m.confirmed++
				}
				m.states[y][x] = st
			}
			if hits := snap.Hits(c); hits > m.hits[y][x] {
				m.hits[y][x] = hits
			}
		}
	}
	monitoring.Logf("[occupancy] restored map snapshot %dx%d (confirmed=%d)", w, h, m.confirmed)
	return nil
}
