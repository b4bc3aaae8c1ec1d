package types

// ReplicationSlotInfo is the metadata PostgreSQL keeps for a replication slot
type ReplicationSlotInfo struct {
	SlotName          string  `json:"slot_name"`
	Active            bool    `json:"active"`
	RestartLSN        *string `json:"restart_lsn,omitempty"`
	ConfirmedFlushLSN *string `json:"confirmed_flush_lsn,omitempty"`
	// LagBytes is the distance between the current WAL position and the
	// confirmed flush position, nil when the slot never confirmed a flush
	LagBytes *int64 `json:"lag_bytes,omitempty"`
}

// SlotObservation is the outcome of looking up the configured slot.
// A missing slot is a valid state, not an error.
type SlotObservation struct {
	SlotName string               `json:"slot_name"`
	Found    bool                 `json:"found"`
	Slot     *ReplicationSlotInfo `json:"slot,omitempty"`
}

// ConsistencySnapshot is the aggregate row returned by the consistency gate
type ConsistencySnapshot struct {
	Table    string `json:"table"`
	RowCount int64  `json:"row_count"`
	// Aggregates holds named min/max/avg/sum values, nil when the column had no rows
	Aggregates map[string]*float64 `json:"aggregates"`
}
