package source

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/yairfalse/cdcwatch/types"
)

// lag_bytes is NULL until the slot confirms its first flush
const slotQuery = `SELECT slot_name, active, restart_lsn::text, confirmed_flush_lsn::text,
	pg_wal_lsn_diff(pg_current_wal_lsn(), confirmed_flush_lsn)::bigint
FROM pg_replication_slots
WHERE slot_name = $1`

// LagMonitor looks up the replication slot the CDC connector reads from
type LagMonitor struct {
	client   *Client
	slotName string
}

// NewLagMonitor creates a monitor for slotName
func NewLagMonitor(client *Client, slotName string) *LagMonitor {
	return &LagMonitor{client: client, slotName: slotName}
}

// SlotName returns the monitored slot
func (m *LagMonitor) SlotName() string {
	return m.slotName
}

// Observe fetches the slot. A missing slot is returned as Found=false, not an error.
func (m *LagMonitor) Observe(ctx context.Context) (types.SlotObservation, error) {
	obs := types.SlotObservation{SlotName: m.slotName}

	err := m.client.do(ctx, "lag monitor", func(ctx context.Context, conn Conn) error {
		var info types.ReplicationSlotInfo
		err := conn.QueryRow(ctx, slotQuery, m.slotName).Scan(
			&info.SlotName,
			&info.Active,
			&info.RestartLSN,
			&info.ConfirmedFlushLSN,
			&info.LagBytes,
		)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		obs.Found = true
		obs.Slot = &info
		return nil
	})
	if err != nil {
		return types.SlotObservation{SlotName: m.slotName}, err
	}
	return obs, nil
}
