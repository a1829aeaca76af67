package store

import (
	"context"

	"github.com/kunickiaj/codemem/internal/replication"
)

// DeviceID returns the local device id writes are attributed to.
func (s *Store) DeviceID() string { return s.deviceID }

// LoadOpsSince is the read-side entry point for the sync transport: ops
// strictly after cursor, optionally restricted to deviceID's own writes.
func (s *Store) LoadOpsSince(ctx context.Context, cursor string, limit int, deviceID string) ([]replication.Op, error) {
	return replication.LoadSince(ctx, s.db, cursor, limit, deviceID)
}

// NormalizeOutboundCursor fast-forwards cursor past ops not originating
// from this device, so pushers never reconsider peer-originated writes.
func (s *Store) NormalizeOutboundCursor(ctx context.Context, cursor string) (string, error) {
	return replication.NormalizeOutboundCursor(ctx, s.db, cursor, s.deviceID)
}

// OutboundOpsSince loads this device's own ops after cursor, for pushing to
// a peer.
func (s *Store) OutboundOpsSince(ctx context.Context, cursor string, limit int) ([]replication.Op, error) {
	return replication.LoadSince(ctx, s.db, cursor, limit, s.deviceID)
}

// ReceiptsFrom returns the most recent applied-op receipts delivered by
// sourceDeviceID, newest first: when a peer's pushes actually landed
// locally, independent of whether the exchange that carried them reported
// success (a partial push can fail the exchange after applying a prefix).
func (s *Store) ReceiptsFrom(ctx context.Context, sourceDeviceID string, limit int) ([]replication.Receipt, error) {
	return replication.ReceiptsFrom(ctx, s.db, sourceDeviceID, limit)
}
