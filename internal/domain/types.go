package domain

import "fmt"

// NFS4OpaqueLimit is the maximum length, in bytes, of a long-form NFSv4
// client identifier. Identifiers longer than this are rejected before
// ever reaching the storage layer.
const NFS4OpaqueLimit = 1024

// CurrentSchemaVersion is the schema version this binary writes and
// expects to find on disk after schema.Prepare returns.
const CurrentSchemaVersion = 3

// SchemaVersion is the `parameters.version` value read from disk.
// Zero means "no database yet".
type SchemaVersion int

const (
	SchemaNone SchemaVersion = 0
	SchemaV1   SchemaVersion = 1
	SchemaV2   SchemaVersion = 2
	SchemaV3   SchemaVersion = CurrentSchemaVersion
)

// GraceState is the in-memory mirror of the singleton `grace` row:
// the epoch new/promoted clients are recorded into, and the epoch
// (if any) whose client set may still be reclaimed.
//
// Recovery == 0 means "not in grace". Epochs are conceptually unsigned
// 64-bit counters; the underlying store persists them as signed
// 64-bit integers, so conversion happens at the storage boundary and
// must never be allowed to leak a negative value into comparisons or
// table-name formatting.
type GraceState struct {
	Current  uint64
	Recovery uint64
}

// InGrace reports whether a reclaim window is currently open.
func (g GraceState) InGrace() bool {
	return g.Recovery != 0
}

// ClientID is an opaque, long-form NFSv4 client identifier.
type ClientID []byte

// Validate enforces the NFS4_OPAQUE_LIMIT ceiling.
func (c ClientID) Validate() error {
	if len(c) == 0 {
		return NewCoreError(ErrClientIDTooLong.Code, "client identifier is empty")
	}
	if len(c) > NFS4OpaqueLimit {
		return NewCoreError(ErrClientIDTooLong.Code,
			fmt.Sprintf("client identifier is %d bytes, limit is %d", len(c), NFS4OpaqueLimit))
	}
	return nil
}

// RecoveryTableName formats the mechanical `rec-<16hex>` table name for
// an epoch. This is part of the on-disk contract: every caller
// (migrations, fresh creation, grace transitions) must go through this
// function so the name is always the lowercase, zero-padded 16-hex-digit
// form that on-disk databases created by the reference nfsdcld daemon
// also use.
func RecoveryTableName(epoch uint64) string {
	return fmt.Sprintf("rec-%016x", epoch)
}
