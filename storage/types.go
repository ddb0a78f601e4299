package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

const (
	// TransferStatusPending marks a transfer waiting in the queue backlog.
	TransferStatusPending = "pending"
	// TransferStatusActive marks the single in-flight transfer.
	TransferStatusActive = "active"
	// TransferStatusComplete marks a transfer that received at least one byte and hit end of file.
	TransferStatusComplete = "complete"
	// TransferStatusFailed marks a transport failure or zero-byte transfer.
	TransferStatusFailed = "failed"
	// TransferStatusCancelled marks a transfer abandoned by the caller.
	TransferStatusCancelled = "cancelled"
)

const (
	// PairingRoleInitiator records events observed by the side that sent the auth request.
	PairingRoleInitiator = "initiator"
	// PairingRoleResponder records events observed by the side that answered it.
	PairingRoleResponder = "responder"
	// PairingRoleOperator records explicit operator decisions (approve, block, unblock).
	PairingRoleOperator = "operator"
)

// Peer is the SQLite representation of a known remote device.
type Peer struct {
	UUID               string
	DisplayName        string
	Model              string
	SigningPublicKey   []byte
	AgreementPublicKey []byte
	KeyFingerprint     string
	Authorized         bool
	Blocked            bool
	SessionKey         string
	SessionPublicKey   []byte
	Selected           bool
	AddedTimestamp     int64
	LastSeenTimestamp  *int64
	LastKnownIP        *string
	LastKnownPort      *int
}

// Transfer is one row of media transfer history.
type Transfer struct {
	TransferID       string
	PeerUUID         string
	ProjectID        string
	TakeID           string
	FileName         string
	Destination      string
	Status           string
	BytesTransferred int64
	ChunkCount       int
	CreatedAt        int64
	UpdatedAt        int64
}

// TransferCheckpoint stores resumable progress for one (peer, file) pull.
type TransferCheckpoint struct {
	Key              string
	NextIndex        int
	BytesTransferred int64
	Destination      string
	UpdatedAt        int64
}

// PairingEvent is one audited pairing state transition.
type PairingEvent struct {
	ID        int64
	PeerUUID  string
	Role      string
	State     string
	Details   string
	Timestamp int64
}

// PairingEventFilter narrows GetPairingEvents query results.
type PairingEventFilter struct {
	PeerUUID      string
	Role          string
	State         string
	FromTimestamp *int64
	Limit         int
}

func validateTransferStatus(status string) error {
	switch status {
	case TransferStatusPending, TransferStatusActive, TransferStatusComplete, TransferStatusFailed, TransferStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid transfer status %q", status)
	}
}

func validatePairingRole(role string) error {
	switch role {
	case PairingRoleInitiator, PairingRoleResponder, PairingRoleOperator:
		return nil
	default:
		return fmt.Errorf("invalid pairing role %q", role)
	}
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullString(ptr *string) sql.NullString {
	if ptr == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *ptr, Valid: true}
}

func nullInt64(ptr *int64) sql.NullInt64 {
	if ptr == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *ptr, Valid: true}
}

func nullInt64FromInt(ptr *int) sql.NullInt64 {
	if ptr == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*ptr), Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func int64Ptr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}

func intPtrFromNullInt64(ni sql.NullInt64) *int {
	if !ni.Valid {
		return nil
	}
	v := int(ni.Int64)
	return &v
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
