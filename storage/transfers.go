package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// CreateTransfer inserts a new transfer history row.
func (s *Store) CreateTransfer(transfer Transfer) error {
	if transfer.TransferID == "" {
		return errors.New("transfer_id is required")
	}
	if transfer.PeerUUID == "" {
		return errors.New("peer_uuid is required")
	}
	if transfer.FileName == "" {
		return errors.New("file_name is required")
	}
	if transfer.Destination == "" {
		return errors.New("destination is required")
	}
	if transfer.Status == "" {
		transfer.Status = TransferStatusPending
	}
	if err := validateTransferStatus(transfer.Status); err != nil {
		return err
	}
	if transfer.CreatedAt == 0 {
		transfer.CreatedAt = nowUnixMilli()
	}
	if transfer.UpdatedAt == 0 {
		transfer.UpdatedAt = transfer.CreatedAt
	}

	_, err := s.db.Exec(
		`INSERT INTO transfers (
			transfer_id,
			peer_uuid,
			project_id,
			take_id,
			file_name,
			destination,
			status,
			bytes_transferred,
			chunk_count,
			created_at,
			updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		transfer.TransferID,
		transfer.PeerUUID,
		transfer.ProjectID,
		transfer.TakeID,
		transfer.FileName,
		transfer.Destination,
		transfer.Status,
		transfer.BytesTransferred,
		transfer.ChunkCount,
		transfer.CreatedAt,
		transfer.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert transfer %q: %w", transfer.TransferID, err)
	}

	return nil
}

// UpdateTransferProgress updates status and counters for a transfer row.
func (s *Store) UpdateTransferProgress(transferID, status string, bytesTransferred int64, chunkCount int) error {
	if transferID == "" {
		return errors.New("transfer_id is required")
	}
	if err := validateTransferStatus(status); err != nil {
		return err
	}

	res, err := s.db.Exec(
		`UPDATE transfers
		SET status = ?,
		    bytes_transferred = ?,
		    chunk_count = ?,
		    updated_at = ?
		WHERE transfer_id = ?`,
		status,
		bytesTransferred,
		chunkCount,
		nowUnixMilli(),
		transferID,
	)
	if err != nil {
		return fmt.Errorf("update transfer progress %q: %w", transferID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for transfer progress %q: %w", transferID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// GetTransfer fetches transfer history by ID.
func (s *Store) GetTransfer(transferID string) (*Transfer, error) {
	row := s.db.QueryRow(
		`SELECT
			transfer_id,
			peer_uuid,
			project_id,
			take_id,
			file_name,
			destination,
			status,
			bytes_transferred,
			chunk_count,
			created_at,
			updated_at
		FROM transfers
		WHERE transfer_id = ?`,
		transferID,
	)

	transfer, err := scanTransfer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get transfer %q: %w", transferID, err)
	}

	return transfer, nil
}

// ListTransfers returns recent transfers, newest first, optionally for one peer.
func (s *Store) ListTransfers(peerUUID string, limit int) ([]Transfer, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT
		transfer_id,
		peer_uuid,
		project_id,
		take_id,
		file_name,
		destination,
		status,
		bytes_transferred,
		chunk_count,
		created_at,
		updated_at
	FROM transfers`
	args := make([]any, 0, 2)
	if peerUUID != "" {
		query += " WHERE peer_uuid = ?"
		args = append(args, peerUUID)
	}
	query += " ORDER BY created_at DESC, transfer_id LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer rows.Close()

	transfers := make([]Transfer, 0)
	for rows.Next() {
		transfer, scanErr := scanTransfer(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan transfer row: %w", scanErr)
		}
		transfers = append(transfers, *transfer)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfer rows: %w", err)
	}
	return transfers, nil
}

// UpsertTransferCheckpoint inserts or updates resumable transfer state.
func (s *Store) UpsertTransferCheckpoint(checkpoint TransferCheckpoint) error {
	if checkpoint.Key == "" {
		return errors.New("checkpoint_key is required")
	}
	if checkpoint.NextIndex < 0 {
		return errors.New("next_index must be >= 0")
	}
	if checkpoint.BytesTransferred < 0 {
		return errors.New("bytes_transferred must be >= 0")
	}
	if checkpoint.UpdatedAt == 0 {
		checkpoint.UpdatedAt = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO transfer_checkpoints (
			checkpoint_key,
			next_index,
			bytes_transferred,
			destination,
			updated_at
		) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(checkpoint_key) DO UPDATE SET
			next_index = excluded.next_index,
			bytes_transferred = excluded.bytes_transferred,
			destination = excluded.destination,
			updated_at = excluded.updated_at`,
		checkpoint.Key,
		checkpoint.NextIndex,
		checkpoint.BytesTransferred,
		checkpoint.Destination,
		checkpoint.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert transfer checkpoint %q: %w", checkpoint.Key, err)
	}
	return nil
}

// DeleteTransferCheckpoint removes one transfer checkpoint row.
func (s *Store) DeleteTransferCheckpoint(key string) error {
	if key == "" {
		return errors.New("checkpoint_key is required")
	}

	_, err := s.db.Exec(`DELETE FROM transfer_checkpoints WHERE checkpoint_key = ?`, key)
	if err != nil {
		return fmt.Errorf("delete transfer checkpoint %q: %w", key, err)
	}
	return nil
}

// GetTransferCheckpoint fetches one checkpoint by key.
func (s *Store) GetTransferCheckpoint(key string) (*TransferCheckpoint, error) {
	if key == "" {
		return nil, errors.New("checkpoint_key is required")
	}

	row := s.db.QueryRow(
		`SELECT
			checkpoint_key,
			next_index,
			bytes_transferred,
			destination,
			updated_at
		FROM transfer_checkpoints
		WHERE checkpoint_key = ?`,
		key,
	)

	var checkpoint TransferCheckpoint
	err := row.Scan(
		&checkpoint.Key,
		&checkpoint.NextIndex,
		&checkpoint.BytesTransferred,
		&checkpoint.Destination,
		&checkpoint.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get transfer checkpoint %q: %w", key, err)
	}
	return &checkpoint, nil
}

func scanTransfer(row scanner) (*Transfer, error) {
	var transfer Transfer
	if err := row.Scan(
		&transfer.TransferID,
		&transfer.PeerUUID,
		&transfer.ProjectID,
		&transfer.TakeID,
		&transfer.FileName,
		&transfer.Destination,
		&transfer.Status,
		&transfer.BytesTransferred,
		&transfer.ChunkCount,
		&transfer.CreatedAt,
		&transfer.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &transfer, nil
}
