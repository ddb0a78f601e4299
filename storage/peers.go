package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const peerColumns = `
			uuid,
			display_name,
			model,
			signing_public_key,
			agreement_public_key,
			key_fingerprint,
			authorized,
			blocked,
			session_key,
			session_public_key,
			selected,
			added_timestamp,
			last_seen_timestamp,
			last_known_ip,
			last_known_port`

// SavePeer inserts a peer row or replaces every mutable column of an existing one.
// Peers seen only through discovery have no keys yet.
func (s *Store) SavePeer(peer Peer) error {
	if peer.UUID == "" {
		return errors.New("uuid is required")
	}
	if peer.DisplayName == "" {
		peer.DisplayName = peer.UUID
	}
	if peer.SigningPublicKey == nil {
		peer.SigningPublicKey = []byte{}
	}
	if peer.AgreementPublicKey == nil {
		peer.AgreementPublicKey = []byte{}
	}
	if peer.Authorized && peer.SessionKey == "" {
		return errors.New("authorized peer requires a session key")
	}
	if peer.AddedTimestamp == 0 {
		peer.AddedTimestamp = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO peers (`+peerColumns+`
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(uuid) DO UPDATE SET
			display_name = excluded.display_name,
			model = excluded.model,
			signing_public_key = excluded.signing_public_key,
			agreement_public_key = excluded.agreement_public_key,
			key_fingerprint = excluded.key_fingerprint,
			authorized = excluded.authorized,
			blocked = excluded.blocked,
			session_key = excluded.session_key,
			session_public_key = excluded.session_public_key,
			selected = excluded.selected,
			last_seen_timestamp = COALESCE(excluded.last_seen_timestamp, peers.last_seen_timestamp),
			last_known_ip = COALESCE(excluded.last_known_ip, peers.last_known_ip),
			last_known_port = COALESCE(excluded.last_known_port, peers.last_known_port)`,
		peer.UUID,
		peer.DisplayName,
		peer.Model,
		peer.SigningPublicKey,
		peer.AgreementPublicKey,
		peer.KeyFingerprint,
		boolToInt(peer.Authorized),
		boolToInt(peer.Blocked),
		peer.SessionKey,
		peer.SessionPublicKey,
		boolToInt(peer.Selected),
		peer.AddedTimestamp,
		nullInt64(peer.LastSeenTimestamp),
		nullString(peer.LastKnownIP),
		nullInt64FromInt(peer.LastKnownPort),
	)
	if err != nil {
		return fmt.Errorf("save peer %q: %w", peer.UUID, err)
	}

	return nil
}

// GetPeer fetches a peer by UUID.
func (s *Store) GetPeer(uuid string) (*Peer, error) {
	row := s.db.QueryRow(
		`SELECT`+peerColumns+`
		FROM peers
		WHERE uuid = ?`,
		uuid,
	)

	peer, err := scanPeer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get peer %q: %w", uuid, err)
	}

	return peer, nil
}

// ListPeers returns all peers sorted by display name.
func (s *Store) ListPeers() ([]Peer, error) {
	rows, err := s.db.Query(
		`SELECT` + peerColumns + `
		FROM peers
		ORDER BY display_name, uuid`,
	)
	if err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}
	defer rows.Close()

	peers := make([]Peer, 0)
	for rows.Next() {
		peer, err := scanPeer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan peer row: %w", err)
		}
		peers = append(peers, *peer)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate peer rows: %w", err)
	}

	return peers, nil
}

// RemovePeer deletes a peer by UUID.
func (s *Store) RemovePeer(uuid string) error {
	if uuid == "" {
		return errors.New("uuid is required")
	}

	res, err := s.db.Exec(`DELETE FROM peers WHERE uuid = ?`, uuid)
	if err != nil {
		return fmt.Errorf("remove peer %q: %w", uuid, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for remove peer %q: %w", uuid, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// UpdatePeerEndpoint updates last known endpoint fields and optional last seen timestamp.
func (s *Store) UpdatePeerEndpoint(uuid, ip string, port int, lastSeenTimestamp int64) error {
	if uuid == "" {
		return errors.New("uuid is required")
	}
	if strings.TrimSpace(ip) == "" {
		return errors.New("ip is required")
	}
	if port <= 0 {
		return errors.New("port must be > 0")
	}

	res, err := s.db.Exec(
		`UPDATE peers
		SET last_known_ip = ?,
		    last_known_port = ?,
		    last_seen_timestamp = CASE
				WHEN ? > 0 THEN ?
				ELSE last_seen_timestamp
			END
		WHERE uuid = ?`,
		ip,
		port,
		lastSeenTimestamp,
		lastSeenTimestamp,
		uuid,
	)
	if err != nil {
		return fmt.Errorf("update peer endpoint %q: %w", uuid, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for update peer endpoint %q: %w", uuid, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPeer(row scanner) (*Peer, error) {
	var (
		peer          Peer
		authorized    int
		blocked       int
		selected      int
		lastSeen      sql.NullInt64
		lastKnownIP   sql.NullString
		lastKnownPort sql.NullInt64
	)

	if err := row.Scan(
		&peer.UUID,
		&peer.DisplayName,
		&peer.Model,
		&peer.SigningPublicKey,
		&peer.AgreementPublicKey,
		&peer.KeyFingerprint,
		&authorized,
		&blocked,
		&peer.SessionKey,
		&peer.SessionPublicKey,
		&selected,
		&peer.AddedTimestamp,
		&lastSeen,
		&lastKnownIP,
		&lastKnownPort,
	); err != nil {
		return nil, err
	}

	peer.Authorized = authorized == 1
	peer.Blocked = blocked == 1
	peer.Selected = selected == 1
	peer.LastSeenTimestamp = int64Ptr(lastSeen)
	peer.LastKnownIP = stringPtr(lastKnownIP)
	peer.LastKnownPort = intPtrFromNullInt64(lastKnownPort)

	return &peer, nil
}
