package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SetPairingEventRetention configures the automatic pairing-audit pruning horizon.
func (s *Store) SetPairingEventRetention(retention time.Duration) {
	if retention <= 0 {
		retention = DefaultPairingEventRetention
	}
	s.pairingEventRetention = retention
}

// LogPairingEvent inserts one pairing transition and applies retention pruning.
func (s *Store) LogPairingEvent(event PairingEvent) error {
	if strings.TrimSpace(event.PeerUUID) == "" {
		return errors.New("peer_uuid is required")
	}
	if strings.TrimSpace(event.State) == "" {
		return errors.New("state is required")
	}
	if err := validatePairingRole(event.Role); err != nil {
		return err
	}
	if event.Details == "" {
		event.Details = "{}"
	}
	if !json.Valid([]byte(event.Details)) {
		return errors.New("details must be valid JSON text")
	}
	if event.Timestamp == 0 {
		event.Timestamp = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO pairing_events (
			peer_uuid,
			role,
			state,
			details,
			timestamp
		) VALUES (?, ?, ?, ?, ?)`,
		event.PeerUUID,
		event.Role,
		event.State,
		event.Details,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert pairing event for %q: %w", event.PeerUUID, err)
	}

	if s.pairingEventRetention > 0 {
		cutoff := time.Now().Add(-s.pairingEventRetention).UnixMilli()
		if _, err := s.PrunePairingEvents(cutoff); err != nil {
			return fmt.Errorf("prune pairing events: %w", err)
		}
	}

	return nil
}

// GetPairingEvents returns pairing transitions, newest first, with optional filtering.
func (s *Store) GetPairingEvents(filter PairingEventFilter) ([]PairingEvent, error) {
	if filter.Role != "" {
		if err := validatePairingRole(filter.Role); err != nil {
			return nil, err
		}
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	query := strings.Builder{}
	query.WriteString(`SELECT
		id,
		peer_uuid,
		role,
		state,
		details,
		timestamp
	FROM pairing_events`)

	where := make([]string, 0, 4)
	args := make([]any, 0, 5)

	if filter.PeerUUID != "" {
		where = append(where, "peer_uuid = ?")
		args = append(args, filter.PeerUUID)
	}
	if filter.Role != "" {
		where = append(where, "role = ?")
		args = append(args, filter.Role)
	}
	if filter.State != "" {
		where = append(where, "state = ?")
		args = append(args, filter.State)
	}
	if filter.FromTimestamp != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.FromTimestamp)
	}

	if len(where) > 0 {
		query.WriteString(" WHERE ")
		query.WriteString(strings.Join(where, " AND "))
	}
	query.WriteString(" ORDER BY timestamp DESC, id DESC LIMIT ?")
	args = append(args, limit)

	rows, err := s.db.Query(query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("get pairing events: %w", err)
	}
	defer rows.Close()

	events := make([]PairingEvent, 0)
	for rows.Next() {
		var event PairingEvent
		if err := rows.Scan(
			&event.ID,
			&event.PeerUUID,
			&event.Role,
			&event.State,
			&event.Details,
			&event.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan pairing event row: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pairing event rows: %w", err)
	}

	return events, nil
}

// PrunePairingEvents removes pairing events older than cutoffTimestamp.
func (s *Store) PrunePairingEvents(cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := s.db.Exec(`DELETE FROM pairing_events WHERE timestamp < ?`, cutoffTimestamp)
	if err != nil {
		return 0, fmt.Errorf("prune pairing events: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for pairing event prune: %w", err)
	}

	return rowsAffected, nil
}
