// Package storage persists rooms, events, memberships and signing keys in
// SQL. It works over both Postgres (github.com/lib/pq) and embedded SQLite
// (modernc.org/sqlite); statements stick to the shared subset and $n
// placeholders, which both drivers accept.
package storage

import (
	"context"
	"crypto/ed25519"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/tessera/pkg/event"
	"github.com/Mindburn-Labs/tessera/pkg/keystore"
)

// ErrNotFound is returned for lookups of absent rows.
var ErrNotFound = errors.New("storage: not found")

// SQLStore is the shipped implementation of the room-state, graph-state
// and key-persistence backends.
type SQLStore struct {
	db          *sql.DB
	localServer string
}

func NewSQLStore(db *sql.DB, localServer string) *SQLStore {
	return &SQLStore{db: db, localServer: localServer}
}

const schema = `
CREATE TABLE IF NOT EXISTS rooms (
	room_id TEXT PRIMARY KEY,
	room_version TEXT NOT NULL DEFAULT '11',
	created_ts BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
	event_id TEXT PRIMARY KEY,
	room_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	state_key TEXT,
	sender TEXT NOT NULL,
	content TEXT NOT NULL,
	origin_server_ts BIGINT NOT NULL,
	depth BIGINT NOT NULL,
	prev_events TEXT NOT NULL,
	auth_events TEXT NOT NULL,
	hashes TEXT,
	signatures TEXT,
	is_extremity INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_events_room_depth ON events (room_id, depth);
CREATE INDEX IF NOT EXISTS idx_events_state ON events (room_id, event_type, state_key);

CREATE TABLE IF NOT EXISTS memberships (
	room_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	membership TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	invited_by TEXT NOT NULL DEFAULT '',
	authorised_via TEXT NOT NULL DEFAULT '',
	event_id TEXT NOT NULL DEFAULT '',
	updated_ts BIGINT NOT NULL,
	PRIMARY KEY (room_id, user_id)
);

CREATE TABLE IF NOT EXISTS signing_keys (
	server_name TEXT NOT NULL,
	key_id TEXT NOT NULL,
	seed TEXT NOT NULL,
	created_ts BIGINT NOT NULL,
	expires_ts BIGINT NOT NULL DEFAULT 0,
	is_current INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (server_name, key_id)
);

CREATE TABLE IF NOT EXISTS remote_server_keys (
	server_name TEXT NOT NULL,
	key_id TEXT NOT NULL,
	public_key TEXT NOT NULL,
	fetched_ts BIGINT NOT NULL,
	expires_ts BIGINT NOT NULL,
	PRIMARY KEY (server_name, key_id)
);
`

// Init creates the schema.
func (s *SQLStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("storage: init schema: %w", err)
	}
	return nil
}

// CreateRoom records a room and its version.
func (s *SQLStore) CreateRoom(ctx context.Context, roomID, roomVersion string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rooms (room_id, room_version, created_ts) VALUES ($1, $2, $3)`,
		roomID, roomVersion, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("storage: create room %s: %w", roomID, err)
	}
	return nil
}

// RoomVersion returns the room's version, ErrNotFound for unknown rooms.
func (s *SQLStore) RoomVersion(ctx context.Context, roomID string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx,
		`SELECT room_version FROM rooms WHERE room_id = $1`, roomID).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: room %s", ErrNotFound, roomID)
	}
	if err != nil {
		return "", fmt.Errorf("storage: room version %s: %w", roomID, err)
	}
	return v, nil
}

// RoomExists reports whether the room is known.
func (s *SQLStore) RoomExists(ctx context.Context, roomID string) (bool, error) {
	_, err := s.RoomVersion(ctx, roomID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// InsertEvent stores an event and maintains forward extremities: the new
// event becomes an extremity, its parents stop being ones. Runs in a
// transaction so a crash cannot leave the extremity set inconsistent.
func (s *SQLStore) InsertEvent(ctx context.Context, ev *event.Event) error {
	content, err := json.Marshal(ev.Content)
	if err != nil {
		return fmt.Errorf("storage: encode content of %s: %w", ev.EventID, err)
	}
	prev, err := json.Marshal(ev.PrevEvents)
	if err != nil {
		return fmt.Errorf("storage: encode prev_events of %s: %w", ev.EventID, err)
	}
	auth, err := json.Marshal(ev.AuthEvents)
	if err != nil {
		return fmt.Errorf("storage: encode auth_events of %s: %w", ev.EventID, err)
	}
	hashes, _ := json.Marshal(ev.Hashes)
	sigs, _ := json.Marshal(ev.Signatures)

	var stateKey sql.NullString
	if ev.StateKey != nil {
		stateKey = sql.NullString{String: *ev.StateKey, Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin insert of %s: %w", ev.EventID, err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO events (event_id, room_id, event_type, state_key, sender, content,
			origin_server_ts, depth, prev_events, auth_events, hashes, signatures, is_extremity)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 1)`,
		ev.EventID, ev.RoomID, ev.Type, stateKey, ev.Sender, string(content),
		ev.OriginServerTS, ev.Depth, string(prev), string(auth), string(hashes), string(sigs))
	if err != nil {
		return fmt.Errorf("storage: insert event %s: %w", ev.EventID, err)
	}

	for _, parent := range ev.PrevEvents {
		if _, err := tx.ExecContext(ctx,
			`UPDATE events SET is_extremity = 0 WHERE event_id = $1`, parent); err != nil {
			return fmt.Errorf("storage: clear extremity %s: %w", parent, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit insert of %s: %w", ev.EventID, err)
	}
	return nil
}

// MaxDepth returns the deepest event's depth, 0 for an empty room.
func (s *SQLStore) MaxDepth(ctx context.Context, roomID string) (int64, error) {
	var depth sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(depth) FROM events WHERE room_id = $1`, roomID).Scan(&depth)
	if err != nil {
		return 0, fmt.Errorf("storage: max depth %s: %w", roomID, err)
	}
	return depth.Int64, nil
}

// ForwardExtremities returns unreferenced event IDs, deepest first.
func (s *SQLStore) ForwardExtremities(ctx context.Context, roomID string, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id FROM events
		WHERE room_id = $1 AND is_extremity = 1
		ORDER BY depth DESC, origin_server_ts DESC
		LIMIT $2`, roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: forward extremities %s: %w", roomID, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage: scan extremity: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CurrentStateEventID resolves (type, state_key) to the latest matching
// state event, "" when the room has none.
func (s *SQLStore) CurrentStateEventID(ctx context.Context, roomID, eventType, stateKey string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT event_id FROM events
		WHERE room_id = $1 AND event_type = $2 AND state_key = $3
		ORDER BY depth DESC, origin_server_ts DESC
		LIMIT 1`, roomID, eventType, stateKey).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("storage: current state %s/%s in %s: %w", eventType, stateKey, roomID, err)
	}
	return id, nil
}

// currentStateContent loads the content of the latest (type, state_key)
// state event, nil when absent.
func (s *SQLStore) currentStateContent(ctx context.Context, roomID, eventType, stateKey string) (map[string]any, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `
		SELECT content FROM events
		WHERE room_id = $1 AND event_type = $2 AND state_key = $3
		ORDER BY depth DESC, origin_server_ts DESC
		LIMIT 1`, roomID, eventType, stateKey).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: state content %s/%s in %s: %w", eventType, stateKey, roomID, err)
	}
	var content map[string]any
	if err := json.Unmarshal([]byte(raw), &content); err != nil {
		return nil, fmt.Errorf("storage: decode state content %s/%s: %w", eventType, stateKey, err)
	}
	return content, nil
}

// PowerLevels returns the room's decoded power levels, defaults when the
// room has no power_levels event.
func (s *SQLStore) PowerLevels(ctx context.Context, roomID string) (*event.PowerLevels, error) {
	content, err := s.currentStateContent(ctx, roomID, event.TypePowerLevels, "")
	if err != nil {
		return nil, err
	}
	pl, err := event.ParsePowerLevels(content)
	if err != nil {
		return nil, fmt.Errorf("storage: decode power levels of %s: %w", roomID, err)
	}
	return pl, nil
}

// JoinRule returns the room's decoded join rule, invite-only when absent.
func (s *SQLStore) JoinRule(ctx context.Context, roomID string) (event.JoinRule, error) {
	content, err := s.currentStateContent(ctx, roomID, event.TypeJoinRules, "")
	if err != nil {
		return event.JoinRule{}, err
	}
	return event.ParseJoinRule(content), nil
}

// Membership returns the stored membership row, nil when absent.
func (s *SQLStore) Membership(ctx context.Context, roomID, userID string) (*event.MemberInfo, error) {
	info := &event.MemberInfo{RoomID: roomID, UserID: userID}
	var membership string
	err := s.db.QueryRowContext(ctx, `
		SELECT membership, reason, invited_by, authorised_via, event_id, updated_ts
		FROM memberships WHERE room_id = $1 AND user_id = $2`,
		roomID, userID).Scan(
		&membership, &info.Reason, &info.InvitedBy, &info.AuthorisedVia,
		&info.EventID, &info.UpdatedTS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: membership %s/%s: %w", roomID, userID, err)
	}
	info.Membership = event.ParseMembership(membership)
	return info, nil
}

// SetMembership upserts the membership row for (room, user).
func (s *SQLStore) SetMembership(ctx context.Context, info *event.MemberInfo) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memberships (room_id, user_id, membership, reason, invited_by, authorised_via, event_id, updated_ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (room_id, user_id) DO UPDATE SET
			membership = EXCLUDED.membership,
			reason = EXCLUDED.reason,
			invited_by = EXCLUDED.invited_by,
			authorised_via = EXCLUDED.authorised_via,
			event_id = EXCLUDED.event_id,
			updated_ts = EXCLUDED.updated_ts`,
		info.RoomID, info.UserID, info.Membership.String(), info.Reason,
		info.InvitedBy, info.AuthorisedVia, info.EventID, info.UpdatedTS)
	if err != nil {
		return fmt.Errorf("storage: set membership %s/%s: %w", info.RoomID, info.UserID, err)
	}
	return nil
}

// LocalJoinedMembers returns joined users whose server part matches the
// local server.
func (s *SQLStore) LocalJoinedMembers(ctx context.Context, roomID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id FROM memberships
		WHERE room_id = $1 AND membership = 'join' AND user_id LIKE $2
		ORDER BY user_id`,
		roomID, "%:"+s.localServer)
	if err != nil {
		return nil, fmt.Errorf("storage: local members %s: %w", roomID, err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("storage: scan member: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// SaveSigningKey persists a local signing key; when current is set, the
// previous current key is demoted in the same transaction.
func (s *SQLStore) SaveSigningKey(ctx context.Context, key *keystore.SigningKey, current bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin key save: %w", err)
	}
	defer tx.Rollback()

	if current {
		if _, err := tx.ExecContext(ctx,
			`UPDATE signing_keys SET is_current = 0 WHERE server_name = $1`, key.ServerName); err != nil {
			return fmt.Errorf("storage: demote current key: %w", err)
		}
	}
	var expires int64
	if !key.ExpiresAt.IsZero() {
		expires = key.ExpiresAt.UnixMilli()
	}
	isCurrent := 0
	if current {
		isCurrent = 1
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO signing_keys (server_name, key_id, seed, created_ts, expires_ts, is_current)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		key.ServerName, key.KeyID,
		base64.RawStdEncoding.EncodeToString(key.PrivateKey.Seed()),
		key.CreatedAt.UnixMilli(), expires, isCurrent)
	if err != nil {
		return fmt.Errorf("storage: save signing key %s: %w", key.KeyID, err)
	}
	return tx.Commit()
}

// LoadSigningKeys restores all persisted keys for serverName.
func (s *SQLStore) LoadSigningKeys(ctx context.Context, serverName string) ([]*keystore.SigningKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key_id, seed, created_ts, expires_ts FROM signing_keys
		WHERE server_name = $1 ORDER BY created_ts`, serverName)
	if err != nil {
		return nil, fmt.Errorf("storage: load signing keys: %w", err)
	}
	defer rows.Close()

	var keys []*keystore.SigningKey
	for rows.Next() {
		var keyID, seedB64 string
		var created, expires int64
		if err := rows.Scan(&keyID, &seedB64, &created, &expires); err != nil {
			return nil, fmt.Errorf("storage: scan signing key: %w", err)
		}
		seed, err := base64.RawStdEncoding.DecodeString(seedB64)
		if err != nil || len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("storage: signing key %s has corrupt seed", keyID)
		}
		priv := ed25519.NewKeyFromSeed(seed)
		key := &keystore.SigningKey{
			KeyID:      keyID,
			ServerName: serverName,
			PrivateKey: priv,
			PublicKey:  priv.Public().(ed25519.PublicKey),
			CreatedAt:  time.UnixMilli(created),
		}
		if expires > 0 {
			key.ExpiresAt = time.UnixMilli(expires)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// DeleteSigningKey removes a persisted key.
func (s *SQLStore) DeleteSigningKey(ctx context.Context, serverName, keyID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM signing_keys WHERE server_name = $1 AND key_id = $2`, serverName, keyID)
	if err != nil {
		return fmt.Errorf("storage: delete signing key %s: %w", keyID, err)
	}
	return nil
}

// GetVerifyKey implements keystore.RemoteCache over SQL.
func (s *SQLStore) GetVerifyKey(ctx context.Context, serverName, keyID string) (*keystore.RemoteVerifyKey, error) {
	var pubB64 string
	var fetched, expires int64
	err := s.db.QueryRowContext(ctx, `
		SELECT public_key, fetched_ts, expires_ts FROM remote_server_keys
		WHERE server_name = $1 AND key_id = $2`, serverName, keyID).Scan(&pubB64, &fetched, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: remote key %s/%s", keystore.ErrKeyNotFound, serverName, keyID)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: remote key %s/%s: %w", serverName, keyID, err)
	}
	pub, err := base64.RawStdEncoding.DecodeString(pubB64)
	if err != nil {
		return nil, fmt.Errorf("storage: remote key %s/%s has corrupt public key", serverName, keyID)
	}
	return &keystore.RemoteVerifyKey{
		ServerName: serverName,
		KeyID:      keyID,
		PublicKey:  pub,
		FetchedAt:  time.UnixMilli(fetched),
		ExpiresAt:  time.UnixMilli(expires),
	}, nil
}

// PutVerifyKeys implements keystore.RemoteCache over SQL.
func (s *SQLStore) PutVerifyKeys(ctx context.Context, keys []*keystore.RemoteVerifyKey) error {
	for _, k := range keys {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO remote_server_keys (server_name, key_id, public_key, fetched_ts, expires_ts)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (server_name, key_id) DO UPDATE SET
				public_key = EXCLUDED.public_key,
				fetched_ts = EXCLUDED.fetched_ts,
				expires_ts = EXCLUDED.expires_ts`,
			k.ServerName, k.KeyID,
			base64.RawStdEncoding.EncodeToString(k.PublicKey),
			k.FetchedAt.UnixMilli(), k.ExpiresAt.UnixMilli())
		if err != nil {
			return fmt.Errorf("storage: cache remote key %s/%s: %w", k.ServerName, k.KeyID, err)
		}
	}
	return nil
}
