package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BioHazard786/warpcall/internal/call"
	"github.com/BioHazard786/warpcall/internal/wire"
	"github.com/vmihailenco/msgpack/v5"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a room does not exist.
var ErrNotFound = errors.New("room not found")

const schema = `
CREATE TABLE IF NOT EXISTS rooms (
	id          TEXT PRIMARY KEY,
	host_id     TEXT NOT NULL DEFAULT '',
	members     TEXT NOT NULL DEFAULT '[]',
	version     INTEGER NOT NULL DEFAULT 0,
	created_at  INTEGER NOT NULL,
	archived_at INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS participants (
	room_id        TEXT NOT NULL,
	participant_id TEXT NOT NULL,
	session_id     TEXT NOT NULL,
	display_name   TEXT NOT NULL DEFAULT '',
	joined_at      INTEGER NOT NULL,
	PRIMARY KEY (room_id, participant_id)
);

CREATE TABLE IF NOT EXISTS signals (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	to_id      TEXT NOT NULL,
	from_id    TEXT NOT NULL,
	body       BLOB NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS signals_to_id ON signals (to_id, id);

CREATE TABLE IF NOT EXISTS notices (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	room_id      TEXT NOT NULL,
	caller_id    TEXT NOT NULL,
	recipient_id TEXT NOT NULL,
	created_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS notices_recipient ON notices (recipient_id, id);
`

// Store persists rooms, their rosters, an inbox of undelivered signals and
// the new-call notices of every participant in a SQLite database.
type Store struct {
	db  *sql.DB
	mu  sync.Mutex
	now func() time.Time
}

// RoomRecord is a room row with its roster, as listed by ListRooms.
type RoomRecord struct {
	ID           string
	HostID       string
	Members      []string
	Participants []call.Participant
	Version      int64
	CreatedAt    time.Time
	ArchivedAt   time.Time
}

func (r RoomRecord) Info() wire.RoomInfo {
	return wire.RoomInfo{
		ID:           r.ID,
		HostID:       r.HostID,
		Members:      r.Members,
		Participants: r.Participants,
		CreatedAt:    r.CreatedAt,
		ArchivedAt:   r.ArchivedAt,
	}
}

// Notice is a pending new-call alert for one recipient.
type Notice struct {
	ID          int64
	RoomID      string
	CallerID    string
	RecipientID string
	CreatedAt   time.Time
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL mode for concurrent access from several processes sharing the file.
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("configure database: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// EnsureRoom returns roomID, creating it with members when absent. An
// archived room is reopened with an empty roster.
func (s *Store) EnsureRoom(ctx context.Context, roomID string, members []string) (call.Room, error) {
	var room call.Room
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if members == nil {
			members = []string{}
		}
		encoded, err := json.Marshal(members)
		if err != nil {
			return fmt.Errorf("encode members: %w", err)
		}
		now := s.now().UnixMilli()
		if _, err := tx.ExecContext(ctx, `INSERT INTO rooms (id, members, created_at) VALUES (?, ?, ?)
			ON CONFLICT(id) DO NOTHING`, roomID, string(encoded), now); err != nil {
			return fmt.Errorf("insert room: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE rooms SET archived_at = 0, host_id = '', created_at = ?, version = version + 1
			WHERE id = ? AND archived_at != 0`, now, roomID); err != nil {
			return fmt.Errorf("reopen room: %w", err)
		}
		room, _, err = loadRoom(ctx, tx, roomID)
		return err
	})
	return room, err
}

// Room returns the roster of roomID and its version, which increases on
// every roster change.
func (s *Store) Room(ctx context.Context, roomID string) (call.Room, int64, error) {
	var (
		room    call.Room
		version int64
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		room, version, err = loadRoom(ctx, tx, roomID)
		return err
	})
	return room, version, err
}

func loadRoom(ctx context.Context, tx *sql.Tx, roomID string) (call.Room, int64, error) {
	var (
		room    = call.Room{ID: roomID}
		members string
		version int64
	)
	err := tx.QueryRowContext(ctx, `SELECT host_id, members, version FROM rooms WHERE id = ?`, roomID).
		Scan(&room.HostID, &members, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return call.Room{}, 0, ErrNotFound
	}
	if err != nil {
		return call.Room{}, 0, fmt.Errorf("query room: %w", err)
	}
	if err := json.Unmarshal([]byte(members), &room.Members); err != nil {
		return call.Room{}, 0, fmt.Errorf("decode members: %w", err)
	}

	room.Participants, err = loadParticipants(ctx, tx, roomID)
	if err != nil {
		return call.Room{}, 0, err
	}
	return room, version, nil
}

func loadParticipants(ctx context.Context, tx *sql.Tx, roomID string) ([]call.Participant, error) {
	rows, err := tx.QueryContext(ctx, `SELECT participant_id, session_id, display_name, joined_at
		FROM participants WHERE room_id = ? ORDER BY joined_at, participant_id`, roomID)
	if err != nil {
		return nil, fmt.Errorf("query participants: %w", err)
	}
	defer rows.Close()

	var out []call.Participant
	for rows.Next() {
		var (
			p        call.Participant
			joinedAt int64
		)
		if err := rows.Scan(&p.ID, &p.SessionID, &p.DisplayName, &joinedAt); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		p.JoinedAt = time.UnixMilli(joinedAt)
		out = append(out, p)
	}
	return out, rows.Err()
}

// AddParticipant inserts p into the roster of roomID, replacing an earlier
// session of the same participant. The first participant becomes host.
func (s *Store) AddParticipant(ctx context.Context, roomID string, p call.Participant) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE rooms SET version = version + 1,
			host_id = CASE WHEN host_id = '' THEN ? ELSE host_id END
			WHERE id = ? AND archived_at = 0`, p.ID, roomID)
		if err != nil {
			return fmt.Errorf("update room: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		joinedAt := p.JoinedAt
		if joinedAt.IsZero() {
			joinedAt = s.now()
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO participants (room_id, participant_id, session_id, display_name, joined_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(room_id, participant_id) DO UPDATE SET
				session_id = excluded.session_id,
				display_name = excluded.display_name,
				joined_at = excluded.joined_at`,
			roomID, p.ID, p.SessionID, p.DisplayName, joinedAt.UnixMilli())
		if err != nil {
			return fmt.Errorf("insert participant: %w", err)
		}
		return nil
	})
}

// RemoveParticipant deletes participantID from the roster. The room is
// archived when its last participant leaves. Removing an absent
// participant is not an error.
func (s *Store) RemoveParticipant(ctx context.Context, roomID, participantID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM participants WHERE room_id = ? AND participant_id = ?`,
			roomID, participantID)
		if err != nil {
			return fmt.Errorf("delete participant: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}

		var remaining int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM participants WHERE room_id = ?`, roomID).
			Scan(&remaining); err != nil {
			return fmt.Errorf("count participants: %w", err)
		}

		archivedAt := int64(0)
		if remaining == 0 {
			archivedAt = s.now().UnixMilli()
		}
		_, err = tx.ExecContext(ctx, `UPDATE rooms SET version = version + 1, archived_at = ?,
			host_id = CASE WHEN host_id = ? THEN COALESCE(
				(SELECT participant_id FROM participants WHERE room_id = ? ORDER BY joined_at, participant_id LIMIT 1), '')
				ELSE host_id END
			WHERE id = ?`, archivedAt, participantID, roomID, roomID)
		if err != nil {
			return fmt.Errorf("update room: %w", err)
		}
		return nil
	})
}

// ArchiveActive empties every roster and archives the rooms that had
// participants. A relay calls it on startup since no connection survives
// a restart. It returns the number of rooms archived.
func (s *Store) ArchiveActive(ctx context.Context) (int, error) {
	var n int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE rooms SET version = version + 1, archived_at = ?, host_id = ''
			WHERE archived_at = 0 AND id IN (SELECT DISTINCT room_id FROM participants)`, s.now().UnixMilli())
		if err != nil {
			return fmt.Errorf("archive rooms: %w", err)
		}
		n, _ = res.RowsAffected()
		if _, err := tx.ExecContext(ctx, `DELETE FROM participants`); err != nil {
			return fmt.Errorf("clear participants: %w", err)
		}
		return nil
	})
	return int(n), err
}

// ListRooms returns active rooms, or archived ones when archived is set,
// newest first.
func (s *Store) ListRooms(ctx context.Context, archived bool) ([]RoomRecord, error) {
	query := `SELECT id, host_id, members, version, created_at, archived_at FROM rooms WHERE archived_at = 0
		ORDER BY created_at DESC`
	if archived {
		query = `SELECT id, host_id, members, version, created_at, archived_at FROM rooms WHERE archived_at != 0
			ORDER BY archived_at DESC`
	}

	var out []RoomRecord
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, query)
		if err != nil {
			return fmt.Errorf("query rooms: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var (
				rec                   RoomRecord
				members               string
				createdAt, archivedAt int64
			)
			if err := rows.Scan(&rec.ID, &rec.HostID, &members, &rec.Version, &createdAt, &archivedAt); err != nil {
				return fmt.Errorf("scan room: %w", err)
			}
			if err := json.Unmarshal([]byte(members), &rec.Members); err != nil {
				return fmt.Errorf("decode members: %w", err)
			}
			rec.CreatedAt = time.UnixMilli(createdAt)
			if archivedAt != 0 {
				rec.ArchivedAt = time.UnixMilli(archivedAt)
			}
			out = append(out, rec)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		rows.Close()

		for i := range out {
			if out[i].Participants, err = loadParticipants(ctx, tx, out[i].ID); err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}

// PushSignal appends msg to the inbox of its recipient.
func (s *Store) PushSignal(ctx context.Context, msg call.SignalMessage) error {
	body, err := msgpack.Marshal(&msg)
	if err != nil {
		return fmt.Errorf("encode signal: %w", err)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO signals (to_id, from_id, body, created_at) VALUES (?, ?, ?, ?)`,
			msg.ToID, msg.FromID, body, s.now().UnixMilli())
		if err != nil {
			return fmt.Errorf("insert signal: %w", err)
		}
		return nil
	})
}

// PopSignals removes and returns up to limit queued signals for toID in
// the order they were pushed.
func (s *Store) PopSignals(ctx context.Context, toID string, limit int) ([]call.SignalMessage, error) {
	var out []call.SignalMessage
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT id, body FROM signals WHERE to_id = ? ORDER BY id LIMIT ?`, toID, limit)
		if err != nil {
			return fmt.Errorf("query signals: %w", err)
		}
		defer rows.Close()

		var last int64
		for rows.Next() {
			var (
				body []byte
				msg  call.SignalMessage
			)
			if err := rows.Scan(&last, &body); err != nil {
				return fmt.Errorf("scan signal: %w", err)
			}
			if err := msgpack.Unmarshal(body, &msg); err != nil {
				return fmt.Errorf("decode signal: %w", err)
			}
			out = append(out, msg)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		rows.Close()

		if len(out) == 0 {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM signals WHERE to_id = ? AND id <= ?`, toID, last); err != nil {
			return fmt.Errorf("delete signals: %w", err)
		}
		return nil
	})
	return out, err
}

// PushNotices records a new-call alert for every recipient.
func (s *Store) PushNotices(ctx context.Context, roomID, callerID string, recipientIDs []string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.now().UnixMilli()
		for _, id := range recipientIDs {
			if _, err := tx.ExecContext(ctx, `INSERT INTO notices (room_id, caller_id, recipient_id, created_at)
				VALUES (?, ?, ?, ?)`, roomID, callerID, id, now); err != nil {
				return fmt.Errorf("insert notice: %w", err)
			}
		}
		return nil
	})
}

// PopNotices removes and returns the pending alerts of recipientID.
func (s *Store) PopNotices(ctx context.Context, recipientID string) ([]Notice, error) {
	var out []Notice
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT id, room_id, caller_id, created_at FROM notices
			WHERE recipient_id = ? ORDER BY id`, recipientID)
		if err != nil {
			return fmt.Errorf("query notices: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var (
				n         = Notice{RecipientID: recipientID}
				createdAt int64
			)
			if err := rows.Scan(&n.ID, &n.RoomID, &n.CallerID, &createdAt); err != nil {
				return fmt.Errorf("scan notice: %w", err)
			}
			n.CreatedAt = time.UnixMilli(createdAt)
			out = append(out, n)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		rows.Close()

		if len(out) == 0 {
			return nil
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM notices WHERE recipient_id = ? AND id <= ?`,
			recipientID, out[len(out)-1].ID)
		return err
	})
	return out, err
}
