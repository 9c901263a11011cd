// Package roster records which users may take part in which lesson rooms.
// It is the authorization collaborator the relay and the room facade consult
// before any signaling is emitted.
package roster

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

var ErrNotParticipant = errors.New("not a participant of this room")

// Participant is one roster row.
type Participant struct {
	RoomID  string    `db:"room_id" json:"roomId"`
	UserID  string    `db:"user_id" json:"userId"`
	Role    string    `db:"role" json:"role"`
	AddedAt time.Time `db:"added_at" json:"addedAt"`
}

type Store struct {
	db *sqlx.DB
}

// Open opens (and migrates) the roster database at dsn.
func Open(dsn string) (*Store, error) {
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open roster db")
	}
	// sqlite allows a single writer
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func migrate(db *sqlx.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS room_participants(
		room_id  TEXT NOT NULL,
		user_id  TEXT NOT NULL,
		role     TEXT NOT NULL DEFAULT 'student',
		added_at TIMESTAMP NOT NULL,
		PRIMARY KEY (room_id, user_id)
	);`)
	return errors.Wrap(err, "migrate roster")
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Add puts a user on the room roster. Adding an existing participant
// updates their role.
func (s *Store) Add(ctx context.Context, roomID, userID, role string) error {
	if role == "" {
		role = "student"
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO room_participants(room_id, user_id, role, added_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(room_id, user_id) DO UPDATE SET role = excluded.role`,
		roomID, userID, role, time.Now().UTC())
	return errors.Wrapf(err, "add %s to room %s", userID, roomID)
}

func (s *Store) Remove(ctx context.Context, roomID, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM room_participants WHERE room_id = ? AND user_id = ?`, roomID, userID)
	return errors.Wrapf(err, "remove %s from room %s", userID, roomID)
}

// DeleteRoom drops the whole roster of a room.
func (s *Store) DeleteRoom(ctx context.Context, roomID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM room_participants WHERE room_id = ?`, roomID)
	return errors.Wrapf(err, "delete roster of room %s", roomID)
}

// Participants lists a room's roster ordered by the time users were added.
func (s *Store) Participants(ctx context.Context, roomID string) ([]Participant, error) {
	var out []Participant
	err := s.db.SelectContext(ctx, &out, `SELECT room_id, user_id, role, added_at
		FROM room_participants WHERE room_id = ? ORDER BY added_at, user_id`, roomID)
	return out, errors.Wrapf(err, "list roster of room %s", roomID)
}

// Authorize returns ErrNotParticipant unless userID is on the room roster.
func (s *Store) Authorize(ctx context.Context, roomID, userID string) error {
	var one int
	err := s.db.GetContext(ctx, &one, `SELECT 1 FROM room_participants WHERE room_id = ? AND user_id = ?`, roomID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotParticipant
	}
	return errors.Wrap(err, "check roster")
}
