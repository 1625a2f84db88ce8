package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"oathboard/api/internal/util"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

const sessionColumns = `id::text, join_code, feature, creator_name, joiner_name, note, status, end_reason, state::text, version, created_at, updated_at, ended_at`

func scanSession(row rowScanner) (PairSession, error) {
	var item PairSession
	var state string
	err := row.Scan(
		&item.ID,
		&item.JoinCode,
		&item.Feature,
		&item.CreatorName,
		&item.JoinerName,
		&item.Note,
		&item.Status,
		&item.EndReason,
		&state,
		&item.Version,
		&item.CreatedAt,
		&item.UpdatedAt,
		&item.EndedAt,
	)
	if err != nil {
		return PairSession{}, err
	}
	item.State = json.RawMessage(state)
	return item, nil
}

func (s *PostgresStore) InsertSession(ctx context.Context, item PairSession) (PairSession, error) {
	state := item.State
	if len(state) == 0 {
		state = json.RawMessage(`{}`)
	}
	status := item.Status
	if status == "" {
		status = StatusWaiting
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO pair_sessions (id, join_code, feature, creator_name, note, status, state)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb)
		RETURNING `+sessionColumns,
		item.ID, item.JoinCode, item.Feature, item.CreatorName, item.Note, status, string(state))
	created, err := scanSession(row)
	if isUniqueViolation(err, "pair_sessions_open_code_idx") {
		return PairSession{}, ErrCodeTaken
	}
	if err != nil {
		return PairSession{}, fmt.Errorf("insert session: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (PairSession, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM pair_sessions WHERE id::text=$1`, id)
	item, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return PairSession{}, err
	}
	if err != nil {
		return PairSession{}, fmt.Errorf("get session: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) FindOpenSessionByCode(ctx context.Context, code string) (PairSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM pair_sessions
		WHERE join_code=$1 AND status IN ('waiting', 'active')
	`, code)
	item, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return PairSession{}, err
	}
	if err != nil {
		return PairSession{}, fmt.Errorf("find session by code: %w", err)
	}
	return item, nil
}

// AttachJoiner sets the joiner and activates the session only if no joiner
// is attached yet.
func (s *PostgresStore) AttachJoiner(ctx context.Context, id, joinerName string) (PairSession, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE pair_sessions
		SET joiner_name=$2, status='active', version=version+1, updated_at=NOW()
		WHERE id::text=$1 AND joiner_name IS NULL AND status='waiting'
		RETURNING `+sessionColumns, id, joinerName)
	item, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := s.GetSession(ctx, id); getErr != nil {
			return PairSession{}, getErr
		}
		return PairSession{}, ErrSessionFull
	}
	if err != nil {
		return PairSession{}, fmt.Errorf("attach joiner: %w", err)
	}
	return item, nil
}

// UpdateSession writes the state document of an open session. With Merge the
// document is shallow-merged into the stored one, otherwise it replaces it.
// Closed sessions yield ErrSessionClosed.
func (s *PostgresStore) UpdateSession(ctx context.Context, id string, update StateUpdate) (PairSession, error) {
	state := update.State
	if len(state) == 0 {
		state = json.RawMessage(`{}`)
	}
	row := s.db.QueryRowContext(ctx, `
		UPDATE pair_sessions
		SET state = CASE WHEN $3 THEN state || $2::jsonb ELSE $2::jsonb END,
			status = COALESCE(NULLIF($5, ''), status),
			version = version + 1,
			updated_at = NOW()
		WHERE id::text=$1 AND status IN ('waiting', 'active') AND ($4 = 0 OR version = $4)
		RETURNING `+sessionColumns,
		id, string(state), update.Merge, update.ExpectVersion, update.Status)
	item, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		current, getErr := s.GetSession(ctx, id)
		if getErr != nil {
			return PairSession{}, getErr
		}
		if !current.Open() {
			return PairSession{}, ErrSessionClosed
		}
		return PairSession{}, ErrVersionConflict
	}
	if err != nil {
		return PairSession{}, fmt.Errorf("update session state: %w", err)
	}
	return item, nil
}

// EndSession marks an open session ended. Ending a session that is already
// closed returns it unchanged with changed=false.
func (s *PostgresStore) EndSession(ctx context.Context, id, reason string) (PairSession, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE pair_sessions
		SET status='ended', end_reason=$2, ended_at=NOW(), version=version+1, updated_at=NOW()
		WHERE id::text=$1 AND status IN ('waiting', 'active')
		RETURNING `+sessionColumns, id, reason)
	item, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		current, getErr := s.GetSession(ctx, id)
		if getErr != nil {
			return PairSession{}, false, getErr
		}
		return current, false, nil
	}
	if err != nil {
		return PairSession{}, false, fmt.Errorf("end session: %w", err)
	}
	return item, true, nil
}

func (s *PostgresStore) DeleteSession(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM pair_sessions WHERE id::text=$1`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete session rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

const roundColumns = `session_id::text, round, level, idea, paraphrase, speaker_rating, listener_rating, correction, status, COALESCE(position, ''), created_at, updated_at`

func scanRound(row rowScanner) (Round, error) {
	var item Round
	err := row.Scan(
		&item.SessionID,
		&item.Number,
		&item.Level,
		&item.Idea,
		&item.Paraphrase,
		&item.SpeakerRating,
		&item.ListenerRating,
		&item.Correction,
		&item.Status,
		&item.Position,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	return item, err
}

func (s *PostgresStore) InsertRound(ctx context.Context, item Round) (Round, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO pair_rounds (session_id, round, level, idea, paraphrase, speaker_rating, listener_rating, correction, status, position)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, ''))
		RETURNING `+roundColumns,
		item.SessionID, item.Number, item.Level, item.Idea, item.Paraphrase, item.SpeakerRating, item.ListenerRating, item.Correction, item.Status, item.Position)
	created, err := scanRound(row)
	if isUniqueViolation(err, "") {
		return Round{}, ErrRoundExists
	}
	if err != nil {
		return Round{}, fmt.Errorf("insert round: %w", err)
	}
	return created, nil
}

// UpdateRound applies the rating outcome of a round. Empty correction and
// position and a zero listener rating leave the stored values untouched.
func (s *PostgresStore) UpdateRound(ctx context.Context, item Round) (Round, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE pair_rounds
		SET speaker_rating=$3,
			listener_rating=CASE WHEN $4 > 0 THEN $4 ELSE listener_rating END,
			correction=COALESCE(NULLIF($5, ''), correction),
			status=$6,
			position=COALESCE(NULLIF($7, ''), position),
			updated_at=NOW()
		WHERE session_id::text=$1 AND round=$2
		RETURNING `+roundColumns,
		item.SessionID, item.Number, item.SpeakerRating, item.ListenerRating, item.Correction, item.Status, item.Position)
	updated, err := scanRound(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Round{}, err
	}
	if err != nil {
		return Round{}, fmt.Errorf("update round: %w", err)
	}
	return updated, nil
}

func (s *PostgresStore) ListRounds(ctx context.Context, sessionID string) ([]Round, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+roundColumns+`
		FROM pair_rounds
		WHERE session_id::text=$1
		ORDER BY round ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list rounds: %w", err)
	}
	defer rows.Close()

	items := make([]Round, 0)
	for rows.Next() {
		item, err := scanRound(rows)
		if err != nil {
			return nil, fmt.Errorf("scan round: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rounds: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertMessage(ctx context.Context, item Message) (Message, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO pair_messages (id, session_id, author_role, author_name, body)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`, item.ID, item.SessionID, item.AuthorRole, item.AuthorName, item.Body).Scan(&item.CreatedAt)
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id::text, session_id::text, author_role, author_name, body, created_at
		FROM (
			SELECT * FROM pair_messages
			WHERE session_id::text=$1
			ORDER BY created_at DESC
			LIMIT $2
		) recent
		ORDER BY created_at ASC
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	items := make([]Message, 0)
	for rows.Next() {
		var item Message
		if err := rows.Scan(&item.ID, &item.SessionID, &item.AuthorRole, &item.AuthorName, &item.Body, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) EnsureUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO users (id, email, last_sign_in_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (email) DO UPDATE SET last_sign_in_at=NOW()
		RETURNING id, email, created_at, last_sign_in_at
	`, util.NewID("usr"), email).Scan(&user.ID, &user.Email, &user.CreatedAt, &user.LastSignInAt)
	if err != nil {
		return User{}, fmt.Errorf("ensure user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, created_at, last_sign_in_at FROM users WHERE id=$1
	`, userID).Scan(&user.ID, &user.Email, &user.CreatedAt, &user.LastSignInAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) InsertMagicLink(ctx context.Context, link MagicLink) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO magic_links (id, email, secret_hash, expires_at)
		VALUES ($1, $2, $3, $4)
	`, link.ID, link.Email, link.SecretHash, link.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert magic link: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetMagicLink(ctx context.Context, id string) (MagicLink, error) {
	var link MagicLink
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, secret_hash, expires_at, used_at, created_at
		FROM magic_links
		WHERE id=$1
	`, id).Scan(&link.ID, &link.Email, &link.SecretHash, &link.ExpiresAt, &link.UsedAt, &link.CreatedAt)
	if err != nil {
		return MagicLink{}, err
	}
	return link, nil
}

func (s *PostgresStore) MarkMagicLinkUsed(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE magic_links SET used_at=NOW() WHERE id=$1 AND used_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("mark magic link used: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark magic link rows: %w", err)
	}
	if affected == 0 {
		return ErrLinkUsed
	}
	return nil
}

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT u.id, u.email, u.created_at, u.last_sign_in_at
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`, tokenHash).Scan(&user.ID, &user.Email, &user.CreatedAt, &user.LastSignInAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// RotateRefreshSession revokes oldHash and records newHash for the same user
// in one transaction. A token that is unknown, expired or already revoked
// yields sql.ErrNoRows.
func (s *PostgresStore) RotateRefreshSession(ctx context.Context, oldHash, newHash string, expiresAt time.Time) (User, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return User{}, fmt.Errorf("begin rotate: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var userID string
	err = tx.QueryRowContext(ctx, `
		UPDATE refresh_sessions SET revoked_at=NOW()
		WHERE token_hash=$1 AND revoked_at IS NULL AND expires_at > NOW()
		RETURNING user_id
	`, oldHash).Scan(&userID)
	if err != nil {
		return User{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at) VALUES ($1, $2, $3)
	`, newHash, userID, expiresAt); err != nil {
		return User{}, fmt.Errorf("insert rotated session: %w", err)
	}

	var user User
	err = tx.QueryRowContext(ctx, `SELECT id, email, created_at, last_sign_in_at FROM users WHERE id=$1`, userID).
		Scan(&user.ID, &user.Email, &user.CreatedAt, &user.LastSignInAt)
	if err != nil {
		return User{}, fmt.Errorf("load rotated user: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return User{}, fmt.Errorf("commit rotate: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

const profileColumns = `id, user_id, slug, display_name, pledge, bio, created_at, updated_at`

func scanProfile(row rowScanner) (Profile, error) {
	var item Profile
	err := row.Scan(&item.ID, &item.UserID, &item.Slug, &item.DisplayName, &item.Pledge, &item.Bio, &item.CreatedAt, &item.UpdatedAt)
	return item, err
}

// UpsertProfile creates the profile of item.UserID or updates its editable
// fields. The slug is only written on creation.
func (s *PostgresStore) UpsertProfile(ctx context.Context, item Profile) (Profile, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO profiles (id, user_id, slug, display_name, pledge, bio)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id) DO UPDATE
		SET display_name=EXCLUDED.display_name, pledge=EXCLUDED.pledge, bio=EXCLUDED.bio, updated_at=NOW()
		RETURNING `+profileColumns,
		item.ID, item.UserID, item.Slug, item.DisplayName, item.Pledge, item.Bio)
	saved, err := scanProfile(row)
	if isUniqueViolation(err, "profiles_slug_key") {
		return Profile{}, ErrSlugTaken
	}
	if err != nil {
		return Profile{}, fmt.Errorf("upsert profile: %w", err)
	}
	return saved, nil
}

func (s *PostgresStore) GetProfileBySlug(ctx context.Context, slug string) (Profile, error) {
	return scanProfile(s.db.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM profiles WHERE slug=$1`, slug))
}

func (s *PostgresStore) GetProfileByUserID(ctx context.Context, userID string) (Profile, error) {
	return scanProfile(s.db.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM profiles WHERE user_id=$1`, userID))
}

func (s *PostgresStore) UpsertWitness(ctx context.Context, item Witness) (Witness, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO witnesses (profile_id, witness_user_id, witness_name, note)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (profile_id, witness_user_id) DO UPDATE SET witness_name=EXCLUDED.witness_name, note=EXCLUDED.note
		RETURNING created_at
	`, item.ProfileID, item.WitnessUserID, item.WitnessName, item.Note).Scan(&item.CreatedAt)
	if err != nil {
		return Witness{}, fmt.Errorf("upsert witness: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) ListWitnesses(ctx context.Context, profileID string) ([]Witness, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT profile_id, witness_user_id, witness_name, note, created_at
		FROM witnesses
		WHERE profile_id=$1
		ORDER BY created_at ASC
	`, profileID)
	if err != nil {
		return nil, fmt.Errorf("list witnesses: %w", err)
	}
	defer rows.Close()

	items := make([]Witness, 0)
	for rows.Next() {
		var item Witness
		if err := rows.Scan(&item.ProfileID, &item.WitnessUserID, &item.WitnessName, &item.Note, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan witness: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate witnesses: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) CountWitnesses(ctx context.Context, profileID string) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM witnesses WHERE profile_id=$1`, profileID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count witnesses: %w", err)
	}
	return count, nil
}
