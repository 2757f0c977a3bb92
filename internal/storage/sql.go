package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/dreamware/conveyor/internal/cluster"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// SQLStore implements Store on SQLite. Replicas that share the database file
// share one config log, so it gives the multi-replica deployment its single
// ordered history.
type SQLStore struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// OpenSQL opens (and migrates) the database at path. WAL mode is enabled for
// file databases so readers don't block the writer.
func OpenSQL(path string) (*SQLStore, error) {
	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errors.Wrap(err, "create db directory")
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}
	// A single connection keeps :memory: databases alive and serializes
	// writers within the process.
	db.SetMaxOpenConns(1)

	pragmas := []string{"PRAGMA busy_timeout=5000", "PRAGMA foreign_keys=ON"}
	if path != MemoryPath {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, errors.Wrapf(err, "apply %q", p)
		}
	}

	s := &SQLStore{db: db, path: path, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

const migrationV1 = `
CREATE TABLE config_log (
	seq          INTEGER PRIMARY KEY AUTOINCREMENT,
	kind         TEXT NOT NULL,
	name         TEXT NOT NULL,
	config       TEXT,
	target_state TEXT,
	task         INTEGER NOT NULL DEFAULT 0,
	time         INTEGER NOT NULL
);

CREATE TABLE connectors (
	name          TEXT PRIMARY KEY,
	config        TEXT NOT NULL,
	target_state  TEXT NOT NULL,
	restarts      INTEGER NOT NULL DEFAULT 0,
	task_restarts TEXT,
	log_seq       INTEGER NOT NULL
);

CREATE TABLE offsets (
	connector TEXT NOT NULL,
	part      TEXT NOT NULL,
	position  TEXT NOT NULL,
	PRIMARY KEY (connector, part)
);

CREATE TABLE members (
	id         TEXT PRIMARY KEY,
	addr       TEXT NOT NULL,
	last_seen  INTEGER NOT NULL,
	generation INTEGER NOT NULL,
	held       TEXT,
	statuses   TEXT
);

CREATE TABLE cluster_state (
	id      INTEGER PRIMARY KEY CHECK (id = 1),
	version INTEGER NOT NULL,
	data    TEXT NOT NULL
);

CREATE TABLE leases (
	name    TEXT PRIMARY KEY,
	holder  TEXT NOT NULL,
	expires INTEGER NOT NULL
);
`

const migrationV2 = `
CREATE TABLE topic_records (
	topic TEXT NOT NULL,
	seq   INTEGER NOT NULL,
	value TEXT NOT NULL,
	PRIMARY KEY (topic, seq)
);
`

func (s *SQLStore) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL
	)`); err != nil {
		return errors.Wrap(err, "create schema_version table")
	}

	var current int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&current); err != nil {
		return errors.Wrap(err, "get schema version")
	}

	migrations := []struct {
		version int
		sql     string
	}{
		{1, migrationV1},
		{2, migrationV2},
	}
	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := s.db.Begin()
		if err != nil {
			return errors.Wrap(err, "begin transaction")
		}
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "apply migration v%d", m.version)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version, applied_at) VALUES (?, ?)", m.version, s.now().UnixNano()); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "record migration v%d", m.version)
		}
		if err := tx.Commit(); err != nil {
			return errors.Wrapf(err, "commit migration v%d", m.version)
		}
	}
	return nil
}

// classify maps driver failures onto the store's sentinel errors.
func classify(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return errors.Wrap(ErrNotFound, op)
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint failed"):
		return errors.Wrap(ErrConflict, op)
	case strings.Contains(msg, "database is locked"), strings.Contains(msg, "SQLITE_BUSY"),
		errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return errors.Wrapf(ErrUnavailable, "%s: %v", op, err)
	}
	return errors.Wrap(err, op)
}

func (s *SQLStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err, "begin transaction")
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return classify(tx.Commit(), "commit")
}

func (s *SQLStore) appendLog(ctx context.Context, tx *sql.Tx, rec Record) (int64, error) {
	var cfg []byte
	if rec.Config != nil {
		var err error
		if cfg, err = json.Marshal(rec.Config); err != nil {
			return 0, errors.Wrap(err, "encode config")
		}
	}
	res, err := tx.ExecContext(ctx,
		"INSERT INTO config_log (kind, name, config, target_state, task, time) VALUES (?, ?, ?, ?, ?, ?)",
		string(rec.Kind), rec.Name, nullString(cfg), string(rec.TargetState), rec.Task, s.now().UnixNano())
	if err != nil {
		return 0, classify(err, "append config log")
	}
	return res.LastInsertId()
}

func nullString(b []byte) sql.NullString {
	if b == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConnector(row rowScanner) (*Connector, error) {
	var (
		c            Connector
		cfg          string
		state        string
		taskRestarts sql.NullString
	)
	if err := row.Scan(&c.Name, &cfg, &state, &c.Restarts, &taskRestarts, &c.Offset); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(cfg), &c.Config); err != nil {
		return nil, errors.Wrapf(err, "decode config of %s", c.Name)
	}
	if taskRestarts.Valid && taskRestarts.String != "" {
		if err := json.Unmarshal([]byte(taskRestarts.String), &c.TaskRestarts); err != nil {
			return nil, errors.Wrapf(err, "decode restarts of %s", c.Name)
		}
	}
	c.TargetState = cluster.TargetState(state)
	return &c, nil
}

const connectorColumns = "name, config, target_state, restarts, task_restarts, log_seq"

func getConnector(ctx context.Context, tx *sql.Tx, name string) (*Connector, error) {
	row := tx.QueryRowContext(ctx, "SELECT "+connectorColumns+" FROM connectors WHERE name = ?", name)
	c, err := scanConnector(row)
	if err != nil {
		return nil, classify(err, "connector "+name)
	}
	return c, nil
}

func saveConnector(ctx context.Context, tx *sql.Tx, c *Connector) error {
	cfg, err := json.Marshal(copyMap(c.Config))
	if err != nil {
		return errors.Wrap(err, "encode config")
	}
	var restarts []byte
	if len(c.TaskRestarts) > 0 {
		if restarts, err = json.Marshal(c.TaskRestarts); err != nil {
			return errors.Wrap(err, "encode restarts")
		}
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO connectors (`+connectorColumns+`) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET config = excluded.config, target_state = excluded.target_state,
		restarts = excluded.restarts, task_restarts = excluded.task_restarts, log_seq = excluded.log_seq`,
		c.Name, string(cfg), string(c.TargetState), c.Restarts, nullString(restarts), c.Offset)
	return classify(err, "save connector "+c.Name)
}

func (s *SQLStore) CreateConnector(ctx context.Context, name string, config map[string]string) (*Connector, error) {
	var out *Connector
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := getConnector(ctx, tx, name); err == nil {
			return errors.Wrapf(ErrConflict, "connector %s already exists", name)
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
		offset, err := s.appendLog(ctx, tx, Record{Kind: RecordConfig, Name: name, Config: config})
		if err != nil {
			return err
		}
		out = &Connector{Name: name, Config: copyMap(config), TargetState: cluster.TargetStarted, Offset: offset}
		return saveConnector(ctx, tx, out)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLStore) PutConnector(ctx context.Context, name string, config map[string]string) (*Connector, bool, error) {
	var (
		out     *Connector
		created bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		c, err := getConnector(ctx, tx, name)
		switch {
		case errors.Is(err, ErrNotFound):
			c = &Connector{Name: name, TargetState: cluster.TargetStarted}
			created = true
		case err != nil:
			return err
		}
		offset, err := s.appendLog(ctx, tx, Record{Kind: RecordConfig, Name: name, Config: config})
		if err != nil {
			return err
		}
		c.Config = copyMap(config)
		c.Offset = offset
		out = c
		return saveConnector(ctx, tx, c)
	})
	if err != nil {
		return nil, false, err
	}
	return out, created, nil
}

func (s *SQLStore) GetConnector(ctx context.Context, name string) (*Connector, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+connectorColumns+" FROM connectors WHERE name = ?", name)
	c, err := scanConnector(row)
	if err != nil {
		return nil, classify(err, "connector "+name)
	}
	return c, nil
}

func (s *SQLStore) DeleteConnector(ctx context.Context, name string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, "DELETE FROM connectors WHERE name = ?", name)
		if err != nil {
			return classify(err, "delete connector "+name)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errors.Wrapf(ErrNotFound, "connector %s", name)
		}
		_, err = s.appendLog(ctx, tx, Record{Kind: RecordDelete, Name: name})
		return err
	})
}

func (s *SQLStore) ListConnectors(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM connectors ORDER BY name")
	if err != nil {
		return nil, classify(err, "list connectors")
	}
	defer rows.Close()

	names := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, classify(err, "scan connector name")
		}
		names = append(names, name)
	}
	return names, classify(rows.Err(), "list connectors")
}

func (s *SQLStore) mutateConnector(ctx context.Context, name string, rec Record, fn func(c *Connector)) (*Connector, error) {
	var out *Connector
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		c, err := getConnector(ctx, tx, name)
		if err != nil {
			return err
		}
		offset, err := s.appendLog(ctx, tx, rec)
		if err != nil {
			return err
		}
		fn(c)
		c.Offset = offset
		out = c
		return saveConnector(ctx, tx, c)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLStore) SetTargetState(ctx context.Context, name string, state cluster.TargetState) (*Connector, error) {
	return s.mutateConnector(ctx, name, Record{Kind: RecordTargetState, Name: name, TargetState: state}, func(c *Connector) {
		c.TargetState = state
	})
}

func (s *SQLStore) RequestRestart(ctx context.Context, name string, task int) (*Connector, error) {
	return s.mutateConnector(ctx, name, Record{Kind: RecordRestart, Name: name, Task: task}, func(c *Connector) {
		bumpRestart(c, task)
	})
}

func (s *SQLStore) Snapshot(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, "SELECT COALESCE(MAX(seq), 0) FROM config_log").Scan(&snap.Offset); err != nil {
			return classify(err, "read log offset")
		}
		rows, err := tx.QueryContext(ctx, "SELECT "+connectorColumns+" FROM connectors ORDER BY name")
		if err != nil {
			return classify(err, "snapshot connectors")
		}
		defer rows.Close()
		for rows.Next() {
			c, err := scanConnector(rows)
			if err != nil {
				return classify(err, "scan connector")
			}
			snap.Connectors = append(snap.Connectors, c)
		}
		return classify(rows.Err(), "snapshot connectors")
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func (s *SQLStore) ReadLog(ctx context.Context, after int64, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT seq, kind, name, config, target_state, task, time FROM config_log WHERE seq > ? ORDER BY seq LIMIT ?",
		after, limit)
	if err != nil {
		return nil, classify(err, "read config log")
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec   Record
			kind  string
			cfg   sql.NullString
			state sql.NullString
			nanos int64
		)
		if err := rows.Scan(&rec.Offset, &kind, &rec.Name, &cfg, &state, &rec.Task, &nanos); err != nil {
			return nil, classify(err, "scan config log")
		}
		rec.Kind = RecordKind(kind)
		rec.TargetState = cluster.TargetState(state.String)
		rec.Time = time.Unix(0, nanos)
		if cfg.Valid {
			if err := json.Unmarshal([]byte(cfg.String), &rec.Config); err != nil {
				return nil, errors.Wrapf(err, "decode log record %d", rec.Offset)
			}
		}
		out = append(out, rec)
	}
	return out, classify(rows.Err(), "read config log")
}

func (s *SQLStore) CommitOffsets(ctx context.Context, connector string, offsets cluster.Offsets) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for partition, position := range offsets {
			_, err := tx.ExecContext(ctx, `INSERT INTO offsets (connector, part, position) VALUES (?, ?, ?)
				ON CONFLICT(connector, part) DO UPDATE SET position = excluded.position`,
				connector, partition, position)
			if err != nil {
				return classify(err, "commit offsets")
			}
		}
		return nil
	})
}

func (s *SQLStore) Offsets(ctx context.Context, connector string) (cluster.Offsets, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT part, position FROM offsets WHERE connector = ?", connector)
	if err != nil {
		return nil, classify(err, "read offsets")
	}
	defer rows.Close()

	out := cluster.Offsets{}
	for rows.Next() {
		var partition, position string
		if err := rows.Scan(&partition, &position); err != nil {
			return nil, classify(err, "scan offsets")
		}
		out[partition] = position
	}
	return out, classify(rows.Err(), "read offsets")
}

func (s *SQLStore) RecordHeartbeat(ctx context.Context, m Member) error {
	held, err := json.Marshal(m.Held)
	if err != nil {
		return errors.Wrap(err, "encode held tasks")
	}
	statuses, err := json.Marshal(m.Statuses)
	if err != nil {
		return errors.Wrap(err, "encode statuses")
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO members (id, addr, last_seen, generation, held, statuses) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET addr = excluded.addr, last_seen = excluded.last_seen,
		generation = excluded.generation, held = excluded.held, statuses = excluded.statuses`,
		m.Node.ID, m.Node.Addr, m.LastSeen.UnixNano(), m.Generation, string(held), string(statuses))
	return classify(err, "record heartbeat")
}

func (s *SQLStore) Members(ctx context.Context) ([]Member, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, addr, last_seen, generation, held, statuses FROM members ORDER BY id")
	if err != nil {
		return nil, classify(err, "list members")
	}
	defer rows.Close()

	var out []Member
	for rows.Next() {
		var (
			m              Member
			nanos          int64
			held, statuses sql.NullString
		)
		if err := rows.Scan(&m.Node.ID, &m.Node.Addr, &nanos, &m.Generation, &held, &statuses); err != nil {
			return nil, classify(err, "scan member")
		}
		m.LastSeen = time.Unix(0, nanos)
		if held.Valid {
			if err := json.Unmarshal([]byte(held.String), &m.Held); err != nil {
				return nil, errors.Wrapf(err, "decode held tasks of %s", m.Node.ID)
			}
		}
		if statuses.Valid {
			if err := json.Unmarshal([]byte(statuses.String), &m.Statuses); err != nil {
				return nil, errors.Wrapf(err, "decode statuses of %s", m.Node.ID)
			}
		}
		out = append(out, m)
	}
	return out, classify(rows.Err(), "list members")
}

func (s *SQLStore) RemoveMember(ctx context.Context, id string, lastSeen time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM members WHERE id = ? AND last_seen = ?", id, lastSeen.UnixNano())
	if err != nil {
		return false, classify(err, "remove member "+id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, classify(err, "remove member "+id)
	}
	return n > 0, nil
}

func (s *SQLStore) LoadClusterState(ctx context.Context) (*cluster.State, error) {
	var data string
	err := s.db.QueryRowContext(ctx, "SELECT data FROM cluster_state WHERE id = 1").Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return cluster.EmptyState(), nil
	}
	if err != nil {
		return nil, classify(err, "load cluster state")
	}
	var st cluster.State
	if err := json.Unmarshal([]byte(data), &st); err != nil {
		return nil, errors.Wrap(err, "decode cluster state")
	}
	return &st, nil
}

func (s *SQLStore) SaveClusterState(ctx context.Context, st *cluster.State, expected int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var current int64
		err := tx.QueryRowContext(ctx, "SELECT version FROM cluster_state WHERE id = 1").Scan(&current)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return classify(err, "read cluster state version")
		}
		if current != expected {
			return errors.Wrapf(ErrConflict, "cluster state version is %d, expected %d", current, expected)
		}
		next := *st
		next.Version = expected + 1
		data, err := json.Marshal(&next)
		if err != nil {
			return errors.Wrap(err, "encode cluster state")
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO cluster_state (id, version, data) VALUES (1, ?, ?)
			ON CONFLICT(id) DO UPDATE SET version = excluded.version, data = excluded.data`,
			next.Version, string(data))
		if err != nil {
			return classify(err, "save cluster state")
		}
		st.Version = next.Version
		return nil
	})
}

func (s *SQLStore) AcquireLease(ctx context.Context, name, holder string, now time.Time, ttl time.Duration) (Lease, error) {
	var lease Lease
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var (
			current Lease
			expires int64
		)
		err := tx.QueryRowContext(ctx, "SELECT name, holder, expires FROM leases WHERE name = ?", name).
			Scan(&current.Name, &current.Holder, &expires)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return classify(err, "read lease "+name)
		default:
			current.Expires = time.Unix(0, expires)
			if current.Holder != holder && now.Before(current.Expires) {
				lease = current
				return nil
			}
		}
		lease = Lease{Name: name, Holder: holder, Expires: now.Add(ttl)}
		_, err = tx.ExecContext(ctx, `INSERT INTO leases (name, holder, expires) VALUES (?, ?, ?)
			ON CONFLICT(name) DO UPDATE SET holder = excluded.holder, expires = excluded.expires`,
			name, holder, lease.Expires.UnixNano())
		return classify(err, "write lease "+name)
	})
	return lease, err
}

func (s *SQLStore) ReleaseLease(ctx context.Context, name, holder string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM leases WHERE name = ? AND holder = ?", name, holder)
	if err != nil {
		return classify(err, "release lease "+name)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		if err := s.db.QueryRowContext(ctx, "SELECT 1 FROM leases WHERE name = ?", name).Scan(&exists); err != nil {
			return classify(err, "lease "+name)
		}
	}
	return nil
}

func (s *SQLStore) Append(ctx context.Context, topic string, values []string) (int64, error) {
	var first int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, "SELECT COALESCE(MAX(seq) + 1, 0) FROM topic_records WHERE topic = ?", topic).Scan(&first); err != nil {
			return classify(err, "read topic end")
		}
		for i, v := range values {
			if _, err := tx.ExecContext(ctx, "INSERT INTO topic_records (topic, seq, value) VALUES (?, ?, ?)",
				topic, first+int64(i), v); err != nil {
				return classify(err, "append to "+topic)
			}
		}
		return nil
	})
	return first, err
}

func (s *SQLStore) Fetch(ctx context.Context, topic string, offset int64, max int) ([]cluster.TopicRecord, int64, error) {
	if offset < 0 {
		offset = 0
	}
	limit := max
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT seq, value FROM topic_records WHERE topic = ? AND seq >= ? ORDER BY seq LIMIT ?",
		topic, offset, limit)
	if err != nil {
		return nil, 0, classify(err, "fetch "+topic)
	}
	defer rows.Close()

	next := offset
	var out []cluster.TopicRecord
	for rows.Next() {
		var rec cluster.TopicRecord
		if err := rows.Scan(&rec.Offset, &rec.Value); err != nil {
			return nil, 0, classify(err, "scan "+topic)
		}
		out = append(out, rec)
		next = rec.Offset + 1
	}
	return out, next, classify(rows.Err(), "fetch "+topic)
}

func (s *SQLStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `SELECT
		(SELECT COUNT(*) FROM connectors),
		(SELECT COALESCE(MAX(seq), 0) FROM config_log),
		(SELECT COUNT(*) FROM members),
		(SELECT COUNT(DISTINCT topic) FROM topic_records)`).
		Scan(&st.Connectors, &st.LogOffset, &st.Members, &st.Topics)
	return st, classify(err, "stats")
}

// Path returns the path to the database file.
func (s *SQLStore) Path() string {
	return s.path
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
