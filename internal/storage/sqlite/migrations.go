package sqlite

import "database/sql"

const schemaVersion = 2

const schemaV1 = `
CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS users (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    username        TEXT NOT NULL UNIQUE,
    email           TEXT NOT NULL UNIQUE,
    role            TEXT NOT NULL DEFAULT 'student'
                    CHECK(role IN ('student','admin')),
    hashed_password TEXT NOT NULL,
    created_at      DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS courses (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    title        TEXT NOT NULL,
    description  TEXT NOT NULL DEFAULT '',
    slug         TEXT NOT NULL UNIQUE,
    is_published INTEGER NOT NULL DEFAULT 0,
    created_at   DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS exercises (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    course_id    INTEGER NOT NULL REFERENCES courses(id) ON DELETE CASCADE,
    title        TEXT NOT NULL,
    slug         TEXT NOT NULL DEFAULT '',
    description  TEXT NOT NULL DEFAULT '',
    initial_code TEXT NOT NULL DEFAULT '',
    test_code    TEXT NOT NULL DEFAULT '',
    language     TEXT NOT NULL DEFAULT 'python',
    position     INTEGER NOT NULL DEFAULT 0,
    passing_rule TEXT NOT NULL DEFAULT 'tests_pass'
                 CHECK(passing_rule IN ('tests_pass','ai_evaluated','manual'))
);

CREATE INDEX IF NOT EXISTS idx_exercises_course ON exercises(course_id, position);
`

const schemaV2 = `
CREATE TABLE IF NOT EXISTS tutor_sessions (
    id          TEXT PRIMARY KEY,
    username    TEXT NOT NULL,
    exercise_id INTEGER NOT NULL DEFAULT 0,
    title       TEXT NOT NULL DEFAULT '',
    persona     TEXT NOT NULL DEFAULT '',
    created_at  DATETIME NOT NULL DEFAULT (datetime('now')),
    updated_at  DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_tutor_sessions_user ON tutor_sessions(username, updated_at DESC);

CREATE TABLE IF NOT EXISTS session_messages (
    session_id TEXT PRIMARY KEY REFERENCES tutor_sessions(id) ON DELETE CASCADE,
    messages   TEXT NOT NULL DEFAULT '[]',
    updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);
`

var migrations = []string{schemaV1, schemaV2}

func runMigrations(db *sql.DB) error {
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return err
	}

	var current int
	row := db.QueryRow("SELECT version FROM schema_version LIMIT 1")
	if err := row.Scan(&current); err != nil {
		// Fresh database
		current = 0
	}

	if current >= schemaVersion {
		return nil
	}

	for v := current; v < schemaVersion; v++ {
		if _, err := db.Exec(migrations[v]); err != nil {
			return err
		}
	}

	_, err := db.Exec(`
		DELETE FROM schema_version;
		INSERT INTO schema_version (version) VALUES (?);
	`, schemaVersion)
	return err
}
