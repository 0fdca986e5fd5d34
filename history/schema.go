package history

const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS rerun_attempts (
	id              TEXT PRIMARY KEY,
	session_id      TEXT NOT NULL,
	test_scope      TEXT NOT NULL,
	test_name       TEXT NOT NULL,
	attempt         INTEGER NOT NULL,
	outcome         TEXT NOT NULL,
	decision        TEXT NOT NULL,
	provisional     INTEGER NOT NULL,
	failure_kind    TEXT,
	failure_message TEXT,
	failure_trace   TEXT,
	fingerprint     TEXT,
	started_at_ns   INTEGER NOT NULL,
	ended_at_ns     INTEGER NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_rerun_attempts_test ON rerun_attempts (session_id, test_scope, test_name)`,
	`CREATE TABLE IF NOT EXISTS rerun_verdicts (
	id             TEXT PRIMARY KEY,
	session_id     TEXT NOT NULL,
	test_scope     TEXT NOT NULL,
	test_name      TEXT NOT NULL,
	flagged        INTEGER NOT NULL,
	source         TEXT NOT NULL,
	max_runs       INTEGER NOT NULL,
	min_passes     INTEGER NOT NULL,
	attempts       INTEGER NOT NULL,
	passes         INTEGER NOT NULL,
	outcome        TEXT NOT NULL,
	finished_at_ns INTEGER NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_rerun_verdicts_test ON rerun_verdicts (test_scope, test_name, finished_at_ns)`,
}

// MySQL has no CREATE INDEX IF NOT EXISTS, so indexes are declared inline.
var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS rerun_attempts (
	id              CHAR(26) PRIMARY KEY,
	session_id      CHAR(36) NOT NULL,
	test_scope      VARCHAR(512) NOT NULL,
	test_name       VARCHAR(512) NOT NULL,
	attempt         INT NOT NULL,
	outcome         VARCHAR(32) NOT NULL,
	decision        VARCHAR(64) NOT NULL,
	provisional     TINYINT(1) NOT NULL,
	failure_kind    VARCHAR(255),
	failure_message TEXT,
	failure_trace   MEDIUMTEXT,
	fingerprint     CHAR(24),
	started_at_ns   BIGINT NOT NULL,
	ended_at_ns     BIGINT NOT NULL,
	INDEX idx_rerun_attempts_test (session_id, test_scope(191), test_name(191))
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS rerun_verdicts (
	id             CHAR(26) PRIMARY KEY,
	session_id     CHAR(36) NOT NULL,
	test_scope     VARCHAR(512) NOT NULL,
	test_name      VARCHAR(512) NOT NULL,
	flagged        TINYINT(1) NOT NULL,
	source         VARCHAR(16) NOT NULL,
	max_runs       INT NOT NULL,
	min_passes     INT NOT NULL,
	attempts       INT NOT NULL,
	passes         INT NOT NULL,
	outcome        VARCHAR(32) NOT NULL,
	finished_at_ns BIGINT NOT NULL,
	INDEX idx_rerun_verdicts_test (test_scope(191), test_name(191), finished_at_ns)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
}
