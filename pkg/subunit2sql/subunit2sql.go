/*
Copyright 2024 The Elastic Recheck Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package subunit2sql queries the test-result database for per-build
// test failures. Only catalog entries carrying a test-id filter hit
// this path.
package subunit2sql

import (
	"context"
	"fmt"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
)

// Runs are linked to CI builds through run_metadata; the short uuid is
// a prefix of the stored build_uuid.
const failingTestsQuery = `
SELECT DISTINCT t.test_id
FROM tests t
JOIN test_runs tr ON tr.test_id = t.id
JOIN run_metadata m ON m.run_id = tr.run_id
WHERE m.` + "`key`" + ` = 'build_uuid'
  AND m.value LIKE CONCAT(?, '%')
  AND tr.status = 'fail'`

// DB wraps the subunit2sql database.
type DB struct {
	db *sqlx.DB
}

// Open connects to the database at uri (Go MySQL DSN form).
func Open(uri string) (*DB, error) {
	db, err := sqlx.Open("mysql", uri)
	if err != nil {
		return nil, fmt.Errorf("opening subunit2sql db: %w", err)
	}
	return &DB{db: db}, nil
}

// Close releases the connection pool.
func (d *DB) Close() error { return d.db.Close() }

// FailingTestIDs returns the ids of tests that failed in the build
// identified by its short uuid.
func (d *DB) FailingTestIDs(ctx context.Context, buildShortUUID string) ([]string, error) {
	var ids []string
	if err := d.db.SelectContext(ctx, &ids, failingTestsQuery, buildShortUUID); err != nil {
		return nil, fmt.Errorf("querying failing tests for %s: %w", buildShortUUID, err)
	}
	return ids, nil
}
