// Package sqlstore is an [authcore.AccountStore] over database/sql.
//
// PostgreSQL is reached through the pgx stdlib driver and SQLite through
// go-sqlite3. The schema ships as embedded goose migrations; call
// [Store.Migrate] once at startup. Lock times are stored as Unix
// milliseconds with 0 meaning unlocked.
package sqlstore
