package sqlstore

import (
	"strconv"
	"strings"
)

// Dialect adapts the shared queries to a database driver.
type Dialect struct {
	Name        string
	numbered    bool
	integerType string
}

var (
	SQLite   = Dialect{Name: "sqlite", integerType: "INTEGER"}
	Postgres = Dialect{Name: "postgres", numbered: true, integerType: "BIGINT"}
)

// Rebind rewrites ? placeholders into $n for drivers that need them.
func (d Dialect) Rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d Dialect) schema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS kv (key TEXT PRIMARY KEY, value TEXT NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS strategies (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			strategy_type TEXT NOT NULL,
			asset_in TEXT NOT NULL,
			asset_out TEXT NOT NULL,
			amount TEXT NOT NULL,
			recipient TEXT NOT NULL,
			price_feed_id TEXT NOT NULL DEFAULT '',
			zkp_data TEXT NOT NULL,
			encrypted_upper_bound TEXT NOT NULL,
			encrypted_lower_bound TEXT NOT NULL,
			server_key TEXT NOT NULL,
			encrypted_client_key TEXT NOT NULL,
			status TEXT NOT NULL,
			attempts ` + d.integerType + ` NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			tx_hash TEXT NOT NULL DEFAULT '',
			created_at_ms ` + d.integerType + ` NOT NULL,
			updated_at_ms ` + d.integerType + ` NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS strategies_status_idx ON strategies (status, created_at_ms)`,
	}
}
