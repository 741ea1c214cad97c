// Package conversation provides persistent storage for persona conversations
package conversation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/Gigaversity/characters.ai/internal/config"
	"github.com/Gigaversity/characters.ai/pkg/types"
)

// DefaultHistoryLimit caps history reads when no limit is given
const DefaultHistoryLimit = 20

// ErrUnsupportedDriver is returned for drivers without a dialect
var ErrUnsupportedDriver = errors.New("unsupported database driver")

// Store manages conversation persistence
type Store interface {
	// RecordTurn stores one user/assistant exchange. Transcript snapshots
	// repeat these turns; both are kept as an audit log.
	RecordTurn(ctx context.Context, character, userMessage, botReply string) error

	// RecordTranscript stores a full transcript snapshot
	RecordTranscript(ctx context.Context, character string, turns []types.Turn) error

	// RecentTurns returns the newest exchanges first; empty character means all
	RecentTurns(ctx context.Context, character string, limit int) ([]types.TurnRecord, error)

	// RecentTranscripts returns the newest snapshots first; empty character means all
	RecentTranscripts(ctx context.Context, character string, limit int) ([]types.TranscriptRecord, error)

	// Close releases the underlying connection pool
	Close() error
}

// dialect captures the per-driver SQL differences
type dialect struct {
	driver string
	schema []string
}

var dialects = map[string]dialect{
	config.DriverMySQL: {
		driver: config.DriverMySQL,
		schema: []string{
			"CREATE TABLE IF NOT EXISTS conversations (" +
				"id INT AUTO_INCREMENT PRIMARY KEY, " +
				"`character` VARCHAR(50), " +
				"user_message TEXT, " +
				"bot_reply TEXT, " +
				"`timestamp` TIMESTAMP DEFAULT CURRENT_TIMESTAMP, " +
				"INDEX idx_conversations_character (`character`)" +
				") DEFAULT CHARSET=utf8mb4",
			"CREATE TABLE IF NOT EXISTS full_conversations (" +
				"id INT AUTO_INCREMENT PRIMARY KEY, " +
				"`character` VARCHAR(50), " +
				"conversation LONGTEXT, " +
				"`timestamp` TIMESTAMP DEFAULT CURRENT_TIMESTAMP, " +
				"INDEX idx_full_conversations_character (`character`)" +
				") DEFAULT CHARSET=utf8mb4",
		},
	},
	config.DriverPostgres: {
		driver: config.DriverPostgres,
		schema: []string{
			`CREATE TABLE IF NOT EXISTS conversations (
				id SERIAL PRIMARY KEY,
				"character" VARCHAR(50),
				user_message TEXT,
				bot_reply TEXT,
				"timestamp" TIMESTAMP DEFAULT CURRENT_TIMESTAMP
			)`,
			`CREATE INDEX IF NOT EXISTS idx_conversations_character ON conversations ("character")`,
			`CREATE TABLE IF NOT EXISTS full_conversations (
				id SERIAL PRIMARY KEY,
				"character" VARCHAR(50),
				conversation TEXT,
				"timestamp" TIMESTAMP DEFAULT CURRENT_TIMESTAMP
			)`,
			`CREATE INDEX IF NOT EXISTS idx_full_conversations_character ON full_conversations ("character")`,
		},
	},
	config.DriverSQLite: {
		driver: config.DriverSQLite,
		schema: []string{
			`CREATE TABLE IF NOT EXISTS conversations (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				"character" VARCHAR(50),
				user_message TEXT,
				bot_reply TEXT,
				"timestamp" TIMESTAMP DEFAULT CURRENT_TIMESTAMP
			)`,
			`CREATE INDEX IF NOT EXISTS idx_conversations_character ON conversations ("character")`,
			`CREATE TABLE IF NOT EXISTS full_conversations (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				"character" VARCHAR(50),
				conversation TEXT,
				"timestamp" TIMESTAMP DEFAULT CURRENT_TIMESTAMP
			)`,
			`CREATE INDEX IF NOT EXISTS idx_full_conversations_character ON full_conversations ("character")`,
		},
	},
}

func dialectFor(driver string) (dialect, error) {
	d, ok := dialects[driver]
	if !ok {
		return dialect{}, fmt.Errorf("%w: %s", ErrUnsupportedDriver, driver)
	}
	return d, nil
}

// ident quotes a column name; "character" is reserved in MySQL
func (d dialect) ident(name string) string {
	if d.driver == config.DriverMySQL {
		return "`" + name + "`"
	}
	return `"` + name + `"`
}

// rebind rewrites ? placeholders to $n for postgres
func (d dialect) rebind(query string) string {
	if d.driver != config.DriverPostgres {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}
