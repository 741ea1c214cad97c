package conversation

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"github.com/Gigaversity/characters.ai/internal/config"
	"github.com/Gigaversity/characters.ai/pkg/telemetry"
	"github.com/Gigaversity/characters.ai/pkg/types"
)

const pingTimeout = 5 * time.Second

// SQLStore implements Store on database/sql
type SQLStore struct {
	db      *sql.DB
	dialect dialect
}

// Open connects to the configured database and verifies the connection
func Open(ctx context.Context, cfg config.DatabaseConfig) (*SQLStore, error) {
	d, err := dialectFor(cfg.Driver)
	if err != nil {
		return nil, err
	}

	driverName, dsn := dataSource(cfg)
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to %s database: %w", cfg.Driver, err)
	}

	return &SQLStore{db: db, dialect: d}, nil
}

// dataSource returns the database/sql driver name and DSN for cfg
func dataSource(cfg config.DatabaseConfig) (string, string) {
	switch cfg.Driver {
	case config.DriverPostgres:
		u := url.URL{
			Scheme: "postgres",
			User:   url.UserPassword(cfg.User, cfg.Password),
			Host:   net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
			Path:   "/" + cfg.Name,
		}
		return "pgx", u.String()
	case config.DriverSQLite:
		return "sqlite3", "file:" + cfg.Name + "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"
	default:
		mc := mysql.NewConfig()
		mc.User = cfg.User
		mc.Passwd = cfg.Password
		mc.Net = "tcp"
		mc.Addr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
		mc.DBName = cfg.Name
		mc.ParseTime = true
		mc.Loc = time.UTC
		mc.Params = map[string]string{"charset": "utf8mb4"}
		return "mysql", mc.FormatDSN()
	}
}

// Driver reports the configured dialect
func (s *SQLStore) Driver() string {
	return s.dialect.driver
}

// Close closes the database connection
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// InitSchema creates the conversation tables when missing
func (s *SQLStore) InitSchema(ctx context.Context) error {
	for _, stmt := range s.dialect.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("creating schema: %w", err)
		}
	}
	return nil
}

// RecordTurn stores one user/assistant exchange
func (s *SQLStore) RecordTurn(ctx context.Context, character, userMessage, botReply string) error {
	ctx, span := telemetry.StartStoreSpan(ctx, telemetry.SpanStoreRecordTurn, s.dialect.driver, character)
	defer span.End()

	query := s.dialect.rebind(fmt.Sprintf(
		`INSERT INTO conversations (%s, user_message, bot_reply) VALUES (?, ?, ?)`,
		s.dialect.ident("character"),
	))
	_, err := s.db.ExecContext(ctx, query, character, userMessage, botReply)
	if err != nil {
		err = fmt.Errorf("recording turn: %w", err)
		telemetry.RecordError(span, err, telemetry.ErrorTypeFromError(err), telemetry.ErrorCategoryPersistence)
		return err
	}
	return nil
}

// RecordTranscript stores the full transcript as a JSON array of role/content turns
func (s *SQLStore) RecordTranscript(ctx context.Context, character string, turns []types.Turn) error {
	ctx, span := telemetry.StartStoreSpan(ctx, telemetry.SpanStoreRecordTranscript, s.dialect.driver, character)
	defer span.End()
	telemetry.SetTranscriptLength(span, len(turns))

	if turns == nil {
		turns = []types.Turn{}
	}
	data, err := sonic.Marshal(turns)
	if err != nil {
		return fmt.Errorf("encoding transcript: %w", err)
	}

	query := s.dialect.rebind(fmt.Sprintf(
		`INSERT INTO full_conversations (%s, conversation) VALUES (?, ?)`,
		s.dialect.ident("character"),
	))
	if _, err := s.db.ExecContext(ctx, query, character, string(data)); err != nil {
		err = fmt.Errorf("recording transcript: %w", err)
		telemetry.RecordError(span, err, telemetry.ErrorTypeFromError(err), telemetry.ErrorCategoryPersistence)
		return err
	}
	return nil
}

// RecentTurns returns the newest exchanges first
func (s *SQLStore) RecentTurns(ctx context.Context, character string, limit int) ([]types.TurnRecord, error) {
	where, args := s.characterFilter(character)
	query := s.dialect.rebind(fmt.Sprintf(
		`SELECT id, %s, user_message, bot_reply, %s FROM conversations%s ORDER BY id DESC LIMIT ?`,
		s.dialect.ident("character"), s.dialect.ident("timestamp"), where,
	))
	args = append(args, normalizeLimit(limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying turns: %w", err)
	}
	defer rows.Close()

	var records []types.TurnRecord
	for rows.Next() {
		var rec types.TurnRecord
		if err := rows.Scan(&rec.ID, &rec.Character, &rec.UserMessage, &rec.BotReply, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("scanning turn: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating turns: %w", err)
	}
	return records, nil
}

// RecentTranscripts returns the newest snapshots first
func (s *SQLStore) RecentTranscripts(ctx context.Context, character string, limit int) ([]types.TranscriptRecord, error) {
	where, args := s.characterFilter(character)
	query := s.dialect.rebind(fmt.Sprintf(
		`SELECT id, %s, conversation, %s FROM full_conversations%s ORDER BY id DESC LIMIT ?`,
		s.dialect.ident("character"), s.dialect.ident("timestamp"), where,
	))
	args = append(args, normalizeLimit(limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying transcripts: %w", err)
	}
	defer rows.Close()

	var records []types.TranscriptRecord
	for rows.Next() {
		var (
			rec  types.TranscriptRecord
			data string
		)
		if err := rows.Scan(&rec.ID, &rec.Character, &data, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("scanning transcript: %w", err)
		}
		if err := sonic.UnmarshalString(data, &rec.Conversation); err != nil {
			return nil, fmt.Errorf("decoding transcript %d: %w", rec.ID, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating transcripts: %w", err)
	}
	return records, nil
}

func (s *SQLStore) characterFilter(character string) (string, []any) {
	if character == "" {
		return "", nil
	}
	return fmt.Sprintf(" WHERE %s = ?", s.dialect.ident("character")), []any{character}
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultHistoryLimit
	}
	return limit
}
