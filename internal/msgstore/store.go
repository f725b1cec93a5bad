package msgstore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nao1215/chatgate/pkg/event"
	"github.com/nao1215/chatgate/pkg/migration"
	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

//go:embed migrations/*.sql
var migrations embed.FS

// ErrDuplicateMessage は同じIDのメッセージが既に保存されていることを表す。
var ErrDuplicateMessage = errors.New("msgstore: メッセージは既に保存されています")

// Store はメッセージを保存するSQLiteストア。
type Store struct {
	db *sql.DB
}

// OpenStore はSQLiteデータベースを開き、マイグレーションを適用する。
// pathに ":memory:" を指定するとインメモリデータベースを使用する。
func OpenStore(ctx context.Context, path string, logger *zap.Logger) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := migration.Run(ctx, db, migrations, "migrations", logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("マイグレーションに失敗: %w", err)
	}
	return &Store{db: db}, nil
}

// Close はデータベース接続を閉じる。
func (s *Store) Close() error {
	return s.db.Close()
}

// Append はメッセージを追記する。同じIDが既にある場合はErrDuplicateMessageを返す。
func (s *Store) Append(ctx context.Context, m *event.ChatMessage) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, type, room, sender, payload, sent_at) VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, string(m.Type), m.Room, m.Sender, string(m.Payload), m.SentAt.UnixNano(),
	)
	if err != nil {
		var se *sqlite.Error
		if errors.As(err, &se) && se.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY {
			return ErrDuplicateMessage
		}
		return fmt.Errorf("メッセージの保存に失敗: %w", err)
	}
	return nil
}

// List はルームのメッセージをsinceより後から送信日時順に最大limit件返す。
func (s *Store) List(ctx context.Context, room string, since time.Time, limit int) ([]event.ChatMessage, error) {
	var sinceNano int64
	if !since.IsZero() {
		sinceNano = since.UnixNano()
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, room, sender, payload, sent_at FROM messages
		 WHERE room = ? AND sent_at > ?
		 ORDER BY sent_at, rowid
		 LIMIT ?`,
		room, sinceNano, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("メッセージの取得に失敗: %w", err)
	}
	defer rows.Close()

	messages := make([]event.ChatMessage, 0)
	for rows.Next() {
		var (
			m       event.ChatMessage
			typ     string
			payload string
			sentAt  int64
		)
		if err := rows.Scan(&m.ID, &typ, &m.Room, &m.Sender, &payload, &sentAt); err != nil {
			return nil, fmt.Errorf("メッセージの読み取りに失敗: %w", err)
		}
		m.Type = event.Type(typ)
		if payload != "" {
			m.Payload = json.RawMessage(payload)
		}
		m.SentAt = time.Unix(0, sentAt).UTC()
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("メッセージの読み取りに失敗: %w", err)
	}
	return messages, nil
}
