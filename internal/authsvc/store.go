package authsvc

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nao1215/chatgate/pkg/migration"
	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

//go:embed migrations/*.sql
var migrations embed.FS

var (
	// ErrEmailTaken はメールアドレスが既に登録されていることを表す。
	ErrEmailTaken = errors.New("authsvc: メールアドレスは既に登録されています")
	// ErrUserNotFound はユーザーが存在しないことを表す。
	ErrUserNotFound = errors.New("authsvc: ユーザーが見つかりません")
)

// User は認証サービスに登録されたユーザー。
type User struct {
	// ID はユーザーの一意識別子（UUID）。トークンのsubになる。
	ID string
	// Email はメールアドレス。
	Email string
	// DisplayName は表示名。
	DisplayName string
	// PasswordHash はbcryptでハッシュ化したパスワード。開発ユーザーは空。
	PasswordHash string
	// Roles はユーザーのロール。
	Roles []string
	// CreatedAt は作成日時。
	CreatedAt time.Time
	// LastLoginAt は最終ログイン日時。
	LastLoginAt time.Time
}

// Store はユーザーを保存するSQLiteストア。
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
	// インメモリDBは接続ごとに別のデータベースになるため1本に制限する。
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

// CreateUser はユーザーを登録する。メールアドレスが重複する場合はErrEmailTakenを返す。
func (s *Store) CreateUser(ctx context.Context, email, displayName, passwordHash string, roles []string) (*User, error) {
	u := &User{
		ID:           uuid.New().String(),
		Email:        email,
		DisplayName:  displayName,
		PasswordHash: passwordHash,
		Roles:        roles,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, email, display_name, password_hash, roles) VALUES (?, ?, ?, ?, ?)`,
		u.ID, u.Email, u.DisplayName, u.PasswordHash, strings.Join(roles, ","),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrEmailTaken
		}
		return nil, fmt.Errorf("ユーザーの登録に失敗: %w", err)
	}
	return s.GetUserByEmail(ctx, email)
}

// GetUserByEmail はメールアドレスからユーザーを取得する。
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, email, display_name, password_hash, roles, created_at, last_login_at FROM users WHERE email = ?`,
		email,
	)
	var (
		u     User
		roles string
	)
	err := row.Scan(&u.ID, &u.Email, &u.DisplayName, &u.PasswordHash, &roles, &u.CreatedAt, &u.LastLoginAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ユーザーの取得に失敗: %w", err)
	}
	if roles != "" {
		u.Roles = strings.Split(roles, ",")
	}
	return &u, nil
}

// UpdateLastLogin は最終ログイン日時を更新する。
func (s *Store) UpdateLastLogin(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE users SET last_login_at = datetime('now') WHERE id = ?`, id); err != nil {
		return fmt.Errorf("最終ログイン日時の更新に失敗: %w", err)
	}
	return nil
}

// EnsureUser はメールアドレスのユーザーを取得し、存在しなければパスワードなしで作成する。
func (s *Store) EnsureUser(ctx context.Context, email, displayName string, roles []string) (*User, error) {
	u, err := s.GetUserByEmail(ctx, email)
	if errors.Is(err, ErrUserNotFound) {
		u, err = s.CreateUser(ctx, email, displayName, "", roles)
		if errors.Is(err, ErrEmailTaken) {
			return s.GetUserByEmail(ctx, email)
		}
	}
	return u, err
}

// isUniqueViolation は一意制約違反かどうかを判定する。
func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE || se.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}
