package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"bookclub/pkg/domain"
)

const (
	migrateLockID   int64 = 51420931
	migrateLockName       = "bookclub_migrate"
)

// Supported database drivers.
const (
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
	DriverSQLite   = "sqlite"
)

// GormStore implements Store on GORM. Postgres is the production target;
// MySQL and SQLite are accepted for small deployments and tests.
type GormStore struct {
	db     *gorm.DB
	driver string
}

// Open connects to the database and runs auto-migrations under a
// cross-process lock where the dialect provides one.
func Open(driver, dsn string) (*GormStore, error) {
	driver = normalizeDriver(driver)
	var dialector gorm.Dialector
	switch driver {
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	case DriverMySQL:
		dialector = mysql.Open(dsn)
	case DriverSQLite:
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormLog, TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if driver == DriverSQLite && strings.Contains(dsn, ":memory:") {
		// Every pooled connection to :memory: is a separate database.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("get sql db: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	if err := withMigrationLock(db, driver, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(allModels()...); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db, driver: driver}, nil
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks database connectivity.
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func normalizeDriver(driver string) string {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "postgres", "postgresql", "pgx":
		return DriverPostgres
	case "mysql", "mariadb":
		return DriverMySQL
	case "sqlite", "sqlite3":
		return DriverSQLite
	default:
		return strings.ToLower(strings.TrimSpace(driver))
	}
}

func withMigrationLock(db *gorm.DB, driver string, fn func(*gorm.DB) error) error {
	var acquire, release string
	var arg any
	switch driver {
	case DriverPostgres:
		acquire, release, arg = "SELECT pg_advisory_lock($1)", "SELECT pg_advisory_unlock($1)", migrateLockID
	case DriverMySQL:
		acquire, release, arg = "SELECT GET_LOCK(?, 30)", "SELECT RELEASE_LOCK(?)", migrateLockName
	default:
		return fn(db)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execLock(ctx, conn, acquire, arg); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execLock(ctx, conn, release, arg)
	}()
	return fn(db)
}

func execLock(ctx context.Context, conn *sql.Conn, query string, arg any) error {
	_, err := conn.ExecContext(ctx, query, arg)
	return err
}

// translate maps driver errors onto store sentinels.
func translate(err error) error {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrConflict
	}
	return err
}

// likePattern builds a case-insensitive LIKE operand; '!' is the escape char.
func likePattern(term string) string {
	r := strings.NewReplacer("!", "!!", "%", "!%", "_", "!_")
	return "%" + r.Replace(strings.ToLower(term)) + "%"
}

// CreateUser inserts a user and its profile atomically.
func (s *GormStore) CreateUser(u domain.User, p domain.Profile) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		model := userToModel(u)
		if err := tx.Create(&model).Error; err != nil {
			return translate(err)
		}
		p.UserID = u.ID
		profile := profileToModel(p)
		return translate(tx.Create(&profile).Error)
	})
}

// SaveUser updates or inserts a user.
func (s *GormStore) SaveUser(u domain.User) error {
	model := userToModel(u)
	return translate(s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"username", "email", "password_hash", "role", "status", "updated_at"}),
	}).Create(&model).Error)
}

// HasUsername reports whether a username is taken (case-insensitive).
func (s *GormStore) HasUsername(username string) (bool, error) {
	var count int64
	if err := s.db.Model(&UserModel{}).Where("LOWER(username) = ?", strings.ToLower(username)).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// HasUserEmail checks if email exists.
func (s *GormStore) HasUserEmail(email string) (bool, error) {
	var count int64
	if err := s.db.Model(&UserModel{}).Where("email = ?", email).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// GetUserByEmail looks up a user by normalized email.
func (s *GormStore) GetUserByEmail(email string) (domain.User, bool, error) {
	return s.findUser("email = ?", email)
}

// GetUserByUsername looks up a user by username, ignoring case.
func (s *GormStore) GetUserByUsername(username string) (domain.User, bool, error) {
	return s.findUser("LOWER(username) = ?", strings.ToLower(username))
}

// GetUserByID returns a user by ID.
func (s *GormStore) GetUserByID(id string) (domain.User, bool, error) {
	return s.findUser("id = ?", id)
}

func (s *GormStore) findUser(query string, arg any) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.Where(query, arg).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// ListUsers returns all users ordered by created_at.
func (s *GormStore) ListUsers() ([]domain.User, error) {
	var models []UserModel
	if err := s.db.Order("created_at ASC").Order("id ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	return usersFromModels(models), nil
}

// UserCount returns number of users.
func (s *GormStore) UserCount() (int, error) {
	var count int64
	if err := s.db.Model(&UserModel{}).Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

// GetProfile returns the profile attached to userID.
func (s *GormStore) GetProfile(userID string) (domain.Profile, bool, error) {
	var model ProfileModel
	if err := s.db.First(&model, "user_id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Profile{}, false, nil
		}
		return domain.Profile{}, false, err
	}
	return profileFromModel(model), true, nil
}

// SaveProfile upserts a profile.
func (s *GormStore) SaveProfile(p domain.Profile) error {
	model := profileToModel(p)
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"bio", "avatar_key", "date_of_birth", "updated_at"}),
	}).Create(&model).Error
}

// usernames resolves display names for a set of user ids.
func usernames(tx *gorm.DB, ids []string) (map[string]string, error) {
	out := make(map[string]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var rows []UserModel
	if err := tx.Select("id", "username").Where("id IN ?", uniq(ids)).Find(&rows).Error; err != nil {
		return nil, err
	}
	for _, r := range rows {
		out[r.ID] = r.Username
	}
	return out, nil
}

func uniq(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:           u.ID,
		Username:     u.Username,
		Email:        u.Email,
		PasswordHash: u.PasswordHash,
		Role:         string(u.Role),
		Status:       string(u.Status),
		CreatedAt:    u.CreatedAt,
		UpdatedAt:    u.UpdatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	status := domain.UserStatus(m.Status)
	if status == "" {
		status = domain.StatusActive
	}
	return domain.User{
		ID:           m.ID,
		Username:     m.Username,
		Email:        m.Email,
		PasswordHash: m.PasswordHash,
		Role:         domain.UserRole(m.Role),
		Status:       status,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func usersFromModels(models []UserModel) []domain.User {
	out := make([]domain.User, 0, len(models))
	for _, m := range models {
		out = append(out, userFromModel(m))
	}
	return out
}

func profileToModel(p domain.Profile) ProfileModel {
	return ProfileModel{
		UserID:      p.UserID,
		Bio:         p.Bio,
		AvatarKey:   p.AvatarKey,
		DateOfBirth: p.DateOfBirth,
		UpdatedAt:   p.UpdatedAt,
	}
}

func profileFromModel(m ProfileModel) domain.Profile {
	return domain.Profile{
		UserID:      m.UserID,
		Bio:         m.Bio,
		AvatarKey:   m.AvatarKey,
		DateOfBirth: m.DateOfBirth,
		UpdatedAt:   m.UpdatedAt,
	}
}
