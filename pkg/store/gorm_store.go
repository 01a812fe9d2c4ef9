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

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
	"librarycatalog/pkg/domain"
)

const migrateLockID int64 = 51120241

const (
	pgUniqueViolation = "23505"
	pgCheckViolation  = "23514"
)

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&UserModel{}, &BookModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		if err := tx.Exec(refConstraintsSQL).Error; err != nil {
			return fmt.Errorf("add ref constraints: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

// Ping checks database reachability.
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
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
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// SaveUser registers or updates a user.
func (s *GormStore) SaveUser(ctx context.Context, u domain.User) error {
	model := userToModel(u)
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"username", "name", "email", "updated_at"}),
	}).Create(&model).Error
	return translateWriteError("save user", err)
}

// GetUserByID returns a user by ID.
func (s *GormStore) GetUserByID(ctx context.Context, id string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// GetUsersByIDs returns the users that exist among ids, keyed by ID.
func (s *GormStore) GetUsersByIDs(ctx context.Context, ids []string) (map[string]domain.User, error) {
	res := make(map[string]domain.User, len(ids))
	if len(ids) == 0 {
		return res, nil
	}
	var models []UserModel
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&models).Error; err != nil {
		return nil, err
	}
	for _, m := range models {
		res[m.ID] = userFromModel(m)
	}
	return res, nil
}

// UserExists reports whether a user with id exists.
func (s *GormStore) UserExists(ctx context.Context, id string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&UserModel{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// CreateBook inserts a new book record.
func (s *GormStore) CreateBook(ctx context.Context, b domain.Book) error {
	model := bookToModel(b)
	return translateWriteError("create book", s.db.WithContext(ctx).Create(&model).Error)
}

// UpdateBookMetadata writes the scalar columns of an existing record. The file
// and cover references are left to the swap methods.
func (s *GormStore) UpdateBookMetadata(ctx context.Context, b domain.Book) error {
	model := bookToModel(b)
	res := s.db.WithContext(ctx).
		Model(&BookModel{ID: b.ID}).
		Select(metadataColumns).
		Updates(&model)
	if res.Error != nil {
		return translateWriteError("update book", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("update book %s: %w", b.ID, domain.ErrNotFound)
	}
	return nil
}

var metadataColumns = []string{"title", "description", "isbn", "publisher", "published_on", "page_count", "language", "updated_at"}

// SwapFileRef points the record at a new file object if it still references expectKey.
func (s *GormStore) SwapFileRef(ctx context.Context, id, expectKey string, ref domain.FileRef, pageCount int, at time.Time) error {
	updates := map[string]any{
		"file_key":         ref.ObjectKey,
		"file_kind":        string(ref.Kind),
		"file_size":        ref.SizeBytes,
		"file_uploaded_at": ref.UploadedAt,
		"updated_at":       at,
	}
	if pageCount > 0 {
		updates["page_count"] = pageCount
	}
	return s.swapRef(ctx, "swap file", id, "file_key", expectKey, updates)
}

// SwapCoverRef sets, replaces or clears the cover if it still references expectKey.
func (s *GormStore) SwapCoverRef(ctx context.Context, id, expectKey string, ref *domain.CoverRef, at time.Time) error {
	updates := map[string]any{
		"cover_key":          nil,
		"cover_content_type": nil,
		"cover_size":         nil,
		"cover_uploaded_at":  nil,
		"updated_at":         at,
	}
	if ref != nil {
		updates["cover_key"] = ref.ObjectKey
		updates["cover_content_type"] = ref.ContentType
		updates["cover_size"] = ref.SizeBytes
		updates["cover_uploaded_at"] = ref.UploadedAt
	}
	return s.swapRef(ctx, "swap cover", id, "cover_key", expectKey, updates)
}

func (s *GormStore) swapRef(ctx context.Context, op, id, keyColumn, expectKey string, updates map[string]any) error {
	tx := s.db.WithContext(ctx).Model(&BookModel{}).Where("id = ?", id)
	if expectKey == "" {
		tx = tx.Where(keyColumn + " IS NULL")
	} else {
		tx = tx.Where(keyColumn+" = ?", expectKey)
	}
	res := tx.Updates(updates)
	if res.Error != nil {
		return translateWriteError(op, res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}
	var count int64
	if err := s.db.WithContext(ctx).Model(&BookModel{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return fmt.Errorf("%s %s: %w", op, id, err)
	}
	if count == 0 {
		return fmt.Errorf("%s %s: %w", op, id, domain.ErrNotFound)
	}
	return fmt.Errorf("%s %s: %w: %s changed concurrently", op, id, domain.ErrConflict, keyColumn)
}

// ListBooks returns all books ordered by created_at.
func (s *GormStore) ListBooks(ctx context.Context) ([]domain.Book, error) {
	return s.listBooks(ctx, "created_at ASC")
}

// ListBooksByAuthor returns books filtered by author.
func (s *GormStore) ListBooksByAuthor(ctx context.Context, authorID string) ([]domain.Book, error) {
	return s.listBooks(ctx, "created_at ASC", "author_id = ?", authorID)
}

// SearchBooks filters by title fragment, language and file presence.
func (s *GormStore) SearchBooks(ctx context.Context, q BookQuery) ([]domain.Book, error) {
	var models []BookModel
	tx := s.db.WithContext(ctx).Order("created_at ASC")
	if title := strings.TrimSpace(q.Title); title != "" {
		tx = tx.Where("title ILIKE ? ESCAPE '\\'", "%"+escapeLike(title)+"%")
	}
	if lang := strings.TrimSpace(q.Language); lang != "" {
		tx = tx.Where("LOWER(language) = LOWER(?)", lang)
	}
	if q.WithFile {
		tx = tx.Where("file_key IS NOT NULL")
	}
	if err := tx.Find(&models).Error; err != nil {
		return nil, err
	}
	return booksFromModels(models)
}

func (s *GormStore) listBooks(ctx context.Context, order string, conds ...any) ([]domain.Book, error) {
	var models []BookModel
	tx := s.db.WithContext(ctx).Order(order)
	if len(conds) > 0 {
		tx = tx.Where(conds[0], conds[1:]...)
	}
	if err := tx.Find(&models).Error; err != nil {
		return nil, err
	}
	return booksFromModels(models)
}

// GetBook retrieves a book.
func (s *GormStore) GetBook(ctx context.Context, id string) (domain.Book, bool, error) {
	var model BookModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Book{}, false, nil
		}
		return domain.Book{}, false, err
	}
	book, err := bookFromModel(model)
	if err != nil {
		return domain.Book{}, false, err
	}
	return book, true, nil
}

// HasISBN checks whether another record already carries isbn.
func (s *GormStore) HasISBN(ctx context.Context, isbn, excludeID string) (bool, error) {
	var count int64
	tx := s.db.WithContext(ctx).Model(&BookModel{}).Where("isbn = ?", isbn)
	if excludeID != "" {
		tx = tx.Where("id <> ?", excludeID)
	}
	if err := tx.Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// DeleteBook removes the record.
func (s *GormStore) DeleteBook(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&BookModel{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("delete book %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// CountBooks returns number of book records.
func (s *GormStore) CountBooks(ctx context.Context) (int, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&BookModel{}).Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

func translateWriteError(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return fmt.Errorf("%s: %w: %s", op, domain.ErrConflict, conflictSubject(pgErr.ConstraintName))
		case pgCheckViolation:
			return fmt.Errorf("%s: %w: %s violated", op, domain.ErrInconsistent, pgErr.ConstraintName)
		}
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%s: %w: %w", op, domain.ErrConflict, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func conflictSubject(constraint string) string {
	switch {
	case strings.Contains(constraint, "isbn"):
		return "isbn already registered"
	case strings.Contains(constraint, "email"):
		return "email already registered"
	case strings.Contains(constraint, "username"):
		return "username already taken"
	case strings.Contains(constraint, "pkey"):
		return "id already exists"
	default:
		return "duplicate key " + constraint
	}
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:        u.ID,
		Username:  u.Username,
		Name:      u.Name,
		Email:     u.Email,
		CreatedAt: u.CreatedAt,
		UpdatedAt: u.UpdatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	return domain.User{
		ID:        m.ID,
		Username:  m.Username,
		Name:      m.Name,
		Email:     m.Email,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

func bookToModel(b domain.Book) BookModel {
	m := BookModel{
		ID:          b.ID,
		Title:       b.Title,
		Description: b.Description,
		ISBN:        b.ISBN,
		Publisher:   b.Publisher,
		PageCount:   b.PageCount,
		Language:    b.Language,
		AuthorID:    b.AuthorID,
		CreatedAt:   b.CreatedAt,
		UpdatedAt:   b.UpdatedAt,
	}
	if b.PublishedOn != nil {
		d := datatypes.Date(*b.PublishedOn)
		m.PublishedOn = &d
	}
	if f := b.File; f != nil {
		kind := string(f.Kind)
		size := f.SizeBytes
		at := f.UploadedAt
		key := f.ObjectKey
		m.FileKey, m.FileKind, m.FileSize, m.FileUploadedAt = &key, &kind, &size, &at
	}
	if c := b.Cover; c != nil {
		ct := c.ContentType
		size := c.SizeBytes
		at := c.UploadedAt
		key := c.ObjectKey
		m.CoverKey, m.CoverContentType, m.CoverSize, m.CoverUploadedAt = &key, &ct, &size, &at
	}
	return m
}

// bookFromModel rejects rows whose reference columns are only partly set.
func bookFromModel(m BookModel) (domain.Book, error) {
	b := domain.Book{
		ID:          m.ID,
		Title:       m.Title,
		Description: m.Description,
		ISBN:        m.ISBN,
		Publisher:   m.Publisher,
		PageCount:   m.PageCount,
		Language:    m.Language,
		AuthorID:    m.AuthorID,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
	if m.PublishedOn != nil {
		t := time.Time(*m.PublishedOn)
		b.PublishedOn = &t
	}

	switch set := countSet(m.FileKey != nil, m.FileKind != nil, m.FileSize != nil, m.FileUploadedAt != nil); set {
	case 0:
	case 4:
		b.File = &domain.FileRef{
			ObjectKey:  *m.FileKey,
			Kind:       domain.MimeKind(*m.FileKind),
			SizeBytes:  *m.FileSize,
			UploadedAt: *m.FileUploadedAt,
		}
	default:
		return domain.Book{}, fmt.Errorf("%w: book %s has a partial file reference", domain.ErrInconsistent, m.ID)
	}

	switch set := countSet(m.CoverKey != nil, m.CoverContentType != nil, m.CoverSize != nil, m.CoverUploadedAt != nil); set {
	case 0:
	case 4:
		b.Cover = &domain.CoverRef{
			ObjectKey:   *m.CoverKey,
			ContentType: *m.CoverContentType,
			SizeBytes:   *m.CoverSize,
			UploadedAt:  *m.CoverUploadedAt,
		}
	default:
		return domain.Book{}, fmt.Errorf("%w: book %s has a partial cover reference", domain.ErrInconsistent, m.ID)
	}
	return b, nil
}

func booksFromModels(models []BookModel) ([]domain.Book, error) {
	res := make([]domain.Book, 0, len(models))
	for _, m := range models {
		b, err := bookFromModel(m)
		if err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, nil
}

func countSet(flags ...bool) int {
	n := 0
	for _, f := range flags {
		if f {
			n++
		}
	}
	return n
}
