package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type UserModel struct {
	ID        string    `gorm:"primaryKey"`
	Username  string    `gorm:"uniqueIndex;not null"`
	Name      string    `gorm:"not null"`
	Email     string    `gorm:"uniqueIndex;not null"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time
}

// BookModel flattens the file and cover references into nullable column groups.
// Each group is all NULL or all set; see refConstraintsSQL.
type BookModel struct {
	ID          string  `gorm:"primaryKey"`
	Title       string  `gorm:"size:255;not null"`
	Description string  `gorm:"size:2000"`
	ISBN        *string `gorm:"uniqueIndex"`
	Publisher   string
	PublishedOn *datatypes.Date
	PageCount   int
	Language    string `gorm:"size:35;index"`
	AuthorID    string `gorm:"not null;index"`

	FileKey        *string `gorm:"uniqueIndex"`
	FileKind       *string `gorm:"size:16"`
	FileSize       *int64
	FileUploadedAt *time.Time

	CoverKey         *string `gorm:"uniqueIndex"`
	CoverContentType *string `gorm:"size:50"`
	CoverSize        *int64
	CoverUploadedAt  *time.Time

	CreatedAt time.Time `gorm:"not null;index"`
	UpdatedAt time.Time `gorm:"not null"`
}

const refConstraintsSQL = `
DO $$
BEGIN
	IF NOT EXISTS (
		SELECT 1 FROM information_schema.table_constraints
		WHERE table_name = 'book_models' AND constraint_name = 'book_models_file_ref_complete'
	) THEN
		ALTER TABLE book_models ADD CONSTRAINT book_models_file_ref_complete CHECK (
			(file_key IS NULL AND file_kind IS NULL AND file_size IS NULL AND file_uploaded_at IS NULL)
			OR (file_key IS NOT NULL AND file_kind IS NOT NULL AND file_size IS NOT NULL AND file_uploaded_at IS NOT NULL)
		);
	END IF;
	IF NOT EXISTS (
		SELECT 1 FROM information_schema.table_constraints
		WHERE table_name = 'book_models' AND constraint_name = 'book_models_cover_ref_complete'
	) THEN
		ALTER TABLE book_models ADD CONSTRAINT book_models_cover_ref_complete CHECK (
			(cover_key IS NULL AND cover_content_type IS NULL AND cover_size IS NULL AND cover_uploaded_at IS NULL)
			OR (cover_key IS NOT NULL AND cover_content_type IS NOT NULL AND cover_size IS NOT NULL AND cover_uploaded_at IS NOT NULL)
		);
	END IF;
END $$;
`
