package store

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"librarycatalog/pkg/domain"
)

func TestBookModelRefs(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	published := time.Date(1899, 1, 1, 0, 0, 0, 0, time.UTC)
	book := domain.Book{
		ID:          "b1",
		Title:       "Dom Casmurro",
		ISBN:        strPtr("9788535910667"),
		PublishedOn: &published,
		AuthorID:    "u1",
		File:        &domain.FileRef{ObjectKey: "books/a.pdf", Kind: domain.KindPDF, SizeBytes: 2048, UploadedAt: now},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	model := bookToModel(book)
	if model.CoverKey != nil || model.CoverContentType != nil || model.CoverSize != nil || model.CoverUploadedAt != nil {
		t.Fatalf("absent cover must map to all-NULL columns: %+v", model)
	}
	got, err := bookFromModel(model)
	if err != nil {
		t.Fatalf("bookFromModel: %v", err)
	}
	if got.File == nil || *got.File != *book.File {
		t.Fatalf("file ref = %+v, want %+v", got.File, book.File)
	}
	if got.Cover != nil {
		t.Fatalf("cover = %+v, want nil", got.Cover)
	}
	if got.PublishedOn == nil || !got.PublishedOn.Equal(published) {
		t.Fatalf("publishedOn = %v", got.PublishedOn)
	}

	model.FileSize = nil
	if _, err := bookFromModel(model); !errors.Is(err, domain.ErrInconsistent) {
		t.Fatalf("partial file ref err = %v, want inconsistent", err)
	}
	model = bookToModel(book)
	ct := "image/png"
	model.CoverContentType = &ct
	if _, err := bookFromModel(model); !errors.Is(err, domain.ErrInconsistent) {
		t.Fatalf("partial cover ref err = %v, want inconsistent", err)
	}
}

func TestTranslateWriteError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{name: "isbn unique", err: &pgconn.PgError{Code: pgUniqueViolation, ConstraintName: "idx_book_models_isbn"}, want: domain.ErrConflict},
		{name: "wrapped unique", err: fmt.Errorf("exec: %w", &pgconn.PgError{Code: pgUniqueViolation}), want: domain.ErrConflict},
		{name: "gorm duplicated", err: gorm.ErrDuplicatedKey, want: domain.ErrConflict},
		{name: "check violation", err: &pgconn.PgError{Code: pgCheckViolation, ConstraintName: "book_models_file_ref_complete"}, want: domain.ErrInconsistent},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if err := translateWriteError("op", tc.err); !errors.Is(err, tc.want) {
				t.Fatalf("translateWriteError() = %v, want %v", err, tc.want)
			}
		})
	}
	if err := translateWriteError("op", errors.New("connection reset")); errors.Is(err, domain.ErrConflict) {
		t.Fatalf("generic error must not be a conflict: %v", err)
	}
	if translateWriteError("op", nil) != nil {
		t.Fatalf("nil error should stay nil")
	}
}

func TestConflictSubject(t *testing.T) {
	if got := conflictSubject("idx_book_models_isbn"); got != "isbn already registered" {
		t.Fatalf("conflictSubject = %q", got)
	}
	if got := conflictSubject("idx_user_models_email"); got != "email already registered" {
		t.Fatalf("conflictSubject = %q", got)
	}
}

func TestEscapeLike(t *testing.T) {
	if got := escapeLike(`50%_off\`); got != `50\%\_off\\` {
		t.Fatalf("escapeLike = %q", got)
	}
}
