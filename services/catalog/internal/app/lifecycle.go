package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"librarycatalog/pkg/domain"
	"librarycatalog/pkg/ledger"
	"librarycatalog/pkg/storage"
)

// BookDraft is the caller-supplied metadata for a new record.
type BookDraft struct {
	Title       string
	Description string
	ISBN        string
	Publisher   string
	PublishedOn *time.Time
	PageCount   int
	Language    string
	AuthorID    string
}

// MetadataPatch updates scalar fields. Nil fields are left alone; an empty
// ISBN clears it. The author and the payload references cannot be changed here.
type MetadataPatch struct {
	Title       *string    `json:"title"`
	Description *string    `json:"description"`
	ISBN        *string    `json:"isbn"`
	Publisher   *string    `json:"publisher"`
	PublishedOn *time.Time `json:"publishedOn"`
	PageCount   *int       `json:"pageCount"`
	Language    *string    `json:"language"`
}

// CoverRemoval is the result of RemoveCover. Warning is set when the cover
// object could not be deleted; the record was cleared regardless.
type CoverRemoval struct {
	Book    domain.Book
	Warning string
}

// CreateBook validates everything up front, stores the file and optional cover,
// then persists the record. A failure after the first upload deletes every
// object written by this call before the error is returned.
func (a *App) CreateBook(ctx context.Context, draft BookDraft, file domain.Payload, cover *domain.Payload) (domain.Book, error) {
	fileKind, err := ValidatePayload(file, a.bookRules)
	if err != nil {
		return domain.Book{}, err
	}
	if cover != nil {
		if _, err := ValidatePayload(*cover, a.coverRules); err != nil {
			return domain.Book{}, err
		}
	}

	now := a.now()
	book := domain.Book{
		ID:          uuid.NewString(),
		Title:       strings.TrimSpace(draft.Title),
		Description: plainText(draft.Description),
		ISBN:        normalizeISBN(draft.ISBN),
		Publisher:   strings.TrimSpace(draft.Publisher),
		PublishedOn: draft.PublishedOn,
		PageCount:   draft.PageCount,
		Language:    strings.TrimSpace(draft.Language),
		AuthorID:    strings.TrimSpace(draft.AuthorID),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := a.ValidateRecord(ctx, book); err != nil {
		return domain.Book{}, err
	}
	if book.PageCount == 0 && domain.MimeKind(fileKind) == domain.KindPDF {
		if n, ok := pdfPageCount(file); ok {
			book.PageCount = n
		}
	}

	ctx, cancel := a.mutationContext(ctx)
	defer cancel()
	log := a.logger(ctx, "create_book", book.ID)

	fileKey, err := a.objects.Put(ctx, storage.PrefixBooks, file)
	if err != nil {
		return domain.Book{}, fmt.Errorf("store book file: %w", err)
	}
	var coverKey string
	if cover != nil {
		coverKey, err = a.objects.Put(ctx, storage.PrefixCovers, *cover)
		if err != nil {
			log.Warn("cover upload failed, removing file", "file_key", fileKey, "err", err)
			a.removeObjects(ctx, "create_book", "compensation failed", book.ID, fileKey)
			return domain.Book{}, fmt.Errorf("store cover: %w", err)
		}
	}

	uploadedAt := a.now()
	book.File = &domain.FileRef{
		ObjectKey:  fileKey,
		Kind:       domain.MimeKind(fileKind),
		SizeBytes:  file.Size,
		UploadedAt: uploadedAt,
	}
	if cover != nil {
		book.Cover = &domain.CoverRef{
			ObjectKey:   coverKey,
			ContentType: cover.MediaType(),
			SizeBytes:   cover.Size,
			UploadedAt:  uploadedAt,
		}
	}

	if err := a.store.CreateBook(ctx, book); err != nil {
		if a.settleFailedSave(ctx, "create_book", book.ID, fileKey, err, fileKey, coverKey) {
			log.Warn("save reported an error but the record was committed", "err", err)
			return a.attachAuthor(ctx, book), nil
		}
		return domain.Book{}, fmt.Errorf("save book: %w", err)
	}
	log.Info("book created", "file_key", fileKey, "cover_key", coverKey, "size_bytes", file.Size)
	return a.attachAuthor(ctx, book), nil
}

// ReplaceFile swaps the primary payload of a book that already has one. For a
// PDF the page count is reset to the one read from the new file; otherwise the
// stored count is kept. The swap only lands if the record still references the
// file this call replaced, so concurrent replaces cannot resurrect a deleted key.
func (a *App) ReplaceFile(ctx context.Context, id string, p domain.Payload) (domain.Book, error) {
	book, err := a.loadBook(ctx, id)
	if err != nil {
		return domain.Book{}, err
	}
	if book.File == nil {
		return domain.Book{}, fmt.Errorf("%w: book %s has no file to replace", domain.ErrInvalidInput, id)
	}
	kind, err := ValidatePayload(p, a.bookRules)
	if err != nil {
		return domain.Book{}, err
	}

	ctx, cancel := a.mutationContext(ctx)
	defer cancel()
	log := a.logger(ctx, "replace_file", id)

	newKey, err := a.objects.Put(ctx, storage.PrefixBooks, p)
	if err != nil {
		return domain.Book{}, fmt.Errorf("store book file: %w", err)
	}
	oldKey := book.File.ObjectKey
	ref := domain.FileRef{
		ObjectKey:  newKey,
		Kind:       domain.MimeKind(kind),
		SizeBytes:  p.Size,
		UploadedAt: a.now(),
	}
	var pages int
	if ref.Kind == domain.KindPDF {
		if n, ok := pdfPageCount(p); ok {
			pages = n
		}
	}
	at := a.now()

	if err := a.store.SwapFileRef(ctx, id, oldKey, ref, pages, at); err != nil {
		if !a.settleFailedSave(ctx, "replace_file", id, newKey, err, newKey) {
			return domain.Book{}, fmt.Errorf("save book: %w", err)
		}
	}
	a.removeObjects(ctx, "replace_file", "old object cleanup failed", id, oldKey)
	log.Info("book file replaced", "old_key", oldKey, "new_key", newKey)

	book.File = &ref
	if pages > 0 {
		book.PageCount = pages
	}
	book.UpdatedAt = at
	return a.attachAuthor(ctx, a.reload(ctx, book)), nil
}

// ReplaceCover sets or swaps the cover image.
func (a *App) ReplaceCover(ctx context.Context, id string, p domain.Payload) (domain.Book, error) {
	book, err := a.loadBook(ctx, id)
	if err != nil {
		return domain.Book{}, err
	}
	if _, err := ValidatePayload(p, a.coverRules); err != nil {
		return domain.Book{}, err
	}

	ctx, cancel := a.mutationContext(ctx)
	defer cancel()
	log := a.logger(ctx, "replace_cover", id)

	newKey, err := a.objects.Put(ctx, storage.PrefixCovers, p)
	if err != nil {
		return domain.Book{}, fmt.Errorf("store cover: %w", err)
	}
	var oldKey string
	if book.Cover != nil {
		oldKey = book.Cover.ObjectKey
	}
	ref := &domain.CoverRef{
		ObjectKey:   newKey,
		ContentType: p.MediaType(),
		SizeBytes:   p.Size,
		UploadedAt:  a.now(),
	}
	at := a.now()

	if err := a.store.SwapCoverRef(ctx, id, oldKey, ref, at); err != nil {
		if !a.settleFailedSave(ctx, "replace_cover", id, newKey, err, newKey) {
			return domain.Book{}, fmt.Errorf("save book: %w", err)
		}
	}
	a.removeObjects(ctx, "replace_cover", "old object cleanup failed", id, oldKey)
	log.Info("book cover replaced", "old_key", oldKey, "new_key", newKey)

	book.Cover = ref
	book.UpdatedAt = at
	return a.attachAuthor(ctx, a.reload(ctx, book)), nil
}

// RemoveCover deletes the cover object, then clears the reference. A failed
// object delete only produces a warning: an orphaned object is preferable to a
// reference that points at something broken. If another call swapped the cover
// in the meantime the clear fails with a conflict and the newer cover stays.
func (a *App) RemoveCover(ctx context.Context, id string) (CoverRemoval, error) {
	book, err := a.loadBook(ctx, id)
	if err != nil {
		return CoverRemoval{}, err
	}
	if book.Cover == nil {
		return CoverRemoval{}, fmt.Errorf("book %s has no cover: %w", id, domain.ErrNotFound)
	}

	ctx, cancel := a.mutationContext(ctx)
	defer cancel()

	var res CoverRemoval
	coverKey := book.Cover.ObjectKey
	if err := a.removeObjects(ctx, "remove_cover", "cover delete failed", id, coverKey); err != nil {
		res.Warning = "cover object could not be deleted and was recorded for cleanup"
	}
	at := a.now()
	if err := a.store.SwapCoverRef(ctx, id, coverKey, nil, at); err != nil {
		return CoverRemoval{}, fmt.Errorf("save book: %w", err)
	}
	a.logger(ctx, "remove_cover", id).Info("book cover removed", "cover_key", coverKey)
	book.Cover = nil
	book.UpdatedAt = at
	res.Book = a.attachAuthor(ctx, a.reload(ctx, book))
	return res, nil
}

// UpdateMetadata applies a scalar patch. The author is not re-validated.
func (a *App) UpdateMetadata(ctx context.Context, id string, patch MetadataPatch) (domain.Book, error) {
	book, err := a.loadBook(ctx, id)
	if err != nil {
		return domain.Book{}, err
	}
	prevISBN := book.ISBN
	if patch.Title != nil {
		book.Title = strings.TrimSpace(*patch.Title)
	}
	if patch.Description != nil {
		book.Description = plainText(*patch.Description)
	}
	if patch.ISBN != nil {
		book.ISBN = normalizeISBN(*patch.ISBN)
	}
	if patch.Publisher != nil {
		book.Publisher = strings.TrimSpace(*patch.Publisher)
	}
	if patch.PublishedOn != nil {
		book.PublishedOn = patch.PublishedOn
	}
	if patch.PageCount != nil {
		book.PageCount = *patch.PageCount
	}
	if patch.Language != nil {
		book.Language = strings.TrimSpace(*patch.Language)
	}
	if err := validateFields(book, a.now()); err != nil {
		return domain.Book{}, err
	}
	if book.ISBN != nil && (prevISBN == nil || *prevISBN != *book.ISBN) {
		if err := a.checkISBNAvailable(ctx, *book.ISBN, id); err != nil {
			return domain.Book{}, err
		}
	}
	book.UpdatedAt = a.now()
	if err := a.store.UpdateBookMetadata(ctx, book); err != nil {
		return domain.Book{}, fmt.Errorf("save book: %w", err)
	}
	return a.attachAuthor(ctx, a.reload(ctx, book)), nil
}

// DeleteBook removes the payload objects best-effort, then the record. Only the
// record delete decides the outcome.
func (a *App) DeleteBook(ctx context.Context, id string) error {
	book, err := a.loadBook(ctx, id)
	if err != nil {
		return err
	}

	ctx, cancel := a.mutationContext(ctx)
	defer cancel()

	var keys []string
	if book.File != nil {
		keys = append(keys, book.File.ObjectKey)
	}
	if book.Cover != nil {
		keys = append(keys, book.Cover.ObjectKey)
	}
	_ = a.removeObjects(ctx, "delete_book", "object cleanup failed", id, keys...)
	if err := a.store.DeleteBook(ctx, id); err != nil {
		return fmt.Errorf("delete book: %w", err)
	}
	a.logger(ctx, "delete_book", id).Info("book deleted", "objects", len(keys))
	return nil
}

// mutationContext detaches the store/object sequence from caller cancellation
// so that an abandoned request still finishes or compensates.
func (a *App) mutationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), a.mutationTimeout)
}

func (a *App) cleanupContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), a.cleanupTimeout)
}

// removeObjects deletes keys one by one on a fresh context. Every failure is
// logged and recorded as an orphan; the joined error is returned for callers
// that report it.
func (a *App) removeObjects(ctx context.Context, op, reason, bookID string, keys ...string) error {
	ctx, cancel := a.cleanupContext(ctx)
	defer cancel()
	var errs []error
	for _, key := range keys {
		if key == "" {
			continue
		}
		if err := a.objects.Delete(ctx, key); err != nil {
			errs = append(errs, err)
			a.recordOrphan(ctx, ledger.Entry{
				ObjectKey: key,
				BookID:    bookID,
				Operation: op,
				Reason:    reason,
				Error:     err.Error(),
				At:        a.now(),
			})
		}
	}
	return errors.Join(errs...)
}

func (a *App) recordOrphan(ctx context.Context, e ledger.Entry) {
	log := a.logger(ctx, e.Operation, e.BookID)
	log.Error("object left in storage", "object_key", e.ObjectKey, "reason", e.Reason, "err", e.Error)
	if a.orphans == nil {
		return
	}
	if err := a.orphans.Record(ctx, e); err != nil {
		log.Error("record orphan failed", "object_key", e.ObjectKey, "err", err)
	}
}

// settleFailedSave decides what to do with the objects written by a call whose
// record save failed. Classified failures (conflict, not found, ...) mean the
// row was not written, so the objects are deleted. For unclassified failures
// such as a dropped connection the record is re-read: if it references probe
// the save is treated as committed and true is returned; if it cannot be read
// the objects are kept and recorded, since deleting them could leave a
// dangling reference.
func (a *App) settleFailedSave(ctx context.Context, op, bookID, probe string, saveErr error, written ...string) bool {
	if domain.KindOf(saveErr) == domain.KindFault {
		rctx, cancel := a.cleanupContext(ctx)
		book, ok, err := a.store.GetBook(rctx, bookID)
		cancel()
		switch {
		case err != nil:
			for _, key := range written {
				if key == "" {
					continue
				}
				a.recordOrphan(ctx, ledger.Entry{
					ObjectKey: key,
					BookID:    bookID,
					Operation: op,
					Reason:    "save outcome unknown",
					Error:     saveErr.Error(),
					At:        a.now(),
				})
			}
			return false
		case ok && referencesKey(book, probe):
			return true
		}
	}
	a.removeObjects(ctx, op, "compensation failed", bookID, written...)
	return false
}

// reload returns the stored record so callers see references written by
// concurrent calls. The local copy is returned when the read fails.
func (a *App) reload(ctx context.Context, local domain.Book) domain.Book {
	stored, ok, err := a.store.GetBook(ctx, local.ID)
	if err != nil || !ok {
		return local
	}
	return stored
}

func referencesKey(b domain.Book, key string) bool {
	return (b.File != nil && b.File.ObjectKey == key) || (b.Cover != nil && b.Cover.ObjectKey == key)
}
