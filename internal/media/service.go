package media

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path"
	"slices"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/appbase-cms/appbase/internal/authz"
	"github.com/appbase-cms/appbase/internal/content"
	"github.com/appbase-cms/appbase/internal/media/blob"
	"github.com/appbase-cms/appbase/internal/platform/clock"
	"github.com/appbase-cms/appbase/internal/shared"
	"github.com/appbase-cms/appbase/internal/storage"
)

const maxFilenameLen = 255

// Service stores asset metadata in the storage engine and payloads in a
// blob store.
type Service struct {
	engine    storage.Engine
	store     blob.Store
	validator Validator
	clock     clock.Clock
	logger    *slog.Logger
}

// NewService constructs a Service.
func NewService(engine storage.Engine, store blob.Store, validator Validator, clk clock.Clock, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Service{engine: engine, store: store, validator: validator, clock: clk, logger: logger}
}

// Upload validates and stores a file owned by the actor. The payload is
// hashed with BLAKE3 while it streams to the blob store.
func (s *Service) Upload(ctx context.Context, actor authz.Actor, up Upload, body io.Reader) (Asset, error) {
	if err := authz.Decide(actor, authz.MediaUpload, authz.Resource{Kind: authz.KindMedia, OwnerID: actor.ID}).Err(); err != nil {
		return Asset{}, err
	}
	up.Filename = cleanFilename(up.Filename)
	if up.Filename == "" {
		return Asset{}, shared.BadField("filename", "required")
	}
	br := bufio.NewReaderSize(body, 512)
	head, _ := br.Peek(512)
	up.MIMEType = resolveType(up.MIMEType, head)
	if s.validator != nil {
		if err := s.validator.Check(ctx, up); err != nil {
			return Asset{}, err
		}
	}

	id := uuid.NewString()
	key := id[:2] + "/" + id
	hasher := blake3.New()
	counter := &countingReader{r: io.LimitReader(br, up.Size+1)}
	if err := s.store.Put(ctx, key, up.MIMEType, io.TeeReader(counter, hasher)); err != nil {
		return Asset{}, fmt.Errorf("%w: %v", storage.ErrIO, err)
	}
	if counter.n != up.Size {
		s.discard(key)
		return Asset{}, shared.BadField("file", "size does not match the declared length")
	}

	asset := Asset{
		ID:            id,
		OwnerID:       actor.ID,
		Filename:      up.Filename,
		StoragePath:   key,
		MIMEType:      up.MIMEType,
		Size:          counter.n,
		Digest:        hex.EncodeToString(hasher.Sum(nil)),
		LinkedContent: []string{},
		CreatedAt:     s.clock.Now(),
	}
	err := storage.Update(ctx, s.engine, func(txn storage.Txn) error {
		var err error
		asset, err = save(txn, asset)
		return err
	})
	if err != nil {
		s.discard(key)
		return Asset{}, err
	}
	s.logger.Info("media uploaded",
		slog.String("media_id", asset.ID),
		slog.String("owner_id", asset.OwnerID),
		slog.String("mime_type", asset.MIMEType),
		slog.Int64("size", asset.Size),
	)
	return asset, nil
}

// Get returns an asset the actor may manage.
func (s *Service) Get(ctx context.Context, actor authz.Actor, id string) (Asset, error) {
	var a Asset
	err := storage.View(ctx, s.engine, func(txn storage.Txn) error {
		var err error
		a, err = load(ctx, txn, id)
		return err
	})
	if err != nil {
		return Asset{}, err
	}
	if err := authz.Decide(actor, authz.MediaManage, a.Resource()).Err(); err != nil {
		return Asset{}, err
	}
	return a, nil
}

// Open streams an asset's payload. Assets are served publicly, as cover
// images of published items reference them.
func (s *Service) Open(ctx context.Context, id string) (Asset, io.ReadCloser, error) {
	var a Asset
	err := storage.View(ctx, s.engine, func(txn storage.Txn) error {
		var err error
		a, err = load(ctx, txn, id)
		return err
	})
	if err != nil {
		return Asset{}, nil, err
	}
	rc, err := s.store.Open(ctx, a.StoragePath)
	if errors.Is(err, blob.ErrNotFound) {
		return Asset{}, nil, shared.ErrNotFound
	}
	if err != nil {
		return Asset{}, nil, fmt.Errorf("%w: %v", storage.ErrIO, err)
	}
	return a, rc, nil
}

// List returns assets newest first. Contributors only see their own.
func (s *Service) List(ctx context.Context, actor authz.Actor, ownerID string, page shared.Page) ([]Asset, error) {
	if ownerID == "" && actor.Role != authz.RoleAdmin {
		ownerID = actor.ID
	}
	index, r := indexByCreated, storage.Range{Reverse: true}
	if ownerID != "" {
		if err := authz.Decide(actor, authz.MediaManage, authz.Resource{Kind: authz.KindMedia, OwnerID: ownerID}).Err(); err != nil {
			return nil, err
		}
		index, r = indexByOwner, storage.Range{Prefix: ownerID + "|", Reverse: true}
	}
	return s.collect(ctx, index, r, page)
}

// ForContent lists the assets linked to a content item.
func (s *Service) ForContent(ctx context.Context, actor authz.Actor, contentID string) ([]Asset, error) {
	assets, err := s.collect(ctx, indexByContent, storage.Exact(contentID), shared.NewPage(shared.MaxLimit, 0))
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(assets, func(a Asset) bool {
		return authz.Decide(actor, authz.MediaManage, a.Resource()).Err() != nil
	}), nil
}

func (s *Service) collect(ctx context.Context, index string, r storage.Range, page shared.Page) ([]Asset, error) {
	out := []Asset{}
	i := 0
	err := storage.View(ctx, s.engine, func(txn storage.Txn) error {
		for rec, err := range txn.ScanIndex(ctx, Family, index, r) {
			if err != nil {
				return err
			}
			inside, done := page.Window(i)
			i++
			if done {
				return nil
			}
			if !inside {
				continue
			}
			a, err := decode(rec)
			if err != nil {
				return err
			}
			out = append(out, a)
		}
		return nil
	})
	return out, err
}

// Link records that a content item references the asset.
func (s *Service) Link(ctx context.Context, actor authz.Actor, id, contentID string) (Asset, error) {
	return s.mutate(ctx, actor, id, func(txn storage.Txn, a *Asset) error {
		if _, err := content.Load(ctx, txn, contentID); err != nil {
			return err
		}
		if !slices.Contains(a.LinkedContent, contentID) {
			a.LinkedContent = append(a.LinkedContent, contentID)
		}
		return nil
	})
}

// Unlink removes a content reference. The content item may no longer exist.
func (s *Service) Unlink(ctx context.Context, actor authz.Actor, id, contentID string) (Asset, error) {
	return s.mutate(ctx, actor, id, func(_ storage.Txn, a *Asset) error {
		a.LinkedContent = slices.DeleteFunc(a.LinkedContent, func(c string) bool { return c == contentID })
		return nil
	})
}

// Delete removes the asset record and then its payload. Content items that
// reference it are left untouched.
func (s *Service) Delete(ctx context.Context, actor authz.Actor, id string, expected int64) error {
	var asset Asset
	err := storage.Update(ctx, s.engine, func(txn storage.Txn) error {
		a, err := load(ctx, txn, id)
		if err != nil {
			return err
		}
		if err := authz.Decide(actor, authz.MediaManage, a.Resource()).Err(); err != nil {
			return err
		}
		if a.Revision != expected {
			return fmt.Errorf("%w: expected revision %d, current %d", shared.ErrStaleWrite, expected, a.Revision)
		}
		txn.Delete(Family, id)
		asset = a
		return nil
	})
	if err != nil {
		return staleOnConflict(err)
	}
	if err := s.store.Delete(ctx, asset.StoragePath); err != nil {
		s.logger.Warn("media blob left behind", slog.String("media_id", id), slog.Any("error", err))
	}
	s.logger.Info("media deleted", slog.String("media_id", id), slog.String("actor", actor.ID))
	return nil
}

func (s *Service) mutate(ctx context.Context, actor authz.Actor, id string, fn func(storage.Txn, *Asset) error) (Asset, error) {
	var out Asset
	err := storage.Update(ctx, s.engine, func(txn storage.Txn) error {
		a, err := load(ctx, txn, id)
		if err != nil {
			return err
		}
		if err := authz.Decide(actor, authz.MediaManage, a.Resource()).Err(); err != nil {
			return err
		}
		if err := fn(txn, &a); err != nil {
			return err
		}
		out, err = save(txn, a)
		return err
	})
	if err != nil {
		return Asset{}, staleOnConflict(err)
	}
	return out, nil
}

// discard removes a blob whose metadata was never committed.
func (s *Service) discard(key string) {
	if err := s.store.Delete(context.Background(), key); err != nil {
		s.logger.Warn("discard blob", slog.String("key", key), slog.Any("error", err))
	}
}

func staleOnConflict(err error) error {
	if errors.Is(err, storage.ErrConflict) {
		return fmt.Errorf("%w: %v", shared.ErrStaleWrite, err)
	}
	return err
}

// resolveType prefers the declared media type unless it is missing or
// generic, in which case the payload is sniffed.
func resolveType(declared string, head []byte) string {
	if declared != "" {
		if mt, _, err := mime.ParseMediaType(declared); err == nil && mt != "application/octet-stream" {
			return mt
		}
	}
	mt, _, _ := mime.ParseMediaType(http.DetectContentType(head))
	return mt
}

func cleanFilename(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" {
		return ""
	}
	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, name)
	name = strings.TrimSpace(name)
	if len(name) > maxFilenameLen {
		name = strings.ToValidUTF8(name[len(name)-maxFilenameLen:], "")
	}
	return name
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
