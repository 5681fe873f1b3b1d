package settings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/appbase-cms/appbase/internal/authz"
	"github.com/appbase-cms/appbase/internal/platform/clock"
	"github.com/appbase-cms/appbase/internal/platform/textutil"
	"github.com/appbase-cms/appbase/internal/shared"
	"github.com/appbase-cms/appbase/internal/storage"
)

var prefixPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{4,64}$`)

// Service reads and writes settings.
type Service struct {
	engine   storage.Engine
	clock    clock.Clock
	logger   *slog.Logger
	reserved []string
}

// NewService constructs a Service. reserved lists path prefixes the
// contributor surface may never take, such as the admin prefix.
func NewService(engine storage.Engine, clk clock.Clock, logger *slog.Logger, reserved ...string) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Service{engine: engine, clock: clk, logger: logger, reserved: reserved}
}

// Get returns a setting, or its default.
func (s *Service) Get(ctx context.Context, key string) (Setting, error) {
	if _, ok := Defaults[key]; !ok {
		return Setting{}, shared.ErrNotFound
	}
	var out Setting
	err := storage.View(ctx, s.engine, func(txn storage.Txn) error {
		var err error
		out, err = Load(ctx, txn, key)
		return err
	})
	return out, err
}

// List returns every known setting.
func (s *Service) List(ctx context.Context) ([]Setting, error) {
	out := make([]Setting, 0, len(Keys))
	err := storage.View(ctx, s.engine, func(txn storage.Txn) error {
		for _, key := range Keys {
			setting, err := Load(ctx, txn, key)
			if err != nil {
				return err
			}
			out = append(out, setting)
		}
		return nil
	})
	return out, err
}

// Set validates and stores a setting. A non-nil expected revision must match
// the stored one; defaults have revision -1.
func (s *Service) Set(ctx context.Context, actor authz.Actor, key, value string, expected *int64) (Setting, error) {
	if err := authz.Decide(actor, authz.SettingsManage, authz.Resource{Kind: authz.KindSettings}).Err(); err != nil {
		return Setting{}, err
	}
	value, err := s.validate(key, value)
	if err != nil {
		return Setting{}, err
	}
	return s.write(ctx, actor.ID, key, expected, func(Setting) (string, error) { return value, nil })
}

func (s *Service) write(ctx context.Context, actorID, key string, expected *int64, fn func(Setting) (string, error)) (Setting, error) {
	var out Setting
	err := storage.Update(ctx, s.engine, func(txn storage.Txn) error {
		cur, err := Load(ctx, txn, key)
		if err != nil {
			return err
		}
		if expected != nil && *expected != cur.Revision {
			return shared.ErrStaleWrite
		}
		value, err := fn(cur)
		if err != nil {
			return err
		}
		out, err = Save(txn, Setting{Key: key, Value: value, UpdatedAt: s.clock.Now(), UpdatedBy: actorID})
		return err
	})
	if errors.Is(err, storage.ErrConflict) {
		return Setting{}, fmt.Errorf("%w: %v", shared.ErrStaleWrite, err)
	}
	if err != nil {
		return Setting{}, err
	}
	s.logger.Info("setting updated", slog.String("key", key), slog.String("actor", actorID))
	return out, nil
}

// validate normalises a value for key, rejecting invalid input.
func (s *Service) validate(key, value string) (string, error) {
	value = strings.TrimSpace(value)
	switch key {
	case KeyContributorPrefix:
		if !prefixPattern.MatchString(value) {
			return "", shared.BadField("value", "prefix must be 4-64 letters, digits, '-' or '_'")
		}
		if slices.Contains(s.reserved, value) {
			return "", shared.BadField("value", "prefix is reserved")
		}
		return value, nil
	case KeyMaxUploadSizeMB:
		n, err := strconv.Atoi(value)
		if err != nil || n < 1 || n > 1024 {
			return "", shared.BadField("value", "must be an integer between 1 and 1024")
		}
		return strconv.Itoa(n), nil
	case KeyAllowedMIMETypes:
		var types []string
		for _, t := range textutil.SplitList(value) {
			mt, _, err := mime.ParseMediaType(t)
			if err != nil || !strings.Contains(mt, "/") {
				return "", shared.BadField("value", fmt.Sprintf("invalid media type %q", t))
			}
			if !slices.Contains(types, mt) {
				types = append(types, mt)
			}
		}
		return strings.Join(types, ","), nil
	case KeyAvailableTags:
		return strings.Join(textutil.NormalizeTags(textutil.SplitList(value)), ","), nil
	case KeyRestrictTags:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return "", shared.BadField("value", "must be true or false")
		}
		return strconv.FormatBool(b), nil
	}
	return "", shared.BadField("key", "unknown setting")
}

// ContributorPrefix returns the contributor surface path segment.
func (s *Service) ContributorPrefix(ctx context.Context) (string, error) {
	setting, err := s.Get(ctx, KeyContributorPrefix)
	if err != nil {
		return "", err
	}
	return setting.Value, nil
}

// MaxUploadBytes returns the upload size limit in bytes.
func (s *Service) MaxUploadBytes(ctx context.Context) (int64, error) {
	setting, err := s.Get(ctx, KeyMaxUploadSizeMB)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(setting.Value, 10, 64)
	if err != nil || n <= 0 {
		n, _ = strconv.ParseInt(Defaults[KeyMaxUploadSizeMB], 10, 64)
	}
	return n << 20, nil
}

// AllowedMIMETypes returns the accepted upload media types. Empty disables uploads.
func (s *Service) AllowedMIMETypes(ctx context.Context) ([]string, error) {
	setting, err := s.Get(ctx, KeyAllowedMIMETypes)
	if err != nil {
		return nil, err
	}
	return textutil.SplitList(setting.Value), nil
}

// AvailableTags returns the administrator-curated tag list.
func (s *Service) AvailableTags(ctx context.Context) ([]string, error) {
	setting, err := s.Get(ctx, KeyAvailableTags)
	if err != nil {
		return nil, err
	}
	tags := textutil.SplitList(setting.Value)
	if tags == nil {
		tags = []string{}
	}
	return tags, nil
}

// RestrictTags reports whether content tags must come from the available list.
func (s *Service) RestrictTags(ctx context.Context) (bool, error) {
	setting, err := s.Get(ctx, KeyRestrictTags)
	if err != nil {
		return false, err
	}
	b, _ := strconv.ParseBool(setting.Value)
	return b, nil
}

// AddTag appends a tag to the available list.
func (s *Service) AddTag(ctx context.Context, actor authz.Actor, tag string) ([]string, error) {
	return s.editTags(ctx, actor, func(tags []string) ([]string, error) {
		tag = textutil.NormalizeTag(tag)
		if tag == "" {
			return nil, shared.BadField("tag", "required")
		}
		if slices.Contains(tags, tag) {
			return tags, nil
		}
		return append(tags, tag), nil
	})
}

// RemoveTag drops a tag from the available list. Existing content keeps it.
func (s *Service) RemoveTag(ctx context.Context, actor authz.Actor, tag string) ([]string, error) {
	return s.editTags(ctx, actor, func(tags []string) ([]string, error) {
		tag = textutil.NormalizeTag(tag)
		return slices.DeleteFunc(tags, func(t string) bool { return t == tag }), nil
	})
}

func (s *Service) editTags(ctx context.Context, actor authz.Actor, fn func([]string) ([]string, error)) ([]string, error) {
	if err := authz.Decide(actor, authz.SettingsManage, authz.Resource{Kind: authz.KindSettings}).Err(); err != nil {
		return nil, err
	}
	out, err := s.write(ctx, actor.ID, KeyAvailableTags, nil, func(cur Setting) (string, error) {
		tags, err := fn(textutil.SplitList(cur.Value))
		if err != nil {
			return "", err
		}
		return strings.Join(tags, ","), nil
	})
	if err != nil {
		return nil, err
	}
	tags := textutil.SplitList(out.Value)
	if tags == nil {
		tags = []string{}
	}
	return tags, nil
}
