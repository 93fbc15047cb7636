// Package gallery serves image listings. Listings exclude anything a viewer
// must not see: soft-deleted images and images outside the clean moderation
// state, the moment they leave it.
package gallery

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/qwertypants/figureforge/internal/blob"
	"github.com/qwertypants/figureforge/internal/store"
	"github.com/qwertypants/figureforge/internal/tagindex"
)

// Entry is one listed image with a time-limited download URL.
type Entry struct {
	ID        string   `json:"id"`
	OwnerID   string   `json:"owner_id,omitempty"`
	Tags      []string `json:"tags"`
	URL       string   `json:"url"`
	Favorites int      `json:"favorites"`
	Public    bool     `json:"public"`
}

// Service answers gallery queries.
type Service struct {
	images     *store.ImageRepo
	tags       *tagindex.Index
	blobs      blob.Store
	presignTTL time.Duration
	log        zerolog.Logger
}

// New wires the gallery service.
func New(images *store.ImageRepo, tags *tagindex.Index, blobs blob.Store, presignTTL time.Duration, log zerolog.Logger) *Service {
	if presignTTL <= 0 {
		presignTTL = 15 * time.Minute
	}
	return &Service{
		images:     images,
		tags:       tags,
		blobs:      blobs,
		presignTTL: presignTTL,
		log:        log.With().Str("component", "gallery").Logger(),
	}
}

// ListOwner pages through an owner's images, newest first. The owner sees
// their own private images, but not deleted or moderated ones.
func (s *Service) ListOwner(ctx context.Context, ownerID, cursor string, limit int) ([]Entry, string, error) {
	if limit <= 0 {
		limit = 20
	}
	ids, next, err := s.images.ListByOwner(ctx, ownerID, cursor, limit)
	if err != nil {
		return nil, "", err
	}
	entries, err := s.resolve(ctx, ids, false)
	if err != nil {
		return nil, "", err
	}
	return entries, next, nil
}

// ListByTag pages through the public gallery for one tag, newest first.
func (s *Service) ListByTag(ctx context.Context, tag, cursor string, limit int) ([]Entry, string, error) {
	if limit <= 0 {
		limit = 20
	}
	ids, next, err := s.tags.Query(tag, cursor, limit)
	if err != nil {
		return nil, "", err
	}
	entries, err := s.resolve(ctx, ids, true)
	if err != nil {
		return nil, "", err
	}
	return entries, next, nil
}

// resolve loads image records, drops invisible ones, and presigns URLs.
// publicOnly additionally hides private images.
func (s *Service) resolve(ctx context.Context, ids []string, publicOnly bool) ([]Entry, error) {
	entries := make([]Entry, 0, len(ids))
	for _, id := range ids {
		img, err := s.images.Get(ctx, id)
		if err != nil {
			// A dangling index row is not fatal to the listing.
			s.log.Warn().Err(err).Str("image_id", id).Msg("skip unresolvable image")
			continue
		}
		if img.Deleted() || !img.Moderation.Visible() {
			continue
		}
		if publicOnly && !img.Public {
			continue
		}
		url, err := s.blobs.PresignGet(ctx, img.BlobKey, s.presignTTL)
		if err != nil {
			s.log.Warn().Err(err).Str("image_id", id).Msg("presign failed")
			continue
		}
		entries = append(entries, Entry{
			ID:        img.ID,
			OwnerID:   img.OwnerID,
			Tags:      img.Tags,
			URL:       url,
			Favorites: img.Favorites,
			Public:    img.Public,
		})
	}
	return entries, nil
}
