package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/segmentio/ksuid"

	pebblestore "github.com/qwertypants/figureforge/internal/storage/pebble"
	"github.com/qwertypants/figureforge/internal/tagindex"
)

// ModerationStatus is the moderation state of an image.
type ModerationStatus string

const (
	ModerationClean        ModerationStatus = "clean"
	ModerationAutoBlocked  ModerationStatus = "auto_blocked"
	ModerationHumanPending ModerationStatus = "human_pending"
	ModerationRemoved      ModerationStatus = "removed"
)

// Visible reports whether the image may appear in gallery listings.
func (s ModerationStatus) Visible() bool {
	return s == ModerationClean
}

var (
	// ErrImageNotFound is returned when an image record does not exist.
	ErrImageNotFound = errors.New("store: image not found")
	// ErrImageRemoved is returned when a mutation targets a removed image.
	ErrImageRemoved = errors.New("store: image removed by moderation")
)

// Image is one generated artifact, owned by the user whose job produced it.
type Image struct {
	ID          string           `json:"id"`
	OwnerID     string           `json:"owner_id"`
	JobID       string           `json:"job_id"`
	Prompt      string           `json:"prompt"`
	Model       string           `json:"model"`
	CostCents   int              `json:"cost_cents"`
	BlobKey     string           `json:"blob_key"`
	Tags        []string         `json:"tags"`
	Public      bool             `json:"public"`
	Favorites   int              `json:"favorites"`
	Moderation  ModerationStatus `json:"moderation"`
	CreatedAtMs int64            `json:"created_at_ms"`
	UpdatedAtMs int64            `json:"updated_at_ms"`
	DeletedAtMs int64            `json:"deleted_at_ms,omitempty"`
}

// Deleted reports whether the owner has soft-deleted the image.
func (img *Image) Deleted() bool { return img.DeletedAtMs != 0 }

// NewImageID returns a fresh time-sortable image id.
func NewImageID() string { return ksuid.New().String() }

// ImageRepo stores image records, the owner index, and the tag index rows
// derived from each image's tags. All three are written in one batch.
type ImageRepo struct {
	db *pebblestore.DB
}

// NewImageRepo creates an image repository over the given store.
func NewImageRepo(db *pebblestore.DB) *ImageRepo {
	return &ImageRepo{db: db}
}

// StageCreate stages a new image record, its owner index row, and its tag
// index rows into the batch. The image's tags are normalized in place.
func (r *ImageRepo) StageCreate(b *pebble.Batch, img *Image) error {
	now := time.Now().UnixMilli()
	if img.CreatedAtMs == 0 {
		img.CreatedAtMs = now
	}
	img.UpdatedAtMs = now
	if img.Moderation == "" {
		img.Moderation = ModerationClean
	}
	for i, tag := range img.Tags {
		img.Tags[i] = tagindex.Normalize(tag)
	}
	if err := stageImage(b, img); err != nil {
		return err
	}
	if err := b.Set(OwnerImageKey(img.OwnerID, img.ID), nil, nil); err != nil {
		return err
	}
	return tagindex.StageAdd(b, img.ID, img.Tags)
}

// Create persists a new image with its index rows in one committed batch.
func (r *ImageRepo) Create(ctx context.Context, img *Image) error {
	return r.db.Update(ctx, func(b *pebble.Batch) error {
		return r.StageCreate(b, img)
	})
}

// Get loads an image by id.
func (r *ImageRepo) Get(ctx context.Context, imageID string) (*Image, error) {
	return getImage(r.db, imageID)
}

// StagePut rewrites an existing image record. Index rows are not touched;
// callers changing tags must stage tagindex rows themselves.
func (r *ImageRepo) StagePut(b *pebble.Batch, img *Image) error {
	img.UpdatedAtMs = time.Now().UnixMilli()
	return stageImage(b, img)
}

// UpdateTags replaces the image's tags and reindexes it. Removed images
// cannot be edited.
func (r *ImageRepo) UpdateTags(ctx context.Context, ownerID, imageID string, tags []string) (*Image, error) {
	var out *Image
	err := r.db.Update(ctx, func(b *pebble.Batch) error {
		img, err := getImage(r.db, imageID)
		if err != nil {
			return err
		}
		if img.OwnerID != ownerID {
			return ErrImageNotFound
		}
		if img.Moderation == ModerationRemoved {
			return ErrImageRemoved
		}
		if err := tagindex.StageRemove(b, img.ID, img.Tags); err != nil {
			return err
		}
		img.Tags = make([]string, 0, len(tags))
		for _, tag := range tags {
			img.Tags = append(img.Tags, tagindex.Normalize(tag))
		}
		if err := tagindex.StageAdd(b, img.ID, img.Tags); err != nil {
			return err
		}
		out = img
		return r.StagePut(b, img)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SetPublic flips the sharing flag on an image.
func (r *ImageRepo) SetPublic(ctx context.Context, ownerID, imageID string, public bool) error {
	return r.db.Update(ctx, func(b *pebble.Batch) error {
		img, err := getImage(r.db, imageID)
		if err != nil {
			return err
		}
		if img.OwnerID != ownerID {
			return ErrImageNotFound
		}
		if img.Moderation == ModerationRemoved {
			return ErrImageRemoved
		}
		img.Public = public
		return r.StagePut(b, img)
	})
}

// AddFavorite bumps the favorite counter by delta, clamped at zero.
func (r *ImageRepo) AddFavorite(ctx context.Context, imageID string, delta int) error {
	return r.db.Update(ctx, func(b *pebble.Batch) error {
		img, err := getImage(r.db, imageID)
		if err != nil {
			return err
		}
		img.Favorites += delta
		if img.Favorites < 0 {
			img.Favorites = 0
		}
		return r.StagePut(b, img)
	})
}

// SoftDelete marks an image deleted by its owner. The record and its index
// rows are retained so moderation history stays intact; read paths filter
// deleted images out.
func (r *ImageRepo) SoftDelete(ctx context.Context, ownerID, imageID string) error {
	return r.db.Update(ctx, func(b *pebble.Batch) error {
		img, err := getImage(r.db, imageID)
		if err != nil {
			return err
		}
		if img.OwnerID != ownerID {
			return ErrImageNotFound
		}
		if img.Deleted() {
			return nil
		}
		img.DeletedAtMs = time.Now().UnixMilli()
		return r.StagePut(b, img)
	})
}

// ListByOwner returns up to limit of the owner's image ids, newest first.
// cursor is the last id of the previous page; "" starts from the newest.
func (r *ImageRepo) ListByOwner(ctx context.Context, ownerID, cursor string, limit int) ([]string, string, error) {
	prefix := OwnerImagePrefix(ownerID)
	lo, hi := pebblestore.PrefixBounds(prefix)
	if cursor != "" {
		hi = OwnerImageKey(ownerID, cursor)
	}

	it, err := r.db.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	if err != nil {
		return nil, "", err
	}
	defer it.Close()

	var ids []string
	for ok := it.Last(); ok && len(ids) < limit; ok = it.Prev() {
		ids = append(ids, string(it.Key()[len(prefix):]))
	}
	if err := it.Error(); err != nil {
		return nil, "", err
	}
	next := ""
	if len(ids) == limit && limit > 0 {
		next = ids[len(ids)-1]
	}
	return ids, next, nil
}

func stageImage(b *pebble.Batch, img *Image) error {
	data, err := json.Marshal(img)
	if err != nil {
		return fmt.Errorf("store: marshal image: %w", err)
	}
	return b.Set(ImageKey(img.ID), data, nil)
}

func getImage(db *pebblestore.DB, imageID string) (*Image, error) {
	data, err := db.Get(ImageKey(imageID))
	if err != nil {
		if errors.Is(err, pebblestore.ErrNotFound) {
			return nil, ErrImageNotFound
		}
		return nil, err
	}
	var img Image
	if err := json.Unmarshal(data, &img); err != nil {
		return nil, fmt.Errorf("store: unmarshal image: %w", err)
	}
	return &img, nil
}
