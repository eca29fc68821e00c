package repository

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"autograder/internal/common/cache"
	"autograder/internal/common/db"
	"autograder/internal/grader/model"
	appErr "autograder/pkg/errors"
)

const (
	defaultAssignmentCacheTTL      = 10 * time.Minute
	defaultAssignmentCacheEmptyTTL = 1 * time.Minute
	assignmentCacheKeyPrefix       = "grader:assignment:"
)

var (
	ErrAssignmentNotFound = errors.New("assignment not found")
)

// AssignmentRepository resolves published assignment suite meta.
type AssignmentRepository interface {
	GetMeta(ctx context.Context, assignmentID int64) (*model.AssignmentMeta, error)
}

// MySQLAssignmentRepository implements AssignmentRepository with MySQL
// behind a cache-aside layer.
type MySQLAssignmentRepository struct {
	db       db.Database
	cache    cache.Cache
	ttl      time.Duration
	emptyTTL time.Duration
}

// NewAssignmentRepository creates an assignment repository with defaults.
func NewAssignmentRepository(database db.Database, cacheClient cache.Cache) AssignmentRepository {
	return NewAssignmentRepositoryWithTTL(database, cacheClient, defaultAssignmentCacheTTL, defaultAssignmentCacheEmptyTTL)
}

// NewAssignmentRepositoryWithTTL creates an assignment repository with custom TTL.
func NewAssignmentRepositoryWithTTL(database db.Database, cacheClient cache.Cache, ttl, emptyTTL time.Duration) AssignmentRepository {
	if ttl <= 0 {
		ttl = defaultAssignmentCacheTTL
	}
	if emptyTTL <= 0 {
		emptyTTL = defaultAssignmentCacheEmptyTTL
	}
	return &MySQLAssignmentRepository{
		db:       database,
		cache:    cacheClient,
		ttl:      ttl,
		emptyTTL: emptyTTL,
	}
}

const assignmentColumns = "assignment_id, version, manifest_hash, suite_key, suite_hash, gradable, UNIX_TIMESTAMP(updated_at)"

// GetMeta retrieves the latest published suite meta for an assignment.
func (r *MySQLAssignmentRepository) GetMeta(ctx context.Context, assignmentID int64) (*model.AssignmentMeta, error) {
	if assignmentID <= 0 {
		return nil, appErr.ValidationError("assignment_id", "required")
	}
	if r.cache != nil {
		meta, err := cache.GetWithCached[*model.AssignmentMeta](
			ctx,
			r.cache,
			assignmentCacheKey(assignmentID),
			cache.JitterTTL(r.ttl),
			cache.JitterTTL(r.emptyTTL),
			func(meta *model.AssignmentMeta) bool { return meta == nil },
			marshalAssignmentMeta,
			unmarshalAssignmentMeta,
			func(ctx context.Context) (*model.AssignmentMeta, error) {
				meta, err := r.getMetaFromDB(ctx, assignmentID)
				if err != nil {
					if errors.Is(err, ErrAssignmentNotFound) {
						return nil, nil
					}
					return nil, err
				}
				return meta, nil
			},
		)
		if err != nil {
			return nil, err
		}
		if meta == nil {
			return nil, ErrAssignmentNotFound
		}
		return meta, nil
	}
	return r.getMetaFromDB(ctx, assignmentID)
}

func (r *MySQLAssignmentRepository) getMetaFromDB(ctx context.Context, assignmentID int64) (*model.AssignmentMeta, error) {
	query := "SELECT " + assignmentColumns + " FROM assignment_suites WHERE assignment_id = ? ORDER BY version DESC LIMIT 1"
	row := db.GetQuerier(r.db, nil).QueryRow(ctx, query, assignmentID)
	meta := &model.AssignmentMeta{}
	if err := row.Scan(
		&meta.AssignmentID,
		&meta.Version,
		&meta.ManifestHash,
		&meta.SuiteKey,
		&meta.SuiteHash,
		&meta.Gradable,
		&meta.UpdatedAt,
	); err != nil {
		if db.IsNoRows(err) {
			return nil, ErrAssignmentNotFound
		}
		return nil, err
	}
	return meta, nil
}

func assignmentCacheKey(assignmentID int64) string {
	return assignmentCacheKeyPrefix + strconv.FormatInt(assignmentID, 10)
}

func marshalAssignmentMeta(meta *model.AssignmentMeta) string {
	if meta == nil {
		return ""
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return ""
	}
	return string(data)
}

func unmarshalAssignmentMeta(data string) (*model.AssignmentMeta, error) {
	if data == "" || data == cache.NullCacheValue {
		return nil, nil
	}
	var meta model.AssignmentMeta
	if err := json.Unmarshal([]byte(data), &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}
