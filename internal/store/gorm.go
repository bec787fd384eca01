package store

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	builderrors "github.com/elskow/binder-build/internal/errors"
	"github.com/elskow/binder-build/internal/pipeline/types"
)

const maxInsertRaces = 3

// GormStore keeps records in the "builds" table. Upserts lock the row
// for the duration of the mutation.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Create(ctx context.Context, record *types.BuildRecord) error {
	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return builderrors.New(builderrors.CodeConflict, record.Name)
		}
		return builderrors.Wrap(builderrors.CodePersistence, err)
	}
	return nil
}

func (s *GormStore) FindByName(ctx context.Context, name string) (*types.BuildRecord, error) {
	var record types.BuildRecord
	if err := s.db.WithContext(ctx).Where("name = ?", name).Take(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, builderrors.New(builderrors.CodeNotFound, name)
		}
		return nil, builderrors.Wrap(builderrors.CodePersistence, err)
	}
	return &record, nil
}

func (s *GormStore) FindAll(ctx context.Context) ([]*types.BuildRecord, error) {
	var records []*types.BuildRecord
	if err := s.db.WithContext(ctx).Order("name").Find(&records).Error; err != nil {
		return nil, builderrors.Wrap(builderrors.CodePersistence, err)
	}
	return records, nil
}

func (s *GormStore) Upsert(ctx context.Context, name string, mutate Mutation) (*types.BuildRecord, error) {
	var (
		result    *types.BuildRecord
		mutateErr error
	)

	for attempt := 0; attempt < maxInsertRaces; attempt++ {
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var current *types.BuildRecord
			var row types.BuildRecord
			err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("name = ?", name).Take(&row).Error
			switch {
			case err == nil:
				current = &row
			case errors.Is(err, gorm.ErrRecordNotFound):
			default:
				return err
			}

			next, err := mutate(current.Clone())
			if err != nil {
				mutateErr = err
				return err
			}
			if next == nil || next.Name != name {
				mutateErr = builderrors.Newf(builderrors.CodePersistence, "mutation for %s returned a record for another key", name)
				return mutateErr
			}

			if current == nil {
				err = tx.Create(next).Error
			} else {
				err = tx.Save(next).Error
			}
			if err != nil {
				return err
			}
			result = next
			return nil
		})

		if mutateErr != nil {
			return nil, mutateErr
		}
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// lost an insert race; the row exists now and will be locked
			continue
		}
		if err != nil {
			return nil, builderrors.Wrap(builderrors.CodePersistence, err)
		}
		return result.Clone(), nil
	}
	return nil, builderrors.Newf(builderrors.CodePersistence, "gave up upserting %s after repeated insert races", name)
}

func (s *GormStore) Delete(ctx context.Context, name string) error {
	res := s.db.WithContext(ctx).Where("name = ?", name).Delete(&types.BuildRecord{})
	if res.Error != nil {
		return builderrors.Wrap(builderrors.CodePersistence, res.Error)
	}
	if res.RowsAffected == 0 {
		return builderrors.New(builderrors.CodeNotFound, name)
	}
	return nil
}
