package registry

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	builderrors "github.com/elskow/binder-build/internal/errors"
	"github.com/elskow/binder-build/internal/pipeline/types"
)

type GormRegistry struct {
	db  *gorm.DB
	now func() time.Time
}

func NewGormRegistry(db *gorm.DB) *GormRegistry {
	return &GormRegistry{db: db, now: time.Now}
}

func (r *GormRegistry) Upsert(ctx context.Context, name string, template *types.Template) (*types.Template, error) {
	next := template.Clone()
	next.Name = name

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var prev types.Template
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("name = ?", name).Take(&prev).Error
		switch {
		case err == nil:
			next.Stamp(&prev, r.now())
		case errors.Is(err, gorm.ErrRecordNotFound):
			next.Stamp(nil, r.now())
		default:
			return err
		}

		// an insert race on a new name keeps the first creation time
		err = tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoUpdates: clause.AssignmentColumns(templateUpdateColumns),
		}).Create(next).Error
		if err != nil {
			return err
		}

		var stored types.Template
		if err := tx.Where("name = ?", name).Take(&stored).Error; err != nil {
			return err
		}
		next = &stored
		return nil
	})
	if err != nil {
		return nil, builderrors.Wrap(builderrors.CodePersistence, err)
	}
	return next, nil
}

var templateUpdateColumns = []string{
	"image_name", "image_source", "limits", "services", "command",
	"port", "language", "time_modified",
}

func (r *GormRegistry) FindByName(ctx context.Context, name string) (*types.Template, error) {
	var t types.Template
	if err := r.db.WithContext(ctx).Where("name = ?", name).Take(&t).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, builderrors.New(builderrors.CodeNotFound, name)
		}
		return nil, builderrors.Wrap(builderrors.CodePersistence, err)
	}
	return &t, nil
}

func (r *GormRegistry) FindAll(ctx context.Context) ([]*types.Template, error) {
	var templates []*types.Template
	if err := r.db.WithContext(ctx).Order("name").Find(&templates).Error; err != nil {
		return nil, builderrors.Wrap(builderrors.CodePersistence, err)
	}
	return templates, nil
}
