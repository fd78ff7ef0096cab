package approval

import (
	"context"
	"errors"

	"github.com/huangang/repoflow/internal/apperr"
	"github.com/huangang/repoflow/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormDirectory stores users, teams and delegations in the service database.
type GormDirectory struct {
	db *gorm.DB
}

func NewGormDirectory(db *gorm.DB) *GormDirectory {
	return &GormDirectory{db: db}
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.ErrNotFound
	}
	return err
}

func (d *GormDirectory) GetUser(ctx context.Context, id string) (*models.User, error) {
	var u models.User
	if err := d.db.WithContext(ctx).First(&u, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

func (d *GormDirectory) PutUser(ctx context.Context, user *models.User) error {
	if user.ID == "" {
		return apperr.Invalid("id", "must not be empty")
	}
	return d.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(user).Error
}

func (d *GormDirectory) ListUsers(ctx context.Context) ([]models.User, error) {
	var users []models.User
	if err := d.db.WithContext(ctx).Order("id ASC").Find(&users).Error; err != nil {
		return nil, err
	}
	return users, nil
}

func (d *GormDirectory) GetTeam(ctx context.Context, id string) (*models.Team, error) {
	var t models.Team
	if err := d.db.WithContext(ctx).First(&t, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

func (d *GormDirectory) PutTeam(ctx context.Context, team *models.Team) error {
	if team.ID == "" {
		return apperr.Invalid("id", "must not be empty")
	}
	return d.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(team).Error
}

func (d *GormDirectory) AddDelegation(ctx context.Context, del *models.Delegation) error {
	return d.db.WithContext(ctx).Create(del).Error
}

func (d *GormDirectory) GetDelegation(ctx context.Context, id string) (*models.Delegation, error) {
	var del models.Delegation
	if err := d.db.WithContext(ctx).First(&del, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &del, nil
}

func (d *GormDirectory) SaveDelegation(ctx context.Context, del *models.Delegation) error {
	res := d.db.WithContext(ctx).Model(&models.Delegation{}).Where("id = ?", del.ID).
		Select("*").Omit("created_at").Updates(del)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

func (d *GormDirectory) DelegationsFrom(ctx context.Context, delegatorID string) ([]models.Delegation, error) {
	var out []models.Delegation
	err := d.db.WithContext(ctx).Where("delegator_id = ?", delegatorID).Order("start_date ASC, id ASC").Find(&out).Error
	return out, err
}

func (d *GormDirectory) DelegationsTo(ctx context.Context, delegateID string) ([]models.Delegation, error) {
	var out []models.Delegation
	err := d.db.WithContext(ctx).Where("delegate_id = ?", delegateID).Order("start_date ASC, id ASC").Find(&out).Error
	return out, err
}
