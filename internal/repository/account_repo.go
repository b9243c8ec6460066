package repository

import (
	"context"
	"errors"

	"settlepay/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrProviderAccountMissing = errors.New("用户未绑定渠道账户")

type AccountRepository struct {
	db *gorm.DB
}

func NewAccountRepository(db *gorm.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

// GetUsableRef 查用户在某渠道的可用账户引用
// 账户不存在、已失效或引用被清空都视为未绑定
func (r *AccountRepository) GetUsableRef(ctx context.Context, userID int64, providerName string) (string, error) {
	account, err := r.Get(ctx, userID, providerName)
	if err != nil {
		return "", err
	}
	if account.Status != model.ProviderAccountStatusActive || account.AccountRef == "" {
		return "", ErrProviderAccountMissing
	}
	return account.AccountRef, nil
}

func (r *AccountRepository) Get(ctx context.Context, userID int64, providerName string) (*model.ProviderAccount, error) {
	var account model.ProviderAccount
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND provider = ?", userID, providerName).
		First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrProviderAccountMissing
		}
		return nil, err
	}
	return &account, nil
}

func (r *AccountRepository) GetByAccountRef(ctx context.Context, providerName, accountRef string) (*model.ProviderAccount, error) {
	var account model.ProviderAccount
	err := r.db.WithContext(ctx).
		Where("provider = ? AND account_ref = ?", providerName, accountRef).
		First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrProviderAccountMissing
		}
		return nil, err
	}
	return &account, nil
}

// Upsert 绑定/更新渠道账户引用
func (r *AccountRepository) Upsert(ctx context.Context, account *model.ProviderAccount) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "provider"}},
			DoUpdates: clause.AssignmentColumns([]string{"account_ref", "status"}),
		}).
		Create(account).Error
}

// Invalidate 渠道判定账户失效时清空引用并标记失效
// 清空后用户必须重新绑定，避免引擎对失效账户无限重试
func (r *AccountRepository) Invalidate(ctx context.Context, userID int64, providerName string) error {
	return r.db.WithContext(ctx).
		Model(&model.ProviderAccount{}).
		Where("user_id = ? AND provider = ?", userID, providerName).
		Updates(map[string]interface{}{
			"account_ref": "",
			"status":      model.ProviderAccountStatusInvalid,
		}).Error
}

// Activate account_updated 事件确认账户恢复可用
func (r *AccountRepository) Activate(ctx context.Context, userID int64, providerName, accountRef string) error {
	return r.db.WithContext(ctx).
		Model(&model.ProviderAccount{}).
		Where("user_id = ? AND provider = ?", userID, providerName).
		Updates(map[string]interface{}{
			"account_ref": accountRef,
			"status":      model.ProviderAccountStatusActive,
		}).Error
}
