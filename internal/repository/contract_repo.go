package repository

import (
	"context"
	"errors"

	"settlepay/internal/model"

	"gorm.io/gorm"
)

var ErrContractNotFound = errors.New("合同不存在")

// ContractRepository 合同只读仓储（合同数据由上游系统维护）
type ContractRepository struct {
	db *gorm.DB
}

func NewContractRepository(db *gorm.DB) *ContractRepository {
	return &ContractRepository{db: db}
}

func (r *ContractRepository) GetByContractNo(ctx context.Context, contractNo string) (*model.Contract, error) {
	var contract model.Contract
	err := r.db.WithContext(ctx).Where("contract_no = ?", contractNo).First(&contract).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrContractNotFound
		}
		return nil, err
	}
	return &contract, nil
}
