package db

import (
	"gorm.io/gorm"

	"github.com/theblitlabs/parity-fedsim/internal/core/ports"
	"github.com/theblitlabs/parity-fedsim/internal/database/repositories"
)

// RepositoryFactory hands out run history repositories, backed by postgres
// when a connection is available and by memory otherwise.
type RepositoryFactory struct {
	db *gorm.DB
}

func NewRepositoryFactory(db *gorm.DB) *RepositoryFactory {
	return &RepositoryFactory{
		db: db,
	}
}

func NewRepositoryFactoryFromManager(manager *DBManager) *RepositoryFactory {
	return &RepositoryFactory{
		db: manager.GetDB(),
	}
}

func (f *RepositoryFactory) Persistent() bool {
	return f.db != nil
}

func (f *RepositoryFactory) RunRepository() ports.RunRepository {
	if f.db == nil {
		return repositories.NewMemoryRunRepository()
	}
	return repositories.NewRunRepository(f.db)
}

func (f *RepositoryFactory) RoundRepository() ports.RoundRepository {
	if f.db == nil {
		return repositories.NewMemoryRoundRepository()
	}
	return repositories.NewRoundRepository(f.db)
}
