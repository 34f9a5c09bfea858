package repomanager

import (
	"context"
	"database/sql"

	"github.com/dmitrijs2005/apptsync/internal/dbx"
	"github.com/dmitrijs2005/apptsync/internal/server/repositories/entities"
)

type RepositoryManager interface {
	RunMigrations(context.Context, *sql.DB) error
	Entities(db dbx.DBTX) entities.Repository
}
