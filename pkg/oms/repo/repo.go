package repo

import (
	"gorm.io/gorm"
)

type IRepo interface {
	DeadLetter() IDeadLetter
}

type Repo struct {
	omsDB *gorm.DB
}

func NewRepo(omsDB *gorm.DB) IRepo {
	return &Repo{
		omsDB: omsDB,
	}
}

func (r *Repo) DeadLetter() IDeadLetter {
	return NewDeadLetterSQLRepo(r.omsDB)
}
