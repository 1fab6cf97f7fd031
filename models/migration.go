package models

import (
	"log"

	"bitbucket.org/mmdatafocus/press_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&Manuscript{}, &Attachment{},
		&PublishQueue{},
		&PublishEventRecord{},
		&User{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
