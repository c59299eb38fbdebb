package models

import (
	"log"

	"bitbucket.org/mmdatafocus/subscriptions_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&OperationLock{},
		&OperationLog{},
		&Subscription{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
