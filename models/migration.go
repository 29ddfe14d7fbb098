package models

import (
	"log"

	"github.com/thesikpan/billing_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&Center{}, &Actor{},
		&Institution{}, &Classroom{}, &Child{},
		&Payer{}, &EvidenceFile{},
		&Transaction{},
		&UnpaidRecord{},
		&Settlement{}, &SettlementAdjustment{},
		&BillingEventRecord{},
		&IdempotencyKey{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
