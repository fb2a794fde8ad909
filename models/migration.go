package models

import (
	"log"

	"bitbucket.org/mmdatafocus/billing_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&Order{}, &OrderItem{},
		&Invoice{}, &InvoiceSendRecord{},
		&Transaction{},
		&WebhookEvent{},
		&DocumentNumberSeries{},
		&DomainEventRecord{},
		&PaymentMethodRef{}, &DunningLog{},
		&User{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
