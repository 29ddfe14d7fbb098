package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"github.com/thesikpan/billing_backend/config"
	"github.com/thesikpan/billing_backend/models"
	"github.com/thesikpan/billing_backend/utils"
	"github.com/thesikpan/billing_backend/workflow"
)

// Seeds a small but complete hierarchy for local development: HQ, one wash
// and one delivery center, an admin actor, an institution with a classroom,
// and a handful of children with active payers. Idempotent by name lookups.
func main() {
	childCount := flag.Int("children", 5, "Number of children to seed with active payers.")
	flag.Parse()

	ctx := context.Background()
	logger := config.GetLogger()

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil)")
		os.Exit(1)
	}
	models.MigrateTable()

	hq := models.Center{Name: "Head Office", CenterType: models.CenterTypeHeadOffice, BusinessNumber: "000-00-00001"}
	if err := db.Where("name = ?", hq.Name).FirstOrCreate(&hq).Error; err != nil {
		fmt.Fprintf(os.Stderr, "seed HQ: %v\n", err)
		os.Exit(1)
	}

	wash := models.Center{Name: "Central Wash", CenterType: models.CenterTypeWash, ParentId: &hq.ID, BusinessNumber: "000-00-00002"}
	if err := db.Where("name = ?", wash.Name).FirstOrCreate(&wash).Error; err != nil {
		fmt.Fprintf(os.Stderr, "seed wash center: %v\n", err)
		os.Exit(1)
	}

	delivery := models.Center{Name: "Gangnam Delivery", CenterType: models.CenterTypeDelivery, ParentId: &hq.ID, BusinessNumber: "000-00-00003"}
	if err := db.Where("name = ?", delivery.Name).FirstOrCreate(&delivery).Error; err != nil {
		fmt.Fprintf(os.Stderr, "seed delivery center: %v\n", err)
		os.Exit(1)
	}

	admin := models.Actor{Username: "admin", CenterId: hq.ID, IsAdmin: utils.NewTrue()}
	if err := db.Where("username = ?", admin.Username).FirstOrCreate(&admin).Error; err != nil {
		fmt.Fprintf(os.Stderr, "seed admin: %v\n", err)
		os.Exit(1)
	}

	institution := models.Institution{
		Name:             "Haneul Kindergarten",
		InstitutionType:  models.InstitutionTypeKindergarten,
		DeliveryCenterId: delivery.ID,
		ContactPerson:    "Director Kim",
		ContactPhone:     "02-555-0100",
		ServiceStartDate: time.Now().UTC().AddDate(0, -6, 0),
	}
	if err := db.Where("name = ?", institution.Name).FirstOrCreate(&institution).Error; err != nil {
		fmt.Fprintf(os.Stderr, "seed institution: %v\n", err)
		os.Exit(1)
	}

	classroom := models.Classroom{InstitutionId: institution.ID, Name: "Sunflower", Capacity: 20}
	if err := db.Where("institution_id = ? AND name = ?", classroom.InstitutionId, classroom.Name).
		FirstOrCreate(&classroom).Error; err != nil {
		fmt.Fprintf(os.Stderr, "seed classroom: %v\n", err)
		os.Exit(1)
	}

	seeded := 0
	for i := 1; i <= *childCount; i++ {
		child := models.Child{
			Name:           fmt.Sprintf("Seed Child %02d", i),
			ClassroomId:    classroom.ID,
			ParentName:     fmt.Sprintf("Seed Parent %02d", i),
			ParentPhone:    fmt.Sprintf("010-0000-%04d", i),
			EnrollmentDate: time.Now().UTC().AddDate(0, -3, 0),
		}
		if err := db.Where("name = ? AND classroom_id = ?", child.Name, child.ClassroomId).
			FirstOrCreate(&child).Error; err != nil {
			fmt.Fprintf(os.Stderr, "seed child %d: %v\n", i, err)
			continue
		}

		live, err := models.HasLivePayer(db, child.ID)
		if err != nil || live {
			continue
		}
		payer, err := workflow.RegisterPayer(ctx, db, logger, &models.NewPayer{
			ChildId:       child.ID,
			MemberId:      fmt.Sprintf("SEED-%06d", child.ID),
			BankCode:      "004",
			BankName:      "KB",
			AccountNumber: fmt.Sprintf("110-%07d", child.ID),
			AccountHolder: child.ParentName,
			PaymentDay:    25,
			MonthlyAmount: decimal.NewFromInt(120000),
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "seed payer for child %d: %v\n", child.ID, err)
			continue
		}
		if err := workflow.ActivatePayer(ctx, db, logger, payer.ID); err != nil {
			fmt.Fprintf(os.Stderr, "activate payer %d: %v\n", payer.ID, err)
			continue
		}
		seeded++
	}

	fmt.Printf("seed complete: centers=3 institution=%d classroom=%d payers=%d\n",
		institution.ID, classroom.ID, seeded)
}
