// seed-admin creates or updates the billing admin user (username: billingAdmin).
// Admin users get role 'admin'; the JWT role claim drives the ops endpoints.
//
// Usage (from the repo root):
//
//	DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... go run ./cmd/seed-admin
//
// The password is taken from SEED_ADMIN_PASSWORD; the tool refuses to run
// without it.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"bitbucket.org/mmdatafocus/billing_backend/config"
	"bitbucket.org/mmdatafocus/billing_backend/models"
	"bitbucket.org/mmdatafocus/billing_backend/utils"
	"gorm.io/gorm"
)

const (
	adminUsername = "billingAdmin"
	adminName     = "Billing Admin"
)

func main() {
	ctx := context.Background()

	password := strings.TrimSpace(os.Getenv("SEED_ADMIN_PASSWORD"))
	if password == "" {
		fmt.Fprintln(os.Stderr, "SEED_ADMIN_PASSWORD is required")
		os.Exit(1)
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}

	hashed, err := utils.HashPassword(password)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to hash password: %v\n", err)
		os.Exit(1)
	}
	hashedStr := string(hashed)

	var existing models.User
	err = db.WithContext(ctx).Model(&models.User{}).
		Where("username = ?", adminUsername).First(&existing).Error
	if err != nil {
		if err != gorm.ErrRecordNotFound {
			fmt.Fprintf(os.Stderr, "failed to lookup user: %v\n", err)
			os.Exit(1)
		}
		u := models.User{
			Username: adminUsername,
			Name:     adminName,
			Password: hashedStr,
			Role:     "admin",
			IsActive: utils.NewTrue(),
		}
		if err := db.WithContext(ctx).Create(&u).Error; err != nil {
			fmt.Fprintf(os.Stderr, "failed to create admin user: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("created admin user %q (id=%d)\n", adminUsername, u.ID)
		return
	}

	if err := db.WithContext(ctx).Model(&models.User{}).
		Where("id = ?", existing.ID).
		Updates(map[string]interface{}{
			"password":  hashedStr,
			"role":      "admin",
			"is_active": true,
		}).Error; err != nil {
		fmt.Fprintf(os.Stderr, "failed to update admin user: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("updated admin user %q (id=%d)\n", adminUsername, existing.ID)
}
