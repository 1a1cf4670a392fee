// Package testutil holds fixtures shared by gorm-backed tests.
package testutil

import (
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"reseller-service/internal/database"
	"reseller-service/internal/models"
)

// NewDB returns a migrated in-memory SQLite database. A single connection keeps
// the in-memory schema alive and serializes writers the way row locks would.
func NewDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, database.Migrate(db))
	return db
}

// CreateUser inserts a user holding balance together with the successful
// adjustment transaction that accounts for it.
func CreateUser(t *testing.T, db *gorm.DB, username string, balance int64) models.User {
	t.Helper()

	amount := decimal.NewFromInt(balance)
	user := models.User{
		Username: username,
		Email:    username + "@example.com",
		Balance:  amount,
		Currency: "NGN",
	}
	require.NoError(t, db.Create(&user).Error)

	if balance != 0 {
		seed := models.Transaction{
			Reference:    "seed:" + username,
			UserId:       user.ID,
			Amount:       amount,
			Type:         models.TransactionAdjustment,
			Status:       models.TransactionSuccessful,
			BalanceAfter: amount,
			Description:  "Opening balance",
		}
		require.NoError(t, db.Create(&seed).Error)
	}
	return user
}

// Balance reads the stored balance of userID.
func Balance(t *testing.T, db *gorm.DB, userID int) decimal.Decimal {
	t.Helper()

	var user models.User
	require.NoError(t, db.First(&user, userID).Error)
	return user.Balance
}
