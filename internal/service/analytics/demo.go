package analytics

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Customer is a row of the demo customers table.
type Customer struct {
	ID      uint   `gorm:"primaryKey"`
	Name    string `gorm:"size:128"`
	Segment string `gorm:"size:32"`
	Country string `gorm:"size:64"`
}

func (Customer) TableName() string { return "customers" }

// Order is a row of the demo orders table.
type Order struct {
	ID         uint `gorm:"primaryKey"`
	CustomerID uint `gorm:"index"`
	Amount     float64
	OrderedAt  time.Time
}

func (Order) TableName() string { return "orders" }

// SeedDemo creates and fills the demo sales schema (orders, customers and the certified views
// monthly_revenue and top_customers) when the customers table is empty.
func SeedDemo(ctx context.Context, db *gorm.DB) error {
	tx := db.WithContext(ctx)
	if err := tx.AutoMigrate(&Customer{}, &Order{}); err != nil {
		return fmt.Errorf("migrate demo tables: %w", err)
	}

	var count int64
	if err := tx.Model(&Customer{}).Count(&count).Error; err != nil {
		return fmt.Errorf("count customers: %w", err)
	}
	if count > 0 {
		return nil
	}

	customers := []Customer{
		{ID: 1, Name: "Acme Corp", Segment: "enterprise", Country: "FR"},
		{ID: 2, Name: "Globex", Segment: "enterprise", Country: "US"},
		{ID: 3, Name: "Initech", Segment: "mid-market", Country: "US"},
		{ID: 4, Name: "Umbrella", Segment: "smb", Country: "DE"},
	}
	start := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	var orders []Order
	for month := 0; month < 6; month++ {
		for _, c := range customers {
			orders = append(orders, Order{
				CustomerID: c.ID,
				Amount:     float64(1000*(5-int(c.ID)) + 250*month),
				OrderedAt:  start.AddDate(0, month, 0),
			})
		}
	}

	return tx.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&customers).Error; err != nil {
			return fmt.Errorf("seed customers: %w", err)
		}
		if err := tx.Create(&orders).Error; err != nil {
			return fmt.Errorf("seed orders: %w", err)
		}
		for _, stmt := range demoViews(tx.Dialector.Name()) {
			if err := tx.Exec(stmt).Error; err != nil {
				return fmt.Errorf("create demo view: %w", err)
			}
		}
		return nil
	})
}

func demoViews(dialect string) []string {
	month := "strftime('%Y-%m', ordered_at)"
	create := "CREATE VIEW IF NOT EXISTS"
	if dialect == "postgres" {
		month = "to_char(ordered_at, 'YYYY-MM')"
		create = "CREATE OR REPLACE VIEW"
	}
	return []string{
		fmt.Sprintf(`%s monthly_revenue AS
			SELECT %s AS month, SUM(amount) AS revenue FROM orders GROUP BY 1`, create, month),
		fmt.Sprintf(`%s top_customers AS
			SELECT c.name AS customer, SUM(o.amount) AS lifetime_value
			FROM customers c JOIN orders o ON o.customer_id = c.id
			GROUP BY c.name`, create),
	}
}
