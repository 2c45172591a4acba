package infrastructure

import "time"

// InventoryRecordModel 对应数据库中的 inventory_records 表，每个 SKU 一行。
// version 是乐观并发计数器，每次条件写入成功后加一。
type InventoryRecordModel struct {
	SKU       string `gorm:"column:sku;primaryKey;size:64"`
	TotalQty  int    `gorm:"column:total_qty;not null"`
	Version   int64  `gorm:"column:version;not null;default:0"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName 指定 GORM 应该使用的表名
func (InventoryRecordModel) TableName() string {
	return "inventory_records"
}

// InventoryHoldModel 对应 inventory_holds 表，(sku, cart_id) 唯一
type InventoryHoldModel struct {
	SKU       string    `gorm:"column:sku;primaryKey;size:64"`
	CartID    string    `gorm:"column:cart_id;primaryKey;size:64"`
	Qty       int       `gorm:"column:qty;not null"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime:false"`
	ExpiresAt time.Time `gorm:"column:expires_at;index"`
}

func (InventoryHoldModel) TableName() string {
	return "inventory_holds"
}

// InventoryCommitmentModel 对应 inventory_commitments 表，(sku, order_id) 唯一
type InventoryCommitmentModel struct {
	SKU         string    `gorm:"column:sku;primaryKey;size:64"`
	OrderID     string    `gorm:"column:order_id;primaryKey;size:64;index"`
	Qty         int       `gorm:"column:qty;not null"`
	CommittedAt time.Time `gorm:"column:committed_at"`
}

func (InventoryCommitmentModel) TableName() string {
	return "inventory_commitments"
}

// OrderModel 对应 orders 表，与库存占用在同一事务中写入
type OrderModel struct {
	ID        string `gorm:"column:id;primaryKey;size:64"`
	CartID    string `gorm:"column:cart_id;size:64;index"`
	State     string `gorm:"column:state;size:16"`
	CreatedAt time.Time
	UpdatedAt time.Time
	// 关联关系
	Lines []OrderLineModel `gorm:"foreignKey:OrderID"`
}

func (OrderModel) TableName() string {
	return "orders"
}

// OrderLineModel 对应 order_lines 表
type OrderLineModel struct {
	OrderID string `gorm:"column:order_id;primaryKey;size:64"`
	SKU     string `gorm:"column:sku;primaryKey;size:64"`
	Qty     int    `gorm:"column:qty;not null"`
}

func (OrderLineModel) TableName() string {
	return "order_lines"
}

// allModels 是 AutoMigrate 需要的全部模型
func allModels() []interface{} {
	return []interface{}{
		&InventoryRecordModel{},
		&InventoryHoldModel{},
		&InventoryCommitmentModel{},
		&OrderModel{},
		&OrderLineModel{},
	}
}
