package model

// User 业务库 users 表的只读映射。表归上游计费系统所有，
// 本服务只做查询和条件扣减，不迁移表结构。
// Quota 为剩余额度，UsedQuota 为累计消耗额度（内部单位）。
type User struct {
	ID               int64  `gorm:"primaryKey" json:"id"`
	Email            string `gorm:"type:varchar(255)" json:"email"`
	StripeCustomerID string `gorm:"column:stripe_customer_id;type:varchar(64)" json:"stripe_customer_id"`
	Quota            int64  `gorm:"not null;default:0" json:"quota"`
	UsedQuota        int64  `gorm:"column:used_quota;not null;default:0" json:"used_quota"`
}

func (User) TableName() string {
	return "users"
}
