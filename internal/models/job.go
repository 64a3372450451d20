package models

import (
	"time"

	"github.com/johndetlefs/client-management-app-sub000/internal/utils"
)

// Job groups billable items under a client engagement. Its title is
// denormalized into invoice line snapshots when items are added to a draft.
type Job struct {
	Base        `bson:",inline"`
	TenantID    utils.SixID `bson:"tenant_id" json:"tenant_id"`
	ClientID    utils.SixID `bson:"client_id" json:"client_id"`
	Title       string      `bson:"title" json:"title"`
	Description string      `bson:"description,omitempty" json:"description,omitempty"`
	Archived    bool        `bson:"archived" json:"archived"`
	CreatedBy   utils.SixID `bson:"created_by" json:"created_by"`
	CreatedAt   time.Time   `bson:"created_at" json:"created_at"`
	UpdatedAt   time.Time   `bson:"updated_at" json:"updated_at"`
	Deleted     bool        `bson:"deleted" json:"-"`
}
