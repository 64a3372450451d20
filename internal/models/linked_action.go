package models

import (
	"time"

	"github.com/johndetlefs/client-management-app-sub000/internal/utils"
)

// LinkedActionType defines the different types of actions confirmed via links/codes.
type LinkedActionType string

const (
	ActionResetAccess LinkedActionType = "reset_access"
	ActionStaffInvite LinkedActionType = "staff_invite"
)

// LinkedAction represents a one-time action confirmed via an emailed link.
// The _id of this document is the secret code in the link.
type LinkedAction struct {
	Base      `bson:",inline"`
	UserID    utils.SixID      `bson:"user_id" json:"user_id"`
	Type      LinkedActionType `bson:"type" json:"type"`
	CreatedAt time.Time        `bson:"created_at" json:"created_at"`
	ExpiresAt time.Time        `bson:"expires_at" json:"expires_at"`
	Executed  *time.Time       `bson:"executed,omitempty" json:"executed,omitempty"`
	// Data holds action-specific info, e.g. the inviting tenant for staff_invite
	Data    map[string]interface{} `bson:"data,omitempty" json:"data,omitempty"`
	Deleted bool                   `bson:"deleted" json:"-"`
}
