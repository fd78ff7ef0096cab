package models

import "time"

// User is an approver or requester known to the directory.
type User struct {
	ID        string      `gorm:"primaryKey;size:100" json:"id"`
	Name      string      `gorm:"size:200" json:"name"`
	Email     string      `gorm:"size:255" json:"email"`
	Role      string      `gorm:"size:50;index" json:"role"`
	TeamIDs   []string    `gorm:"serializer:json" json:"team_ids"`
	Contacts  []Recipient `gorm:"serializer:json" json:"contacts"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

func (User) TableName() string { return "users" }

// InTeam reports whether the user lists teamID among its memberships.
func (u *User) InTeam(teamID string) bool {
	for _, id := range u.TeamIDs {
		if id == teamID {
			return true
		}
	}
	return false
}

type TeamRole string

const (
	TeamRoleOwner      TeamRole = "owner"
	TeamRoleMaintainer TeamRole = "maintainer"
	TeamRoleMember     TeamRole = "member"
)

type TeamMember struct {
	UserID string   `json:"user_id"`
	Role   TeamRole `json:"role"`
}

type Team struct {
	ID        string       `gorm:"primaryKey;size:100" json:"id"`
	Name      string       `gorm:"size:200" json:"name"`
	Members   []TeamMember `gorm:"serializer:json" json:"members"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

func (Team) TableName() string { return "teams" }

// HasMember reports whether userID is listed on the team.
func (t *Team) HasMember(userID string) bool {
	for _, m := range t.Members {
		if m.UserID == userID {
			return true
		}
	}
	return false
}

// Delegation lets DelegateID vote on DelegatorID's behalf inside a date window.
type Delegation struct {
	ID          string      `gorm:"primaryKey;size:64" json:"id"`
	DelegatorID string      `gorm:"size:100;index" json:"delegator_id"`
	DelegateID  string      `gorm:"size:100;index" json:"delegate_id"`
	StartDate   time.Time   `json:"start_date"`
	EndDate     time.Time   `json:"end_date"`
	Conditions  []Condition `gorm:"serializer:json" json:"conditions,omitempty"`
	IsActive    bool        `json:"is_active"`
	Reason      string      `gorm:"size:500" json:"reason,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
}

func (Delegation) TableName() string { return "delegations" }

// ActiveAt reports isActive && t in [StartDate, EndDate].
func (d *Delegation) ActiveAt(t time.Time) bool {
	return d.IsActive && !t.Before(d.StartDate) && !t.After(d.EndDate)
}
