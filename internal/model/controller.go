package model

// AuthLevel orders controller authorization levels.
type AuthLevel string

const (
	LevelOperator   AuthLevel = "OPERATOR"
	LevelSupervisor AuthLevel = "SUPERVISOR"
	LevelManager    AuthLevel = "MANAGER"
	LevelAdmin      AuthLevel = "ADMIN"
)

var authRank = map[AuthLevel]int{
	LevelOperator:   1,
	LevelSupervisor: 2,
	LevelManager:    3,
	LevelAdmin:      4,
}

// AtLeast reports whether the level meets or exceeds the required level.
// Unknown levels never qualify.
func (a AuthLevel) AtLeast(required AuthLevel) bool {
	return authRank[a] >= authRank[required] && authRank[a] != 0
}

// Controller is an authenticated principal.
type Controller struct {
	ID         int64     `json:"id"`
	EmployeeID string    `json:"employee_id"`
	Level      AuthLevel `json:"level"`
	Sections   []int64   `json:"sections,omitempty"` // section responsibility set
	Active     bool      `json:"active"`
}

// ResponsibleFor reports whether the controller may act on the given
// section. Admins are responsible everywhere.
func (c Controller) ResponsibleFor(sectionID int64) bool {
	if c.Level == LevelAdmin {
		return true
	}
	for _, id := range c.Sections {
		if id == sectionID {
			return true
		}
	}
	return false
}
