package models

import (
	"time"

	"gorm.io/gorm"
)

// Center is one node of the operating hierarchy: head office, wash centers
// and regional delivery centers. Settlements attach to delivery centers.
type Center struct {
	ID             int        `gorm:"primary_key" json:"id"`
	Name           string     `gorm:"size:100;not null" json:"name" binding:"required"`
	CenterType     CenterType `gorm:"type:enum('HQ','WASH','DELIVERY');not null" json:"center_type" binding:"required"`
	ParentId       *int       `gorm:"index;default:null" json:"parent_id"`
	Address        string     `gorm:"size:200" json:"address"`
	Phone          string     `gorm:"size:20" json:"phone"`
	BusinessNumber string     `gorm:"size:20;unique" json:"business_number"`
	IsActive       *bool      `gorm:"not null;default:true" json:"is_active"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// Actor is an operator account attached to one center. Authentication lives
// outside this service; actors exist only so the reporting boundary can scope
// reads to a center subtree.
type Actor struct {
	ID        int       `gorm:"primary_key" json:"id"`
	Username  string    `gorm:"size:50;not null;unique" json:"username" binding:"required"`
	CenterId  int       `gorm:"index;not null" json:"center_id" binding:"required"`
	IsAdmin   *bool     `gorm:"not null;default:false" json:"is_admin"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// SubtreeCenterIDs returns rootId plus every descendant center id. The walk is
// an explicit breadth-first pass over an adjacency index built from one query,
// so depth is bounded by the loop, not the stack.
func SubtreeCenterIDs(tx *gorm.DB, rootId int) ([]int, error) {
	type row struct {
		ID       int
		ParentId *int
	}
	var rows []row
	if err := tx.Model(&Center{}).Select("id", "parent_id").Find(&rows).Error; err != nil {
		return nil, err
	}

	children := make(map[int][]int, len(rows))
	for _, r := range rows {
		if r.ParentId != nil {
			children[*r.ParentId] = append(children[*r.ParentId], r.ID)
		}
	}

	ids := []int{rootId}
	queue := []int{rootId}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, child := range children[current] {
			ids = append(ids, child)
			queue = append(queue, child)
		}
	}
	return ids, nil
}

// CanAccess reports whether the actor may read data scoped to centerId:
// admins see everything, others see their own center's subtree.
func CanAccess(tx *gorm.DB, actorId int, centerId int) (bool, error) {
	var actor Actor
	if err := tx.First(&actor, actorId).Error; err != nil {
		return false, err
	}
	if actor.IsAdmin != nil && *actor.IsAdmin {
		return true, nil
	}
	if actor.CenterId == centerId {
		return true, nil
	}
	ids, err := SubtreeCenterIDs(tx, actor.CenterId)
	if err != nil {
		return false, err
	}
	for _, id := range ids {
		if id == centerId {
			return true, nil
		}
	}
	return false, nil
}
