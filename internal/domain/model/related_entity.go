package model

// Entity is any domain object a job can be tagged with.
type Entity interface {
	EntityType() string
	EntityID() string
}

// RelatedEntity is the stored (type, id) form of an Entity.
type RelatedEntity struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// EntityType implements Entity.
func (e RelatedEntity) EntityType() string { return e.Type }

// EntityID implements Entity.
func (e RelatedEntity) EntityID() string { return e.ID }
