package database

// Entity is the hydrated view of an entity: its row plus every
// observation currently attached to its name.
type Entity struct {
	Name         string   `json:"name"`
	EntityType   string   `json:"entityType"`
	Observations []string `json:"observations"`
}

// EntityRef identifies an entity without hydrating observations.
type EntityRef struct {
	Name       string `json:"name"`
	EntityType string `json:"entityType"`
}

type Relation struct {
	From         string `json:"from"`
	To           string `json:"to"`
	RelationType string `json:"relationType"`
}

type Graph struct {
	Entities  []Entity   `json:"entities"`
	Relations []Relation `json:"relations"`
}

// ObservationHit is a single observation row matched by a search.
type ObservationHit struct {
	EntityName  string `json:"entityName"`
	Observation string `json:"observation"`
}

// SearchResult keeps the three match sets separate. Name and type
// matches identify entities; observation matches identify rows. The
// sets are not merged into a unified entity view.
type SearchResult struct {
	NameMatches        []EntityRef      `json:"nameMatches"`
	TypeMatches        []EntityRef      `json:"typeMatches"`
	ObservationMatches []ObservationHit `json:"observationMatches"`
}

// CascadeResult reports what a cascading delete removed.
type CascadeResult struct {
	Entities     int64 `json:"entities"`
	Observations int64 `json:"observations"`
	Relations    int64 `json:"relations"`
}
