package pipeline

import (
	"fmt"
	"sort"

	"github.com/timmy/bulkimport/internal/domain"
)

// Stage is one ordering bucket of pipelines.
type Stage struct {
	Number    int
	Pipelines []Definition
}

type entry struct {
	stage int
	def   Definition
}

// Registry maps pipeline names to definitions and source types to stage
// layouts. It is filled at startup and read-only afterwards.
type Registry struct {
	byName map[string]Definition
	layout map[domain.SourceType][]entry
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]Definition),
		layout: make(map[domain.SourceType][]entry),
	}
}

// Register places def at stage for sourceType. A name may be shared by
// several source types but must always map to the same definition.
func (r *Registry) Register(sourceType domain.SourceType, stage int, def Definition) error {
	if def.Name == "" || def.Pipeline == nil {
		return fmt.Errorf("pipeline definition needs a name and an implementation")
	}
	if !sourceType.Valid() {
		return fmt.Errorf("unknown source type %q", sourceType)
	}
	for _, e := range r.layout[sourceType] {
		if e.def.Name == def.Name {
			return fmt.Errorf("pipeline %s already registered for %s", def.Name, sourceType)
		}
	}
	r.byName[def.Name] = def
	r.layout[sourceType] = append(r.layout[sourceType], entry{stage: stage, def: def})
	return nil
}

// MustRegister is Register that panics on error.
func (r *Registry) MustRegister(sourceType domain.SourceType, stage int, def Definition) {
	if err := r.Register(sourceType, stage, def); err != nil {
		panic(err)
	}
}

// Lookup returns the definition named name.
func (r *Registry) Lookup(name string) (Definition, bool) {
	def, ok := r.byName[name]
	return def, ok
}

// Stages returns the stage layout of sourceType in ascending order.
func (r *Registry) Stages(sourceType domain.SourceType) []Stage {
	grouped := make(map[int][]Definition)
	for _, e := range r.layout[sourceType] {
		grouped[e.stage] = append(grouped[e.stage], e.def)
	}
	stages := make([]Stage, 0, len(grouped))
	for n, defs := range grouped {
		stages = append(stages, Stage{Number: n, Pipelines: defs})
	}
	sort.Slice(stages, func(i, j int) bool { return stages[i].Number < stages[j].Number })
	return stages
}

// Relations lists the distinct export relations consumed for sourceType.
func (r *Registry) Relations(sourceType domain.SourceType) []string {
	seen := make(map[string]bool)
	var relations []string
	for _, e := range r.layout[sourceType] {
		if e.def.Relation == "" || seen[e.def.Relation] {
			continue
		}
		seen[e.def.Relation] = true
		relations = append(relations, e.def.Relation)
	}
	sort.Strings(relations)
	return relations
}

// Batchable reports whether relation may be exported in batches for sourceType.
func (r *Registry) Batchable(sourceType domain.SourceType, relation string) bool {
	for _, e := range r.layout[sourceType] {
		if e.def.Relation == relation {
			return e.def.Batchable
		}
	}
	return false
}

// Trackers builds one created tracker per pipeline of every stage for entity.
func (r *Registry) Trackers(entity *domain.Entity) []*domain.Tracker {
	var trackers []*domain.Tracker
	for _, stage := range r.Stages(entity.SourceType) {
		for _, def := range stage.Pipelines {
			trackers = append(trackers, &domain.Tracker{
				EntityID: entity.ID,
				Stage:    stage.Number,
				Pipeline: def.Name,
				Status:   domain.StatusCreated,
			})
		}
	}
	return trackers
}
