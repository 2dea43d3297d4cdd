package pipeline

import "github.com/timmy/bulkimport/internal/domain"

const (
	// RelationSelf is the export holding the portable's own attributes.
	RelationSelf = "self"

	FinisherPipeline = "entity_finisher"
)

// Default builds the stage layout for groups and projects.
//
//	group:   0 attributes | 1 labels milestones badges members | 2 finisher
//	project: 0 attributes | 1 labels milestones badges members | 2 issues merge_requests | 3 finisher
func Default(src Downloader, loader Loader) *Registry {
	r := NewRegistry()

	relation := func(name, rel string, batchable, abort bool) Definition {
		return Definition{
			Name:           name,
			Relation:       rel,
			FileExtraction: true,
			Batchable:      batchable,
			AbortOnFailure: abort,
			Pipeline:       &NDJSONPipeline{Relation: rel, Source: src, Loader: loader},
		}
	}
	finisher := Definition{Name: FinisherPipeline, Pipeline: &EntityFinisher{Loader: loader}}

	common := []string{"labels", "milestones", "badges", "members"}

	r.MustRegister(domain.SourceTypeGroup, 0, relation("group_attributes", RelationSelf, false, true))
	for _, rel := range common {
		r.MustRegister(domain.SourceTypeGroup, 1, relation("group_"+rel, rel, false, false))
	}
	r.MustRegister(domain.SourceTypeGroup, 2, finisher)

	r.MustRegister(domain.SourceTypeProject, 0, relation("project_attributes", RelationSelf, false, true))
	for _, rel := range common {
		r.MustRegister(domain.SourceTypeProject, 1, relation("project_"+rel, rel, false, false))
	}
	r.MustRegister(domain.SourceTypeProject, 2, relation("project_issues", "issues", true, false))
	r.MustRegister(domain.SourceTypeProject, 2, relation("project_merge_requests", "merge_requests", true, false))
	r.MustRegister(domain.SourceTypeProject, 3, finisher)

	return r
}
