package registry

import (
	"time"

	"github.com/sells-group/account-signals/internal/model"
)

// Well-known signal types. The registry is closed: emit rejects anything
// not listed here or in the registry YAML override.
const (
	// Resolution producer outputs about an ambiguous item.
	TypeJunctionLink   model.SignalType = "junction_link"
	TypeEntityLink     model.SignalType = "entity_link"
	TypeAttendeeMatch  model.SignalType = "attendee_match"
	TypeDomainMatch    model.SignalType = "domain_match"
	TypeKeywordMatch   model.SignalType = "keyword_match"
	TypePatternMatch   model.SignalType = "pattern_match"
	TypeEmbeddingMatch model.SignalType = "embedding_match"

	// Base observations about tracked entities.
	TypeLeadershipChange model.SignalType = "leadership_change"
	TypeJobChange        model.SignalType = "job_change"
	TypeFundingEvent     model.SignalType = "funding_event"
	TypeMeetingScheduled model.SignalType = "meeting_scheduled"
	TypeSentimentShift   model.SignalType = "sentiment_shift"

	// Derived by propagation rules only.
	TypeInitiativeAtRisk   model.SignalType = "initiative_at_risk"
	TypeRelationshipAtRisk model.SignalType = "relationship_at_risk"
	TypeInitiativeMomentum model.SignalType = "initiative_momentum"
	TypeEngagementActivity model.SignalType = "engagement_activity"
)

// Well-known producer sources.
const (
	SourceCRMSync        model.Source = "crm_sync"
	SourceCalendarIngest model.Source = "calendar_ingest"
	SourceEmailIngest    model.Source = "email_ingest"
	SourceNewsIngest     model.Source = "news_ingest"
	SourceHistoryMiner   model.Source = "history_miner"
	SourceEnrichmentAI   model.Source = "enrichment_ai"
	SourcePropagation    model.Source = "propagation"
)

const day = 24 * time.Hour

// Defaults returns the compiled-in registry, version 1 of every type.
func Defaults() []TypeDef {
	return []TypeDef{
		{Name: TypeJunctionLink, Version: 1,
			Emitters: []model.Source{SourceCRMSync}},
		{Name: TypeEntityLink, Version: 1,
			Emitters: []model.Source{SourceCRMSync}},
		{Name: TypeAttendeeMatch, Version: 1, HalfLife: 14 * day,
			Emitters: []model.Source{SourceCalendarIngest}},
		{Name: TypeDomainMatch, Version: 1, HalfLife: 30 * day,
			Emitters: []model.Source{SourceCalendarIngest, SourceEmailIngest}},
		{Name: TypeKeywordMatch, Version: 1, HalfLife: 14 * day,
			Emitters: []model.Source{SourceEmailIngest}},
		{Name: TypePatternMatch, Version: 1, HalfLife: 60 * day,
			Emitters: []model.Source{SourceHistoryMiner}},
		{Name: TypeEmbeddingMatch, Version: 1, HalfLife: 30 * day,
			Emitters: []model.Source{SourceEnrichmentAI}},

		{Name: TypeLeadershipChange, Version: 1, HalfLife: 90 * day,
			Emitters: []model.Source{SourceNewsIngest, SourceEnrichmentAI}},
		{Name: TypeJobChange, Version: 1, HalfLife: 90 * day,
			Emitters: []model.Source{SourceEmailIngest, SourceEnrichmentAI}},
		{Name: TypeFundingEvent, Version: 1, HalfLife: 180 * day,
			Emitters: []model.Source{SourceNewsIngest}},
		{Name: TypeMeetingScheduled, Version: 1, HalfLife: 7 * day,
			Emitters: []model.Source{SourceCalendarIngest}},
		{Name: TypeSentimentShift, Version: 1, HalfLife: 30 * day,
			Emitters: []model.Source{SourceEnrichmentAI}},

		{Name: TypeInitiativeAtRisk, Version: 1, HalfLife: 60 * day,
			Emitters: []model.Source{SourcePropagation}, DerivedOnly: true},
		{Name: TypeRelationshipAtRisk, Version: 1, HalfLife: 60 * day,
			Emitters: []model.Source{SourcePropagation}, DerivedOnly: true},
		{Name: TypeInitiativeMomentum, Version: 1, HalfLife: 90 * day,
			Emitters: []model.Source{SourcePropagation}, DerivedOnly: true},
		{Name: TypeEngagementActivity, Version: 1, HalfLife: 30 * day,
			Emitters: []model.Source{SourcePropagation}, DerivedOnly: true},
	}
}
