package main

import (
	"time"

	"github.com/liamcoop/dss/rules"
)

// API request and response models

// RuleRequest is the body for creating or updating a rule record. Source,
// when set, is CEL text uploaded to the ad-hoc namespace under the rule's
// name and becomes its implementation.
type RuleRequest struct {
	Name           string `json:"name" example:"statin_reminder"`
	Type           string `json:"type" example:"adult_wellness"`
	Priority       int    `json:"priority" example:"1"`
	Implementation string `json:"implementation,omitempty" example:"library.statin_reminder"`
	Source         string `json:"source,omitempty" example:"subject.ldl > 190.0 ? 'Consider statin therapy' : null"`

	Title       string `json:"title,omitempty"`
	Author      string `json:"author,omitempty"`
	Institution string `json:"institution,omitempty"`
	Specialist  string `json:"specialist,omitempty"`
	Purpose     string `json:"purpose,omitempty"`
	Explanation string `json:"explanation,omitempty"`
	Keywords    string `json:"keywords,omitempty"`
	Citations   string `json:"citations,omitempty"`
	Links       string `json:"links,omitempty"`
	Action      string `json:"action,omitempty"`
}

func (r RuleRequest) record() *rules.RuleRecord {
	return &rules.RuleRecord{
		Name:           r.Name,
		Type:           r.Type,
		Priority:       r.Priority,
		Implementation: r.Implementation,
		Title:          r.Title,
		Author:         r.Author,
		Institution:    r.Institution,
		Specialist:     r.Specialist,
		Purpose:        r.Purpose,
		Explanation:    r.Explanation,
		Keywords:       r.Keywords,
		Citations:      r.Citations,
		Links:          r.Links,
		Action:         r.Action,
	}
}

// RulesListResponse is returned by every listing endpoint
type RulesListResponse struct {
	Rules []*rules.RuleRecord `json:"rules"`
}

// EvaluateRequest selects rules and a subject to run them against.
// Exactly one of RuleIDs, RuleNames or Type should be given.
type EvaluateRequest struct {
	Subject     rules.Subject `json:"subject"`
	RuleIDs     []int64       `json:"ruleIds,omitempty" example:"1,2"`
	RuleNames   []string      `json:"ruleNames,omitempty" example:"bmi"`
	Type        string        `json:"type,omitempty" example:"adult_wellness"`
	Namespaces  []string      `json:"namespaces,omitempty"`
	ForceReload bool          `json:"forceReload,omitempty"`

	// Kinds keeps only results of these kinds in a JSON response
	Kinds []rules.ResultKind `json:"kinds,omitempty" example:"numeric,coded"`
}

// ResultResponse is one rule outcome
type ResultResponse struct {
	ExecutionID string           `json:"executionId"`
	RuleID      int64            `json:"ruleId"`
	RuleName    string           `json:"ruleName"`
	Namespace   string           `json:"namespace,omitempty"`
	Kind        rules.ResultKind `json:"kind"`
	Payload     any              `json:"payload,omitempty"`
	Text        string           `json:"text,omitempty"`
	Error       string           `json:"error,omitempty"`
	Duration    string           `json:"duration"`
}

func newResultResponse(r *rules.Result) ResultResponse {
	resp := ResultResponse{
		ExecutionID: r.ExecutionID,
		RuleID:      r.RuleID,
		RuleName:    r.RuleName,
		Namespace:   r.Namespace,
		Kind:        r.Kind,
		Payload:     r.Payload,
		Text:        r.Render(),
		Duration:    r.Duration.String(),
	}
	if r.Err != nil {
		resp.Error = r.Err.Error()
	}
	return resp
}

// EvaluateResponse carries results in rule order
type EvaluateResponse struct {
	SubjectID      string           `json:"subjectId"`
	Results        []ResultResponse `json:"results"`
	EvaluationTime string           `json:"evaluationTime" example:"2.3ms"`
}

// SourceRequest uploads CEL text for an ad-hoc rule
type SourceRequest struct {
	Source string `json:"source"`
}

// SourceResponse describes a stored ad-hoc source
type SourceResponse struct {
	Name          string `json:"name"`
	QualifiedName string `json:"qualifiedName"`
	Source        string `json:"source,omitempty"`
}

// CacheEntryResponse describes a loaded rule
type CacheEntryResponse struct {
	Name          string    `json:"name"`
	QualifiedName string    `json:"qualifiedName"`
	Namespace     string    `json:"namespace"`
	LoadedAt      time.Time `json:"loadedAt"`
}

func newCacheEntryResponse(l *rules.LoadedRule) CacheEntryResponse {
	return CacheEntryResponse{
		Name:          l.Name,
		QualifiedName: l.QualifiedName,
		Namespace:     l.Namespace,
		LoadedAt:      l.LoadedAt,
	}
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`

	// Results is the complete batch when evaluation failed to load a rule
	Results []ResultResponse `json:"results,omitempty"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status      string `json:"status" example:"healthy"`
	Error       string `json:"error,omitempty"`
	RulesLoaded int    `json:"rulesLoaded"`
}
