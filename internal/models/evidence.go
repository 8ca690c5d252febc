package models

import (
	"fmt"
	"sort"
	"strings"
)

// Citation URI schemes
const (
	SchemeDoc      = "doc://"
	SchemeResult   = "result://"
	SchemeWorkflow = "workflow://"
)

func DocURI(resourceID, chunkID string) string {
	if chunkID == "" {
		return SchemeDoc + resourceID
	}
	return SchemeDoc + resourceID + "#" + chunkID
}

func ResultURI(resourceID string) string { return SchemeResult + resourceID }

func WorkflowURI(workflowID string) string { return SchemeWorkflow + workflowID }

// ParseCitationURI splits a citation URI into its scheme, id and fragment.
func ParseCitationURI(uri string) (scheme, id, fragment string, err error) {
	for _, s := range []string{SchemeDoc, SchemeResult, SchemeWorkflow} {
		if strings.HasPrefix(uri, s) {
			rest := strings.TrimPrefix(uri, s)
			if rest == "" {
				return "", "", "", fmt.Errorf("citation %q has no id", uri)
			}
			id, fragment, _ = strings.Cut(rest, "#")
			if s != SchemeDoc && fragment != "" {
				return "", "", "", fmt.Errorf("citation %q: fragment only allowed on doc://", uri)
			}
			return s, id, fragment, nil
		}
	}
	return "", "", "", fmt.Errorf("unknown citation scheme in %q", uri)
}

// Span is a half-open byte range into the cited source content.
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

type Citation struct {
	Source string `json:"source"`
	ID     string `json:"id"`
	Span   *Span  `json:"span,omitempty"`
}

// Evidence is one sanitized item handed to the generation oracle.
type Evidence struct {
	ResourceID string       `json:"resource_id"`
	Type       ResourceType `json:"type"`
	Content    string       `json:"content"`
	Citation   Citation     `json:"citation"`
	Sanitized  bool         `json:"sanitized,omitempty"`
}

// Text renders a result payload as sorted "key: value" lines.
func (r *ResultRecord) Text() string {
	keys := make([]string, 0, len(r.Content))
	for k := range r.Content {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %v\n", k, r.Content[k])
	}
	return strings.TrimRight(b.String(), "\n")
}
