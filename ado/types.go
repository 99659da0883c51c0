package ado

import "encoding/json"

// APIVersion is the Azure DevOps REST API version sent on every request.
const APIVersion = "7.1"

// ListResponse is the standard ADO list envelope: {"count": n, "value": [...]}.
type ListResponse[T any] struct {
	Count int `json:"count"`
	Value []T `json:"value"`
}

// Links holds the _links section of ADO resources.
type Links struct {
	Web Link `json:"web"`
}

// Link is a single hyperlink reference.
type Link struct {
	Href string `json:"href"`
}

// IdentityRef identifies a user in ADO responses.
type IdentityRef struct {
	DisplayName string `json:"displayName"`
	UniqueName  string `json:"uniqueName,omitempty"`
	ID          string `json:"id,omitempty"`
}

// DefinitionRef references a build/pipeline definition.
type DefinitionRef struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// Build is a build returned by the Build API.
// Timestamps are ISO 8601 strings as sent on the wire; use FormatTimestamp
// and HumanDuration to render them.
type Build struct {
	ID           int           `json:"id"`
	BuildNumber  string        `json:"buildNumber"`
	Status       string        `json:"status"`
	Result       string        `json:"result"`
	SourceBranch string        `json:"sourceBranch"`
	QueueTime    string        `json:"queueTime"`
	StartTime    string        `json:"startTime"`
	FinishTime   string        `json:"finishTime"`
	Definition   DefinitionRef `json:"definition"`
	RequestedFor IdentityRef   `json:"requestedFor"`
	Links        Links         `json:"_links"`
}

// PipelineRef references a YAML pipeline.
type PipelineRef struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// PipelineRun is a run returned by the Pipelines API.
type PipelineRun struct {
	ID           int         `json:"id"`
	Name         string      `json:"name"`
	State        string      `json:"state"`
	Result       string      `json:"result"`
	CreatedDate  string      `json:"createdDate"`
	FinishedDate string      `json:"finishedDate"`
	Pipeline     PipelineRef `json:"pipeline"`
	Links        Links       `json:"_links"`
}

// RunRequest is the body posted to queue a new pipeline run.
type RunRequest struct {
	Resources          RunResources    `json:"resources"`
	TemplateParameters json.RawMessage `json:"templateParameters,omitempty"`
}

// RunResources selects the repository refs a run builds from.
type RunResources struct {
	Repositories map[string]RepositoryResource `json:"repositories"`
}

// RepositoryResource pins a repository to a ref.
type RepositoryResource struct {
	RefName string `json:"refName,omitempty"`
}

// Timeline is the record tree for a build.
type Timeline struct {
	Records []TimelineRecord `json:"records"`
}

// TimelineRecord is one task/job/phase node in a build timeline.
type TimelineRecord struct {
	Name       string  `json:"name"`
	Type       string  `json:"type"`
	State      string  `json:"state"`
	Result     string  `json:"result"`
	StartTime  string  `json:"startTime"`
	FinishTime string  `json:"finishTime"`
	ErrorCount int     `json:"errorCount"`
	Issues     []Issue `json:"issues"`
	Log        *LogRef `json:"log"`
}

// Issue is an error or warning attached to a timeline record.
type Issue struct {
	Type     string `json:"type"`
	Category string `json:"category"`
	Message  string `json:"message"`
}

// LogRef references the log blob of a timeline record.
type LogRef struct {
	ID int `json:"id"`
}

// ReleaseRef references a release by ID and name.
type ReleaseRef struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// Deployment is a classic-release deployment returned by the Release API
// (served from the vsrm host).
type Deployment struct {
	ID                 int         `json:"id"`
	Release            ReleaseRef  `json:"release"`
	ReleaseDefinition  ReleaseRef  `json:"releaseDefinition"`
	ReleaseEnvironment ReleaseRef  `json:"releaseEnvironment"`
	DeploymentStatus   string      `json:"deploymentStatus"`
	OperationStatus    string      `json:"operationStatus"`
	RequestedBy        IdentityRef `json:"requestedBy"`
	QueuedOn           string      `json:"queuedOn"`
	StartedOn          string      `json:"startedOn"`
	CompletedOn        string      `json:"completedOn"`
}

// ErrorResponse is the error body ADO returns on non-2xx statuses.
type ErrorResponse struct {
	Message string `json:"message"`
	TypeKey string `json:"typeKey"`
}
