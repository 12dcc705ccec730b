// Package agents holds the built-in template agents. Each one turns the
// project prompt, plus the artifacts of earlier stages, into a document.
package agents

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strings"
	"text/template"
	"time"

	"github.com/forgeflow/backend/internal/core/ports"
	"github.com/forgeflow/backend/internal/domain"
	"github.com/forgeflow/backend/internal/infrastructure/logger"
	"gopkg.in/yaml.v3"
)

// Requirements is the document produced by the requirements agent.
type Requirements struct {
	Project       string    `yaml:"project"`
	Summary       string    `yaml:"summary"`
	Features      []Feature `yaml:"features"`
	NonFunctional []string  `yaml:"non_functional,omitempty"`
	GeneratedAt   time.Time `yaml:"generated_at"`
}

type Feature struct {
	Name     string `yaml:"name"`
	Detail   string `yaml:"detail"`
	Resource string `yaml:"resource"`
}

// Deployment is the manifest produced by the deployment agent.
type Deployment struct {
	Project  string            `yaml:"project"`
	Services []DeployedService `yaml:"services"`
}

type DeployedService struct {
	Name   string `yaml:"name"`
	Source string `yaml:"source"`
	Port   int    `yaml:"port"`
}

// TemplateRunner is an AgentRunner that renders templates instead of
// calling out to a model.
type TemplateRunner struct {
	storage ports.ArtifactStorage
	logger  *logger.Logger
	now     func() time.Time
}

func NewTemplateRunner(storage ports.ArtifactStorage, log *logger.Logger) *TemplateRunner {
	return &TemplateRunner{storage: storage, logger: log, now: time.Now}
}

var _ ports.AgentRunner = (*TemplateRunner)(nil)

func (r *TemplateRunner) Run(ctx context.Context, job ports.AgentJob) (*ports.AgentOutput, error) {
	progress := job.Progress
	if progress == nil {
		progress = func(int) {}
	}
	r.logger.Debugw("agent_run_start", "project_id", job.Project.ID, "agent", job.Task.AssignedAgent)

	switch job.Task.AssignedAgent {
	case domain.AgentRequirements:
		progress(10)
		return r.requirements(job)
	case domain.AgentBackend, domain.AgentFrontend, domain.AgentDeployment:
		progress(10)
		req, err := r.loadRequirements(ctx, job.Inputs)
		if err != nil {
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		progress(50)
		switch job.Task.AssignedAgent {
		case domain.AgentBackend:
			return renderBackend(req)
		case domain.AgentFrontend:
			return renderFrontend(req)
		default:
			return renderDeployment(req, job.Inputs)
		}
	}
	return nil, fmt.Errorf("agents: no runner for %q", job.Task.AssignedAgent)
}

// ==================== Requirements ====================

var sentenceSplit = regexp.MustCompile(`[.;\n]+`)
var nonWord = regexp.MustCompile(`[^a-z0-9]+`)

func (r *TemplateRunner) requirements(job ports.AgentJob) (*ports.AgentOutput, error) {
	doc := Requirements{
		Project:     job.Project.Name,
		Summary:     firstSentence(job.Project.Prompt),
		GeneratedAt: r.now().UTC().Truncate(time.Second),
	}
	seen := make(map[string]bool)
	for _, s := range sentenceSplit.Split(job.Project.Prompt, -1) {
		s = strings.TrimSpace(s)
		if len(s) < 3 {
			continue
		}
		resource := resourceName(s)
		if seen[resource] {
			resource = fmt.Sprintf("%s%d", resource, len(doc.Features)+1)
		}
		seen[resource] = true
		doc.Features = append(doc.Features, Feature{
			Name:     fmt.Sprintf("F%d", len(doc.Features)+1),
			Detail:   s,
			Resource: resource,
		})
	}
	if len(doc.Features) == 0 {
		return nil, fmt.Errorf("agents: prompt yields no requirements")
	}
	doc.NonFunctional = []string{"structured logging", "health endpoint"}

	out, err := yaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("agents: encode requirements: %w", err)
	}
	return &ports.AgentOutput{
		FileName:    "requirements.yaml",
		Title:       "Requirements for " + job.Project.Name,
		Description: doc.Summary,
		Content:     out,
		Metadata:    domain.JSONB{"features": len(doc.Features)},
	}, nil
}

func (r *TemplateRunner) loadRequirements(ctx context.Context, inputs []domain.Artifact) (*Requirements, error) {
	var latest *domain.Artifact
	for i := range inputs {
		a := inputs[i]
		if a.Type != domain.ArtifactTypeRequirements {
			continue
		}
		if latest == nil || a.Version > latest.Version {
			latest = &a
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("agents: no requirements document available")
	}
	raw, err := r.storage.Get(ctx, latest.Location)
	if err != nil {
		return nil, fmt.Errorf("agents: read requirements: %w", err)
	}
	var req Requirements
	if err := yaml.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("agents: decode requirements: %w", err)
	}
	return &req, nil
}

func firstSentence(s string) string {
	parts := sentenceSplit.Split(strings.TrimSpace(s), 2)
	return strings.TrimSpace(parts[0])
}

// resourceName picks a route-safe noun from a requirement line.
func resourceName(s string) string {
	words := strings.Fields(strings.ToLower(s))
	for i := len(words) - 1; i >= 0; i-- {
		w := nonWord.ReplaceAllString(words[i], "")
		if len(w) >= 3 {
			return w
		}
	}
	return "items"
}

// ==================== Builds ====================

var backendTmpl = template.Must(template.New("backend").Parse(`package main

// {{.Project}}: {{.Summary}}

import (
	"log"
	"net/http"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
{{- range .Features}}
	// {{.Name}}: {{.Detail}}
	mux.HandleFunc("/api/{{.Resource}}", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNotImplemented) })
{{- end}}
	log.Fatal(http.ListenAndServe(":8080", mux))
}
`))

var frontendTmpl = template.Must(template.New("frontend").Parse(`<!doctype html>
<html>
<head><title>{{.Project}}</title></head>
<body>
<h1>{{.Project}}</h1>
<p>{{.Summary}}</p>
<ul>
{{- range .Features}}
  <li data-resource="{{.Resource}}">{{.Detail}}</li>
{{- end}}
</ul>
</body>
</html>
`))

func renderBackend(req *Requirements) (*ports.AgentOutput, error) {
	var buf bytes.Buffer
	if err := backendTmpl.Execute(&buf, req); err != nil {
		return nil, fmt.Errorf("agents: render backend: %w", err)
	}
	return &ports.AgentOutput{
		FileName: "backend/main.go",
		Title:    req.Project + " backend",
		Content:  buf.Bytes(),
		Metadata: domain.JSONB{"language": "go", "routes": len(req.Features) + 1},
	}, nil
}

func renderFrontend(req *Requirements) (*ports.AgentOutput, error) {
	var buf bytes.Buffer
	if err := frontendTmpl.Execute(&buf, req); err != nil {
		return nil, fmt.Errorf("agents: render frontend: %w", err)
	}
	return &ports.AgentOutput{
		FileName: "frontend/index.html",
		Title:    req.Project + " frontend",
		Content:  buf.Bytes(),
		Metadata: domain.JSONB{"language": "html"},
	}, nil
}

func renderDeployment(req *Requirements, inputs []domain.Artifact) (*ports.AgentOutput, error) {
	manifest := Deployment{Project: req.Project}
	port := 8080
	for _, a := range inputs {
		if a.Type != domain.ArtifactTypeSourceCode {
			continue
		}
		manifest.Services = append(manifest.Services, DeployedService{
			Name:   fmt.Sprintf("svc-%d", len(manifest.Services)+1),
			Source: a.Location,
			Port:   port,
		})
		port++
	}
	if len(manifest.Services) == 0 {
		return nil, fmt.Errorf("agents: nothing to deploy")
	}
	out, err := yaml.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("agents: encode deployment: %w", err)
	}
	return &ports.AgentOutput{
		FileName: "deploy.yaml",
		Title:    req.Project + " deployment",
		Content:  out,
		Metadata: domain.JSONB{"services": len(manifest.Services)},
	}, nil
}
