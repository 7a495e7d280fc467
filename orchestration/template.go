package orchestration

import (
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

// ParameterSpec declares a single workflow parameter
type ParameterSpec struct {
	Type        string      `yaml:"type" json:"type" validate:"required,oneof=string number integer boolean array object"`
	Required    bool        `yaml:"required" json:"required"`
	Default     interface{} `yaml:"default,omitempty" json:"default,omitempty"`
	Description string      `yaml:"description,omitempty" json:"description,omitempty"`
}

// CapabilityRequirement names a remote capability a workflow depends on.
// Optional capabilities do not block admission when unhealthy; how they
// affect match confidence is controlled by the engine's OptionalHealthPolicy.
type CapabilityRequirement struct {
	Name     string `yaml:"name" json:"name" validate:"required"`
	Optional bool   `yaml:"optional" json:"optional"`
}

// WorkflowTemplate is an immutable catalog entry describing a multi-service
// workflow: what it needs, what phrases trigger it, and what parameters it
// accepts. Templates are registered at process start and never mutated.
type WorkflowTemplate struct {
	Name                 string                   `yaml:"name" json:"name" validate:"required"`
	Description          string                   `yaml:"description" json:"description"`
	RequiredCapabilities []CapabilityRequirement  `yaml:"required_capabilities" json:"required_capabilities" validate:"min=1,dive"`
	TriggerPhrases       []string                 `yaml:"trigger_phrases" json:"trigger_phrases" validate:"min=1"`
	ParameterSchema      map[string]ParameterSpec `yaml:"parameters" json:"parameters" validate:"dive"`
	ConfidenceThreshold  float64                  `yaml:"confidence_threshold" json:"confidence_threshold" validate:"gte=0,lte=1"`
	EstimatedDuration    time.Duration            `yaml:"estimated_duration" json:"estimated_duration"`
}

// CapabilityNames returns the names of required capabilities; optional ones
// are included only when includeOptional is set
func (t *WorkflowTemplate) CapabilityNames(includeOptional bool) []string {
	names := make([]string, 0, len(t.RequiredCapabilities))
	for _, cap := range t.RequiredCapabilities {
		if cap.Optional && !includeOptional {
			continue
		}
		names = append(names, cap.Name)
	}
	return names
}

// jsonSchema builds the JSON Schema document for the template's parameters.
// Unknown keys are rejected so mistyped parameter names fail loudly instead
// of being silently ignored by the remote orchestrator.
func (t *WorkflowTemplate) jsonSchema() map[string]interface{} {
	properties := make(map[string]interface{}, len(t.ParameterSchema))
	required := make([]string, 0)

	for name, spec := range t.ParameterSchema {
		prop := map[string]interface{}{"type": spec.Type}
		if spec.Description != "" {
			prop["description"] = spec.Description
		}
		properties[name] = prop
		if spec.Required {
			required = append(required, name)
		}
	}

	schema := map[string]interface{}{
		"type":                 "object",
		"properties":           properties,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// ValidateParameters checks params against the template's declared schema.
// It returns the normalized parameter map (defaults applied for absent
// optional parameters) and a list of human-readable issues; an empty issue
// list means the parameters are valid.
func (t *WorkflowTemplate) ValidateParameters(params map[string]interface{}) (map[string]interface{}, []string, error) {
	normalized := make(map[string]interface{}, len(params))
	for k, v := range params {
		normalized[k] = v
	}
	for name, spec := range t.ParameterSchema {
		if _, present := normalized[name]; !present && spec.Default != nil {
			normalized[name] = spec.Default
		}
	}

	// Required string parameters must also be non-empty; JSON Schema's
	// "required" only checks presence.
	issues := make([]string, 0)
	for name, spec := range t.ParameterSchema {
		if !spec.Required {
			continue
		}
		if v, ok := normalized[name]; ok {
			if s, isStr := v.(string); isStr && s == "" {
				issues = append(issues, fmt.Sprintf("parameter %q must not be empty", name))
			}
		}
	}

	schemaLoader := gojsonschema.NewGoLoader(t.jsonSchema())
	dataLoader := gojsonschema.NewGoLoader(normalized)

	result, err := gojsonschema.Validate(schemaLoader, dataLoader)
	if err != nil {
		return nil, nil, fmt.Errorf("validating parameters for %s: %w", t.Name, err)
	}

	for _, resErr := range result.Errors() {
		issues = append(issues, resErr.String())
	}

	return normalized, issues, nil
}

// WorkflowCatalog is a registry of workflow templates. Registration order is
// preserved because the matcher resolves score ties by iteration order.
// The catalog is thread-safe for concurrent access.
type WorkflowCatalog struct {
	mu        sync.RWMutex
	templates map[string]*WorkflowTemplate
	order     []string
	validate  *validator.Validate
}

// NewWorkflowCatalog creates an empty catalog
func NewWorkflowCatalog() *WorkflowCatalog {
	return &WorkflowCatalog{
		templates: make(map[string]*WorkflowTemplate),
		validate:  validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Register adds a template to the catalog. Duplicate names and structurally
// invalid templates are rejected.
func (c *WorkflowCatalog) Register(template *WorkflowTemplate) error {
	if template == nil {
		return fmt.Errorf("template cannot be nil")
	}
	if err := c.validate.Struct(template); err != nil {
		return fmt.Errorf("invalid template %q: %w", template.Name, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.templates[template.Name]; exists {
		return fmt.Errorf("template %q already registered", template.Name)
	}

	c.templates[template.Name] = template
	c.order = append(c.order, template.Name)
	return nil
}

// Get returns the template with the given name, or nil when absent
func (c *WorkflowCatalog) Get(name string) *WorkflowTemplate {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.templates[name]
}

// List returns all templates in registration order
func (c *WorkflowCatalog) List() []*WorkflowTemplate {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*WorkflowTemplate, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.templates[name])
	}
	return out
}

// Len returns the number of registered templates
func (c *WorkflowCatalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.order)
}

// templateFile is the YAML document shape for LoadYAML
type templateFile struct {
	Workflows []*WorkflowTemplate `yaml:"workflows"`
}

// LoadYAML parses workflow templates from YAML and registers each one.
// The whole document is rejected on the first invalid template so a catalog
// never ends up partially loaded from a bad file.
func (c *WorkflowCatalog) LoadYAML(data []byte) (int, error) {
	var file templateFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return 0, fmt.Errorf("parsing template YAML: %w", err)
	}

	for _, tmpl := range file.Workflows {
		if err := c.validate.Struct(tmpl); err != nil {
			return 0, fmt.Errorf("invalid template %q: %w", tmpl.Name, err)
		}
	}

	registered := 0
	for _, tmpl := range file.Workflows {
		if err := c.Register(tmpl); err != nil {
			return registered, err
		}
		registered++
	}
	return registered, nil
}

// DefaultCatalog returns a catalog pre-loaded with the built-in workflow
// table. The table mirrors the standard ecosystem services: documents,
// analysis, security, notifications, and pipelines.
func DefaultCatalog() *WorkflowCatalog {
	catalog := NewWorkflowCatalog()

	builtins := []*WorkflowTemplate{
		{
			Name:        "document-analysis",
			Description: "Fetch a document, run content analysis, and store the findings",
			RequiredCapabilities: []CapabilityRequirement{
				{Name: "document-store"},
				{Name: "analyzer"},
			},
			TriggerPhrases: []string{"analyze document", "document analysis", "review document", "summarize file"},
			ParameterSchema: map[string]ParameterSpec{
				"document_id": {Type: "string", Required: true, Description: "identifier of the document to analyze"},
				"depth":       {Type: "string", Required: false, Default: "standard", Description: "analysis depth: quick, standard, deep"},
			},
			ConfidenceThreshold: 0.5,
			EstimatedDuration:   45 * time.Second,
		},
		{
			Name:        "security-audit",
			Description: "Run a security scan across a target and file findings",
			RequiredCapabilities: []CapabilityRequirement{
				{Name: "security-scanner"},
				{Name: "notification-service", Optional: true},
			},
			TriggerPhrases: []string{"security audit", "security scan", "scan for vulnerabilities", "audit security"},
			ParameterSchema: map[string]ParameterSpec{
				"target": {Type: "string", Required: true, Description: "service or resource to audit"},
				"notify": {Type: "boolean", Required: false, Default: false, Description: "send a notification when the audit completes"},
			},
			ConfidenceThreshold: 0.6,
			EstimatedDuration:   2 * time.Minute,
		},
		{
			Name:        "service-health-sweep",
			Description: "Check the health of every registered downstream service",
			RequiredCapabilities: []CapabilityRequirement{
				{Name: "health-monitor"},
			},
			TriggerPhrases: []string{"health sweep", "check all services", "service health", "system status"},
			ParameterSchema: map[string]ParameterSpec{
				"include_optional": {Type: "boolean", Required: false, Default: true, Description: "include optional services in the sweep"},
			},
			ConfidenceThreshold: 0.4,
			EstimatedDuration:   20 * time.Second,
		},
		{
			Name:        "notification-broadcast",
			Description: "Send a notification to a set of recipients through the notification service",
			RequiredCapabilities: []CapabilityRequirement{
				{Name: "notification-service"},
			},
			TriggerPhrases: []string{"send notification", "broadcast message", "notify team", "alert everyone"},
			ParameterSchema: map[string]ParameterSpec{
				"message":    {Type: "string", Required: true, Description: "message body to send"},
				"recipients": {Type: "array", Required: true, Description: "list of recipient identifiers"},
				"priority":   {Type: "string", Required: false, Default: "normal", Description: "delivery priority"},
			},
			ConfidenceThreshold: 0.5,
			EstimatedDuration:   10 * time.Second,
		},
		{
			Name:        "data-pipeline",
			Description: "Extract data from a source, transform it, and load it into the document store",
			RequiredCapabilities: []CapabilityRequirement{
				{Name: "document-store"},
				{Name: "analyzer"},
				{Name: "notification-service", Optional: true},
			},
			TriggerPhrases: []string{"run pipeline", "data pipeline", "process dataset", "etl run"},
			ParameterSchema: map[string]ParameterSpec{
				"source":      {Type: "string", Required: true, Description: "data source identifier"},
				"destination": {Type: "string", Required: true, Description: "destination collection"},
				"batch_size":  {Type: "integer", Required: false, Default: 100, Description: "records per batch"},
			},
			ConfidenceThreshold: 0.6,
			EstimatedDuration:   5 * time.Minute,
		},
	}

	for _, tmpl := range builtins {
		// Built-in templates are statically correct; a registration failure
		// here is a programming error.
		if err := catalog.Register(tmpl); err != nil {
			panic(fmt.Sprintf("registering built-in template %s: %v", tmpl.Name, err))
		}
	}

	return catalog
}
