package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Kocoro-lab/Shannon/go/resolver/internal/idempotency"
	"github.com/Kocoro-lab/Shannon/go/resolver/internal/models"
	"github.com/Kocoro-lab/Shannon/go/resolver/internal/validation"
)

// Program is a validated definition with every step decoded and every
// expression compiled. Programs are immutable and safe for concurrent use.
type Program struct {
	Def      *Definition
	Checksum string

	steps  []*compiledStep // dependency order
	output map[string]*expression
	schema *jsonschema.Schema
}

type compiledStep struct {
	id        string
	kind      StepKind
	dependsOn []string

	tool      *toolStep
	condition *conditionStep
	transform *transformStep
	retrieve  *retrieveStep
	parallel  *parallelStep
}

type toolStep struct {
	name    string
	input   *template
	timeout time.Duration
}

type conditionStep struct {
	expr      *expression
	then, els []string
}

type transformStep struct {
	expr    *expression
	mapping map[string]*expression
}

type retrieveStep struct {
	target  models.ResourceType
	query   *template
	topK    int
	filters *template
	rules   []string
	timeout time.Duration
}

type parallelStep struct {
	branches []*branch
}

type branch struct {
	name     string
	required bool
	timeout  time.Duration
	steps    []*compiledStep
}

// Compile validates def and prepares it for execution.
func Compile(def *Definition) (*Program, error) {
	if err := ValidateDefinition(def); err != nil {
		return nil, err
	}
	steps, err := compileSteps(def.Steps)
	if err != nil {
		return nil, fmt.Errorf("workflow %s: %w", def.ID, err)
	}
	p := &Program{Def: def, steps: steps}

	if len(def.Output) > 0 {
		p.output = make(map[string]*expression, len(def.Output))
		for field, src := range def.Output {
			x, err := compileExpr(src)
			if err != nil {
				return nil, fmt.Errorf("workflow %s: output %s: %w", def.ID, field, err)
			}
			p.output[field] = x
		}
	}

	if p.schema, err = compileInputSchema(def); err != nil {
		return nil, fmt.Errorf("workflow %s: input schema: %w", def.ID, err)
	}
	if p.Checksum, err = idempotency.Digest(def); err != nil {
		return nil, fmt.Errorf("workflow %s: checksum: %w", def.ID, err)
	}
	return p, nil
}

func compileSteps(defs []Step) ([]*compiledStep, error) {
	byID := make(map[string]Step, len(defs))
	for _, s := range defs {
		byID[s.ID] = s
	}
	res := validation.Order(graphNodes(defs))
	if err := res.Err(); err != nil {
		return nil, err
	}
	out := make([]*compiledStep, 0, len(defs))
	for _, id := range res.Order {
		cs, err := compileStep(byID[id])
		if err != nil {
			return nil, fmt.Errorf("step %s: %w", id, err)
		}
		out = append(out, cs)
	}
	return out, nil
}

// graphNodes builds the dependency graph of a step list. A CONDITION's then
// and else targets implicitly depend on the condition.
func graphNodes(steps []Step) []validation.Node {
	nodes := make([]validation.Node, len(steps))
	index := make(map[string]int, len(steps))
	for i, s := range steps {
		nodes[i] = validation.Node{ID: s.ID, DependsOn: append([]string(nil), s.DependsOn...)}
		index[s.ID] = i
	}
	for _, s := range steps {
		if s.Kind != KindCondition {
			continue
		}
		var c ConditionConfig
		if decodeConfig(s.Config, &c) != nil {
			continue
		}
		for _, target := range append(c.Then, c.Else...) {
			j, ok := index[target]
			if !ok || target == s.ID || contains(nodes[j].DependsOn, s.ID) {
				continue
			}
			nodes[j].DependsOn = append(nodes[j].DependsOn, s.ID)
		}
	}
	return nodes
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func compileStep(s Step) (*compiledStep, error) {
	cs := &compiledStep{id: s.ID, kind: s.Kind, dependsOn: s.DependsOn}
	var err error
	switch s.Kind {
	case KindTool:
		var c ToolConfig
		if err = decodeConfig(s.Config, &c); err != nil {
			return nil, err
		}
		cs.tool = &toolStep{name: c.Tool, timeout: parseTimeout(c.Timeout)}
		if c.Input != nil {
			if cs.tool.input, err = compileTemplate(c.Input); err != nil {
				return nil, err
			}
		}
	case KindCondition:
		var c ConditionConfig
		if err = decodeConfig(s.Config, &c); err != nil {
			return nil, err
		}
		cs.condition = &conditionStep{then: c.Then, els: c.Else}
		if cs.condition.expr, err = compileExpr(c.Expression); err != nil {
			return nil, err
		}
	case KindTransform:
		var c TransformConfig
		if err = decodeConfig(s.Config, &c); err != nil {
			return nil, err
		}
		cs.transform = &transformStep{}
		if c.Expression != "" {
			if cs.transform.expr, err = compileExpr(c.Expression); err != nil {
				return nil, err
			}
		} else {
			cs.transform.mapping = make(map[string]*expression, len(c.Mapping))
			for k, src := range c.Mapping {
				if cs.transform.mapping[k], err = compileExpr(src); err != nil {
					return nil, fmt.Errorf("mapping %s: %w", k, err)
				}
			}
		}
	case KindRetrieve:
		var c RetrieveConfig
		if err = decodeConfig(s.Config, &c); err != nil {
			return nil, err
		}
		cs.retrieve = &retrieveStep{
			target:  models.ResourceType(strings.ToUpper(c.Target)),
			topK:    c.TopK,
			rules:   c.RankingRules,
			timeout: parseTimeout(c.Timeout),
		}
		if cs.retrieve.query, err = compileTemplate(c.Query); err != nil {
			return nil, err
		}
		if c.Filters != nil {
			if cs.retrieve.filters, err = compileTemplate(c.Filters); err != nil {
				return nil, err
			}
		}
	case KindParallel:
		var c ParallelConfig
		if err = decodeConfig(s.Config, &c); err != nil {
			return nil, err
		}
		cs.parallel = &parallelStep{}
		for _, b := range c.Branches {
			steps, err := compileSteps(b.Steps)
			if err != nil {
				return nil, fmt.Errorf("branch %s: %w", b.Name, err)
			}
			cs.parallel.branches = append(cs.parallel.branches, &branch{
				name:     b.Name,
				required: b.Required,
				timeout:  parseTimeout(b.Timeout),
				steps:    steps,
			})
		}
	default:
		return nil, fmt.Errorf("unknown kind %q", s.Kind)
	}
	return cs, nil
}

func parseTimeout(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

// compileInputSchema uses the declared input_schema, or derives an object
// schema from the declared inputs.
func compileInputSchema(def *Definition) (*jsonschema.Schema, error) {
	doc := def.InputSchema
	if len(doc) == 0 {
		props := make(map[string]interface{}, len(def.Inputs))
		required := []interface{}{}
		for _, in := range def.Inputs {
			props[in.Name] = map[string]interface{}{}
			if in.Required {
				required = append(required, in.Name)
			}
		}
		doc = map[string]interface{}{"type": "object", "properties": props}
		if len(required) > 0 {
			doc["required"] = required
		}
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	url := "mem://workflow/" + def.ID + "/input.json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

// ValidateInput checks input against the program's input schema.
func (p *Program) ValidateInput(input map[string]interface{}) error {
	v, err := normalizeMap(input)
	if err != nil {
		return err
	}
	if err := p.schema.Validate(v); err != nil {
		return &models.StepError{Kind: models.ErrorInput, StepID: "input", Message: err.Error()}
	}
	return nil
}

// InputFields returns the declared inputs followed by any name the input
// schema lists as required without declaring it.
func (p *Program) InputFields() []models.InputField {
	out := append([]models.InputField(nil), p.Def.Inputs...)
	seen := make(map[string]int, len(out))
	for i, in := range out {
		seen[in.Name] = i
	}
	required, _ := p.Def.InputSchema["required"].([]interface{})
	props, _ := p.Def.InputSchema["properties"].(map[string]interface{})
	for _, r := range required {
		name, ok := r.(string)
		if !ok {
			continue
		}
		if i, ok := seen[name]; ok {
			out[i].Required = true
			continue
		}
		f := models.InputField{Name: name, Required: true}
		if prop, ok := props[name].(map[string]interface{}); ok {
			f.Description, _ = prop["description"].(string)
		}
		seen[name] = len(out)
		out = append(out, f)
	}
	return out
}

// MissingInputs returns the required inputs absent from input, in declaration order.
func (p *Program) MissingInputs(input map[string]interface{}) []models.InputField {
	var out []models.InputField
	for _, in := range p.InputFields() {
		if !in.Required {
			continue
		}
		if v, ok := input[in.Name]; !ok || v == nil || v == "" {
			out = append(out, in)
		}
	}
	return out
}

// StepIDs returns the top-level step ids in execution order.
func (p *Program) StepIDs() []string {
	out := make([]string, len(p.steps))
	for i, s := range p.steps {
		out[i] = s.id
	}
	return out
}
