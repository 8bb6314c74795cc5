package diagram

import (
	"fmt"

	"github.com/rendis/autoflow/pkg/schema"
)

// Build constructs a DiagramModel from a WorkflowDefinition. When res is set,
// each node carries the recorded step outcome; steps absent from the result
// are marked skipped.
//
// Top-level steps run in definition order, consecutive steps sharing a
// parallel group form one level, and branch targets hang off their condition
// and rejoin the next level.
func Build(def *schema.WorkflowDefinition, res *schema.ExecutionResult) (*DiagramModel, error) {
	if def == nil {
		return nil, fmt.Errorf("diagram: nil workflow definition")
	}
	targets, err := def.BranchTargets()
	if err != nil {
		return nil, fmt.Errorf("diagram: %w", err)
	}

	b := &builder{
		def:     def,
		linked:  make(map[string]bool),
		results: make(map[string]*schema.StepResult),
	}
	if res != nil {
		for i := range res.Steps {
			b.results[res.Steps[i].StepID] = &res.Steps[i]
		}
	}

	nodes := make([]*Node, 0, len(def.Steps)+2)
	nodes = append(nodes, &Node{ID: startID, Label: "Start", Kind: NodeKindStart})
	for i := range def.Steps {
		node := stepToNode(&def.Steps[i])
		if res != nil {
			node.Status = b.overlay(node.ID)
		}
		nodes = append(nodes, node)
	}
	nodes = append(nodes, &Node{ID: endID, Label: "End", Kind: NodeKindEnd})

	levels, groups := buildLevels(def, targets)

	allLevels := make([][]string, 0, len(levels)+2)
	allLevels = append(allLevels, []string{startID})
	allLevels = append(allLevels, levels...)
	allLevels = append(allLevels, []string{endID})

	for i := 0; i < len(allLevels)-1; i++ {
		for _, id := range allLevels[i] {
			b.linkStep(id, allLevels[i+1])
		}
	}

	return &DiagramModel{
		Title:  titleFromDef(def),
		Nodes:  nodes,
		Edges:  b.edges,
		Groups: groups,
		Levels: allLevels,
	}, nil
}

type builder struct {
	def     *schema.WorkflowDefinition
	edges   []Edge
	linked  map[string]bool
	results map[string]*schema.StepResult
}

// linkStep adds the outgoing edges of id, continuing to next once the step
// and any branch it selects are done.
func (b *builder) linkStep(id string, next []string) {
	if b.linked[id] {
		return
	}
	b.linked[id] = true

	step, ok := b.def.StepByID(id)
	if ok && step.Type == schema.StepTypeCondition {
		onTrue, onFalse, err := step.Branches()
		if err == nil {
			b.linkBranch(id, "true", onTrue, next)
			b.linkBranch(id, "false", onFalse, next)
			return
		}
	}
	for _, n := range next {
		b.edges = append(b.edges, Edge{From: id, To: n})
	}
}

func (b *builder) linkBranch(from, label string, ids, next []string) {
	if len(ids) == 0 {
		for _, n := range next {
			b.edges = append(b.edges, Edge{From: from, To: n, Label: label})
		}
		return
	}
	b.edges = append(b.edges, Edge{From: from, To: ids[0], Label: label})
	for k, id := range ids {
		cont := next
		if k < len(ids)-1 {
			cont = []string{ids[k+1]}
		}
		b.linkStep(id, cont)
	}
}

func (b *builder) overlay(id string) *StatusOverlay {
	sr, ok := b.results[id]
	if !ok {
		return &StatusOverlay{Status: StatusSkipped}
	}
	status := StatusSucceeded
	if !sr.Success {
		status = StatusFailed
	}
	return &StatusOverlay{
		Status:     status,
		DurationMs: sr.DurationMs,
		Attempts:   sr.Attempts,
		Error:      sr.Error,
	}
}

// buildLevels groups the top-level steps into run levels.
func buildLevels(def *schema.WorkflowDefinition, targets map[string]struct{}) ([][]string, []Group) {
	var levels [][]string
	var groups []Group
	for i := 0; i < len(def.Steps); {
		s := def.Steps[i]
		if _, isTarget := targets[s.ID]; isTarget {
			i++
			continue
		}
		level := []string{s.ID}
		j := i + 1
		if s.ParallelGroup != "" {
			for j < len(def.Steps) {
				n := def.Steps[j]
				if _, isTarget := targets[n.ID]; isTarget || n.ParallelGroup != s.ParallelGroup {
					break
				}
				level = append(level, n.ID)
				j++
			}
			if len(level) > 1 {
				groups = append(groups, Group{Name: s.ParallelGroup, NodeIDs: level})
			}
		}
		levels = append(levels, level)
		i = j
	}
	return levels, groups
}

func stepToNode(step *schema.Step) *Node {
	return &Node{
		ID:    step.ID,
		Label: nodeLabel(step),
		Kind:  stepTypeToKind(step.Type),
	}
}

func stepTypeToKind(st schema.StepType) NodeKind {
	switch st {
	case schema.StepTypeEmail:
		return NodeKindEmail
	case schema.StepTypeWebhook:
		return NodeKindWebhook
	case schema.StepTypeCondition:
		return NodeKindCondition
	default:
		return NodeKindStep
	}
}

// nodeLabel is the step name (or id) followed by its type on a second line.
func nodeLabel(step *schema.Step) string {
	name := step.ID
	if step.Name != "" {
		name = step.Name
	}
	return fmt.Sprintf("%s\n(%s)", name, step.Type)
}

func titleFromDef(def *schema.WorkflowDefinition) string {
	if def.Name != "" {
		return def.Name
	}
	if def.ID != "" {
		return def.ID
	}
	return "Workflow"
}
