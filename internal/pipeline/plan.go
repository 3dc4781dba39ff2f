package pipeline

import (
	"fmt"

	"github.com/shaiso/Conveyor/internal/domain"
)

// Plan — разрешённый набор плагинов одного запуска.
//
// Допустимые формы:
//   - extractor            — только extract
//   - extractor + loader   — extract → load
//   - extractor + loader + transformer
//   - transformer          — только transform
type Plan struct {
	Extractor   *domain.Plugin
	Loader      *domain.Plugin
	Transformer *domain.Plugin

	Connection domain.Connection
}

// Step — одна стадия плана.
type Step struct {
	Kind   domain.StageKind
	Plugin domain.Plugin
}

// Key возвращает ключ pipeline плана.
func (p Plan) Key() domain.PipelineKey {
	var k domain.PipelineKey
	if p.Extractor != nil {
		k.Extractor = p.Extractor.Name
	}
	if p.Loader != nil {
		k.Loader = p.Loader.Name
	}
	if p.Transformer != nil {
		k.Transformer = p.Transformer.Name
	}
	return k
}

// Validate проверяет форму плана.
func (p Plan) Validate() error {
	switch {
	case p.Extractor == nil && p.Loader == nil && p.Transformer == nil:
		return fmt.Errorf("%w: no plugins", ErrInvalidPlan)
	case p.Loader != nil && p.Extractor == nil:
		return fmt.Errorf("%w: loader requires an extractor", ErrInvalidPlan)
	case p.Transformer != nil && p.Extractor != nil && p.Loader == nil:
		return fmt.Errorf("%w: transformer after extract requires a loader", ErrInvalidPlan)
	}

	check := []struct {
		plugin *domain.Plugin
		kind   domain.PluginKind
	}{
		{p.Extractor, domain.PluginExtractor},
		{p.Loader, domain.PluginLoader},
		{p.Transformer, domain.PluginTransformer},
	}
	for _, c := range check {
		if c.plugin != nil && c.plugin.Kind != c.kind {
			return fmt.Errorf("%w: %q is a %s, not a %s", ErrInvalidPlan, c.plugin.Name, c.plugin.Kind, c.kind)
		}
	}
	return nil
}

// Stages возвращает стадии в фиксированном порядке выполнения.
func (p Plan) Stages() []Step {
	var steps []Step
	if p.Extractor != nil {
		steps = append(steps, Step{Kind: domain.StageExtract, Plugin: *p.Extractor})
	}
	if p.Loader != nil {
		steps = append(steps, Step{Kind: domain.StageLoad, Plugin: *p.Loader})
	}
	if p.Transformer != nil {
		steps = append(steps, Step{Kind: domain.StageTransform, Plugin: *p.Transformer})
	}
	return steps
}
