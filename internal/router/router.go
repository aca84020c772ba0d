// Package router maps client-facing model names onto Qwen web models and the
// tools and limits each alias brings along.
package router

import (
	"fmt"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"
)

// DefaultAliasKey names the alias used for any unrecognized model.
const DefaultAliasKey = "_default"

// ThinkingSuffix turns on thinking mode for whatever model it is appended to.
const ThinkingSuffix = "-thinking"

// ModelAlias is the resolved routing decision for one requested model name.
type ModelAlias struct {
	Name              string
	TargetModel       string
	AutoTools         []ToolSpec
	ThinkingEnabled   bool
	MaxTokensOverride *int
	Description       string
}

func (a ModelAlias) clone() ModelAlias {
	out := a
	if a.AutoTools != nil {
		out.AutoTools = make([]ToolSpec, len(a.AutoTools))
		for i, t := range a.AutoTools {
			out.AutoTools[i] = t.clone()
		}
	}
	if a.MaxTokensOverride != nil {
		v := *a.MaxTokensOverride
		out.MaxTokensOverride = &v
	}
	return out
}

// MaxTokens picks the client's limit when given, else the alias override.
func (a ModelAlias) MaxTokens(client *int) *int {
	if client != nil {
		return client
	}
	return a.MaxTokensOverride
}

// Table is the alias configuration keyed by alias name. It must contain DefaultAliasKey.
type Table map[string]ModelAlias

func intPtr(v int) *int { return &v }

// DefaultTable returns the built-in aliases.
func DefaultTable() Table {
	return Table{
		"qwen_research": {
			TargetModel: "qwen-deep-research",
			Description: "Deep research mode without tools",
		},
		"qwen_think": {
			TargetModel:       "qwen3-235b-a22b-2507",
			AutoTools:         []ToolSpec{Tool("web_search")},
			ThinkingEnabled:   true,
			MaxTokensOverride: intPtr(81920),
			Description:       "Thinking model with web search and extended context",
		},
		"qwen_code": {
			TargetModel: "qwen3-coder-plus",
			AutoTools:   []ToolSpec{Tool("web_search")},
			Description: "Code generation with web search",
		},
		DefaultAliasKey: {
			TargetModel: "qwen3-max-latest",
			AutoTools:   []ToolSpec{Tool("web_search")},
			Description: "Default model with web search",
		},
	}
}

// KnownModels are upstream model ids passed through without aliasing or tools.
var KnownModels = []string{
	"qwen2.5-max",
	"qwen2.5-turbo",
	"qwen-deep-research",
	"qwen-max-latest",
	"qwen3-max-latest",
	"qwen3-235b-a22b-2507",
	"qwen3-coder-plus",
	"qwen-math-plus",
	"qwen-math-turbo",
	"qwen-coder-turbo",
	"qwen-vl-max",
	"qwen-vl-plus",
}

// Router resolves model names. It is immutable once built; reloads build a new one.
type Router struct {
	aliases      map[string]ModelAlias
	known        map[string]string
	defaultAlias ModelAlias
}

// New builds a Router from table and the known model list.
func New(table Table, known []string) (*Router, error) {
	r := &Router{
		aliases: make(map[string]ModelAlias, len(table)),
		known:   make(map[string]string, len(known)),
	}
	for name, alias := range table {
		key := normalize(name)
		if key == "" {
			return nil, fmt.Errorf("router: empty alias name")
		}
		if _, dup := r.aliases[key]; dup {
			return nil, fmt.Errorf("router: alias %q defined twice", name)
		}
		if strings.TrimSpace(alias.TargetModel) == "" {
			return nil, fmt.Errorf("router: alias %q has no target model", name)
		}
		alias = alias.clone()
		alias.Name = name
		r.aliases[key] = alias
	}
	def, ok := r.aliases[DefaultAliasKey]
	if !ok {
		return nil, fmt.Errorf("router: table has no %q alias", DefaultAliasKey)
	}
	r.defaultAlias = def
	for _, m := range known {
		r.known[normalize(m)] = m
	}
	log.Debugf("model router ready with %d aliases and %d known models", len(r.aliases), len(r.known))
	return r, nil
}

// MustDefault returns a Router over the built-in table.
func MustDefault() *Router {
	r, err := New(DefaultTable(), KnownModels)
	if err != nil {
		panic(err)
	}
	return r
}

// Resolve maps a requested model name to its routing decision. Lookup is
// case-insensitive: known upstream models pass through without tools,
// aliases map to their target, and anything else gets the default alias.
// A trailing -thinking suffix enables thinking on the result.
func (r *Router) Resolve(model string) ModelAlias {
	key := normalize(model)
	thinking := false
	if base, ok := strings.CutSuffix(key, ThinkingSuffix); ok && base != "" {
		key = base
		thinking = true
	}

	var out ModelAlias
	if alias, ok := r.aliases[key]; ok && key != DefaultAliasKey {
		out = alias.clone()
		log.Debugf("model alias %s -> %s", model, out.TargetModel)
	} else if target, ok := r.known[key]; ok {
		out = ModelAlias{Name: target, TargetModel: target, Description: "Direct Qwen model"}
	} else {
		out = r.defaultAlias.clone()
		log.Debugf("unknown model %q -> default %s", model, out.TargetModel)
	}
	if thinking {
		out.ThinkingEnabled = true
	}
	return out
}

// Aliases lists the alias names, excluding the default, sorted.
func (r *Router) Aliases() []ModelAlias {
	out := make([]ModelAlias, 0, len(r.aliases))
	for key, a := range r.aliases {
		if key == DefaultAliasKey {
			continue
		}
		out = append(out, a.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Known lists the pass-through model ids, sorted.
func (r *Router) Known() []string {
	out := make([]string, 0, len(r.known))
	for _, m := range r.known {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
